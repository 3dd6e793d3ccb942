package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"murmur/pkg/config"
)

const neuralSystemPrompt = `You are the intent classifier of a voice assistant.
Your ONLY job is to map the user's utterance onto ONE intent from the catalog.

RULES:
1. Do NOT converse or answer the utterance.
2. Output ONLY JSON. No markdown.
3. Pick an intent id EXACTLY as listed in the catalog, or "unknown".
4. confidence is a float in [0,1]; be conservative.
5. entities may only use the entity names listed for the chosen intent.

OUTPUT FORMAT:
{"intent": "<catalog id or unknown>", "confidence": <float>, "entities": {}}
`

// NeuralMatcher serves the probabilistic stage with an LLM classifier when
// enabled in config. Like the built-in scorer it computes confidence without
// knowledge of keyword-matcher results; classification failures degrade to
// "no candidates" rather than errors.
type NeuralMatcher struct {
	client  openai.Client
	model   string
	timeout time.Duration
	log     *slog.Logger
}

type neuralVerdict struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
}

// NewNeuralMatcher builds the LLM-backed strategy from config.
func NewNeuralMatcher(cfg config.NeuralConfig, log *slog.Logger) *NeuralMatcher {
	if log == nil {
		log = slog.Default()
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &NeuralMatcher{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: timeout,
		log:     log.With("component", "intent.neural"),
	}
}

func (*NeuralMatcher) Kind() Kind {
	return KindProbabilistic
}

func (m *NeuralMatcher) Match(utterance string, _ []ContextHint, catalog Catalog) []Result {
	candidates := make(map[string]Descriptor)
	var listing strings.Builder
	for _, desc := range catalog.Descriptors {
		if desc.Kind != KindProbabilistic {
			continue
		}
		id := desc.SkillID + ":" + desc.Name
		candidates[id] = desc
		fmt.Fprintf(&listing, "- id: %s", id)
		if len(desc.Samples) > 0 {
			fmt.Fprintf(&listing, " (examples: %s)", strings.Join(desc.Samples, "; "))
		}
		entityNames := append(append([]string{}, desc.RequiredEntities...), desc.OptionalEntities...)
		if len(entityNames) > 0 {
			fmt.Fprintf(&listing, " (entities: %s)", strings.Join(entityNames, ", "))
		}
		listing.WriteByte('\n')
	}
	if len(candidates) == 0 {
		return nil
	}

	verdict, err := m.classify(utterance, listing.String())
	if err != nil {
		m.log.Warn("Neural classification failed", "error", err)
		return nil
	}

	desc, ok := candidates[verdict.Intent]
	if !ok {
		return nil
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	if verdict.Entities == nil {
		verdict.Entities = map[string]string{}
	}

	return []Result{{Intent: desc, Confidence: verdict.Confidence, Entities: verdict.Entities}}
}

func (m *NeuralMatcher) classify(utterance, listing string) (neuralVerdict, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	resp, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(neuralSystemPrompt + "\nINTENT CATALOG:\n" + listing),
			openai.UserMessage(utterance),
		},
		Model: openai.ChatModel(m.model),
	})
	if err != nil {
		return neuralVerdict{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return neuralVerdict{}, fmt.Errorf("empty completion")
	}

	content := resp.Choices[0].Message.Content
	var verdict neuralVerdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return neuralVerdict{}, fmt.Errorf("unmarshal verdict: %w (raw: %s)", err, content)
	}
	return verdict, nil
}
