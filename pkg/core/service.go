package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"murmur/pkg/bus"
	"murmur/pkg/config"
	"murmur/pkg/intent"
	"murmur/pkg/session"
	"murmur/pkg/skill"
)

const (
	TopicUtterance     = "recognizer_loop:utterance"
	TopicIntentFailure = "complete_intent_failure"
	TopicIntentGet     = "intent.service.intent.get"
	TopicIntentReply   = "intent.service.intent.reply"

	// defaultEndpointID names the session used for utterances whose
	// context carries neither a session id nor a source.
	defaultEndpointID = "default"
)

// Service is the orchestration core. It wires the message bus, session
// store, skill registry, matcher pipeline, and dispatcher, and drives the
// utterance cycle end to end.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.MessageBus
	server     *bus.Server
	store      *session.Store
	registry   *skill.Registry
	pipeline   *intent.Pipeline
	dispatcher *skill.Dispatcher

	// Per-session utterance queues. Each session drains on its own
	// goroutine so a slow handler only ever delays its own session;
	// within a session, utterances keep publish order.
	workMu sync.Mutex
	work   map[string][]*bus.Message
}

func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	b := bus.NewMessageBus(log)
	server, err := bus.NewServer(b, cfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("initialize bus endpoint: %w", err)
	}

	store := session.NewStore(cfg.Session.DefaultLang, cfg.IdleTimeout(), log)
	registry := skill.NewRegistry(log)

	var probabilistic intent.Matcher = intent.NewResembleMatcher()
	if cfg.Neural.Enabled {
		probabilistic = intent.NewNeuralMatcher(cfg.Neural, log)
	}
	pipeline := intent.NewPipeline(cfg.Matching, probabilistic, log)

	dispatcher := skill.NewDispatcher(b, registry, store, cfg.HandlerTimeout(), cfg.ConverseTimeout(), log)

	return &Service{
		cfg:        cfg,
		log:        log.With("component", "core.service"),
		bus:        b,
		server:     server,
		store:      store,
		registry:   registry,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		work:       make(map[string][]*bus.Message),
	}, nil
}

// Bus exposes the in-process message bus for co-resident collaborators.
func (s *Service) Bus() *bus.MessageBus {
	return s.bus
}

// Registry exposes the skill registry for in-process skill registration.
func (s *Service) Registry() *skill.Registry {
	return s.registry
}

// Store exposes the session store.
func (s *Service) Store() *session.Store {
	return s.store
}

// UnregisterSkill removes a skill and releases any conversation it holds, so
// no session keeps offering utterances to a skill that is gone.
func (s *Service) UnregisterSkill(skillID string) bool {
	removed := s.registry.Unregister(skillID)
	if removed {
		s.store.DeactivateSkill(skillID)
	}
	return removed
}

// Run serves the core until ctx is canceled: the WebSocket bus endpoint,
// the session idle sweeper, and the utterance and introspection
// subscriptions.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.Start(); err != nil {
		return err
	}
	defer s.bus.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.server.Run(gctx)
	})
	g.Go(func() error {
		s.store.RunIdleSweeper(gctx)
		return nil
	})

	s.log.Info("Core running",
		"bus_host", s.cfg.Bus.Host, "bus_port", s.cfg.Bus.Port, "bus_route", s.cfg.Bus.Route)

	return g.Wait()
}

// Start attaches the core's bus subscriptions without serving the network
// endpoint. Run calls it; tests exercising the cycle in-process call it
// directly.
func (s *Service) Start() error {
	if _, err := s.bus.Subscribe(TopicUtterance, s.handleUtterance); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicUtterance, err)
	}
	if _, err := s.bus.Subscribe(TopicIntentGet, s.handleIntentQuery); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicIntentGet, err)
	}
	return nil
}

// handleUtterance queues the utterance for its session's worker, spawning
// the worker when the session has none. Sessions never wait on each other.
func (s *Service) handleUtterance(msg *bus.Message) {
	if len(msg.Utterances()) == 0 {
		s.log.Warn("Utterance message carries no utterances", "ident", msg.Ident())
		return
	}

	endpoint := s.resolveEndpoint(msg)

	s.workMu.Lock()
	queue, active := s.work[endpoint]
	s.work[endpoint] = append(queue, msg)
	s.workMu.Unlock()

	if !active {
		go s.drainSession(endpoint)
	}
}

// drainSession processes one session's queued utterances in order. The map
// entry exists exactly while a worker is alive, so handleUtterance spawns at
// most one worker per session.
func (s *Service) drainSession(endpoint string) {
	for {
		s.workMu.Lock()
		queue := s.work[endpoint]
		if len(queue) == 0 {
			delete(s.work, endpoint)
			s.workMu.Unlock()
			return
		}
		msg := queue[0]
		s.work[endpoint] = queue[1:]
		s.workMu.Unlock()

		s.processUtterance(endpoint, msg)
	}
}

// processUtterance drives one utterance through the full cycle: offer
// converse, run the matcher pipeline, decay context, then dispatch or fall
// back.
func (s *Service) processUtterance(endpoint string, msg *bus.Message) {
	utterances := msg.Utterances()
	primary := utterances[0]

	sess, unlock := s.store.Lock(endpoint)
	defer unlock()

	if s.dispatcher.TryConverse(sess, msg, primary) {
		s.log.Debug("Utterance consumed by converse",
			"session_id", sess.ID, "skill_id", sess.ActiveSkill())
		return
	}

	match, ok := s.pipeline.Match(utterances, s.contextHints(sess), s.registry.Catalog())

	// Context decays exactly once per utterance cycle, after matching has
	// seen the entries and before the winning handler can push new ones.
	s.store.DecayAndPrune(sess.ID)

	if ok {
		s.store.SetActiveSkill(sess.ID, match.Intent.SkillID)
		if err := s.dispatcher.Dispatch(match, sess, msg, primary); err != nil {
			s.log.Error("Dispatch failed",
				"session_id", sess.ID, "skill_id", match.Intent.SkillID, "error", err)
		}
		return
	}

	if name, consumed := s.dispatcher.RunFallbacks(sess, msg, primary); consumed {
		s.log.Debug("Utterance consumed by fallback",
			"session_id", sess.ID, "fallback", name)
		return
	}

	s.bus.Publish(msg.Reply(TopicIntentFailure, map[string]any{
		"utterance": primary,
	}))
}

// handleIntentQuery answers introspection requests with the match the
// pipeline would produce, without dispatching or mutating the session.
func (s *Service) handleIntentQuery(msg *bus.Message) {
	utterance := msg.DataString("utterance")
	if utterance == "" {
		s.bus.Publish(msg.Reply(TopicIntentReply, map[string]any{"intent": nil}))
		return
	}

	sess := s.store.GetOrCreate(s.resolveEndpoint(msg))
	match, ok := s.pipeline.Match([]string{utterance}, s.contextHints(sess), s.registry.Catalog())
	if !ok {
		s.bus.Publish(msg.Reply(TopicIntentReply, map[string]any{"intent": nil}))
		return
	}

	s.bus.Publish(msg.Reply(TopicIntentReply, map[string]any{
		"intent": map[string]any{
			"skill_id":   match.Intent.SkillID,
			"name":       match.Intent.Name,
			"confidence": match.Confidence,
			"entities":   match.Entities,
		},
	}))
}

// resolveEndpoint picks the session key for a message: explicit session id,
// then originating source, then the shared default session.
func (s *Service) resolveEndpoint(msg *bus.Message) string {
	if id := msg.ContextString(bus.CtxSessionID); id != "" {
		return id
	}
	if source := msg.ContextString(bus.CtxSource); source != "" {
		return source
	}
	return defaultEndpointID
}

// contextHints snapshots the session's live context in insertion order,
// newest last. Matchers resolve conflicting keywords newest-wins.
func (s *Service) contextHints(sess *session.Session) []intent.ContextHint {
	entries := sess.Entries()
	hints := make([]intent.ContextHint, 0, len(entries))
	for _, entry := range entries {
		hints = append(hints, intent.ContextHint{
			Keyword: entry.Keyword,
			Value:   entry.Value,
		})
	}
	return hints
}
