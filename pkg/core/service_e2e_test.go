package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"murmur/pkg/bus"
	"murmur/pkg/config"
	"murmur/pkg/intent"
	"murmur/pkg/skill"

	"github.com/stretchr/testify/require"
)

const eventWait = 2 * time.Second

func newTestService(t *testing.T) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.Dispatch.HandlerTimeoutSeconds = 2
	cfg.Dispatch.ConverseTimeoutSeconds = 1

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(cfg, log)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.bus.Close)
	return svc
}

// collector buffers bus messages matching a pattern for assertion.
type collector struct {
	mu       sync.Mutex
	messages []*bus.Message
	next     int
	arrived  chan struct{}
}

func collect(t *testing.T, svc *Service, pattern string) *collector {
	t.Helper()
	c := &collector{arrived: make(chan struct{}, 64)}
	_, err := svc.Bus().Subscribe(pattern, func(m *bus.Message) {
		c.mu.Lock()
		c.messages = append(c.messages, m)
		c.mu.Unlock()
		select {
		case c.arrived <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	return c
}

// await blocks until a message of the given topic arrives. The cursor
// advances past everything scanned, so successive awaits see successive
// occurrences.
func (c *collector) await(t *testing.T, topic string) *bus.Message {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		c.mu.Lock()
		for ; c.next < len(c.messages); c.next++ {
			if c.messages[c.next].Type == topic {
				msg := c.messages[c.next]
				c.next++
				c.mu.Unlock()
				return msg
			}
		}
		c.mu.Unlock()

		select {
		case <-c.arrived:
		case <-deadline:
			t.Fatalf("did not observe %s", topic)
		}
	}
}

func (c *collector) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, msg := range c.messages {
		if msg.Type == topic {
			n++
		}
	}
	return n
}

func utteranceMessage(sessionID string, utterances ...string) *bus.Message {
	msg := bus.NewMessage(TopicUtterance, map[string]any{"utterances": utterances})
	msg.Context[bus.CtxSessionID] = sessionID
	return msg
}

func TestWeatherUtteranceDispatchesExactlyOnce(t *testing.T) {
	svc := newTestService(t)
	events := collect(t, svc, "mycroft.skill.handler.*")
	speech := collect(t, svc, skill.TopicSpeak)

	var mu sync.Mutex
	calls := 0
	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "weather",
		Intents: []intent.Descriptor{{
			Name:    "get_weather",
			Kind:    intent.KindExact,
			Phrases: []string{"what's the weather"},
		}},
		Handlers: map[string]skill.Handler{
			"get_weather": func(_ context.Context, inv *skill.Invocation) error {
				mu.Lock()
				calls++
				mu.Unlock()
				inv.Speak("it is sunny")
				return nil
			},
		},
	}))

	svc.Bus().Publish(utteranceMessage("kitchen", "what's the weather"))

	complete := events.await(t, skill.TopicHandlerComplete)
	require.Equal(t, "weather", complete.DataString("skill_id"))
	require.Equal(t, "get_weather", complete.DataString("intent"))

	spoken := speech.await(t, skill.TopicSpeak)
	require.Equal(t, "it is sunny", spoken.DataString("utterance"))
	require.Equal(t, "kitchen", spoken.ContextString(bus.CtxSessionID))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestConverseShortCircuitsThePipeline(t *testing.T) {
	svc := newTestService(t)
	events := collect(t, svc, "mycroft.skill.handler.*")

	var mu sync.Mutex
	var conversed []string
	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "timer",
		Intents: []intent.Descriptor{{
			Name:    "cancel_timer",
			Kind:    intent.KindExact,
			Phrases: []string{"cancel"},
		}},
		Handlers: map[string]skill.Handler{
			"cancel_timer": func(context.Context, *skill.Invocation) error {
				t.Error("handler dispatched for an utterance converse consumed")
				return nil
			},
		},
		Converse: func(_ context.Context, inv *skill.Invocation) bool {
			mu.Lock()
			conversed = append(conversed, inv.Utterance)
			mu.Unlock()
			return inv.Utterance == "cancel"
		},
	}))

	probe := make(chan struct{}, 1)
	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "probe",
		Intents: []intent.Descriptor{{
			Name:    "ping",
			Kind:    intent.KindExact,
			Phrases: []string{"ping"},
		}},
		Handlers: map[string]skill.Handler{
			"ping": func(context.Context, *skill.Invocation) error {
				probe <- struct{}{}
				return nil
			},
		},
	}))

	svc.Store().SetActiveSkill("kitchen", "timer")

	// "cancel" must be consumed by converse; the probe on a separate
	// session shows the pipeline still dispatches normally elsewhere.
	svc.Bus().Publish(utteranceMessage("kitchen", "cancel"))
	svc.Bus().Publish(utteranceMessage("hallway", "ping"))

	select {
	case <-probe:
	case <-time.After(eventWait):
		t.Fatal("probe utterance never dispatched")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range conversed {
			if u == "cancel" {
				return true
			}
		}
		return false
	}, eventWait, 10*time.Millisecond, "converse never offered the utterance")

	require.Equal(t, "timer", svc.Store().GetOrCreate("kitchen").ActiveSkill(),
		"converse consumption keeps the skill active")

	// exactly one dispatch happened, and it was the probe's
	start := events.await(t, skill.TopicHandlerStart)
	require.Equal(t, "probe", start.DataString("skill_id"))
	require.Equal(t, 1, events.count(skill.TopicHandlerStart))
}

func TestSlowHandlerDoesNotDelayOtherSessions(t *testing.T) {
	svc := newTestService(t)
	events := collect(t, svc, "mycroft.skill.handler.*")

	// On early test failure the handler still exits through ctx.Done when
	// its invocation times out.
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "glacial",
		Intents: []intent.Descriptor{{
			Name:    "stall",
			Kind:    intent.KindExact,
			Phrases: []string{"take your time"},
		}},
		Handlers: map[string]skill.Handler{
			"stall": func(ctx context.Context, _ *skill.Invocation) error {
				entered <- struct{}{}
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil
			},
		},
	}))

	quick := make(chan struct{}, 1)
	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "brisk",
		Intents: []intent.Descriptor{{
			Name:    "ping",
			Kind:    intent.KindExact,
			Phrases: []string{"ping"},
		}},
		Handlers: map[string]skill.Handler{
			"ping": func(context.Context, *skill.Invocation) error {
				quick <- struct{}{}
				return nil
			},
		},
	}))

	svc.Bus().Publish(utteranceMessage("kitchen", "take your time"))
	select {
	case <-entered:
	case <-time.After(eventWait):
		t.Fatal("slow handler never started")
	}

	// The slow handler is still parked; an utterance on another session
	// must be dispatched without waiting for it.
	svc.Bus().Publish(utteranceMessage("bedroom", "ping"))
	select {
	case <-quick:
	case <-time.After(eventWait):
		t.Fatal("other session's dispatch stuck behind a slow handler")
	}

	close(release)
	events.await(t, skill.TopicHandlerComplete)
}

func TestUnmatchedUtteranceEmitsSingleFailure(t *testing.T) {
	svc := newTestService(t)
	events := collect(t, svc, "mycroft.skill.handler.*")
	failures := collect(t, svc, TopicIntentFailure)

	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "weather",
		Intents: []intent.Descriptor{{
			Name:    "get_weather",
			Kind:    intent.KindExact,
			Phrases: []string{"what's the weather"},
		}},
		Handlers: map[string]skill.Handler{
			"get_weather": func(context.Context, *skill.Invocation) error {
				t.Error("handler dispatched for gibberish")
				return nil
			},
		},
	}))

	svc.Bus().Publish(utteranceMessage("kitchen", "flurble wumpus ganglewhack"))

	failure := failures.await(t, TopicIntentFailure)
	require.Equal(t, "flurble wumpus ganglewhack", failure.DataString("utterance"))
	require.Equal(t, 1, failures.count(TopicIntentFailure))
	require.Zero(t, events.count(skill.TopicHandlerStart))
}

func TestFallbackConsumesBeforeFailureEvent(t *testing.T) {
	svc := newTestService(t)
	failures := collect(t, svc, TopicIntentFailure)
	speech := collect(t, svc, skill.TopicSpeak)

	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "unknown",
		Fallbacks: []skill.Fallback{{
			Name:     "unknown",
			Priority: -100,
			Handle: func(_ context.Context, inv *skill.Invocation) bool {
				inv.Speak("I don't understand")
				return true
			},
		}},
	}))

	svc.Bus().Publish(utteranceMessage("kitchen", "flurble wumpus"))

	spoken := speech.await(t, skill.TopicSpeak)
	require.Equal(t, "I don't understand", spoken.DataString("utterance"))
	require.Zero(t, failures.count(TopicIntentFailure))
}

func TestContextEntryDecaysAcrossUtterances(t *testing.T) {
	svc := newTestService(t)
	events := collect(t, svc, "mycroft.skill.handler.*")

	var mu sync.Mutex
	var locations []string
	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "weather",
		Entities: map[string][]string{
			"WeatherVerb": {"weather", "forecast"},
		},
		Intents: []intent.Descriptor{
			{
				Name:    "set_location",
				Kind:    intent.KindExact,
				Phrases: []string{"i am in berlin"},
			},
			{
				Name:             "get_weather",
				Kind:             intent.KindKeyword,
				RequiredEntities: []string{"WeatherVerb", "Location"},
			},
		},
		Handlers: map[string]skill.Handler{
			"set_location": func(_ context.Context, inv *skill.Invocation) error {
				inv.SetContext("Location", "berlin", 1)
				return nil
			},
			"get_weather": func(_ context.Context, inv *skill.Invocation) error {
				mu.Lock()
				locations = append(locations, inv.Entities["Location"])
				mu.Unlock()
				return nil
			},
		},
	}))

	// Turn 1 pushes Location with ttl=1.
	svc.Bus().Publish(utteranceMessage("kitchen", "i am in berlin"))
	events.await(t, skill.TopicHandlerComplete)

	// Turn 2: the entry is still live, so the keyword intent's required
	// Location resolves from context.
	svc.Bus().Publish(utteranceMessage("kitchen", "how is the weather"))
	complete := events.await(t, skill.TopicHandlerComplete)
	require.Equal(t, "get_weather", complete.DataString("intent"))

	mu.Lock()
	require.Equal(t, []string{"berlin"}, locations)
	mu.Unlock()

	// Turn 3: the entry decayed after turn 2, so the same utterance no
	// longer satisfies the required entity.
	failures := collect(t, svc, TopicIntentFailure)
	svc.Bus().Publish(utteranceMessage("kitchen", "how is the weather"))
	failures.await(t, TopicIntentFailure)

	mu.Lock()
	require.Len(t, locations, 1, "intent must not match once context decayed")
	mu.Unlock()
}

func TestAlternateTranscriptionsTriedInOrder(t *testing.T) {
	svc := newTestService(t)
	events := collect(t, svc, "mycroft.skill.handler.*")

	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "lights",
		Intents: []intent.Descriptor{{
			Name:    "lights_on",
			Kind:    intent.KindExact,
			Phrases: []string{"turn on the lights"},
		}},
		Handlers: map[string]skill.Handler{
			"lights_on": func(context.Context, *skill.Invocation) error { return nil },
		},
	}))

	// The primary transcription is garbled; the second alternate carries
	// the exact phrase.
	svc.Bus().Publish(utteranceMessage("kitchen", "turn on the light s", "turn on the lights"))

	complete := events.await(t, skill.TopicHandlerComplete)
	require.Equal(t, "lights_on", complete.DataString("intent"))
}

func TestErrorStormNeverStarvesOtherSkills(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "stormy",
		Intents: []intent.Descriptor{{
			Name:    "explode",
			Kind:    intent.KindExact,
			Phrases: []string{"explode"},
		}},
		Handlers: map[string]skill.Handler{
			"explode": func(context.Context, *skill.Invocation) error { panic("skill bug") },
		},
	}))

	healthy := make(chan struct{}, 1)
	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "healthy",
		Intents: []intent.Descriptor{{
			Name:    "work",
			Kind:    intent.KindExact,
			Phrases: []string{"do the work"},
		}},
		Handlers: map[string]skill.Handler{
			"work": func(context.Context, *skill.Invocation) error {
				healthy <- struct{}{}
				return nil
			},
		},
	}))

	for i := 0; i < 100; i++ {
		svc.Bus().Publish(utteranceMessage("kitchen", "explode"))
	}
	svc.Bus().Publish(utteranceMessage("kitchen", "do the work"))

	select {
	case <-healthy:
	case <-time.After(10 * time.Second):
		t.Fatal("healthy skill starved after error storm")
	}
}

func TestUnregisterReleasesActiveConversations(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "timer",
		Converse: func(context.Context, *skill.Invocation) bool {
			t.Error("converse offered to an unregistered skill")
			return true
		},
	}))
	svc.Store().SetActiveSkill("kitchen", "timer")
	svc.Store().SetActiveSkill("bedroom", "timer")

	require.True(t, svc.UnregisterSkill("timer"))
	require.Empty(t, svc.Store().GetOrCreate("kitchen").ActiveSkill())
	require.Empty(t, svc.Store().GetOrCreate("bedroom").ActiveSkill())
	require.False(t, svc.UnregisterSkill("timer"), "second unregister reports absence")
}

func TestIntentIntrospectionQuery(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "weather",
		Intents: []intent.Descriptor{{
			Name:    "get_weather",
			Kind:    intent.KindExact,
			Phrases: []string{"what's the weather"},
		}},
		Handlers: map[string]skill.Handler{
			"get_weather": func(context.Context, *skill.Invocation) error { return nil },
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()

	query := bus.NewMessage(TopicIntentGet, map[string]any{"utterance": "what's the weather"})
	reply, err := svc.Bus().WaitForResponse(ctx, query, eventWait)
	require.NoError(t, err)
	require.Equal(t, TopicIntentReply, reply.Type)

	payload, ok := reply.Data["intent"].(map[string]any)
	require.True(t, ok, "reply carries a matched intent")
	require.Equal(t, "weather", payload["skill_id"])
	require.Equal(t, "get_weather", payload["name"])

	// A gibberish query answers with a nil intent instead of timing out.
	query = bus.NewMessage(TopicIntentGet, map[string]any{"utterance": "flurble wumpus"})
	reply, err = svc.Bus().WaitForResponse(ctx, query, eventWait)
	require.NoError(t, err)
	require.Nil(t, reply.Data["intent"])
}

func TestSessionsAreIsolated(t *testing.T) {
	svc := newTestService(t)
	events := collect(t, svc, "mycroft.skill.handler.*")

	var mu sync.Mutex
	var sessions []string
	require.NoError(t, svc.Registry().Register(&skill.Skill{
		ID: "weather",
		Intents: []intent.Descriptor{{
			Name:    "get_weather",
			Kind:    intent.KindExact,
			Phrases: []string{"what's the weather"},
		}},
		Handlers: map[string]skill.Handler{
			"get_weather": func(_ context.Context, inv *skill.Invocation) error {
				mu.Lock()
				sessions = append(sessions, inv.Session.ID)
				mu.Unlock()
				inv.SetContext("Location", "berlin", 0)
				return nil
			},
		},
	}))

	svc.Bus().Publish(utteranceMessage("kitchen", "what's the weather"))
	events.await(t, skill.TopicHandlerComplete)
	svc.Bus().Publish(utteranceMessage("bedroom", "what's the weather"))

	deadline := time.After(eventWait)
	for events.count(skill.TopicHandlerComplete) < 2 {
		select {
		case <-events.arrived:
		case <-deadline:
			t.Fatal("second session's dispatch never completed")
		}
	}

	mu.Lock()
	require.ElementsMatch(t, []string{"kitchen", "bedroom"}, sessions)
	mu.Unlock()

	kitchen := svc.Store().GetOrCreate("kitchen")
	bedroom := svc.Store().GetOrCreate("bedroom")
	_, kitchenHas := kitchen.Lookup("Location")
	_, bedroomHas := bedroom.Lookup("Location")
	require.True(t, kitchenHas)
	require.True(t, bedroomHas)

	svc.Store().Reset("kitchen")
	_, kitchenHas = kitchen.Lookup("Location")
	_, bedroomHas = bedroom.Lookup("Location")
	require.False(t, kitchenHas, "reset clears the session's own context")
	require.True(t, bedroomHas, "reset never leaks into other sessions")
}
