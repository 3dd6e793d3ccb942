// Package skill tracks loaded skills and safely invokes their handlers. The
// registry guarantees atomic registration, the dispatcher guarantees that a
// faulty handler never destabilizes the bus or other skills.
package skill

import (
	"context"

	"murmur/pkg/bus"
	"murmur/pkg/intent"
	"murmur/pkg/session"
)

// Lifecycle and output topics emitted around handler invocations.
const (
	TopicHandlerStart    = "mycroft.skill.handler.start"
	TopicHandlerComplete = "mycroft.skill.handler.complete"
	TopicHandlerError    = "mycroft.skill.handler.error"
	TopicHandlerTimeout  = "mycroft.skill.handler.timeout"
	TopicSpeak           = "speak"
)

// Handler fulfills one intent. It runs isolated: returned errors and panics
// are contained at the dispatch boundary and surfaced as bus events.
type Handler func(ctx context.Context, inv *Invocation) error

// ConverseHandler gives the active skill first refusal on a new utterance.
// Returning true consumes the utterance and keeps the skill active.
type ConverseHandler func(ctx context.Context, inv *Invocation) bool

// Fallback is offered utterances no intent claimed with enough confidence.
// Higher priority fallbacks run first; returning true consumes.
type Fallback struct {
	Name     string
	Priority int
	Handle   func(ctx context.Context, inv *Invocation) bool
}

// Skill is the static declaration a skill supplies at load time: intents,
// entity vocabularies, handlers, and optional converse/fallback hooks. No
// mutation after registration.
type Skill struct {
	ID       string
	Intents  []intent.Descriptor
	Entities map[string][]string
	Handlers map[string]Handler
	Converse ConverseHandler

	Fallbacks []Fallback
}

// Invocation is the execution context handed to handlers, converse hooks,
// and fallbacks: the utterance, extracted entities, the session, and
// publish helpers that echo the originating message context.
type Invocation struct {
	SkillID    string
	IntentName string
	Utterance  string
	Entities   map[string]string
	Session    *session.Session

	store  *session.Store
	bus    *bus.MessageBus
	origin *bus.Message
}

// Speak publishes a speak message for the speech-output collaborator.
func (inv *Invocation) Speak(utterance string) {
	inv.Publish(TopicSpeak, map[string]any{"utterance": utterance})
}

// Publish emits a message whose context echoes the originating utterance,
// so the invocation id and session routing survive.
func (inv *Invocation) Publish(msgType string, data map[string]any) {
	msg := inv.origin.Reply(msgType, data)
	msg.Context[bus.CtxSkillID] = inv.SkillID
	inv.bus.Publish(msg)
}

// SetContext pushes a decaying context entry into the session. ttl counts
// utterance turns; zero or negative means no turn decay.
func (inv *Invocation) SetContext(keyword, value string, ttl int) {
	inv.store.PushContext(inv.Session.ID, session.ContextEntry{
		Keyword:     keyword,
		Value:       value,
		OriginSkill: inv.SkillID,
		TTL:         ttl,
	})
}

// KeepActive marks the invoking skill as holding the conversation, so its
// converse hook is offered the next utterance.
func (inv *Invocation) KeepActive() {
	inv.store.SetActiveSkill(inv.Session.ID, inv.SkillID)
}

// EndConversation relinquishes the active-skill slot if this skill holds it.
func (inv *Invocation) EndConversation() {
	if inv.Session.ActiveSkill() == inv.SkillID {
		inv.store.SetActiveSkill(inv.Session.ID, "")
	}
}
