package skill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"murmur/pkg/bus"
	"murmur/pkg/intent"
	"murmur/pkg/session"
)

// Dispatcher invokes the winning handler for a match, enforcing the
// isolation policy: panics and errors stop at this boundary and become bus
// events, a per-invocation timeout abandons runaway handlers, and one
// skill's invocations are serialized with themselves while different skills
// execute concurrently.
type Dispatcher struct {
	log      *slog.Logger
	bus      *bus.MessageBus
	registry *Registry
	store    *session.Store

	handlerTimeout  time.Duration
	converseTimeout time.Duration
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(b *bus.MessageBus, registry *Registry, store *session.Store, handlerTimeout, converseTimeout time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:             log.With("component", "skill.dispatcher"),
		bus:             b,
		registry:        registry,
		store:           store,
		handlerTimeout:  handlerTimeout,
		converseTimeout: converseTimeout,
	}
}

// Dispatch invokes exactly one handler for the winning match and waits for
// completion or the invocation timeout, whichever comes first. On timeout
// the invocation is abandoned (its context canceled, its eventual result
// discarded) and the skill stays registered.
func (d *Dispatcher) Dispatch(match intent.Result, sess *session.Session, origin *bus.Message, utterance string) error {
	reg, ok := d.registry.lookup(match.Intent.SkillID)
	if !ok {
		return fmt.Errorf("skill %s is not registered", match.Intent.SkillID)
	}
	handler, ok := reg.skill.Handlers[match.Intent.Name]
	if !ok {
		return fmt.Errorf("skill %s has no handler for intent %s", match.Intent.SkillID, match.Intent.Name)
	}

	inv := d.newInvocation(match.Intent.SkillID, match.Intent.Name, utterance, match.Entities, sess, origin)
	d.emitLifecycle(TopicHandlerStart, inv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), d.handlerTimeout)
	done := make(chan error, 1)

	go func() {
		// Per-skill serialization: one invocation of this skill at a time.
		reg.dispatchMu.Lock()
		defer reg.dispatchMu.Unlock()
		// The timeout clock runs while queued. An invocation abandoned
		// during the wait must never start its handler.
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- d.runIsolated(ctx, handler, inv)
	}()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			d.log.Warn("Handler failed", "skill_id", inv.SkillID, "intent", inv.IntentName, "error", err)
			d.emitLifecycle(TopicHandlerError, inv, err)
			return nil
		}
		d.emitLifecycle(TopicHandlerComplete, inv, nil)
		return nil
	case <-ctx.Done():
		cancel()
		d.log.Warn("Handler timed out, abandoning invocation",
			"skill_id", inv.SkillID, "intent", inv.IntentName, "timeout", d.handlerTimeout)
		d.emitLifecycle(TopicHandlerTimeout, inv, nil)
		return nil
	}
}

// TryConverse offers the utterance to the session's active skill before the
// matcher pipeline runs. Reports whether the skill consumed it. A converse
// hook that exceeds its budget counts as declining.
func (d *Dispatcher) TryConverse(sess *session.Session, origin *bus.Message, utterance string) bool {
	activeSkill := sess.ActiveSkill()
	if activeSkill == "" {
		return false
	}

	hook, ok := d.registry.Converse(activeSkill)
	if !ok {
		return false
	}

	inv := d.newInvocation(activeSkill, "", utterance, nil, sess, origin)
	ctx, cancel := context.WithTimeout(context.Background(), d.converseTimeout)
	defer cancel()

	verdict := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("Converse hook panicked", "skill_id", activeSkill, "panic", r)
				verdict <- false
			}
		}()
		verdict <- hook(ctx, inv)
	}()

	select {
	case handled := <-verdict:
		return handled
	case <-ctx.Done():
		d.log.Warn("Converse hook timed out", "skill_id", activeSkill, "timeout", d.converseTimeout)
		return false
	}
}

// RunFallbacks offers the utterance to the fallback chain, highest priority
// first. Returns the consuming fallback's name, or ok=false when none
// accepted. Each fallback runs isolated under the handler timeout.
func (d *Dispatcher) RunFallbacks(sess *session.Session, origin *bus.Message, utterance string) (string, bool) {
	for _, fb := range d.registry.Fallbacks() {
		inv := d.newInvocation("", fb.Name, utterance, nil, sess, origin)

		ctx, cancel := context.WithTimeout(context.Background(), d.handlerTimeout)
		verdict := make(chan bool, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("Fallback panicked", "fallback", fb.Name, "panic", r)
					verdict <- false
				}
			}()
			verdict <- fb.Handle(ctx, inv)
		}()

		handled := false
		select {
		case handled = <-verdict:
		case <-ctx.Done():
			d.log.Warn("Fallback timed out", "fallback", fb.Name)
		}
		cancel()

		if handled {
			return fb.Name, true
		}
	}
	return "", false
}

// runIsolated executes the handler with the panic guard that keeps skill
// faults from crossing the dispatch boundary.
func (d *Dispatcher) runIsolated(ctx context.Context, handler Handler, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, inv)
}

func (d *Dispatcher) newInvocation(skillID, intentName, utterance string, entities map[string]string, sess *session.Session, origin *bus.Message) *Invocation {
	if entities == nil {
		entities = map[string]string{}
	}
	return &Invocation{
		SkillID:    skillID,
		IntentName: intentName,
		Utterance:  utterance,
		Entities:   entities,
		Session:    sess,
		store:      d.store,
		bus:        d.bus,
		origin:     origin,
	}
}

func (d *Dispatcher) emitLifecycle(topic string, inv *Invocation, handlerErr error) {
	data := map[string]any{
		"skill_id": inv.SkillID,
		"intent":   inv.IntentName,
	}
	if handlerErr != nil {
		data["error"] = handlerErr.Error()
	}
	msg := inv.origin.Reply(topic, data)
	msg.Context[bus.CtxSkillID] = inv.SkillID
	d.bus.Publish(msg)
}
