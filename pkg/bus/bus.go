package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrNoResponse is returned when WaitForResponse times out.
var ErrNoResponse = errors.New("no response before timeout")

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Handler consumes one delivered message. Handlers run on their
// subscription's own delivery goroutine.
type Handler func(*Message)

// Subscription is the handle returned by Subscribe and accepted by
// Unsubscribe.
type Subscription struct {
	id      uint64
	pattern string
}

// Pattern returns the topic pattern this subscription was created with.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// MessageBus is the process-wide topic-addressed publish/subscribe channel.
//
// Every subscriber owns an unbounded FIFO queue drained by a dedicated
// goroutine: Publish only appends, so it never blocks the caller, a stalled
// handler delays nobody else, and publishing from inside a handler cannot
// deadlock. For messages published from a single goroutine a given
// subscriber observes publish order.
type MessageBus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64

	waiterMu sync.Mutex
	waiters  map[string][]*waiter

	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	id      uint64
	pattern string
	handler Handler
	log     *slog.Logger

	mu    sync.Mutex
	queue []*Message
	wake  chan struct{}
	stop  chan struct{}
}

type waiter struct {
	requestType string
	ch          chan *Message
}

// NewMessageBus creates an empty bus.
func NewMessageBus(log *slog.Logger) *MessageBus {
	if log == nil {
		log = slog.Default()
	}
	return &MessageBus{
		log:     log.With("component", "bus"),
		subs:    make(map[uint64]*subscriber),
		waiters: make(map[string][]*waiter),
		done:    make(chan struct{}),
	}
}

// Publish delivers msg to every matching subscription and pending waiter.
// It is fire-and-forget: the cost to the caller is the enqueue, nothing more.
// Malformed messages are dropped and logged.
func (b *MessageBus) Publish(msg *Message) {
	if err := msg.Validate(); err != nil {
		b.log.Warn("Dropping malformed message", "error", err)
		return
	}

	select {
	case <-b.done:
		return
	default:
	}

	b.deliverToWaiters(msg)

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if topicMatches(sub.pattern, msg.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(msg)
	}
}

// Subscribe registers a handler for every message whose type matches pattern.
// Patterns are exact topics or a prefix ending in "*".
func (b *MessageBus) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		pattern: pattern,
		handler: handler,
		log:     b.log,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(b.done)

	return &Subscription{id: sub.id, pattern: pattern}, nil
}

// Unsubscribe removes a subscription. Messages already queued for it may
// still be delivered.
func (b *MessageBus) Unsubscribe(handle *Subscription) {
	if handle == nil {
		return
	}

	b.mu.Lock()
	sub, ok := b.subs[handle.id]
	if ok {
		delete(b.subs, handle.id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.stop)
	}
}

// WaitForResponse publishes request and blocks the calling goroutine (never
// the bus) until a message correlating on the request's invocation id, with
// a different type, arrives. Returns ErrNoResponse on timeout.
func (b *MessageBus) WaitForResponse(ctx context.Context, request *Message, timeout time.Duration) (*Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}

	ident := request.Ident()
	if ident == "" {
		return nil, fmt.Errorf("request has no %s context", CtxIdent)
	}

	w := &waiter{requestType: request.Type, ch: make(chan *Message, 1)}
	b.addWaiter(ident, w)
	defer b.removeWaiter(ident, w)

	b.Publish(request)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-w.ch:
		return response, nil
	case <-timer.C:
		return nil, ErrNoResponse
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}
}

// Close stops delivery. Pending handlers finish their current message.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *MessageBus) addWaiter(ident string, w *waiter) {
	b.waiterMu.Lock()
	defer b.waiterMu.Unlock()
	b.waiters[ident] = append(b.waiters[ident], w)
}

func (b *MessageBus) removeWaiter(ident string, w *waiter) {
	b.waiterMu.Lock()
	defer b.waiterMu.Unlock()
	remaining := b.waiters[ident][:0]
	for _, candidate := range b.waiters[ident] {
		if candidate != w {
			remaining = append(remaining, candidate)
		}
	}
	if len(remaining) == 0 {
		delete(b.waiters, ident)
	} else {
		b.waiters[ident] = remaining
	}
}

// deliverToWaiters completes pending WaitForResponse calls whose ident
// matches. The request message itself does not satisfy its own waiter.
func (b *MessageBus) deliverToWaiters(msg *Message) {
	ident := msg.Ident()
	if ident == "" {
		return
	}

	b.waiterMu.Lock()
	defer b.waiterMu.Unlock()
	for _, w := range b.waiters[ident] {
		if msg.Type == w.requestType {
			continue
		}
		select {
		case w.ch <- msg:
		default:
		}
	}
}

func (s *subscriber) enqueue(msg *Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(busDone <-chan struct{}) {
	for {
		select {
		case <-s.wake:
		case <-s.stop:
			return
		case <-busDone:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(msg)
		}
	}
}

// deliver runs the handler with a panic guard so a faulty subscriber cannot
// take down the bus or its own delivery loop.
func (s *subscriber) deliver(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Subscriber handler panicked", "pattern", s.pattern, "type", msg.Type, "panic", r)
		}
	}()
	s.handler(msg)
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return errors.New("empty topic pattern")
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 && i != len(pattern)-1 {
		return fmt.Errorf("wildcard only allowed at end of pattern: %q", pattern)
	}
	return nil
}

// topicMatches implements exact match plus a trailing-wildcard prefix match.
func topicMatches(pattern, topic string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return pattern == topic
}
