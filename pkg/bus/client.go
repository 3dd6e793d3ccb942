package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client connects an out-of-process collaborator to the bus endpoint. It
// mirrors the in-process API: Emit to publish, On to subscribe, and
// WaitForResponse for request/reply pairs.
type Client struct {
	url string
	log *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	handlers map[string][]Handler
	waiters  map[string][]*waiter
	closed   bool

	reconnectDelay time.Duration
	done           chan struct{}
}

// Dial connects to a running bus endpoint, e.g. ws://127.0.0.1:8181/core.
func Dial(url string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bus endpoint: %w", err)
	}

	c := &Client{
		url:            url,
		log:            log.With("component", "bus.client"),
		conn:           conn,
		handlers:       make(map[string][]Handler),
		waiters:        make(map[string][]*waiter),
		reconnectDelay: 2 * time.Second,
		done:           make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// Emit publishes one message onto the remote bus.
func (c *Client) Emit(msg *Message) error {
	frame, err := msg.Marshal()
	if err != nil {
		return err
	}
	return c.write(frame)
}

// On subscribes to a topic pattern. The handler runs on the client's read
// goroutine, so long work should move to its own goroutine.
func (c *Client) On(pattern string, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if err := validatePattern(pattern); err != nil {
		return err
	}

	c.mu.Lock()
	first := len(c.handlers[pattern]) == 0
	c.handlers[pattern] = append(c.handlers[pattern], handler)
	c.mu.Unlock()

	if !first {
		return nil
	}
	return c.Emit(NewMessage(TypeSubscribe, map[string]any{"pattern": pattern}))
}

// WaitForResponse emits request and blocks until a message correlating on
// its invocation id arrives or timeout elapses.
func (c *Client) WaitForResponse(ctx context.Context, request *Message, timeout time.Duration) (*Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ident := request.Ident()
	if ident == "" {
		return nil, fmt.Errorf("request has no %s context", CtxIdent)
	}

	w := &waiter{requestType: request.Type, ch: make(chan *Message, 1)}
	c.mu.Lock()
	c.waiters[ident] = append(c.waiters[ident], w)
	c.mu.Unlock()
	defer c.dropWaiter(ident, w)

	if err := c.Emit(request); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-w.ch:
		return response, nil
	case <-timer.C:
		return nil, ErrNoResponse
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Close shuts the connection down and stops the read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	// The reconnect path swaps c.conn under writeMu; hold it so Close
	// never races the swap.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop() {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		msg, err := Unmarshal(frame)
		if err != nil {
			c.log.Warn("Dropping malformed frame", "error", err)
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	c.mu.Lock()
	if ident := msg.Ident(); ident != "" {
		for _, w := range c.waiters[ident] {
			if msg.Type == w.requestType {
				continue
			}
			select {
			case w.ch <- msg:
			default:
			}
		}
	}
	var matched []Handler
	for pattern, handlers := range c.handlers {
		if topicMatches(pattern, msg.Type) {
			matched = append(matched, handlers...)
		}
	}
	c.mu.Unlock()

	for _, handler := range matched {
		handler(msg)
	}
}

func (c *Client) dropWaiter(ident string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.waiters[ident][:0]
	for _, candidate := range c.waiters[ident] {
		if candidate != w {
			remaining = append(remaining, candidate)
		}
	}
	if len(remaining) == 0 {
		delete(c.waiters, ident)
	} else {
		c.waiters[ident] = remaining
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// reconnect retries the endpoint with a fixed delay until it comes back or
// the client is closed, then replays active subscriptions.
func (c *Client) reconnect() bool {
	for {
		if c.isClosed() {
			return false
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			c.writeMu.Lock()
			c.conn = conn
			c.writeMu.Unlock()

			c.mu.Lock()
			patterns := make([]string, 0, len(c.handlers))
			for pattern := range c.handlers {
				patterns = append(patterns, pattern)
			}
			c.mu.Unlock()

			for _, pattern := range patterns {
				_ = c.Emit(NewMessage(TypeSubscribe, map[string]any{"pattern": pattern}))
			}

			c.log.Info("Reconnected to bus endpoint", "url", c.url)
			return true
		}

		c.log.Warn("Bus endpoint unreachable, retrying", "url", c.url, "error", err)
		select {
		case <-c.done:
			return false
		case <-time.After(c.reconnectDelay):
		}
	}
}
