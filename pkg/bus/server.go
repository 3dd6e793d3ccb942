package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"murmur/pkg/config"
)

// Control topics a remote client sends to manage its subscriptions. They are
// consumed by the server connection, never forwarded onto the bus.
const (
	TypeSubscribe   = "bus.subscribe"
	TypeUnsubscribe = "bus.unsubscribe"
)

// Server exposes the in-process bus on a local WebSocket endpoint so
// out-of-process collaborators (GUI, audio pipeline, hardware plugins) speak
// the same envelope as in-process components.
type Server struct {
	bus *MessageBus
	cfg config.BusConfig
	log *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer builds a bus server bound to the configured host/port/route.
func NewServer(b *MessageBus, cfg config.BusConfig, log *slog.Logger) (*Server, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		bus: b,
		cfg: cfg,
		log: log.With("component", "bus.server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bus endpoint is a local integration point, not a
			// browser-facing service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Run serves the endpoint until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Host) + ":" + strconv.Itoa(s.cfg.Port)

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Route, s.handleUpgrade)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Bus endpoint started", "address", addr, "route", s.cfg.Route)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve bus endpoint: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &serverConn{
		conn:   conn,
		bus:    s.bus,
		log:    s.log.With("remote", r.RemoteAddr),
		active: make(map[string]*Subscription),
	}
	s.log.Info("Collaborator connected", "remote", r.RemoteAddr)
	client.readLoop()
}

// serverConn is one remote collaborator's connection. Subscription handlers
// run on bus delivery goroutines, so frame writes share a mutex.
type serverConn struct {
	conn *websocket.Conn
	bus  *MessageBus
	log  *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	active map[string]*Subscription
}

func (c *serverConn) readLoop() {
	defer c.teardown()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Collaborator read ended", "error", err)
			}
			return
		}

		msg, err := Unmarshal(frame)
		if err != nil {
			c.log.Warn("Dropping malformed frame", "error", err)
			continue
		}

		switch msg.Type {
		case TypeSubscribe:
			c.subscribe(msg.DataString("pattern"))
		case TypeUnsubscribe:
			c.unsubscribe(msg.DataString("pattern"))
		default:
			c.bus.Publish(msg)
		}
	}
}

func (c *serverConn) subscribe(pattern string) {
	if pattern == "" {
		c.log.Warn("Subscribe frame without pattern")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[pattern]; exists {
		return
	}

	sub, err := c.bus.Subscribe(pattern, c.forward)
	if err != nil {
		c.log.Warn("Remote subscribe failed", "pattern", pattern, "error", err)
		return
	}
	c.active[pattern] = sub
}

func (c *serverConn) unsubscribe(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, exists := c.active[pattern]; exists {
		c.bus.Unsubscribe(sub)
		delete(c.active, pattern)
	}
}

func (c *serverConn) forward(msg *Message) {
	frame, err := msg.Marshal()
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Debug("Forward to collaborator failed", "type", msg.Type, "error", err)
	}
}

func (c *serverConn) teardown() {
	c.mu.Lock()
	for pattern, sub := range c.active {
		c.bus.Unsubscribe(sub)
		delete(c.active, pattern)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
