// Package ws serves the collaboration websocket. Each connection runs a
// Session: a read pump that dispatches client messages into its room, a
// write pump that owns the socket for writing, and a heartbeat monitor
// that closes connections that stop answering pings.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/planroom/internal/auth"
	"github.com/manpreetbhatti/planroom/internal/config"
	"github.com/manpreetbhatti/planroom/internal/metrics"
	"github.com/manpreetbhatti/planroom/internal/protocol"
	"github.com/manpreetbhatti/planroom/internal/ratelimit"
	"github.com/manpreetbhatti/planroom/internal/room"
)

const (
	writeWait = 10 * time.Second
	// maxFrameSize is the transport limit. Frames above the configured op
	// size but below this one get an explicit error instead of a hard close.
	maxFrameSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// State is the lifecycle of a Session.
type State int32

const (
	Connecting State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Handler struct {
	registry *room.Registry
	resolver auth.Resolver
	cfg      config.CollabConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewHandler(registry *room.Registry, resolver auth.Resolver, cfg config.CollabConfig, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

type Session struct {
	h         *Handler
	conn      *websocket.Conn
	room      *room.Room
	projectID string
	identity  auth.Identity
	send      chan []byte
	guard     *ratelimit.Guard
	logger    *slog.Logger

	state     atomic.Int32
	lastPong  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
	dispatch  map[string]handlerFunc
}

// ServeHTTP upgrades the request and runs a Session for the project named
// by the {id} route variable.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	if projectID == "" {
		http.Error(w, "project id required", http.StatusBadRequest)
		return
	}
	identity := auth.ForSocket(h.resolver, r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "project_id", projectID, "error", err)
		return
	}

	s := &Session{
		h:         h,
		conn:      conn,
		projectID: projectID,
		identity:  identity,
		send:      make(chan []byte, h.cfg.SendBuffer),
		guard:     ratelimit.NewGuard(h.cfg.MessagesPerSecond, h.cfg.MessageBurst),
		logger:    h.logger.With("project_id", projectID, "user_id", identity.UserID),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(Connecting))
	s.lastPong.Store(time.Now().UnixNano())
	s.dispatch = s.handlers()

	// Long-lived context: the request context ends when ServeHTTP returns.
	ctx := context.WithoutCancel(r.Context())

	rm, err := h.registry.Acquire(ctx, projectID)
	if err != nil {
		s.logger.Error("open room failed", "error", err)
		conn.WriteMessage(websocket.TextMessage, protocol.Encode(protocol.NewError("room unavailable")))
		conn.Close()
		return
	}
	s.room = rm

	go s.writePump()

	s.state.Store(int32(Active))
	h.metrics.ActiveConnections.Add(1)
	rm.Join(ctx, s)

	go s.heartbeat()
	go s.readPump(ctx)
}

func (s *Session) ID() string          { return s.identity.UserID }
func (s *Session) DisplayName() string { return s.identity.DisplayName }
func (s *Session) State() State        { return State(s.state.Load()) }

// Send queues msg for the write pump without blocking.
func (s *Session) Send(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) sendMsg(v any) {
	s.Send(protocol.Encode(v))
}

func (s *Session) sendError(msg string) {
	s.sendMsg(protocol.NewError(msg))
}

// Close asks the write pump to send a close frame and drop the socket,
// which in turn ends the read pump.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) readPump(ctx context.Context) {
	defer s.teardown(ctx)

	limit := int64(maxFrameSize)
	if n := int64(s.h.cfg.MaxOpSize) + 1; n > limit {
		limit = n
	}
	s.conn.SetReadLimit(limit)
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket error", "error", err)
			}
			return
		}

		switch s.guard.Check() {
		case ratelimit.Drop:
			continue
		case ratelimit.Warn:
			s.logger.Warn("rate limit exceeded", "violations", s.guard.Violations())
			continue
		case ratelimit.Disconnect:
			s.logger.Warn("disconnecting for excessive rate limit violations", "violations", s.guard.Violations())
			return
		}

		if len(message) > s.h.cfg.MaxOpSize {
			s.logger.Info("rejecting oversize message",
				"size", humanize.Bytes(uint64(len(message))),
				"limit", humanize.Bytes(uint64(s.h.cfg.MaxOpSize)))
			s.sendError("op too large")
			continue
		}

		in, err := protocol.Parse(message)
		if err != nil {
			continue
		}
		s.handle(ctx, in)
	}
}

// teardown is the Closing transition: leave the room, release it and
// close the socket.
func (s *Session) teardown(ctx context.Context) {
	s.state.Store(int32(Closing))
	s.room.Leave(ctx, s)
	s.h.registry.Release(ctx, s.projectID)
	s.Close()
	s.h.metrics.ActiveConnections.Add(-1)
	s.state.Store(int32(Closed))
}

func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.Close()
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// heartbeat sends an application ping every interval and closes the
// session once the last pong is older than interval plus timeout.
func (s *Session) heartbeat() {
	interval := s.h.cfg.PingInterval
	deadline := interval + s.h.cfg.PingTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			last := time.Unix(0, s.lastPong.Load())
			if now.Sub(last) > deadline {
				s.logger.Info("client timed out (no pong received)", "silent_for", now.Sub(last).Round(time.Millisecond))
				s.h.metrics.HeartbeatTimeouts.Add(1)
				s.Close()
				return
			}
			s.sendMsg(protocol.NewPing())
		}
	}
}
