package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/entsync/internal/auth"
	"github.com/roach88/entsync/internal/channel"
)

// Verifier checks a bearer token. *auth.Signer implements it.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVerifier requires a valid token on every connection and applies its
// topic restrictions to joins.
func WithVerifier(v Verifier) ServerOption {
	return func(s *Server) { s.verifier = v }
}

// WithServerSettings overrides DefaultSettings.
func WithServerSettings(st Settings) ServerOption {
	return func(s *Server) { s.settings = st }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// Server accepts WebSocket connections and bridges their joins and pushes
// onto a channel.Transport.
type Server struct {
	transport channel.Transport
	verifier  Verifier
	settings  Settings
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a server over t.
func NewServer(t channel.Transport, opts ...ServerOption) *Server {
	s := &Server{
		transport: t,
		settings:  DefaultSettings(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: s.settings.HandshakeTimeout,
		// Any origin: clients authenticate with a token, not cookies.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims
	if s.verifier != nil {
		c, err := s.verifier.Verify(bearer(r))
		if err != nil {
			s.logger.Warn("connection refused", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{
		server:   s,
		conn:     conn,
		claims:   claims,
		send:     make(chan Frame, s.settings.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]channel.Channel),
	}
	sess.serve()
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// session is one server-side connection.
type session struct {
	server *Server
	conn   *websocket.Conn
	claims *auth.Claims
	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]channel.Channel
}

func (s *session) serve() {
	logger := s.server.logger.With("remote", s.conn.RemoteAddr().String())
	if s.claims != nil {
		logger = logger.With("subject", s.claims.Subject)
	}
	logger.Info("connection opened")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	err := s.readLoop(logger)
	s.cancel()
	wg.Wait()

	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[string]channel.Channel)
	s.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Leave()
	}
	_ = s.conn.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Info("connection closed", "error", err)
		return
	}
	logger.Info("connection closed")
}

func (s *session) readLoop(logger *slog.Logger) error {
	st := s.server.settings
	_ = s.conn.SetReadDeadline(time.Now().Add(st.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(st.ReadTimeout))
	})

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(st.ReadTimeout))

		switch f.Event {
		case EventJoin:
			s.reply(s.join(logger, f))
		case EventLeave:
			s.mu.Lock()
			ch := s.channels[f.Topic]
			delete(s.channels, f.Topic)
			s.mu.Unlock()
			if ch != nil {
				_ = ch.Leave()
			}
			s.reply(okReply(f, nil))
		case channel.EventSyncPacket:
			// Pushes run inline so one connection's pushes commit in the
			// order they were sent.
			s.reply(s.push(logger, f))
		case EventHeartbeat:
			s.reply(okReply(f, nil))
		default:
			s.reply(errorReply(f, "unknown event "+f.Event), nil)
		}
	}
}

func (s *session) join(logger *slog.Logger, f Frame) (Frame, error) {
	var p JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.Kind == "" {
		return errorReply(f, "bad join payload"), nil
	}
	if f.Topic != channel.Topic(p.Kind, p.ID) {
		return errorReply(f, "topic does not match payload"), nil
	}
	if s.claims != nil && !s.claims.Allows(p.Kind) {
		logger.Warn("join forbidden", "topic", f.Topic)
		return errorReply(f, "forbidden"), nil
	}

	s.mu.Lock()
	_, dup := s.channels[f.Topic]
	s.mu.Unlock()
	if dup {
		return errorReply(f, "already joined"), nil
	}

	ch, err := s.server.transport.Join(s.ctx, p.Kind, p.ID, p.Since)
	if err != nil {
		logger.Warn("join failed", "topic", f.Topic, "error", err)
		return errorReply(f, err.Error()), nil
	}
	topic := f.Topic
	err = ch.On(channel.EventSyncPacket, func(pkt channel.Packet) {
		out, err := newFrame("", topic, channel.EventSyncPacket, pkt)
		if err != nil {
			logger.Error("encode broadcast", "topic", topic, "error", err)
			return
		}
		select {
		case s.send <- out:
		case <-s.ctx.Done():
		}
	})
	if err != nil {
		_ = ch.Leave()
		return errorReply(f, err.Error()), nil
	}

	s.mu.Lock()
	s.channels[f.Topic] = ch
	s.mu.Unlock()
	logger.Debug("joined", "topic", f.Topic, "since", p.Since)
	return okReply(f, nil)
}

func (s *session) push(logger *slog.Logger, f Frame) (Frame, error) {
	s.mu.Lock()
	ch := s.channels[f.Topic]
	s.mu.Unlock()
	if ch == nil {
		return errorReply(f, "not joined"), nil
	}
	p, err := decodePacket(f)
	if err != nil {
		return errorReply(f, err.Error()), nil
	}

	ack, err := ch.Push(s.ctx, channel.EventSyncPacket, p)
	if err != nil {
		var rejected *channel.RejectedError
		if errors.As(err, &rejected) {
			return errorReply(f, rejected.Reason), nil
		}
		logger.Error("push failed", "topic", f.Topic, "error", err)
		return errorReply(f, err.Error()), nil
	}
	return okReply(f, ack)
}

func (s *session) reply(f Frame, err error) {
	if err != nil {
		s.server.logger.Error("encode reply", "error", err)
		return
	}
	select {
	case s.send <- f:
	case <-s.ctx.Done():
	}
}

func (s *session) writeLoop() {
	st := s.server.settings
	ticker := time.NewTicker(st.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(st.WriteTimeout))
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(st.WriteTimeout))
			if err := s.conn.WriteJSON(f); err != nil {
				s.cancel()
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(st.WriteTimeout)); err != nil {
				s.cancel()
				_ = s.conn.Close()
				return
			}
		}
	}
}
