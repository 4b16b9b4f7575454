package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/stompd/internal/auth"
	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/danmuck/stompd/internal/protocol/session"
	"github.com/danmuck/stompd/internal/transport/wsconn"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures a broker endpoint.
type ServiceConfig struct {
	ListenAddr       string
	ServerName       string
	MaxVersion       protocol.Version
	MaxPendingFrames int
	Limits           frame.Limits
	Auth             auth.Authenticator
	Session          session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:       ":61613",
		ServerName:       "stompd",
		MaxVersion:       protocol.V11,
		MaxPendingFrames: 1024,
		Limits:           frame.DefaultLimits(),
		Auth:             auth.AllowAll{},
		Session:          session.DefaultConfig(),
	}
}

// Service accepts STOMP connections and runs one Session per connection
// against a shared Router.
type Service struct {
	cfg    ServiceConfig
	router *Router

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
	active     atomic.Int64

	upgrader websocket.Upgrader
}

func NewService(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.MaxVersion == "" {
		cfg.MaxVersion = def.MaxVersion
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = def.Limits
	}
	if cfg.Auth == nil {
		cfg.Auth = def.Auth
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{
		cfg:      cfg,
		router:   NewRouter(),
		sessions: make(map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: wsconn.Subprotocols,
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
}

func (s *Service) Router() *Router {
	return s.router
}

func (s *Service) ActiveSessions() int {
	return int(s.active.Load())
}

// Run listens on the configured address and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx)
}

func (s *Service) ListenAndServe(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Msg("broker.Service.Run listening")
	return s.Serve(ctx, ln)
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs the accept loop on ln until ctx is done. Live sessions are
// closed on return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllSessions()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// ServeWebSocket upgrades an HTTP request and runs a session over it, one
// STOMP frame per WebSocket message.
func (s *Service) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("broker.Service.ServeWebSocket upgrade failed")
		return
	}
	s.handleConn(r.Context(), wsconn.New(ws))
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	sess := NewSession(conn, Deps{
		Router:           s.router,
		Auth:             s.cfg.Auth,
		MaxVersion:       s.cfg.MaxVersion,
		ServerName:       s.cfg.ServerName,
		MaxPendingFrames: s.cfg.MaxPendingFrames,
		WriteTimeout:     s.cfg.Session.WriteTimeout,
		Limits:           s.cfg.Limits,
	})
	if tc, ok := conn.(*tls.Conn); ok {
		hsCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
		err := tc.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("remote", sess.RemoteAddr()).Msg("broker.Service.handleConn tls handshake failed")
			_ = conn.Close()
			return
		}
	}

	s.trackSession(sess)
	defer s.untrackSession(sess)
	active := s.active.Add(1)
	log.Debug().Str("session", sess.ID()).Int64("active_sessions", active).Msg("broker.Service.handleConn")
	defer s.active.Add(-1)

	if err := sess.Serve(ctx); err != nil {
		log.Warn().Err(err).Str("session", sess.ID()).Msg("broker.Service.handleConn session ended")
	}
}

func (s *Service) trackSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Service) untrackSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess)
}

func (s *Service) closeAllSessions() {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	for sess := range s.sessions {
		sess.Close()
	}
}

// SessionInfo describes one live session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Sessions lists live sessions.
func (s *Service) Sessions() []SessionInfo {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, SessionInfo{ID: sess.ID(), Remote: sess.RemoteAddr(), ConnectedAt: sess.connectedAt})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}
