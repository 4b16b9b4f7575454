package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/stompd/internal/auth"
	"github.com/danmuck/stompd/internal/observability"
	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/danmuck/stompd/internal/protocol/schema"
	"github.com/eapache/queue"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionClosed = errors.New("broker: session closed")
	ErrSlowConsumer  = errors.New("broker: outbound queue full")
)

const (
	msgAuthFailed   = "Authentication failed"
	msgNotConnected = "Not connected"
	msgBadVersion   = "Supported protocol versions are 1.0 1.1"
	msgMalformed    = "Malformed frame"
	msgInvalidFrame = "Invalid frame"
)

// Deps are the collaborators and limits shared by every session of a
// broker.
type Deps struct {
	Router           *Router
	Auth             auth.Authenticator
	MaxVersion       protocol.Version
	ServerName       string
	MaxPendingFrames int
	WriteTimeout     time.Duration
	Limits           frame.Limits
}

func (d Deps) withDefaults() Deps {
	if d.Router == nil {
		d.Router = NewRouter()
	}
	if d.Auth == nil {
		d.Auth = auth.AllowAll{}
	}
	if d.MaxVersion == "" {
		d.MaxVersion = protocol.V11
	}
	if d.ServerName == "" {
		d.ServerName = "stompd"
	}
	if d.MaxPendingFrames <= 0 {
		d.MaxPendingFrames = 1024
	}
	if d.Limits == (frame.Limits{}) {
		d.Limits = frame.DefaultLimits()
	}
	return d
}

// Session is one accepted broker connection. Reads and frame handling run
// on the Serve goroutine; writes go through a bounded queue drained by a
// dedicated writer so a slow peer never blocks routing.
type Session struct {
	id     string
	conn   net.Conn
	deps   Deps
	logger zerolog.Logger

	decoder       *frame.Decoder
	table         schema.Table
	version       protocol.Version
	authenticated bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closing bool
	aborted bool

	closeOnce   sync.Once
	writerDone  chan struct{}
	connectedAt time.Time
}

func NewSession(conn net.Conn, deps Deps) *Session {
	deps = deps.withDefaults()
	s := &Session{
		id:          newSessionID(),
		conn:        conn,
		deps:        deps,
		pending:     queue.New(),
		writerDone:  make(chan struct{}),
		version:     protocol.DefaultVersion,
		connectedAt: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.table, _ = schema.ForVersion(protocol.DefaultVersion)
	s.decoder = frame.NewDecoder(
		frame.ClientToServer,
		frame.WithLimits(deps.Limits),
		frame.WithValidator(func(f *frame.Frame) error { return s.table.Validate(f) }),
	)
	s.logger = log.With().Str("session", s.id).Str("remote", remoteAddr(conn)).Logger()
	return s
}

func newSessionID() string {
	u, err := uuid.NewV4()
	if err != nil {
		return "session-" + time.Now().UTC().Format("20060102T150405.000000000")
	}
	return u.String()
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return remoteAddr(s.conn)
}

// Version is the negotiated protocol version, 1.0 until CONNECT succeeds.
func (s *Session) Version() protocol.Version {
	return s.version
}

// Deliver queues f for the writer. It never blocks; a full queue starts
// closing the session and returns ErrSlowConsumer.
func (s *Session) Deliver(f *frame.Frame) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.pending.Length() >= s.deps.MaxPendingFrames {
		// Deliver runs under the router lock; the transport close may wait
		// on a stalled write, so it happens off this goroutine.
		s.closing = true
		s.aborted = true
		s.cond.Broadcast()
		s.mu.Unlock()
		observability.RecordSlowConsumer()
		s.logger.Warn().Int("pending", s.deps.MaxPendingFrames).Msg("broker.Session.Deliver slow consumer")
		go s.Close()
		return ErrSlowConsumer
	}
	s.pending.Add(f)
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

// Close drops queued frames and closes the transport. Serve then runs the
// teardown.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.aborted = true
		s.cond.Broadcast()
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

// Serve reads and handles frames until the peer disconnects, ctx is done or
// the session is closed. The session is removed from every destination
// before Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	observability.SessionOpened()
	defer observability.SessionClosed()
	s.logger.Info().Msg("broker.Session.Serve connected")

	go s.writeLoop()
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	err := s.readLoop(ctx)

	removed := s.deps.Router.RemoveSubscriber(s)
	s.drain()
	_ = s.conn.Close()
	s.logger.Info().
		Int("removed_subscriptions", removed).
		Dur("uptime", time.Since(s.connectedAt)).
		Err(err).
		Msg("broker.Session.Serve disconnected")
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			for _, ev := range s.decoder.Feed(buf[:n]) {
				if done := s.handle(ctx, ev); done {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle processes one decoder event and reports whether the session should
// stop reading.
func (s *Session) handle(ctx context.Context, ev frame.Event) bool {
	if ev.Err != nil {
		kind, summary := "parse", msgMalformed
		var ve schema.ValidationError
		var pe *frame.ParseError
		switch {
		case errors.As(ev.Err, &ve):
			kind, summary = "validation", msgInvalidFrame
		case errors.As(ev.Err, &pe):
			summary = pe.Kind.Error()
		}
		observability.RecordDecodeError(kind)
		s.logger.Warn().Err(ev.Err).Str("kind", kind).Msg("broker.Session.handle decode error")
		s.sendError(summary, []byte(ev.Err.Error()), receiptOf(ev.Frame))
		return false
	}

	f := ev.Frame
	observability.RecordFrame("in", f.Command.String())
	if f.Command != frame.Connect && !s.authenticated {
		s.sendError(msgNotConnected, nil, "")
		return true
	}

	switch f.Command {
	case frame.Connect:
		if !s.connect(f) {
			return true
		}
		return false
	case frame.Subscribe:
		s.deps.Router.Subscribe(f.Header.Get(frame.HeaderDestination), s)
	case frame.Unsubscribe:
		s.deps.Router.Unsubscribe(f.Header.Get(frame.HeaderDestination), s)
	case frame.Send:
		dest := f.Header.Get(frame.HeaderDestination)
		if _, _, err := s.deps.Router.Publish(ctx, dest, f.Body, f.Header); err != nil {
			s.logger.Debug().Err(err).Str("destination", dest).Msg("broker.Session.handle publish failed")
			s.sendError(ErrNoSuchQueue.Error(), []byte(dest), receiptOf(f))
			return false
		}
	case frame.Begin, frame.Commit, frame.Abort, frame.Ack:
		// Accepted without transactional semantics.
	case frame.Disconnect:
		s.sendReceipt(f)
		return true
	case frame.Connected, frame.Message, frame.Receipt, frame.Error, frame.CommandInvalid:
		s.logger.Warn().Str("command", f.Command.String()).Msg("broker.Session.handle unexpected command")
		return false
	}
	s.sendReceipt(f)
	return false
}

func (s *Session) connect(f *frame.Frame) bool {
	version, ok := protocol.Negotiate(f.Header.Get(frame.HeaderAcceptVersion), s.deps.MaxVersion)
	if !ok {
		s.sendError(msgBadVersion, nil, "")
		return false
	}
	if err := s.deps.Auth.Authenticate(f.Header.Get(frame.HeaderLogin), f.Header.Get(frame.HeaderPasscode)); err != nil {
		s.logger.Warn().Str("login", f.Header.Get(frame.HeaderLogin)).Msg("broker.Session.connect authentication failed")
		s.sendError(msgAuthFailed, nil, "")
		return false
	}
	table, err := schema.ForVersion(version)
	if err != nil {
		s.sendError(msgBadVersion, nil, "")
		return false
	}
	s.version = version
	s.table = table
	s.authenticated = true

	reply := frame.New(frame.Connected, frame.HeaderSession, s.id)
	if version != protocol.V10 {
		reply.SetHeader(frame.HeaderVersion, version.String())
		reply.SetHeader(frame.HeaderServer, s.deps.ServerName)
	}
	_ = s.Deliver(reply)
	s.logger.Info().Str("version", version.String()).Msg("broker.Session.connect accepted")
	return true
}

func (s *Session) sendReceipt(f *frame.Frame) {
	id := receiptOf(f)
	if id == "" {
		return
	}
	_ = s.Deliver(frame.New(frame.Receipt, frame.HeaderReceiptID, id))
}

func (s *Session) sendError(message string, body []byte, receipt string) {
	f := frame.New(frame.Error, frame.HeaderMessage, message)
	if receipt != "" {
		f.SetHeader(frame.HeaderReceiptID, receipt)
	}
	f.AppendBody(body)
	_ = s.Deliver(f)
}

// drain stops accepting frames and waits for the writer to flush what is
// already queued, bounded by the write timeout.
func (s *Session) drain() {
	s.mu.Lock()
	s.closing = true
	s.cond.Broadcast()
	s.mu.Unlock()

	wait := s.deps.WriteTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.writerDone:
	case <-timer.C:
		s.Close()
		<-s.writerDone
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		s.mu.Lock()
		for s.pending.Length() == 0 && !s.closing {
			s.cond.Wait()
		}
		if s.aborted || s.pending.Length() == 0 {
			s.mu.Unlock()
			return
		}
		f := s.pending.Remove().(*frame.Frame)
		s.mu.Unlock()

		if s.deps.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.deps.WriteTimeout))
		}
		if err := frame.WriteFrame(s.conn, f, s.deps.Limits); err != nil {
			s.logger.Warn().Err(err).Str("command", f.Command.String()).Msg("broker.Session.writeLoop write failed")
			s.Close()
			return
		}
		observability.RecordFrame("out", f.Command.String())
	}
}

func receiptOf(f *frame.Frame) string {
	if f == nil {
		return ""
	}
	return f.Header.Get(frame.HeaderReceipt)
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
