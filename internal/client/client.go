package client

import (
	"context"
	"errors"
	"io"
	"maps"
	"math/rand"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/stompd/internal/observability"
	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/danmuck/stompd/internal/protocol/schema"
	"github.com/danmuck/stompd/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrDestinationRequired = errors.New("client: destination required")

type subscription struct {
	headers  frame.Headers
	handlers []MessageHandler
}

type disconnectHook struct {
	removeErr ErrorHandlerID
	fn        func()
}

// Client is a STOMP client connection with reconnect and subscription
// replay. All methods are safe for concurrent use. Handlers run on the
// connection's read goroutine.
type Client struct {
	cfg      Config
	dialer   Dialer
	handlers Handlers
	table    schema.Table
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        net.Conn
	sessionID   string
	attempt     int
	reconnected bool
	rng         *rand.Rand
	onConnect   func(sessionID string)
	subs        map[string]*subscription
	order       []string
	errHandlers map[ErrorHandlerID]ErrorHandler
	nextErrID   ErrorHandlerID
	hooks       []disconnectHook
	life        context.Context
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	table, err := schema.ForVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:         cfg,
		dialer:      NetDialer{Session: cfg.Session},
		table:       table,
		state:       StateDisconnected,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		subs:        make(map[string]*subscription),
		errHandlers: make(map[ErrorHandlerID]ErrorHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.With().Str("broker", cfg.Address).Str("version", cfg.Version.String()).Logger()
	return c, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the id from the last CONNECTED frame of the live connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect dials the broker, retrying transport failures within the retry
// budget, and sends CONNECT. It returns once CONNECT is written; onConnect
// runs when the broker answers with CONNECTED, including after every
// successful reconnect.
func (c *Client) Connect(ctx context.Context, onConnect func(sessionID string)) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.onConnect = onConnect
	c.attempt = 0
	c.reconnected = false
	c.life, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	life := c.life
	c.mu.Unlock()

	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(life, stop)
	defer unhook()

	conn, err := c.dial(dialCtx)
	if err != nil {
		c.logger.Error().Err(err).Msg("client.Client.Connect failed")
		c.finish()
		return err
	}
	return c.attach(conn)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	for {
		conn, err := c.dialer.Dial(ctx, c.cfg.Address)
		if err == nil {
			return conn, nil
		}
		if err := c.backoff(ctx, err); err != nil {
			return nil, err
		}
	}
}

// backoff waits before the next retry, or returns a ConnectionError once the
// retry budget is spent.
func (c *Client) backoff(ctx context.Context, cause error) error {
	attempt, delay, ok := c.nextRetry()
	if !ok {
		return &ConnectionError{Address: c.cfg.Address, Attempts: attempt + 1, Err: cause}
	}
	c.logger.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("client.Client.backoff retrying")
	if h := c.handlers.OnReconnecting; h != nil {
		h(attempt, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) nextRetry() (int, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt >= c.cfg.Retries {
		return c.attempt, 0, false
	}
	c.attempt++
	return c.attempt, session.NextBackoffDelay(c.cfg.Session.Backoff, c.attempt, c.rng), true
}

// attach makes conn the live transport, writes CONNECT and starts reading.
func (c *Client) attach(conn net.Conn) error {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.life.Err() != nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		c.finish()
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	err := c.writeLocked(conn, c.connectFrame())
	c.writeMu.Unlock()

	dec := frame.NewDecoder(
		frame.ServerToClient,
		frame.WithLimits(frame.DefaultLimits()),
		frame.WithValidator(c.table.Validator()),
	)
	go c.readLoop(conn, dec)
	if err != nil {
		// The read loop sees the closed transport and takes the retry path.
		c.logger.Warn().Err(err).Msg("client.Client.attach CONNECT write failed")
		_ = conn.Close()
	}
	return nil
}

func (c *Client) connectFrame() *frame.Frame {
	f := frame.New(frame.Connect,
		frame.HeaderLogin, c.cfg.Login,
		frame.HeaderPasscode, c.cfg.Passcode,
	)
	if c.cfg.Version != protocol.V10 {
		f.SetHeader(frame.HeaderAcceptVersion, c.cfg.Version.String())
		f.SetHeader(frame.HeaderHost, c.cfg.VirtualHost)
	}
	return f
}

func (c *Client) readLoop(conn net.Conn, dec *frame.Decoder) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if ev.Err != nil {
					c.decodeFailed(conn, ev.Err)
					return
				}
				c.dispatch(conn, ev.Frame)
			}
		}
		if err != nil {
			c.ended(conn, err)
			return
		}
	}
}

// decodeFailed reports a parse or validation error and drops the
// connection without reconnecting.
func (c *Client) decodeFailed(conn net.Conn, err error) {
	kind := "parse"
	var ve schema.ValidationError
	if errors.As(err, &ve) {
		kind = "validation"
	}
	observability.RecordDecodeError(kind)
	c.logger.Error().Err(err).Str("kind", kind).Msg("client.Client.readLoop decode error")
	c.emitError(err)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	c.finish()
}

// ended handles the end of a transport. A clean end of stream or a
// deliberate disconnect finishes the session; anything else reconnects.
func (c *Client) ended(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sessionID = ""
	retry := c.state != StateDisconnecting && !errors.Is(err, io.EOF) && c.life.Err() == nil
	if retry {
		c.state = StateReconnecting
		c.reconnected = true
	}
	life := c.life
	c.mu.Unlock()
	_ = conn.Close()

	if !retry {
		c.logger.Info().Err(err).Msg("client.Client.readLoop transport closed")
		c.finish()
		return
	}
	c.logger.Warn().Err(err).Msg("client.Client.readLoop transport error")
	go c.reconnect(life, err)
}

func (c *Client) reconnect(life context.Context, cause error) {
	err := c.backoff(life, cause)
	var conn net.Conn
	if err == nil {
		conn, err = c.dial(life)
	}
	if err != nil {
		if life.Err() == nil {
			observability.RecordReconnect(false)
			c.logger.Error().Err(err).Msg("client.Client.reconnect giving up")
			c.emitError(err)
		}
		c.finish()
		return
	}
	_ = c.attach(conn)
}

func (c *Client) dispatch(conn net.Conn, f *frame.Frame) {
	observability.RecordFrame("in", f.Command.String())
	switch f.Command {
	case frame.Connected:
		c.connected(conn, f)
	case frame.Message:
		dest := f.Header.Get(frame.HeaderDestination)
		c.mu.Lock()
		var handlers []MessageHandler
		if sub, ok := c.subs[dest]; ok {
			handlers = slices.Clone(sub.handlers)
		}
		c.mu.Unlock()
		if len(handlers) == 0 {
			c.logger.Debug().Str("destination", dest).Msg("client.Client.dispatch dropped message without subscription")
			return
		}
		for _, h := range handlers {
			h(f.Body, f.Header)
		}
	case frame.Error:
		c.emitError(&ServerError{
			Message: f.Header.Get(frame.HeaderMessage),
			Headers: f.Header.Clone(),
			Body:    f.Body,
		})
	case frame.Receipt:
		if h := c.handlers.OnReceipt; h != nil {
			h(f.Header.Get(frame.HeaderReceiptID))
		}
	case frame.Connect, frame.Send, frame.Subscribe, frame.Unsubscribe, frame.Begin,
		frame.Commit, frame.Ack, frame.Abort, frame.Disconnect, frame.CommandInvalid:
		c.logger.Warn().Str("command", f.Command.String()).Msg("client.Client.dispatch unexpected command")
	}
}

// connected completes a handshake. After a reconnect every live
// subscription is re-sent with its original headers.
func (c *Client) connected(conn net.Conn, f *frame.Frame) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.state != StateDisconnecting {
		c.state = StateConnected
	}
	c.sessionID = f.Header.Get(frame.HeaderSession)
	c.attempt = 0
	replay := c.reconnected
	c.reconnected = false
	var frames []*frame.Frame
	if replay {
		for _, dest := range c.order {
			frames = append(frames, frame.NewWithHeaders(frame.Subscribe, c.subs[dest].headers, nil))
		}
	}
	onConnect := c.onConnect
	id := c.sessionID
	c.mu.Unlock()

	for _, sf := range frames {
		if err := c.write(conn, sf); err != nil {
			c.logger.Warn().Err(err).Msg("client.Client.connected replay failed")
			break
		}
	}
	if replay {
		observability.RecordReconnect(true)
		c.logger.Info().Int("subscriptions", len(frames)).Msg("client.Client.connected reconnected")
	}
	if onConnect != nil {
		onConnect(id)
	}
}

// Subscribe registers handler for dest. SUBSCRIBE is sent only for the first
// handler of a destination; later handlers share that subscription.
func (c *Client) Subscribe(dest string, handler MessageHandler, headers frame.Headers) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	if dest == "" {
		return ErrDestinationRequired
	}
	c.mu.Lock()
	conn := c.conn
	if conn == nil || (c.state != StateConnected && c.state != StateConnecting) {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if sub, ok := c.subs[dest]; ok {
		sub.handlers = append(sub.handlers, handler)
		c.mu.Unlock()
		return nil
	}
	merged := frame.MergeHeaders(frame.Headers{}, headers, dest)
	c.subs[dest] = &subscription{headers: merged, handlers: []MessageHandler{handler}}
	c.order = append(c.order, dest)
	c.mu.Unlock()

	return c.write(conn, frame.NewWithHeaders(frame.Subscribe, merged, nil))
}

// Unsubscribe sends UNSUBSCRIBE and drops every handler for dest.
func (c *Client) Unsubscribe(dest string, headers frame.Headers) error {
	if dest == "" {
		return ErrDestinationRequired
	}
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	delete(c.subs, dest)
	c.order = slices.DeleteFunc(c.order, func(d string) bool { return d == dest })
	c.mu.Unlock()

	return c.write(conn, frame.NewWithHeaders(frame.Unsubscribe, frame.MergeHeaders(frame.Headers{}, headers, dest), nil))
}

// Publish sends body to dest. No acknowledgement is awaited.
func (c *Client) Publish(dest string, body []byte, headers frame.Headers) error {
	if dest == "" {
		return ErrDestinationRequired
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, frame.NewWithHeaders(frame.Send, frame.MergeHeaders(frame.Headers{}, headers, dest), body))
}

// Disconnect sends DISCONNECT and half-closes the transport. onDisconnect
// runs once the broker ends the stream, after the error handler removeErr
// (if non-zero) is detached. A pending reconnect is cancelled.
func (c *Client) Disconnect(onDisconnect func(), removeErr ErrorHandlerID) error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateDisconnecting {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.hooks = append(c.hooks, disconnectHook{removeErr: removeErr, fn: onDisconnect})
	c.state = StateDisconnecting
	conn := c.conn
	done := c.done
	cancel := c.cancel
	c.mu.Unlock()

	if conn == nil {
		cancel()
		return nil
	}
	err := c.write(conn, frame.New(frame.Disconnect))
	go c.closeTransport(conn, done)
	return err
}

func (c *Client) closeTransport(conn net.Conn, done <-chan struct{}) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok && cw.CloseWrite() == nil {
		timer := time.NewTimer(c.cfg.Session.DisconnectTimeout)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			c.logger.Warn().Msg("client.Client.Disconnect broker did not close, forcing")
		}
	}
	_ = conn.Close()
}

// Wait blocks until the current connection lifecycle ends or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish moves to disconnected and runs disconnect hooks.
func (c *Client) finish() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn = nil
	c.sessionID = ""
	c.subs = make(map[string]*subscription)
	c.order = nil
	hooks := c.hooks
	c.hooks = nil
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	for _, h := range hooks {
		if h.removeErr != 0 {
			c.RemoveErrorHandler(h.removeErr)
		}
		if h.fn != nil {
			h.fn()
		}
	}
	close(done)
	c.logger.Info().Msg("client.Client disconnected")
}

func (c *Client) write(conn net.Conn, f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, f)
}

func (c *Client) writeLocked(conn net.Conn, f *frame.Frame) error {
	if wt := c.cfg.Session.WriteTimeout; wt > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(wt))
	}
	if err := frame.WriteFrame(conn, f, frame.DefaultLimits()); err != nil {
		return err
	}
	observability.RecordFrame("out", f.Command.String())
	return nil
}

// AddErrorHandler registers h for ERROR frames, decode errors and
// connection failures. The returned id is never zero.
func (c *Client) AddErrorHandler(h ErrorHandler) ErrorHandlerID {
	if h == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextErrID++
	c.errHandlers[c.nextErrID] = h
	return c.nextErrID
}

func (c *Client) RemoveErrorHandler(id ErrorHandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errHandlers, id)
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	ids := slices.Sorted(maps.Keys(c.errHandlers))
	handlers := make([]ErrorHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.errHandlers[id])
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Warn().Err(err).Msg("client.Client unhandled error")
		return
	}
	for _, h := range handlers {
		h(err)
	}
}
