package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/danmuck/stompd/internal/protocol/session"
)

var (
	ErrAddressRequired  = errors.New("client: broker address required")
	ErrHandlerRequired  = errors.New("client: subscription handler required")
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
)

// State is a step of the client connection lifecycle.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateReconnecting  State = "reconnecting"
)

func (s State) String() string {
	return string(s)
}

// Config describes how to reach and authenticate against a broker.
type Config struct {
	Address  string
	Login    string
	Passcode string
	Version  protocol.Version
	// VirtualHost is sent as the 1.1 host header. Defaults to the host part
	// of Address.
	VirtualHost string
	// Retries is the number of transport-level retries before an error is
	// surfaced. RetryDelay scales the linear backoff between them.
	Retries    int
	RetryDelay time.Duration
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		Address: "127.0.0.1:61613",
		Version: protocol.V10,
		Session: session.DefaultConfig(),
	}
}

func (c Config) withDefaults() (Config, error) {
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		return c, ErrAddressRequired
	}
	if c.Version == "" {
		c.Version = protocol.DefaultVersion
	}
	v, err := protocol.ParseVersion(string(c.Version))
	if err != nil {
		return c, err
	}
	c.Version = v
	if c.Retries < 0 {
		c.Retries = 0
	}
	if strings.TrimSpace(c.VirtualHost) == "" {
		host, _, err := net.SplitHostPort(c.Address)
		if err != nil {
			host = c.Address
		}
		c.VirtualHost = host
	}
	c.Session = c.Session.WithDefaults()
	// RetryDelay selects plain linear backoff: attempt n waits
	// (n-1) * RetryDelay with no cap and no jitter.
	if c.RetryDelay > 0 {
		c.Session.Backoff = session.BackoffConfig{
			Strategy:     session.BackoffLinear,
			InitialDelay: c.RetryDelay,
		}
	}
	return c, nil
}

// ServerError is an ERROR frame reported by the broker.
type ServerError struct {
	Message string
	Headers frame.Headers
	Body    []byte
}

func (e *ServerError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("client: server error: %s", e.Message)
	}
	return fmt.Sprintf("client: server error: %s: %s", e.Message, e.Body)
}

// ConnectionError is a transport failure that exhausted the retry budget.
type ConnectionError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client: connection to %s failed after %d attempt(s): %v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type (
	// MessageHandler receives the body and headers of one MESSAGE frame.
	MessageHandler func(body []byte, headers frame.Headers)
	ErrorHandler   func(err error)
	ErrorHandlerID uint64
)

// Handlers are optional lifecycle notifications.
type Handlers struct {
	OnReceipt      func(receiptID string)
	OnReconnecting func(attempt int, delay time.Duration)
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithHandlers(h Handlers) Option {
	return func(c *Client) {
		c.handlers = h
	}
}
