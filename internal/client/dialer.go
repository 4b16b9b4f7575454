package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"

	"github.com/danmuck/stompd/internal/protocol/session"
	"github.com/danmuck/stompd/internal/transport/wsconn"
	"github.com/gorilla/websocket"
)

// Dialer opens the byte stream a client speaks STOMP over.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

// NetDialer dials TCP, upgrading to TLS when Session.TLS is enabled.
type NetDialer struct {
	Session session.Config
}

func (d NetDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	cfg := d.Session.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return raw, nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(address)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// WebSocketDialer speaks STOMP over a WebSocket at Path on the address.
type WebSocketDialer struct {
	Path    string
	Header  http.Header
	Session session.Config
}

func (d WebSocketDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	cfg := d.Session.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     wsconn.Subprotocols,
		NetDialContext:   (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	u := url.URL{Scheme: "ws", Host: address, Path: d.Path}
	if u.Path == "" {
		u.Path = "/stomp"
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ClientTLSConfig(address)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
		u.Scheme = "wss"
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return wsconn.New(ws), nil
}
