package config

import (
	"strings"

	"github.com/danmuck/stompd/internal/client"
	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/session"
)

// ClientConfig converts a validated profile into client settings and the
// dialer for its transport.
func (p ClientProfile) ClientConfig() (client.Config, client.Dialer, error) {
	delay, err := parseDelay(p.RetryDelay)
	if err != nil {
		return client.Config{}, nil, err
	}
	sess := session.DefaultConfig()
	if mode := strings.TrimSpace(p.SecurityMode); mode != "" {
		sess.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(mode))
	}
	sess.TLS = session.TLSConfig{
		Enabled:            p.TLS.Enabled,
		Mutual:             p.TLS.Mutual,
		CertFile:           p.TLS.CertFile,
		KeyFile:            p.TLS.KeyFile,
		CAFile:             p.TLS.CAFile,
		ServerName:         p.TLS.ServerName,
		InsecureSkipVerify: p.TLS.InsecureSkipVerify,
	}

	cfg := client.Config{
		Address:     p.Address,
		Login:       p.Login,
		Passcode:    p.Passcode,
		Version:     protocol.Version(strings.TrimSpace(p.Version)),
		VirtualHost: p.VirtualHost,
		Retries:     p.Retries,
		RetryDelay:  delay,
		Session:     sess,
	}

	var dialer client.Dialer = client.NetDialer{Session: sess}
	if strings.EqualFold(strings.TrimSpace(p.Transport), TransportWebSocket) {
		dialer = client.WebSocketDialer{Path: p.WSPath, Session: sess}
	}
	return cfg, dialer, nil
}
