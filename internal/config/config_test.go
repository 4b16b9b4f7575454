package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/stompd/internal/client"
	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/testutil/testlog"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadClientProfileTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.toml")
	if err := WriteTemplate(path, "client", false); err != nil {
		t.Fatalf("write template: %v", err)
	}

	p, err := LoadClientProfile(path)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if p.Name != "local" || p.Address != "127.0.0.1:61613" {
		t.Fatalf("unexpected profile identity: %+v", p)
	}
	if p.Login != "guest" || p.Passcode != "guest" {
		t.Fatalf("unexpected credentials: %q/%q", p.Login, p.Passcode)
	}
	if p.Retries != 3 || p.RetryDelay != "100ms" {
		t.Fatalf("unexpected retry settings: %d %q", p.Retries, p.RetryDelay)
	}
	if p.TLS.Enabled {
		t.Fatalf("expected tls disabled")
	}
}

func TestLoadClientProfileDefaults(t *testing.T) {
	testlog.Start(t)
	p, err := LoadClientProfile(writeProfile(t, `address = "broker:61613"`))
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if p.Name != "local" || p.Transport != TransportTCP || p.Version != "1.1" {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestLoadClientProfileRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"transport":   `transport = "udp"`,
		"version":     `version = "1.2"`,
		"retries":     `retries = -1`,
		"retry_delay": `retry_delay = "soon"`,
		"mutual":      "[tls]\nmutual = true",
		"address":     `address = ""`,
	}
	for name, content := range cases {
		if _, err := LoadClientProfile(writeProfile(t, content)); !errors.Is(err, ErrInvalidProfile) {
			t.Fatalf("%s: expected invalid profile, got %v", name, err)
		}
	}
}

func TestLoadClientProfileMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := LoadClientProfile(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestClientConfigConversion(t *testing.T) {
	testlog.Start(t)
	p, err := LoadClientProfile(writeProfile(t, `
address = "broker:61613"
transport = "websocket"
ws_path = "/ws"
login = "svc"
passcode = "secret"
version = "1.0"
retries = 4
retry_delay = "250ms"
security_mode = "Production"

[tls]
enabled = true
mutual = true
cert_file = "client.pem"
key_file = "client.key"
ca_file = "ca.pem"
`))
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}

	cfg, dialer, err := p.ClientConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if cfg.Address != "broker:61613" || cfg.Login != "svc" || cfg.Passcode != "secret" {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
	if cfg.Version != protocol.V10 || cfg.Retries != 4 || cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("unexpected retry/version: %+v", cfg)
	}
	if cfg.Session.SecurityMode != "production" {
		t.Fatalf("unexpected security mode: %q", cfg.Session.SecurityMode)
	}
	if !cfg.Session.TLS.Enabled || !cfg.Session.TLS.Mutual || cfg.Session.TLS.CAFile != "ca.pem" {
		t.Fatalf("unexpected tls: %+v", cfg.Session.TLS)
	}
	ws, ok := dialer.(client.WebSocketDialer)
	if !ok {
		t.Fatalf("expected websocket dialer, got %T", dialer)
	}
	if ws.Path != "/ws" {
		t.Fatalf("unexpected ws path: %q", ws.Path)
	}
}

func TestClientConfigDefaultsToTCP(t *testing.T) {
	testlog.Start(t)
	_, dialer, err := DefaultClientProfile().ClientConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, ok := dialer.(client.NetDialer); !ok {
		t.Fatalf("expected net dialer, got %T", dialer)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "broker.toml")
	if err := WriteTemplate(path, "broker", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "broker", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "broker", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := Template("seed"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
