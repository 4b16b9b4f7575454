package session

import (
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/stompd/internal/testutil/testlog"
	"github.com/danmuck/stompd/internal/testutil/tlstest"
)

func TestNextBackoffDelayLinear(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{Strategy: BackoffLinear, InitialDelay: 100 * time.Millisecond}
	if got := NextBackoffDelay(cfg, 1, nil); got != 0 {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 4, nil); got != 300*time.Millisecond {
		t.Fatalf("attempt4 got=%v", got)
	}
	cfg.MaxDelay = 150 * time.Millisecond
	if got := NextBackoffDelay(cfg, 4, nil); got != 150*time.Millisecond {
		t.Fatalf("capped attempt4 got=%v", got)
	}
}

func TestNextBackoffDelayExponentialNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		Strategy:     BackoffExponential,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		Strategy:     BackoffExponential,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	testlog.Start(t)
	cfg := Config{WriteTimeout: time.Second}.WithDefaults()
	if cfg.WriteTimeout != time.Second {
		t.Fatalf("explicit write timeout overwritten: %v", cfg.WriteTimeout)
	}
	if cfg.ConnectTimeout != DefaultConfig().ConnectTimeout || cfg.Backoff.Strategy != BackoffLinear {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportRejectsUnknownMode(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestTLSConfigsHandshake(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "stompd-test-ca")
	srvCert, srvKey := ca.IssueServerCert(t, dir, "broker", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	cliCert, cliKey := ca.IssueClientCert(t, dir, "client")

	server := DefaultConfig()
	server.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: srvCert, KeyFile: srvKey, CAFile: ca.CAFile()}
	srvTLS, err := server.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	if srvTLS.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("mutual server must require client certs")
	}

	client := DefaultConfig()
	client.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: cliCert, KeyFile: cliKey, CAFile: ca.CAFile()}
	cliTLS, err := client.ClientTLSConfig("localhost:61614")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if cliTLS.ServerName != "localhost" {
		t.Fatalf("server name not derived from addr: %q", cliTLS.ServerName)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), cliTLS)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}
