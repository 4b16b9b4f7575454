package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/stompd/internal/auth"
	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadServerConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Broker.ListenAddr != "127.0.0.1:61613" {
		t.Fatalf("unexpected listen addr: %q", cfg.Broker.ListenAddr)
	}
	if cfg.Admin.Addr != "127.0.0.1:8161" {
		t.Fatalf("unexpected admin addr: %q", cfg.Admin.Addr)
	}
	if cfg.Broker.ServerName != "stompd.local" {
		t.Fatalf("unexpected server name: %q", cfg.Broker.ServerName)
	}
	if cfg.Broker.MaxVersion != protocol.V11 {
		t.Fatalf("unexpected version: %q", cfg.Broker.MaxVersion)
	}
	if cfg.Broker.MaxPendingFrames != 256 {
		t.Fatalf("unexpected max pending: %d", cfg.Broker.MaxPendingFrames)
	}
	if cfg.Broker.Limits.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected body limit: %d", cfg.Broker.Limits.MaxBodyBytes)
	}
	if cfg.Broker.Session.WriteTimeout != 10*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.Broker.Session.WriteTimeout)
	}
	if len(cfg.Admin.CORSOrigins) != 2 {
		t.Fatalf("unexpected cors origins: %+v", cfg.Admin.CORSOrigins)
	}
	if cfg.Broker.Session.SecurityMode != "development" {
		t.Fatalf("unexpected security mode: %q", cfg.Broker.Session.SecurityMode)
	}
	if cfg.Broker.Session.TLS.Enabled {
		t.Fatalf("expected tls disabled")
	}
	if err := cfg.Broker.Auth.Authenticate("guest", "guest"); err != nil {
		t.Fatalf("expected guest accepted: %v", err)
	}
	if err := cfg.Broker.Auth.Authenticate("guest", "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected wrong passcode rejected, got %v", err)
	}
}

func TestLoadServerConfigKeepsDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadServerConfig(writeConfig(t, `server_name = "edge"`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := defaultServerConfig()
	if cfg.Broker.ListenAddr != def.Broker.ListenAddr || cfg.Admin.Addr != def.Admin.Addr {
		t.Fatalf("defaults overwritten: %+v", cfg)
	}
	if _, ok := cfg.Broker.Auth.(auth.AllowAll); !ok {
		t.Fatalf("expected allow-all auth, got %T", cfg.Broker.Auth)
	}
	if cfg.Broker.ServerName != "edge" {
		t.Fatalf("unexpected server name: %q", cfg.Broker.ServerName)
	}
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	for _, content := range []string{
		`write_timeout = "abc"`,
		`version = "1.2"`,
		`max_pending_frames = 0`,
		`listen_addr = `,
	} {
		if _, err := loadServerConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("expected error for %q", content)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	cfg := defaultServerConfig()
	cfg.Broker.ListenAddr = freeAddr(t)
	cfg.Admin.Addr = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, true) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", cfg.Broker.ListenAddr)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broker never listened: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
