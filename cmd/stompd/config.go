package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/stompd/internal/admin"
	"github.com/danmuck/stompd/internal/auth"
	"github.com/danmuck/stompd/internal/broker"
	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/session"
)

type fileConfig struct {
	ListenAddr          string   `toml:"listen_addr"`
	AdminAddr           string   `toml:"admin_addr"`
	ServerName          string   `toml:"server_name"`
	Version             string   `toml:"version"`
	Login               string   `toml:"login"`
	Passcode            string   `toml:"passcode"`
	MaxPendingFrames    int      `toml:"max_pending_frames"`
	MaxFrameBytes       int      `toml:"max_frame_bytes"`
	MaxLineBytes        int      `toml:"max_line_bytes"`
	WriteTimeout        string   `toml:"write_timeout"`
	CORSOrigins         []string `toml:"cors_origins"`
	SessionSecurityMode string   `toml:"session_security_mode"`
	TLSEnabled          bool     `toml:"tls_enabled"`
	TLSMutual           bool     `toml:"tls_mutual"`
	TLSCertFile         string   `toml:"tls_cert_file"`
	TLSKeyFile          string   `toml:"tls_key_file"`
	TLSCAFile           string   `toml:"tls_ca_file"`
}

type serverConfig struct {
	Broker broker.ServiceConfig
	Admin  admin.Config
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Broker: broker.DefaultServiceConfig(),
		Admin:  admin.DefaultConfig(),
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serverConfig{}, fmt.Errorf("load stompd config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Broker.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("server_name") {
		cfg.Broker.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("version") {
		v, err := protocol.ParseVersion(raw.Version)
		if err != nil {
			return serverConfig{}, fmt.Errorf("parse version: %w", err)
		}
		cfg.Broker.MaxVersion = v
	}
	if meta.IsDefined("login") {
		login := strings.TrimSpace(raw.Login)
		if login != "" {
			cfg.Broker.Auth = auth.StaticCredentials{login: raw.Passcode}
		}
	}
	if meta.IsDefined("max_pending_frames") {
		if raw.MaxPendingFrames <= 0 {
			return serverConfig{}, fmt.Errorf("max_pending_frames must be positive: %d", raw.MaxPendingFrames)
		}
		cfg.Broker.MaxPendingFrames = raw.MaxPendingFrames
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Broker.Limits.MaxBodyBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_line_bytes") {
		cfg.Broker.Limits.MaxLineBytes = raw.MaxLineBytes
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return serverConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.Broker.Session.WriteTimeout = d
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Broker.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SessionSecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Broker.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Broker.Session.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Broker.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Broker.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Broker.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}

	return cfg, nil
}
