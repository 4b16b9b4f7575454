package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/stompd/internal/protocol"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidProfile = errors.New("config: invalid client profile")

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// ClientProfile is a named broker connection for stompctl.
type ClientProfile struct {
	Name         string     `toml:"name"`
	Address      string     `toml:"address"`
	Transport    string     `toml:"transport"`
	WSPath       string     `toml:"ws_path"`
	Login        string     `toml:"login"`
	Passcode     string     `toml:"passcode"`
	Version      string     `toml:"version"`
	VirtualHost  string     `toml:"vhost"`
	Retries      int        `toml:"retries"`
	RetryDelay   string     `toml:"retry_delay"`
	SecurityMode string     `toml:"security_mode"`
	TLS          TLSProfile `toml:"tls"`
}

type TLSProfile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func DefaultClientProfile() ClientProfile {
	return ClientProfile{
		Name:       "local",
		Address:    "127.0.0.1:61613",
		Transport:  TransportTCP,
		Version:    string(protocol.V11),
		RetryDelay: "100ms",
	}
}

// LoadClientProfile reads a TOML profile, fills defaults and validates it.
func LoadClientProfile(path string) (ClientProfile, error) {
	cfg := DefaultClientProfile()
	if err := loadToml(path, &cfg); err != nil {
		return ClientProfile{}, err
	}
	if err := ValidateClientProfile(cfg); err != nil {
		return ClientProfile{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientProfile(cfg ClientProfile) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidProfile)
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidProfile)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidProfile, cfg.Transport)
	}
	if strings.TrimSpace(cfg.Version) != "" {
		if _, err := protocol.ParseVersion(cfg.Version); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalidProfile)
	}
	if _, err := parseDelay(cfg.RetryDelay); err != nil {
		return fmt.Errorf("%w: retry_delay: %v", ErrInvalidProfile, err)
	}
	if cfg.TLS.Mutual && !cfg.TLS.Enabled {
		return fmt.Errorf("%w: tls.mutual requires tls.enabled", ErrInvalidProfile)
	}
	return nil
}

func parseDelay(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
