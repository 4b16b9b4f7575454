package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file for kind "client" or "broker".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "broker":
		return brokerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `name = "local"
address = "127.0.0.1:61613"
transport = "tcp"        # tcp | websocket
ws_path = "/stomp"
login = "guest"
passcode = "guest"
version = "1.1"
vhost = "localhost"
retries = 3
retry_delay = "100ms"
security_mode = "development"

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""
insecure_skip_verify = false
`

const brokerTemplate = `listen_addr = ":61613"
admin_addr = "127.0.0.1:8161"
server_name = "stompd"
version = "1.1"
login = ""
passcode = ""
max_pending_frames = 1024
write_timeout = "15s"
cors_origins = ["http://localhost:3000"]
session_security_mode = "development"
tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`
