package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileJSONKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"websocket_url": "wss://iot.example/ws", "serial": {"ports": ["/dev/ttyUSB0"]}, "driver": {"poll_interval_ms": 0}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.WebSocketURL != "wss://iot.example/ws" {
		t.Fatalf("websocket_url = %q", cfg.WebSocketURL)
	}
	if len(cfg.Serial.Ports) != 1 || cfg.Serial.Ports[0] != "/dev/ttyUSB0" {
		t.Fatalf("ports = %v", cfg.Serial.Ports)
	}
	if cfg.Driver.PollIntervalMs != 500 {
		t.Fatalf("poll interval = %d, want default", cfg.Driver.PollIntervalMs)
	}
	if len(cfg.Serial.Protocols) != 1 || cfg.Serial.Protocols[0] != "cpwplus" {
		t.Fatalf("protocols = %v", cfg.Serial.Protocols)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := `
server_url: https://iot.example
log:
  level: debug
  format: json
relay:
  redis_addr: localhost:6379
serial:
  protocols: [cpwplus, generic]
deploy:
  active_path: /opt/cpwplus/agent
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.ServerURL != "https://iot.example" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Relay.RedisAddr != "localhost:6379" || cfg.Relay.Channel != "iot:device_changed" {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if len(cfg.Serial.Protocols) != 2 {
		t.Fatalf("protocols = %v", cfg.Serial.Protocols)
	}
	if cfg.Deploy.ActivePath != "/opt/cpwplus/agent" || cfg.Deploy.ServiceName != "cpwplus-agent" {
		t.Fatalf("deploy = %+v", cfg.Deploy)
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		cfg := Default()
		cfg.AgentToken = "secret"

		if err := SaveFile(path, cfg); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		loaded, err := LoadFile(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if loaded.AgentToken != "secret" {
			t.Fatalf("%s: token = %q", name, loaded.AgentToken)
		}
	}
}

func TestLoadOrCreateDefault(t *testing.T) {
	t.Setenv("CPWPLUS_AGENT_HOME", t.TempDir())

	cfg, err := LoadOrCreateDefault()
	if err != nil {
		t.Fatalf("LoadOrCreateDefault: %v", err)
	}
	if _, err = os.Stat(Path()); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if cfg.HeartbeatSeconds != 30 {
		t.Fatalf("heartbeat = %d", cfg.HeartbeatSeconds)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_ = os.WriteFile(path, []byte("{"), 0o600)
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
