package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

type SerialConfig struct {
	// Ports to probe; empty means every port the enumerator finds.
	Ports         []string `json:"ports,omitempty" yaml:"ports,omitempty"`
	Protocols     []string `json:"protocols" yaml:"protocols"`
	ReadTimeoutMs int      `json:"read_timeout_ms" yaml:"read_timeout_ms"`
}

type DriverConfig struct {
	PollIntervalMs    int  `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	ContinuousOnStart bool `json:"continuous_on_start" yaml:"continuous_on_start"`
	ProbeRetrySeconds int  `json:"probe_retry_seconds" yaml:"probe_retry_seconds"`
}

type RelayConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	Channel       string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type MonitorConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

type UpdateConfig struct {
	GitHubRepo         string `json:"github_repo" yaml:"github_repo"`
	CheckIntervalHours int    `json:"check_interval_hours" yaml:"check_interval_hours"`
	AssetName          string `json:"asset_name,omitempty" yaml:"asset_name,omitempty"`
}

// DeployConfig names the two places the agent binary lives on the IoT box: one on
// the persistent partition that survives reboot, one on the live root.
type DeployConfig struct {
	PersistentPath string `json:"persistent_path" yaml:"persistent_path"`
	ActivePath     string `json:"active_path" yaml:"active_path"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
}

type Config struct {
	ServerURL        string        `json:"server_url" yaml:"server_url"`
	WebSocketURL     string        `json:"websocket_url" yaml:"websocket_url"`
	AgentID          string        `json:"agent_id" yaml:"agent_id"`
	AgentToken       string        `json:"agent_token" yaml:"agent_token"`
	DeviceName       string        `json:"device_name" yaml:"device_name"`
	HeartbeatSeconds int           `json:"heartbeat_seconds" yaml:"heartbeat_seconds"`
	Serial           SerialConfig  `json:"serial" yaml:"serial"`
	Driver           DriverConfig  `json:"driver" yaml:"driver"`
	Relay            RelayConfig   `json:"relay" yaml:"relay"`
	Log              LogConfig     `json:"log" yaml:"log"`
	Monitor          MonitorConfig `json:"monitor" yaml:"monitor"`
	Update           UpdateConfig  `json:"update" yaml:"update"`
	Deploy           DeployConfig  `json:"deploy" yaml:"deploy"`
}

func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		ServerURL:        "",
		WebSocketURL:     "",
		AgentID:          hostname,
		DeviceName:       "CPWplus scale",
		HeartbeatSeconds: 30,
		Serial: SerialConfig{
			Protocols:     []string{"cpwplus"},
			ReadTimeoutMs: 1000,
		},
		Driver: DriverConfig{
			PollIntervalMs:    500,
			ContinuousOnStart: true,
			ProbeRetrySeconds: 15,
		},
		Relay: RelayConfig{
			Channel: "iot:device_changed",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Port:    9108,
		},
		Update: UpdateConfig{
			GitHubRepo:         "NowakAdmin/CPWplusAgent",
			CheckIntervalHours: 6,
			AssetName:          "cpwplus-agent-linux-" + runtime.GOARCH,
		},
		Deploy: DeployConfig{
			PersistentPath: "/root_bypass_ramdisks/usr/local/bin/cpwplus-agent",
			ActivePath:     "/usr/local/bin/cpwplus-agent",
			ServiceName:    "cpwplus-agent",
		},
	}
}

func LoadOrCreateDefault() (*Config, error) {
	if _, err := os.Stat(Path()); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if errSave := Save(cfg); errSave != nil {
			return nil, errSave
		}
		return cfg, nil
	}

	return Load()
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads JSON or, for .yaml/.yml files, YAML. Missing keys keep defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, nil
}

func (cfg *Config) normalize() {
	def := Default()

	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = def.HeartbeatSeconds
	}
	if len(cfg.Serial.Protocols) == 0 {
		cfg.Serial.Protocols = def.Serial.Protocols
	}
	if cfg.Serial.ReadTimeoutMs <= 0 {
		cfg.Serial.ReadTimeoutMs = def.Serial.ReadTimeoutMs
	}
	if cfg.Driver.PollIntervalMs <= 0 {
		cfg.Driver.PollIntervalMs = def.Driver.PollIntervalMs
	}
	if cfg.Driver.ProbeRetrySeconds <= 0 {
		cfg.Driver.ProbeRetrySeconds = def.Driver.ProbeRetrySeconds
	}
	if cfg.Monitor.Port <= 0 {
		cfg.Monitor.Port = def.Monitor.Port
	}
	if cfg.Update.CheckIntervalHours <= 0 {
		cfg.Update.CheckIntervalHours = def.Update.CheckIntervalHours
	}
	if strings.TrimSpace(cfg.Deploy.ServiceName) == "" {
		cfg.Deploy.ServiceName = def.Deploy.ServiceName
	}
}

func Save(cfg *Config) error {
	return SaveFile(Path(), cfg)
}

func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Dir() string {
	if dir := os.Getenv("CPWPLUS_AGENT_HOME"); dir != "" {
		return dir
	}

	if runtime.GOOS == "linux" && os.Geteuid() == 0 {
		return "/etc/cpwplus-agent"
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}

	return filepath.Join(configDir, "cpwplus-agent")
}

func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

func Path() string {
	return filepath.Join(Dir(), "config.json")
}
