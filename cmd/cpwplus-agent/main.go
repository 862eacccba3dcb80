package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/CPWplusAgent/internal/agent"
	"github.com/NowakAdmin/CPWplusAgent/internal/config"
	"github.com/NowakAdmin/CPWplusAgent/internal/deploy"
	"github.com/NowakAdmin/CPWplusAgent/internal/devices"
	"github.com/NowakAdmin/CPWplusAgent/internal/events"
	"github.com/NowakAdmin/CPWplusAgent/internal/monitor"
	"github.com/NowakAdmin/CPWplusAgent/internal/serialport"
	"github.com/NowakAdmin/CPWplusAgent/internal/tray"
	"github.com/NowakAdmin/CPWplusAgent/internal/update"
	"github.com/NowakAdmin/CPWplusAgent/internal/version"
)

func main() {
	command := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run", "headless":
		runHeadless(args)
	case "tray":
		runTray(args)
	case "probe":
		runProbe(args)
	case "configure":
		runConfigure(args)
	case "install":
		runInstall(args)
	case "uninstall":
		runUninstall(args)
	case "update":
		runUpdate(args)
	case "version":
		fmt.Printf("CPWplusAgent %s\n", version.Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q. Commands: run, tray, probe, configure, install, uninstall, update, version\n", command)
		os.Exit(2)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads --config when given, otherwise the default location.
func loadConfig(path string) *config.Config {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.LoadOrCreateDefault()
	}
	if err != nil {
		fatalf("Config error: %v", err)
	}

	return cfg
}

func setup(name string, args []string, extra func(fs *flag.FlagSet)) (*config.Config, *logrus.Logger, func(), *flag.FlagSet) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (JSON or YAML)")
	if extra != nil {
		extra(fs)
	}
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger, closeFn, err := buildLogger(cfg)
	if err != nil {
		fatalf("Logger error: %v", err)
	}

	return cfg, logger, closeFn, fs
}

func runConfigure(args []string) {
	configPath := configFlag(args)
	cfg := loadConfig(configPath)

	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	fs.String("config", configPath, "Config file (JSON or YAML)")
	serverURL := fs.String("server", cfg.ServerURL, "IoT server base URL, e.g. https://pos.example.com")
	wsURL := fs.String("ws", cfg.WebSocketURL, "Agent WebSocket URL, e.g. wss://pos.example.com/agent/ws")
	agentID := fs.String("agent-id", cfg.AgentID, "Agent account ID")
	token := fs.String("token", cfg.AgentToken, "Agent API token")
	deviceName := fs.String("name", cfg.DeviceName, "Agent name shown on the server")
	ports := fs.String("ports", strings.Join(cfg.Serial.Ports, ","), "Comma separated ports to probe, empty for all")
	continuous := fs.Bool("continuous", cfg.Driver.ContinuousOnStart, "Poll the scale from start")
	redisAddr := fs.String("redis", cfg.Relay.RedisAddr, "Redis address for the event relay, empty to disable")
	metrics := fs.Bool("metrics", cfg.Monitor.Enabled, "Serve /metrics, /health and /status")
	githubRepo := fs.String("github-repo", cfg.Update.GitHubRepo, "Release repository, e.g. NowakAdmin/CPWplusAgent")
	checkHours := fs.Int("update-hours", cfg.Update.CheckIntervalHours, "Hours between update checks")

	_ = fs.Parse(args)

	cfg.ServerURL = *serverURL
	cfg.WebSocketURL = *wsURL
	cfg.AgentID = *agentID
	cfg.AgentToken = *token
	cfg.DeviceName = *deviceName
	cfg.Serial.Ports = splitList(*ports)
	cfg.Driver.ContinuousOnStart = *continuous
	cfg.Relay.RedisAddr = *redisAddr
	cfg.Monitor.Enabled = *metrics
	cfg.Update.GitHubRepo = *githubRepo
	cfg.Update.CheckIntervalHours = *checkHours

	path := configPath
	var err error
	if path != "" {
		err = config.SaveFile(path, cfg)
	} else {
		path = config.Path()
		err = config.Save(cfg)
	}
	if err != nil {
		fatalf("Config save error: %v", err)
	}

	fmt.Printf("Config saved: %s\n", path)
}

// configFlag finds --config before the other flags are declared, since their
// defaults come from the file.
func configFlag(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// newAgent builds the agent with the optional Redis relay. The returned func
// releases the relay.
func newAgent(cfg *config.Config, logger *logrus.Logger) (*agent.Agent, func()) {
	var opts []agent.Option
	closeFn := func() {}

	if cfg.Relay.RedisAddr != "" {
		relay, err := events.NewRedisRelay(cfg.Relay.RedisAddr, cfg.Relay.RedisPassword, cfg.Relay.RedisDB, cfg.Relay.Channel, logger)
		if err != nil {
			logger.Warnf("Redis relay disabled: %v", err)
		} else {
			opts = append(opts, agent.WithNotifier(relay))
			closeFn = func() {
				_ = relay.Close()
			}
		}
	}

	return agent.New(cfg, logger, opts...), closeFn
}

func serveMetrics(ctx context.Context, cfg *config.Config, logger *logrus.Logger, a *agent.Agent) {
	if !cfg.Monitor.Enabled {
		return
	}

	m := monitor.NewMonitor(logger, func() any { return a.Status() })
	go func() {
		if err := m.Serve(ctx, cfg.Monitor.Port); err != nil {
			logger.Errorf("Metrics server: %v", err)
		}
	}()
}

func runHeadless(args []string) {
	cfg, logger, closeLog, _ := setup("run", args, nil)
	defer closeLog()

	a, closeRelay := newAgent(cfg, logger)
	defer closeRelay()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveMetrics(ctx, cfg, logger, a)

	logger.Infof("CPWplusAgent %s starting", version.Version)
	if err := a.Start(ctx); err != nil {
		logger.Fatalf("Agent start failed: %v", err)
	}

	<-ctx.Done()
	a.Stop()
	logger.Infof("Stopped")
}

func runTray(args []string) {
	cfg, logger, closeLog, _ := setup("tray", args, nil)
	defer closeLog()

	a, closeRelay := newAgent(cfg, logger)
	defer closeRelay()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveMetrics(ctx, cfg, logger, a)

	tray.New(cfg, a, logger).Run()
}

// runProbe walks the ports, claims the scale and exercises every command once.
func runProbe(args []string) {
	cfg, logger, closeLog, fs := setup("probe", args, nil)
	defer closeLog()

	ports := fs.Args()
	if len(ports) == 0 {
		ports = cfg.Serial.Ports
	}
	if len(ports) == 0 {
		var err error
		if ports, err = serialport.Candidates(); err != nil {
			logger.Warnf("Port enumeration: %v", err)
		}
	}

	descs := agent.Descriptors(cfg, logger)
	ctx := context.Background()

	found := 0
	for _, port := range ports {
		label := serialport.Describe(port)
		fmt.Printf("%s %s\n", port, label)

		claim, ok := devices.ClaimPort(ctx, serialport.Open, port, descs, logger)
		if !ok {
			fmt.Println("  no scale")
			continue
		}
		found++
		fmt.Printf("  claimed as %s\n", claim.Descriptor.Name)

		show := events.Func(func(_ context.Context, ev events.DeviceChanged) error {
			if ev.Status == events.StatusError {
				fmt.Printf("  %-12s error: %s\n", ev.Action, ev.Error)
				return nil
			}
			fmt.Printf("  %-12s %.3f %s\n", ev.Action, ev.Value, ev.Unit)
			return nil
		})

		scale := devices.NewScale(claim, serialport.Open, show, logger)
		for _, action := range []string{devices.ActionReadOnce, devices.ActionReadNet, devices.ActionTare, devices.ActionZero, devices.ActionReadOnce} {
			_ = scale.Action(ctx, devices.ActionRequest{Action: action, SessionID: "probe"})
		}
		_ = scale.Close()
	}

	if found == 0 {
		fatalf("No scale found on %s", strings.Join(ports, ", "))
	}
}

func runInstall(args []string) {
	var source *string
	var download *bool
	cfg, logger, closeLog, _ := setup("install", args, func(fs *flag.FlagSet) {
		source = fs.String("source", "", "Binary to install, default is this executable")
		download = fs.Bool("download", false, "Install the latest release instead")
	})
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	d := deploy.New(cfg, logger)
	if err := d.Install(ctx, deploy.Options{Source: *source, Download: *download}); err != nil {
		if errors.Is(err, deploy.ErrNotPrivileged) {
			fatalf("Install failed: %v (run with sudo)", err)
		}
		fatalf("Install failed: %v", err)
	}

	// The service runs without --config, so it needs the settings in the default place.
	if err := config.Save(cfg); err != nil {
		logger.Warnf("Config not saved: %v", err)
	}

	fmt.Printf("Installed %s, service %s restarted\n", cfg.Deploy.ActivePath, cfg.Deploy.ServiceName)
}

func runUninstall(args []string) {
	cfg, logger, closeLog, _ := setup("uninstall", args, nil)
	defer closeLog()

	if err := deploy.New(cfg, logger).Uninstall(); err != nil {
		fatalf("Uninstall failed: %v", err)
	}

	fmt.Println("Uninstalled")
}

// runUpdate checks for a newer release and installs it when there is one.
func runUpdate(args []string) {
	var checkOnly *bool
	cfg, logger, closeLog, _ := setup("update", args, func(fs *flag.FlagSet) {
		checkOnly = fs.Bool("check", false, "Only report whether an update exists")
	})
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := update.CheckGitHubRelease(ctx, cfg.Update.GitHubRepo)
	if err != nil {
		fatalf("Update check failed: %v", err)
	}

	if !result.HasUpdate {
		fmt.Printf("Up to date (%s)\n", version.Version)
		return
	}

	fmt.Printf("Update available: %s -> %s %s\n", version.Version, result.Version, result.URL)
	if *checkOnly {
		return
	}

	if err = deploy.New(cfg, logger).Install(ctx, deploy.Options{Download: true}); err != nil {
		fatalf("Update failed: %v", err)
	}

	fmt.Printf("Updated to %s\n", result.Version)
}

func buildLogger(cfg *config.Config) (*logrus.Logger, func(), error) {
	logPath := filepath.Join(config.LogDir(), "agent.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	logger.SetOutput(io.MultiWriter(os.Stdout, f))

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Log.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}

	return logger, func() {
		_ = f.Close()
	}, nil
}
