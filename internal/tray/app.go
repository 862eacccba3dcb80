package tray

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/getlantern/systray"
	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/CPWplusAgent/internal/agent"
	"github.com/NowakAdmin/CPWplusAgent/internal/autostart"
	"github.com/NowakAdmin/CPWplusAgent/internal/config"
	"github.com/NowakAdmin/CPWplusAgent/internal/devices"
	"github.com/NowakAdmin/CPWplusAgent/internal/events"
	"github.com/NowakAdmin/CPWplusAgent/internal/protocol"
	"github.com/NowakAdmin/CPWplusAgent/internal/update"
	"github.com/NowakAdmin/CPWplusAgent/internal/version"
)

// App is the bench menu: it shows the scale state and sends actions locally.
type App struct {
	cfg    *config.Config
	agent  *agent.Agent
	logger *logrus.Logger
}

func New(cfg *config.Config, agentInstance *agent.Agent, logger *logrus.Logger) *App {
	return &App{
		cfg:    cfg,
		agent:  agentInstance,
		logger: logger,
	}
}

func (a *App) Run() {
	systray.Run(a.onReady, a.onExit)
}

func (a *App) onReady() {
	systray.SetIcon(generateIcon(16))
	systray.SetTitle("CPWplus")
	systray.SetTooltip("CPWplus Agent - scale bridge")

	status := systray.AddMenuItem("Status: stopped", "Scale state")
	status.Disable()
	weight := systray.AddMenuItem("Weight: -", "Last reading")
	weight.Disable()

	systray.AddSeparator()
	readOnce := systray.AddMenuItem("Read once", "Read the weight once")
	startReading := systray.AddMenuItem("Start reading", "Poll the scale continuously")
	stopReading := systray.AddMenuItem("Stop reading", "Stop polling")
	tare := systray.AddMenuItem("Tare", "Tare the scale")
	zero := systray.AddMenuItem("Zero", "Zero the scale")

	systray.AddSeparator()
	start := systray.AddMenuItem("Start agent", "Probe ports and connect")
	stop := systray.AddMenuItem("Stop agent", "Release the scale")
	stop.Disable()

	autostartItem := systray.AddMenuItemCheckbox("Start at boot", "systemd unit "+a.cfg.Deploy.ServiceName, false)
	enabled, err := autostart.IsEnabled(a.cfg.Deploy.ServiceName)
	if err == nil && enabled {
		autostartItem.Check()
	}

	updateItem := systray.AddMenuItem("Check for updates", "Look for a newer release")
	versionItem := systray.AddMenuItem("Version: "+version.Version, "Agent version")
	versionItem.Disable()

	systray.AddSeparator()
	quit := systray.AddMenuItem("Quit", "Quit CPWplus Agent")

	ctx := context.Background()
	updateTicker := time.NewTicker(updateInterval(a.cfg.Update.CheckIntervalHours))
	refresh := time.NewTicker(time.Second)

	updates, unsubscribe := a.agent.Subscribe()

	dispatch := func(action string) {
		go func() {
			err := a.agent.Dispatch(ctx, "", devices.ActionRequest{Action: action, SessionID: "tray"})
			if err != nil {
				a.logger.Warnf("Tray action %s: %v", action, err)
			}
		}()
	}

	go func() {
		defer updateTicker.Stop()
		defer refresh.Stop()
		defer unsubscribe()

		for {
			select {
			case ev, ok := <-updates:
				if !ok {
					return
				}
				weight.SetTitle(weightTitle(ev))

			case <-refresh.C:
				status.SetTitle(statusTitle(a.agent))

			case <-readOnce.ClickedCh:
				dispatch(devices.ActionReadOnce)
			case <-startReading.ClickedCh:
				dispatch(devices.ActionStartReading)
			case <-stopReading.ClickedCh:
				dispatch(devices.ActionStopReading)
			case <-tare.ClickedCh:
				dispatch(devices.ActionTare)
			case <-zero.ClickedCh:
				dispatch(devices.ActionZero)

			case <-start.ClickedCh:
				if a.agent.IsRunning() {
					continue
				}

				if startErr := a.agent.Start(ctx); startErr != nil {
					a.logger.Errorf("Agent start failed: %v", startErr)
					continue
				}

				start.Disable()
				stop.Enable()

			case <-stop.ClickedCh:
				a.agent.Stop()
				start.Enable()
				stop.Disable()

			case <-autostartItem.ClickedCh:
				if autostartItem.Checked() {
					if disableErr := autostart.Disable(a.cfg.Deploy.ServiceName); disableErr != nil {
						a.logger.Warnf("Disable autostart: %v", disableErr)
						continue
					}
					autostartItem.Uncheck()
					continue
				}

				executablePath, pathErr := os.Executable()
				if pathErr != nil {
					a.logger.Warnf("Executable path: %v", pathErr)
					continue
				}

				if enableErr := autostart.Enable(a.cfg.Deploy.ServiceName, executablePath, "run"); enableErr != nil {
					a.logger.Warnf("Enable autostart: %v", enableErr)
					continue
				}

				autostartItem.Check()

			case <-updateItem.ClickedCh:
				checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				result, updateErr := update.CheckGitHubRelease(checkCtx, a.cfg.Update.GitHubRepo)
				cancel()

				if updateErr != nil {
					a.logger.Warnf("Update check failed: %v", updateErr)
					continue
				}

				if result.HasUpdate {
					a.logger.Infof("Update available %s: %s", result.Version, result.URL)
					_ = openURL(result.URL)
				} else {
					a.logger.Infof("No newer version")
				}

			case <-updateTicker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
				result, updateErr := update.CheckGitHubRelease(checkCtx, a.cfg.Update.GitHubRepo)
				cancel()

				if updateErr != nil {
					a.logger.Debugf("Auto update check: %v", updateErr)
					continue
				}

				if result.HasUpdate {
					a.logger.Infof("Update available %s: %s", result.Version, result.URL)
				}

			case <-quit.ClickedCh:
				a.agent.Stop()
				systray.Quit()
				return
			}
		}
	}()

	if err := a.agent.Start(ctx); err != nil {
		a.logger.Errorf("Agent start failed: %v", err)
		return
	}
	start.Disable()
	stop.Enable()
}

func (a *App) onExit() {
	a.agent.Stop()
}

func updateInterval(hours int) time.Duration {
	if hours <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(hours) * time.Hour
}

func statusTitle(ag *agent.Agent) string {
	if !ag.IsRunning() {
		return "Status: stopped"
	}

	st := ag.Status()
	link := "offline"
	if st.Online {
		link = "online"
	}

	if len(st.Devices) == 0 {
		return fmt.Sprintf("Status: %s, %s", st.State, link)
	}

	return fmt.Sprintf("Status: %s on %s, %s", st.State, st.Devices[0].Identifier, link)
}

func weightTitle(ev events.DeviceChanged) string {
	if ev.Status == events.StatusError {
		return "Weight: error (" + ev.Error + ")"
	}
	if ev.Unit == "" {
		return "Weight: -"
	}

	unit := protocol.Unit(ev.Unit)
	if unit == protocol.Kilogram {
		return fmt.Sprintf("Weight: %.2f kg", ev.Value)
	}

	return fmt.Sprintf("Weight: %.2f %s (%.3f kg)", ev.Value, ev.Unit, unit.Kilograms(ev.Value))
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// generateIcon draws a small scale platform in teal.
func generateIcon(size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	white := color.RGBA{255, 255, 255, 255}
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.SetRGBA(x, y, white)
		}
	}

	teal := color.RGBA{0, 128, 128, 255}
	margin := size / 6

	// platform
	for x := margin; x < size-margin; x++ {
		img.SetRGBA(x, margin+1, teal)
		img.SetRGBA(x, margin+2, teal)
	}

	// column and base
	mid := size / 2
	for y := margin + 3; y < size-margin-2; y++ {
		img.SetRGBA(mid-1, y, teal)
		img.SetRGBA(mid, y, teal)
	}
	for x := margin + 1; x < size-margin-1; x++ {
		for y := size - margin - 2; y < size-margin; y++ {
			img.SetRGBA(x, y, teal)
		}
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
