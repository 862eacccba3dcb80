package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/CPWplusAgent/internal/config"
	"github.com/NowakAdmin/CPWplusAgent/internal/devices"
	"github.com/NowakAdmin/CPWplusAgent/internal/events"
	"github.com/NowakAdmin/CPWplusAgent/internal/monitor"
	"github.com/NowakAdmin/CPWplusAgent/internal/protocol"
	"github.com/NowakAdmin/CPWplusAgent/internal/serialport"
	"github.com/NowakAdmin/CPWplusAgent/internal/version"
)

var ErrUnknownDevice = errors.New("unknown device")

type IncomingMessage struct {
	Type      string          `json:"type"`
	JobID     string          `json:"job_id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Device    string          `json:"device_identifier,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type OutgoingMessage struct {
	Type      string `json:"type"`
	AgentID   string `json:"agent_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

type pullActionsResponse struct {
	Success bool              `json:"success"`
	Data    []IncomingMessage `json:"data"`
}

// Status is what /status and the tray show.
type Status struct {
	AgentID string             `json:"agent_id"`
	Version string             `json:"version"`
	Online  bool               `json:"online"`
	State   devices.State      `json:"state"`
	Devices []devices.Snapshot `json:"devices"`
}

type Option func(*Agent)

// WithOpener replaces the serial opener, mainly for tests.
func WithOpener(open serialport.Opener) Option {
	return func(a *Agent) { a.open = open }
}

// WithNotifier adds a sink that receives every device event, e.g. a Redis relay.
func WithNotifier(n events.Notifier) Option {
	return func(a *Agent) { a.sinks = append(a.sinks, n) }
}

// WithDescriptors overrides the protocols read from configuration.
func WithDescriptors(descs ...protocol.Descriptor) Option {
	return func(a *Agent) { a.descriptors = descs }
}

// Agent hosts the scales: it probes ports, keeps the claimed devices polling,
// takes actions from the IoT server and forwards device events back to it.
type Agent struct {
	cfg         *config.Config
	logger      *logrus.Logger
	open        serialport.Opener
	descriptors []protocol.Descriptor
	sinks       events.Multi
	client      *http.Client

	running atomic.Bool
	probing atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	devMu   sync.RWMutex
	devices map[string]devices.Driver

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu       sync.Mutex
	subscribers map[chan events.DeviceChanged]struct{}
}

func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:         cfg,
		logger:      logger,
		open:        serialport.Open,
		client:      &http.Client{Timeout: 10 * time.Second},
		devices:     map[string]devices.Driver{},
		subscribers: map[chan events.DeviceChanged]struct{}{},
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.descriptors == nil {
		a.descriptors = Descriptors(cfg, logger)
	}

	return a
}

// Descriptors resolves the configured protocol names, applying timing overrides.
func Descriptors(cfg *config.Config, logger *logrus.Logger) []protocol.Descriptor {
	known := protocol.Known()

	var descs []protocol.Descriptor
	for _, name := range cfg.Serial.Protocols {
		desc, ok := known[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			logger.Warnf("Unknown protocol %q in configuration, skipped", name)
			continue
		}
		if cfg.Serial.ReadTimeoutMs > 0 {
			desc.ReadTimeout = time.Duration(cfg.Serial.ReadTimeoutMs) * time.Millisecond
		}
		if cfg.Driver.PollIntervalMs > 0 {
			desc.PollInterval = time.Duration(cfg.Driver.PollIntervalMs) * time.Millisecond
		}
		descs = append(descs, desc)
	}

	if len(descs) == 0 {
		descs = append(descs, protocol.CPWplus)
	}

	return descs
}

func (a *Agent) Start(parent context.Context) error {
	if a.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.discover(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.loop(ctx)
	}()

	return nil
}

func (a *Agent) Stop() {
	if !a.running.Load() {
		return
	}

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()

	a.devMu.Lock()
	for id, dev := range a.devices {
		if err := dev.Close(); err != nil {
			a.logger.Warnf("Close %s: %v", id, err)
		}
		delete(a.devices, id)
	}
	a.devMu.Unlock()

	a.running.Store(false)
}

func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

func (a *Agent) IsOnline() bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn != nil
}

// discover probes until at least one scale is claimed. Probing happens once per
// start; a restarted agent probes afresh.
func (a *Agent) discover(ctx context.Context) {
	retry := time.Duration(a.cfg.Driver.ProbeRetrySeconds) * time.Second
	if retry <= 0 {
		retry = 15 * time.Second
	}

	for {
		if a.claim(ctx) > 0 {
			return
		}

		a.logger.Infof("No scale found, probing again in %s", retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (a *Agent) claim(ctx context.Context) int {
	a.probing.Store(true)
	defer a.probing.Store(false)

	ports := a.cfg.Serial.Ports
	if len(ports) == 0 {
		var err error
		ports, err = serialport.Candidates()
		if err != nil {
			a.logger.Warnf("Port enumeration failed, using defaults: %v", err)
		}
	}

	a.devMu.RLock()
	var candidates []string
	for _, port := range ports {
		if _, taken := a.devices[port]; !taken {
			candidates = append(candidates, port)
		}
	}
	a.devMu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	claims := devices.ClaimAll(ctx, a.open, candidates, a.descriptors, a.logger)
	for _, claim := range claims {
		scale := devices.NewScale(claim, a.open, a, a.logger)
		scale.SetContinuous(a.cfg.Driver.ContinuousOnStart)
		a.attach(ctx, scale)
	}

	return len(claims)
}

// attach registers a driver and starts its polling loop.
func (a *Agent) attach(ctx context.Context, dev devices.Driver) {
	a.devMu.Lock()
	a.devices[dev.Identifier()] = dev
	a.devMu.Unlock()

	a.logger.Infof("Scale attached: %s", dev.Identifier())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		dev.Run(ctx)
	}()
}

func (a *Agent) Snapshots() []devices.Snapshot {
	a.devMu.RLock()
	defer a.devMu.RUnlock()

	snaps := make([]devices.Snapshot, 0, len(a.devices))
	for _, dev := range a.devices {
		snaps = append(snaps, dev.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Identifier < snaps[j].Identifier
	})

	return snaps
}

func (a *Agent) Status() Status {
	st := Status{
		AgentID: a.cfg.AgentID,
		Version: version.Version,
		Online:  a.IsOnline(),
		Devices: a.Snapshots(),
	}

	switch {
	case len(st.Devices) > 0:
		st.State = st.Devices[0].State
	case a.probing.Load():
		st.State = devices.StateProbing
	default:
		st.State = devices.StateUnidentified
	}

	return st
}

// Dispatch forwards an action to a device. An empty identifier addresses the only
// attached scale. The caller always gets exactly one event back.
func (a *Agent) Dispatch(ctx context.Context, identifier string, req devices.ActionRequest) error {
	dev, err := a.lookup(identifier)
	if err != nil {
		ev := events.New(identifier, 0, events.StatusError)
		ev.Action = req.Action
		ev.Owner = req.SessionID
		ev.ActionArgs = req.Args
		ev.Error = err.Error()
		ev.State = string(devices.StateUnidentified)

		monitor.Actions.WithLabelValues("unknown_device", events.StatusError).Inc()
		if notifyErr := a.DeviceChanged(ctx, ev); notifyErr != nil {
			a.logger.Warnf("Answer for %s not delivered: %v", identifier, notifyErr)
		}
		return err
	}

	return dev.Action(ctx, req)
}

func (a *Agent) lookup(identifier string) (devices.Driver, error) {
	a.devMu.RLock()
	defer a.devMu.RUnlock()

	if identifier == "" {
		if len(a.devices) == 1 {
			for _, dev := range a.devices {
				return dev, nil
			}
		}
		return nil, fmt.Errorf("%w: no identifier and %d devices attached", ErrUnknownDevice, len(a.devices))
	}

	dev, ok := a.devices[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, identifier)
	}

	return dev, nil
}

// DeviceChanged is the notifier handed to every driver. Events go to the server
// over the live WebSocket session, or over HTTP when there is none, then to the
// extra sinks and local subscribers.
func (a *Agent) DeviceChanged(ctx context.Context, ev events.DeviceChanged) error {
	if ev.DeviceName == "" {
		ev.DeviceName = a.cfg.DeviceName
	}

	var errs []error
	if err := a.sendEvent(ctx, ev); err != nil {
		errs = append(errs, err)
	}
	if err := a.sinks.DeviceChanged(ctx, ev); err != nil {
		errs = append(errs, err)
	}
	a.broadcast(ev)

	return errors.Join(errs...)
}

func (a *Agent) sendEvent(ctx context.Context, ev events.DeviceChanged) error {
	msg := OutgoingMessage{
		Type:      events.TypeDeviceChanged,
		AgentID:   a.cfg.AgentID,
		JobID:     ev.ActionArgs["job_id"],
		Status:    ev.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      ev,
	}

	a.connMu.Lock()
	conn := a.conn
	var wsErr error
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		wsErr = conn.WriteJSON(msg)
		a.connMu.Unlock()
		if wsErr == nil {
			return nil
		}
	} else {
		a.connMu.Unlock()
	}

	if strings.TrimSpace(a.cfg.ServerURL) == "" {
		return wsErr
	}

	if wsErr != nil {
		a.logger.Warnf("WebSocket write failed, posting event over HTTP: %v", wsErr)
	}

	return a.postEvent(ctx, msg)
}

// Subscribe returns a channel of device events for local listeners. Slow
// listeners miss events rather than block the drivers.
func (a *Agent) Subscribe() (<-chan events.DeviceChanged, func()) {
	ch := make(chan events.DeviceChanged, 16)

	a.subMu.Lock()
	a.subscribers[ch] = struct{}{}
	a.subMu.Unlock()

	return ch, func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if _, ok := a.subscribers[ch]; ok {
			delete(a.subscribers, ch)
			close(ch)
		}
	}
}

func (a *Agent) broadcast(ev events.DeviceChanged) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	for ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (a *Agent) loop(ctx context.Context) {
	if strings.TrimSpace(a.cfg.ServerURL) == "" && strings.TrimSpace(a.cfg.WebSocketURL) == "" {
		a.logger.Infof("No server_url or websocket_url configured, running local only. Use: cpwplus-agent configure ...")
		<-ctx.Done()
		return
	}

	if strings.TrimSpace(a.cfg.AgentToken) == "" {
		a.logger.Warnf("No agent token configured, the server may reject the agent. Use: cpwplus-agent configure --token=...")
	}

	backoff := 1 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		websocketURL := strings.TrimSpace(a.cfg.WebSocketURL)

		if websocketURL != "" {
			err = a.runSession(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warnf("WebSocket session ended: %v", err)
			}

			if ctx.Err() != nil {
				return
			}

			if strings.TrimSpace(a.cfg.ServerURL) != "" {
				a.logger.Infof("Falling back to HTTP polling")
				err = a.runHTTPPolling(ctx, 45*time.Second)
			}
		} else {
			err = a.runHTTPPolling(ctx, 0)
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warnf("Agent loop error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < 20*time.Second {
			backoff *= 2
		}
	}
}

func (a *Agent) runHTTPPolling(ctx context.Context, maxDuration time.Duration) error {
	heartbeatEvery := time.Duration(a.cfg.HeartbeatSeconds) * time.Second
	if a.cfg.HeartbeatSeconds <= 0 {
		heartbeatEvery = 30 * time.Second
	}

	pollTicker := time.NewTicker(2 * time.Second)
	heartbeatTicker := time.NewTicker(heartbeatEvery)
	defer pollTicker.Stop()
	defer heartbeatTicker.Stop()

	if err := a.heartbeat(ctx); err != nil {
		a.logger.Warnf("HTTP heartbeat error: %v", err)
	}

	var timeout <-chan time.Time
	if maxDuration > 0 {
		timer := time.NewTimer(maxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-timeout:
			return nil
		case <-heartbeatTicker.C:
			if err := a.heartbeat(ctx); err != nil {
				a.logger.Warnf("HTTP heartbeat error: %v", err)
			}
		case <-pollTicker.C:
			messages, err := a.pullActions(ctx)
			if err != nil {
				return err
			}

			for _, message := range messages {
				a.handleAction(ctx, message)
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	body, err := json.Marshal(a.Status())
	if err != nil {
		return err
	}

	request, err := a.newAPIRequest(ctx, http.MethodPost, "/api/iot/agent/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	return a.do(request, "heartbeat", nil)
}

func (a *Agent) pullActions(ctx context.Context) ([]IncomingMessage, error) {
	request, err := a.newAPIRequest(ctx, http.MethodGet, "/api/iot/agent/actions/next?limit=5", nil)
	if err != nil {
		return nil, err
	}

	var parsed pullActionsResponse
	if err = a.do(request, "pull actions", &parsed); err != nil {
		return nil, err
	}

	if !parsed.Success {
		return nil, fmt.Errorf("pull actions returned success=false")
	}

	return parsed.Data, nil
}

func (a *Agent) postEvent(ctx context.Context, msg OutgoingMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	request, err := a.newAPIRequest(ctx, http.MethodPost, "/api/iot/agent/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	return a.do(request, "post event", nil)
}

// do sends request and decodes a JSON answer into out when out is not nil.
func (a *Agent) do(request *http.Request, what string, out any) error {
	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("%s status %d: %s", what, response.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(response.Body).Decode(out)
}

func (a *Agent) newAPIRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimRight(strings.TrimSpace(a.cfg.ServerURL), "/")
	if base == "" {
		return nil, fmt.Errorf("server_url is empty")
	}

	pathPart := path
	if !strings.HasPrefix(pathPart, "/") {
		pathPart = "/" + pathPart
	}

	request, err := http.NewRequestWithContext(ctx, method, base+pathPart, body)
	if err != nil {
		return nil, err
	}

	for key, values := range a.headers() {
		request.Header[key] = values
	}

	return request, nil
}

func (a *Agent) headers() http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.cfg.AgentToken)
	headers.Set("X-Agent-ID", a.cfg.AgentID)
	headers.Set("X-Agent-Name", a.cfg.DeviceName)
	headers.Set("X-Agent-Version", version.Version)
	return headers
}

func (a *Agent) runSession(ctx context.Context) error {
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WebSocketURL, a.headers())
	if err != nil {
		if response != nil {
			return fmt.Errorf("websocket dial (http %d): %w", response.StatusCode, err)
		}

		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	a.logger.Infof("Connected to IoT server: %s", a.cfg.WebSocketURL)

	if err = conn.WriteJSON(OutgoingMessage{
		Type:      "auth",
		AgentID:   a.cfg.AgentID,
		Status:    "online",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      a.Status(),
	}); err != nil {
		return err
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		a.conn = nil
		a.connMu.Unlock()
	}()

	heartbeatEvery := time.Duration(a.cfg.HeartbeatSeconds) * time.Second
	if a.cfg.HeartbeatSeconds <= 0 {
		heartbeatEvery = 30 * time.Second
	}

	heartbeatTicker := time.NewTicker(heartbeatEvery)
	defer heartbeatTicker.Stop()

	readErrors := make(chan error, 1)
	readMessages := make(chan IncomingMessage, 8)
	sessionDone := make(chan struct{})
	defer close(sessionDone)

	go readMessagesFrom(conn, readMessages, readErrors, sessionDone)

	for {
		select {
		case <-ctx.Done():
			_ = a.write(OutgoingMessage{Type: "status", AgentID: a.cfg.AgentID, Status: "offline"})
			return context.Canceled
		case err = <-readErrors:
			return err
		case message := <-readMessages:
			a.handleIncoming(ctx, message)
		case <-heartbeatTicker.C:
			_ = a.write(OutgoingMessage{
				Type:      "heartbeat",
				AgentID:   a.cfg.AgentID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Status:    "online",
				Data:      a.Status(),
			})
		}
	}
}

type jsonReader interface {
	ReadJSON(v any) error
}

// readMessagesFrom feeds messages until a read fails or done is closed, so it
// never outlives the session it belongs to.
func readMessagesFrom(conn jsonReader, messages chan<- IncomingMessage, errs chan<- error, done <-chan struct{}) {
	for {
		var message IncomingMessage
		if err := conn.ReadJSON(&message); err != nil {
			select {
			case errs <- err:
			case <-done:
			}
			return
		}

		select {
		case messages <- message:
		case <-done:
			return
		}
	}
}

// write sends on the live session; gorilla connections allow one writer at a time.
func (a *Agent) write(msg OutgoingMessage) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if a.conn == nil {
		return errors.New("no websocket session")
	}

	_ = a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.conn.WriteJSON(msg)
}

func (a *Agent) handleIncoming(ctx context.Context, message IncomingMessage) {
	messageType := strings.ToLower(strings.TrimSpace(message.Type))
	commandName := strings.ToLower(strings.TrimSpace(message.Command))

	switch {
	case messageType == "ping" || commandName == "ping":
		_ = a.write(OutgoingMessage{
			Type:      "pong",
			AgentID:   a.cfg.AgentID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			JobID:     message.JobID,
		})

	case messageType == "action" || messageType == "command":
		// Actions can take a second or more on the serial line; keep reading meanwhile.
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleAction(ctx, message)
		}()

	default:
		a.logger.Debugf("Ignoring message type %q", message.Type)
	}
}

func (a *Agent) handleAction(ctx context.Context, message IncomingMessage) {
	req, err := actionRequest(message)
	if err != nil {
		a.logger.Warnf("Job %s: bad payload: %v", message.JobID, err)
	}

	if err = a.Dispatch(ctx, message.Device, req); err != nil {
		a.logger.Warnf("Job %s (%s) failed: %v", message.JobID, req.Action, err)
		return
	}

	a.logger.Infof("Job %s (%s) completed", message.JobID, req.Action)
}

// actionRequest flattens a server message into a driver request. The payload's
// scalar fields are kept as action args so they come back with the answer.
func actionRequest(message IncomingMessage) (devices.ActionRequest, error) {
	req := devices.ActionRequest{
		Action:    strings.ToLower(strings.TrimSpace(message.Command)),
		SessionID: message.SessionID,
		Args:      map[string]string{},
	}

	var payload map[string]any
	var err error
	if len(message.Payload) > 0 {
		err = json.Unmarshal(message.Payload, &payload)
	}

	for key, value := range payload {
		switch v := value.(type) {
		case string:
			req.Args[key] = v
		case float64, bool:
			req.Args[key] = fmt.Sprint(v)
		}
	}

	if req.Action == "" {
		req.Action = strings.ToLower(strings.TrimSpace(req.Args["action"]))
	}
	if req.SessionID == "" {
		req.SessionID = req.Args["session_id"]
	}
	if message.JobID != "" {
		req.Args["job_id"] = message.JobID
	}

	return req, err
}
