package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/CPWplusAgent/internal/events"
	"github.com/NowakAdmin/CPWplusAgent/internal/monitor"
	"github.com/NowakAdmin/CPWplusAgent/internal/protocol"
	"github.com/NowakAdmin/CPWplusAgent/internal/serialport"
)

// sent is what listeners were last told, used to drop repeated notifications.
type sent struct {
	ok     bool
	value  float64
	unit   protocol.Unit
	status string
}

// Scale drives one demand-mode scale over a claimed serial connection.
//
// The mutex covers a whole command/response exchange, so the polling loop and
// action requests never interleave bytes on the line. It also guards the state.
type Scale struct {
	desc     protocol.Descriptor
	port     string
	open     serialport.Opener
	notifier events.Notifier
	log      *logrus.Entry

	mu         sync.Mutex
	conn       *serialport.Conn
	state      State
	reading    Reading
	continuous bool
	last       sent
	ticket     uint64

	// Notifications leave in the order their tickets were taken under mu, so a
	// listener never ends on an older value than the one recorded in last.
	outMu   sync.Mutex
	outCond *sync.Cond
	outNext uint64
}

var _ Driver = (*Scale)(nil)

// NewScale takes over a claimed connection. open is used to reconnect after a
// transport failure dropped the connection.
func NewScale(claim Claim, open serialport.Opener, notifier events.Notifier, log logrus.FieldLogger) *Scale {
	if notifier == nil {
		notifier = events.Discard
	}

	s := &Scale{
		desc:     claim.Descriptor,
		port:     claim.Port,
		open:     open,
		notifier: notifier,
		log:      log.WithField("device", claim.Port),
		conn:     claim.Conn,
		state:    StateIdentified,
	}
	s.outCond = sync.NewCond(&s.outMu)

	return s
}

func (s *Scale) Identifier() string {
	return s.port
}

func (s *Scale) Name() string {
	return s.desc.Name
}

// SetContinuous turns the polling loop on or off.
func (s *Scale) SetContinuous(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setContinuousLocked(on)
}

func (s *Scale) setContinuousLocked(on bool) {
	s.continuous = on
	if !on && s.state == StateReading {
		s.state = StateIdle
	}
}

func (s *Scale) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	reading := s.reading
	reading.ActionArgs = copyArgs(s.reading.ActionArgs)

	return Snapshot{
		Identifier:     s.port,
		Name:           s.desc.Name,
		State:          s.state,
		Continuous:     s.continuous,
		FlowControlOff: s.conn != nil && s.conn.FlowControlDeasserted(),
		Reading:        reading,
	}
}

// TakeMeasure runs one weight exchange. Listeners are notified only when the
// value changed since they were last told, or when the status flipped.
func (s *Scale) TakeMeasure(ctx context.Context) error {
	s.mu.Lock()
	err := s.measureLocked(s.desc.WeightCommand)
	ev, reason, notify := s.changeLocked()
	var ticket uint64
	if notify {
		ticket = s.takeTicketLocked()
	}
	s.mu.Unlock()

	if notify {
		s.deliver(ctx, ticket, ev, reason)
	}

	return err
}

// Action performs one POS request and always answers it with exactly one
// notification, whether the request succeeded or not.
func (s *Scale) Action(ctx context.Context, req ActionRequest) error {
	s.mu.Lock()
	s.reading.Owner = req.SessionID
	s.reading.ActionArgs = copyArgs(req.Args)

	err := s.actionLocked(req.Action)

	ev := s.eventLocked()
	s.markSentLocked()
	ticket := s.takeTicketLocked()
	s.mu.Unlock()

	ev.Action = req.Action
	ev.Status = events.StatusSuccess
	if err != nil {
		ev.Status = events.StatusError
		ev.Error = err.Error()
		s.log.Warnf("Action %s failed: %v", req.Action, err)
	} else {
		s.log.Infof("Action %s done", req.Action)
	}

	monitor.Actions.WithLabelValues(actionLabel(req.Action), ev.Status).Inc()
	s.deliver(ctx, ticket, ev, "action")

	return err
}

func (s *Scale) actionLocked(action string) error {
	switch action {
	case ActionReadOnce:
		return s.measureLocked(s.desc.WeightCommand)

	case ActionReadNet:
		cmd, ok := s.desc.CommandFor("net")
		if !ok {
			return fmt.Errorf("%w: %s not supported by %s", ErrUnknownAction, action, s.desc.Name)
		}
		return s.measureLocked(cmd)

	case ActionStartReading:
		s.setContinuousLocked(true)
		return s.measureLocked(s.desc.WeightCommand)

	case ActionStopReading:
		s.setContinuousLocked(false)
		return nil

	case ActionTare, ActionZero:
		cmd, ok := s.desc.CommandFor(action)
		if !ok {
			return fmt.Errorf("%w: %s not supported by %s", ErrUnknownAction, action, s.desc.Name)
		}
		return s.commandLocked(cmd)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// commandLocked sends a command that has no weight answer (tare, zero).
func (s *Scale) commandLocked(cmd byte) error {
	if err := s.connLocked(); err != nil {
		return err
	}

	if err := s.conn.DeassertFlowControl(s.desc.SettleDelay); err != nil {
		s.dropLocked()
		s.failLocked(err, nil)
		return err
	}

	if err := s.conn.Command(cmd, s.desc.Terminator); err != nil {
		s.dropLocked()
		s.failLocked(err, nil)
		return err
	}
	time.Sleep(s.desc.CommandDelay)

	s.log.Infof("Command %q sent", cmd)
	return nil
}

func (s *Scale) measureLocked(cmd byte) error {
	if err := s.connLocked(); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		monitor.ExchangeDuration.Observe(time.Since(start).Seconds())
	}()

	if err := s.conn.DeassertFlowControl(s.desc.SettleDelay); err != nil {
		s.dropLocked()
		s.recordLocked("io_error")
		s.failLocked(err, nil)
		return err
	}

	if err := s.conn.Command(cmd, s.desc.Terminator); err != nil {
		s.dropLocked()
		s.recordLocked("io_error")
		s.failLocked(err, nil)
		return err
	}

	if s.desc.MeasureDelay > 0 {
		time.Sleep(s.desc.MeasureDelay)
	}

	answer, err := s.conn.ReadLine(s.desc.ReadTimeout, s.desc.Terminator, s.desc.MaxAnswerSize)
	if err != nil {
		if errors.Is(err, serialport.ErrTimeout) {
			s.recordLocked("timeout")
		} else {
			s.dropLocked()
			s.recordLocked("io_error")
		}
		s.failLocked(err, answer)
		return err
	}

	weight, err := s.desc.ParseWeight(answer)
	if err != nil {
		s.log.Warnf("No match, raw=%q", answer)
		s.recordLocked("no_match")
		s.failLocked(err, answer)
		return err
	}

	s.recordLocked("ok")
	monitor.LastWeight.WithLabelValues(s.port, string(weight.Unit)).Set(weight.Value)

	s.reading.Value = weight.Value
	s.reading.Unit = weight.Unit
	s.reading.Net = cmd == s.desc.NetCommand && cmd != s.desc.WeightCommand
	s.reading.Status = events.StatusOK
	s.reading.Error = ""
	s.reading.Raw = string(answer)
	s.reading.UpdatedAt = time.Now()

	if s.state == StateError {
		s.log.Infof("Recovered, weight %.3f %s", weight.Value, weight.Unit)
	}
	if s.continuous {
		s.state = StateReading
	} else {
		s.state = StateIdle
	}

	return nil
}

// failLocked marks the reading as failed. The last good value stays in place.
func (s *Scale) failLocked(err error, answer []byte) {
	if s.state != StateError {
		s.log.Warnf("Read failed: %v", err)
	} else {
		s.log.Debugf("Read failed: %v", err)
	}

	s.reading.Status = events.StatusError
	s.reading.Error = err.Error()
	s.reading.Raw = string(answer)
	s.reading.UpdatedAt = time.Now()
	s.state = StateError
}

func (s *Scale) recordLocked(outcome string) {
	monitor.Measurements.WithLabelValues(s.port, outcome).Inc()
}

func (s *Scale) connLocked() error {
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.conn != nil {
		return nil
	}

	p, err := s.open(s.port, s.desc.Line)
	if err != nil {
		s.failLocked(err, nil)
		return err
	}

	s.conn = serialport.NewConn(s.port, p)
	s.log.Infof("Reopened %s", s.port)
	return nil
}

// dropLocked forgets a connection after a transport failure; the next exchange
// reopens it and applies the flow-control fix again.
func (s *Scale) dropLocked() {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close()
	s.conn = nil
}

func (s *Scale) changeLocked() (events.DeviceChanged, string, bool) {
	if s.state == StateClosed {
		return events.DeviceChanged{}, "", false
	}

	r := s.reading
	var reason string
	switch {
	case !s.last.ok:
		reason = "first"
	case r.Status != s.last.status && r.Status == events.StatusError:
		reason = "error"
	case r.Status != s.last.status:
		reason = "recovered"
	case r.Status == events.StatusOK && (r.Value != s.last.value || r.Unit != s.last.unit):
		reason = "value"
	default:
		return events.DeviceChanged{}, "", false
	}

	s.markSentLocked()
	return s.eventLocked(), reason, true
}

func (s *Scale) markSentLocked() {
	s.last = sent{
		ok:     true,
		value:  s.reading.Value,
		unit:   s.reading.Unit,
		status: s.reading.Status,
	}
}

func (s *Scale) eventLocked() events.DeviceChanged {
	ev := events.New(s.port, s.reading.Value, s.reading.Status)
	ev.DeviceName = s.desc.Name
	ev.Unit = string(s.reading.Unit)
	ev.State = string(s.state)
	ev.Error = s.reading.Error
	ev.Owner = s.reading.Owner
	ev.ActionArgs = copyArgs(s.reading.ActionArgs)
	return ev
}

func (s *Scale) takeTicketLocked() uint64 {
	t := s.ticket
	s.ticket++
	return t
}

// deliver waits for its turn, so notifications reach the listener in the order
// the readings were recorded.
func (s *Scale) deliver(ctx context.Context, ticket uint64, ev events.DeviceChanged, reason string) {
	s.outMu.Lock()
	for s.outNext != ticket {
		s.outCond.Wait()
	}
	s.outMu.Unlock()

	defer func() {
		s.outMu.Lock()
		s.outNext++
		s.outCond.Broadcast()
		s.outMu.Unlock()
	}()

	monitor.Notifications.WithLabelValues(s.port, reason).Inc()
	if err := s.notifier.DeviceChanged(ctx, ev); err != nil {
		s.log.Warnf("Notification (%s) not delivered: %v", reason, err)
	}
}

// Run polls the scale while continuous reading is on, until ctx is done or the
// device is closed.
func (s *Scale) Run(ctx context.Context) {
	interval := s.desc.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			on := s.continuous
			s.mu.Unlock()
			if !on {
				continue
			}

			if err := s.TakeMeasure(ctx); errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}

func (s *Scale) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateClosed
	s.continuous = false
	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	s.log.Infof("Closed")
	return err
}

func copyArgs(args map[string]string) map[string]string {
	if args == nil {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func actionLabel(action string) string {
	switch action {
	case ActionReadOnce, ActionReadNet, ActionStartReading, ActionStopReading, ActionTare, ActionZero:
		return action
	}
	return "unknown"
}
