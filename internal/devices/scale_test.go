package devices

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/CPWplusAgent/internal/events"
	"github.com/NowakAdmin/CPWplusAgent/internal/protocol"
	"github.com/NowakAdmin/CPWplusAgent/internal/serialport"
	"github.com/NowakAdmin/CPWplusAgent/internal/serialport/serialporttest"
)

type recorder struct {
	mu     sync.Mutex
	events []events.DeviceChanged
}

func (r *recorder) DeviceChanged(_ context.Context, ev events.DeviceChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []events.DeviceChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.DeviceChanged(nil), r.events...)
}

func (r *recorder) count() int {
	return len(r.all())
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func fastCPWplus() protocol.Descriptor {
	d := protocol.CPWplus
	d.SettleDelay = 0
	d.CommandDelay = 0
	d.ReadTimeout = 50 * time.Millisecond
	d.PollInterval = 5 * time.Millisecond
	return d
}

func openerFor(ports ...*serialporttest.Port) serialport.Opener {
	var mu sync.Mutex
	return func(string, protocol.LineSettings) (serialport.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ports) == 0 {
			return nil, errors.New("no such port")
		}
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}
}

func newTestScale(t *testing.T, fake *serialporttest.Port, rec *recorder, more ...*serialporttest.Port) *Scale {
	t.Helper()

	desc := fastCPWplus()
	open := openerFor(append([]*serialporttest.Port{fake}, more...)...)
	claim, ok := ClaimPort(context.Background(), open, "/dev/ttyUSB0", []protocol.Descriptor{desc}, quietLogger())
	if !ok {
		t.Fatalf("port not claimed")
	}

	return NewScale(claim, open, rec, quietLogger())
}

func TestEndToEnd(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  0.00 lb\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)

	if got := scale.Snapshot().State; got != StateIdentified {
		t.Fatalf("state after claim = %s", got)
	}

	fake.Reply("G", "+  12.34 lb\r\n")
	if err := scale.TakeMeasure(context.Background()); err != nil {
		t.Fatalf("measure: %v", err)
	}

	snap := scale.Snapshot()
	if snap.Reading.Value != 12.34 || snap.Reading.Unit != protocol.Pound || snap.Reading.Status != events.StatusOK {
		t.Fatalf("reading = %+v", snap.Reading)
	}
	afterFirst := rec.count()

	if err := scale.TakeMeasure(context.Background()); err != nil {
		t.Fatalf("second measure: %v", err)
	}
	if rec.count() != afterFirst {
		t.Fatalf("identical answer notified again")
	}

	fake.Unplug()
	if err := scale.TakeMeasure(context.Background()); !errors.Is(err, serialport.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	_ = scale.TakeMeasure(context.Background())

	evs := rec.all()
	if len(evs) != afterFirst+1 {
		t.Fatalf("notifications after unplug = %d, want exactly one more", len(evs)-afterFirst)
	}
	last := evs[len(evs)-1]
	if last.Status != events.StatusError || last.Value != 12.34 {
		t.Fatalf("error event = %+v", last)
	}

	snap = scale.Snapshot()
	if snap.State != StateError || snap.Reading.Value != 12.34 {
		t.Fatalf("snapshot after unplug = %+v", snap)
	}
}

func TestNoMatchKeepsPreviousValue(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  +  3.50 kg\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)

	if err := scale.TakeMeasure(context.Background()); err != nil {
		t.Fatalf("measure: %v", err)
	}

	for _, answer := range []string{"ERR 04\r\n", "+ 12.34\r\n", "\r\n"} {
		fake.Reply("G", answer)
		if err := scale.TakeMeasure(context.Background()); !errors.Is(err, protocol.ErrNoMatch) {
			t.Fatalf("answer %q: err = %v, want ErrNoMatch", answer, err)
		}

		r := scale.Snapshot().Reading
		if r.Value != 3.5 || r.Unit != protocol.Kilogram {
			t.Fatalf("answer %q replaced the value: %+v", answer, r)
		}
		if r.Status != events.StatusError {
			t.Fatalf("answer %q: status = %s", answer, r.Status)
		}
	}
}

func TestNotifiesOncePerDistinctValue(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  0.00 lb\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)

	for _, answer := range []string{"+ 1.00 lb", "+ 1.00 lb", "+ 2.00 lb", "+ 2.00 lb", "+ 2.00 kg", "+ 1.00 lb"} {
		fake.Reply("G", answer+"\r\n")
		if err := scale.TakeMeasure(context.Background()); err != nil {
			t.Fatalf("measure %q: %v", answer, err)
		}
	}

	var values []float64
	for _, ev := range rec.all() {
		values = append(values, ev.Value)
	}
	want := []float64{1, 2, 2, 1}
	if len(values) != len(want) {
		t.Fatalf("notified values = %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("notified values = %v, want %v", values, want)
		}
	}
}

func TestEveryErrorTransitionNotifies(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  +  5.00 lb\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)

	steps := []bool{true, false, false, true, true, false, false}
	for _, plugged := range steps {
		if plugged {
			fake.Replug()
		} else {
			fake.Unplug()
		}
		_ = scale.TakeMeasure(context.Background())
	}

	var statuses []string
	for _, ev := range rec.all() {
		statuses = append(statuses, ev.Status)
	}
	want := []string{"ok", "error", "ok", "error"}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestActionNotifiesExactlyOnce(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  +  8.20 lb\r\n", "T": "", "Z": ""})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)
	ctx := context.Background()

	cases := []struct {
		req     ActionRequest
		status  string
		wantErr error
	}{
		{ActionRequest{Action: ActionTare, SessionID: "pos-1"}, events.StatusSuccess, nil},
		{ActionRequest{Action: ActionZero, SessionID: "pos-1"}, events.StatusSuccess, nil},
		{ActionRequest{Action: ActionReadOnce, SessionID: "pos-2", Args: map[string]string{"job_id": "42"}}, events.StatusSuccess, nil},
		{ActionRequest{Action: "explode", SessionID: "pos-3"}, events.StatusError, ErrUnknownAction},
	}

	for _, tc := range cases {
		before := rec.count()
		err := scale.Action(ctx, tc.req)
		if tc.wantErr == nil && err != nil {
			t.Fatalf("%s: %v", tc.req.Action, err)
		}
		if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tc.req.Action, err, tc.wantErr)
		}

		evs := rec.all()
		if len(evs) != before+1 {
			t.Fatalf("%s: %d notifications, want 1", tc.req.Action, len(evs)-before)
		}
		ev := evs[len(evs)-1]
		if ev.Status != tc.status || ev.Action != tc.req.Action || ev.Owner != tc.req.SessionID {
			t.Fatalf("%s: event = %+v", tc.req.Action, ev)
		}
	}

	last := rec.all()[2]
	if last.Value != 8.2 || last.ActionArgs["job_id"] != "42" {
		t.Fatalf("read_once event = %+v", last)
	}

	written := fake.Written()
	want := []string{"G", "T", "Z", "G"}
	if len(written) != len(want) {
		t.Fatalf("written = %v, want %v", written, want)
	}
	for i := range want {
		if written[i] != want[i] {
			t.Fatalf("written = %v, want %v", written, want)
		}
	}
}

func TestReadNet(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  0.00 lb\r\n", "N": "N/W  -  1.10 lb\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)

	if err := scale.Action(context.Background(), ActionRequest{Action: ActionReadNet}); err != nil {
		t.Fatalf("read_net: %v", err)
	}

	r := scale.Snapshot().Reading
	if r.Value != -1.1 || !r.Net {
		t.Fatalf("reading = %+v", r)
	}
}

func TestReconnectsAfterTransportFailure(t *testing.T) {
	first := serialporttest.New(map[string]string{"G": "G/W  0.00 lb\r\n"})
	second := serialporttest.New(map[string]string{"G": "+  4.00 lb\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, first, rec, second)

	first.FailWrites(errors.New("input/output error"))
	if err := scale.Action(context.Background(), ActionRequest{Action: ActionReadOnce}); err == nil {
		t.Fatalf("expected write failure")
	}
	if !first.Closed() {
		t.Fatalf("failed connection was not released")
	}
	if rec.count() != 1 || rec.all()[0].Status != events.StatusError {
		t.Fatalf("events = %+v", rec.all())
	}

	if err := scale.Action(context.Background(), ActionRequest{Action: ActionReadOnce}); err != nil {
		t.Fatalf("after reconnect: %v", err)
	}
	if dtr, rts := second.Lines(); dtr || rts {
		t.Fatalf("flow control not applied on the new connection")
	}
	if got := scale.Snapshot().Reading.Value; got != 4 {
		t.Fatalf("value = %v", got)
	}
}

func TestRunPollsWhileContinuous(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  +  1.00 lb\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		scale.Run(ctx)
		close(done)
	}()

	if err := scale.Action(ctx, ActionRequest{Action: ActionStartReading}); err != nil {
		t.Fatalf("start_reading: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fake.Written()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("polling loop did not run: %v", fake.Written())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := scale.Snapshot(); s.State != StateReading || !s.Continuous {
		t.Fatalf("snapshot = %+v", s)
	}

	if err := scale.Action(ctx, ActionRequest{Action: ActionStopReading}); err != nil {
		t.Fatalf("stop_reading: %v", err)
	}
	if s := scale.Snapshot(); s.State != StateIdle || s.Continuous {
		t.Fatalf("snapshot after stop = %+v", s)
	}

	// Start and stop answered once each; identical polls stayed silent.
	if n := rec.count(); n != 2 {
		t.Fatalf("notifications = %d, want 2", n)
	}

	cancel()
	<-done
}

func TestConcurrentExchangesDoNotInterleave(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  +  2.00 kg\r\n"})
	scale := newTestScale(t, fake, &recorder{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- scale.TakeMeasure(ctx)
		}()
		go func() {
			defer wg.Done()
			errs <- scale.Action(ctx, ActionRequest{Action: ActionReadOnce})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("exchange failed: %v", err)
		}
	}
}

func TestClosedScale(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  0.00 lb\r\n"})
	rec := &recorder{}
	scale := newTestScale(t, fake, rec)

	if err := scale.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fake.Closed() {
		t.Fatalf("port left open")
	}

	if err := scale.TakeMeasure(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("measure err = %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("closed scale notified from polling")
	}

	if err := scale.Action(context.Background(), ActionRequest{Action: ActionReadOnce}); !errors.Is(err, ErrClosed) {
		t.Fatalf("action err = %v", err)
	}
	if rec.count() != 1 || rec.all()[0].State != string(StateClosed) {
		t.Fatalf("action on closed scale must still be answered once: %+v", rec.all())
	}
}

// heldNotifier blocks the first notification until release is closed.
type heldNotifier struct {
	recorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *heldNotifier) DeviceChanged(ctx context.Context, ev events.DeviceChanged) error {
	h.once.Do(func() {
		close(h.entered)
		<-h.release
	})
	return h.recorder.DeviceChanged(ctx, ev)
}

func TestNotificationsKeepRecordingOrder(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  +  5.00 lb\r\n"})
	open := openerFor(fake)
	claim, ok := ClaimPort(context.Background(), open, "/dev/ttyUSB0", []protocol.Descriptor{fastCPWplus()}, quietLogger())
	if !ok {
		t.Fatalf("port not claimed")
	}

	held := &heldNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	scale := NewScale(claim, open, held, quietLogger())
	ctx := context.Background()

	actionDone := make(chan error, 1)
	go func() {
		actionDone <- scale.Action(ctx, ActionRequest{Action: ActionReadOnce, SessionID: "pos-1"})
	}()
	<-held.entered

	fake.Reply("G", "G/W  +  6.00 lb\r\n")
	pollDone := make(chan error, 1)
	go func() {
		pollDone <- scale.TakeMeasure(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for scale.Snapshot().Reading.Value != 6 {
		if time.Now().After(deadline) {
			t.Fatalf("poll did not read the new value")
		}
		time.Sleep(time.Millisecond)
	}

	close(held.release)
	if err := <-actionDone; err != nil {
		t.Fatalf("read_once: %v", err)
	}
	if err := <-pollDone; err != nil {
		t.Fatalf("poll: %v", err)
	}

	evs := held.all()
	if len(evs) != 2 || evs[0].Value != 5 || evs[1].Value != 6 {
		t.Fatalf("events = %+v, want 5 then 6", evs)
	}

	if err := scale.TakeMeasure(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if evs = held.all(); len(evs) != 2 || evs[len(evs)-1].Value != 6 {
		t.Fatalf("listener left on %+v", evs[len(evs)-1])
	}
}

func TestSnapshotReportsFlowControl(t *testing.T) {
	fake := serialporttest.New(map[string]string{"G": "G/W  +  3.00 lb\r\n"})
	scale := newTestScale(t, fake, &recorder{})

	if !scale.Snapshot().FlowControlOff {
		t.Fatalf("claimed connection should have DTR/RTS dropped")
	}

	fake.FailWrites(errors.New("input/output error"))
	_ = scale.TakeMeasure(context.Background())
	if scale.Snapshot().FlowControlOff {
		t.Fatalf("dropped connection still reported with flow control off")
	}
}
