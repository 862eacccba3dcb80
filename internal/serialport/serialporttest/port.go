// Package serialporttest provides a scripted in-memory serial port.
package serialporttest

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("port closed")

// Port answers complete command frames from Script. Reads return (0, nil) when
// nothing is pending, which is how go.bug.st/serial reports a read timeout.
type Port struct {
	Terminator []byte
	Script     map[string]string

	mu          sync.Mutex
	pending     []byte
	line        []byte
	written     []string
	dtr, rts    bool
	lineChanges int
	silent      bool
	writeErr    error
	resetErr    error
	closed      bool
}

// New returns a port with DTR and RTS asserted, like a freshly opened FTDI adapter.
func New(script map[string]string) *Port {
	return &Port{
		Terminator: []byte("\r\n"),
		Script:     script,
		dtr:        true,
		rts:        true,
	}
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	if len(p.pending) == 0 {
		return 0, nil
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}

	p.line = append(p.line, b...)
	for {
		idx := bytes.Index(p.line, p.Terminator)
		if idx < 0 {
			break
		}
		cmd := string(p.line[:idx])
		p.line = p.line[idx+len(p.Terminator):]
		p.written = append(p.written, cmd)

		// Held-off devices ignore commands while DTR/RTS are high.
		if p.silent || p.dtr || p.rts {
			continue
		}
		if reply, ok := p.Script[cmd]; ok {
			p.pending = append(p.pending, reply...)
		}
	}

	return len(b), nil
}

func (p *Port) SetReadTimeout(time.Duration) error { return nil }

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resetErr != nil {
		return p.resetErr
	}
	p.pending = nil
	return nil
}

func (p *Port) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = v
	p.lineChanges++
	return nil
}

func (p *Port) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = v
	p.lineChanges++
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Reply replaces the answer to cmd.
func (p *Port) Reply(cmd, answer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Script[cmd] = answer
}

// Unplug makes the device stop answering, so reads time out.
func (p *Port) Unplug() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = true
}

func (p *Port) Replug() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = false
}

// FailWrites makes every following Write return err; nil restores writes.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// FailReset makes ResetInputBuffer return err; nil restores it.
func (p *Port) FailReset(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetErr = err
}

func (p *Port) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *Port) Lines() (dtr, rts bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dtr, p.rts
}

// LineChanges counts SetDTR and SetRTS calls.
func (p *Port) LineChanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineChanges
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
