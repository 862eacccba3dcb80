package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/NowakAdmin/CPWplusAgent/internal/protocol"
)

var ErrTimeout = errors.New("serial read timeout")

// Port is the part of serial.Port used by the scale drivers.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
}

// Opener opens a port by name with the given line settings.
type Opener func(name string, line protocol.LineSettings) (Port, error)

// Open is the default Opener backed by go.bug.st/serial.
func Open(name string, line protocol.LineSettings) (Port, error) {
	mode, err := modeFor(line)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	return port, nil
}

func modeFor(line protocol.LineSettings) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: line.BaudRate,
		DataBits: line.DataBits,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits <= 0 {
		mode.DataBits = 8
	}

	switch line.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", line.StopBits)
	}

	switch strings.ToLower(strings.TrimSpace(line.Parity)) {
	case "", "none", "n":
		mode.Parity = serial.NoParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", line.Parity)
	}

	return mode, nil
}

// Conn is one open connection bound to one port identifier.
type Conn struct {
	name string
	port Port

	mu      sync.Mutex
	flowOff bool
}

func NewConn(name string, port Port) *Conn {
	return &Conn{name: name, port: port}
}

func (c *Conn) Name() string {
	return c.name
}

// DeassertFlowControl drops DTR and RTS and waits settle for the device to notice.
// Once done it is a flag read; a fresh Conn always starts with the lines assumed high.
func (c *Conn) DeassertFlowControl(settle time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flowOff {
		return nil
	}

	if err := c.port.SetDTR(false); err != nil {
		return fmt.Errorf("%s: clear DTR: %w", c.name, err)
	}
	if err := c.port.SetRTS(false); err != nil {
		return fmt.Errorf("%s: clear RTS: %w", c.name, err)
	}

	if settle > 0 {
		time.Sleep(settle)
	}
	c.flowOff = true

	return nil
}

// FlowControlDeasserted reports whether DTR/RTS were already dropped on this connection.
func (c *Conn) FlowControlDeasserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowOff
}

// Command writes a single-letter command followed by terminator.
func (c *Conn) Command(cmd byte, terminator []byte) error {
	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%s: reset input: %w", c.name, err)
	}

	frame := append([]byte{cmd}, terminator...)
	n, err := c.port.Write(frame)
	if err != nil {
		return fmt.Errorf("%s: write %q: %w", c.name, frame, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%s: short write %d/%d", c.name, n, len(frame))
	}

	return nil
}

// ReadLine reads byte by byte until terminator, max bytes or timeout, whichever
// comes first. A partial answer is returned without error so the caller can log it;
// ErrTimeout means nothing arrived at all.
func (c *Conn) ReadLine(timeout time.Duration, terminator []byte, max int) ([]byte, error) {
	if max <= 0 {
		max = 64
	}

	deadline := time.Now().Add(timeout)
	answer := make([]byte, 0, max)
	b := make([]byte, 1)

	for len(answer) < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		if err := c.port.SetReadTimeout(remaining); err != nil {
			return answer, fmt.Errorf("%s: set read timeout: %w", c.name, err)
		}

		n, err := c.port.Read(b)
		if err != nil {
			return answer, fmt.Errorf("%s: read: %w", c.name, err)
		}
		if n == 0 {
			break
		}

		answer = append(answer, b[0])
		if len(terminator) > 0 && bytes.HasSuffix(answer, terminator) {
			return answer, nil
		}
	}

	if len(answer) == 0 {
		return nil, ErrTimeout
	}

	return answer, nil
}

func (c *Conn) Close() error {
	return c.port.Close()
}
