package protocol

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrNoMatch = errors.New("answer does not match the weight pattern")

type Unit string

const (
	Pound    Unit = "lb"
	Kilogram Unit = "kg"
	Ounce    Unit = "oz"
)

// Kilograms converts v expressed in u to kilograms.
func (u Unit) Kilograms(v float64) float64 {
	switch u {
	case Pound:
		return v * 0.45359237
	case Ounce:
		return v * 0.028349523125
	default:
		return v
	}
}

func parseUnit(s string) (Unit, bool) {
	switch Unit(strings.ToLower(s)) {
	case Pound:
		return Pound, true
	case Kilogram:
		return Kilogram, true
	case Ounce:
		return Ounce, true
	}

	return "", false
}

// LineSettings mirrors the serial line configuration of a device variant.
type LineSettings struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

type Weight struct {
	Value float64
	Unit  Unit
}

// Descriptor describes one scale variant. Values are never mutated after load;
// copy and modify when a variant needs different timings.
type Descriptor struct {
	Name     string
	Line     LineSettings
	Priority int

	Terminator      []byte
	IdentifyCommand byte
	WeightCommand   byte
	NetCommand      byte
	TareCommand     byte
	ZeroCommand     byte

	IdentifyPattern *regexp.Regexp
	WeightPattern   *regexp.Regexp

	ReadTimeout   time.Duration
	CommandDelay  time.Duration
	MeasureDelay  time.Duration
	SettleDelay   time.Duration
	PollInterval  time.Duration
	MaxAnswerSize int
}

// Identify reports whether answer carries the identification tag of this variant.
func (d Descriptor) Identify(answer []byte) bool {
	if d.IdentifyPattern == nil || len(answer) == 0 {
		return false
	}

	return d.IdentifyPattern.Match(answer)
}

// ParseWeight extracts a signed value and its unit from a weight answer.
// The pattern must expose sign, number and unit as the first three groups.
func (d Descriptor) ParseWeight(answer []byte) (Weight, error) {
	match := d.WeightPattern.FindSubmatch(answer)
	if len(match) < 4 {
		return Weight{}, ErrNoMatch
	}

	value, err := strconv.ParseFloat(string(match[2]), 64)
	if err != nil {
		return Weight{}, ErrNoMatch
	}

	unit, ok := parseUnit(string(match[3]))
	if !ok {
		return Weight{}, ErrNoMatch
	}

	if string(match[1]) == "-" {
		value = -value
	}

	return Weight{Value: value, Unit: unit}, nil
}

// CommandFor returns the command byte for a named action of the variant.
func (d Descriptor) CommandFor(name string) (byte, bool) {
	var cmd byte
	switch name {
	case "weight":
		cmd = d.WeightCommand
	case "net":
		cmd = d.NetCommand
	case "tare":
		cmd = d.TareCommand
	case "zero":
		cmd = d.ZeroCommand
	}

	return cmd, cmd != 0
}
