package protocol

import (
	"regexp"
	"time"
)

// Adam Equipment CPWplus floor scales, RS-232 in demand mode.
//
// The scale answers G (gross) and N (net) with lines such as "G/W  +  12.34 lb\r\n";
// T and Z tare and zero the platform and answer nothing useful.
var CPWplus = Descriptor{
	Name:     "Adam CPWplus",
	Line:     LineSettings{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none"},
	Priority: 10,

	Terminator:      []byte("\r\n"),
	IdentifyCommand: 'G',
	WeightCommand:   'G',
	NetCommand:      'N',
	TareCommand:     'T',
	ZeroCommand:     'Z',

	IdentifyPattern: regexp.MustCompile(`[GN]/W`),
	WeightPattern:   regexp.MustCompile(`(?i)(?:[GN]/W\s*)?([+-]?)\s*(\d+(?:\.\d*)?|\.\d+)\s*(lb|kg|oz)`),

	ReadTimeout:   1 * time.Second,
	CommandDelay:  200 * time.Millisecond,
	MeasureDelay:  0,
	SettleDelay:   500 * time.Millisecond,
	PollInterval:  500 * time.Millisecond,
	MaxAnswerSize: 40,
}

// Generic covers demand-mode scales that answer W with a bare weight line. Its
// identification is loose enough to also claim a CPWplus, hence the lower priority.
var Generic = Descriptor{
	Name:     "Generic serial scale",
	Line:     LineSettings{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none"},
	Priority: 0,

	Terminator:      []byte("\r\n"),
	IdentifyCommand: 'W',
	WeightCommand:   'W',

	IdentifyPattern: regexp.MustCompile(`(?i)[+-]?\s*\d+(?:\.\d*)?\s*(?:lb|kg|oz)`),
	WeightPattern:   regexp.MustCompile(`(?i)([+-]?)\s*(\d+(?:\.\d*)?|\.\d+)\s*(lb|kg|oz)`),

	ReadTimeout:   1 * time.Second,
	CommandDelay:  200 * time.Millisecond,
	SettleDelay:   500 * time.Millisecond,
	PollInterval:  500 * time.Millisecond,
	MaxAnswerSize: 40,
}

// Known returns the built-in descriptors keyed by the name used in configuration.
func Known() map[string]Descriptor {
	return map[string]Descriptor{
		"cpwplus": CPWplus,
		"generic": Generic,
	}
}
