package tray

import (
	"bytes"
	"image/png"
	"testing"
	"time"

	"github.com/NowakAdmin/CPWplusAgent/internal/events"
)

func TestWeightTitle(t *testing.T) {
	ev := events.New("/dev/ttyUSB0", 12.345, events.StatusOK)
	ev.Unit = "lb"
	if got := weightTitle(ev); got != "Weight: 12.35 lb (5.600 kg)" {
		t.Fatalf("got %q", got)
	}

	kg := events.New("/dev/ttyUSB0", 2.5, events.StatusOK)
	kg.Unit = "kg"
	if got := weightTitle(kg); got != "Weight: 2.50 kg" {
		t.Fatalf("got %q", got)
	}

	ev.Status = events.StatusError
	ev.Error = "read timeout"
	if got := weightTitle(ev); got != "Weight: error (read timeout)" {
		t.Fatalf("got %q", got)
	}

	if got := weightTitle(events.New("/dev/ttyUSB0", 0, events.StatusSuccess)); got != "Weight: -" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateInterval(t *testing.T) {
	cases := map[int]time.Duration{-1: 6 * time.Hour, 0: 6 * time.Hour, 12: 12 * time.Hour}
	for hours, want := range cases {
		if got := updateInterval(hours); got != want {
			t.Fatalf("updateInterval(%d) = %s, want %s", hours, got, want)
		}
	}
}

func TestGenerateIcon(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(generateIcon(16)))
	if err != nil {
		t.Fatalf("icon is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Fatalf("icon bounds %v", b)
	}
}
