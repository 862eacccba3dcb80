package protocol

import (
	"errors"
	"math"
	"testing"
)

func TestParseWeight(t *testing.T) {
	cases := []struct {
		name   string
		answer string
		value  float64
		unit   Unit
	}{
		{"plus pounds", "+  12.34 lb\r\n", 12.34, Pound},
		{"minus pounds", "-  12.34 lb\r\n", -12.34, Pound},
		{"plus kilograms", "+ 5.500 kg\r\n", 5.5, Kilogram},
		{"minus kilograms", "- 0.25 kg\r\n", -0.25, Kilogram},
		{"plus ounces", "+ 7.0 oz\r\n", 7, Ounce},
		{"minus ounces", "-7.0 oz\r\n", -7, Ounce},
		{"gross prefix", "G/W  +  1.20 lb\r\n", 1.2, Pound},
		{"net prefix negative", "N/W  -  3.00 kg\r\n", -3, Kilogram},
		{"unsigned probe answer", "G/W  0.00 lb\r\n", 0, Pound},
		{"upper case unit", "+ 2.5 LB", 2.5, Pound},
		{"tabs and no space before unit", "+\t2.5kg", 2.5, Kilogram},
		{"integer value", "+ 40 lb", 40, Pound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := CPWplus.ParseWeight([]byte(tc.answer))
			if err != nil {
				t.Fatalf("ParseWeight(%q) error: %v", tc.answer, err)
			}
			if math.Abs(w.Value-tc.value) > 1e-9 {
				t.Fatalf("value = %v, want %v", w.Value, tc.value)
			}
			if w.Unit != tc.unit {
				t.Fatalf("unit = %q, want %q", w.Unit, tc.unit)
			}
		})
	}
}

func TestParseWeightNoMatch(t *testing.T) {
	for _, answer := range []string{"", "\r\n", "G/W\r\n", "+ 12.34\r\n", "ERR 04\r\n", "+ lb"} {
		if _, err := CPWplus.ParseWeight([]byte(answer)); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("ParseWeight(%q) err = %v, want ErrNoMatch", answer, err)
		}
	}
}

func TestIdentify(t *testing.T) {
	cases := map[string]bool{
		"G/W  0.00 lb\r\n": true,
		"N/W  +  1.00 kg":  true,
		"+  12.34 lb\r\n":  false,
		"g/w 0.00 lb":      false,
		"GW":               false,
		"":                 false,
	}

	for answer, want := range cases {
		if got := CPWplus.Identify([]byte(answer)); got != want {
			t.Fatalf("Identify(%q) = %v, want %v", answer, got, want)
		}
	}

	if !Generic.Identify([]byte("G/W  0.00 lb")) {
		t.Fatalf("generic descriptor should also claim a CPWplus answer")
	}
}

func TestUnitKilograms(t *testing.T) {
	if got := Pound.Kilograms(1); math.Abs(got-0.45359237) > 1e-12 {
		t.Fatalf("1 lb = %v kg", got)
	}
	if got := Ounce.Kilograms(16); math.Abs(got-Pound.Kilograms(1)) > 1e-9 {
		t.Fatalf("16 oz = %v kg", got)
	}
	if got := Kilogram.Kilograms(3); got != 3 {
		t.Fatalf("3 kg = %v kg", got)
	}
}

func TestCommandFor(t *testing.T) {
	if cmd, ok := CPWplus.CommandFor("tare"); !ok || cmd != 'T' {
		t.Fatalf("tare = %q %v", cmd, ok)
	}
	if _, ok := Generic.CommandFor("zero"); ok {
		t.Fatalf("generic descriptor has no zero command")
	}
}
