package serialport

import (
	"fmt"
	"runtime"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Candidates lists ports worth probing. USB adapters come first since that is how
// the scales are normally attached; the fixed per-OS list is used when enumeration
// finds nothing.
func Candidates() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return commonPorts(), err
	}

	var usb, other []string
	for _, port := range ports {
		if port.IsUSB {
			usb = append(usb, port.Name)
			continue
		}
		other = append(other, port.Name)
	}

	names := append(usb, other...)
	if len(names) == 0 {
		return commonPorts(), nil
	}

	return names, nil
}

// Describe returns a short label for a port, e.g. "FTDI 0403:6001", or "" if unknown.
func Describe(name string) string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return ""
	}

	for _, port := range ports {
		if port.Name != name || !port.IsUSB {
			continue
		}
		label := strings.TrimSpace(port.Product)
		return strings.TrimSpace(fmt.Sprintf("%s %s:%s", label, port.VID, port.PID))
	}

	return ""
}

func commonPorts() []string {
	switch runtime.GOOS {
	case "windows":
		var ports []string
		for i := 1; i <= 20; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports
	case "linux":
		return []string{
			"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2", "/dev/ttyUSB3",
			"/dev/ttyACM0", "/dev/ttyACM1",
			"/dev/ttyS0", "/dev/ttyAMA0",
		}
	case "darwin":
		return []string{
			"/dev/cu.usbserial", "/dev/cu.usbmodem",
			"/dev/cu.SLAB_USBtoUART",
		}
	default:
		return []string{}
	}
}
