package devices

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/CPWplusAgent/internal/monitor"
	"github.com/NowakAdmin/CPWplusAgent/internal/protocol"
	"github.com/NowakAdmin/CPWplusAgent/internal/serialport"
)

// Claim is a port identified as a given scale variant. Conn stays open.
type Claim struct {
	Port       string
	Descriptor protocol.Descriptor
	Conn       *serialport.Conn
}

// Probe sends the identification command on conn and checks the answer. A
// timeout or a foreign answer is an ordinary "not this device".
func Probe(conn *serialport.Conn, desc protocol.Descriptor, log logrus.FieldLogger) bool {
	if err := conn.DeassertFlowControl(desc.SettleDelay); err != nil {
		log.Debugf("Probe %s: %v", conn.Name(), err)
		return false
	}

	if err := conn.Command(desc.IdentifyCommand, desc.Terminator); err != nil {
		log.Debugf("Probe %s: %v", conn.Name(), err)
		return false
	}
	time.Sleep(desc.CommandDelay)

	answer, err := conn.ReadLine(desc.ReadTimeout, desc.Terminator, desc.MaxAnswerSize)
	if err != nil {
		log.Debugf("Probe %s with %s: %v", conn.Name(), desc.Name, err)
		return false
	}

	log.Infof("Probe response from %s: %q", conn.Name(), answer)
	return desc.Identify(answer)
}

// ByPriority returns descs ordered highest priority first.
func ByPriority(descs []protocol.Descriptor) []protocol.Descriptor {
	ordered := append([]protocol.Descriptor(nil), descs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return ordered
}

// ClaimPort tries each descriptor on port, highest priority first, and keeps the
// connection of the first one that identifies the device.
func ClaimPort(ctx context.Context, open serialport.Opener, port string, descs []protocol.Descriptor, log logrus.FieldLogger) (claim Claim, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Probe %s panicked: %v", port, r)
			claim, ok = Claim{}, false
		}
	}()

	for _, desc := range ByPriority(descs) {
		if ctx.Err() != nil {
			return Claim{}, false
		}

		p, err := open(port, desc.Line)
		if err != nil {
			log.Debugf("Probe %s: %v", port, err)
			return Claim{}, false
		}

		conn := serialport.NewConn(port, p)
		log.Infof("Probing %s with protocol %s", port, desc.Name)

		if Probe(conn, desc, log) {
			monitor.Probes.WithLabelValues(desc.Name, "claimed").Inc()
			log.Infof("%s identified on %s", desc.Name, port)
			return Claim{Port: port, Descriptor: desc, Conn: conn}, true
		}

		monitor.Probes.WithLabelValues(desc.Name, "rejected").Inc()
		_ = conn.Close()
	}

	return Claim{}, false
}

// ClaimAll probes every port concurrently, one goroutine per port so probes of a
// single port never overlap. Results keep the order of ports.
func ClaimAll(ctx context.Context, open serialport.Opener, ports []string, descs []protocol.Descriptor, log logrus.FieldLogger) []Claim {
	results := make([]*Claim, len(ports))

	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i int, port string) {
			defer wg.Done()
			if claim, ok := ClaimPort(ctx, open, port, descs, log); ok {
				results[i] = &claim
			}
		}(i, port)
	}
	wg.Wait()

	var claims []Claim
	for _, claim := range results {
		if claim != nil {
			claims = append(claims, *claim)
		}
	}

	return claims
}
