// Package integrity produces the advisory anti-spoofing bits attached to
// every location report. The checks are heuristics, not guarantees.
package integrity

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Report carries the two independent risk bits, in the 0/1 form the
// reporting endpoint expects.
type Report struct {
	RootSuspected         int
	MockLocationSuspected int
}

// Notifier receives mock-location verdict changes so the web content can
// disable check-in controls.
type Notifier interface {
	MockLocationVerdict(suspected bool)
}

// Probe assesses the runtime environment. Hardware markers don't change
// while the process lives, so they are read once.
type Probe struct {
	notifier Notifier

	// overridable for tests
	dmiPaths []string
	cpuInfo  string
	suPaths  []string
	euid     func() int

	once     sync.Once
	cached   Report
	mu       sync.Mutex
	notified *bool
}

func NewProbe(notifier Notifier) *Probe {
	return &Probe{
		notifier: notifier,
		dmiPaths: []string{
			"/sys/class/dmi/id/product_name",
			"/sys/class/dmi/id/sys_vendor",
		},
		cpuInfo: "/proc/cpuinfo",
		suPaths: []string{"/system/bin/su", "/system/xbin/su", "/sbin/su"},
		euid:    os.Geteuid,
	}
}

// SetNotifier attaches the verdict sink. The bridge is wired after the
// probe because the uplink sits between them.
func (p *Probe) SetNotifier(n Notifier) {
	p.mu.Lock()
	p.notifier = n
	p.mu.Unlock()
}

// Assess returns the current risk bits and pushes the mock-location verdict
// over the bridge when it changes. Probe failures degrade to zero bits.
func (p *Probe) Assess() Report {
	p.once.Do(func() {
		p.cached = Report{
			RootSuspected:         boolBit(p.rootSuspected()),
			MockLocationSuspected: boolBit(p.mockSuspected()),
		}
	})

	mock := p.cached.MockLocationSuspected == 1

	p.mu.Lock()
	changed := p.notified == nil || *p.notified != mock
	if changed {
		v := mock
		p.notified = &v
	}
	notifier := p.notifier
	p.mu.Unlock()

	if changed && notifier != nil {
		log.Info().Bool("mock_suspected", mock).Msg("mock location verdict changed")
		notifier.MockLocationVerdict(mock)
	}

	return p.cached
}

var virtualizationMarkers = []string{"qemu", "kvm", "virtualbox", "vmware", "bochs", "xen", "goldfish", "ranchu"}

func (p *Probe) mockSuspected() bool {
	for _, path := range p.dmiPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		value := strings.ToLower(string(data))
		for _, marker := range virtualizationMarkers {
			if strings.Contains(value, marker) {
				return true
			}
		}
	}

	if data, err := os.ReadFile(p.cpuInfo); err == nil {
		if strings.Contains(string(data), "hypervisor") {
			return true
		}
	}
	return false
}

func (p *Probe) rootSuspected() bool {
	if p.euid() == 0 {
		return true
	}
	for _, path := range p.suPaths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}
