// Package power exposes the coarse power-state signal used to adapt the
// tracking cadence.
package power

import (
	"os"
	"strings"
	"sync/atomic"
)

// powerSaverPath is the platform low-power flag; absent on most hosts, in
// which case only the app-state signal applies.
const powerSaverPath = "/sys/module/battery_saver/parameters/enabled"

// State tracks whether the app is backgrounded and whether the platform
// reports a power-save mode. Safe for concurrent use.
type State struct {
	background atomic.Bool
	saverPath  string
}

func NewState() *State {
	return &State{saverPath: powerSaverPath}
}

// SetBackground records the app-state transition.
func (s *State) SetBackground(background bool) {
	s.background.Store(background)
}

// Background reports whether the app is currently backgrounded.
func (s *State) Background() bool {
	return s.background.Load()
}

// LowPower is true when the app is backgrounded or the platform reports a
// power-save mode. Detection failures default to full power.
func (s *State) LowPower() bool {
	if s.background.Load() {
		return true
	}
	data, err := os.ReadFile(s.saverPath)
	if err != nil {
		return false
	}
	value := strings.TrimSpace(string(data))
	return value == "1" || strings.EqualFold(value, "y")
}
