package scheduler

import (
	"sync"
	"time"
)

// Switch is the operator-owned flag deciding whether scheduled runs may trade.
type Switch struct {
	mu        sync.RWMutex
	enabled   bool
	changedAt time.Time
}

// Status is a point-in-time view of a Switch.
type Status struct {
	Enabled   bool      `json:"enabled"`
	ChangedAt time.Time `json:"changed_at"`
}

// NewSwitch returns a switch in the given state.
func NewSwitch(enabled bool) *Switch {
	return &Switch{enabled: enabled, changedAt: time.Now().UTC()}
}

// Enable allows scheduled runs.
func (s *Switch) Enable() Status {
	return s.set(true)
}

// Disable blocks scheduled runs. A run already in progress is not interrupted.
func (s *Switch) Disable() Status {
	return s.set(false)
}

// Enabled reports the current state.
func (s *Switch) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Status reports the state and when it last changed.
func (s *Switch) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Enabled: s.enabled, ChangedAt: s.changedAt}
}

func (s *Switch) set(enabled bool) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled != enabled {
		s.enabled = enabled
		s.changedAt = time.Now().UTC()
	}
	return Status{Enabled: s.enabled, ChangedAt: s.changedAt}
}
