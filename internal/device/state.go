// Package device holds the frame's process-wide state value.
//
// The state is initialized at boot and replaced wholesale on every change.
// Only the scheduler and the ingest coordinator write it; everything else,
// including HTTP handlers on other goroutines, reads snapshots.
package device

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Mode is what the frame is doing. Exactly one is active at a time.
type Mode int

const (
	Idle Mode = iota
	ShowingStill
	PlayingAnimation
	Ingesting
	Faulted
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case ShowingStill:
		return "showing_still"
	case PlayingAnimation:
		return "playing_animation"
	case Ingesting:
		return "ingesting"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Stable reports whether the mode is one the frame can return to after a
// transient operation.
func (m Mode) Stable() bool {
	return m == Idle || m == ShowingStill
}

// Asset is one of the two single-slot content classes.
type Asset int

const (
	Still Asset = iota
	Animation
)

func (a Asset) String() string {
	switch a {
	case Still:
		return "still"
	case Animation:
		return "animation"
	default:
		return fmt.Sprintf("asset(%d)", int(a))
	}
}

// State is the consolidated device state.
type State struct {
	Mode        Mode   `json:"mode"`
	FaultReason string `json:"fault_reason,omitempty"`

	StillPresent      bool `json:"still_present"`
	AnimationPresent  bool `json:"animation_present"`
	StillReceived     bool `json:"still_received"`
	AnimationReceived bool `json:"animation_received"`

	LastDecodeCode    int    `json:"last_decode_code"`
	LastDecodeMessage string `json:"last_decode_message,omitempty"`

	Loop           bool          `json:"loop"`
	Frames         uint64        `json:"frames"`
	LastFrameDelay time.Duration `json:"-"`
	LastAnimError  int           `json:"last_anim_error"`

	UploadBytes   uint32 `json:"upload_bytes"`
	UploadMessage string `json:"upload_message,omitempty"`
}

// Store guards the current State.
type Store struct {
	mu sync.RWMutex
	st State
}

// NewStore returns a store holding the initial state.
func NewStore(initial State) *Store {
	return &Store{st: initial}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// Update derives a new state from the current one and replaces it.
func (s *Store) Update(fn func(State) State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = fn(s.st)
	return s.st
}

// SetMode replaces the mode, clearing the fault reason.
func (s *Store) SetMode(m Mode) {
	s.Update(func(st State) State {
		st.Mode = m
		st.FaultReason = ""
		return st
	})
}

// Fault enters Faulted with a reason.
func (s *Store) Fault(reason string) {
	s.Update(func(st State) State {
		st.Mode = Faulted
		st.FaultReason = reason
		return st
	})
}

// Mode returns the current mode.
func (s *Store) Mode() Mode {
	return s.Snapshot().Mode
}
