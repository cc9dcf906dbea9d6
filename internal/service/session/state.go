// Package session provides the voice session phase machine and turn ID generation.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// Phase represents the phase of a voice session.
type Phase int

const (
	// PhaseIdle - No interaction in progress. Initial and resting phase.
	PhaseIdle Phase = iota
	// PhaseConnecting - Waiting for the VAD channel.
	PhaseConnecting
	// PhaseListening - Microphone monitored, waiting for speech or a start command.
	PhaseListening
	// PhaseRecording - Recording buffer open.
	PhaseRecording
	// PhaseProcessing - Recording handed to the voice endpoint, waiting for a reply.
	PhaseProcessing
	// PhaseSpeaking - Synthesized reply is playing.
	PhaseSpeaking
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseListening:
		return "listening"
	case PhaseRecording:
		return "recording"
	case PhaseProcessing:
		return "processing"
	case PhaseSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// MarshalText renders the phase by name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, error) {
	for p := PhaseIdle; p <= PhaseSpeaking; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PhaseIdle, fmt.Errorf("unknown phase %q", s)
}

// IsActive returns true while an interaction is in progress (any phase but idle).
func (p Phase) IsActive() bool {
	return p != PhaseIdle
}

// CapturesAudio returns true for phases in which the microphone is expected to be open.
func (p Phase) CapturesAudio() bool {
	return p == PhaseListening || p == PhaseRecording || p == PhaseSpeaking
}

// Errors for invalid transitions.
var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrSamePhase         = errors.New("session already in requested phase")
)

// transitions lists the allowed targets for every phase. Idle is reachable
// from every phase and is handled separately by Machine.Reset.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseConnecting},
	PhaseConnecting: {PhaseListening},
	PhaseListening:  {PhaseRecording},
	PhaseRecording:  {PhaseProcessing, PhaseListening},
	PhaseProcessing: {PhaseSpeaking, PhaseListening},
	PhaseSpeaking:   {PhaseListening},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Phase) bool {
	if to == PhaseIdle {
		return from != PhaseIdle
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Hook is invoked synchronously after every phase change.
type Hook func(from, to Phase)

// Machine is the single source of truth for a session's phase.
// Thread-safe for concurrent access; hooks run on the caller's goroutine
// after the lock is released.
//
// Phase transitions:
//
//	IDLE → CONNECTING → LISTENING → RECORDING → PROCESSING → SPEAKING
//	                        ▲           │            │           │
//	                        └───────────┴────────────┴───────────┘
//	any phase ──Reset()──→ IDLE
type Machine struct {
	mu    sync.RWMutex
	phase Phase
	hooks []Hook
}

// NewMachine creates a machine in the idle phase.
func NewMachine() *Machine {
	return &Machine{phase: PhaseIdle}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Is reports whether the machine is in phase p.
func (m *Machine) Is(p Phase) bool {
	return m.Phase() == p
}

// OnTransition registers a hook. Hooks run in registration order.
func (m *Machine) OnTransition(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Transition moves to phase to if the edge is allowed.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	from := m.phase
	if from == to {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSamePhase, to)
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.phase = to
	hooks := m.hooks
	m.mu.Unlock()

	for _, h := range hooks {
		h(from, to)
	}
	return nil
}

// Reset moves to idle from any phase. Idempotent.
// Returns true if the phase changed.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	from := m.phase
	if from == PhaseIdle {
		m.mu.Unlock()
		return false
	}
	m.phase = PhaseIdle
	hooks := m.hooks
	m.mu.Unlock()

	for _, h := range hooks {
		h(from, PhaseIdle)
	}
	return true
}
