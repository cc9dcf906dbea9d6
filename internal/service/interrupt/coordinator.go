// Package interrupt reconciles manual interrupt requests and VAD speech
// boundaries into a single decision for the session controller.
package interrupt

import (
	"fmt"
	"sync"
	"time"

	"ai-voice-session-controller/internal/service/session"
	"ai-voice-session-controller/internal/service/vad"
)

// Mode is how automatic signals are treated.
type Mode int

const (
	// ModeAutomatic acts on VAD speech boundaries.
	ModeAutomatic Mode = iota
	// ModeManualOnly ignores VAD signals after the channel became unavailable.
	ModeManualOnly
	// ModeDisabled ignores VAD signals because VAD is switched off.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeManualOnly:
		return "manual_only"
	case ModeDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// MarshalText renders the mode by name in JSON payloads.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Action is what the controller must do with a Decision.
type Action int

const (
	ActionNone Action = iota
	// ActionTransition moves the machine to Decision.Target.
	ActionTransition
	// ActionArmConfirm starts the speech confirmation timer.
	ActionArmConfirm
	// ActionArmSilence starts the silence timer.
	ActionArmSilence
	// ActionDisarm cancels any armed timer.
	ActionDisarm
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionTransition:
		return "transition"
	case ActionArmConfirm:
		return "arm_confirm"
	case ActionArmSilence:
		return "arm_silence"
	case ActionDisarm:
		return "disarm"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Decision is the single authoritative outcome of one signal.
type Decision struct {
	Action Action
	Target session.Phase

	StopPlayback      bool
	AbortCapture      bool
	CancelRequests    bool
	StartRecording    bool
	FinalizeRecording bool

	// Delay and Gen describe an armed timer. The controller reports
	// expiry with the same Gen.
	Delay time.Duration
	Gen   uint64

	Reason string
}

// Config holds the automatic timing windows.
type Config struct {
	// SpeechConfirm is how long a speech start must go without a speech
	// end before recording starts. Zero starts recording immediately.
	SpeechConfirm time.Duration
	// SilenceThreshold is how long after a speech end recording is
	// finalized, unless speech resumes. Zero finalizes immediately.
	SilenceThreshold time.Duration
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		SpeechConfirm:    200 * time.Millisecond,
		SilenceThreshold: 800 * time.Millisecond,
	}
}

type timerKind int

const (
	timerNone timerKind = iota
	timerConfirm
	timerSilence
)

// Coordinator holds the interrupt policy and any armed timer.
type Coordinator struct {
	cfg Config

	mu    sync.Mutex
	mode  Mode
	armed timerKind
	gen   uint64
}

// New creates a coordinator.
func New(cfg Config, mode Mode) *Coordinator {
	return &Coordinator{cfg: cfg, mode: mode}
}

// Mode returns the current mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode changes the mode. Leaving automatic mode disarms any timer.
func (c *Coordinator) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
	if m != ModeAutomatic {
		c.armed = timerNone
	}
}

// Reset disarms any pending timer.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.armed = timerNone
	c.mu.Unlock()
}

// Armed reports which timer, if any, is pending.
func (c *Coordinator) Armed() (confirm, silence bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed == timerConfirm, c.armed == timerSilence
}

// Manual handles an explicit interrupt. It always wins over automatic
// signals and disarms any pending timer.
func (c *Coordinator) Manual(phase session.Phase) Decision {
	c.mu.Lock()
	c.armed = timerNone
	c.mu.Unlock()

	switch phase {
	case session.PhaseSpeaking, session.PhaseProcessing, session.PhaseRecording:
		return Decision{
			Action:         ActionTransition,
			Target:         session.PhaseListening,
			StopPlayback:   true,
			AbortCapture:   true,
			CancelRequests: true,
			Reason:         "manual interrupt",
		}
	case session.PhaseConnecting, session.PhaseListening:
		return Decision{
			Action:         ActionTransition,
			Target:         session.PhaseIdle,
			StopPlayback:   true,
			AbortCapture:   true,
			CancelRequests: true,
			Reason:         "manual interrupt",
		}
	default:
		return Decision{Reason: "already idle"}
	}
}

// Speech handles a VAD speech boundary observed in phase.
func (c *Coordinator) Speech(phase session.Phase, ev vad.SpeechEvent) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeAutomatic {
		return Decision{Reason: "automatic interrupts " + c.mode.String()}
	}

	switch ev.Kind {
	case vad.SpeechStart:
		switch phase {
		case session.PhaseSpeaking:
			c.armed = timerNone
			return Decision{
				Action:         ActionTransition,
				Target:         session.PhaseListening,
				StopPlayback:   true,
				CancelRequests: true,
				Reason:         "barge-in",
			}
		case session.PhaseListening:
			if c.armed == timerConfirm {
				return Decision{Reason: "confirmation pending"}
			}
			if c.cfg.SpeechConfirm <= 0 {
				c.armed = timerNone
				return c.startRecording()
			}
			return c.arm(timerConfirm, c.cfg.SpeechConfirm, "speech start")
		case session.PhaseRecording:
			if c.armed == timerSilence {
				c.armed = timerNone
				return Decision{Action: ActionDisarm, Reason: "speech resumed"}
			}
		}
	case vad.SpeechEnd:
		switch phase {
		case session.PhaseListening:
			if c.armed == timerConfirm {
				c.armed = timerNone
				return Decision{Action: ActionDisarm, Reason: "speech too short"}
			}
		case session.PhaseRecording:
			if c.cfg.SilenceThreshold <= 0 {
				c.armed = timerNone
				return c.finalizeRecording()
			}
			return c.arm(timerSilence, c.cfg.SilenceThreshold, "speech end")
		}
	}
	return Decision{Reason: fmt.Sprintf("speech %s ignored in %s", ev.Kind, phase)}
}

// ConfirmElapsed handles expiry of the confirmation timer armed with gen.
func (c *Coordinator) ConfirmElapsed(phase session.Phase, gen uint64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed != timerConfirm || c.gen != gen {
		return Decision{Reason: "stale confirmation"}
	}
	c.armed = timerNone
	if phase != session.PhaseListening {
		return Decision{Reason: "confirmation outside listening"}
	}
	return c.startRecording()
}

// SilenceElapsed handles expiry of the silence timer armed with gen.
func (c *Coordinator) SilenceElapsed(phase session.Phase, gen uint64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed != timerSilence || c.gen != gen {
		return Decision{Reason: "stale silence timer"}
	}
	c.armed = timerNone
	if phase != session.PhaseRecording {
		return Decision{Reason: "silence outside recording"}
	}
	return c.finalizeRecording()
}

// arm must be called with c.mu held.
func (c *Coordinator) arm(kind timerKind, delay time.Duration, reason string) Decision {
	c.gen++
	c.armed = kind
	action := ActionArmConfirm
	if kind == timerSilence {
		action = ActionArmSilence
	}
	return Decision{Action: action, Delay: delay, Gen: c.gen, Reason: reason}
}

func (c *Coordinator) startRecording() Decision {
	return Decision{
		Action:         ActionTransition,
		Target:         session.PhaseRecording,
		StartRecording: true,
		Reason:         "speech confirmed",
	}
}

func (c *Coordinator) finalizeRecording() Decision {
	return Decision{
		Action:            ActionTransition,
		Target:            session.PhaseProcessing,
		FinalizeRecording: true,
		Reason:            "silence threshold",
	}
}
