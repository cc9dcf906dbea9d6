package interrupt

import (
	"testing"
	"time"

	"ai-voice-session-controller/internal/service/session"
	"ai-voice-session-controller/internal/service/vad"
)

var (
	start = vad.SpeechEvent{Kind: vad.SpeechStart, TimestampMs: 200}
	end   = vad.SpeechEvent{Kind: vad.SpeechEnd, TimestampMs: 1800, DurationMs: 1600}
)

func TestCoordinator_Manual(t *testing.T) {
	tests := []struct {
		phase      session.Phase
		wantAction Action
		wantTarget session.Phase
	}{
		{session.PhaseIdle, ActionNone, session.PhaseIdle},
		{session.PhaseConnecting, ActionTransition, session.PhaseIdle},
		{session.PhaseListening, ActionTransition, session.PhaseIdle},
		{session.PhaseRecording, ActionTransition, session.PhaseListening},
		{session.PhaseProcessing, ActionTransition, session.PhaseListening},
		{session.PhaseSpeaking, ActionTransition, session.PhaseListening},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			c := New(DefaultConfig(), ModeAutomatic)
			d := c.Manual(tt.phase)
			if d.Action != tt.wantAction {
				t.Fatalf("action = %v, want %v", d.Action, tt.wantAction)
			}
			if d.Action == ActionTransition {
				if d.Target != tt.wantTarget {
					t.Errorf("target = %v, want %v", d.Target, tt.wantTarget)
				}
				if !d.StopPlayback || !d.AbortCapture || !d.CancelRequests {
					t.Errorf("manual interrupt must stop everything: %+v", d)
				}
			}
		})
	}
}

func TestCoordinator_ManualWinsInEveryMode(t *testing.T) {
	for _, mode := range []Mode{ModeAutomatic, ModeManualOnly, ModeDisabled} {
		c := New(DefaultConfig(), mode)
		d := c.Manual(session.PhaseSpeaking)
		if d.Action != ActionTransition || !d.StopPlayback {
			t.Errorf("mode %v: manual interrupt while speaking should stop playback, got %+v", mode, d)
		}
	}
}

func TestCoordinator_ManualDisarmsPendingConfirmation(t *testing.T) {
	c := New(DefaultConfig(), ModeAutomatic)
	armed := c.Speech(session.PhaseListening, start)
	if armed.Action != ActionArmConfirm {
		t.Fatalf("expected confirmation armed, got %v", armed.Action)
	}

	c.Manual(session.PhaseListening)

	if d := c.ConfirmElapsed(session.PhaseListening, armed.Gen); d.Action != ActionNone {
		t.Errorf("confirmation must not fire after a manual interrupt, got %+v", d)
	}
}

func TestCoordinator_BargeIn(t *testing.T) {
	c := New(DefaultConfig(), ModeAutomatic)
	d := c.Speech(session.PhaseSpeaking, start)

	if d.Action != ActionTransition || d.Target != session.PhaseListening {
		t.Fatalf("expected transition to listening, got %+v", d)
	}
	if !d.StopPlayback {
		t.Error("barge-in must stop playback")
	}
	if d.StartRecording {
		t.Error("barge-in must not start recording by itself")
	}
}

func TestCoordinator_ConfirmedSpeechStartsRecording(t *testing.T) {
	c := New(DefaultConfig(), ModeAutomatic)

	armed := c.Speech(session.PhaseListening, start)
	if armed.Action != ActionArmConfirm || armed.Delay != 200*time.Millisecond {
		t.Fatalf("expected 200ms confirmation, got %+v", armed)
	}
	if again := c.Speech(session.PhaseListening, start); again.Action != ActionNone {
		t.Errorf("a second start must not re-arm, got %v", again.Action)
	}

	d := c.ConfirmElapsed(session.PhaseListening, armed.Gen)
	if d.Action != ActionTransition || d.Target != session.PhaseRecording || !d.StartRecording {
		t.Errorf("expected recording to start, got %+v", d)
	}
}

func TestCoordinator_ShortNoiseDoesNotRecord(t *testing.T) {
	c := New(DefaultConfig(), ModeAutomatic)

	armed := c.Speech(session.PhaseListening, start)
	if d := c.Speech(session.PhaseListening, end); d.Action != ActionDisarm {
		t.Fatalf("expected disarm on early end, got %+v", d)
	}
	if d := c.ConfirmElapsed(session.PhaseListening, armed.Gen); d.Action != ActionNone {
		t.Errorf("disarmed confirmation must not start recording, got %+v", d)
	}
}

func TestCoordinator_SilenceThreshold(t *testing.T) {
	c := New(DefaultConfig(), ModeAutomatic)

	first := c.Speech(session.PhaseRecording, end)
	if first.Action != ActionArmSilence {
		t.Fatalf("expected silence armed, got %+v", first)
	}
	if d := c.Speech(session.PhaseRecording, start); d.Action != ActionDisarm {
		t.Fatalf("expected speech to disarm silence, got %+v", d)
	}
	if d := c.SilenceElapsed(session.PhaseRecording, first.Gen); d.Action != ActionNone {
		t.Errorf("disarmed silence must not finalize, got %+v", d)
	}

	second := c.Speech(session.PhaseRecording, end)
	d := c.SilenceElapsed(session.PhaseRecording, second.Gen)
	if d.Action != ActionTransition || d.Target != session.PhaseProcessing || !d.FinalizeRecording {
		t.Errorf("expected finalize after silence, got %+v", d)
	}
}

func TestCoordinator_ZeroWindowsActImmediately(t *testing.T) {
	c := New(Config{}, ModeAutomatic)

	if d := c.Speech(session.PhaseListening, start); !d.StartRecording {
		t.Errorf("zero confirm window should start recording at once, got %+v", d)
	}
	if d := c.Speech(session.PhaseRecording, end); !d.FinalizeRecording {
		t.Errorf("zero silence threshold should finalize at once, got %+v", d)
	}
}

func TestCoordinator_AutomaticIgnoredWhenDegraded(t *testing.T) {
	tests := []struct {
		mode  Mode
		phase session.Phase
		ev    vad.SpeechEvent
	}{
		{ModeManualOnly, session.PhaseSpeaking, start},
		{ModeManualOnly, session.PhaseListening, start},
		{ModeDisabled, session.PhaseRecording, end},
		{ModeDisabled, session.PhaseSpeaking, start},
	}

	for _, tt := range tests {
		c := New(DefaultConfig(), tt.mode)
		if d := c.Speech(tt.phase, tt.ev); d.Action != ActionNone {
			t.Errorf("mode %v phase %v: expected automatic signal ignored, got %+v", tt.mode, tt.phase, d)
		}
	}
}

func TestCoordinator_SetModeDisarms(t *testing.T) {
	c := New(DefaultConfig(), ModeAutomatic)
	armed := c.Speech(session.PhaseListening, start)

	c.SetMode(ModeManualOnly)

	if confirm, _ := c.Armed(); confirm {
		t.Error("degrading should disarm the confirmation timer")
	}
	if d := c.ConfirmElapsed(session.PhaseListening, armed.Gen); d.Action != ActionNone {
		t.Errorf("expected stale confirmation, got %+v", d)
	}
}

func TestCoordinator_StaleGeneration(t *testing.T) {
	c := New(DefaultConfig(), ModeAutomatic)
	first := c.Speech(session.PhaseRecording, end)
	second := c.Speech(session.PhaseRecording, end)

	if d := c.SilenceElapsed(session.PhaseRecording, first.Gen); d.Action != ActionNone {
		t.Errorf("superseded timer must be ignored, got %+v", d)
	}
	if d := c.SilenceElapsed(session.PhaseRecording, second.Gen); d.Action != ActionTransition {
		t.Errorf("current timer should finalize, got %+v", d)
	}
}
