package schema

import (
	"errors"
	"testing"

	"ai-voice-session-controller/internal/models"
)

func validPhase() models.PhaseTransition {
	return models.PhaseTransition{
		EventType:      models.EventTypePhaseChanged,
		SessionID:      "s-1",
		ConversationID: "c-1",
		From:           "listening",
		To:             "recording",
		Timestamp:      1700000000000,
	}
}

func validTurn() models.TurnCompleted {
	return models.TurnCompleted{
		EventType:      models.EventTypeTurnCompleted,
		SessionID:      "s-1",
		ConversationID: "c-1",
		TurnID:         "s-1-turn-1",
		Mode:           "chat",
		Outcome:        models.OutcomeCompleted,
		Confidence:     0.9,
		Timestamp:      1700000000000,
	}
}

func TestValidator_Valid(t *testing.T) {
	v := New()
	if err := v.Validate(validPhase()); err != nil {
		t.Errorf("phase event: %v", err)
	}
	turn := validTurn()
	if err := v.Validate(&turn); err != nil {
		t.Errorf("turn event: %v", err)
	}
}

func TestValidator_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		event any
	}{
		{"unknown phase", func() any { e := validPhase(); e.To = "sleeping"; return e }()},
		{"missing session", func() any { e := validPhase(); e.SessionID = ""; return e }()},
		{"wrong event type", func() any { e := validPhase(); e.EventType = models.EventTypeTurnCompleted; return e }()},
		{"bad outcome", func() any { e := validTurn(); e.Outcome = "maybe"; return e }()},
		{"confidence out of range", func() any { e := validTurn(); e.Confidence = 1.5; return e }()},
		{"bad mode", func() any { e := validTurn(); e.Mode = "karaoke"; return e }()},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.event)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(vErr.Problems) == 0 {
				t.Error("expected at least one problem")
			}
		})
	}
}

func TestValidator_UnknownEvent(t *testing.T) {
	if err := New().Validate(map[string]string{"eventType": "x"}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}
