// Package schema validates published events against JSON schemas.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/xeipuuv/gojsonschema"

	"ai-voice-session-controller/internal/models"
)

const phaseTransitionSchema = `{
  "type": "object",
  "required": ["eventType", "sessionId", "conversationId", "from", "to", "timestamp"],
  "properties": {
    "eventType": {"const": "voice.session.phase_changed"},
    "sessionId": {"type": "string", "minLength": 1},
    "conversationId": {"type": "string", "minLength": 1},
    "from": {"enum": ["idle", "connecting", "listening", "recording", "processing", "speaking"]},
    "to": {"enum": ["idle", "connecting", "listening", "recording", "processing", "speaking"]},
    "reason": {"type": "string"},
    "timestamp": {"type": "integer", "minimum": 0}
  }
}`

const turnCompletedSchema = `{
  "type": "object",
  "required": ["eventType", "sessionId", "conversationId", "turnId", "mode", "outcome", "timestamp"],
  "properties": {
    "eventType": {"const": "voice.turn.completed"},
    "sessionId": {"type": "string", "minLength": 1},
    "conversationId": {"type": "string", "minLength": 1},
    "turnId": {"type": "string", "minLength": 1},
    "mode": {"enum": ["chat", "dictation"]},
    "outcome": {"enum": ["completed", "interrupted", "failed", "empty"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "audioBytes": {"type": "integer", "minimum": 0},
    "speechMs": {"type": "integer", "minimum": 0},
    "latencyMs": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "integer", "minimum": 0}
  }
}`

// ErrUnknownEvent is returned for event types without a schema.
var ErrUnknownEvent = errors.New("no schema for event")

// ValidationError lists the schema violations of one event.
type ValidationError struct {
	EventType string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s failed validation: %s", e.EventType, strings.Join(e.Problems, "; "))
}

// Validator checks events before they are published.
type Validator struct {
	once    sync.Once
	err     error
	schemas map[string]*gojsonschema.Schema
}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) compile() error {
	v.once.Do(func() {
		v.schemas = make(map[string]*gojsonschema.Schema)
		for eventType, src := range map[string]string{
			models.EventTypePhaseChanged:  phaseTransitionSchema,
			models.EventTypeTurnCompleted: turnCompletedSchema,
		} {
			s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
			if err != nil {
				v.err = fmt.Errorf("compile %s schema: %w", eventType, err)
				return
			}
			v.schemas[eventType] = s
		}
	})
	return v.err
}

// Validate checks a models event against its schema.
func (v *Validator) Validate(event any) error {
	if err := v.compile(); err != nil {
		return err
	}

	var eventType string
	switch e := event.(type) {
	case models.PhaseTransition:
		eventType = e.EventType
	case *models.PhaseTransition:
		eventType = e.EventType
	case models.TurnCompleted:
		eventType = e.EventType
	case *models.TurnCompleted:
		eventType = e.EventType
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
	s, ok := v.schemas[eventType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}

	payload, err := sonic.Marshal(event)
	if err != nil {
		return err
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("validate %s: %w", eventType, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		problems[i] = desc.String()
	}
	return &ValidationError{EventType: eventType, Problems: problems}
}
