package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	s := New("conv-1")

	if s.ID == "" {
		t.Error("expected generated session ID")
	}
	if s.ConversationID != "conv-1" {
		t.Errorf("expected conv-1, got %s", s.ConversationID)
	}
	if s.Phase != PhaseIdle {
		t.Errorf("expected PhaseIdle, got %v", s.Phase)
	}
	if s.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}

	other := New("conv-1")
	if other.ID == s.ID {
		t.Error("expected distinct session IDs")
	}
}

func TestTurnIDs_Next(t *testing.T) {
	gen := NewTurnIDs()

	if got := gen.Next("s-1"); got != "s-1-turn-1" {
		t.Errorf("expected 's-1-turn-1', got %s", got)
	}
	if got := gen.Next("s-1"); got != "s-1-turn-2" {
		t.Errorf("expected 's-1-turn-2', got %s", got)
	}
}

func TestTurnIDs_ThreadSafety(t *testing.T) {
	gen := NewTurnIDs()
	numGoroutines := 50
	perGoroutine := 20

	var wg sync.WaitGroup
	results := make(chan string, numGoroutines*perGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- gen.Next("s")
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		if seen[id] {
			t.Errorf("duplicate turn ID: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != numGoroutines*perGoroutine {
		t.Errorf("expected %d unique IDs, got %d", numGoroutines*perGoroutine, len(seen))
	}
	if !seen[fmt.Sprintf("s-turn-%d", numGoroutines*perGoroutine)] {
		t.Error("expected counter to reach the total")
	}
}
