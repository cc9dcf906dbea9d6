// Package mock provides a scripted STT adapter for running dictation turns
// without cloud credentials. Results arrive in order: one partial per audio
// frame, then exactly one final and one end-of-utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"ai-voice-session-controller/internal/service/stt"
)

// Script is the transcript an adapter plays back.
type Script struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultScripts are cycled through by Cycling.
var DefaultScripts = []Script{
	{
		Partials:   []string{"What", "What financing", "What financing options"},
		Final:      "What financing options do you offer",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Can I", "Can I schedule", "Can I schedule a test"},
		Final:      "Can I schedule a test drive for Saturday",
		Confidence: 0.92,
	},
	{
		Partials:   []string{"Does it", "Does it come with"},
		Final:      "Does it come with a warranty",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"I'm looking", "I'm looking for"},
		Final:      "I'm looking for something with better mileage",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Thanks"},
		Final:      "Thanks that's all for now",
		Confidence: 0.98,
	},
}

// DefaultDelay is the simulated provider latency per result.
const DefaultDelay = 20 * time.Millisecond

// Adapter implements stt.Adapter with a fixed script.
type Adapter struct {
	script Script
	delay  time.Duration

	mu       sync.Mutex
	cb       stt.Callback
	queue    chan func()
	frames   int
	next     int
	finished bool
	closed   bool
}

// New creates an adapter that plays back script.
func New(script Script) *Adapter {
	return &Adapter{script: script, delay: DefaultDelay}
}

// WithDelay sets the simulated latency.
func (a *Adapter) WithDelay(d time.Duration) *Adapter {
	a.delay = d
	return a
}

// Cycling returns a factory handing out DefaultScripts in turn.
func Cycling() stt.Factory {
	var mu sync.Mutex
	n := 0
	return func(ctx context.Context) (stt.Adapter, error) {
		mu.Lock()
		script := DefaultScripts[n%len(DefaultScripts)]
		n++
		mu.Unlock()
		return New(script), nil
	}
}

// Start registers cb and starts the delivery worker.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cb != nil {
		return nil
	}
	a.cb = cb
	a.queue = make(chan func(), len(a.script.Partials)+2)
	go a.deliver(a.queue)
	return nil
}

func (a *Adapter) deliver(queue <-chan func()) {
	for f := range queue {
		time.Sleep(a.delay)
		f()
	}
}

// SendAudio emits the next partial, or the final once partials run out.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil || a.finished {
		return nil
	}
	a.frames++

	if a.next < len(a.script.Partials) {
		text := a.script.Partials[a.next]
		a.next++
		cb := a.cb
		a.queue <- func() { cb.OnPartial(text) }
		return nil
	}
	a.finish()
	return nil
}

// Close ends the session, emitting the final if it was not sent yet.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if a.cb == nil {
		return nil
	}
	if !a.finished {
		a.finish()
	}
	close(a.queue)
	return nil
}

// Frames returns how many audio frames were received.
func (a *Adapter) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// finish must be called with a.mu held.
func (a *Adapter) finish() {
	a.finished = true
	cb := a.cb
	script := a.script
	a.queue <- func() {
		cb.OnFinal(script.Final, script.Confidence)
		cb.OnEndOfUtterance()
	}
}
