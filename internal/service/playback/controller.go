package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/observability/logging"
	"ai-voice-session-controller/internal/observability/metrics"
)

// DoneFunc is called once when an item finishes on its own. err is nil on
// natural completion and a *PlaybackError on failure. It is never called
// for an item that was stopped.
type DoneFunc func(messageID string, err error)

type active struct {
	token   uint64
	item    Item
	handle  Handle
	started time.Time
}

// Controller plays at most one item at a time.
type Controller struct {
	backend Backend
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	token   uint64
	current *active
	last    *Item
}

// NewController creates a controller over backend.
func NewController(backend Backend) *Controller {
	return &Controller{
		backend: backend,
		logger:  logging.WithComponent("playback"),
		metrics: metrics.DefaultMetrics,
	}
}

// Play stops anything playing and starts item. Start failures are
// returned as *PlaybackError and done is not called.
func (c *Controller) Play(item Item, done DoneFunc) error {
	c.Stop()

	if len(item.Payload) == 0 {
		return c.fail(item, ErrEmptyPayload)
	}

	c.mu.Lock()
	c.token++
	token := c.token
	item.Status = StatusQueued
	cur := &active{token: token, item: item, started: time.Now()}
	c.current = cur
	c.last = &cur.item
	c.mu.Unlock()

	handle, err := c.backend.Play(item.Payload, item.MimeType, func(err error) {
		c.finished(token, err, done)
	})
	if err != nil {
		c.mu.Lock()
		if c.current == cur {
			c.current = nil
		}
		c.mu.Unlock()
		return c.fail(item, err)
	}

	c.mu.Lock()
	if c.token != token {
		// Stopped or replaced while the backend was starting.
		c.mu.Unlock()
		handle.Stop()
		return nil
	}
	if c.current != cur {
		// Finished before Play returned.
		c.mu.Unlock()
		return nil
	}
	cur.handle = handle
	cur.item.Status = StatusPlaying
	c.mu.Unlock()

	c.metrics.RecordPlaybackStarted()
	c.logger.Debug().Str("messageId", item.MessageID).Str("mimeType", item.MimeType).Msg("Playback started")
	return nil
}

// Stop halts the current item. The item is marked stopped and IsPlaying
// is false before Stop returns. Returns false if nothing was playing.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	c.token++
	cur := c.current
	c.current = nil
	if c.last != nil && c.last.Status != StatusStopped {
		c.last.Status = StatusStopped
	}
	c.mu.Unlock()

	if cur == nil {
		return false
	}
	if cur.handle != nil {
		cur.handle.Stop()
	}
	c.metrics.RecordPlaybackFinished("stopped")
	c.logger.Debug().
		Str("messageId", cur.item.MessageID).
		Dur("played", time.Since(cur.started)).
		Msg("Playback stopped")
	return true
}

// IsPlaying reports whether an item is currently playing.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Current returns the most recent item and its status.
func (c *Controller) Current() (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Item{}, false
	}
	return *c.last, true
}

func (c *Controller) finished(token uint64, err error, done DoneFunc) {
	c.mu.Lock()
	cur := c.current
	if cur == nil || cur.token != token {
		// Stale completion for a stopped or replaced item.
		c.mu.Unlock()
		return
	}
	c.current = nil
	cur.item.Status = StatusStopped
	c.mu.Unlock()

	messageID := cur.item.MessageID
	if err != nil {
		err = &PlaybackError{MessageID: messageID, Err: err}
		c.metrics.RecordPlaybackFinished("error")
		c.logger.Error().Err(err).Str("messageId", messageID).Msg("Playback failed")
	} else {
		c.metrics.RecordPlaybackFinished("completed")
		c.logger.Debug().Str("messageId", messageID).Dur("played", time.Since(cur.started)).Msg("Playback completed")
	}
	if done != nil {
		done(messageID, err)
	}
}

func (c *Controller) fail(item Item, err error) error {
	c.mu.Lock()
	item.Status = StatusStopped
	c.last = &item
	c.mu.Unlock()

	pErr := &PlaybackError{MessageID: item.MessageID, Err: err}
	c.metrics.RecordPlaybackFinished("error")
	c.logger.Error().Err(err).Str("messageId", item.MessageID).Msg("Playback could not start")
	return pErr
}
