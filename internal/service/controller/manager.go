package controller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/observability/logging"
)

var ErrUnknownConversation = errors.New("no voice session for conversation")

// Registry is the cross-process claim on a conversation.
// *registry.Registry implements it.
type Registry interface {
	Acquire(ctx context.Context, conversationID, owner string) error
	Refresh(ctx context.Context, conversationID, owner string) error
	Release(ctx context.Context, conversationID, owner string) error
}

// Factory builds the controller for a new conversation session.
type Factory func(conversationID string) (*Controller, error)

// Manager keeps exactly one controller per conversation.
type Manager struct {
	newSession   Factory
	registry     Registry
	refreshEvery time.Duration
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Controller
	opening  map[string]chan struct{} // closed when the pending open finishes
	closed   bool
}

// NewManager creates a manager. registry may be nil; refreshEvery <= 0
// disables claim refresh.
func NewManager(factory Factory, registry Registry, refreshEvery time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		newSession:   factory,
		registry:     registry,
		refreshEvery: refreshEvery,
		logger:       logging.WithComponent("session-manager"),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*Controller),
		opening:      make(map[string]chan struct{}),
	}
}

// Open returns the conversation's session, creating and starting it if
// none exists. created reports whether a new session was made. The
// registry claim is taken without holding the manager lock; concurrent
// opens of the same conversation wait for the first.
func (m *Manager) Open(ctx context.Context, conversationID string) (ctrl *Controller, created bool, err error) {
	m.mu.Lock()
	for {
		if ctrl, ok := m.sessions[conversationID]; ok {
			m.mu.Unlock()
			return ctrl, false, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false, ErrClosed
		}
		wait, ok := m.opening[conversationID]
		if !ok {
			break
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		m.mu.Lock()
	}
	done := make(chan struct{})
	m.opening[conversationID] = done
	m.mu.Unlock()

	ctrl, err = m.claim(ctx, conversationID)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.opening, conversationID)
	close(done)
	if err != nil {
		return nil, false, err
	}
	if m.closed {
		go m.release(ctrl)
		return nil, false, ErrClosed
	}
	m.sessions[conversationID] = ctrl

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		ctrl.Run(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.watch(ctrl)
	}()

	m.logger.Info().
		Str("conversationId", conversationID).
		Str("sessionId", ctrl.ID()).
		Msg("Voice session opened")
	return ctrl, true, nil
}

// claim builds the session and takes the registry claim for it.
func (m *Manager) claim(ctx context.Context, conversationID string) (*Controller, error) {
	ctrl, err := m.newSession(conversationID)
	if err != nil {
		return nil, err
	}
	if m.registry != nil {
		if err := m.registry.Acquire(ctx, conversationID, ctrl.ID()); err != nil {
			return nil, err
		}
	}
	return ctrl, nil
}

// Get returns the conversation's session.
func (m *Manager) Get(conversationID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return ctrl, nil
}

// List returns the conversations with an open session.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes and forgets the conversation's session.
func (m *Manager) Close(ctx context.Context, conversationID string) error {
	ctrl, err := m.Get(conversationID)
	if err != nil {
		return err
	}
	if err := ctrl.Close(ctx); err != nil {
		return err
	}
	m.forget(ctrl)
	return nil
}

// Shutdown closes every session and waits for their loops to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		ctrls = append(ctrls, c)
	}
	m.mu.Unlock()

	for _, c := range ctrls {
		if err := c.Close(ctx); err != nil {
			m.logger.Warn().Err(err).Str("sessionId", c.ID()).Msg("Failed to close voice session")
		}
		m.forget(c)
	}
	m.cancel()
	m.wg.Wait()
}

// watch keeps the registry claim alive and drops the session when its loop ends.
func (m *Manager) watch(ctrl *Controller) {
	var tick <-chan time.Time
	if m.registry != nil && m.refreshEvery > 0 {
		t := time.NewTicker(m.refreshEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctrl.Done():
			m.forget(ctrl)
			return
		case <-tick:
			ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
			err := m.registry.Refresh(ctx, ctrl.ConversationID(), ctrl.ID())
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Str("sessionId", ctrl.ID()).Msg("Failed to refresh session claim")
			}
		}
	}
}

// forget removes ctrl from the map and releases its claim. Idempotent.
func (m *Manager) forget(ctrl *Controller) {
	m.mu.Lock()
	cur, ok := m.sessions[ctrl.ConversationID()]
	if !ok || cur != ctrl {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, ctrl.ConversationID())
	m.mu.Unlock()

	m.release(ctrl)
	m.logger.Info().
		Str("conversationId", ctrl.ConversationID()).
		Str("sessionId", ctrl.ID()).
		Msg("Voice session removed")
}

func (m *Manager) release(ctrl *Controller) {
	if m.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.registry.Release(ctx, ctrl.ConversationID(), ctrl.ID()); err != nil {
		m.logger.Warn().Err(err).Str("sessionId", ctrl.ID()).Msg("Failed to release session claim")
	}
}
