package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-voice-session-controller/internal/registry"
	"ai-voice-session-controller/internal/service/capture/capturetest"
	"ai-voice-session-controller/internal/service/session"
)

func testFactory(conversationID string) (*Controller, error) {
	return New(conversationID, DefaultConfig(), Deps{
		Opener:    capturetest.NewDevice(),
		Backend:   &manualBackend{},
		Processor: &fakeProcessor{},
	}), nil
}

func TestManager_OneSessionPerConversation(t *testing.T) {
	reg := registry.New(nil)
	m := NewManager(testFactory, reg, 0)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	a, created, err := m.Open(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := m.Open(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, a, again)

	b, _, err := m.Open(ctx, "conv-2")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, []string{"conv-1", "conv-2"}, m.List())

	owner, ok, err := reg.Owner(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, a.ID(), owner)
}

func TestManager_RegistryConflict(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	require.NoError(t, reg.Acquire(ctx, "conv-1", "another-instance"))

	m := NewManager(testFactory, reg, 0)
	defer m.Shutdown(ctx)

	_, _, err := m.Open(ctx, "conv-1")
	assert.ErrorIs(t, err, registry.ErrConflict)
	assert.Empty(t, m.List())
}

func TestManager_CloseForgetsAndReleases(t *testing.T) {
	reg := registry.New(nil)
	m := NewManager(testFactory, reg, 0)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	ctrl, _, err := m.Open(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, ctrl.Begin(ctx))

	require.NoError(t, m.Close(ctx, "conv-1"))
	<-ctrl.Done()

	_, err = m.Get("conv-1")
	assert.ErrorIs(t, err, ErrUnknownConversation)
	assert.ErrorIs(t, m.Close(ctx, "conv-1"), ErrUnknownConversation)

	_, ok, err := reg.Owner(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, ok)

	next, created, err := m.Open(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, ctrl.ID(), next.ID())
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(testFactory, nil, 10*time.Millisecond)
	ctx := context.Background()

	ctrl, _, err := m.Open(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, ctrl.Begin(ctx))
	snap, err := ctrl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseListening, snap.Phase)

	m.Shutdown(ctx)

	select {
	case <-ctrl.Done():
	default:
		t.Fatal("session loop still running after shutdown")
	}
	assert.Empty(t, m.List())
	_, _, err = m.Open(ctx, "conv-2")
	assert.ErrorIs(t, err, ErrClosed)
}

// slowRegistry holds Acquire for one conversation until release is closed.
type slowRegistry struct {
	*registry.Registry
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (r *slowRegistry) Acquire(ctx context.Context, conversationID, owner string) error {
	if conversationID == r.slow {
		r.entered <- struct{}{}
		<-r.release
	}
	return r.Registry.Acquire(ctx, conversationID, owner)
}

func TestManager_SlowClaimDoesNotBlockOtherConversations(t *testing.T) {
	reg := &slowRegistry{
		Registry: registry.New(nil),
		slow:     "conv-1",
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	m := NewManager(testFactory, reg, 0)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	type result struct {
		ctrl    *Controller
		created bool
		err     error
	}
	first := make(chan result, 1)
	go func() {
		ctrl, created, err := m.Open(ctx, "conv-1")
		first <- result{ctrl, created, err}
	}()
	<-reg.entered

	second := make(chan result, 1)
	go func() {
		ctrl, created, err := m.Open(ctx, "conv-1")
		second <- result{ctrl, created, err}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := m.Open(ctx, "conv-2")
		assert.NoError(t, err)
		assert.Equal(t, []string{"conv-2"}, m.List())
		_, err = m.Get("conv-1")
		assert.ErrorIs(t, err, ErrUnknownConversation)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("other conversations blocked behind a pending claim")
	}

	close(reg.release)
	a := <-first
	require.NoError(t, a.err)
	assert.True(t, a.created)
	b := <-second
	require.NoError(t, b.err)
	assert.False(t, b.created)
	assert.Same(t, a.ctrl, b.ctrl)
}
