package eventhandler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

type fakeCache struct {
	invalidated []string
	purges      int
}

func (f *fakeCache) InvalidateStudent(_ context.Context, id string) {
	f.invalidated = append(f.invalidated, id)
}

func (f *fakeCache) Purge() { f.purges++ }

type fakePeers struct {
	published []string
	err       error
}

func (f *fakePeers) Publish(_ context.Context, id string) error {
	f.published = append(f.published, id)
	return f.err
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestOnSessionsChanged(t *testing.T) {
	c := &fakeCache{}
	peers := &fakePeers{}
	h := eventhandler.NewOnSessionsChangedHandler(c, peers, quiet)

	require.NoError(t, h.Handle(shared.NewSessionsChangedEvent("st1", eventhandler.OriginDatabase)))
	require.NoError(t, h.Handle(shared.NewSessionsChangedEvent("st2", eventhandler.OriginPeer)))
	require.NoError(t, h.Handle(shared.NewPolicyReloadedEvent("v2")))

	assert.Equal(t, []string{"st1", "st2"}, c.invalidated)
	assert.Equal(t, []string{"st1"}, peers.published, "peer events are not relayed back")
}

func TestOnSessionsChanged_RelayFailure(t *testing.T) {
	c := &fakeCache{}
	down := errors.New("redis down")
	h := eventhandler.NewOnSessionsChangedHandler(c, &fakePeers{err: down}, quiet)

	err := h.Handle(shared.NewSessionsChangedEvent("st1", eventhandler.OriginLocal))
	assert.ErrorIs(t, err, down)
	assert.Equal(t, []string{"st1"}, c.invalidated, "local invalidation happens first")
}

func TestOnSessionsChanged_SingleInstance(t *testing.T) {
	c := &fakeCache{}
	h := eventhandler.NewOnSessionsChangedHandler(c, nil, nil)
	require.NoError(t, h.Handle(shared.NewSessionsChangedEvent("st1", eventhandler.OriginDatabase)))
	assert.Len(t, c.invalidated, 1)
}

func TestOnPolicyReloaded(t *testing.T) {
	c := &fakeCache{}
	h := eventhandler.NewOnPolicyReloadedHandler(c, quiet)

	require.NoError(t, h.Handle(shared.NewPolicyReloadedEvent("v2")))
	require.NoError(t, h.Handle(shared.NewSessionsChangedEvent("st1", "")))
	assert.Equal(t, 1, c.purges)
}
