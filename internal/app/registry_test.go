package app

import (
	"testing"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBindRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Bind(newSession("a", domain.RolePublish, "")))

	err := r.Bind(newSession("a", domain.RoleSubscribe, "peer"))
	assert.ErrorIs(t, err, domain.ErrDuplicateLeg)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRebind(t *testing.T) {
	r := NewRegistry()
	s := newSession("req-1", domain.RoleSubscribe, "peer")
	other := newSession("taken", domain.RoleSubscribe, "peer-2")
	require.NoError(t, r.Bind(s))
	require.NoError(t, r.Bind(other))

	assert.ErrorIs(t, r.Rebind(s, "taken"), domain.ErrDuplicateLeg)
	require.NoError(t, r.Rebind(s, "srv-1"))

	_, ok := r.Get("req-1")
	assert.False(t, ok)
	got, ok := r.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, domain.StreamID("srv-1"), s.StreamID())

	stray := newSession("stray", domain.RoleSubscribe, "")
	assert.Error(t, r.Rebind(stray, "elsewhere"))
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()
	pub := newSession("pub", domain.RolePublish, "")
	sub := newSession("sub", domain.RoleSubscribe, "peer-a")
	require.NoError(t, r.Bind(pub))
	require.NoError(t, r.Bind(sub))

	_, ok := r.PendingPublish()
	assert.False(t, ok, "created is not waiting for an answer yet")
	require.True(t, pub.transition(domain.StateOfferSent))
	got, ok := r.PendingPublish()
	require.True(t, ok)
	assert.Same(t, pub, got)

	pub.bind("self")
	_, ok = r.PendingPublish()
	assert.False(t, ok)

	require.True(t, sub.transition(domain.StateOfferRequested))
	got, ok = r.AwaitingOffer("peer-a")
	require.True(t, ok)
	assert.Same(t, sub, got)
	_, ok = r.AwaitingOffer("peer-b")
	assert.False(t, ok)

	assert.Len(t, r.SubscriptionsOf("peer-a"), 1)
	assert.Empty(t, r.SubscriptionsOf("peer-b"))
}

func TestRegistrySnapshotOrderAndDrain(t *testing.T) {
	r := NewRegistry()
	for _, sid := range []domain.StreamID{"z", "a", "m"} {
		require.NoError(t, r.Bind(newSession(sid, domain.RoleSubscribe, "p")))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, domain.StreamID("z"), snap[0].StreamID)
	assert.Equal(t, domain.StreamID("m"), snap[2].StreamID)

	drained := r.Drain()
	assert.Len(t, drained, 3)
	assert.Zero(t, r.Len())
	r.Unbind("z")
}

func TestSessionTransitionRejectsInvalid(t *testing.T) {
	s := newSession("x", domain.RolePublish, "")
	assert.False(t, s.transition(domain.StateConnected))
	assert.Equal(t, domain.StateCreated, s.State())

	assert.True(t, s.markClosed(nil))
	assert.False(t, s.markClosed(nil))
	assert.False(t, s.transition(domain.StateOfferSent))
}
