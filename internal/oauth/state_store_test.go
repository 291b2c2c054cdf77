package oauth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStorePutTakeRoundTrip(t *testing.T) {
	store := NewStateStore(time.Minute)
	defer store.Close()

	userID := uuid.New()
	state, err := store.Put(PendingAuth{UserID: userID, Provider: "antigravity", Tier: "dedicated"})
	require.NoError(t, err)
	assert.Len(t, state, 32)

	pending, ok := store.Take(state)
	require.True(t, ok)
	assert.Equal(t, userID, pending.UserID)
	assert.Equal(t, "antigravity", pending.Provider)
	assert.False(t, pending.CreatedAt.IsZero())
}

func TestStateStoreTakeIsSingleUse(t *testing.T) {
	store := NewStateStore(time.Minute)
	defer store.Close()

	state, err := store.Put(PendingAuth{UserID: uuid.New(), Provider: "kiro", Tier: "shared"})
	require.NoError(t, err)

	_, ok := store.Take(state)
	require.True(t, ok)
	_, ok = store.Take(state)
	assert.False(t, ok, "a consumed state must not resolve again")
}

func TestStateStoreUnknownState(t *testing.T) {
	store := NewStateStore(time.Minute)
	defer store.Close()

	_, ok := store.Take("deadbeefdeadbeefdeadbeefdeadbeef")
	assert.False(t, ok)
}

func TestStateStoreExpiredStateRejected(t *testing.T) {
	store := NewStateStore(time.Millisecond)
	defer store.Close()

	state, err := store.Put(PendingAuth{UserID: uuid.New(), Provider: "antigravity", Tier: "shared"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, ok := store.Take(state)
	assert.False(t, ok)
}

func TestStateStoreJanitorSweepsExpired(t *testing.T) {
	store := NewStateStore(50 * time.Millisecond)
	defer store.Close()

	for i := 0; i < 3; i++ {
		_, err := store.Put(PendingAuth{UserID: uuid.New(), Provider: "antigravity", Tier: "shared"})
		require.NoError(t, err)
	}
	require.Equal(t, 3, store.Len())

	// Janitor interval floors at one second.
	assert.Eventually(t, func() bool { return store.Len() == 0 }, 3*time.Second, 50*time.Millisecond)
}
