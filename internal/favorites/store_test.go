package favorites

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/ebookstore/internal/platform/kv"
)

func newTestStore(t *testing.T) (*Store, *kv.MemoryStore) {
	t.Helper()
	mem := kv.NewMemoryStore()
	store, err := NewStore(mem, kv.NewLocalNotifier())
	require.NoError(t, err)
	return store, mem
}

func TestToggleRoundTripRestoresMembership(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.False(t, store.Has(ctx, "b1", "disc1"))

	on, err := store.Toggle(ctx, "b1", "disc1")
	require.NoError(t, err)
	require.True(t, on)
	require.True(t, store.Has(ctx, "b1", "disc1"))

	off, err := store.Toggle(ctx, "b1", "disc1")
	require.NoError(t, err)
	require.False(t, off)
	require.False(t, store.Has(ctx, "b1", "disc1"))
}

func TestAddRemoveAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, "b1", "life1"))
	require.NoError(t, store.Add(ctx, "b1", "life1"))
	require.NoError(t, store.Add(ctx, "b1", "disc1"))
	require.Equal(t, []string{"disc1", "life1"}, store.List(ctx, "b1"))
	require.Equal(t, 2, store.Count(ctx, "b1"))

	require.NoError(t, store.Remove(ctx, "b1", "life1"))
	require.NoError(t, store.Remove(ctx, "b1", "life1"))
	require.Equal(t, []string{"disc1"}, store.List(ctx, "b1"))

	// Other browsers are unaffected.
	require.Empty(t, store.List(ctx, "b2"))
}

func TestPersistedAcrossStoreInstances(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore(t)
	require.NoError(t, store.Add(ctx, "b1", "focus1"))

	reopened, err := NewStore(mem, nil)
	require.NoError(t, err)
	require.True(t, reopened.Has(ctx, "b1", "focus1"))
}

func TestCorruptDataReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore(t)
	require.NoError(t, mem.Set(ctx, "favorites/b1", []byte("{not json")))

	require.Empty(t, store.List(ctx, "b1"))

	// A mutation replaces the corrupt value.
	on, err := store.Toggle(ctx, "b1", "min1")
	require.NoError(t, err)
	require.True(t, on)
	require.Equal(t, []string{"min1"}, store.List(ctx, "b1"))
}

type failingStore struct{ kv.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func TestReadFailureDegradesToEmpty(t *testing.T) {
	store, err := NewStore(failingStore{kv.NewMemoryStore()}, nil)
	require.NoError(t, err)
	require.Empty(t, store.List(context.Background(), "b1"))
}

func TestMutationNotifiesOtherViews(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _ := newTestStore(t)

	changes, stop, err := store.Subscribe(ctx, "b1")
	require.NoError(t, err)
	defer stop()

	_, err = store.Toggle(ctx, "b1", "habit1")
	require.NoError(t, err)

	select {
	case change := <-changes:
		require.Equal(t, "b1", change.BrowserID)
		require.Equal(t, []string{"habit1"}, change.IDs)
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestSubscribeWithoutNotifier(t *testing.T) {
	store, err := NewStore(kv.NewMemoryStore(), nil)
	require.NoError(t, err)
	_, _, err = store.Subscribe(context.Background(), "b1")
	require.Error(t, err)
}
