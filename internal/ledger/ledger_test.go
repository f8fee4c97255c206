package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/ebookstore/internal/platform/kv"
)

func newLedger(t *testing.T) (*Ledger, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
	l, err := New(store, WithClock(func() time.Time {
		at = at.Add(time.Second)
		return at
	}))
	require.NoError(t, err)
	return l, store
}

func TestAppendPrependsAndPartitions(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	first, err := l.Append(ctx, "u1", Record{ItemID: "disc1", Status: StatusSuccess, PaymentID: "pay_1", OrderID: "order_1"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, "2025-03-14", first.Date)
	require.Equal(t, "09:26:54", first.Time)

	_, err = l.Append(ctx, "u1", Record{ItemID: "life1", Status: StatusFailed, Reason: "verification rejected"})
	require.NoError(t, err)
	_, err = l.Append(ctx, "u1", Record{ItemID: "focus1", Status: StatusSuccess})
	require.NoError(t, err)

	history := l.ListFor(ctx, "u1")
	require.Equal(t, 3, history.Len())
	require.Equal(t, []string{"focus1", "disc1"}, []string{history.Success[0].ItemID, history.Success[1].ItemID})
	require.Len(t, history.Failed, 1)
	require.Equal(t, "verification rejected", history.Failed[0].Reason)

	other := l.ListFor(ctx, "u2")
	require.Empty(t, other.Success)
	require.Empty(t, other.Failed)
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Append(context.Background(), "", Record{Status: StatusSuccess})
	require.Error(t, err)
	_, err = l.Append(context.Background(), "u1", Record{Status: "pending"})
	require.Error(t, err)
}

func TestCorruptHistoryReadsEmpty(t *testing.T) {
	ctx := context.Background()
	l, store := newLedger(t)
	require.NoError(t, store.Set(ctx, key("u1"), []byte("{not json")))

	require.Equal(t, 0, l.ListFor(ctx, "u1").Len())

	_, err := l.Append(ctx, "u1", Record{ItemID: "disc1", Status: StatusFailed})
	require.NoError(t, err)
	require.Equal(t, 1, l.ListFor(ctx, "u1").Len())
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "u1", Record{ItemID: fmt.Sprintf("item-%d", i), Status: StatusSuccess})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, l.ListFor(ctx, "u1").Success, 20)
}

func TestAppendNotifiesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l, err := New(kv.NewMemoryStore(), WithNotifier(kv.NewLocalNotifier()))
	require.NoError(t, err)

	records, stop, err := l.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer stop()

	_, err = l.Append(ctx, "u2", Record{ItemID: "other", Status: StatusSuccess})
	require.NoError(t, err)
	appended, err := l.Append(ctx, "u1", Record{ItemID: "disc1", Status: StatusFailed, Reason: "verification rejected"})
	require.NoError(t, err)

	select {
	case rec := <-records:
		require.Equal(t, appended.ID, rec.ID)
		require.Equal(t, "disc1", rec.ItemID)
		require.Equal(t, StatusFailed, rec.Status)
	case <-time.After(time.Second):
		t.Fatal("expected appended record")
	}
}

func TestSubscribeWithoutNotifier(t *testing.T) {
	l, _ := newLedger(t)
	_, _, err := l.Subscribe(context.Background(), "u1")
	require.Error(t, err)
}

func TestGuestPartition(t *testing.T) {
	owner := GuestPartition("01HBROWSER")
	require.Equal(t, "guest:01HBROWSER", owner)
	require.True(t, IsGuest(owner))
	require.False(t, IsGuest("u1"))
}
