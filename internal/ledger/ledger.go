package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/platform/kv"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

const (
	keyPrefix   = "transactions/"
	guestPrefix = "guest:"
	// MaxRecords caps the history kept per user; the oldest entries fall off.
	MaxRecords = 500
)

// GuestPartition is the ledger owner for attempts made without a session.
func GuestPartition(browserID string) string {
	return guestPrefix + browserID
}

// IsGuest reports whether owner was produced by GuestPartition.
func IsGuest(owner string) bool {
	return strings.HasPrefix(owner, guestPrefix)
}

// History is a user's records split by status, most recent first.
type History struct {
	Success []Record
	Failed  []Record
}

// Len is the total number of records.
func (h History) Len() int { return len(h.Success) + len(h.Failed) }

// Ledger stores records in a kv.Store, one JSON array per owner.
type Ledger struct {
	kv       kv.Store
	notifier kv.Notifier
	now      func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithNotifier announces each appended record on the owner's channel.
func WithNotifier(n kv.Notifier) Option {
	return func(l *Ledger) {
		l.notifier = n
	}
}

// New constructs a Ledger over store.
func New(store kv.Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: kv store is required")
	}
	l := &Ledger{kv: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func key(owner string) string { return keyPrefix + owner }

// Append prepends record to owner's history and returns the stamped record.
// Concurrent appends for the same owner are serialised by kv.Store.Update.
func (l *Ledger) Append(ctx context.Context, owner string, record Record) (Record, error) {
	if strings.TrimSpace(owner) == "" {
		return Record{}, errors.New("ledger: owner is required")
	}
	if record.Status != StatusSuccess && record.Status != StatusFailed {
		return Record{}, fmt.Errorf("ledger: invalid status %q", record.Status)
	}
	record = record.Stamp(l.now())

	err := l.kv.Update(ctx, key(owner), func(current []byte, exists bool) ([]byte, error) {
		var existing []Record
		if exists {
			existing = decode(ctx, owner, current)
		}
		next := make([]Record, 0, len(existing)+1)
		next = append(next, record)
		next = append(next, existing...)
		if len(next) > MaxRecords {
			next = next[:MaxRecords]
		}
		return json.Marshal(next)
	})
	if err != nil {
		return Record{}, fmt.Errorf("ledger: append: %w", err)
	}
	l.announce(ctx, owner, record)
	return record, nil
}

func (l *Ledger) announce(ctx context.Context, owner string, record Record) {
	if l.notifier == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := l.notifier.Publish(ctx, key(owner), payload); err != nil {
		requestctx.Logger(ctx).Warn("ledger: publish failed", zap.String("owner", owner), zap.Error(err))
	}
}

// Subscribe streams records appended for owner until ctx ends or cancel is
// called.
func (l *Ledger) Subscribe(ctx context.Context, owner string) (<-chan Record, func(), error) {
	if l.notifier == nil {
		return nil, nil, errors.New("ledger: notifications are not configured")
	}
	raw, cancel, err := l.notifier.Subscribe(ctx, key(owner))
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Record, 1)
	go func() {
		defer close(out)
		for payload := range raw {
			var record Record
			if err := json.Unmarshal(payload, &record); err != nil {
				continue
			}
			select {
			case out <- record:
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return out, cancel, nil
}

// ListFor returns owner's history. Missing, unreadable or corrupt data yields
// an empty history.
func (l *Ledger) ListFor(ctx context.Context, owner string) History {
	raw, err := l.kv.Get(ctx, key(owner))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			requestctx.Logger(ctx).Warn("ledger: read failed", zap.String("owner", owner), zap.Error(err))
		}
		return History{Success: []Record{}, Failed: []Record{}}
	}
	history := History{Success: []Record{}, Failed: []Record{}}
	for _, rec := range decode(ctx, owner, raw) {
		switch rec.Status {
		case StatusSuccess:
			history.Success = append(history.Success, rec)
		case StatusFailed:
			history.Failed = append(history.Failed, rec)
		}
	}
	return history
}

func decode(ctx context.Context, owner string, raw []byte) []Record {
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		requestctx.Logger(ctx).Warn("ledger: discarding corrupt history", zap.String("owner", owner), zap.Error(err))
		return nil
	}
	return records
}
