package catalog

import (
	"context"
	"sync"
	"time"
)

// DefaultSettle is the search input settle window.
const DefaultSettle = 300 * time.Millisecond

// Debouncer coalesces bursts of calls per key: only the last call in a burst
// proceeds once input has been quiet for the settle window.
type Debouncer struct {
	settle time.Duration

	mu   sync.Mutex
	seqs map[string]uint64
}

// NewDebouncer builds a debouncer. A non-positive settle disables waiting.
func NewDebouncer(settle time.Duration) *Debouncer {
	return &Debouncer{settle: settle, seqs: make(map[string]uint64)}
}

// Wait blocks for the settle window and reports whether this call is still
// the newest one for key. It returns false when superseded or when ctx ends.
func (d *Debouncer) Wait(ctx context.Context, key string) bool {
	if d == nil || d.settle <= 0 {
		return ctx.Err() == nil
	}

	d.mu.Lock()
	d.seqs[key]++
	mine := d.seqs[key]
	d.mu.Unlock()

	timer := time.NewTimer(d.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		d.release(key, mine)
		return false
	case <-timer.C:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seqs[key] != mine {
		return false
	}
	delete(d.seqs, key)
	return true
}

func (d *Debouncer) release(key string, seq uint64) {
	d.mu.Lock()
	if d.seqs[key] == seq {
		delete(d.seqs, key)
	}
	d.mu.Unlock()
}
