// Package favorites keeps the per-browser set of favorite catalog items.
package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/platform/kv"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

const keyPrefix = "favorites/"

// Change is published after every mutation.
type Change struct {
	BrowserID string   `json:"browserId"`
	IDs       []string `json:"ids"`
}

// Store persists favorite sets and notifies other views of changes.
type Store struct {
	kv       kv.Store
	notifier kv.Notifier
}

// NewStore wires the store. notifier may be nil when no live updates are needed.
func NewStore(store kv.Store, notifier kv.Notifier) (*Store, error) {
	if store == nil {
		return nil, errors.New("favorites: kv store is required")
	}
	return &Store{kv: store, notifier: notifier}, nil
}

func key(browserID string) string { return keyPrefix + browserID }

// List returns the favorite ids in sorted order. Backend failures and corrupt
// data degrade to an empty set.
func (s *Store) List(ctx context.Context, browserID string) []string {
	raw, err := s.kv.Get(ctx, key(browserID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			requestctx.Logger(ctx).Warn("favorites: read failed", zap.String("browser_id", browserID), zap.Error(err))
		}
		return []string{}
	}
	return decode(ctx, raw)
}

// Has reports membership.
func (s *Store) Has(ctx context.Context, browserID, id string) bool {
	for _, fav := range s.List(ctx, browserID) {
		if fav == id {
			return true
		}
	}
	return false
}

// Count returns the number of favorites.
func (s *Store) Count(ctx context.Context, browserID string) int {
	return len(s.List(ctx, browserID))
}

// Add inserts id. Adding an existing id is a no-op.
func (s *Store) Add(ctx context.Context, browserID, id string) error {
	_, err := s.mutate(ctx, browserID, func(set map[string]struct{}) bool {
		set[id] = struct{}{}
		return true
	})
	return err
}

// Remove deletes id. Removing an absent id is a no-op.
func (s *Store) Remove(ctx context.Context, browserID, id string) error {
	_, err := s.mutate(ctx, browserID, func(set map[string]struct{}) bool {
		delete(set, id)
		return false
	})
	return err
}

// Toggle flips membership of id and returns whether it is now a favorite.
func (s *Store) Toggle(ctx context.Context, browserID, id string) (bool, error) {
	return s.mutate(ctx, browserID, func(set map[string]struct{}) bool {
		if _, ok := set[id]; ok {
			delete(set, id)
			return false
		}
		set[id] = struct{}{}
		return true
	})
}

func (s *Store) mutate(ctx context.Context, browserID string, apply func(map[string]struct{}) bool) (bool, error) {
	if browserID == "" {
		return false, errors.New("favorites: browser id is required")
	}
	var (
		member bool
		ids    []string
	)
	err := s.kv.Update(ctx, key(browserID), func(current []byte, exists bool) ([]byte, error) {
		set := make(map[string]struct{})
		if exists {
			for _, id := range decode(ctx, current) {
				set[id] = struct{}{}
			}
		}
		member = apply(set)
		ids = sortedKeys(set)
		return json.Marshal(ids)
	})
	if err != nil {
		return false, fmt.Errorf("favorites: persist: %w", err)
	}
	s.publish(ctx, Change{BrowserID: browserID, IDs: ids})
	return member, nil
}

func (s *Store) publish(ctx context.Context, change Change) {
	if s.notifier == nil {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	if err := s.notifier.Publish(ctx, key(change.BrowserID), payload); err != nil {
		requestctx.Logger(ctx).Warn("favorites: publish failed", zap.String("browser_id", change.BrowserID), zap.Error(err))
	}
}

// Subscribe streams changes for browserID until ctx ends or cancel is called.
func (s *Store) Subscribe(ctx context.Context, browserID string) (<-chan Change, func(), error) {
	if s.notifier == nil {
		return nil, nil, errors.New("favorites: notifications are not configured")
	}
	raw, cancel, err := s.notifier.Subscribe(ctx, key(browserID))
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Change, 1)
	go func() {
		defer close(out)
		for payload := range raw {
			var change Change
			if err := json.Unmarshal(payload, &change); err != nil {
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return out, cancel, nil
}

func decode(ctx context.Context, raw []byte) []string {
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		requestctx.Logger(ctx).Warn("favorites: discarding corrupt data", zap.Error(err))
		return []string{}
	}
	return sortedKeys(toSet(ids))
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
