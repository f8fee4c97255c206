package kv

import (
	"context"
	"errors"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "finitefield.org/ebookstore/internal/platform/firestore"
)

const (
	defaultCollection = "storefront_kv"
	updateAttempts    = 5
)

// FirestoreStore persists each key as a document holding the raw value.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

type firestoreEntry struct {
	Value     []byte    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// NewFirestoreStore builds a store over the shared provider.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("kv: firestore provider is required")
	}
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}, nil
}

// Document IDs cannot contain '/', which our keys do.
func (s *FirestoreStore) doc(client *firestore.Client, key string) *firestore.DocumentRef {
	return client.Collection(s.collection).Doc(url.PathEscape(key))
}

func (s *FirestoreStore) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := s.doc(client, key).Get(ctx)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, pfirestore.WrapError("kv.get", err)
	}
	var entry firestoreEntry
	if err := snap.DataTo(&entry); err != nil {
		return nil, pfirestore.WrapError("kv.decode", err)
	}
	return entry.Value, nil
}

func (s *FirestoreStore) Set(ctx context.Context, key string, value []byte) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = s.doc(client, key).Set(ctx, firestoreEntry{Value: value, UpdatedAt: time.Now().UTC()})
	return pfirestore.WrapError("kv.set", err)
}

func (s *FirestoreStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := s.doc(client, key)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current []byte
		exists := false
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var entry firestoreEntry
			if err := snap.DataTo(&entry); err != nil {
				return err
			}
			current, exists = entry.Value, true
		case pfirestore.IsNotFound(err):
		default:
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		return tx.Set(ref, firestoreEntry{Value: next, UpdatedAt: time.Now().UTC()})
	}, pfirestore.WithTxAttempts(updateAttempts))
	if errors.Is(err, ErrSkip) {
		return nil
	}
	return err
}

func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = s.doc(client, key).Delete(ctx)
	return pfirestore.WrapError("kv.delete", err)
}

// Close is a no-op; the provider owns the client.
func (s *FirestoreStore) Close() error { return nil }
