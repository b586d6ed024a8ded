package titles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/title-market/backend/internal/models"
)

const keyPrefix = "title/"

// PebbleRegistry keeps ownership in a local pebble store so it survives
// API restarts.
type PebbleRegistry struct {
	mu sync.Mutex // serializes read-check-write in Transfer
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleRegistry, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open title registry: %w", err)
	}
	return &PebbleRegistry{db: db}, nil
}

var _ Registry = (*PebbleRegistry)(nil)

func (r *PebbleRegistry) Close() error {
	return r.db.Close()
}

func (r *PebbleRegistry) OwnerOf(_ context.Context, id models.TitleID) (models.Address, error) {
	return r.get(id)
}

func (r *PebbleRegistry) Transfer(_ context.Context, id models.TitleID, from, to models.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, err := r.get(id)
	if err != nil {
		return err
	}
	if owner != from {
		return models.ErrNotTitleHolder
	}
	return r.db.Set(keyFor(id), []byte(to), pebble.Sync)
}

func (r *PebbleRegistry) SetOwner(_ context.Context, id models.TitleID, owner models.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Set(keyFor(id), []byte(owner), pebble.Sync)
}

// Owned scans the registry for titles held by owner.
func (r *PebbleRegistry) Owned(_ context.Context, owner models.Address) ([]Ownership, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Ownership
	for iter.First(); iter.Valid(); iter.Next() {
		if models.Address(iter.Value()) != owner {
			continue
		}
		id := bytes.TrimPrefix(iter.Key(), []byte(keyPrefix))
		out = append(out, Ownership{Title: models.TitleID(id), Owner: owner})
	}
	return out, iter.Error()
}

func (r *PebbleRegistry) get(id models.TitleID) (models.Address, error) {
	val, closer, err := r.db.Get(keyFor(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", models.ErrTitleNotFound
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return models.Address(val), nil
}

func keyFor(id models.TitleID) []byte {
	return []byte(keyPrefix + string(id))
}
