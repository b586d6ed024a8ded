// Package titles answers who currently holds a title token and moves it
// on settlement. It mirrors the external issuer's ownership record.
package titles

import (
	"context"
	"sort"
	"sync"

	"github.com/title-market/backend/internal/models"
)

type Registry interface {
	OwnerOf(ctx context.Context, id models.TitleID) (models.Address, error)
	Transfer(ctx context.Context, id models.TitleID, from, to models.Address) error
}

// Ownership is one registry entry.
type Ownership struct {
	Title models.TitleID `json:"title_id"`
	Owner models.Address `json:"owner"`
}

type MemoryRegistry struct {
	mu     sync.RWMutex
	owners map[models.TitleID]models.Address
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owners: make(map[models.TitleID]models.Address)}
}

var _ Registry = (*MemoryRegistry)(nil)

func (r *MemoryRegistry) OwnerOf(_ context.Context, id models.TitleID) (models.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	if !ok {
		return "", models.ErrTitleNotFound
	}
	return owner, nil
}

func (r *MemoryRegistry) Transfer(_ context.Context, id models.TitleID, from, to models.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return models.ErrTitleNotFound
	}
	if owner != from {
		return models.ErrNotTitleHolder
	}
	r.owners[id] = to
	return nil
}

// SetOwner records ownership as reported by the issuer.
func (r *MemoryRegistry) SetOwner(_ context.Context, id models.TitleID, owner models.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[id] = owner
	return nil
}

// Owned lists titles held by owner, sorted by id.
func (r *MemoryRegistry) Owned(_ context.Context, owner models.Address) ([]Ownership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Ownership
	for id, o := range r.owners {
		if o == owner {
			out = append(out, Ownership{Title: id, Owner: o})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}
