package titles

import (
	"context"
	"errors"
	"testing"

	"github.com/title-market/backend/internal/models"
)

type ownerStore interface {
	Registry
	SetOwner(ctx context.Context, id models.TitleID, owner models.Address) error
	Owned(ctx context.Context, owner models.Address) ([]Ownership, error)
}

func TestRegistries(t *testing.T) {
	pebbleReg, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	defer pebbleReg.Close()

	tests := []struct {
		name string
		reg  ownerStore
	}{
		{"memory", NewMemoryRegistry()},
		{"pebble", pebbleReg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := tt.reg

			if _, err := r.OwnerOf(ctx, "t1"); !errors.Is(err, models.ErrTitleNotFound) {
				t.Fatalf("OwnerOf unknown error = %v, want ErrTitleNotFound", err)
			}
			if err := r.SetOwner(ctx, "t1", "alice"); err != nil {
				t.Fatalf("SetOwner: %v", err)
			}
			if err := r.SetOwner(ctx, "t2", "alice"); err != nil {
				t.Fatalf("SetOwner: %v", err)
			}

			if err := r.Transfer(ctx, "t1", "bob", "carol"); !errors.Is(err, models.ErrNotTitleHolder) {
				t.Errorf("Transfer by non-owner error = %v, want ErrNotTitleHolder", err)
			}
			if err := r.Transfer(ctx, "t1", "alice", "bob"); err != nil {
				t.Fatalf("Transfer: %v", err)
			}
			owner, err := r.OwnerOf(ctx, "t1")
			if err != nil || owner != "bob" {
				t.Errorf("OwnerOf(t1) = %q, %v; want bob", owner, err)
			}

			owned, err := r.Owned(ctx, "alice")
			if err != nil {
				t.Fatalf("Owned: %v", err)
			}
			if len(owned) != 1 || owned[0].Title != "t2" {
				t.Errorf("Owned(alice) = %+v, want [t2]", owned)
			}
		})
	}
}

func TestPebbleRegistryPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	r, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	if err := r.SetOwner(ctx, "deed-7", "alice"); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err = OpenPebble(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()
	owner, err := r.OwnerOf(ctx, "deed-7")
	if err != nil || owner != "alice" {
		t.Errorf("OwnerOf after reopen = %q, %v", owner, err)
	}
}
