// Package listing keeps one listing record per title and enforces who may
// mutate it. The holder is always resolved from the title registry at call
// time; the holder stored on the record only says who opened it.
package listing

import (
	"context"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/titles"
)

type Terms struct {
	AskPrice           *uint256.Int
	PaymentAsset       models.AssetID
	ConfirmationWindow time.Duration
}

type Registry struct {
	titles  titles.Registry
	records map[models.TitleID]*models.Listing
}

func NewRegistry(t titles.Registry) *Registry {
	return &Registry{titles: t, records: make(map[models.TitleID]*models.Listing)}
}

// Authorize returns the record the caller may mutate: the caller must hold
// the title right now and the record must have been opened by that holder.
func (r *Registry) Authorize(ctx context.Context, id models.TitleID, caller models.Address) (*models.Listing, error) {
	owner, err := r.titles.OwnerOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != owner {
		return nil, models.ErrNotTitleHolder
	}
	rec, ok := r.records[id]
	if !ok || rec.Holder != owner {
		return nil, models.ErrNotListed
	}
	return rec, nil
}

// Current returns the record opened by the title's present holder. Records
// left behind by a previous holder are not current.
func (r *Registry) Current(ctx context.Context, id models.TitleID) (*models.Listing, error) {
	owner, err := r.titles.OwnerOf(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, ok := r.records[id]
	if !ok || rec.Holder != owner {
		return nil, models.ErrNotListed
	}
	return rec, nil
}

// Open creates a LISTED record for the caller. Any record it replaces is
// returned so its bids and pending purchase can be unwound.
func (r *Registry) Open(ctx context.Context, id models.TitleID, caller models.Address, terms Terms, now time.Time) (created, replaced *models.Listing, err error) {
	owner, err := r.titles.OwnerOf(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if caller != owner {
		return nil, nil, models.ErrNotTitleHolder
	}
	if terms.AskPrice == nil || terms.AskPrice.IsZero() {
		return nil, nil, models.ErrZeroAmount
	}
	prev := r.records[id]
	if prev != nil && prev.Holder == owner && models.IsActiveStatus(prev.Status) {
		return nil, nil, models.ErrAlreadyListed
	}

	rec := &models.Listing{
		Title:              id,
		Holder:             owner,
		AskPrice:           terms.AskPrice.Clone(),
		PaymentAsset:       terms.PaymentAsset,
		Status:             models.ListingStatusListed,
		ConfirmationWindow: terms.ConfirmationWindow,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.records[id] = rec
	return rec, prev, nil
}

// Update changes price, asset or confirmation window on a LISTED record.
func (r *Registry) Update(rec *models.Listing, terms Terms, liveBids bool, now time.Time) error {
	if rec.Status != models.ListingStatusListed {
		return models.ErrInvalidTransition
	}
	if terms.AskPrice == nil || terms.AskPrice.IsZero() {
		return models.ErrZeroAmount
	}
	if terms.PaymentAsset != rec.PaymentAsset && liveBids {
		return models.ErrAssetChangeWithActiveBids
	}
	rec.AskPrice = terms.AskPrice.Clone()
	rec.PaymentAsset = terms.PaymentAsset
	rec.ConfirmationWindow = terms.ConfirmationWindow
	rec.UpdatedAt = now
	return nil
}

// Transition moves the record along the status table.
func (r *Registry) Transition(rec *models.Listing, to string, now time.Time) error {
	if !models.IsValidTransition(rec.Status, to) {
		return models.ErrInvalidTransition
	}
	rec.Status = to
	rec.UpdatedAt = now
	if to != models.ListingStatusPendingPayment {
		rec.PaymentDeadline = nil
	}
	return nil
}

// Restore puts back a snapshot taken with Listing.Clone.
func (r *Registry) Restore(snap models.Listing) {
	r.records[snap.Title] = &snap
}

func (r *Registry) Get(id models.TitleID) (models.Listing, bool) {
	rec, ok := r.records[id]
	if !ok {
		return models.Listing{}, false
	}
	return rec.Clone(), true
}

// List returns copies of all records in the given status, or every record
// when status is empty, ordered by title id.
func (r *Registry) List(status string) []models.Listing {
	out := make([]models.Listing, 0, len(r.records))
	for _, rec := range r.records {
		if status == "" || rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Overdue lists titles in PENDING_CONFIRMATION whose deadline passed.
func (r *Registry) Overdue(now time.Time) []models.TitleID {
	var out []models.TitleID
	for id, rec := range r.records {
		if rec.Status == models.ListingStatusPendingConfirmation && models.IsExpired(rec.Pending, now) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record returns the stored record regardless of who holds the title now.
// Deadline handling and refunds act on it even after an outside transfer.
func (r *Registry) Record(id models.TitleID) (*models.Listing, bool) {
	rec, ok := r.records[id]
	return rec, ok
}
