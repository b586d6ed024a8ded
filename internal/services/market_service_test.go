package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/access"
	"github.com/title-market/backend/internal/asset"
	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/events"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/titles"
)

const (
	custodyAddr models.Address = "custody"
	holder      models.Address = "holder"
	treasury    models.Address = "treasury"
	admin       models.Address = "admin"
	bidderX     models.Address = "x"
	bidderY     models.Address = "y"
	buyerZ      models.Address = "z"

	titleT models.TitleID = "T"
	usd    models.AssetID = "usd"
)

type flakyTitles struct {
	*titles.MemoryRegistry
	fail bool
}

func (f *flakyTitles) Transfer(ctx context.Context, id models.TitleID, from, to models.Address) error {
	if f.fail {
		return errors.New("issuer unavailable")
	}
	return f.MemoryRegistry.Transfer(ctx, id, from, to)
}

type fixture struct {
	m      *MarketService
	native *asset.Vault
	usd    *asset.Vault
	rec    *events.Recorder
	titles *flakyTitles
	policy *access.StaticPolicy
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		PlatformFeeBPS:     300,
		FeeRecipient:       string(treasury),
		MinBidIncrementBPS: 200,
		PaymentWindow:      24 * time.Hour,
		PushTimeout:        100 * time.Millisecond,
		AcceptedAssets:     []string{string(models.NativeAsset), string(usd)},
		AdminAddresses:     []string{string(admin)},
	}

	f := &fixture{
		native: asset.NewVault(),
		usd:    asset.NewVault(),
		rec:    &events.Recorder{},
		titles: &flakyTitles{MemoryRegistry: titles.NewMemoryRegistry()},
		policy: access.NewStaticPolicy(cfg),
		now:    time.Unix(1_700_000_000, 0),
	}
	rails := asset.NewRegistry()
	rails.Register(asset.NewRail(models.NativeAsset, f.native, custodyAddr))
	rails.Register(asset.NewRail(usd, f.usd, custodyAddr))

	for _, p := range []models.Address{bidderX, bidderY, buyerZ} {
		f.native.Mint(p, uint256.NewInt(1000))
		f.usd.Mint(p, uint256.NewInt(1000))
	}
	_ = f.titles.SetOwner(ctx, titleT, holder)

	f.m = NewMarketService(f.titles, rails, f.policy, f.rec, cfg, zap.NewNop())
	f.m.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) list(t *testing.T, ask uint64, id models.AssetID, window time.Duration) {
	t.Helper()
	_, err := f.m.List(context.Background(), holder, titleT, ListingTerms{
		AskPrice:           uint256.NewInt(ask),
		PaymentAsset:       id,
		ConfirmationWindow: window,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
}

func (f *fixture) bid(t *testing.T, bidder models.Address, amount uint64) {
	t.Helper()
	if _, err := f.m.PlaceBid(context.Background(), bidder, titleT, uint256.NewInt(amount), models.NativeAsset); err != nil {
		t.Fatalf("PlaceBid(%s, %d): %v", bidder, amount, err)
	}
}

func bal(t *testing.T, v *asset.Vault, a models.Address) uint64 {
	t.Helper()
	b, _ := v.BalanceOf(context.Background(), a)
	return b.Uint64()
}

func (f *fixture) status(t *testing.T) string {
	t.Helper()
	v, err := f.m.GetListing(context.Background(), titleT)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	return v.Listing.Status
}

// checkConservation asserts received = disbursed + held + escrowed and that
// custody actually holds held + escrowed.
func (f *fixture) checkConservation(t *testing.T) {
	t.Helper()
	for id, v := range map[models.AssetID]*asset.Vault{models.NativeAsset: f.native, usd: f.usd} {
		acc := f.m.Accounting(context.Background(), id)
		if !acc.Balanced() {
			t.Errorf("%s: received=%s disbursed=%s held=%s escrowed=%s",
				id, acc.Received.Dec(), acc.Disbursed.Dec(), acc.Held.Dec(), acc.Escrowed.Dec())
		}
		owed := new(uint256.Int).Add(acc.Held, acc.Escrowed)
		if got := bal(t, v, custodyAddr); got != owed.Uint64() {
			t.Errorf("%s: custody holds %d, owes %s", id, got, owed.Dec())
		}
	}
}

func hasType(rec *events.Recorder, typ string) bool {
	return len(rec.OfType(typ)) > 0
}

func TestCompetitivePurchaseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	f.bid(t, bidderY, 120)

	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(125), models.NativeAsset); err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	tests := []struct {
		who  models.Address
		want uint64
	}{
		{bidderX, 1000},
		{bidderY, 1000},
		{buyerZ, 875},
		{holder, 122},
		{treasury, 3},
	}
	for _, tt := range tests {
		if got := bal(t, f.native, tt.who); got != tt.want {
			t.Errorf("%s balance = %d, want %d", tt.who, got, tt.want)
		}
	}

	owner, _ := f.m.TitleOwner(ctx, titleT)
	if owner != buyerZ {
		t.Errorf("title owner = %q, want z", owner)
	}
	if s := f.status(t); s != models.ListingStatusSold {
		t.Errorf("status = %q, want sold", s)
	}

	cp := f.rec.OfType(events.EventCompetitivePurchase)
	if len(cp) != 1 || cp[0].Payload["outbid_bidder"] != string(bidderY) {
		t.Errorf("competitive_purchase events = %+v", cp)
	}
	if !hasType(f.rec, events.EventTitleTransferred) || !hasType(f.rec, events.EventPurchaseCompleted) {
		t.Errorf("missing settlement events: %v", f.rec.Types())
	}
	f.checkConservation(t)
}

func TestPurchaseAmountRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)

	// 110 * 1.02 = 112.2, so 112 is one short.
	err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(112), models.NativeAsset)
	if !errors.Is(err, models.ErrInsufficientPayment) {
		t.Errorf("Purchase(112) error = %v, want ErrInsufficientPayment", err)
	}
	if got := bal(t, f.native, buyerZ); got != 1000 {
		t.Errorf("rejected purchase moved funds: z = %d", got)
	}
	if err := f.m.Purchase(ctx, holder, titleT, uint256.NewInt(500), models.NativeAsset); !errors.Is(err, models.ErrHolderCannotBuy) {
		t.Errorf("holder purchase error = %v", err)
	}
	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(500), usd); !errors.Is(err, models.ErrAssetMismatch) {
		t.Errorf("wrong asset error = %v", err)
	}
	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(113), models.NativeAsset); err != nil {
		t.Fatalf("Purchase(113): %v", err)
	}
	f.checkConservation(t)
}

func TestConfirmationWindowExpiryScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 3600*time.Second)

	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset); !errors.Is(err, models.ErrConfirmationRequired) {
		t.Errorf("direct purchase error = %v, want ErrConfirmationRequired", err)
	}

	p, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset)
	if err != nil {
		t.Fatalf("RequestPurchase: %v", err)
	}
	if !p.Deadline.Equal(f.now.Add(time.Hour)) {
		t.Errorf("deadline = %v", p.Deadline)
	}
	if s := f.status(t); s != models.ListingStatusPendingConfirmation {
		t.Fatalf("status = %q", s)
	}
	if got := bal(t, f.native, buyerZ); got != 900 {
		t.Errorf("z balance = %d, want 900", got)
	}

	f.advance(3600 * time.Second)
	if err := f.m.ExpirePurchase(ctx, bidderX, titleT); !errors.Is(err, models.ErrDeadlineNotReached) {
		t.Errorf("expire at deadline error = %v, want ErrDeadlineNotReached", err)
	}

	f.advance(time.Second)
	if err := f.m.ConfirmPurchase(ctx, holder, titleT); !errors.Is(err, models.ErrDeadlinePassed) {
		t.Errorf("late confirm error = %v, want ErrDeadlinePassed", err)
	}
	if err := f.m.ExpirePurchase(ctx, bidderX, titleT); err != nil {
		t.Fatalf("ExpirePurchase: %v", err)
	}
	if got := bal(t, f.native, buyerZ); got != 1000 {
		t.Errorf("z balance after expiry = %d, want 1000", got)
	}
	if s := f.status(t); s != models.ListingStatusListed {
		t.Errorf("status = %q, want listed", s)
	}
	f.checkConservation(t)
}

func TestConfirmAndReject(t *testing.T) {
	ctx := context.Background()

	t.Run("confirm", func(t *testing.T) {
		f := newFixture(t)
		f.list(t, 100, models.NativeAsset, time.Hour)
		if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(150), models.NativeAsset); err != nil {
			t.Fatalf("RequestPurchase: %v", err)
		}
		if err := f.m.ConfirmPurchase(ctx, bidderX, titleT); !errors.Is(err, models.ErrNotTitleHolder) {
			t.Errorf("confirm by stranger error = %v", err)
		}
		if err := f.m.ConfirmPurchase(ctx, holder, titleT); err != nil {
			t.Fatalf("ConfirmPurchase: %v", err)
		}
		// 150 * 3% = 4.5 -> fee 4
		if got := bal(t, f.native, holder); got != 146 {
			t.Errorf("holder balance = %d, want 146", got)
		}
		for _, caller := range []models.Address{holder, buyerZ} {
			err := f.m.ConfirmPurchase(ctx, caller, titleT)
			if !errors.Is(err, models.ErrNoPendingPurchase) || models.KindOf(err) != models.KindState {
				t.Errorf("second confirm by %s: error = %v, want state error ErrNoPendingPurchase", caller, err)
			}
		}
		if !hasType(f.rec, events.EventPurchaseConfirmed) {
			t.Error("missing purchase_confirmed")
		}
		f.checkConservation(t)
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t)
		f.list(t, 100, models.NativeAsset, time.Hour)
		if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(99), models.NativeAsset); !errors.Is(err, models.ErrInsufficientPayment) {
			t.Errorf("offer below ask error = %v", err)
		}
		if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset); err != nil {
			t.Fatalf("RequestPurchase: %v", err)
		}
		if err := f.m.RejectPurchase(ctx, holder, titleT); err != nil {
			t.Fatalf("RejectPurchase: %v", err)
		}
		if got := bal(t, f.native, buyerZ); got != 1000 {
			t.Errorf("z balance = %d, want 1000", got)
		}
		if err := f.m.RejectPurchase(ctx, holder, titleT); !errors.Is(err, models.ErrNoPendingPurchase) {
			t.Errorf("second reject error = %v", err)
		}
		f.checkConservation(t)
	})

	t.Run("disabled without window", func(t *testing.T) {
		f := newFixture(t)
		f.list(t, 100, models.NativeAsset, 0)
		if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset); !errors.Is(err, models.ErrConfirmationDisabled) {
			t.Errorf("error = %v, want ErrConfirmationDisabled", err)
		}
	})
}

func TestAcceptNativeBidAndCompletePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	f.bid(t, bidderY, 113)

	if err := f.m.AcceptBid(ctx, holder, titleT, bidderX); err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}
	if s := f.status(t); s != models.ListingStatusPendingPayment {
		t.Fatalf("status = %q, want pending_payment", s)
	}
	// Accepting only flips status.
	if got := bal(t, f.native, holder); got != 0 {
		t.Errorf("holder paid on accept: %d", got)
	}
	view, _ := f.m.GetListing(ctx, titleT)
	if view.Listing.PaymentDeadline == nil || !view.Listing.PaymentDeadline.Equal(f.now.Add(24*time.Hour)) {
		t.Errorf("payment deadline = %v", view.Listing.PaymentDeadline)
	}

	if err := f.m.CompletePayment(ctx, bidderY, titleT, nil); !errors.Is(err, models.ErrNotCounterparty) {
		t.Errorf("complete by other bidder error = %v", err)
	}
	if err := f.m.CompletePayment(ctx, bidderX, titleT, uint256.NewInt(1)); !errors.Is(err, models.ErrIncorrectPayment) {
		t.Errorf("overpayment error = %v", err)
	}
	if err := f.m.CompletePayment(ctx, bidderX, titleT, nil); err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}

	// 110 * 3% = 3.3 -> fee 3
	if got := bal(t, f.native, holder); got != 107 {
		t.Errorf("holder balance = %d, want 107", got)
	}
	if got := bal(t, f.native, bidderY); got != 1000 {
		t.Errorf("y not refunded: %d", got)
	}
	owner, _ := f.m.TitleOwner(ctx, titleT)
	if owner != bidderX {
		t.Errorf("owner = %q, want x", owner)
	}

	err := f.m.CompletePayment(ctx, bidderX, titleT, nil)
	if models.KindOf(err) != models.KindState {
		t.Errorf("double settlement error = %v, want a state error", err)
	}
	f.checkConservation(t)
}

func TestForceExpirePendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	if err := f.m.AcceptBid(ctx, holder, titleT, bidderX); err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}

	if err := f.m.ForceExpirePendingPayment(ctx, bidderY, titleT); !errors.Is(err, models.ErrNotAdmin) {
		t.Errorf("non-admin error = %v", err)
	}
	if err := f.m.ForceExpirePendingPayment(ctx, admin, titleT); !errors.Is(err, models.ErrDeadlineNotReached) {
		t.Errorf("early expire error = %v", err)
	}

	f.advance(24*time.Hour + time.Second)
	if err := f.m.CompletePayment(ctx, bidderX, titleT, nil); !errors.Is(err, models.ErrDeadlinePassed) {
		t.Errorf("late payment error = %v", err)
	}
	if err := f.m.ForceExpirePendingPayment(ctx, admin, titleT); err != nil {
		t.Fatalf("ForceExpirePendingPayment: %v", err)
	}
	if s := f.status(t); s != models.ListingStatusListed {
		t.Errorf("status = %q, want listed", s)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("x balance = %d, want 1000", got)
	}
	f.checkConservation(t)
}

func TestForceExpirePendingConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, time.Minute)
	if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset); err != nil {
		t.Fatalf("RequestPurchase: %v", err)
	}

	if err := f.m.ForceExpirePendingConfirmation(ctx, holder, titleT); !errors.Is(err, models.ErrNotAdmin) {
		t.Errorf("non-admin error = %v", err)
	}
	if err := f.m.ForceExpirePendingConfirmation(ctx, admin, titleT); !errors.Is(err, models.ErrDeadlineNotReached) {
		t.Errorf("early expire error = %v", err)
	}

	f.advance(time.Minute + time.Second)
	if err := f.m.ForceExpirePendingConfirmation(ctx, admin, titleT); err != nil {
		t.Fatalf("ForceExpirePendingConfirmation: %v", err)
	}
	if err := f.m.ForceExpirePendingConfirmation(ctx, admin, titleT); !errors.Is(err, models.ErrNoPendingPurchase) {
		t.Errorf("second expire error = %v, want ErrNoPendingPurchase", err)
	}
	if s := f.status(t); s != models.ListingStatusListed {
		t.Errorf("status = %q, want listed", s)
	}
	if got := bal(t, f.native, buyerZ); got != 1000 {
		t.Errorf("z balance = %d, want 1000", got)
	}
	if !hasType(f.rec, events.EventPurchaseExpired) {
		t.Error("missing purchase_expired event")
	}
	f.checkConservation(t)
}

func TestAcceptFungibleBidSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, usd, 0)

	if _, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(110), models.NativeAsset); !errors.Is(err, models.ErrAssetMismatch) {
		t.Errorf("native bid on usd listing error = %v", err)
	}
	if _, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(200), usd); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if err := f.m.AcceptBid(ctx, holder, titleT, bidderX); err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}
	if s := f.status(t); s != models.ListingStatusSold {
		t.Errorf("status = %q, want sold", s)
	}
	if got := bal(t, f.usd, holder); got != 194 {
		t.Errorf("holder usd = %d, want 194", got)
	}
	f.checkConservation(t)
}

func TestBidRaiseCollectsDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	f.bid(t, bidderX, 120)
	if got := bal(t, f.native, bidderX); got != 880 {
		t.Errorf("x balance = %d, want 880", got)
	}

	_, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(115), models.NativeAsset)
	if !errors.Is(err, models.ErrBidDecreaseNotAllowed) {
		t.Errorf("decrease error = %v", err)
	}
	_, err = f.m.PlaceBid(ctx, bidderY, titleT, uint256.NewInt(122), models.NativeAsset)
	if !errors.Is(err, models.ErrBidTooLow) {
		t.Errorf("below increment error = %v", err)
	}
	if _, err := f.m.PlaceBid(ctx, holder, titleT, uint256.NewInt(500), models.NativeAsset); !errors.Is(err, models.ErrHolderCannotBuy) {
		t.Errorf("holder bid error = %v", err)
	}
	f.checkConservation(t)
}

func TestCancelAndCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	f.bid(t, bidderY, 113)

	if err := f.m.CancelBid(ctx, bidderX, titleT); err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("x balance = %d, want 1000", got)
	}
	if err := f.m.CancelBid(ctx, bidderX, titleT); !errors.Is(err, models.ErrNoActiveBid) {
		t.Errorf("second cancel error = %v", err)
	}

	removed, retained, err := f.m.CleanupBids(ctx, buyerZ, titleT)
	if err != nil || removed != 1 || retained != 1 {
		t.Errorf("CleanupBids = %d, %d, %v; want 1, 1", removed, retained, err)
	}
	before := len(f.rec.OfType(events.EventBidBookCompacted))
	if _, _, err := f.m.CleanupBids(ctx, buyerZ, titleT); err != nil {
		t.Fatalf("CleanupBids: %v", err)
	}
	if after := len(f.rec.OfType(events.EventBidBookCompacted)); after != before {
		t.Error("no-op cleanup must not emit")
	}

	if _, err := f.m.BidAt(ctx, titleT, 1); !errors.Is(err, models.ErrBidOutOfBounds) {
		t.Errorf("BidAt(1) error = %v", err)
	}
	f.checkConservation(t)
}

func TestDelistRefundsBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)

	if err := f.m.Delist(ctx, bidderX, titleT); !errors.Is(err, models.ErrNotTitleHolder) {
		t.Errorf("delist by stranger error = %v", err)
	}
	if err := f.m.Delist(ctx, holder, titleT); err != nil {
		t.Fatalf("Delist: %v", err)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("x balance = %d, want 1000", got)
	}
	// Relisting after delist is allowed.
	f.list(t, 90, models.NativeAsset, 0)
	f.checkConservation(t)
}

func TestRentToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)

	if err := f.m.SetRented(ctx, holder, titleT, true); err != nil {
		t.Fatalf("SetRented: %v", err)
	}
	if _, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(110), models.NativeAsset); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("bid while rented error = %v", err)
	}
	if err := f.m.SetRented(ctx, holder, titleT, false); err != nil {
		t.Fatalf("end rent: %v", err)
	}
	f.bid(t, bidderX, 110)
}

func TestAlreadyListed(t *testing.T) {
	f := newFixture(t)
	f.list(t, 100, models.NativeAsset, 0)
	_, err := f.m.List(context.Background(), holder, titleT, ListingTerms{AskPrice: uint256.NewInt(100), PaymentAsset: models.NativeAsset})
	if !errors.Is(err, models.ErrAlreadyListed) {
		t.Errorf("error = %v, want ErrAlreadyListed", err)
	}
}

func TestOwnershipHandover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)

	// The title changes hands outside the market.
	if err := f.m.SetTitleOwner(ctx, admin, titleT, "newholder"); err != nil {
		t.Fatalf("SetTitleOwner: %v", err)
	}

	if err := f.m.Delist(ctx, holder, titleT); !errors.Is(err, models.ErrNotTitleHolder) {
		t.Errorf("old holder delist error = %v", err)
	}
	if err := f.m.AcceptBid(ctx, holder, titleT, bidderX); !errors.Is(err, models.ErrNotTitleHolder) {
		t.Errorf("old holder accept error = %v", err)
	}
	if _, err := f.m.PlaceBid(ctx, bidderY, titleT, uint256.NewInt(200), models.NativeAsset); !errors.Is(err, models.ErrNotListed) {
		t.Errorf("bid on stale listing error = %v", err)
	}

	_, err := f.m.List(ctx, "newholder", titleT, ListingTerms{AskPrice: uint256.NewInt(300), PaymentAsset: models.NativeAsset})
	if err != nil {
		t.Fatalf("new holder List: %v", err)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("stale bid not refunded: x = %d", got)
	}
	if len(f.m.Bids(ctx, titleT)) != 0 {
		t.Error("stale bids survived relisting")
	}
	f.checkConservation(t)
}

func TestHostileRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	f.bid(t, bidderY, 120)

	refuse := errors.New("no thanks")
	f.native.OnReceive(bidderX, func(context.Context, models.Address, *uint256.Int) error { return refuse })
	f.native.OnReceive(holder, func(ctx context.Context, _ models.Address, _ *uint256.Int) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(125), models.NativeAsset); err != nil {
		t.Fatalf("Purchase blocked by hostile recipient: %v", err)
	}
	owner, _ := f.m.TitleOwner(ctx, titleT)
	if owner != buyerZ {
		t.Errorf("owner = %q, want z", owner)
	}
	if got := bal(t, f.native, bidderY); got != 1000 {
		t.Errorf("cooperative bidder y = %d, want 1000", got)
	}
	if got := f.m.EscrowBalance(ctx, bidderX, models.NativeAsset); got.Uint64() != 110 {
		t.Errorf("x escrow = %s, want 110", got.Dec())
	}
	if got := f.m.EscrowBalance(ctx, holder, models.NativeAsset); got.Uint64() != 122 {
		t.Errorf("holder escrow = %s, want 122", got.Dec())
	}
	if n := len(f.rec.OfType(events.EventPushFailedEscrowed)); n != 2 {
		t.Errorf("push_failed_escrowed events = %d, want 2", n)
	}
	f.checkConservation(t)

	f.native.OnReceive(bidderX, nil)
	f.native.OnReceive(holder, nil)
	if _, err := f.m.Withdraw(ctx, bidderX, models.NativeAsset); err != nil {
		t.Fatalf("Withdraw x: %v", err)
	}
	if _, err := f.m.Withdraw(ctx, holder, models.NativeAsset); err != nil {
		t.Fatalf("Withdraw holder: %v", err)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("x after withdraw = %d", got)
	}
	if got := bal(t, f.native, holder); got != 122 {
		t.Errorf("holder after withdraw = %d", got)
	}
	if _, err := f.m.Withdraw(ctx, holder, models.NativeAsset); !errors.Is(err, models.ErrNoPendingBalance) {
		t.Errorf("empty withdraw error = %v", err)
	}
	f.checkConservation(t)
}

func TestReentrantRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)

	var (
		reentryErr error
		seenStatus string
	)
	f.native.OnReceive(bidderX, func(hookCtx context.Context, _ models.Address, _ *uint256.Int) error {
		_, reentryErr = f.m.PlaceBid(hookCtx, bidderX, titleT, uint256.NewInt(500), models.NativeAsset)
		if v, err := f.m.GetListing(hookCtx, titleT); err == nil {
			seenStatus = v.Listing.Status
		}
		return nil
	})

	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(200), models.NativeAsset); err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if !errors.Is(reentryErr, models.ErrReentrantCall) {
		t.Errorf("reentrant bid error = %v, want ErrReentrantCall", reentryErr)
	}
	if seenStatus != models.ListingStatusSold {
		t.Errorf("recipient observed status %q, want sold", seenStatus)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("x balance = %d, want 1000", got)
	}
	f.checkConservation(t)
}

// await fails the test if op does not finish within two seconds.
func await(t *testing.T, what string, op func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("%s blocked", what)
		return nil
	}
}

func TestRecipientIgnoringTimeoutIsEscrowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)

	block := make(chan struct{})
	defer close(block)
	f.native.OnReceive(bidderX, func(context.Context, models.Address, *uint256.Int) error {
		<-block
		return nil
	})

	if err := await(t, "CancelBid", func() error { return f.m.CancelBid(ctx, bidderX, titleT) }); err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	if got := f.m.EscrowBalance(ctx, bidderX, models.NativeAsset); got.Uint64() != 110 {
		t.Errorf("x escrow = %s, want 110", got.Dec())
	}
	if !hasType(f.rec, events.EventPushFailedEscrowed) {
		t.Error("missing push_failed_escrowed")
	}
	if _, err := f.m.PlaceBid(ctx, bidderY, titleT, uint256.NewInt(120), models.NativeAsset); err != nil {
		t.Errorf("market still locked after the timed-out push: %v", err)
	}
	f.checkConservation(t)
}

func TestFreshContextReentryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)

	var reentryErr error
	f.native.OnReceive(bidderX, func(context.Context, models.Address, *uint256.Int) error {
		_, reentryErr = f.m.PlaceBid(context.Background(), bidderY, titleT, uint256.NewInt(500), models.NativeAsset)
		return nil
	})

	if err := await(t, "CancelBid", func() error { return f.m.CancelBid(ctx, bidderX, titleT) }); err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	if !errors.Is(reentryErr, models.ErrTransferInFlight) {
		t.Errorf("reentrant bid error = %v, want ErrTransferInFlight", reentryErr)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("x balance = %d, want 1000", got)
	}
	if got := bal(t, f.native, bidderY); got != 1000 {
		t.Errorf("y balance = %d, want 1000", got)
	}

	f.native.OnReceive(bidderX, nil)
	err := await(t, "PlaceBid", func() error {
		_, err := f.m.PlaceBid(ctx, bidderY, titleT, uint256.NewInt(120), models.NativeAsset)
		return err
	})
	if err != nil {
		t.Errorf("PlaceBid after the push: %v", err)
	}
	f.checkConservation(t)
}

type gatedDispatcher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	rec     *events.Recorder
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, batch []events.Event) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	g.rec.Dispatch(ctx, batch)
}

func TestEventsDispatchedOutsideLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)

	gate := &gatedDispatcher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		rec:     f.rec,
	}
	f.m.dispatcher = gate

	first := make(chan error, 1)
	go func() {
		_, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(110), models.NativeAsset)
		first <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never called")
	}

	// The lock is free while the first batch is still being delivered.
	if err := await(t, "GetListing", func() error {
		_, err := f.m.GetListing(ctx, titleT)
		return err
	}); err != nil {
		t.Fatalf("GetListing: %v", err)
	}

	second := make(chan error, 1)
	go func() {
		_, err := f.m.PlaceBid(ctx, bidderY, titleT, uint256.NewInt(120), models.NativeAsset)
		second <- err
	}()

	close(gate.release)
	for _, ch := range []chan error{first, second} {
		if err := <-ch; err != nil {
			t.Fatalf("PlaceBid: %v", err)
		}
	}

	evs := f.rec.Events()
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Fatalf("events out of order: seq %d after %d", evs[i].Seq, evs[i-1].Seq)
		}
	}
	if n := len(f.rec.OfType(events.EventBidPlaced)); n != 2 {
		t.Errorf("bid_placed events = %d, want 2", n)
	}
}

func TestTitleTransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	f.titles.fail = true

	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(150), models.NativeAsset); err == nil {
		t.Fatal("expected purchase to fail")
	}
	if s := f.status(t); s != models.ListingStatusListed {
		t.Errorf("status = %q, want listed", s)
	}
	if got := bal(t, f.native, buyerZ); got != 1000 {
		t.Errorf("buyer not refunded: %d", got)
	}
	if got := bal(t, f.native, bidderX); got != 890 {
		t.Errorf("x bid should still be held: balance %d", got)
	}
	if bids := f.m.Bids(ctx, titleT); len(bids) != 1 || !bids[0].IsActive {
		t.Errorf("bids after rollback = %+v", bids)
	}
	f.checkConservation(t)
}

func TestLazyExpiryOnBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, time.Hour)
	if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset); err != nil {
		t.Fatalf("RequestPurchase: %v", err)
	}
	if _, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(110), models.NativeAsset); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("bid during confirmation error = %v", err)
	}

	f.advance(time.Hour + time.Second)
	f.bid(t, bidderX, 110)
	if got := bal(t, f.native, buyerZ); got != 1000 {
		t.Errorf("z not refunded by lazy expiry: %d", got)
	}
	expired := f.rec.OfType(events.EventPurchaseExpired)
	if len(expired) != 1 || expired[0].Payload["reason"] != "lazy" {
		t.Errorf("purchase_expired = %+v", expired)
	}
	f.checkConservation(t)
}

func TestLazyExpiryKeptWhenBidRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, time.Hour)
	if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset); err != nil {
		t.Fatalf("RequestPurchase: %v", err)
	}

	f.advance(time.Hour + time.Second)
	if _, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(99), models.NativeAsset); !errors.Is(err, models.ErrBidTooLow) {
		t.Fatalf("bid error = %v, want ErrBidTooLow", err)
	}
	if s := f.status(t); s != models.ListingStatusListed {
		t.Errorf("status = %q, want listed", s)
	}
	if got := bal(t, f.native, buyerZ); got != 1000 {
		t.Errorf("z balance = %d, want 1000", got)
	}
	if got := bal(t, f.native, bidderX); got != 1000 {
		t.Errorf("x balance = %d, rejected bid must not collect", got)
	}
	if len(f.rec.OfType(events.EventPurchaseExpired)) != 1 {
		t.Error("expiry event not flushed with the rejected bid")
	}
	f.checkConservation(t)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, time.Hour)
	if _, err := f.m.RequestPurchase(ctx, buyerZ, titleT, uint256.NewInt(100), models.NativeAsset); err != nil {
		t.Fatalf("RequestPurchase: %v", err)
	}
	if n, _ := f.m.SweepExpired(ctx); n != 0 {
		t.Errorf("swept %d before deadline", n)
	}
	f.advance(2 * time.Hour)
	if n, err := f.m.SweepExpired(ctx); err != nil || n != 1 {
		t.Errorf("SweepExpired = %d, %v; want 1", n, err)
	}
	f.checkConservation(t)
}

func TestDeflationaryAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.usd.SetTransferFee(100) // 1% lost in transit
	if err := f.m.SetAssetDeflationary(ctx, bidderX, usd, true); !errors.Is(err, models.ErrNotAdmin) {
		t.Errorf("non-admin error = %v", err)
	}
	if err := f.m.SetAssetDeflationary(ctx, admin, usd, true); err != nil {
		t.Fatalf("SetAssetDeflationary: %v", err)
	}
	f.list(t, 100, usd, 0)

	// 102 sent, 101 arrives: enough.
	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(102), usd); err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	done := f.rec.OfType(events.EventPurchaseCompleted)
	if len(done) != 1 || done[0].Payload["amount"] != "101" {
		t.Errorf("purchase_completed = %+v, want amount 101", done)
	}
	f.checkConservation(t)
}

func TestDeflationaryShortfallRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.usd.SetTransferFee(100)
	_ = f.m.SetAssetDeflationary(ctx, admin, usd, true)
	f.list(t, 100, usd, 0)

	// 100 sent, 99 arrives: short of the ask.
	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(100), usd); !errors.Is(err, models.ErrInsufficientPayment) {
		t.Fatalf("error = %v, want ErrInsufficientPayment", err)
	}
	if s := f.status(t); s != models.ListingStatusListed {
		t.Errorf("status = %q", s)
	}
	if got := bal(t, f.usd, buyerZ); got != 999 {
		t.Errorf("z usd = %d, want 999", got)
	}
	f.checkConservation(t)
}

func TestHaltsAndPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)

	if err := f.m.SetOperationHalted(ctx, admin, access.OpBid, true); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if _, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(110), models.NativeAsset); !errors.Is(err, models.ErrOperationHalted) {
		t.Errorf("halted bid error = %v", err)
	}
	if err := f.m.SetOperationHalted(ctx, admin, "nope", true); !errors.Is(err, models.ErrUnknownOperation) {
		t.Errorf("unknown op error = %v", err)
	}
	if err := f.m.SetOperationHalted(ctx, admin, access.OpBid, false); err != nil {
		t.Fatalf("resume: %v", err)
	}

	f.policy.Allow(bidderY)
	if _, err := f.m.PlaceBid(ctx, bidderX, titleT, uint256.NewInt(110), models.NativeAsset); !errors.Is(err, models.ErrNotPermitted) {
		t.Errorf("unlisted participant error = %v", err)
	}
	if _, err := f.m.PlaceBid(ctx, bidderY, titleT, uint256.NewInt(110), models.NativeAsset); err != nil {
		t.Errorf("allowed participant: %v", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)

	if err := f.m.EmergencyWithdraw(ctx, bidderX, models.NativeAsset, uint256.NewInt(10), "safe"); !errors.Is(err, models.ErrNotAdmin) {
		t.Errorf("non-admin error = %v", err)
	}
	if err := f.m.EmergencyWithdraw(ctx, admin, models.NativeAsset, uint256.NewInt(10), "safe"); err != nil {
		t.Fatalf("EmergencyWithdraw: %v", err)
	}
	if got := bal(t, f.native, "safe"); got != 10 {
		t.Errorf("safe = %d, want 10", got)
	}
	acc := f.m.Accounting(ctx, models.NativeAsset)
	if acc.EmergencyOut.Uint64() != 10 || !acc.Balanced() {
		t.Errorf("accounting = %+v", acc)
	}
	if !hasType(f.rec, events.EventEmergencyWithdrawal) {
		t.Error("missing emergency_withdrawal event")
	}
}

func TestEventStreamOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list(t, 100, models.NativeAsset, 0)
	f.bid(t, bidderX, 110)
	f.bid(t, bidderY, 120)
	if err := f.m.Purchase(ctx, buyerZ, titleT, uint256.NewInt(125), models.NativeAsset); err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	evs := f.rec.Events()
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Title != titleT {
			t.Errorf("event %s missing title", ev.Type)
		}
	}
	if evs[0].Type != events.EventListingCreated {
		t.Errorf("first event = %s", evs[0].Type)
	}
	if last := evs[len(evs)-1]; last.Type != events.EventPurchaseCompleted {
		t.Errorf("last event = %s", last.Type)
	}
}
