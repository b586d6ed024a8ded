package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/title-market/backend/internal/models"
)

// StreamMarket carries every market notification in sequence order.
const StreamMarket = "events:market"

// StreamDeposits carries TON deposits credited by the indexer. They are not
// market events and carry no sequence number.
const StreamDeposits = "events:deposits"

// Event types
const (
	EventListingCreated   = "listing_created"
	EventListingUpdated   = "listing_updated"
	EventListingDelisted  = "listing_delisted"
	EventListingRented    = "listing_rented"
	EventListingRentEnded = "listing_rent_ended"

	EventBidPlaced        = "bid_placed"
	EventBidCancelled     = "bid_cancelled"
	EventBidBookCompacted = "bid_book_compacted"
	EventBidAccepted      = "bid_accepted"

	EventPurchaseRequested   = "purchase_requested"
	EventPurchaseConfirmed   = "purchase_confirmed"
	EventPurchaseRejected    = "purchase_rejected"
	EventPurchaseExpired     = "purchase_expired"
	EventPaymentCompleted    = "payment_completed"
	EventPaymentExpired      = "payment_expired"
	EventPurchaseCompleted   = "purchase_completed"
	EventCompetitivePurchase = "competitive_purchase"
	EventTitleTransferred    = "title_transferred"

	EventPaymentPushed       = "payment_pushed"
	EventPushFailedEscrowed  = "push_failed_escrowed"
	EventEscrowWithdrawn     = "escrow_withdrawn"
	EventEmergencyWithdrawal = "emergency_withdrawal"

	EventAssetDeflationarySet = "asset_deflationary_set"
	EventOperationHalted      = "operation_halted"
	EventOperationResumed     = "operation_resumed"

	EventDepositCredited = "deposit_credited"
)

type Event struct {
	ID         uuid.UUID      `json:"id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Title      models.TitleID `json:"title_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
