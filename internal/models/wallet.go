package models

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is a participant address proven with ton_proof.
type Wallet struct {
	Address     Address   `json:"address"` // raw: 0:<hex>
	PublicKey   string    `json:"public_key"`
	Network     string    `json:"network"`
	ProofDomain string    `json:"-"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

type TonProofPayload struct {
	ID        uuid.UUID `json:"id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"-"`
}
