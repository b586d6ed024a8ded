package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions
const (
	AuditLogin             = "login"
	AuditEmergencyWithdraw = "emergency_withdraw"
	AuditOperationHalt     = "operation_halt"
	AuditDeflationarySet   = "asset_deflationary_set"
	AuditForceExpire       = "force_expire"
	AuditTitleOwnerSync    = "title_owner_sync"
)

type AuditLog struct {
	ID         uuid.UUID `json:"id"`
	Actor      Address   `json:"actor"`
	ActorType  string    `json:"actor_type"` // participant/admin/system
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"` // title/asset/operation/wallet
	EntityID   string    `json:"entity_id,omitempty"`
	Meta       any       `json:"meta,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
