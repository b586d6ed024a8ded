package models

import "github.com/holiman/uint256"

// EscrowBalance is value owed to a participant after a push payment failed.
type EscrowBalance struct {
	Participant Address      `json:"participant"`
	Asset       AssetID      `json:"asset"`
	Amount      *uint256.Int `json:"amount"`
}

// Accounting is the custody ledger's per-asset bookkeeping.
// Received = Disbursed + Held + Escrowed at every observable point;
// EmergencyOut is tracked outside that identity.
type Accounting struct {
	Asset        AssetID      `json:"asset"`
	Received     *uint256.Int `json:"received"`
	Disbursed    *uint256.Int `json:"disbursed"`
	Held         *uint256.Int `json:"held"`
	Escrowed     *uint256.Int `json:"escrowed"`
	EmergencyOut *uint256.Int `json:"emergency_out"`
}

// Balanced checks the conservation identity.
func (a Accounting) Balanced() bool {
	sum := new(uint256.Int).Add(a.Disbursed, a.Held)
	sum.Add(sum, a.Escrowed)
	return sum.Eq(a.Received)
}
