package dto

// Amounts travel as decimal strings in the asset's smallest unit.

type ListingRequest struct {
	AskPrice                  string `json:"ask_price"`
	PaymentAsset              string `json:"payment_asset"`
	ConfirmationWindowSeconds int64  `json:"confirmation_window_seconds,omitempty"` // 0 = мгновенная покупка
}

type RentRequest struct {
	Rented bool `json:"rented"`
}

type BidRequest struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type PurchaseRequest struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type AcceptBidRequest struct {
	Bidder string `json:"bidder"`
}

type CompletePaymentRequest struct {
	Amount string `json:"amount,omitempty"` // пусто = 0 (fungible)
}

// Admin

type DeflationaryRequest struct {
	Deflationary bool `json:"deflationary"`
}

type EmergencyWithdrawRequest struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type HaltRequest struct {
	Halted bool `json:"halted"`
}

type TitleOwnerRequest struct {
	Owner string `json:"owner"`
}
