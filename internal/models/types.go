package models

// Address identifies a participant (holder, bidder, buyer, fee collector).
// For the TON rail it is the raw "wc:hex" form.
type Address string

// TitleID identifies a title token in the external title registry.
type TitleID string

// AssetID identifies a payment asset: NativeAsset or a fungible asset id.
type AssetID string

const NativeAsset AssetID = "native"

// IsNative reports whether the asset is the chain's native value.
func (a AssetID) IsNative() bool {
	return a == NativeAsset
}
