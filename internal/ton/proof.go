package ton

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/tvm/cell"
)

const (
	// TonProofPrefix — фиксированный префикс для TON Proof по спецификации TON Connect.
	// https://docs.ton.org/develop/dapps/ton-connect/sign#checking-ton_proof-on-server-side
	TonProofPrefix = "ton-proof-item-v2/"

	// TonConnectPrefix — префикс перед SHA256 хешем сообщения.
	TonConnectPrefix = "ton-connect"

	// MaxProofAge — максимальный возраст proof (защита от replay).
	MaxProofAge = 5 * time.Minute

	maxClockSkew = time.Minute
)

// Network ids as reported by TON Connect wallets.
const (
	NetworkMainnet = "-239"
	NetworkTestnet = "-3"
)

// ProofData содержит данные из TON Connect ton_proof.
type ProofData struct {
	// Address — raw address "wc:hex"
	Address   string `json:"address"`
	Network   string `json:"network"`
	PublicKey string `json:"public_key"` // hex
	Proof     Proof  `json:"proof"`
	StateInit string `json:"state_init,omitempty"` // base64 BOC
}

type Proof struct {
	Timestamp int64       `json:"timestamp"`
	Domain    ProofDomain `json:"domain"`
	Payload   string      `json:"payload"`   // наш nonce
	Signature string      `json:"signature"` // base64 или hex
}

type ProofDomain struct {
	LengthBytes int    `json:"lengthBytes"`
	Value       string `json:"value"`
}

// Verifier checks ton_proof signatures against a domain allowlist and a
// maximum proof age.
type Verifier struct {
	allowedDomains []string
	maxAge         time.Duration
	now            func() time.Time
}

func NewVerifier(allowedDomains []string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = MaxProofAge
	}
	return &Verifier{allowedDomains: allowedDomains, maxAge: maxAge, now: time.Now}
}

// SetClock overrides the time source.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify проверяет TON Proof подпись.
//
// Алгоритм (по спецификации TON Connect):
// 1. message = "ton-proof-item-v2/" ++ address_workchain(4 bytes) ++ address_hash(32 bytes)
//              ++ domain_len(4 bytes LE) ++ domain ++ timestamp(8 bytes LE) ++ payload
// 2. signature_message = 0xffff ++ "ton-connect" ++ sha256(message)
// 3. Verify Ed25519(public_key, sha256(signature_message), signature)
func (v *Verifier) Verify(pubKeyHex string, address []byte, workchain int32, proof Proof) error {
	// 1. Проверяем timestamp
	now := v.now()
	proofTime := time.Unix(proof.Timestamp, 0)
	if age := now.Sub(proofTime); age > v.maxAge {
		return fmt.Errorf("proof expired: %s old", age.Round(time.Second))
	}
	if proofTime.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("proof timestamp is in the future")
	}

	// 2. Проверяем domain
	if !isDomainAllowed(proof.Domain.Value, v.allowedDomains) {
		return fmt.Errorf("domain %q not in allowed list", proof.Domain.Value)
	}
	if proof.Domain.LengthBytes != len(proof.Domain.Value) {
		return fmt.Errorf("domain length mismatch")
	}

	// 3. Декодируем public key
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: %d", len(pubKey))
	}

	// 4. Декодируем signature
	sig, err := decodeSignature(proof.Signature)
	if err != nil {
		return err
	}

	// 5. Верифицируем
	digest := SignatureDigest(address, workchain, proof)
	if !ed25519.Verify(pubKey, digest[:], sig) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

// SignatureDigest returns sha256(0xffff ++ "ton-connect" ++ sha256(message)),
// the bytes a wallet signs for a ton_proof.
func SignatureDigest(address []byte, workchain int32, proof Proof) [32]byte {
	message := []byte(TonProofPrefix)
	message = binary.LittleEndian.AppendUint32(message, uint32(workchain))
	message = append(message, address...)
	message = binary.LittleEndian.AppendUint32(message, uint32(len(proof.Domain.Value)))
	message = append(message, proof.Domain.Value...)
	message = binary.LittleEndian.AppendUint64(message, uint64(proof.Timestamp))
	message = append(message, proof.Payload...)

	msgHash := sha256.Sum256(message)

	signatureMessage := []byte{0xff, 0xff}
	signatureMessage = append(signatureMessage, TonConnectPrefix...)
	signatureMessage = append(signatureMessage, msgHash[:]...)

	return sha256.Sum256(signatureMessage)
}

func decodeSignature(s string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(sig) != ed25519.SignatureSize {
		sig, err = hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid signature encoding")
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature size: %d", len(sig))
	}
	return sig, nil
}

// ParseRawAddress парсит строку вида "0:abcdef..." в workchain и address hash.
func ParseRawAddress(raw string) (workchain int32, addrHash []byte, err error) {
	var wc int
	var hashHex string
	n, _ := fmt.Sscanf(raw, "%d:%s", &wc, &hashHex)
	if n != 2 {
		return 0, nil, fmt.Errorf("invalid raw address format: %s", raw)
	}
	if wc != 0 && wc != -1 {
		return 0, nil, fmt.Errorf("unsupported workchain: %d", wc)
	}
	addrHash, err = hex.DecodeString(hashHex)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid address hash hex: %w", err)
	}
	if len(addrHash) != 32 {
		return 0, nil, fmt.Errorf("address hash must be 32 bytes, got %d", len(addrHash))
	}
	return int32(wc), addrHash, nil
}

// FormatRawAddress is the canonical participant address: lowercase "wc:hex".
func FormatRawAddress(workchain int32, addrHash []byte) string {
	return fmt.Sprintf("%d:%s", workchain, hex.EncodeToString(addrHash))
}

// NormalizeAddress parses a raw address and returns its canonical form.
func NormalizeAddress(raw string) (string, error) {
	wc, hash, err := ParseRawAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return FormatRawAddress(wc, hash), nil
}

func isDomainAllowed(domain string, allowed []string) bool {
	if len(allowed) == 0 {
		return true // если список пуст, разрешаем всё (dev mode)
	}
	for _, d := range allowed {
		if d == domain {
			return true
		}
	}
	return false
}

// VerifyStateInit checks that a base64 BOC state init hashes to the account
// address, binding the presented public key to that address.
func VerifyStateInit(stateInitB64 string, addrHash []byte) error {
	boc, err := base64.StdEncoding.DecodeString(stateInitB64)
	if err != nil {
		return fmt.Errorf("invalid state init base64: %w", err)
	}
	c, err := cell.FromBOC(boc)
	if err != nil {
		return fmt.Errorf("invalid state init boc: %w", err)
	}
	if !bytes.Equal(c.Hash(), addrHash) {
		return fmt.Errorf("state init does not match address")
	}
	return nil
}
