package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/title-market/backend/internal/auth"
	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/ton"
)

const proofPayloadTTL = 5 * time.Minute

var ErrInvalidProof = errors.New("invalid ton proof")

type ProofStore interface {
	CreateProofPayload(ctx context.Context, ttl time.Duration) (*models.TonProofPayload, error)
	ConsumeProofPayload(ctx context.Context, payload string) (*models.TonProofPayload, error)
	UpsertWallet(ctx context.Context, w *models.Wallet) error
}

type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// AuthService turns a TON Connect ton_proof into a session JWT whose
// address claim is the participant identity for market operations.
type AuthService struct {
	proofs   ProofStore
	audit    AuditLogger
	verifier *ton.Verifier
	cfg      *config.Config
	log      *zap.Logger
}

func NewAuthService(proofs ProofStore, audit AuditLogger, verifier *ton.Verifier, cfg *config.Config, log *zap.Logger) *AuthService {
	return &AuthService{proofs: proofs, audit: audit, verifier: verifier, cfg: cfg, log: log}
}

// GeneratePayload создаёт nonce для TON Proof.
// Клиент передаёт его в tonconnect при подключении кошелька.
func (s *AuthService) GeneratePayload(ctx context.Context) (*models.TonProofPayload, error) {
	p, err := s.proofs.CreateProofPayload(ctx, proofPayloadTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create proof payload: %w", err)
	}
	return p, nil
}

type LoginResult struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Wallet    *models.Wallet `json:"wallet"`
}

func (s *AuthService) Login(ctx context.Context, req ton.ProofData) (*LoginResult, error) {
	// 1. Consume payload (nonce) — защита от replay
	if _, err := s.proofs.ConsumeProofPayload(ctx, req.Proof.Payload); err != nil {
		return nil, fmt.Errorf("%w: invalid or expired payload: %v", ErrInvalidProof, err)
	}

	// 2. Парсим raw address
	workchain, addrHash, err := ton.ParseRawAddress(req.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	// 3. Проверяем network
	expected := ton.NetworkID(s.cfg.TONNetwork)
	if req.Network != "" && req.Network != expected {
		return nil, fmt.Errorf("%w: network mismatch: expected %s, got %s", ErrInvalidProof, expected, req.Network)
	}

	// 4. Ключ должен принадлежать адресу
	if req.StateInit != "" {
		if err := ton.VerifyStateInit(req.StateInit, addrHash); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
	}

	// 5. Верифицируем TON Proof подпись
	if err := s.verifier.Verify(req.PublicKey, addrHash, workchain, req.Proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	// 6. Сохраняем кошелёк
	address := models.Address(ton.FormatRawAddress(workchain, addrHash))
	wallet := &models.Wallet{
		Address:     address,
		PublicKey:   req.PublicKey,
		Network:     expected,
		ProofDomain: req.Proof.Domain.Value,
	}
	if err := s.proofs.UpsertWallet(ctx, wallet); err != nil {
		return nil, fmt.Errorf("failed to save wallet: %w", err)
	}

	// 7. JWT
	token, err := auth.GenerateJWT(s.cfg.JWTSecret, string(address), s.cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	// 8. Audit log
	_ = s.audit.Log(ctx, models.AuditLog{
		Actor:      address,
		ActorType:  "participant",
		Action:     models.AuditLogin,
		EntityType: "wallet",
		EntityID:   string(address),
		Meta:       map[string]any{"network": expected, "domain": req.Proof.Domain.Value},
	})

	s.log.Info("wallet logged in", zap.String("address", string(address)))

	return &LoginResult{
		Token:     token,
		ExpiresAt: time.Now().Add(s.cfg.JWTExpiration),
		Wallet:    wallet,
	}, nil
}
