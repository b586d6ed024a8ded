package repositories

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/title-market/backend/internal/models"
)

type ProofRepo struct {
	pool *pgxpool.Pool
}

func NewProofRepo(pool *pgxpool.Pool) *ProofRepo {
	return &ProofRepo{pool: pool}
}

// --- Proof Payloads (nonce) ---

func (r *ProofRepo) CreateProofPayload(ctx context.Context, ttl time.Duration) (*models.TonProofPayload, error) {
	payload := generateNonce(32)
	p := &models.TonProofPayload{Payload: payload}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO ton_proof_payloads (payload, expires_at)
		VALUES ($1, now() + $2::interval)
		RETURNING id, created_at, expires_at
	`, payload, ttl.String()).Scan(&p.ID, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ProofRepo) ConsumeProofPayload(ctx context.Context, payload string) (*models.TonProofPayload, error) {
	var p models.TonProofPayload
	err := r.pool.QueryRow(ctx, `
		UPDATE ton_proof_payloads
		SET used = true
		WHERE payload = $1 AND used = false AND expires_at > now()
		RETURNING id, payload, created_at, expires_at, used
	`, payload).Scan(&p.ID, &p.Payload, &p.CreatedAt, &p.ExpiresAt, &p.Used)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Wallets ---

func (r *ProofRepo) UpsertWallet(ctx context.Context, w *models.Wallet) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO wallets (address, public_key, network, proof_domain)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			network = EXCLUDED.network,
			proof_domain = EXCLUDED.proof_domain,
			last_login_at = now()
		RETURNING first_seen_at, last_login_at
	`, string(w.Address), w.PublicKey, w.Network, w.ProofDomain).Scan(&w.FirstSeenAt, &w.LastLoginAt)
}

func (r *ProofRepo) GetWallet(ctx context.Context, address models.Address) (*models.Wallet, error) {
	var w models.Wallet
	var addr string
	err := r.pool.QueryRow(ctx, `
		SELECT address, public_key, network, proof_domain, first_seen_at, last_login_at
		FROM wallets WHERE address = $1
	`, string(address)).Scan(&addr, &w.PublicKey, &w.Network, &w.ProofDomain, &w.FirstSeenAt, &w.LastLoginAt)
	if err != nil {
		return nil, err
	}
	w.Address = models.Address(addr)
	return &w, nil
}

// DeleteExpiredPayloads removes used or expired nonces.
func (r *ProofRepo) DeleteExpiredPayloads(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM ton_proof_payloads WHERE used = true OR expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func generateNonce(bytes int) string {
	b := make([]byte, bytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
