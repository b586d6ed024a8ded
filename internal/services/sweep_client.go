package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const InternalTokenHeader = "X-Internal-Token"

// SweepClient calls the API's internal endpoints from the worker.
type SweepClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

func NewSweepClient(baseURL, token string, log *zap.Logger) *SweepClient {
	return &SweepClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type SweepResult struct {
	Expired int `json:"expired"`
}

// Sweep expires overdue pending confirmations.
func (c *SweepClient) Sweep(ctx context.Context) (*SweepResult, error) {
	var result SweepResult
	if err := c.post(ctx, "/internal/sweep", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type PurgeResult struct {
	Deleted int64 `json:"deleted"`
}

// PurgeProofPayloads drops used and expired login nonces.
func (c *SweepClient) PurgeProofPayloads(ctx context.Context) (*PurgeResult, error) {
	var result PurgeResult
	if err := c.post(ctx, "/internal/proof-payloads/purge", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *SweepClient) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(InternalTokenHeader, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, string(body))
	}

	// responses are wrapped as {"ok":true,"data":...}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
