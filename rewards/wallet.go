package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WalletClient credits platform coins to user wallets. Credit must be
// idempotent on key: replaying a key already applied is a no-op success.
// Reverse undoes a credit by its key and tolerates unknown keys.
type WalletClient interface {
	Credit(ctx context.Context, userID uuid.UUID, amount int64, key, memo string) error
	Reverse(ctx context.Context, key string) error
}

// HTTPWallet talks to the external wallet service over its JSON API.
type HTTPWallet struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *slog.Logger
}

// NewHTTPWallet constructs a wallet client for the supplied base URL.
func NewHTTPWallet(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *HTTPWallet {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPWallet{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log,
	}
}

type creditRequest struct {
	UserID         string `json:"userId"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
	Memo           string `json:"memo,omitempty"`
}

// Credit posts a coin credit keyed for idempotent replay.
func (w *HTTPWallet) Credit(ctx context.Context, userID uuid.UUID, amount int64, key, memo string) error {
	payload := creditRequest{
		UserID:         userID.String(),
		Amount:         amount,
		IdempotencyKey: key,
		Memo:           memo,
	}
	return w.post(ctx, "/v1/credits", payload)
}

// Reverse undoes a previously applied credit by its idempotency key.
func (w *HTTPWallet) Reverse(ctx context.Context, key string) error {
	payload := map[string]string{"idempotencyKey": key}
	return w.post(ctx, "/v1/credits/reverse", payload)
}

func (w *HTTPWallet) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode wallet request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build wallet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("wallet returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// NoopWallet logs credits instead of applying them. Used in development when
// no wallet endpoint is configured.
type NoopWallet struct {
	log *slog.Logger
}

// NewNoopWallet constructs a logging-only wallet client.
func NewNoopWallet(log *slog.Logger) *NoopWallet {
	if log == nil {
		log = slog.Default()
	}
	return &NoopWallet{log: log}
}

// Credit logs the credit and succeeds.
func (w *NoopWallet) Credit(ctx context.Context, userID uuid.UUID, amount int64, key, memo string) error {
	w.log.Info("noop wallet credit", "user", userID, "amount", amount, "key", key)
	return nil
}

// Reverse logs the reversal and succeeds.
func (w *NoopWallet) Reverse(ctx context.Context, key string) error {
	w.log.Info("noop wallet reversal", "key", key)
	return nil
}
