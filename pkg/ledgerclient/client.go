/**
 * @description
 * This package provides a client for the escrow relayer that fronts the Flow
 * escrow contract. Every mutating call submits a ledger transaction and then
 * waits for it to seal; a transaction that is still pending when the seal
 * timeout elapses is reported as ErrUnconfirmed, never as success.
 *
 * @dependencies
 * - github.com/shopspring/decimal: escrow amounts.
 * - internal/domain: ledger views shared with the transfer lifecycle.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/shopspring/decimal"
)

const (
	defaultSealTimeout  = 90 * time.Second
	defaultPollInterval = 2 * time.Second

	// RequestTimeout bounds a single relayer HTTP call.
	RequestTimeout = 30 * time.Second
)

// Flow transaction statuses reported by the relayer.
const (
	txStatusPending   = "PENDING"
	txStatusFinalized = "FINALIZED"
	txStatusExecuted  = "EXECUTED"
	txStatusSealed    = "SEALED"
	txStatusExpired   = "EXPIRED"
)

// ErrUnconfirmed means a submitted transaction did not reach a definitive
// outcome in time. Funds may or may not have moved.
var ErrUnconfirmed = errors.New("ledger transaction not confirmed")

// Client is a client for the escrow relayer API.
type Client struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	SealTimeout  time.Duration
	PollInterval time.Duration
}

// NewClient creates a new relayer client.
func NewClient(baseURL, apiKey string, sealTimeout, pollInterval time.Duration) *Client {
	if sealTimeout <= 0 {
		sealTimeout = defaultSealTimeout
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: RequestTimeout,
		},
		SealTimeout:  sealTimeout,
		PollInterval: pollInterval,
	}
}

// ErrorResponse represents a non-2xx answer from the relayer.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledger api error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ledger api error (status %d)", e.StatusCode)
}

// IsExplicitRejection reports whether the relayer refused the request outright,
// meaning no transaction was submitted. Timeouts and throttling are excluded.
func (e *ErrorResponse) IsExplicitRejection() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// TxError is a transaction that reached a definitive failed outcome on chain.
type TxError struct {
	TxRef   string
	Status  string
	Message string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("ledger transaction %s failed with status %s: %s", e.TxRef, e.Status, e.Message)
}

// IsExplicitRejection is always true: a sealed-with-error or expired
// transaction moved no funds.
func (e *TxError) IsExplicitRejection() bool { return true }

type lockRequest struct {
	TransferID    uuid.UUID       `json:"transfer_id"`
	ClaimToken    string          `json:"claim_token"`
	Amount        decimal.Decimal `json:"amount"`
	Token         domain.Token    `json:"token"`
	SenderAddress string          `json:"sender_address"`
}

type releaseRequest struct {
	Token            domain.Token `json:"token"`
	RecipientAddress string       `json:"recipient_address"`
}

type returnRequest struct {
	Token         domain.Token `json:"token"`
	SenderAddress string       `json:"sender_address"`
}

type submitResponse struct {
	TxRef string `json:"tx_ref"`
}

type txStatusResponse struct {
	TxRef        string `json:"tx_ref"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

type metricsResponse struct {
	TotalLocked     map[string]decimal.Decimal `json:"total_locked"`
	TransferCount   int64                      `json:"transfer_count"`
	ActiveTransfers int64                      `json:"active_transfers"`
}

// Lock moves amount of token from senderAddress into escrow under transferID and claimToken.
func (c *Client) Lock(ctx context.Context, transferID uuid.UUID, claimToken string, amount decimal.Decimal, token domain.Token, senderAddress string) (string, error) {
	payload := lockRequest{
		TransferID:    transferID,
		ClaimToken:    claimToken,
		Amount:        amount,
		Token:         token,
		SenderAddress: senderAddress,
	}
	return c.submitAndSeal(ctx, "lock", "/v1/escrows", payload)
}

// Release pays the escrow identified by claimToken out to recipientAddress.
func (c *Client) Release(ctx context.Context, claimToken string, token domain.Token, recipientAddress string) (string, error) {
	payload := releaseRequest{Token: token, RecipientAddress: recipientAddress}
	return c.submitAndSeal(ctx, "release", "/v1/escrows/"+url.PathEscape(claimToken)+"/release", payload)
}

// ReturnToSender sends the escrow for transferID back to senderAddress.
func (c *Client) ReturnToSender(ctx context.Context, transferID uuid.UUID, token domain.Token, senderAddress string) (string, error) {
	payload := returnRequest{Token: token, SenderAddress: senderAddress}
	return c.submitAndSeal(ctx, "return", "/v1/transfers/"+transferID.String()+"/return", payload)
}

// GetByClaimToken returns the ledger's view of an escrow, or nil if the
// ledger has no record of it.
func (c *Client) GetByClaimToken(ctx context.Context, claimToken string) (*domain.LedgerTransferView, error) {
	var view domain.LedgerTransferView
	err := c.doJSON(ctx, "get_escrow", http.MethodGet, "/v1/escrows/"+url.PathEscape(claimToken), nil, &view)
	if err != nil {
		var apiErr *ErrorResponse
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	view.ClaimToken = claimToken
	return &view, nil
}

// GetMetrics returns aggregate custody figures.
func (c *Client) GetMetrics(ctx context.Context) (*domain.LedgerMetrics, error) {
	var resp metricsResponse
	if err := c.doJSON(ctx, "metrics", http.MethodGet, "/v1/metrics", nil, &resp); err != nil {
		return nil, err
	}
	metrics := &domain.LedgerMetrics{
		TotalLocked:     make(map[domain.Token]decimal.Decimal, len(resp.TotalLocked)),
		TransferCount:   resp.TransferCount,
		ActiveTransfers: resp.ActiveTransfers,
	}
	for token, amount := range resp.TotalLocked {
		metrics.TotalLocked[domain.Token(strings.ToUpper(token))] = amount
	}
	return metrics, nil
}

func (c *Client) submitAndSeal(ctx context.Context, op, path string, payload interface{}) (string, error) {
	var submitted submitResponse
	if err := c.doJSON(ctx, op, http.MethodPost, path, payload, &submitted); err != nil {
		return "", err
	}
	if strings.TrimSpace(submitted.TxRef) == "" {
		return "", fmt.Errorf("%w: relayer returned no transaction reference for %s", ErrUnconfirmed, op)
	}
	return c.waitForSeal(ctx, op, submitted.TxRef)
}

// waitForSeal polls the transaction until it seals, fails, or the seal
// timeout elapses.
func (c *Client) waitForSeal(ctx context.Context, op, txRef string) (string, error) {
	sealCtx, cancel := context.WithTimeout(ctx, c.SealTimeout)
	defer cancel()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		var status txStatusResponse
		err := c.doJSON(sealCtx, op+"_status", http.MethodGet, "/v1/transactions/"+url.PathEscape(txRef), nil, &status)
		if err == nil {
			switch strings.ToUpper(status.Status) {
			case txStatusSealed:
				if status.ErrorMessage != "" {
					return "", &TxError{TxRef: txRef, Status: txStatusSealed, Message: status.ErrorMessage}
				}
				return txRef, nil
			case txStatusExpired:
				return "", &TxError{TxRef: txRef, Status: txStatusExpired, Message: status.ErrorMessage}
			case txStatusPending, txStatusFinalized, txStatusExecuted, "":
			default:
				applog.Ledger.Warn().Str("op", op).Str("tx_ref", txRef).Str("status", status.Status).Msg("unexpected transaction status")
			}
		} else {
			applog.Ledger.Warn().Str("op", op).Str("tx_ref", txRef).Err(err).Msg("transaction status poll failed")
		}

		select {
		case <-sealCtx.Done():
			return "", fmt.Errorf("%w: %s transaction %s: %v", ErrUnconfirmed, op, txRef, sealCtx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Escrow paths embed the claim token; keep the URL out of the error.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			applog.Ledger.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("non-2xx response (unparsable error body)")
		} else {
			applog.Ledger.Warn().Str("op", op).Int("status", resp.StatusCode).Str("code", errResp.Code).Str("detail", errResp.Message).Msg("non-2xx response")
		}
		return errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
