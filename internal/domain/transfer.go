/**
 * @description
 * Core domain models for the transfer-service. A Transfer is an escrowed
 * peer-to-peer payment: the sender's funds are locked with the ledger, a
 * claim link is handed to the recipient, and the funds are either released
 * to the recipient or returned to the sender once the claim window closes.
 *
 * @notes
 * - Amounts are decimals with at most eight fractional digits, matching the
 *   ledger's fixed-point representation.
 * - `expired` is never persisted. It is derived from `expires_at` whenever a
 *   record is read.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the persisted lifecycle state of a transfer.
type TransferStatus string

const (
	StatusPending TransferStatus = "pending"
	// StatusClaiming and StatusRefunding reserve a pending transfer while a
	// ledger release/return is in flight.
	StatusClaiming  TransferStatus = "claiming"
	StatusRefunding TransferStatus = "refunding"
	StatusClaimed   TransferStatus = "claimed"
	StatusRefunded  TransferStatus = "refunded"
	// StatusFailed marks a transfer whose escrow lock never confirmed.
	StatusFailed TransferStatus = "failed"

	// Display-only statuses, never written to the store.
	StatusExpired    TransferStatus = "expired"
	StatusProcessing TransferStatus = "processing"
)

// Token is a supported asset symbol.
type Token string

const (
	TokenFLOW Token = "FLOW"
	TokenUSDC Token = "USDC"
)

// SupportedTokens lists every asset a transfer may be denominated in.
var SupportedTokens = []Token{TokenFLOW, TokenUSDC}

// ParseToken normalizes a symbol and rejects anything outside SupportedTokens.
func ParseToken(raw string) (Token, error) {
	candidate := Token(strings.ToUpper(strings.TrimSpace(raw)))
	for _, token := range SupportedTokens {
		if candidate == token {
			return token, nil
		}
	}
	return "", fmt.Errorf("unsupported token %q", raw)
}

// PayoutMethod selects how a claimant receives funds.
type PayoutMethod string

const (
	PayoutCrypto PayoutMethod = "crypto"
	PayoutFiat   PayoutMethod = "fiat"
)

func ParsePayoutMethod(raw string) (PayoutMethod, error) {
	switch PayoutMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case PayoutCrypto:
		return PayoutCrypto, nil
	case PayoutFiat:
		return PayoutFiat, nil
	default:
		return "", fmt.Errorf("unsupported payout method %q", raw)
	}
}

// MaxAmountScale is the number of fractional digits the ledger can represent.
const MaxAmountScale = 8

// ValidateAmount checks that an amount is positive and representable on the ledger.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(MaxAmountScale)) {
		return fmt.Errorf("amount supports at most %d decimal places", MaxAmountScale)
	}
	return nil
}

// Transfer represents an escrowed transfer. It maps to the `transfers` table.
// NeedsReconcile is set when a ledger call's outcome could not be confirmed.
type Transfer struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	SenderID          string          `json:"sender_id" db:"sender_id"`
	SenderAddress     string          `json:"sender_address" db:"sender_address"`
	SenderEmail       *string         `json:"sender_email,omitempty" db:"sender_email"`
	RecipientEmail    *string         `json:"recipient_email,omitempty" db:"recipient_email"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Token             Token           `json:"token" db:"token"`
	ClaimToken        string          `json:"-" db:"claim_token"`
	ClaimLink         string          `json:"claim_link,omitempty" db:"-"`
	Note              *string         `json:"note,omitempty" db:"note"`
	Status            TransferStatus  `json:"status" db:"status"`
	PayoutMethod      *PayoutMethod   `json:"payout_method,omitempty" db:"payout_method"`
	EscrowTxRef       *string         `json:"escrow_tx_ref,omitempty" db:"escrow_tx_ref"`
	ClaimTxRef        *string         `json:"claim_tx_ref,omitempty" db:"claim_tx_ref"`
	ClaimedByAddress  *string         `json:"claimed_by_address,omitempty" db:"claimed_by_address"`
	ClaimedByEmail    *string         `json:"claimed_by_email,omitempty" db:"claimed_by_email"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
	FailureReason     *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	NeedsReconcile    bool            `json:"needs_reconcile" db:"needs_reconcile"`
	ReminderSentAt    *time.Time      `json:"reminder_sent_at,omitempty" db:"reminder_sent_at"`
	FiatSettlementRef *string         `json:"fiat_settlement_ref,omitempty" db:"fiat_settlement_ref"`
	FiatSettledAt     *time.Time      `json:"fiat_settled_at,omitempty" db:"fiat_settled_at"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// BuildClaimLink returns the shareable URL for a claim token.
func BuildClaimLink(baseURL, claimToken string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/claim/" + claimToken
}

// CreateTransferRequest defines the payload for creating a new transfer.
// SenderID is taken from the authenticated caller, not the body.
type CreateTransferRequest struct {
	SenderID       string          `json:"-"`
	SenderAddress  string          `json:"sender_address"`
	SenderEmail    string          `json:"sender_email,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Token          string          `json:"token"`
	RecipientEmail string          `json:"recipient_email,omitempty"`
	Note           string          `json:"note,omitempty"`
	SendEmail      bool            `json:"send_email"`
}

// CreateTransferResponse is returned after a transfer is created and funded.
type CreateTransferResponse struct {
	ID        uuid.UUID      `json:"id"`
	ClaimLink string         `json:"claim_link"`
	ExpiresAt time.Time      `json:"expires_at"`
	Status    TransferStatus `json:"status"`
}

// ClaimTransferRequest defines the payload a recipient submits to claim.
// ClaimToken comes from the URL.
type ClaimTransferRequest struct {
	ClaimToken       string `json:"-"`
	RecipientAddress string `json:"recipient_address,omitempty"`
	PayoutMethod     string `json:"payout_method"`
	RecipientEmail   string `json:"recipient_email,omitempty"`
}

// RefundTransferRequest is the payload a sender submits to reclaim expired funds.
type RefundTransferRequest struct {
	SenderAddress string `json:"sender_address"`
}

// FiatSettlementRequest records the fiat provider's completion reference.
type FiatSettlementRequest struct {
	ProviderRef string `json:"provider_ref"`
}

// LedgerState is the custody state the ledger reports for an escrow.
type LedgerState string

const (
	LedgerLocked   LedgerState = "locked"
	LedgerReleased LedgerState = "released"
	LedgerReturned LedgerState = "returned"
)

// LedgerTransferView is the ledger's read-only view of an escrow.
type LedgerTransferView struct {
	TransferID       uuid.UUID       `json:"transfer_id"`
	ClaimToken       string          `json:"-"`
	Amount           decimal.Decimal `json:"amount"`
	Token            Token           `json:"token"`
	SenderAddress    string          `json:"sender_address"`
	RecipientAddress string          `json:"recipient_address,omitempty"`
	State            LedgerState     `json:"state"`
	TxRef            string          `json:"tx_ref,omitempty"`
}

// LedgerMetrics aggregates custody across all escrows.
type LedgerMetrics struct {
	TotalLocked     map[Token]decimal.Decimal `json:"total_locked"`
	TransferCount   int64                     `json:"transfer_count"`
	ActiveTransfers int64                     `json:"active_transfers"`
}
