package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TimeRemaining is the displayable distance between now and a transfer's expiry.
type TimeRemaining struct {
	Expired       bool   `json:"expired"`
	Days          int    `json:"days"`
	Hours         int    `json:"hours"`
	Minutes       int    `json:"minutes"`
	HumanReadable string `json:"human_readable"`
}

// ComputeTimeRemaining is recomputed on every read and never cached.
// Sub-minute remainders round down, so the last minute displays as "0m".
func ComputeTimeRemaining(now, expiresAt time.Time) TimeRemaining {
	if !now.Before(expiresAt) {
		return TimeRemaining{Expired: true, HumanReadable: "Expired"}
	}

	remaining := expiresAt.Sub(now)
	days := int(remaining / (24 * time.Hour))
	remaining -= time.Duration(days) * 24 * time.Hour
	hours := int(remaining / time.Hour)
	remaining -= time.Duration(hours) * time.Hour
	minutes := int(remaining / time.Minute)

	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if days > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	parts = append(parts, fmt.Sprintf("%dm", minutes))

	return TimeRemaining{
		Days:          days,
		Hours:         hours,
		Minutes:       minutes,
		HumanReadable: strings.Join(parts, " "),
	}
}

// IsExpired reports whether the claim window has closed.
func IsExpired(t *Transfer, now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsClaimable gates the claim button. ClaimTransfer re-checks server side.
func IsClaimable(t *Transfer, now time.Time) bool {
	return t.Status == StatusPending && !IsExpired(t, now)
}

// DisplayStatus maps a persisted status onto what a reader should see.
func DisplayStatus(t *Transfer, now time.Time) TransferStatus {
	switch t.Status {
	case StatusPending:
		if IsExpired(t, now) {
			return StatusExpired
		}
		return StatusPending
	case StatusClaiming, StatusRefunding:
		return StatusProcessing
	default:
		return t.Status
	}
}

// AvailablePayoutMethods lists the settlement paths a claimant may choose.
// Fiat is offered only for tokens the fiat bridge can settle.
func AvailablePayoutMethods(t *Transfer, now time.Time, fiatTokens []Token) []PayoutMethod {
	if !IsClaimable(t, now) {
		return []PayoutMethod{}
	}
	methods := []PayoutMethod{PayoutCrypto}
	if FiatEligible(t.Token, fiatTokens) {
		methods = append(methods, PayoutFiat)
	}
	return methods
}

// FiatEligible reports whether token appears in the fiat-enabled set.
func FiatEligible(token Token, fiatTokens []Token) bool {
	for _, candidate := range fiatTokens {
		if candidate == token {
			return true
		}
	}
	return false
}

// ClaimView is what a recipient sees when opening a claim link. It omits
// sender identity and settlement references.
type ClaimView struct {
	ID               uuid.UUID       `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	Token            Token           `json:"token"`
	Note             *string         `json:"note,omitempty"`
	Status           TransferStatus  `json:"status"`
	IsClaimable      bool            `json:"is_claimable"`
	TimeRemaining    TimeRemaining   `json:"time_remaining"`
	PayoutMethods    []PayoutMethod  `json:"payout_methods"`
	ClaimedByAddress *string         `json:"claimed_by_address,omitempty"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	Message          string          `json:"message"`
}

// NewClaimView derives the recipient-facing view of t at the given instant.
func NewClaimView(t *Transfer, now time.Time, fiatTokens []Token) ClaimView {
	status := DisplayStatus(t, now)
	return ClaimView{
		ID:               t.ID,
		Amount:           t.Amount,
		Token:            t.Token,
		Note:             t.Note,
		Status:           status,
		IsClaimable:      IsClaimable(t, now),
		TimeRemaining:    ComputeTimeRemaining(now, t.ExpiresAt),
		PayoutMethods:    AvailablePayoutMethods(t, now, fiatTokens),
		ClaimedByAddress: t.ClaimedByAddress,
		ClaimedAt:        t.ClaimedAt,
		ExpiresAt:        t.ExpiresAt,
		Message:          claimMessage(status),
	}
}

func claimMessage(status TransferStatus) string {
	switch status {
	case StatusPending:
		return "These funds are ready to claim."
	case StatusExpired:
		return "This transfer has expired. Contact the sender to request a new link."
	case StatusProcessing:
		return "This transfer is being settled."
	case StatusClaimed:
		return "This transfer has already been claimed."
	case StatusRefunded:
		return "This transfer was returned to the sender."
	case StatusFailed:
		return "This transfer could not be funded."
	default:
		return ""
	}
}
