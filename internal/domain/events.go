package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the events exchange.
const (
	EventTransferCreated          = "transfer.created"
	EventTransferClaimed          = "transfer.claimed"
	EventTransferRefunded         = "transfer.refunded"
	EventFiatSettlementRequested  = "transfer.fiat_settlement.requested"
	EventFiatSettlementCompleted  = "fiat.settlement.completed"
	EventNotificationClaimNotice  = "notification.transfer.claim_notice"
	EventNotificationClaimConfirm = "notification.transfer.claim_confirmation"
	EventNotificationExpiryRemind = "notification.transfer.expiry_reminder"
)

// TransferEvent is published on every lifecycle transition.
type TransferEvent struct {
	TransferID   uuid.UUID       `json:"transfer_id"`
	SenderID     string          `json:"sender_id"`
	Status       TransferStatus  `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Token        Token           `json:"token"`
	PayoutMethod *PayoutMethod   `json:"payout_method,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// FiatSettlementRequestedEvent asks the fiat bridge to pay a claimant out.
type FiatSettlementRequestedEvent struct {
	TransferID     uuid.UUID       `json:"transfer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Token          Token           `json:"token"`
	RecipientEmail *string         `json:"recipient_email,omitempty"`
	RequestedAt    time.Time       `json:"requested_at"`
}

// FiatSettlementCompletedEvent is consumed from the fiat bridge.
type FiatSettlementCompletedEvent struct {
	TransferID  uuid.UUID `json:"transfer_id"`
	ProviderRef string    `json:"provider_ref"`
}

// ClaimNotice tells a recipient funds are waiting for them.
type ClaimNotice struct {
	TransferID     uuid.UUID       `json:"transfer_id"`
	RecipientEmail string          `json:"recipient_email"`
	Amount         decimal.Decimal `json:"amount"`
	Token          Token           `json:"token"`
	ClaimLink      string          `json:"claim_link"`
	Note           *string         `json:"note,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// ClaimConfirmation tells a sender their transfer was claimed.
type ClaimConfirmation struct {
	TransferID   uuid.UUID       `json:"transfer_id"`
	SenderID     string          `json:"sender_id"`
	SenderEmail  *string         `json:"sender_email,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Token        Token           `json:"token"`
	PayoutMethod PayoutMethod    `json:"payout_method"`
	ClaimedAt    time.Time       `json:"claimed_at"`
}

// ExpiryReminder warns a recipient that an unclaimed transfer is about to lapse.
type ExpiryReminder struct {
	TransferID     uuid.UUID       `json:"transfer_id"`
	RecipientEmail string          `json:"recipient_email"`
	Amount         decimal.Decimal `json:"amount"`
	Token          Token           `json:"token"`
	ClaimLink      string          `json:"claim_link"`
	ExpiresAt      time.Time       `json:"expires_at"`
}
