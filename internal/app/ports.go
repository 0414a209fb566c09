package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/shopspring/decimal"
)

// Ledger moves and reports custody of escrowed funds. Mutating calls return
// only once the ledger transaction is sealed, or with an error.
type Ledger interface {
	Lock(ctx context.Context, transferID uuid.UUID, claimToken string, amount decimal.Decimal, token domain.Token, senderAddress string) (string, error)
	Release(ctx context.Context, claimToken string, token domain.Token, recipientAddress string) (string, error)
	ReturnToSender(ctx context.Context, transferID uuid.UUID, token domain.Token, senderAddress string) (string, error)
	// GetByClaimToken returns nil when the ledger holds no escrow for claimToken.
	GetByClaimToken(ctx context.Context, claimToken string) (*domain.LedgerTransferView, error)
	GetMetrics(ctx context.Context) (*domain.LedgerMetrics, error)
}

// Notifier delivers transfer messages. Failures are logged by the caller and
// never undo a committed transition.
type Notifier interface {
	SendClaimNotice(ctx context.Context, notice domain.ClaimNotice) error
	SendClaimConfirmation(ctx context.Context, confirmation domain.ClaimConfirmation) error
	SendExpiryReminder(ctx context.Context, reminder domain.ExpiryReminder) error
}
