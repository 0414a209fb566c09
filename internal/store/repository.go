/**
 * @description
 * This file defines the persistence contract for the transfer-service. The
 * transfers table is the single source of truth for a transfer's state; every
 * status change goes through one of the conditional writes below so that
 * concurrent callers cannot both settle the same transfer.
 *
 * @dependencies
 * - internal/domain: Transfer and token types.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrTransferNotFound   = errors.New("transfer not found")
	ErrClaimTokenConflict = errors.New("claim token already in use")
	// ErrStatusConflict means a conditional write matched no row: the record
	// was no longer in the expected status (or outside the expiry guard).
	ErrStatusConflict = errors.New("transfer status changed concurrently")
)

// ClaimCompletion carries the settlement details written on a successful release.
type ClaimCompletion struct {
	ClaimTxRef       string
	ClaimedByAddress string
	ClaimedAt        time.Time
}

// FiatClaim carries the details written when a transfer is claimed for fiat payout.
type FiatClaim struct {
	ClaimedAt      time.Time
	ClaimedByEmail *string
	Note           string
}

// Repository defines the data access surface for transfers.
type Repository interface {
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	GetTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	GetTransferByClaimToken(ctx context.Context, claimToken string) (*domain.Transfer, error)
	ListTransfersBySender(ctx context.Context, senderID string, limit, offset int) ([]domain.Transfer, error)

	MarkEscrowLocked(ctx context.Context, id uuid.UUID, escrowTxRef string) (*domain.Transfer, error)
	// MarkTransferFailed moves a pending transfer to failed. needsReconcile
	// flags a lock whose outcome is unknown.
	MarkTransferFailed(ctx context.Context, id uuid.UUID, reason string, needsReconcile bool) error

	// ReserveForClaim moves pending → claiming while now < expires_at.
	ReserveForClaim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Transfer, error)
	// ReserveForRefund moves pending → refunding once now >= expires_at.
	ReserveForRefund(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Transfer, error)
	CompleteClaim(ctx context.Context, id uuid.UUID, completion ClaimCompletion) (*domain.Transfer, error)
	CompleteRefund(ctx context.Context, id uuid.UUID, claimTxRef string, refundedAt time.Time) (*domain.Transfer, error)
	// ReleaseReservation returns a claiming/refunding transfer to pending.
	ReleaseReservation(ctx context.Context, id uuid.UUID, from domain.TransferStatus, reason string) error
	// FlagForReconcile keeps the reservation and records why it is stuck.
	FlagForReconcile(ctx context.Context, id uuid.UUID, from domain.TransferStatus, reason string) error
	// ClaimForFiat moves pending → claimed with payout_method fiat while now < expires_at.
	ClaimForFiat(ctx context.Context, id uuid.UUID, now time.Time, claim FiatClaim) (*domain.Transfer, error)
	RecordFiatSettlement(ctx context.Context, id uuid.UUID, providerRef string, settledAt time.Time) (*domain.Transfer, error)
	// ResolveFailedLock closes out a failed transfer whose funds turned out to
	// be locked and were returned to the sender.
	ResolveFailedLock(ctx context.Context, id uuid.UUID, escrowTxRef, claimTxRef string, refundedAt time.Time) (*domain.Transfer, error)
	ClearReconcileFlag(ctx context.Context, id uuid.UUID, reason string) error

	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)
	ListReminderCandidates(ctx context.Context, now, horizon time.Time, limit int) ([]domain.Transfer, error)
	// MarkReminderSent returns false when a reminder was already recorded.
	MarkReminderSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error)
	ListStuckTransfers(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error)
	SumCustodyByToken(ctx context.Context) (map[domain.Token]decimal.Decimal, error)
}
