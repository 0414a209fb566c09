/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. Status changes are
 * single conditional UPDATE ... WHERE status = ... RETURNING statements; when
 * no row comes back the caller lost a race and receives ErrStatusConflict.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC amounts.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation   = "23505"
	pgUndefinedTable    = "42P01"
	claimTokenIndexName = "transfers_claim_token_key"
)

const transferColumns = `
	id, sender_id, sender_address, sender_email, recipient_email, amount::text, token,
	claim_token, note, status, payout_method, escrow_tx_ref, claim_tx_ref,
	claimed_by_address, claimed_by_email, claimed_at, failure_reason, needs_reconcile,
	reminder_sent_at, fiat_settlement_ref, fiat_settled_at, expires_at, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t            domain.Transfer
		amount       string
		token        string
		status       string
		payoutMethod *string
	)
	err := row.Scan(
		&t.ID, &t.SenderID, &t.SenderAddress, &t.SenderEmail, &t.RecipientEmail, &amount, &token,
		&t.ClaimToken, &t.Note, &status, &payoutMethod, &t.EscrowTxRef, &t.ClaimTxRef,
		&t.ClaimedByAddress, &t.ClaimedByEmail, &t.ClaimedAt, &t.FailureReason, &t.NeedsReconcile,
		&t.ReminderSentAt, &t.FiatSettlementRef, &t.FiatSettledAt, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	t.Token = domain.Token(token)
	t.Status = domain.TransferStatus(status)
	if payoutMethod != nil {
		method := domain.PayoutMethod(*payoutMethod)
		t.PayoutMethod = &method
	}
	return &t, nil
}

func collectTransfers(rows pgx.Rows) ([]domain.Transfer, error) {
	defer rows.Close()
	transfers := make([]domain.Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// conditionalUpdate runs an UPDATE ... RETURNING and maps "no row" onto ErrStatusConflict.
func (r *PostgresRepository) conditionalUpdate(ctx context.Context, query string, args ...any) (*domain.Transfer, error) {
	t, err := scanTransfer(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStatusConflict
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) conditionalExec(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// CreateTransfer inserts a new pending transfer. A clash on the claim token
// index is reported as ErrClaimTokenConflict so the caller can regenerate.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	query := `
		INSERT INTO transfers (
			id, sender_id, sender_address, sender_email, recipient_email, amount, token,
			claim_token, note, status, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $12)
	`
	_, err := r.db.Exec(ctx, query,
		t.ID, t.SenderID, t.SenderAddress, t.SenderEmail, t.RecipientEmail, t.Amount.String(), string(t.Token),
		t.ClaimToken, t.Note, string(t.Status), t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, claimTokenIndexName) {
			return ErrClaimTokenConflict
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	t.UpdatedAt = t.CreatedAt
	return nil
}

func (r *PostgresRepository) GetTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	t, err := scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) GetTransferByClaimToken(ctx context.Context, claimToken string) (*domain.Transfer, error) {
	t, err := scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE claim_token = $1`, claimToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) ListTransfersBySender(ctx context.Context, senderID string, limit, offset int) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfers
		WHERE sender_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, senderID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

func (r *PostgresRepository) MarkEscrowLocked(ctx context.Context, id uuid.UUID, escrowTxRef string) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET escrow_tx_ref = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND escrow_tx_ref IS NULL
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, escrowTxRef)
}

func (r *PostgresRepository) MarkTransferFailed(ctx context.Context, id uuid.UUID, reason string, needsReconcile bool) error {
	query := `
		UPDATE transfers
		SET status = 'failed', failure_reason = $2, needs_reconcile = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	return r.conditionalExec(ctx, query, id, reason, needsReconcile)
}

func (r *PostgresRepository) ReserveForClaim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET status = 'claiming', payout_method = 'crypto', updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND expires_at > $2
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, now)
}

func (r *PostgresRepository) ReserveForRefund(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET status = 'refunding', updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, now)
}

func (r *PostgresRepository) CompleteClaim(ctx context.Context, id uuid.UUID, c ClaimCompletion) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET status = 'claimed', claim_tx_ref = $2, claimed_by_address = $3, claimed_at = $4,
			failure_reason = NULL, needs_reconcile = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'claiming'
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, c.ClaimTxRef, c.ClaimedByAddress, c.ClaimedAt)
}

func (r *PostgresRepository) CompleteRefund(ctx context.Context, id uuid.UUID, claimTxRef string, refundedAt time.Time) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET status = 'refunded', claim_tx_ref = $2, claimed_at = $3,
			failure_reason = NULL, needs_reconcile = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'refunding'
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, claimTxRef, refundedAt)
}

func (r *PostgresRepository) ReleaseReservation(ctx context.Context, id uuid.UUID, from domain.TransferStatus, reason string) error {
	query := `
		UPDATE transfers
		SET status = 'pending', payout_method = NULL, failure_reason = NULLIF($3, ''),
			needs_reconcile = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.conditionalExec(ctx, query, id, string(from), reason)
}

func (r *PostgresRepository) FlagForReconcile(ctx context.Context, id uuid.UUID, from domain.TransferStatus, reason string) error {
	query := `
		UPDATE transfers
		SET failure_reason = $3, needs_reconcile = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.conditionalExec(ctx, query, id, string(from), reason)
}

func (r *PostgresRepository) ClaimForFiat(ctx context.Context, id uuid.UUID, now time.Time, c FiatClaim) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET status = 'claimed', payout_method = 'fiat', claimed_at = $3, claimed_by_email = $4,
			note = CASE WHEN note IS NULL OR note = '' THEN $5 ELSE note || E'\n' || $5 END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND expires_at > $2
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, now, c.ClaimedAt, c.ClaimedByEmail, c.Note)
}

func (r *PostgresRepository) RecordFiatSettlement(ctx context.Context, id uuid.UUID, providerRef string, settledAt time.Time) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET fiat_settlement_ref = $2, fiat_settled_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed' AND payout_method = 'fiat' AND fiat_settled_at IS NULL
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, providerRef, settledAt)
}

func (r *PostgresRepository) ResolveFailedLock(ctx context.Context, id uuid.UUID, escrowTxRef, claimTxRef string, refundedAt time.Time) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET status = 'refunded', escrow_tx_ref = COALESCE(escrow_tx_ref, NULLIF($2, '')),
			claim_tx_ref = $3, claimed_at = $4, needs_reconcile = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND needs_reconcile
		RETURNING ` + transferColumns
	return r.conditionalUpdate(ctx, query, id, escrowTxRef, claimTxRef, refundedAt)
}

func (r *PostgresRepository) ClearReconcileFlag(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE transfers
		SET needs_reconcile = FALSE, failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND needs_reconcile
	`
	return r.conditionalExec(ctx, query, id, reason)
}

// ListExpiredPending uses the same expires_at comparison as the claim gate.
func (r *PostgresRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfers
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

func (r *PostgresRepository) ListReminderCandidates(ctx context.Context, now, horizon time.Time, limit int) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfers
		WHERE status = 'pending'
			AND recipient_email IS NOT NULL
			AND reminder_sent_at IS NULL
			AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, now, horizon, limit)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

func (r *PostgresRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	query := `
		UPDATE transfers
		SET reminder_sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND reminder_sent_at IS NULL AND status = 'pending'
	`
	err := r.conditionalExec(ctx, query, id, sentAt)
	if errors.Is(err, ErrStatusConflict) {
		return false, nil
	}
	return err == nil, err
}

func (r *PostgresRepository) ListStuckTransfers(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfers
		WHERE (status IN ('claiming', 'refunding') AND updated_at < $1)
			OR (status = 'failed' AND needs_reconcile AND updated_at < $1)
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

// SumCustodyByToken totals what the escrow account should currently hold:
// every funded transfer not yet released or returned, including fiat claims
// the bridge has not settled.
func (r *PostgresRepository) SumCustodyByToken(ctx context.Context) (map[domain.Token]decimal.Decimal, error) {
	query := `
		SELECT token, COALESCE(SUM(amount), 0)::text
		FROM transfers
		WHERE escrow_tx_ref IS NOT NULL
			AND (
				status IN ('pending', 'claiming', 'refunding')
				OR (status = 'claimed' AND payout_method = 'fiat' AND fiat_settled_at IS NULL)
			)
		GROUP BY token
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		if isUndefinedTableError(err) {
			return map[domain.Token]decimal.Decimal{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	totals := make(map[domain.Token]decimal.Decimal)
	for rows.Next() {
		var token, sum string
		if err := rows.Scan(&token, &sum); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(sum)
		if err != nil {
			return nil, fmt.Errorf("invalid custody sum %q: %w", sum, err)
		}
		totals[domain.Token(token)] = amount
	}
	return totals, rows.Err()
}
