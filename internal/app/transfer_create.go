package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// CreateTransfer records a pending transfer, locks the funds in escrow and,
// when asked, emails the claim link to the recipient.
//
// The record is written before the lock so every escrow has an owning row. If
// the lock fails the row is marked failed and never left pending without funds.
func (s *Service) CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		return nil, validationError("sender id is required")
	}
	senderAddress := strings.TrimSpace(req.SenderAddress)
	if senderAddress == "" {
		return nil, validationError("sender address is required")
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, validationError("%v", err)
	}
	token, err := domain.ParseToken(req.Token)
	if err != nil {
		return nil, validationError("%v", err)
	}
	recipientEmail, err := parseOptionalEmail("recipient email", req.RecipientEmail)
	if err != nil {
		return nil, err
	}
	senderEmail, err := parseOptionalEmail("sender email", req.SenderEmail)
	if err != nil {
		return nil, err
	}
	note := optionalString(req.Note)
	if note != nil && len([]rune(*note)) > maxNoteLength {
		return nil, validationError("note must be at most %d characters", maxNoteLength)
	}

	now := s.now()
	transfer := &domain.Transfer{
		ID:             uuid.New(),
		SenderID:       senderID,
		SenderAddress:  senderAddress,
		SenderEmail:    senderEmail,
		RecipientEmail: recipientEmail,
		Amount:         req.Amount,
		Token:          token,
		Note:           note,
		Status:         domain.StatusPending,
		ExpiresAt:      now.Add(s.opts.ExpiryWindow),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.insertWithUniqueClaimToken(ctx, transfer); err != nil {
		return nil, err
	}

	log := s.logger.With().Str("flow", "create").Str("transfer_id", transfer.ID.String()).
		Str("token_fp", tokenFingerprint(transfer.ClaimToken)).Logger()

	// The lock must run to a definitive outcome even if the caller goes away.
	settleCtx := context.WithoutCancel(ctx)
	escrowTxRef, lockErr := s.ledger.Lock(settleCtx, transfer.ID, transfer.ClaimToken, transfer.Amount, transfer.Token, transfer.SenderAddress)
	if lockErr != nil {
		ambiguous := !isExplicitRejection(lockErr)
		reason := "escrow lock failed: " + lockErr.Error()
		if ambiguous {
			reason = "escrow lock unconfirmed: " + lockErr.Error()
		}
		if markErr := s.repo.MarkTransferFailed(settleCtx, transfer.ID, reason, ambiguous); markErr != nil {
			log.Error().Err(markErr).Msg("CRITICAL: escrow lock failed and transfer could not be marked failed")
		}
		log.Warn().Bool("ambiguous", ambiguous).Err(lockErr).Msg("escrow lock failed; transfer marked failed")
		return nil, ledgerError("lock", lockErr)
	}

	locked, err := s.repo.MarkEscrowLocked(settleCtx, transfer.ID, escrowTxRef)
	if err != nil {
		log.Error().Str("escrow_tx_ref", escrowTxRef).Err(err).Msg("CRITICAL: funds locked but escrow reference not recorded")
		return nil, fmt.Errorf("failed to record escrow reference: %w", err)
	}
	locked.ClaimLink = s.claimLink(locked)
	log.Info().Str("escrow_tx_ref", escrowTxRef).Str("amount", locked.Amount.String()).Str("asset", string(locked.Token)).Msg("transfer created")

	if req.SendEmail && locked.RecipientEmail != nil {
		s.sendClaimNotice(ctx, locked)
	}
	s.publishTransition(ctx, domain.EventTransferCreated, locked)

	return locked, nil
}

// insertWithUniqueClaimToken retries with a fresh token when the store's
// unique index reports a collision.
func (s *Service) insertWithUniqueClaimToken(ctx context.Context, transfer *domain.Transfer) error {
	for attempt := 1; attempt <= maxClaimTokenAttempts; attempt++ {
		claimToken, err := s.newClaimToken()
		if err != nil {
			return fmt.Errorf("failed to generate claim token: %w", err)
		}
		transfer.ClaimToken = claimToken

		err = s.repo.CreateTransfer(ctx, transfer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrClaimTokenConflict) {
			return fmt.Errorf("failed to persist transfer: %w", err)
		}
		s.logger.Warn().Str("transfer_id", transfer.ID.String()).Int("attempt", attempt).Msg("claim token collision; regenerating")
	}
	return fmt.Errorf("failed to allocate a unique claim token after %d attempts", maxClaimTokenAttempts)
}

func (s *Service) sendClaimNotice(ctx context.Context, t *domain.Transfer) {
	if s.notifier == nil {
		return
	}
	notice := domain.ClaimNotice{
		TransferID:     t.ID,
		RecipientEmail: *t.RecipientEmail,
		Amount:         t.Amount,
		Token:          t.Token,
		ClaimLink:      s.claimLink(t),
		Note:           t.Note,
		ExpiresAt:      t.ExpiresAt,
	}
	if err := s.notifier.SendClaimNotice(ctx, notice); err != nil {
		s.logger.Warn().Str("flow", "create").Str("transfer_id", t.ID.String()).Err(err).Msg("claim notice failed; transfer remains valid")
	}
}

// GetClaimView returns the recipient-facing view for a claim token.
func (s *Service) GetClaimView(ctx context.Context, claimToken string) (*domain.ClaimView, error) {
	claimToken = strings.TrimSpace(claimToken)
	if claimToken == "" {
		return nil, ErrNotFound
	}
	transfer, err := s.repo.GetTransferByClaimToken(ctx, claimToken)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	view := domain.NewClaimView(transfer, s.now(), s.opts.FiatTokens)
	return &view, nil
}

// GetSenderTransfer returns a transfer owned by senderID. Transfers owned by
// someone else are reported as not found.
func (s *Service) GetSenderTransfer(ctx context.Context, id uuid.UUID, senderID string) (*domain.Transfer, error) {
	transfer, err := s.repo.GetTransferByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	if transfer.SenderID != senderID {
		return nil, ErrNotFound
	}
	transfer.ClaimLink = s.claimLink(transfer)
	return transfer, nil
}

// ListSenderTransfers pages through a sender's transfers, newest first.
func (s *Service) ListSenderTransfers(ctx context.Context, senderID string, limit, offset int) ([]domain.Transfer, error) {
	if strings.TrimSpace(senderID) == "" {
		return nil, validationError("sender id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	transfers, err := s.repo.ListTransfersBySender(ctx, senderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	for i := range transfers {
		transfers[i].ClaimLink = s.claimLink(&transfers[i])
	}
	return transfers, nil
}

func parseOptionalEmail(field, raw string) (*string, error) {
	value := optionalString(raw)
	if value == nil {
		return nil, nil
	}
	parsed, err := mail.ParseAddress(*value)
	if err != nil || parsed.Address != *value {
		return nil, validationError("%s is not a valid email address", field)
	}
	return value, nil
}
