package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
)

// ClaimTransfer settles a pending transfer to its claimant. Exactly one of any
// number of concurrent claims on the same token succeeds; the rest observe
// ErrAlreadySettled.
func (s *Service) ClaimTransfer(ctx context.Context, req domain.ClaimTransferRequest) (*domain.Transfer, error) {
	claimToken := strings.TrimSpace(req.ClaimToken)
	if claimToken == "" {
		return nil, validationError("claim token is required")
	}
	method, err := domain.ParsePayoutMethod(req.PayoutMethod)
	if err != nil {
		return nil, validationError("%v", err)
	}
	recipientAddress := strings.TrimSpace(req.RecipientAddress)
	if method == domain.PayoutCrypto && recipientAddress == "" {
		return nil, validationError("recipient address is required for crypto payout")
	}
	recipientEmail, err := parseOptionalEmail("recipient email", req.RecipientEmail)
	if err != nil {
		return nil, err
	}

	transfer, err := s.repo.GetTransferByClaimToken(ctx, claimToken)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	if transfer.Status != domain.StatusPending {
		return nil, ErrAlreadySettled
	}
	now := s.now()
	if domain.IsExpired(transfer, now) {
		return nil, ErrExpired
	}

	var claimed *domain.Transfer
	switch method {
	case domain.PayoutCrypto:
		claimed, err = s.claimCrypto(ctx, transfer, recipientAddress, now)
	case domain.PayoutFiat:
		claimed, err = s.claimFiat(ctx, transfer, recipientEmail, now)
	default:
		return nil, validationError("unsupported payout method %q", method)
	}
	if err != nil {
		return nil, err
	}

	s.notifySenderAsync(claimed, method)
	s.publishTransition(ctx, domain.EventTransferClaimed, claimed)
	return claimed, nil
}

func (s *Service) claimCrypto(ctx context.Context, transfer *domain.Transfer, recipientAddress string, now time.Time) (*domain.Transfer, error) {
	log := s.logger.With().Str("flow", "claim").Str("payout", string(domain.PayoutCrypto)).
		Str("transfer_id", transfer.ID.String()).Str("token_fp", tokenFingerprint(transfer.ClaimToken)).Logger()

	reserved, err := s.repo.ReserveForClaim(ctx, transfer.ID, now)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, s.classifyLostRace(ctx, transfer.ID, now)
		}
		return nil, fmt.Errorf("failed to reserve transfer: %w", err)
	}

	settleCtx := context.WithoutCancel(ctx)
	claimTxRef, releaseErr := s.ledger.Release(settleCtx, reserved.ClaimToken, reserved.Token, recipientAddress)
	if releaseErr != nil {
		s.compensateReservation(settleCtx, reserved, domain.StatusClaiming, "release", releaseErr)
		return nil, ledgerError("release", releaseErr)
	}

	claimed, err := s.repo.CompleteClaim(settleCtx, reserved.ID, store.ClaimCompletion{
		ClaimTxRef:       claimTxRef,
		ClaimedByAddress: recipientAddress,
		ClaimedAt:        s.now(),
	})
	if err != nil {
		log.Error().Str("claim_tx_ref", claimTxRef).Err(err).Msg("CRITICAL: funds released but claim not recorded")
		if flagErr := s.repo.FlagForReconcile(settleCtx, reserved.ID, domain.StatusClaiming, "release sealed but completion not recorded"); flagErr != nil {
			log.Error().Err(flagErr).Msg("CRITICAL: failed to flag claim for reconciliation")
		}
		return nil, fmt.Errorf("failed to record claim: %w", err)
	}

	log.Info().Str("claim_tx_ref", claimTxRef).Msg("transfer claimed")
	return claimed, nil
}

// claimFiat hands settlement to the fiat bridge. Custody stays in escrow until
// the bridge reports completion through CompleteFiatSettlement.
func (s *Service) claimFiat(ctx context.Context, transfer *domain.Transfer, recipientEmail *string, now time.Time) (*domain.Transfer, error) {
	if !domain.FiatEligible(transfer.Token, s.opts.FiatTokens) {
		return nil, validationError("fiat payout is not available for %s", transfer.Token)
	}

	claimed, err := s.repo.ClaimForFiat(ctx, transfer.ID, now, store.FiatClaim{
		ClaimedAt:      now,
		ClaimedByEmail: recipientEmail,
		Note:           fiatClaimNote,
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, s.classifyLostRace(ctx, transfer.ID, now)
		}
		return nil, fmt.Errorf("failed to record fiat claim: %w", err)
	}

	s.publishEvent(ctx, domain.EventFiatSettlementRequested, domain.FiatSettlementRequestedEvent{
		TransferID:     claimed.ID,
		Amount:         claimed.Amount,
		Token:          claimed.Token,
		RecipientEmail: claimed.ClaimedByEmail,
		RequestedAt:    now,
	})
	s.logger.Info().Str("flow", "claim").Str("payout", string(domain.PayoutFiat)).
		Str("transfer_id", claimed.ID.String()).Msg("transfer claimed for fiat settlement")
	return claimed, nil
}

// classifyLostRace explains why a conditional write matched nothing.
func (s *Service) classifyLostRace(ctx context.Context, id uuid.UUID, now time.Time) error {
	current, err := s.repo.GetTransferByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return ErrNotFound
		}
		return ErrAlreadySettled
	}
	if current.Status == domain.StatusPending && domain.IsExpired(current, now) {
		return ErrExpired
	}
	return ErrAlreadySettled
}

// compensateReservation undoes a claiming/refunding reservation after a ledger
// failure. An explicit rejection proves the escrow is untouched, so the
// transfer goes back to pending. Any other failure leaves the reservation in
// place for reconciliation.
func (s *Service) compensateReservation(ctx context.Context, reserved *domain.Transfer, from domain.TransferStatus, op string, ledgerErr error) {
	log := s.logger.With().Str("flow", op).Str("transfer_id", reserved.ID.String()).
		Str("token_fp", tokenFingerprint(reserved.ClaimToken)).Logger()

	if isExplicitRejection(ledgerErr) {
		if err := s.repo.ReleaseReservation(ctx, reserved.ID, from, op+" rejected: "+ledgerErr.Error()); err != nil {
			log.Error().Err(err).Msg("CRITICAL: ledger rejected operation and reservation could not be reverted")
			return
		}
		log.Warn().Err(ledgerErr).Msg("ledger rejected operation; transfer returned to pending")
		return
	}

	if err := s.repo.FlagForReconcile(ctx, reserved.ID, from, op+" unconfirmed: "+ledgerErr.Error()); err != nil {
		log.Error().Err(err).Msg("CRITICAL: failed to flag unconfirmed ledger outcome")
		return
	}
	log.Error().Err(ledgerErr).Msg("ledger outcome unconfirmed; reservation held for reconciliation")
}

func (s *Service) notifySenderAsync(t *domain.Transfer, method domain.PayoutMethod) {
	if s.notifier == nil {
		return
	}
	claimedAt := s.now()
	if t.ClaimedAt != nil {
		claimedAt = *t.ClaimedAt
	}
	confirmation := domain.ClaimConfirmation{
		TransferID:   t.ID,
		SenderID:     t.SenderID,
		SenderEmail:  t.SenderEmail,
		Amount:       t.Amount,
		Token:        t.Token,
		PayoutMethod: method,
		ClaimedAt:    claimedAt,
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
		defer cancel()
		if err := s.notifier.SendClaimConfirmation(ctx, confirmation); err != nil {
			s.logger.Warn().Str("flow", "claim").Str("transfer_id", confirmation.TransferID.String()).Err(err).Msg("claim confirmation failed")
		}
	}()
}
