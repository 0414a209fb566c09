package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
	"golang.org/x/sync/errgroup"
)

// SweepResult summarises one pass of the expiry sweep.
type SweepResult struct {
	Candidates int   `json:"candidates"`
	Refunded   int64 `json:"refunded"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
}

// RefundTransfer returns an expired, unclaimed transfer to its sender.
// senderAddress must match the address that funded the escrow.
func (s *Service) RefundTransfer(ctx context.Context, id uuid.UUID, senderAddress string) (*domain.Transfer, error) {
	senderAddress = strings.TrimSpace(senderAddress)
	if senderAddress == "" {
		return nil, validationError("sender address is required")
	}

	transfer, err := s.repo.GetTransferByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	if !strings.EqualFold(transfer.SenderAddress, senderAddress) {
		return nil, ErrUnauthorized
	}
	return s.refund(ctx, transfer, "refund")
}

// refund runs the reserve → return → complete saga for a transfer already
// loaded and authorised.
func (s *Service) refund(ctx context.Context, transfer *domain.Transfer, flow string) (*domain.Transfer, error) {
	now := s.now()
	if !domain.IsExpired(transfer, now) {
		return nil, ErrNotYetExpired
	}
	if transfer.Status != domain.StatusPending {
		return nil, ErrAlreadySettled
	}

	log := s.logger.With().Str("flow", flow).Str("transfer_id", transfer.ID.String()).
		Str("token_fp", tokenFingerprint(transfer.ClaimToken)).Logger()

	reserved, err := s.repo.ReserveForRefund(ctx, transfer.ID, now)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, ErrAlreadySettled
		}
		return nil, fmt.Errorf("failed to reserve transfer: %w", err)
	}

	settleCtx := context.WithoutCancel(ctx)
	returnTxRef, returnErr := s.ledger.ReturnToSender(settleCtx, reserved.ID, reserved.Token, reserved.SenderAddress)
	if returnErr != nil {
		s.compensateReservation(settleCtx, reserved, domain.StatusRefunding, "return", returnErr)
		return nil, ledgerError("return", returnErr)
	}

	refunded, err := s.repo.CompleteRefund(settleCtx, reserved.ID, returnTxRef, s.now())
	if err != nil {
		log.Error().Str("return_tx_ref", returnTxRef).Err(err).Msg("CRITICAL: funds returned but refund not recorded")
		if flagErr := s.repo.FlagForReconcile(settleCtx, reserved.ID, domain.StatusRefunding, "return sealed but completion not recorded"); flagErr != nil {
			log.Error().Err(flagErr).Msg("CRITICAL: failed to flag refund for reconciliation")
		}
		return nil, fmt.Errorf("failed to record refund: %w", err)
	}

	log.Info().Str("return_tx_ref", returnTxRef).Msg("transfer refunded")
	s.publishTransition(ctx, domain.EventTransferRefunded, refunded)
	return refunded, nil
}

// SweepExpiredTransfers refunds up to one batch of expired pending transfers.
// A failure on one transfer never stops the rest of the batch.
func (s *Service) SweepExpiredTransfers(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	candidates, err := s.repo.ListExpiredPending(ctx, s.now(), s.opts.SweepBatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list expired transfers: %w", err)
	}
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		return result, nil
	}

	var refunded, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.SweepConcurrency)
	for i := range candidates {
		transfer := &candidates[i]
		g.Go(func() error {
			_, err := s.refund(ctx, transfer, "sweep")
			switch {
			case err == nil:
				refunded.Add(1)
			case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrNotYetExpired):
				skipped.Add(1)
			default:
				failed.Add(1)
				s.logger.Error().Str("flow", "sweep").Str("transfer_id", transfer.ID.String()).Err(err).Msg("expired transfer refund failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Refunded = refunded.Load()
	result.Skipped = skipped.Load()
	result.Failed = failed.Load()
	s.logger.Info().Int("candidates", result.Candidates).Int64("refunded", result.Refunded).
		Int64("skipped", result.Skipped).Int64("failed", result.Failed).Msg("expiry sweep finished")
	return result, nil
}
