package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
)

const fiatEventTimeout = 2 * time.Minute

// CompleteFiatSettlement closes out a fiat claim once the bridge has paid the
// recipient: the escrow is released to the bridge's settlement address and
// the provider reference is recorded.
func (s *Service) CompleteFiatSettlement(ctx context.Context, id uuid.UUID, providerRef string) (*domain.Transfer, error) {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return nil, validationError("provider reference is required")
	}
	bridgeAddress := strings.TrimSpace(s.opts.FiatBridgeAddress)
	if bridgeAddress == "" {
		return nil, validationError("fiat bridge address is not configured")
	}

	transfer, err := s.repo.GetTransferByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	if transfer.Status != domain.StatusClaimed || transfer.PayoutMethod == nil || *transfer.PayoutMethod != domain.PayoutFiat {
		return nil, validationError("transfer is not awaiting fiat settlement")
	}
	if transfer.FiatSettledAt != nil {
		return nil, ErrAlreadySettled
	}

	log := s.logger.With().Str("flow", "fiat_settlement").Str("transfer_id", transfer.ID.String()).
		Str("provider_ref", providerRef).Logger()

	settleCtx := context.WithoutCancel(ctx)
	if _, err := s.ledger.Release(settleCtx, transfer.ClaimToken, transfer.Token, bridgeAddress); err != nil {
		if !isExplicitRejection(err) || !s.releasedToBridge(settleCtx, transfer, bridgeAddress) {
			log.Warn().Err(err).Msg("fiat settlement release failed")
			return nil, ledgerError("release", err)
		}
		log.Info().Msg("escrow already released to bridge; recording settlement")
	}

	settled, err := s.repo.RecordFiatSettlement(settleCtx, transfer.ID, providerRef, s.now())
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, ErrAlreadySettled
		}
		log.Error().Err(err).Msg("CRITICAL: escrow released to bridge but settlement not recorded")
		return nil, fmt.Errorf("failed to record fiat settlement: %w", err)
	}
	log.Info().Msg("fiat settlement recorded")
	return settled, nil
}

// releasedToBridge reports whether an earlier attempt already moved the escrow
// to the bridge, so a redelivered completion can still be recorded.
func (s *Service) releasedToBridge(ctx context.Context, t *domain.Transfer, bridgeAddress string) bool {
	view, err := s.ledger.GetByClaimToken(ctx, t.ClaimToken)
	if err != nil || view == nil {
		return false
	}
	return view.State == domain.LedgerReleased && strings.EqualFold(view.RecipientAddress, bridgeAddress)
}

// HandleFiatSettlementCompleted consumes a bridge completion message. It
// returns false only when the message should be redelivered.
func (s *Service) HandleFiatSettlementCompleted(body []byte) bool {
	var event domain.FiatSettlementCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error().Err(err).Msg("dropping malformed fiat settlement event")
		return true
	}
	if event.TransferID == uuid.Nil {
		s.logger.Error().Msg("dropping fiat settlement event without transfer id")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), fiatEventTimeout)
	defer cancel()

	_, err := s.CompleteFiatSettlement(ctx, event.TransferID, event.ProviderRef)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation):
		s.logger.Warn().Str("transfer_id", event.TransferID.String()).Err(err).Msg("fiat settlement event not applicable; acknowledging")
		return true
	default:
		s.logger.Error().Str("transfer_id", event.TransferID.String()).Err(err).Msg("fiat settlement failed; requeueing")
		return false
	}
}
