package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultReconcileLimit = 100

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Processed  int `json:"processed"`
	Completed  int `json:"completed"`
	Reverted   int `json:"reverted"`
	Cleared    int `json:"cleared"`
	Unresolved int `json:"unresolved"`
	Failed     int `json:"failed"`
}

type reconcileOutcome int

const (
	outcomeCompleted reconcileOutcome = iota
	outcomeReverted
	outcomeCleared
	outcomeUnresolved
)

// ReconcileStuckSettlements settles transfers whose ledger outcome was not
// confirmed at the time: reservations older than the reconcile window and
// failed creates whose lock may have landed. The ledger's view of each escrow
// decides the resolution.
func (s *Service) ReconcileStuckSettlements(ctx context.Context, limit int) (ReconcileResult, error) {
	var result ReconcileResult
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	stuck, err := s.repo.ListStuckTransfers(ctx, s.now().Add(-s.opts.ReconcileAfter), limit)
	if err != nil {
		return result, fmt.Errorf("failed to list stuck transfers: %w", err)
	}

	for i := range stuck {
		t := &stuck[i]
		result.Processed++
		log := s.logger.With().Str("flow", "reconcile").Str("transfer_id", t.ID.String()).
			Str("status", string(t.Status)).Str("token_fp", tokenFingerprint(t.ClaimToken)).Logger()

		outcome, err := s.reconcileTransfer(ctx, t, log)
		if err != nil {
			result.Failed++
			log.Error().Err(err).Msg("reconciliation attempt failed")
			continue
		}
		switch outcome {
		case outcomeCompleted:
			result.Completed++
		case outcomeReverted:
			result.Reverted++
		case outcomeCleared:
			result.Cleared++
		case outcomeUnresolved:
			result.Unresolved++
		}
	}

	if result.Processed > 0 {
		s.logger.Info().Int("processed", result.Processed).Int("completed", result.Completed).
			Int("reverted", result.Reverted).Int("cleared", result.Cleared).
			Int("unresolved", result.Unresolved).Int("failed", result.Failed).Msg("reconciliation finished")
	}
	return result, nil
}

func (s *Service) reconcileTransfer(ctx context.Context, t *domain.Transfer, log zerolog.Logger) (reconcileOutcome, error) {
	settleCtx := context.WithoutCancel(ctx)
	view, err := s.ledger.GetByClaimToken(settleCtx, t.ClaimToken)
	if err != nil {
		return outcomeUnresolved, ledgerError("lookup", err)
	}

	switch t.Status {
	case domain.StatusClaiming:
		return s.reconcileClaiming(settleCtx, t, view, log)
	case domain.StatusRefunding:
		return s.reconcileRefunding(settleCtx, t, view, log)
	case domain.StatusFailed:
		return s.reconcileFailedLock(settleCtx, t, view, log)
	default:
		return outcomeUnresolved, nil
	}
}

func (s *Service) reconcileClaiming(ctx context.Context, t *domain.Transfer, view *domain.LedgerTransferView, log zerolog.Logger) (reconcileOutcome, error) {
	switch {
	case view != nil && view.State == domain.LedgerReleased:
		claimed, err := s.repo.CompleteClaim(ctx, t.ID, store.ClaimCompletion{
			ClaimTxRef:       view.TxRef,
			ClaimedByAddress: view.RecipientAddress,
			ClaimedAt:        s.now(),
		})
		if err != nil {
			return outcomeUnresolved, fmt.Errorf("failed to complete claim: %w", err)
		}
		log.Info().Str("claim_tx_ref", view.TxRef).Msg("release confirmed on ledger; claim completed")
		s.notifySenderAsync(claimed, domain.PayoutCrypto)
		s.publishTransition(ctx, domain.EventTransferClaimed, claimed)
		return outcomeCompleted, nil
	case view != nil && view.State == domain.LedgerLocked:
		if err := s.repo.ReleaseReservation(ctx, t.ID, domain.StatusClaiming, "release never landed; reopened by reconciliation"); err != nil {
			return outcomeUnresolved, fmt.Errorf("failed to reopen transfer: %w", err)
		}
		log.Warn().Msg("escrow still locked; transfer reopened for claim")
		return outcomeReverted, nil
	default:
		log.Error().Str("ledger_state", ledgerState(view)).Msg("CRITICAL: claiming transfer disagrees with ledger; manual review required")
		return outcomeUnresolved, nil
	}
}

func (s *Service) reconcileRefunding(ctx context.Context, t *domain.Transfer, view *domain.LedgerTransferView, log zerolog.Logger) (reconcileOutcome, error) {
	switch {
	case view != nil && view.State == domain.LedgerReturned:
		refunded, err := s.repo.CompleteRefund(ctx, t.ID, view.TxRef, s.now())
		if err != nil {
			return outcomeUnresolved, fmt.Errorf("failed to complete refund: %w", err)
		}
		log.Info().Str("return_tx_ref", view.TxRef).Msg("return confirmed on ledger; refund completed")
		s.publishTransition(ctx, domain.EventTransferRefunded, refunded)
		return outcomeCompleted, nil
	case view != nil && view.State == domain.LedgerLocked:
		if err := s.repo.ReleaseReservation(ctx, t.ID, domain.StatusRefunding, "return never landed; left for the next sweep"); err != nil {
			return outcomeUnresolved, fmt.Errorf("failed to reopen transfer: %w", err)
		}
		log.Warn().Msg("escrow still locked; transfer reopened for refund")
		return outcomeReverted, nil
	default:
		log.Error().Str("ledger_state", ledgerState(view)).Msg("CRITICAL: refunding transfer disagrees with ledger; manual review required")
		return outcomeUnresolved, nil
	}
}

// reconcileFailedLock handles a create whose lock outcome was unknown. A lock
// that did land is returned to the sender so no escrow is left without a
// claimable record.
func (s *Service) reconcileFailedLock(ctx context.Context, t *domain.Transfer, view *domain.LedgerTransferView, log zerolog.Logger) (reconcileOutcome, error) {
	if !t.NeedsReconcile {
		return outcomeUnresolved, nil
	}
	if view == nil {
		if err := s.repo.ClearReconcileFlag(ctx, t.ID, "escrow lock never landed"); err != nil {
			return outcomeUnresolved, fmt.Errorf("failed to clear reconcile flag: %w", err)
		}
		log.Info().Msg("ledger holds no escrow; failed transfer closed")
		return outcomeCleared, nil
	}

	switch view.State {
	case domain.LedgerLocked:
		escrowTxRef := view.TxRef
		returnTxRef, err := s.ledger.ReturnToSender(ctx, t.ID, t.Token, t.SenderAddress)
		if err != nil {
			return outcomeUnresolved, ledgerError("return", err)
		}
		if _, err := s.repo.ResolveFailedLock(ctx, t.ID, escrowTxRef, returnTxRef, s.now()); err != nil {
			log.Error().Str("return_tx_ref", returnTxRef).Err(err).Msg("CRITICAL: orphaned escrow returned but not recorded")
			return outcomeUnresolved, fmt.Errorf("failed to record returned escrow: %w", err)
		}
		log.Warn().Str("return_tx_ref", returnTxRef).Msg("late escrow lock returned to sender")
		return outcomeCompleted, nil
	case domain.LedgerReturned:
		if _, err := s.repo.ResolveFailedLock(ctx, t.ID, "", view.TxRef, s.now()); err != nil {
			return outcomeUnresolved, fmt.Errorf("failed to record returned escrow: %w", err)
		}
		log.Info().Str("return_tx_ref", view.TxRef).Msg("escrow already returned; failed transfer closed")
		return outcomeCompleted, nil
	default:
		log.Error().Str("ledger_state", string(view.State)).Msg("CRITICAL: failed transfer has a settled escrow; manual review required")
		return outcomeUnresolved, nil
	}
}

func ledgerState(view *domain.LedgerTransferView) string {
	if view == nil {
		return "missing"
	}
	return string(view.State)
}

// TokenCustody compares ledger and store custody for one token.
type TokenCustody struct {
	Token      domain.Token    `json:"token"`
	Ledger     decimal.Decimal `json:"ledger_locked"`
	Store      decimal.Decimal `json:"store_custody"`
	Difference decimal.Decimal `json:"difference"`
	Balanced   bool            `json:"balanced"`
}

// EscrowReport is the result of comparing ledger custody with the store.
type EscrowReport struct {
	GeneratedAt           time.Time      `json:"generated_at"`
	Balanced              bool           `json:"balanced"`
	LedgerActiveTransfers int64          `json:"ledger_active_transfers"`
	LedgerTransferCount   int64          `json:"ledger_transfer_count"`
	Tokens                []TokenCustody `json:"tokens"`
}

// EscrowReconciliation reports, per token, whether the ledger holds exactly
// what the store says is still in custody.
func (s *Service) EscrowReconciliation(ctx context.Context) (*EscrowReport, error) {
	metrics, err := s.ledger.GetMetrics(ctx)
	if err != nil {
		return nil, ledgerError("metrics", err)
	}
	custody, err := s.repo.SumCustodyByToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum custody: %w", err)
	}

	tokens := make(map[domain.Token]struct{})
	for _, token := range domain.SupportedTokens {
		tokens[token] = struct{}{}
	}
	for token := range metrics.TotalLocked {
		tokens[token] = struct{}{}
	}
	for token := range custody {
		tokens[token] = struct{}{}
	}

	report := &EscrowReport{
		GeneratedAt:           s.now(),
		Balanced:              true,
		LedgerActiveTransfers: metrics.ActiveTransfers,
		LedgerTransferCount:   metrics.TransferCount,
	}
	for token := range tokens {
		ledgerAmount := metrics.TotalLocked[token]
		storeAmount := custody[token]
		diff := ledgerAmount.Sub(storeAmount)
		entry := TokenCustody{
			Token:      token,
			Ledger:     ledgerAmount,
			Store:      storeAmount,
			Difference: diff,
			Balanced:   diff.IsZero(),
		}
		if !entry.Balanced {
			report.Balanced = false
			s.logger.Error().Str("asset", string(token)).Str("ledger", ledgerAmount.String()).
				Str("store", storeAmount.String()).Msg("escrow custody mismatch")
		}
		report.Tokens = append(report.Tokens, entry)
	}
	sort.Slice(report.Tokens, func(i, j int) bool { return report.Tokens[i].Token < report.Tokens[j].Token })
	return report, nil
}
