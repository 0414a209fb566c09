package app

import (
	"context"
	"fmt"

	"github.com/omoke1/Flowpay-sub000/internal/domain"
)

// ReminderResult summarises one pass of the expiry reminder job.
type ReminderResult struct {
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

// SendExpiryReminders emails recipients whose transfers lapse within the
// reminder window. The reminder is recorded before it is sent, so a transfer
// is reminded at most once even when jobs overlap.
func (s *Service) SendExpiryReminders(ctx context.Context) (ReminderResult, error) {
	var result ReminderResult
	if s.notifier == nil {
		return result, nil
	}

	now := s.now()
	candidates, err := s.repo.ListReminderCandidates(ctx, now, now.Add(s.opts.ReminderWindow), s.opts.SweepBatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list reminder candidates: %w", err)
	}
	result.Candidates = len(candidates)

	for i := range candidates {
		t := &candidates[i]
		if t.RecipientEmail == nil || !domain.IsClaimable(t, now) {
			continue
		}
		log := s.logger.With().Str("flow", "reminder").Str("transfer_id", t.ID.String()).Logger()

		marked, err := s.repo.MarkReminderSent(ctx, t.ID, now)
		if err != nil {
			result.Failed++
			log.Error().Err(err).Msg("failed to record expiry reminder")
			continue
		}
		if !marked {
			continue
		}

		reminder := domain.ExpiryReminder{
			TransferID:     t.ID,
			RecipientEmail: *t.RecipientEmail,
			Amount:         t.Amount,
			Token:          t.Token,
			ClaimLink:      s.claimLink(t),
			ExpiresAt:      t.ExpiresAt,
		}
		if err := s.notifier.SendExpiryReminder(ctx, reminder); err != nil {
			result.Failed++
			log.Warn().Err(err).Msg("expiry reminder failed")
			continue
		}
		result.Sent++
	}

	if result.Candidates > 0 {
		s.logger.Info().Int("candidates", result.Candidates).Int("sent", result.Sent).Int("failed", result.Failed).Msg("expiry reminders finished")
	}
	return result, nil
}
