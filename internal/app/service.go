/**
 * @description
 * This file contains the core business logic for the transfer-service. The `Service`
 * struct orchestrates the escrowed transfer lifecycle, coordinating between the
 * transfer repository, the ledger (escrow custody), the notifier and the message broker.
 *
 * Key features:
 * - Every multi-step operation writes the store first, then calls the ledger, then
 *   records the outcome, with an explicit compensation on each failure branch.
 * - Status changes rely on the repository's conditional writes; the service holds
 *   no in-process locks.
 * - Notifications and events are best-effort and never reverse a committed transition.
 *
 * @dependencies
 * - github.com/rs/zerolog (via pkg/log): structured logging.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For lifecycle event publication.
 */

package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/omoke1/Flowpay-sub000/pkg/rabbitmq"
	"github.com/rs/zerolog"
)

const (
	DefaultExpiryWindow     = 7 * 24 * time.Hour
	DefaultReminderWindow   = 24 * time.Hour
	DefaultSweepBatchSize   = 200
	DefaultSweepConcurrency = 4
	DefaultReconcileAfter   = 15 * time.Minute
	DefaultNotifyTimeout    = 30 * time.Second
	DefaultEventsExchange   = "flowpay.events"
	maxNoteLength           = 500
	fiatClaimNote           = "Claimed for fiat payout; settlement pending with the fiat bridge."
)

// Options configures a Service. Zero values fall back to the defaults above.
type Options struct {
	ClaimBaseURL      string
	ExpiryWindow      time.Duration
	ReminderWindow    time.Duration
	FiatTokens        []domain.Token
	FiatBridgeAddress string
	EventsExchange    string
	SweepBatchSize    int
	SweepConcurrency  int
	// ReconcileAfter is how long a claiming/refunding reservation may sit
	// before reconciliation inspects it. Keep it above the ledger seal timeout.
	ReconcileAfter time.Duration
	NotifyTimeout  time.Duration
	Clock          func() time.Time
}

// Service provides the transfer lifecycle operations.
type Service struct {
	repo          store.Repository
	ledger        Ledger
	notifier      Notifier
	eventProducer rabbitmq.Publisher
	opts          Options
	now           func() time.Time
	newClaimToken func() (string, error)
	logger        zerolog.Logger
	background    sync.WaitGroup
}

// NewService wires a Service. A nil publisher is replaced by the no-op fallback.
func NewService(repo store.Repository, ledger Ledger, notifier Notifier, producer rabbitmq.Publisher, opts Options) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = DefaultExpiryWindow
	}
	if opts.ReminderWindow <= 0 {
		opts.ReminderWindow = DefaultReminderWindow
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = DefaultSweepBatchSize
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = DefaultSweepConcurrency
	}
	if opts.ReconcileAfter <= 0 {
		opts.ReconcileAfter = DefaultReconcileAfter
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if strings.TrimSpace(opts.EventsExchange) == "" {
		opts.EventsExchange = DefaultEventsExchange
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		repo:          repo,
		ledger:        ledger,
		notifier:      notifier,
		eventProducer: producer,
		opts:          opts,
		now:           func() time.Time { return clock().UTC() },
		newClaimToken: generateClaimToken,
		logger:        applog.Service,
	}
}

// FiatTokens returns the tokens eligible for fiat payout.
func (s *Service) FiatTokens() []domain.Token {
	return s.opts.FiatTokens
}

// Wait blocks until background notifications started by the service finish.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) claimLink(t *domain.Transfer) string {
	return domain.BuildClaimLink(s.opts.ClaimBaseURL, t.ClaimToken)
}

// publishEvent is best-effort; failures are logged and swallowed.
func (s *Service) publishEvent(ctx context.Context, routingKey string, payload interface{}) {
	if err := s.eventProducer.Publish(ctx, s.opts.EventsExchange, routingKey, payload); err != nil {
		s.logger.Warn().Str("routing_key", routingKey).Err(err).Msg("event publish failed")
	}
}

func (s *Service) publishTransition(ctx context.Context, routingKey string, t *domain.Transfer) {
	s.publishEvent(ctx, routingKey, domain.TransferEvent{
		TransferID:   t.ID,
		SenderID:     t.SenderID,
		Status:       t.Status,
		Amount:       t.Amount,
		Token:        t.Token,
		PayoutMethod: t.PayoutMethod,
		OccurredAt:   s.now(),
	})
}

func optionalString(raw string) *string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
