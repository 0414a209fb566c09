package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
	"github.com/omoke1/Flowpay-sub000/pkg/ledgerclient"
	"github.com/shopspring/decimal"
)

// memoryRepo mirrors the conditional writes of the Postgres repository.
type memoryRepo struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*domain.Transfer
	createErr []error
	failOn    map[string]error
	now       func() time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		transfers: make(map[uuid.UUID]*domain.Transfer),
		failOn:    make(map[string]error),
		now:       time.Now,
	}
}

func (r *memoryRepo) get(id uuid.UUID) domain.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.transfers[id]
}

func (r *memoryRepo) put(t domain.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[t.ID] = &t
}

func (r *memoryRepo) failNext(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[method] = err
}

func (r *memoryRepo) injected(method string) error {
	err := r.failOn[method]
	delete(r.failOn, method)
	return err
}

// update applies mutate when guard holds, copying the record either way.
func (r *memoryRepo) update(method string, id uuid.UUID, guard func(*domain.Transfer) bool, mutate func(*domain.Transfer)) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(method); err != nil {
		return nil, err
	}
	t, ok := r.transfers[id]
	if !ok || !guard(t) {
		return nil, store.ErrStatusConflict
	}
	mutate(t)
	t.UpdatedAt = r.now().UTC()
	out := *t
	return &out, nil
}

func (r *memoryRepo) CreateTransfer(_ context.Context, t *domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErr) > 0 {
		err := r.createErr[0]
		r.createErr = r.createErr[1:]
		return err
	}
	for _, existing := range r.transfers {
		if existing.ClaimToken == t.ClaimToken {
			return store.ErrClaimTokenConflict
		}
	}
	copied := *t
	r.transfers[t.ID] = &copied
	return nil
}

func (r *memoryRepo) GetTransferByID(_ context.Context, id uuid.UUID) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	out := *t
	return &out, nil
}

func (r *memoryRepo) GetTransferByClaimToken(_ context.Context, claimToken string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.ClaimToken == claimToken {
			out := *t
			return &out, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *memoryRepo) ListTransfersBySender(_ context.Context, senderID string, limit, offset int) ([]domain.Transfer, error) {
	matches := r.filter(func(t *domain.Transfer) bool { return t.SenderID == senderID })
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	if offset >= len(matches) {
		return []domain.Transfer{}, nil
	}
	matches = matches[offset:]
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *memoryRepo) MarkEscrowLocked(_ context.Context, id uuid.UUID, escrowTxRef string) (*domain.Transfer, error) {
	return r.update("MarkEscrowLocked", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusPending && t.EscrowTxRef == nil },
		func(t *domain.Transfer) { t.EscrowTxRef = &escrowTxRef })
}

func (r *memoryRepo) MarkTransferFailed(_ context.Context, id uuid.UUID, reason string, needsReconcile bool) error {
	_, err := r.update("MarkTransferFailed", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusPending },
		func(t *domain.Transfer) {
			t.Status = domain.StatusFailed
			t.FailureReason = &reason
			t.NeedsReconcile = needsReconcile
		})
	return err
}

func (r *memoryRepo) ReserveForClaim(_ context.Context, id uuid.UUID, now time.Time) (*domain.Transfer, error) {
	return r.update("ReserveForClaim", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusPending && t.ExpiresAt.After(now) },
		func(t *domain.Transfer) {
			method := domain.PayoutCrypto
			t.Status = domain.StatusClaiming
			t.PayoutMethod = &method
		})
}

func (r *memoryRepo) ReserveForRefund(_ context.Context, id uuid.UUID, now time.Time) (*domain.Transfer, error) {
	return r.update("ReserveForRefund", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusPending && !t.ExpiresAt.After(now) },
		func(t *domain.Transfer) { t.Status = domain.StatusRefunding })
}

func (r *memoryRepo) CompleteClaim(_ context.Context, id uuid.UUID, c store.ClaimCompletion) (*domain.Transfer, error) {
	return r.update("CompleteClaim", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusClaiming },
		func(t *domain.Transfer) {
			t.Status = domain.StatusClaimed
			t.ClaimTxRef = &c.ClaimTxRef
			t.ClaimedByAddress = &c.ClaimedByAddress
			claimedAt := c.ClaimedAt
			t.ClaimedAt = &claimedAt
			t.FailureReason = nil
			t.NeedsReconcile = false
		})
}

func (r *memoryRepo) CompleteRefund(_ context.Context, id uuid.UUID, claimTxRef string, refundedAt time.Time) (*domain.Transfer, error) {
	return r.update("CompleteRefund", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusRefunding },
		func(t *domain.Transfer) {
			t.Status = domain.StatusRefunded
			t.ClaimTxRef = &claimTxRef
			t.ClaimedAt = &refundedAt
			t.FailureReason = nil
			t.NeedsReconcile = false
		})
}

func (r *memoryRepo) ReleaseReservation(_ context.Context, id uuid.UUID, from domain.TransferStatus, reason string) error {
	_, err := r.update("ReleaseReservation", id,
		func(t *domain.Transfer) bool { return t.Status == from },
		func(t *domain.Transfer) {
			t.Status = domain.StatusPending
			t.PayoutMethod = nil
			t.FailureReason = &reason
			t.NeedsReconcile = false
		})
	return err
}

func (r *memoryRepo) FlagForReconcile(_ context.Context, id uuid.UUID, from domain.TransferStatus, reason string) error {
	_, err := r.update("FlagForReconcile", id,
		func(t *domain.Transfer) bool { return t.Status == from },
		func(t *domain.Transfer) {
			t.FailureReason = &reason
			t.NeedsReconcile = true
		})
	return err
}

func (r *memoryRepo) ClaimForFiat(_ context.Context, id uuid.UUID, now time.Time, c store.FiatClaim) (*domain.Transfer, error) {
	return r.update("ClaimForFiat", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusPending && t.ExpiresAt.After(now) },
		func(t *domain.Transfer) {
			method := domain.PayoutFiat
			claimedAt := c.ClaimedAt
			note := c.Note
			if t.Note != nil && *t.Note != "" {
				note = *t.Note + "\n" + c.Note
			}
			t.Status = domain.StatusClaimed
			t.PayoutMethod = &method
			t.ClaimedAt = &claimedAt
			t.ClaimedByEmail = c.ClaimedByEmail
			t.Note = &note
		})
}

func (r *memoryRepo) RecordFiatSettlement(_ context.Context, id uuid.UUID, providerRef string, settledAt time.Time) (*domain.Transfer, error) {
	return r.update("RecordFiatSettlement", id,
		func(t *domain.Transfer) bool {
			return t.Status == domain.StatusClaimed && t.PayoutMethod != nil && *t.PayoutMethod == domain.PayoutFiat && t.FiatSettledAt == nil
		},
		func(t *domain.Transfer) {
			t.FiatSettlementRef = &providerRef
			t.FiatSettledAt = &settledAt
		})
}

func (r *memoryRepo) ResolveFailedLock(_ context.Context, id uuid.UUID, escrowTxRef, claimTxRef string, refundedAt time.Time) (*domain.Transfer, error) {
	return r.update("ResolveFailedLock", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusFailed && t.NeedsReconcile },
		func(t *domain.Transfer) {
			if t.EscrowTxRef == nil && escrowTxRef != "" {
				t.EscrowTxRef = &escrowTxRef
			}
			t.Status = domain.StatusRefunded
			t.ClaimTxRef = &claimTxRef
			t.ClaimedAt = &refundedAt
			t.NeedsReconcile = false
		})
}

func (r *memoryRepo) ClearReconcileFlag(_ context.Context, id uuid.UUID, reason string) error {
	_, err := r.update("ClearReconcileFlag", id,
		func(t *domain.Transfer) bool { return t.NeedsReconcile },
		func(t *domain.Transfer) {
			t.NeedsReconcile = false
			t.FailureReason = &reason
		})
	return err
}

func (r *memoryRepo) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	return r.limited(r.filter(func(t *domain.Transfer) bool {
		return t.Status == domain.StatusPending && !t.ExpiresAt.After(now)
	}), limit), nil
}

func (r *memoryRepo) ListReminderCandidates(_ context.Context, now, horizon time.Time, limit int) ([]domain.Transfer, error) {
	return r.limited(r.filter(func(t *domain.Transfer) bool {
		return t.Status == domain.StatusPending && t.RecipientEmail != nil && t.ReminderSentAt == nil &&
			t.ExpiresAt.After(now) && !t.ExpiresAt.After(horizon)
	}), limit), nil
}

func (r *memoryRepo) MarkReminderSent(_ context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	_, err := r.update("MarkReminderSent", id,
		func(t *domain.Transfer) bool { return t.Status == domain.StatusPending && t.ReminderSentAt == nil },
		func(t *domain.Transfer) { t.ReminderSentAt = &sentAt })
	if errors.Is(err, store.ErrStatusConflict) {
		return false, nil
	}
	return err == nil, err
}

func (r *memoryRepo) ListStuckTransfers(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	return r.limited(r.filter(func(t *domain.Transfer) bool {
		if !t.UpdatedAt.Before(updatedBefore) {
			return false
		}
		switch t.Status {
		case domain.StatusClaiming, domain.StatusRefunding:
			return true
		case domain.StatusFailed:
			return t.NeedsReconcile
		}
		return false
	}), limit), nil
}

func (r *memoryRepo) SumCustodyByToken(_ context.Context) (map[domain.Token]decimal.Decimal, error) {
	sums := make(map[domain.Token]decimal.Decimal)
	for _, t := range r.filter(func(t *domain.Transfer) bool {
		if t.EscrowTxRef == nil {
			return false
		}
		switch t.Status {
		case domain.StatusPending, domain.StatusClaiming, domain.StatusRefunding:
			return true
		case domain.StatusClaimed:
			return t.PayoutMethod != nil && *t.PayoutMethod == domain.PayoutFiat && t.FiatSettledAt == nil
		}
		return false
	}) {
		sums[t.Token] = sums[t.Token].Add(t.Amount)
	}
	return sums, nil
}

func (r *memoryRepo) filter(keep func(*domain.Transfer) bool) []domain.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transfer, 0)
	for _, t := range r.transfers {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (r *memoryRepo) limited(transfers []domain.Transfer, limit int) []domain.Transfer {
	if limit > 0 && len(transfers) > limit {
		return transfers[:limit]
	}
	return transfers
}

// recordingNotifier captures every message sent.
type recordingNotifier struct {
	mu            sync.Mutex
	notices       []domain.ClaimNotice
	confirmations []domain.ClaimConfirmation
	reminders     []domain.ExpiryReminder
	err           error
}

func (n *recordingNotifier) SendClaimNotice(_ context.Context, notice domain.ClaimNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

func (n *recordingNotifier) SendClaimConfirmation(_ context.Context, confirmation domain.ClaimConfirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, confirmation)
	return n.err
}

func (n *recordingNotifier) SendExpiryReminder(_ context.Context, reminder domain.ExpiryReminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, reminder)
	return n.err
}

func (n *recordingNotifier) counts() (notices, confirmations, reminders int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices), len(n.confirmations), len(n.reminders)
}

// recordingPublisher captures routing keys of published events.
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, routingKey string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// testClock is a settable clock shared by the service under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testHarness struct {
	svc       *Service
	repo      *memoryRepo
	ledger    *ledgerclient.Memory
	notifier  *recordingNotifier
	publisher *recordingPublisher
	clock     *testClock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		repo:      newMemoryRepo(),
		ledger:    ledgerclient.NewMemory(),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.repo.now = h.clock.Now
	h.svc = NewService(h.repo, h.ledger, h.notifier, h.publisher, Options{
		ClaimBaseURL:      "https://flowpay.test",
		FiatTokens:        []domain.Token{domain.TokenUSDC},
		FiatBridgeAddress: "0xBRIDGE",
		Clock:             h.clock.Now,
	})
	t.Cleanup(h.svc.Wait)
	return h
}

func (h *testHarness) create(t *testing.T, amount string, token domain.Token) *domain.Transfer {
	t.Helper()
	transfer, err := h.svc.CreateTransfer(context.Background(), domain.CreateTransferRequest{
		SenderID:      "user_sender",
		SenderAddress: "0xA",
		Amount:        decimal.RequireFromString(amount),
		Token:         string(token),
	})
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	return transfer
}
