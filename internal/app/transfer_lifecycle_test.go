package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/pkg/ledgerclient"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTransferLocksEscrowAndBuildsClaimLink(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)

	assert.Equal(t, domain.StatusPending, transfer.Status)
	require.NotNil(t, transfer.EscrowTxRef)
	assert.True(t, strings.HasPrefix(transfer.ClaimLink, "https://flowpay.test/claim/"))
	assert.Len(t, transfer.ClaimToken, 43)
	assert.Equal(t, h.clock.Now().Add(DefaultExpiryWindow), transfer.ExpiresAt)

	metrics, err := h.ledger.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10", metrics.TotalLocked[domain.TokenFLOW].String())

	notices, _, _ := h.notifier.counts()
	assert.Equal(t, 0, notices)
	assert.Equal(t, []string{domain.EventTransferCreated}, h.publisher.published())
}

func TestCreateTransferSendsClaimNoticeWhenAsked(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.svc.CreateTransfer(context.Background(), domain.CreateTransferRequest{
		SenderID:       "user_sender",
		SenderAddress:  "0xA",
		Amount:         decimal.RequireFromString("2.5"),
		Token:          "usdc",
		RecipientEmail: "friend@example.com",
		Note:           "lunch",
		SendEmail:      true,
	})
	require.NoError(t, err)

	require.Len(t, h.notifier.notices, 1)
	notice := h.notifier.notices[0]
	assert.Equal(t, "friend@example.com", notice.RecipientEmail)
	assert.Equal(t, domain.TokenUSDC, notice.Token)
	require.NotNil(t, notice.Note)
	assert.Equal(t, "lunch", *notice.Note)
}

func TestCreateTransferNoticeFailureKeepsTransfer(t *testing.T) {
	h := newTestHarness(t)
	h.notifier.err = errors.New("smtp down")

	transfer, err := h.svc.CreateTransfer(context.Background(), domain.CreateTransferRequest{
		SenderID:       "user_sender",
		SenderAddress:  "0xA",
		Amount:         decimal.NewFromInt(1),
		Token:          "FLOW",
		RecipientEmail: "friend@example.com",
		SendEmail:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, h.repo.get(transfer.ID).Status)
}

func TestCreateTransferValidation(t *testing.T) {
	cases := []struct {
		name string
		req  domain.CreateTransferRequest
	}{
		{"zero amount", domain.CreateTransferRequest{SenderID: "u", SenderAddress: "0xA", Amount: decimal.Zero, Token: "FLOW"}},
		{"negative amount", domain.CreateTransferRequest{SenderID: "u", SenderAddress: "0xA", Amount: decimal.NewFromInt(-1), Token: "FLOW"}},
		{"too precise", domain.CreateTransferRequest{SenderID: "u", SenderAddress: "0xA", Amount: decimal.RequireFromString("0.000000001"), Token: "FLOW"}},
		{"unknown token", domain.CreateTransferRequest{SenderID: "u", SenderAddress: "0xA", Amount: decimal.NewFromInt(1), Token: "BTC"}},
		{"missing sender address", domain.CreateTransferRequest{SenderID: "u", Amount: decimal.NewFromInt(1), Token: "FLOW"}},
		{"missing sender id", domain.CreateTransferRequest{SenderAddress: "0xA", Amount: decimal.NewFromInt(1), Token: "FLOW"}},
		{"bad recipient email", domain.CreateTransferRequest{SenderID: "u", SenderAddress: "0xA", Amount: decimal.NewFromInt(1), Token: "FLOW", RecipientEmail: "not-an-email"}},
		{"long note", domain.CreateTransferRequest{SenderID: "u", SenderAddress: "0xA", Amount: decimal.NewFromInt(1), Token: "FLOW", Note: strings.Repeat("x", maxNoteLength+1)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			_, err := h.svc.CreateTransfer(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, 0, h.ledger.Calls(ledgerclient.OpLock))
		})
	}
}

func TestCreateTransferLockFailureLeavesNoPendingRecord(t *testing.T) {
	cases := []struct {
		name          string
		lockErr       error
		wantReconcile bool
	}{
		{"explicit rejection", &ledgerclient.ErrorResponse{StatusCode: 400, Code: "insufficient_funds"}, false},
		{"unconfirmed", ledgerclient.ErrUnconfirmed, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			h.ledger.FailNext(ledgerclient.OpLock, tc.lockErr)

			_, err := h.svc.CreateTransfer(context.Background(), domain.CreateTransferRequest{
				SenderID:      "user_sender",
				SenderAddress: "0xA",
				Amount:        decimal.NewFromInt(10),
				Token:         "FLOW",
			})
			require.ErrorIs(t, err, ErrLedger)

			require.Len(t, h.repo.transfers, 1)
			for _, stored := range h.repo.transfers {
				assert.Equal(t, domain.StatusFailed, stored.Status)
				assert.Nil(t, stored.EscrowTxRef)
				assert.Equal(t, tc.wantReconcile, stored.NeedsReconcile)
				require.NotNil(t, stored.FailureReason)
			}
			assert.Empty(t, h.publisher.published())
		})
	}
}

func TestCreateTransferRegeneratesCollidingClaimToken(t *testing.T) {
	h := newTestHarness(t)
	h.repo.put(domain.Transfer{ID: uuid.New(), ClaimToken: "taken", Status: domain.StatusClaimed})

	tokens := []string{"taken", "taken", "fresh"}
	h.svc.newClaimToken = func() (string, error) {
		next := tokens[0]
		tokens = tokens[1:]
		return next, nil
	}

	transfer := h.create(t, "1", domain.TokenFLOW)
	assert.Equal(t, "fresh", transfer.ClaimToken)
}

func TestCreateTransferGivesUpAfterRepeatedCollisions(t *testing.T) {
	h := newTestHarness(t)
	h.repo.put(domain.Transfer{ID: uuid.New(), ClaimToken: "taken", Status: domain.StatusClaimed})
	h.svc.newClaimToken = func() (string, error) { return "taken", nil }

	_, err := h.svc.CreateTransfer(context.Background(), domain.CreateTransferRequest{
		SenderID:      "user_sender",
		SenderAddress: "0xA",
		Amount:        decimal.NewFromInt(1),
		Token:         "FLOW",
	})
	require.Error(t, err)
	assert.Equal(t, 0, h.ledger.Calls(ledgerclient.OpLock))
}

func TestClaimTransferHappyPath(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)

	claimed, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken:       transfer.ClaimToken,
		PayoutMethod:     "crypto",
		RecipientAddress: "0xB",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusClaimed, claimed.Status)
	require.NotNil(t, claimed.ClaimedByAddress)
	assert.Equal(t, "0xB", *claimed.ClaimedByAddress)
	require.NotNil(t, claimed.ClaimTxRef)
	require.NotNil(t, claimed.ClaimedAt)
	assert.Equal(t, "10", h.ledger.PaidTo("0xB", domain.TokenFLOW).String())

	h.svc.Wait()
	_, confirmations, _ := h.notifier.counts()
	assert.Equal(t, 1, confirmations)
	assert.Contains(t, h.publisher.published(), domain.EventTransferClaimed)
}

func TestClaimTransferRejectsExpired(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)
	h.clock.Advance(DefaultExpiryWindow)

	for _, method := range []string{"crypto", "fiat"} {
		_, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
			ClaimToken:       transfer.ClaimToken,
			PayoutMethod:     method,
			RecipientAddress: "0xB",
		})
		assert.ErrorIs(t, err, ErrExpired, method)
	}
	assert.Equal(t, 0, h.ledger.Calls(ledgerclient.OpRelease))
	assert.Equal(t, domain.StatusPending, h.repo.get(transfer.ID).Status)
}

func TestClaimTransferValidatesRequest(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)

	_, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{ClaimToken: transfer.ClaimToken, PayoutMethod: "paypal", RecipientAddress: "0xB"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{ClaimToken: transfer.ClaimToken, PayoutMethod: "crypto"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{ClaimToken: "unknown", PayoutMethod: "crypto", RecipientAddress: "0xB"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentClaimsSettleExactlyOnce(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)

	addresses := []string{"0xB", "0xC"}
	results := make([]error, len(addresses))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, address := range addresses {
		wg.Add(1)
		go func(i int, address string) {
			defer wg.Done()
			<-start
			_, results[i] = h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
				ClaimToken:       transfer.ClaimToken,
				PayoutMethod:     "crypto",
				RecipientAddress: address,
			})
		}(i, address)
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range results {
		if err == nil {
			require.Equal(t, -1, winner, "two claims succeeded")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadySettled)
	}
	require.NotEqual(t, -1, winner, "no claim succeeded")

	stored := h.repo.get(transfer.ID)
	assert.Equal(t, domain.StatusClaimed, stored.Status)
	assert.Equal(t, addresses[winner], *stored.ClaimedByAddress)
	assert.Equal(t, 1, h.ledger.Calls(ledgerclient.OpRelease))
	assert.Equal(t, "10", h.ledger.PaidTo(addresses[winner], domain.TokenFLOW).String())
}

func TestSettledTransfersAreImmutable(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)
	_, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken: transfer.ClaimToken, PayoutMethod: "crypto", RecipientAddress: "0xB",
	})
	require.NoError(t, err)
	before := h.repo.get(transfer.ID)

	_, err = h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken: transfer.ClaimToken, PayoutMethod: "crypto", RecipientAddress: "0xC",
	})
	assert.ErrorIs(t, err, ErrAlreadySettled)

	h.clock.Advance(DefaultExpiryWindow + time.Hour)
	_, err = h.svc.RefundTransfer(context.Background(), transfer.ID, "0xA")
	assert.ErrorIs(t, err, ErrAlreadySettled)

	after := h.repo.get(transfer.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, *before.ClaimTxRef, *after.ClaimTxRef)
	assert.Equal(t, *before.ClaimedAt, *after.ClaimedAt)
	assert.Equal(t, 1, h.ledger.Calls(ledgerclient.OpRelease))
	assert.Equal(t, 0, h.ledger.Calls(ledgerclient.OpReturn))
}

func TestFiatClaimLeavesEscrowLocked(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "5", domain.TokenUSDC)

	claimed, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken:     transfer.ClaimToken,
		PayoutMethod:   "fiat",
		RecipientEmail: "friend@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusClaimed, claimed.Status)
	require.NotNil(t, claimed.PayoutMethod)
	assert.Equal(t, domain.PayoutFiat, *claimed.PayoutMethod)
	assert.Nil(t, claimed.ClaimTxRef)
	require.NotNil(t, claimed.Note)
	assert.Contains(t, *claimed.Note, "fiat")
	assert.Equal(t, 0, h.ledger.Calls(ledgerclient.OpRelease))

	metrics, err := h.ledger.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5", metrics.TotalLocked[domain.TokenUSDC].String())
	assert.Contains(t, h.publisher.published(), domain.EventFiatSettlementRequested)
}

func TestFiatClaimRequiresEligibleToken(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "5", domain.TokenFLOW)

	_, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken:   transfer.ClaimToken,
		PayoutMethod: "fiat",
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, domain.StatusPending, h.repo.get(transfer.ID).Status)
}

func TestClaimReleaseRejectedReturnsTransferToPending(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)
	h.ledger.FailNext(ledgerclient.OpRelease, &ledgerclient.TxError{TxRef: "tx", Status: "EXPIRED"})

	_, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken: transfer.ClaimToken, PayoutMethod: "crypto", RecipientAddress: "0xB",
	})
	require.ErrorIs(t, err, ErrLedger)

	stored := h.repo.get(transfer.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Nil(t, stored.PayoutMethod)
	assert.False(t, stored.NeedsReconcile)

	_, err = h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken: transfer.ClaimToken, PayoutMethod: "crypto", RecipientAddress: "0xB",
	})
	require.NoError(t, err)
}

func TestClaimReleaseUnconfirmedHoldsReservation(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "10", domain.TokenFLOW)
	h.ledger.FailNext(ledgerclient.OpRelease, ledgerclient.ErrUnconfirmed)

	_, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken: transfer.ClaimToken, PayoutMethod: "crypto", RecipientAddress: "0xB",
	})
	require.ErrorIs(t, err, ErrLedger)

	stored := h.repo.get(transfer.ID)
	assert.Equal(t, domain.StatusClaiming, stored.Status)
	assert.True(t, stored.NeedsReconcile)

	view, err := h.svc.GetClaimView(context.Background(), transfer.ClaimToken)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, view.Status)
	assert.False(t, view.IsClaimable)

	_, err = h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken: transfer.ClaimToken, PayoutMethod: "crypto", RecipientAddress: "0xC",
	})
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestRefundTransferRejectsBeforeExpiry(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "5", domain.TokenUSDC)
	h.clock.Advance(DefaultExpiryWindow - time.Minute)

	_, err := h.svc.RefundTransfer(context.Background(), transfer.ID, "0xA")
	assert.ErrorIs(t, err, ErrNotYetExpired)
	assert.Equal(t, 0, h.ledger.Calls(ledgerclient.OpReturn))
}

func TestRefundTransferAfterExpiry(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "5", domain.TokenUSDC)
	h.clock.Advance(DefaultExpiryWindow + time.Minute)

	refunded, err := h.svc.RefundTransfer(context.Background(), transfer.ID, "0xa")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRefunded, refunded.Status)
	require.NotNil(t, refunded.ClaimTxRef)
	require.NotNil(t, refunded.ClaimedAt)
	assert.Equal(t, "5", h.ledger.PaidTo("0xA", domain.TokenUSDC).String())
	assert.Contains(t, h.publisher.published(), domain.EventTransferRefunded)
}

func TestRefundTransferChecksOwnership(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "5", domain.TokenUSDC)
	h.clock.Advance(DefaultExpiryWindow + time.Minute)

	_, err := h.svc.RefundTransfer(context.Background(), transfer.ID, "0xEVIL")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.RefundTransfer(context.Background(), uuid.New(), "0xA")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.RefundTransfer(context.Background(), transfer.ID, " ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSettlementConservesLockedAmount(t *testing.T) {
	h := newTestHarness(t)
	claimedTransfer := h.create(t, "12.34567891", domain.TokenFLOW)
	refundedTransfer := h.create(t, "0.5", domain.TokenUSDC)

	_, err := h.svc.ClaimTransfer(context.Background(), domain.ClaimTransferRequest{
		ClaimToken: claimedTransfer.ClaimToken, PayoutMethod: "crypto", RecipientAddress: "0xB",
	})
	require.NoError(t, err)
	h.clock.Advance(DefaultExpiryWindow + time.Minute)
	_, err = h.svc.RefundTransfer(context.Background(), refundedTransfer.ID, "0xA")
	require.NoError(t, err)

	assert.True(t, h.ledger.PaidTo("0xB", domain.TokenFLOW).Equal(claimedTransfer.Amount))
	assert.True(t, h.ledger.PaidTo("0xA", domain.TokenUSDC).Equal(refundedTransfer.Amount))

	metrics, err := h.ledger.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.ActiveTransfers)
}

func TestGetClaimViewAndSenderAccess(t *testing.T) {
	h := newTestHarness(t)
	transfer := h.create(t, "5", domain.TokenUSDC)

	view, err := h.svc.GetClaimView(context.Background(), transfer.ClaimToken)
	require.NoError(t, err)
	assert.True(t, view.IsClaimable)
	assert.Equal(t, "7d 0h 0m", view.TimeRemaining.HumanReadable)
	assert.Equal(t, []domain.PayoutMethod{domain.PayoutCrypto, domain.PayoutFiat}, view.PayoutMethods)

	_, err = h.svc.GetClaimView(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	own, err := h.svc.GetSenderTransfer(context.Background(), transfer.ID, "user_sender")
	require.NoError(t, err)
	assert.Equal(t, transfer.ClaimLink, own.ClaimLink)

	_, err = h.svc.GetSenderTransfer(context.Background(), transfer.ID, "someone_else")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := h.svc.ListSenderTransfers(context.Background(), "user_sender", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, transfer.ID, list[0].ID)
}
