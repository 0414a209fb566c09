package ledgerclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/shopspring/decimal"
)

// Operation names a mutating ledger call, for failure injection.
type Operation string

const (
	OpLock    Operation = "lock"
	OpRelease Operation = "release"
	OpReturn  Operation = "return"
)

type memoryEscrow struct {
	view domain.LedgerTransferView
}

// Memory is an in-process custody ledger. Every escrow is locked once and
// settled at most once, for exactly the locked amount.
type Memory struct {
	mu         sync.Mutex
	seq        int
	escrows    map[string]*memoryEscrow
	byTransfer map[uuid.UUID]string
	payouts    map[string]map[domain.Token]decimal.Decimal
	failures   map[Operation][]error
	calls      map[Operation]int
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		escrows:    make(map[string]*memoryEscrow),
		byTransfer: make(map[uuid.UUID]string),
		payouts:    make(map[string]map[domain.Token]decimal.Decimal),
		failures:   make(map[Operation][]error),
		calls:      make(map[Operation]int),
	}
}

// FailNext makes the next call to op return err without touching custody.
// Queued errors are consumed in order.
func (m *Memory) FailNext(op Operation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns how many times op was invoked, including injected failures.
func (m *Memory) Calls(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// PaidTo returns the total of token released or returned to address.
func (m *Memory) PaidTo(address string, token domain.Token) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payouts[normalizeAddress(address)][token]
}

// ForceLock records an escrow directly, as if a lock sealed after its caller
// gave up waiting.
func (m *Memory) ForceLock(transferID uuid.UUID, claimToken string, amount decimal.Decimal, token domain.Token, senderAddress string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockLocked(transferID, claimToken, amount, token, senderAddress)
}

func (m *Memory) Lock(_ context.Context, transferID uuid.UUID, claimToken string, amount decimal.Decimal, token domain.Token, senderAddress string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[OpLock]++
	if err := m.popFailure(OpLock); err != nil {
		return "", err
	}
	if _, exists := m.escrows[claimToken]; exists {
		return "", &ErrorResponse{StatusCode: http.StatusConflict, Code: "escrow_exists", Message: "an escrow already exists for this claim token"}
	}
	if !amount.IsPositive() {
		return "", &ErrorResponse{StatusCode: http.StatusBadRequest, Code: "invalid_amount", Message: "amount must be positive"}
	}
	return m.lockLocked(transferID, claimToken, amount, token, senderAddress), nil
}

func (m *Memory) Release(_ context.Context, claimToken string, token domain.Token, recipientAddress string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[OpRelease]++
	if err := m.popFailure(OpRelease); err != nil {
		return "", err
	}
	escrow, err := m.lockedEscrow(claimToken, token)
	if err != nil {
		return "", err
	}
	return m.settleLocked(escrow, domain.LedgerReleased, recipientAddress), nil
}

func (m *Memory) ReturnToSender(_ context.Context, transferID uuid.UUID, token domain.Token, senderAddress string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[OpReturn]++
	if err := m.popFailure(OpReturn); err != nil {
		return "", err
	}
	claimToken, ok := m.byTransfer[transferID]
	if !ok {
		return "", &ErrorResponse{StatusCode: http.StatusNotFound, Code: "escrow_not_found", Message: "no escrow for transfer"}
	}
	escrow, err := m.lockedEscrow(claimToken, token)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(escrow.view.SenderAddress, senderAddress) {
		return "", &ErrorResponse{StatusCode: http.StatusForbidden, Code: "sender_mismatch", Message: "funds can only return to the locking address"}
	}
	return m.settleLocked(escrow, domain.LedgerReturned, escrow.view.SenderAddress), nil
}

func (m *Memory) GetByClaimToken(_ context.Context, claimToken string) (*domain.LedgerTransferView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.escrows[claimToken]
	if !ok {
		return nil, nil
	}
	view := escrow.view
	return &view, nil
}

func (m *Memory) GetMetrics(_ context.Context) (*domain.LedgerMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := &domain.LedgerMetrics{
		TotalLocked:   make(map[domain.Token]decimal.Decimal),
		TransferCount: int64(len(m.escrows)),
	}
	for _, escrow := range m.escrows {
		if escrow.view.State != domain.LedgerLocked {
			continue
		}
		metrics.ActiveTransfers++
		metrics.TotalLocked[escrow.view.Token] = metrics.TotalLocked[escrow.view.Token].Add(escrow.view.Amount)
	}
	return metrics, nil
}

func (m *Memory) popFailure(op Operation) error {
	queued := m.failures[op]
	if len(queued) == 0 {
		return nil
	}
	m.failures[op] = queued[1:]
	return queued[0]
}

func (m *Memory) nextTxRef() string {
	m.seq++
	return fmt.Sprintf("mem-tx-%06d", m.seq)
}

func (m *Memory) lockLocked(transferID uuid.UUID, claimToken string, amount decimal.Decimal, token domain.Token, senderAddress string) string {
	txRef := m.nextTxRef()
	m.escrows[claimToken] = &memoryEscrow{view: domain.LedgerTransferView{
		TransferID:    transferID,
		ClaimToken:    claimToken,
		Amount:        amount,
		Token:         token,
		SenderAddress: senderAddress,
		State:         domain.LedgerLocked,
		TxRef:         txRef,
	}}
	m.byTransfer[transferID] = claimToken
	return txRef
}

func (m *Memory) lockedEscrow(claimToken string, token domain.Token) (*memoryEscrow, error) {
	escrow, ok := m.escrows[claimToken]
	if !ok {
		return nil, &ErrorResponse{StatusCode: http.StatusNotFound, Code: "escrow_not_found", Message: "no escrow for claim token"}
	}
	if escrow.view.State != domain.LedgerLocked {
		return nil, &ErrorResponse{StatusCode: http.StatusConflict, Code: "escrow_settled", Message: "escrow already " + string(escrow.view.State)}
	}
	if escrow.view.Token != token {
		return nil, &ErrorResponse{StatusCode: http.StatusBadRequest, Code: "token_mismatch", Message: "escrow holds " + string(escrow.view.Token)}
	}
	return escrow, nil
}

// settleLocked pays out the whole escrow; partial settlement is not possible.
func (m *Memory) settleLocked(escrow *memoryEscrow, state domain.LedgerState, address string) string {
	txRef := m.nextTxRef()
	escrow.view.State = state
	escrow.view.RecipientAddress = address
	escrow.view.TxRef = txRef

	key := normalizeAddress(address)
	if m.payouts[key] == nil {
		m.payouts[key] = make(map[domain.Token]decimal.Decimal)
	}
	m.payouts[key][escrow.view.Token] = m.payouts[key][escrow.view.Token].Add(escrow.view.Amount)
	return txRef
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
