/**
 * @description
 * HTTP handlers for the transfer-service. Handlers decode and validate the
 * request shape, delegate to the transfer service, and map its error kinds
 * onto status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app: transfer lifecycle operations and error kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/app"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
)

const maxRequestBodyBytes = 1 << 20

// TransferService is the subset of app.Service the handlers depend on.
type TransferService interface {
	CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.Transfer, error)
	GetSenderTransfer(ctx context.Context, id uuid.UUID, senderID string) (*domain.Transfer, error)
	ListSenderTransfers(ctx context.Context, senderID string, limit, offset int) ([]domain.Transfer, error)
	RefundTransfer(ctx context.Context, id uuid.UUID, senderAddress string) (*domain.Transfer, error)
	GetClaimView(ctx context.Context, claimToken string) (*domain.ClaimView, error)
	ClaimTransfer(ctx context.Context, req domain.ClaimTransferRequest) (*domain.Transfer, error)
	SweepExpiredTransfers(ctx context.Context) (app.SweepResult, error)
	ReconcileStuckSettlements(ctx context.Context, limit int) (app.ReconcileResult, error)
	CompleteFiatSettlement(ctx context.Context, id uuid.UUID, providerRef string) (*domain.Transfer, error)
	EscrowReconciliation(ctx context.Context) (*app.EscrowReport, error)
}

// TransferHandlers holds dependencies for the transfer routes.
type TransferHandlers struct {
	service TransferService
}

func NewTransferHandlers(service TransferService) *TransferHandlers {
	return &TransferHandlers{service: service}
}

// CreateTransferHandler locks the sender's funds and returns the claim link.
func (h *TransferHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := GetSenderID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Could not get sender ID from token")
		return
	}

	var req domain.CreateTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SenderID = senderID

	transfer, err := h.service.CreateTransfer(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, "create", err)
		return
	}

	writeData(w, http.StatusCreated, domain.CreateTransferResponse{
		ID:        transfer.ID,
		ClaimLink: transfer.ClaimLink,
		ExpiresAt: transfer.ExpiresAt,
		Status:    transfer.Status,
	})
}

// ListTransfersHandler pages through the caller's transfers.
func (h *TransferHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := GetSenderID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Could not get sender ID from token")
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "offset must be an integer")
		return
	}

	transfers, err := h.service.ListSenderTransfers(r.Context(), senderID, limit, offset)
	if err != nil {
		writeServiceError(w, r, "list", err)
		return
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	writeData(w, http.StatusOK, transfers)
}

// GetTransferHandler returns one of the caller's transfers.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := GetSenderID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Could not get sender ID from token")
		return
	}
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetSenderTransfer(r.Context(), id, senderID)
	if err != nil {
		writeServiceError(w, r, "get", err)
		return
	}
	writeData(w, http.StatusOK, transfer)
}

// RefundTransferHandler returns expired funds to the sender. The record must
// belong to the caller before the sender address is checked.
func (h *TransferHandlers) RefundTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := GetSenderID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Could not get sender ID from token")
		return
	}
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	var req domain.RefundTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := h.service.GetSenderTransfer(r.Context(), id, senderID); err != nil {
		writeServiceError(w, r, "refund", err)
		return
	}

	transfer, err := h.service.RefundTransfer(r.Context(), id, req.SenderAddress)
	if err != nil {
		writeServiceError(w, r, "refund", err)
		return
	}
	writeData(w, http.StatusOK, transfer)
}

// GetClaimHandler renders the public claim page data.
func (h *TransferHandlers) GetClaimHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetClaimView(r.Context(), chi.URLParam(r, "claimToken"))
	if err != nil {
		writeServiceError(w, r, "claim_view", err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// ClaimTransferHandler settles a transfer for whoever holds the claim link.
func (h *TransferHandlers) ClaimTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ClaimTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ClaimToken = chi.URLParam(r, "claimToken")

	transfer, err := h.service.ClaimTransfer(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, "claim", err)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"id":                 transfer.ID,
		"status":             transfer.Status,
		"amount":             transfer.Amount,
		"token":              transfer.Token,
		"payout_method":      transfer.PayoutMethod,
		"claimed_by_address": transfer.ClaimedByAddress,
		"claim_tx_ref":       transfer.ClaimTxRef,
		"claimed_at":         transfer.ClaimedAt,
	})
}

// SweepHandler triggers an immediate expiry sweep.
func (h *TransferHandlers) SweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SweepExpiredTransfers(r.Context())
	if err != nil {
		writeServiceError(w, r, "sweep", err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// ReconcileHandler triggers reconciliation of stuck reservations.
func (h *TransferHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
		return
	}
	result, err := h.service.ReconcileStuckSettlements(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, "reconcile", err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// FiatSettlementHandler records a completed bank payout.
func (h *TransferHandlers) FiatSettlementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}
	var req domain.FiatSettlementRequest
	if !decodeBody(w, r, &req) {
		return
	}

	transfer, err := h.service.CompleteFiatSettlement(r.Context(), id, req.ProviderRef)
	if err != nil {
		writeServiceError(w, r, "fiat_settlement", err)
		return
	}
	writeData(w, http.StatusOK, transfer)
}

// EscrowReconciliationHandler compares ledger custody with the store.
func (h *TransferHandlers) EscrowReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.EscrowReconciliation(r.Context())
	if err != nil {
		writeServiceError(w, r, "escrow_reconciliation", err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func transferIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid transfer ID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return false
	}
	return true
}

// errorResponse maps a service error to its HTTP status and error code.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, app.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, app.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, app.ErrNotYetExpired):
		return http.StatusConflict, "not_yet_expired"
	case errors.Is(err, app.ErrLedger):
		return http.StatusBadGateway, "ledger_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := errorResponse(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		applog.API.Error().Str("op", op).Str("route", routePattern(r)).Err(err).Msg("request failed")
		message = "Internal server error"
	} else if status == http.StatusBadGateway {
		applog.API.Warn().Str("op", op).Str("route", routePattern(r)).Err(err).Msg("ledger call failed")
		message = "The ledger could not complete the operation. Please retry."
	}
	writeError(w, status, code, message)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{"success": true, "data": data})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		applog.API.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
