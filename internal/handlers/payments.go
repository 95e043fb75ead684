package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/platform/auth"
	"github.com/mentree/api/internal/platform/httpx"
	"github.com/mentree/api/internal/services"
)

type preparePaymentRequest struct {
	MerchantUID string `json:"merchant_uid"`
	Method      string `json:"method"`
}

type approvePaymentRequest struct {
	PaymentKey  string `json:"payment_key"`
	MerchantUID string `json:"merchant_uid"`
	Amount      int64  `json:"amount"`
}

type cancelPaymentRequest struct {
	MerchantUID string `json:"merchant_uid"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
}

type paymentResponse struct {
	PaymentID   int64  `json:"payment_id"`
	OrderID     int64  `json:"order_id"`
	MerchantUID string `json:"merchant_uid"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Remaining   int64  `json:"remaining"`
	Method      string `json:"method,omitempty"`
}

type paymentLogResponse struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Event      string `json:"event"`
	CreatedAt  string `json:"created_at"`
}

// PaymentHandlers exposes gateway checkout endpoints.
type PaymentHandlers struct {
	payments services.PaymentService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{payments: payments}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(auth.RequireActor)
	r.Post("/prepare", h.prepare)
	r.Post("/approve", h.approve)
	r.Post("/cancel", h.cancel)
	r.Get("/{merchantUID}/logs", h.listLogs)
}

func (h *PaymentHandlers) prepare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req preparePaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	result, err := h.payments.Prepare(ctx, services.PreparePaymentCommand{
		MerchantUID: strings.TrimSpace(req.MerchantUID),
		Method:      strings.TrimSpace(req.Method),
	})
	if err != nil {
		writePaymentError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"merchant_uid": result.MerchantUID,
		"payment_key":  result.PaymentKey,
		"amount":       result.Amount,
	})
}

func (h *PaymentHandlers) approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req approvePaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	view, err := h.payments.Approve(ctx, services.ApprovePaymentCommand{
		PaymentKey:  strings.TrimSpace(req.PaymentKey),
		MerchantUID: strings.TrimSpace(req.MerchantUID),
		Amount:      req.Amount,
	})
	if err != nil {
		writePaymentError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPaymentResponse(view))
}

func (h *PaymentHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cancelPaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	view, err := h.payments.Cancel(ctx, services.CancelPaymentCommand{
		MerchantUID: strings.TrimSpace(req.MerchantUID),
		Amount:      req.Amount,
		Reason:      strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writePaymentError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPaymentResponse(view))
}

func (h *PaymentHandlers) listLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	merchantUID := strings.TrimSpace(chi.URLParam(r, "merchantUID"))
	if merchantUID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "merchant uid is required", http.StatusBadRequest))
		return
	}

	logs, err := h.payments.ListLogs(ctx, merchantUID)
	if err != nil {
		writePaymentError(r, w, err)
		return
	}

	items := make([]paymentLogResponse, 0, len(logs))
	for _, entry := range logs {
		items = append(items, paymentLogResponse{
			FromStatus: string(entry.FromStatus),
			ToStatus:   string(entry.ToStatus),
			Event:      entry.Event,
			CreatedAt:  entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func buildPaymentResponse(view services.PaymentView) paymentResponse {
	return paymentResponse{
		PaymentID:   view.PaymentID,
		OrderID:     view.OrderID,
		MerchantUID: view.MerchantUID,
		Status:      string(view.Status),
		Amount:      view.Amount,
		Remaining:   view.Remaining,
		Method:      view.Method,
	}
}

func writePaymentError(r *http.Request, w http.ResponseWriter, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrPaymentNotFound), errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentAmountMismatch), errors.Is(err, domain.ErrPaymentInvalidCancelAmount):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", "amount does not match the payment", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentInvalidState), errors.Is(err, domain.ErrPaymentInvalidTransition), errors.Is(err, domain.ErrPaymentNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invalid_state", "payment is not in a valid state for this operation", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentCancelRejected):
		httpx.WriteError(ctx, w, httpx.NewError("cancel_rejected", "gateway rejected the cancellation", http.StatusBadGateway))
	default:
		writeRepositoryError(r, w, err)
	}
}
