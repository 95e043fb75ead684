package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mentree/api/internal/payments"
	"github.com/mentree/api/internal/platform/httpx"
	"github.com/mentree/api/internal/platform/requestctx"
	"github.com/mentree/api/internal/services"
)

// WebhookHandlers receives asynchronous gateway notifications.
//
// The gateway retries until it sees 200, so everything past body decoding
// acknowledges success: internal failures are logged and reconciled by the
// next delivery or the sweep jobs.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/portone", h.handlePortOne)
}

func (h *WebhookHandlers) handlePortOne(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var payload payments.WebhookPayload
	if err := decodeJSONBody(r, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook body must be valid JSON", http.StatusBadRequest))
		return
	}

	if err := h.payments.HandleWebhook(ctx, payload); err != nil {
		requestctx.Logger(ctx).Error("webhook processing failed",
			zap.String("payment_key", payload.PaymentKey),
			zap.String("webhook_type", string(payload.Type)),
			zap.Error(err),
		)
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "received"})
}
