package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/platform/auth"
	"github.com/mentree/api/internal/platform/httpx"
	"github.com/mentree/api/internal/services"
)

type createSubscriptionRequest struct {
	PurchaseID int64  `json:"purchase_id"`
	BillingKey string `json:"billing_key"`
}

type cancelSubscriptionRequest struct {
	MerchantUID string `json:"merchant_uid"`
	Reason      string `json:"reason"`
}

type subscriptionResponse struct {
	SubscriptionID  int64  `json:"subscription_id"`
	UserID          int64  `json:"user_id"`
	ContentID       int64  `json:"content_id"`
	OptionID        int64  `json:"option_id"`
	Status          string `json:"status"`
	Price           int64  `json:"price"`
	NextBillingDate string `json:"next_billing_date"`
	RetryCount      int    `json:"retry_count"`
}

// SubscriptionHandlers exposes the member-only subscription endpoints.
type SubscriptionHandlers struct {
	subscriptions services.SubscriptionService
}

// NewSubscriptionHandlers constructs a new SubscriptionHandlers instance.
func NewSubscriptionHandlers(subscriptions services.SubscriptionService) *SubscriptionHandlers {
	return &SubscriptionHandlers{subscriptions: subscriptions}
}

// Routes registers the /subscriptions endpoints.
func (h *SubscriptionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(auth.RequireMember)
	r.Post("/", h.create)
	r.Post("/cancel", h.cancel)
	r.Post("/{subscriptionID}/resume", h.resume)
}

func (h *SubscriptionHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createSubscriptionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if req.PurchaseID <= 0 || strings.TrimSpace(req.BillingKey) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "purchase_id and billing_key are required", http.StatusBadRequest))
		return
	}

	view, err := h.subscriptions.CreateSubscription(ctx, services.CreateSubscriptionCommand{
		PurchaseID: req.PurchaseID,
		BillingKey: strings.TrimSpace(req.BillingKey),
	})
	if err != nil {
		writeSubscriptionError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildSubscriptionResponse(view))
}

func (h *SubscriptionHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := auth.ActorFromContext(ctx)

	var req cancelSubscriptionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.MerchantUID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "merchant_uid is required", http.StatusBadRequest))
		return
	}

	if err := h.subscriptions.CancelSubscription(ctx, actor.MemberID, strings.TrimSpace(req.MerchantUID), strings.TrimSpace(req.Reason)); err != nil {
		writeSubscriptionError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *SubscriptionHandlers) resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := auth.ActorFromContext(ctx)

	subscriptionID, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "subscriptionID")), 10, 64)
	if err != nil || subscriptionID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subscription id must be a positive integer", http.StatusBadRequest))
		return
	}

	view, err := h.subscriptions.ResumeSubscription(ctx, actor.MemberID, subscriptionID)
	if err != nil {
		writeSubscriptionError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildSubscriptionResponse(view))
}

func buildSubscriptionResponse(view services.SubscriptionView) subscriptionResponse {
	return subscriptionResponse{
		SubscriptionID:  view.SubscriptionID,
		UserID:          view.UserID,
		ContentID:       view.ContentID,
		OptionID:        view.OptionID,
		Status:          string(view.Status),
		Price:           view.Price,
		NextBillingDate: view.NextBillingDate.Format("2006-01-02T15:04:05Z07:00"),
		RetryCount:      view.RetryCount,
	}
}

func writeSubscriptionError(r *http.Request, w http.ResponseWriter, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrSubscriptionMemberOnly):
		httpx.WriteError(ctx, w, httpx.NewError("member_only", "subscriptions require a member purchase", http.StatusForbidden))
	case errors.Is(err, services.ErrSubscriptionAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("access_denied", "subscription belongs to another member", http.StatusForbidden))
	case errors.Is(err, services.ErrSubscriptionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_not_found", "subscription not found", http.StatusNotFound))
	case errors.Is(err, domain.ErrSubscriptionIllegalResume):
		httpx.WriteError(ctx, w, httpx.NewError("resume_not_allowed", "subscription cannot be resumed from its current state", http.StatusConflict))
	case errors.Is(err, domain.ErrSubscriptionNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_invalid_state", "subscription is not active or past due", http.StatusConflict))
	case errors.Is(err, domain.ErrPurchaseAlreadyCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("purchase_cancelled", "purchase is already cancelled", http.StatusConflict))
	default:
		writeRepositoryError(r, w, err)
	}
}
