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

type createOrderRequest struct {
	ContentID      int64                `json:"content_id"`
	Options        []orderOptionRequest `json:"options"`
	CouponCodes    []string             `json:"coupon_codes"`
	PurchaserName  string               `json:"purchaser_name"`
	PurchaserPhone string               `json:"purchaser_phone"`
}

type orderOptionRequest struct {
	OptionID int64 `json:"option_id"`
	Quantity int   `json:"quantity"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type orderResponse struct {
	OrderID       int64  `json:"order_id"`
	MerchantUID   string `json:"merchant_uid"`
	Status        string `json:"status"`
	OriginalPrice int64  `json:"original_price"`
	DiscountPrice int64  `json:"discount_price"`
	FinalPrice    int64  `json:"final_price"`
}

type orderSuccessResponse struct {
	OrderID     int64               `json:"order_id"`
	MerchantUID string              `json:"merchant_uid"`
	ContentID   int64               `json:"content_id"`
	FinalPrice  int64               `json:"final_price"`
	Method      string              `json:"method,omitempty"`
	PaidAt      string              `json:"paid_at,omitempty"`
	Items       []orderItemResponse `json:"items"`
}

type orderItemResponse struct {
	OptionID int64  `json:"option_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

// OrderHandlers exposes the order endpoints for members and verified guests.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(auth.RequireActor)
	r.Post("/", h.createOrder)
	r.Get("/{merchantUID}/success", h.getOrderSuccess)
	r.Post("/{merchantUID}/cancel-request", h.requestCancel)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := auth.ActorFromContext(ctx)

	var req createOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		Actor:          actor,
		ContentID:      req.ContentID,
		CouponCodes:    req.CouponCodes,
		PurchaserName:  strings.TrimSpace(req.PurchaserName),
		PurchaserPhone: strings.TrimSpace(req.PurchaserPhone),
	}
	for _, opt := range req.Options {
		cmd.Options = append(cmd.Options, services.OrderOptionRequest{
			OptionID: opt.OptionID,
			Quantity: opt.Quantity,
		})
	}

	result, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{
		OrderID:       result.OrderID,
		MerchantUID:   result.MerchantUID,
		Status:        string(result.Status),
		OriginalPrice: result.OriginalPrice,
		DiscountPrice: result.DiscountPrice,
		FinalPrice:    result.FinalPrice,
	})
}

func (h *OrderHandlers) getOrderSuccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := auth.ActorFromContext(ctx)
	merchantUID := strings.TrimSpace(chi.URLParam(r, "merchantUID"))
	if merchantUID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "merchant uid is required", http.StatusBadRequest))
		return
	}

	result, err := h.orders.GetOrderSuccess(ctx, actor, merchantUID)
	if err != nil {
		writeOrderError(r, w, err)
		return
	}

	resp := orderSuccessResponse{
		OrderID:     result.OrderID,
		MerchantUID: result.MerchantUID,
		ContentID:   result.ContentID,
		FinalPrice:  result.FinalPrice,
		Method:      result.Method,
		Items:       make([]orderItemResponse, 0, len(result.Items)),
	}
	if result.PaidAt != nil {
		resp.PaidAt = result.PaidAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	for _, item := range result.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			OptionID: item.OptionID,
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
		})
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) requestCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := auth.ActorFromContext(ctx)
	merchantUID := strings.TrimSpace(chi.URLParam(r, "merchantUID"))
	if merchantUID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "merchant uid is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	if err := h.orders.RequestCancel(ctx, actor, merchantUID, strings.TrimSpace(req.Reason)); err != nil {
		writeOrderError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

func writeOrderError(r *http.Request, w http.ResponseWriter, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrOrderInvalidOption):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderGuestNotVerified):
		httpx.WriteError(ctx, w, httpx.NewError("guest_not_verified", "guest phone verification required", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("access_denied", "order belongs to another purchaser", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotPaid), errors.Is(err, services.ErrOrderInvalidState), errors.Is(err, domain.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order is not in a valid state for this operation", http.StatusConflict))
	case errors.Is(err, services.ErrOrderFreeProcessing):
		httpx.WriteError(ctx, w, httpx.NewError("free_order_failed", "free order completion failed", http.StatusInternalServerError))
	default:
		writeRepositoryError(r, w, err)
	}
}
