package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/platform/auth"
	"github.com/mentree/api/internal/services"
)

func newOrderTestRouter(orders services.OrderService) http.Handler {
	return NewRouter(
		WithMiddlewares(auth.Middleware()),
		WithOrderRoutes(NewOrderHandlers(orders).Routes),
	)
}

func TestCreateOrderReturnsCreated(t *testing.T) {
	var gotCmd services.CreateOrderCommand
	svc := &stubOrderService{
		createFunc: func(ctx context.Context, cmd services.CreateOrderCommand) (services.OrderResult, error) {
			gotCmd = cmd
			return services.OrderResult{
				OrderID:       1,
				MerchantUID:   "ORD000000000001",
				Status:        domain.OrderStatusCreated,
				OriginalPrice: 10000,
				DiscountPrice: 2000,
				FinalPrice:    8000,
			}, nil
		},
	}
	router := newOrderTestRouter(svc)

	body := `{"content_id":7,"options":[{"option_id":10,"quantity":1}],"coupon_codes":["WELCOME20"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/orders/", strings.NewReader(body))
	req.Header.Set("X-Member-Id", "100")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotCmd.Actor.Kind != domain.ActorMember || gotCmd.Actor.MemberID != 100 {
		t.Fatalf("unexpected actor %+v", gotCmd.Actor)
	}
	if len(gotCmd.Options) != 1 || gotCmd.Options[0].OptionID != 10 {
		t.Fatalf("unexpected options %+v", gotCmd.Options)
	}

	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.MerchantUID != "ORD000000000001" || resp.FinalPrice != 8000 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreateOrderRequiresIdentity(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateOrderRejectsMalformedBody(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/", strings.NewReader(`{not json`))
	req.Header.Set("X-Member-Id", "100")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateOrderMapsGuestVerificationError(t *testing.T) {
	svc := &stubOrderService{
		createFunc: func(ctx context.Context, cmd services.CreateOrderCommand) (services.OrderResult, error) {
			return services.OrderResult{}, services.ErrOrderGuestNotVerified
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/", strings.NewReader(`{"content_id":7}`))
	req.Header.Set("X-Guest-Id", "55")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestGetOrderSuccessReturnsPayload(t *testing.T) {
	paidAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := &stubOrderService{
		successFunc: func(ctx context.Context, actor domain.Actor, merchantUID string) (services.OrderSuccessResult, error) {
			if merchantUID != "ORD000000000001" {
				t.Fatalf("unexpected merchant uid %q", merchantUID)
			}
			return services.OrderSuccessResult{
				OrderID:     1,
				MerchantUID: merchantUID,
				ContentID:   7,
				FinalPrice:  8000,
				Method:      "card",
				PaidAt:      &paidAt,
				Items:       []domain.OrderItem{{OptionID: 10, Name: "Basic", Price: 10000, Quantity: 1}},
			}, nil
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ORD000000000001/success", nil)
	req.Header.Set("X-Member-Id", "100")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp orderSuccessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.PaidAt != "2026-03-02T10:00:00Z" || len(resp.Items) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestGetOrderSuccessMapsNotPaidToConflict(t *testing.T) {
	svc := &stubOrderService{
		successFunc: func(ctx context.Context, actor domain.Actor, merchantUID string) (services.OrderSuccessResult, error) {
			return services.OrderSuccessResult{}, services.ErrOrderNotPaid
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ORD000000000001/success", nil)
	req.Header.Set("X-Member-Id", "100")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRequestCancelStampsReason(t *testing.T) {
	var gotReason string
	svc := &stubOrderService{
		cancelFunc: func(ctx context.Context, actor domain.Actor, merchantUID, reason string) error {
			gotReason = reason
			return nil
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ORD000000000001/cancel-request", strings.NewReader(`{"reason":"changed my mind"}`))
	req.Header.Set("X-Member-Id", "100")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotReason != "changed my mind" {
		t.Fatalf("unexpected reason %q", gotReason)
	}
}

func TestRequestCancelMapsAccessDenied(t *testing.T) {
	svc := &stubOrderService{
		cancelFunc: func(ctx context.Context, actor domain.Actor, merchantUID, reason string) error {
			return services.ErrOrderAccessDenied
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ORD000000000001/cancel-request", strings.NewReader(`{"reason":"x"}`))
	req.Header.Set("X-Guest-Id", "55")
	req.Header.Set("X-Guest-Phone-Verified", "true")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
