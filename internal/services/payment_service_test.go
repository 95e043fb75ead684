package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/payments"
)

type paymentFixture struct {
	orders    *stubOrderRepository
	payments  *stubPaymentRepository
	purchases *stubPurchaseRepository
	gateway   *stubGateway
	events    *stubEventPublisher
	enroller  *stubEnroller
	service   PaymentService
	order     domain.Order
}

func newPaymentFixture(t *testing.T, now time.Time, items []domain.OrderItem, amount int64) *paymentFixture {
	t.Helper()
	f := &paymentFixture{
		orders:    newStubOrderRepository(),
		payments:  newStubPaymentRepository(),
		purchases: newStubPurchaseRepository(),
		gateway:   &stubGateway{},
		events:    &stubEventPublisher{},
		enroller:  &stubEnroller{},
	}

	f.order = domain.Order{
		ContentID:  7,
		SellerID:   42,
		Status:     domain.OrderStatusCreated,
		FinalPrice: amount,
		Purchaser:  domain.Purchaser{MemberID: int64Ptr(100), Name: "Kim", Phone: "010-0000-0000"},
		Items:      items,
	}
	ctx := context.Background()
	if err := f.orders.Insert(ctx, &f.order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if err := f.order.AssignMerchantUID(); err != nil {
		t.Fatalf("assign uid: %v", err)
	}
	if err := f.orders.Update(ctx, &f.order); err != nil {
		t.Fatalf("update order: %v", err)
	}
	payment := domain.NewPayment(f.order.ID, amount)
	if err := f.payments.Insert(ctx, &payment); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	cancelSeq := 0
	service, err := NewPaymentService(PaymentServiceDeps{
		Orders:    f.orders,
		Payments:  f.payments,
		Purchases: f.purchases,
		Gateway:   f.gateway,
		Events:    f.events,
		Enroller:  f.enroller,
		Clock:     func() time.Time { return now },
		CancelKey: func() string {
			cancelSeq++
			return fmt.Sprintf("cancel-key-%d", cancelSeq)
		},
		UnitOfWork: &stubUnitOfWork{},
	})
	if err != nil {
		t.Fatalf("unexpected error constructing payment service: %v", err)
	}
	f.service = service
	return f
}

func oneTimeItems() []domain.OrderItem {
	return []domain.OrderItem{{OptionID: 10, Name: "Single Session", Mode: domain.PaymentModeOneTime, Price: 10000, Quantity: 1}}
}

func TestPaymentServicePrepareStoresGatewayKey(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)

	f.gateway.prepareFunc = func(ctx context.Context, req payments.PrepareRequest) (payments.PrepareResult, error) {
		if req.MerchantUID != f.order.MerchantUID || req.Amount != 10000 {
			t.Fatalf("unexpected prepare request %+v", req)
		}
		return payments.PrepareResult{PaymentKey: "pay-key-1", Raw: `{"ok":true}`}, nil
	}

	result, err := f.service.Prepare(context.Background(), PreparePaymentCommand{
		MerchantUID: f.order.MerchantUID,
		Method:      "card",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PaymentKey != "pay-key-1" || result.Amount != 10000 {
		t.Fatalf("unexpected result %+v", result)
	}

	payment, _ := f.payments.FindByOrderID(context.Background(), f.order.ID)
	if payment.PaymentKey != "pay-key-1" || payment.Method != "card" {
		t.Fatalf("expected stored key and method, got %+v", payment)
	}
	if payment.Status != domain.PaymentStatusReady {
		t.Fatalf("prepare must not advance status, got %s", payment.Status)
	}
	if len(payment.Logs) != 1 || payment.Logs[0].Event != "payment.prepared" {
		t.Fatalf("expected prepare log, got %+v", payment.Logs)
	}
}

func TestPaymentServiceApproveRejectsAmountMismatchBeforeMutation(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)

	_, err := f.service.Approve(context.Background(), ApprovePaymentCommand{
		PaymentKey:  "pay-key-1",
		MerchantUID: f.order.MerchantUID,
		Amount:      9900,
	})
	if !errors.Is(err, ErrPaymentAmountMismatch) {
		t.Fatalf("expected ErrPaymentAmountMismatch, got %v", err)
	}

	if f.gateway.approveCalls != 0 {
		t.Fatalf("gateway must not be called on mismatch")
	}
	payment, _ := f.payments.FindByOrderID(context.Background(), f.order.ID)
	if payment.Status != domain.PaymentStatusReady {
		t.Fatalf("payment must stay ready, got %s", payment.Status)
	}
	if len(payment.Logs) != 0 {
		t.Fatalf("expected no logs written, got %d", len(payment.Logs))
	}
}

func TestPaymentServiceApproveCompletesOrderAndRenewsSubscriptions(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	items := []domain.OrderItem{
		{OptionID: 10, Name: "Single Session", Mode: domain.PaymentModeOneTime, Price: 10000, Quantity: 1},
		{OptionID: 12, Name: "Monthly Plan", Mode: domain.PaymentModeSubscription, Price: 30000, Quantity: 1},
	}
	f := newPaymentFixture(t, now, items, 40000)

	f.gateway.approveFunc = func(ctx context.Context, req payments.ApproveRequest) (payments.ChargeResult, error) {
		return payments.ChargeResult{
			PaymentKey: req.PaymentKey,
			PGTid:      "tid-1",
			Status:     payments.StatusPaid,
			Method:     "card",
			Amount:     req.Amount,
			ApprovedAt: now,
		}, nil
	}

	view, err := f.service.Approve(context.Background(), ApprovePaymentCommand{
		PaymentKey:  "pay-key-1",
		MerchantUID: f.order.MerchantUID,
		Amount:      40000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid view, got %s", view.Status)
	}

	order, _ := f.orders.FindByID(context.Background(), f.order.ID)
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", order.Status)
	}
	if len(f.purchases.purchases) != 2 {
		t.Fatalf("expected one purchase per item, got %d", len(f.purchases.purchases))
	}
	if len(f.events.completed) != 1 {
		t.Fatalf("expected one completion event, got %d", len(f.events.completed))
	}
	// Only the subscription-mode purchase feeds the enroller.
	if len(f.enroller.renewed) != 1 || f.enroller.renewed[0].OptionID != 12 {
		t.Fatalf("expected subscription purchase renewed, got %+v", f.enroller.renewed)
	}
}

func TestPaymentServiceApproveIsIdempotentOncePaid(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)

	f.gateway.approveFunc = func(ctx context.Context, req payments.ApproveRequest) (payments.ChargeResult, error) {
		return payments.ChargeResult{PaymentKey: req.PaymentKey, PGTid: "tid-1", Status: payments.StatusPaid, Method: "card", Amount: req.Amount}, nil
	}

	cmd := ApprovePaymentCommand{PaymentKey: "pay-key-1", MerchantUID: f.order.MerchantUID, Amount: 10000}
	if _, err := f.service.Approve(context.Background(), cmd); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := f.service.Approve(context.Background(), cmd); err != nil {
		t.Fatalf("second approve: %v", err)
	}

	if f.gateway.approveCalls != 1 {
		t.Fatalf("expected a single gateway call, got %d", f.gateway.approveCalls)
	}
	if len(f.purchases.purchases) != 1 {
		t.Fatalf("expected a single purchase, got %d", len(f.purchases.purchases))
	}
}

func TestPaymentServiceCancelRejectsExcessiveAmountBeforeMutation(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	seedPaidPayment(t, f, now)

	_, err := f.service.Cancel(context.Background(), CancelPaymentCommand{
		MerchantUID: f.order.MerchantUID,
		Amount:      20000,
		Reason:      "too much",
	})
	if !errors.Is(err, domain.ErrPaymentInvalidCancelAmount) {
		t.Fatalf("expected ErrPaymentInvalidCancelAmount, got %v", err)
	}
	if f.gateway.cancelCalls != 0 {
		t.Fatalf("gateway must not be called for invalid amounts")
	}
	payment, _ := f.payments.FindByOrderID(context.Background(), f.order.ID)
	if len(payment.Cancellations) != 0 {
		t.Fatalf("expected no cancellation recorded, got %d", len(payment.Cancellations))
	}
}

func TestPaymentServiceCancelPartialThenFull(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	seedPaidPayment(t, f, now)

	f.gateway.cancelFunc = func(ctx context.Context, req payments.CancelRequest) (payments.CancelResult, error) {
		return payments.CancelResult{CancelKey: req.CancelKey, Amount: req.Amount, Raw: `{"ok":true}`}, nil
	}

	view, err := f.service.Cancel(context.Background(), CancelPaymentCommand{
		MerchantUID: f.order.MerchantUID,
		Amount:      4000,
		Reason:      "partial refund",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Status != domain.PaymentStatusPartiallyCancelled || view.Remaining != 6000 {
		t.Fatalf("expected partial cancel with 6000 remaining, got %+v", view)
	}

	// Zero amount cancels the remainder.
	view, err = f.service.Cancel(context.Background(), CancelPaymentCommand{
		MerchantUID: f.order.MerchantUID,
		Reason:      "rest",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Status != domain.PaymentStatusCancelled || view.Remaining != 0 {
		t.Fatalf("expected full cancel, got %+v", view)
	}

	order, _ := f.orders.FindByID(context.Background(), f.order.ID)
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", order.Status)
	}
}

func TestPaymentServiceCancelRecordsGatewayRejection(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	seedPaidPayment(t, f, now)

	f.gateway.cancelFunc = func(ctx context.Context, req payments.CancelRequest) (payments.CancelResult, error) {
		return payments.CancelResult{}, &payments.GatewayError{Op: "cancel", HTTPStatus: 400, Message: "declined"}
	}

	_, err := f.service.Cancel(context.Background(), CancelPaymentCommand{
		MerchantUID: f.order.MerchantUID,
		Amount:      4000,
		Reason:      "refund",
	})
	if !errors.Is(err, ErrPaymentCancelRejected) {
		t.Fatalf("expected ErrPaymentCancelRejected, got %v", err)
	}

	payment, _ := f.payments.FindByOrderID(context.Background(), f.order.ID)
	if payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("payment must stay paid, got %s", payment.Status)
	}
	if len(payment.Cancellations) != 1 || payment.Cancellations[0].Status != domain.PaymentCancelFailed {
		t.Fatalf("expected failed cancellation recorded, got %+v", payment.Cancellations)
	}
}

func TestPaymentServiceWebhookUnknownPaymentIsDropped(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)

	err := f.service.HandleWebhook(context.Background(), payments.WebhookPayload{
		Type:       payments.WebhookTypePayment,
		PaymentKey: "never-seen",
		Status:     "paid",
	})
	if err != nil {
		t.Fatalf("unknown payments must be acknowledged, got %v", err)
	}
}

func TestPaymentServiceWebhookPaidCompletesOrderOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	registerPaymentKey(t, f, "pay-key-1")

	payload := payments.WebhookPayload{
		Type:       payments.WebhookTypePayment,
		PaymentKey: "pay-key-1",
		Status:     "paid",
		PGTid:      "tid-1",
		Method:     "card",
	}
	if err := f.service.HandleWebhook(context.Background(), payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.service.HandleWebhook(context.Background(), payload); err != nil {
		t.Fatalf("replayed delivery: %v", err)
	}

	order, _ := f.orders.FindByID(context.Background(), f.order.ID)
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", order.Status)
	}
	if len(f.purchases.purchases) != 1 {
		t.Fatalf("replay must not duplicate purchases, got %d", len(f.purchases.purchases))
	}
	if len(f.events.completed) != 1 {
		t.Fatalf("replay must not duplicate events, got %d", len(f.events.completed))
	}
}

func TestPaymentServiceWebhookCancelReplayIsNoOp(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	registerPaymentKey(t, f, "pay-key-1")
	seedPaidPayment(t, f, now)

	payload := payments.WebhookPayload{
		Type:         payments.WebhookTypeCancel,
		PaymentKey:   "pay-key-1",
		Status:       "cancelled",
		CancelKey:    "ext-cancel-1",
		CancelAmount: 10000,
		CancelReason: "chargeback",
	}
	if err := f.service.HandleWebhook(context.Background(), payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.service.HandleWebhook(context.Background(), payload); err != nil {
		t.Fatalf("replayed delivery: %v", err)
	}

	payment, _ := f.payments.FindByOrderID(context.Background(), f.order.ID)
	if payment.Status != domain.PaymentStatusCancelled {
		t.Fatalf("expected cancelled payment, got %s", payment.Status)
	}
	if len(payment.Cancellations) != 1 {
		t.Fatalf("replay must not duplicate cancellations, got %d", len(payment.Cancellations))
	}
	order, _ := f.orders.FindByID(context.Background(), f.order.ID)
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", order.Status)
	}
}

func TestPaymentServiceWebhookFailureFailsOrder(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	registerPaymentKey(t, f, "pay-key-1")

	err := f.service.HandleWebhook(context.Background(), payments.WebhookPayload{
		Type:       payments.WebhookTypePayment,
		PaymentKey: "pay-key-1",
		Status:     "failed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payment, _ := f.payments.FindByOrderID(context.Background(), f.order.ID)
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", payment.Status)
	}
	order, _ := f.orders.FindByID(context.Background(), f.order.ID)
	if order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed order, got %s", order.Status)
	}
}

func TestPaymentServiceWebhookVbankStoresDetail(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	registerPaymentKey(t, f, "pay-key-1")

	err := f.service.HandleWebhook(context.Background(), payments.WebhookPayload{
		Type:       payments.WebhookTypeVbank,
		PaymentKey: "pay-key-1",
		Status:     "waiting_for_deposit",
		VbankNum:   "110-123-456",
		VbankCode:  "088",
		VbankName:  "Shinhan",
		VbankDue:   "2026-03-09",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payment, _ := f.payments.FindByOrderID(context.Background(), f.order.ID)
	if payment.Status != domain.PaymentStatusWaitingForDeposit {
		t.Fatalf("expected waiting_for_deposit, got %s", payment.Status)
	}
	if payment.VbankDetail == "" {
		t.Fatalf("expected vbank detail stored")
	}
}

func TestPaymentServiceListLogsReturnsHistory(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newPaymentFixture(t, now, oneTimeItems(), 10000)
	registerPaymentKey(t, f, "pay-key-1")

	logs, err := f.service.ListLogs(context.Background(), f.order.MerchantUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 || logs[0].Event != "payment.prepared" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

// seedPaidPayment moves the fixture's payment to paid directly through the
// domain mutators.
func seedPaidPayment(t *testing.T, f *paymentFixture, now time.Time) {
	t.Helper()
	ctx := context.Background()
	payment, err := f.payments.FindByOrderID(ctx, f.order.ID)
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if err := payment.Approve("tid-seed", "card", "", now); err != nil {
		t.Fatalf("approve payment: %v", err)
	}
	if err := f.payments.Update(ctx, &payment); err != nil {
		t.Fatalf("update payment: %v", err)
	}
	order, err := f.orders.FindByID(ctx, f.order.ID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if err := order.CompletePayment(now); err != nil {
		t.Fatalf("complete order: %v", err)
	}
	if err := f.orders.Update(ctx, &order); err != nil {
		t.Fatalf("update order: %v", err)
	}
}

func registerPaymentKey(t *testing.T, f *paymentFixture, key string) {
	t.Helper()
	ctx := context.Background()
	payment, err := f.payments.FindByOrderID(ctx, f.order.ID)
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	payment.RegisterKey(key, "card", "")
	if err := f.payments.Update(ctx, &payment); err != nil {
		t.Fatalf("update payment: %v", err)
	}
}
