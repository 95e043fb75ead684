package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/payments"
	"github.com/mentree/api/internal/repositories"
)

var (
	// ErrPaymentNotFound indicates no payment matched the lookup.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentAmountMismatch indicates the approval amount differs from the
	// order's final price. Checked before any state mutation.
	ErrPaymentAmountMismatch = errors.New("payment: amount mismatch")
	// ErrPaymentInvalidState indicates an operation not allowed in the current status.
	ErrPaymentInvalidState = errors.New("payment: invalid status")
	// ErrPaymentCancelRejected indicates the gateway declined the refund; the
	// failed attempt is recorded on the payment.
	ErrPaymentCancelRejected = errors.New("payment: cancel rejected by gateway")
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	Purchases  repositories.PurchaseRepository
	UnitOfWork repositories.UnitOfWork
	Gateway    payments.Gateway
	Events     EventPublisher
	// Enroller is optional; when set, completed subscription-mode purchases
	// renew their recurring agreement.
	Enroller  SubscriptionEnroller
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
	CancelKey func() string
}

type paymentService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	purchases  repositories.PurchaseRepository
	unitOfWork repositories.UnitOfWork
	gateway    payments.Gateway
	events     EventPublisher
	enroller   SubscriptionEnroller
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
	cancelKey  func() string
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Purchases == nil {
		return nil, errors.New("payment service: purchase repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	events := deps.Events
	if events == nil {
		events = noopEventPublisher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	cancelKey := deps.CancelKey
	if cancelKey == nil {
		cancelKey = uuid.NewString
	}

	return &paymentService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		purchases:  deps.Purchases,
		unitOfWork: unit,
		gateway:    deps.Gateway,
		events:     events,
		enroller:   deps.Enroller,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		cancelKey: cancelKey,
	}, nil
}

// Prepare registers the order's final price with the gateway and stores the
// issued payment key. Only created orders with a ready payment may prepare.
func (s *paymentService) Prepare(ctx context.Context, cmd PreparePaymentCommand) (PreparePaymentResult, error) {
	order, err := s.orders.FindByMerchantUID(ctx, cmd.MerchantUID)
	if err != nil {
		return PreparePaymentResult{}, s.translateRepoError(err)
	}
	if order.Status != domain.OrderStatusCreated {
		return PreparePaymentResult{}, fmt.Errorf("%w: order status %s", ErrPaymentInvalidState, order.Status)
	}
	payment, err := s.payments.FindByOrderID(ctx, order.ID)
	if err != nil {
		return PreparePaymentResult{}, s.translateRepoError(err)
	}
	if payment.Status != domain.PaymentStatusReady {
		return PreparePaymentResult{}, fmt.Errorf("%w: payment status %s", ErrPaymentInvalidState, payment.Status)
	}

	productName := ""
	if len(order.Items) > 0 {
		productName = order.Items[0].Name
	}
	result, err := s.gateway.Prepare(ctx, payments.PrepareRequest{
		MerchantUID: order.MerchantUID,
		Amount:      payment.Amount,
		Method:      cmd.Method,
		BuyerName:   order.Purchaser.Name,
		BuyerPhone:  order.Purchaser.Phone,
		ProductName: productName,
	})
	if err != nil {
		return PreparePaymentResult{}, err
	}

	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		payment, err := s.payments.FindByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		payment.RegisterKey(result.PaymentKey, cmd.Method, result.Raw)
		return s.payments.Update(ctx, &payment)
	})
	if err != nil {
		return PreparePaymentResult{}, err
	}

	s.logger(ctx, "payment.prepared", map[string]any{
		"merchantUid": order.MerchantUID,
		"amount":      payment.Amount,
	})
	return PreparePaymentResult{
		MerchantUID: order.MerchantUID,
		PaymentKey:  result.PaymentKey,
		Amount:      payment.Amount,
	}, nil
}

// Approve confirms the buyer's charge with the gateway and completes the
// order. The amount is verified against the order before anything mutates;
// the gateway call happens outside the completion transaction.
func (s *paymentService) Approve(ctx context.Context, cmd ApprovePaymentCommand) (PaymentView, error) {
	order, err := s.orders.FindByMerchantUID(ctx, cmd.MerchantUID)
	if err != nil {
		return PaymentView{}, s.translateRepoError(err)
	}
	payment, err := s.payments.FindByOrderID(ctx, order.ID)
	if err != nil {
		return PaymentView{}, s.translateRepoError(err)
	}
	if payment.ReachedStatus(domain.PaymentStatusPaid) {
		return buildPaymentView(order, payment), nil
	}
	if cmd.Amount != payment.Amount {
		return PaymentView{}, fmt.Errorf("%w: got %d, want %d", ErrPaymentAmountMismatch, cmd.Amount, payment.Amount)
	}

	charge, err := s.gateway.Approve(ctx, payments.ApproveRequest{
		PaymentKey:  cmd.PaymentKey,
		MerchantUID: cmd.MerchantUID,
		Amount:      cmd.Amount,
	})
	if err != nil {
		s.recordGatewayFailure(ctx, order.ID, "payment.approve.declined", err)
		return PaymentView{}, err
	}
	if charge.Amount != payment.Amount {
		s.recordGatewayFailure(ctx, order.ID, "payment.approve.amount_mismatch", ErrPaymentAmountMismatch)
		return PaymentView{}, fmt.Errorf("%w: gateway settled %d, want %d", ErrPaymentAmountMismatch, charge.Amount, payment.Amount)
	}

	view, err := s.completePayment(ctx, order.ID, charge.PGTid, charge.Method, charge.Raw)
	if err != nil {
		return PaymentView{}, err
	}
	return view, nil
}

// completePayment runs the post-charge completion transaction: approve the
// payment, mark the order paid, and mint purchases. Event publication and
// subscription renewal run after commit.
func (s *paymentService) completePayment(ctx context.Context, orderID int64, pgTid, method, payload string) (PaymentView, error) {
	now := s.clock()
	var view PaymentView
	var event PaymentCompletedEvent
	var subscriptionPurchases []domain.Purchase

	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		payment, err := s.payments.FindByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		if payment.ReachedStatus(domain.PaymentStatusPaid) {
			view = buildPaymentView(order, payment)
			return nil
		}

		if err := payment.Approve(pgTid, method, payload, now); err != nil {
			return err
		}
		if err := order.CompletePayment(now); err != nil {
			return err
		}

		var firstPurchase domain.Purchase
		subscriptionPurchases = subscriptionPurchases[:0]
		for i, item := range order.Items {
			purchase := domain.NewPurchase(order, payment, item)
			if err := s.purchases.Insert(ctx, &purchase); err != nil {
				return err
			}
			if i == 0 {
				firstPurchase = purchase
			}
			if item.Mode == domain.PaymentModeSubscription {
				subscriptionPurchases = append(subscriptionPurchases, purchase)
			}
		}

		if err := s.payments.Update(ctx, &payment); err != nil {
			return err
		}
		if err := s.orders.Update(ctx, &order); err != nil {
			return err
		}

		event = buildPaymentCompletedEvent(order, payment, firstPurchase, now)
		view = buildPaymentView(order, payment)
		return nil
	})
	if err != nil {
		return PaymentView{}, err
	}

	if event.OrderID != 0 {
		if err := s.events.PublishPaymentCompleted(ctx, event); err != nil {
			s.logger(ctx, "payment.event.publish.failed", map[string]any{
				"orderId": orderID,
				"error":   err.Error(),
			})
		}
	}
	if s.enroller != nil {
		for _, purchase := range subscriptionPurchases {
			if err := s.enroller.RenewOnPayment(ctx, purchase); err != nil {
				s.logger(ctx, "payment.subscription.renew.failed", map[string]any{
					"orderId":    orderID,
					"purchaseId": purchase.ID,
					"error":      err.Error(),
				})
			}
		}
	}
	return view, nil
}

// recordGatewayFailure persists the failed transition in its own transaction
// so the audit log survives even when the caller's work is abandoned.
func (s *paymentService) recordGatewayFailure(ctx context.Context, orderID int64, event string, cause error) {
	err := s.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		payment, err := s.payments.FindByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if err := payment.Fail(event, cause.Error()); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, &payment); err != nil {
			return err
		}
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if err := order.Fail(s.clock()); err != nil {
			return err
		}
		return s.orders.Update(ctx, &order)
	})
	if err != nil {
		s.logger(ctx, "payment.failure.record.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

// Cancel refunds part or all of a paid order. The attempt is recorded as
// requested before the gateway call; the confirming transaction completes or
// fails the attempt depending on the gateway's answer.
func (s *paymentService) Cancel(ctx context.Context, cmd CancelPaymentCommand) (PaymentView, error) {
	cancelKey := s.cancelKey()
	now := s.clock()

	var order domain.Order
	var payment domain.Payment
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.FindByMerchantUID(ctx, cmd.MerchantUID)
		if err != nil {
			return s.translateRepoError(err)
		}
		payment, err = s.payments.FindByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		amount := cmd.Amount
		if amount == 0 {
			amount = payment.RemainingAmount()
		}
		if _, err := payment.RequestCancel(cancelKey, amount, cmd.Reason); err != nil {
			return err
		}
		cmd.Amount = amount
		return s.payments.Update(ctx, &payment)
	})
	if err != nil {
		return PaymentView{}, err
	}

	result, gwErr := s.gateway.Cancel(ctx, payments.CancelRequest{
		PaymentKey: payment.PaymentKey,
		CancelKey:  cancelKey,
		Amount:     cmd.Amount,
		Reason:     cmd.Reason,
	})

	var view PaymentView
	err = s.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		payment, err := s.payments.FindByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}

		if gwErr != nil {
			if err := payment.FailCancel(cancelKey, gwErr.Error()); err != nil {
				return err
			}
			if err := s.payments.Update(ctx, &payment); err != nil {
				return err
			}
			view = buildPaymentView(order, payment)
			return nil
		}

		if err := payment.CompleteCancel(cancelKey, result.Raw, now); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, &payment); err != nil {
			return err
		}
		if payment.Status == domain.PaymentStatusCancelled {
			if err := s.settleCancelledOrder(ctx, &order, now); err != nil {
				return err
			}
		}
		view = buildPaymentView(order, payment)
		return nil
	})
	if err != nil {
		return PaymentView{}, err
	}
	if gwErr != nil {
		s.logger(ctx, "payment.cancel.rejected", map[string]any{
			"merchantUid": cmd.MerchantUID,
			"cancelKey":   cancelKey,
			"error":       gwErr.Error(),
		})
		return view, fmt.Errorf("%w: %v", ErrPaymentCancelRejected, gwErr)
	}

	s.logger(ctx, "payment.cancelled", map[string]any{
		"merchantUid": cmd.MerchantUID,
		"cancelKey":   cancelKey,
		"amount":      cmd.Amount,
		"status":      string(view.Status),
	})
	return view, nil
}

// settleCancelledOrder cancels the order and revokes its purchases once the
// payment reaches fully cancelled.
func (s *paymentService) settleCancelledOrder(ctx context.Context, order *domain.Order, now time.Time) error {
	if order.Status == domain.OrderStatusCancelled {
		return nil
	}
	if err := order.Cancel(now); err != nil {
		return err
	}
	if err := s.orders.Update(ctx, order); err != nil {
		return err
	}
	purchases, err := s.purchases.ListByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}
	for i := range purchases {
		if purchases[i].IsCancelled() {
			continue
		}
		if err := purchases[i].Cancel(now); err != nil {
			return err
		}
		if err := s.purchases.Update(ctx, &purchases[i]); err != nil {
			return err
		}
	}
	return nil
}

// HandleWebhook applies one gateway notification. Replays and out-of-order
// deliveries are dropped via ReachedStatus/HasCancelKey checks; notifications
// for unknown payment keys are logged and dropped so the gateway stops
// retrying them.
func (s *paymentService) HandleWebhook(ctx context.Context, payload payments.WebhookPayload) error {
	payment, err := s.payments.FindByPaymentKey(ctx, payload.PaymentKey)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			s.logger(ctx, "webhook.payment.unknown", map[string]any{
				"paymentKey": payload.PaymentKey,
				"type":       string(payload.Type),
			})
			return nil
		}
		return err
	}

	switch payload.Type {
	case payments.WebhookTypeCancel:
		return s.applyCancelWebhook(ctx, payment.OrderID, payload)
	case payments.WebhookTypeVbank:
		return s.applyVbankWebhook(ctx, payment.OrderID, payload)
	default:
		return s.applyPaymentWebhook(ctx, payment.OrderID, payload)
	}
}

func (s *paymentService) applyPaymentWebhook(ctx context.Context, orderID int64, payload payments.WebhookPayload) error {
	status, ok := payments.MapWebhookStatus(payload.Status)
	if !ok {
		s.logger(ctx, "webhook.status.unknown", map[string]any{
			"paymentKey": payload.PaymentKey,
			"status":     payload.Status,
		})
		return nil
	}

	switch status {
	case payments.StatusPaid:
		_, err := s.completePayment(ctx, orderID, payload.PGTid, payload.Method, "webhook:"+payload.Status)
		return err
	case payments.StatusInProgress:
		return s.applyTransitionWebhook(ctx, orderID, domain.PaymentStatusInProgress, func(p *domain.Payment) error {
			return p.MarkInProgress("payment.webhook.in_progress", payload.Status)
		})
	case payments.StatusWaitingForDeposit:
		return s.applyVbankWebhook(ctx, orderID, payload)
	case payments.StatusAborted:
		return s.applyTerminalWebhook(ctx, orderID, domain.PaymentStatusAborted, func(p *domain.Payment) error {
			return p.Abort("payment.webhook.aborted", payload.Status)
		})
	case payments.StatusFailed:
		return s.applyTerminalWebhook(ctx, orderID, domain.PaymentStatusFailed, func(p *domain.Payment) error {
			return p.Fail("payment.webhook.failed", payload.Status)
		})
	case payments.StatusCancelled:
		return s.applyCancelWebhook(ctx, orderID, payload)
	default:
		// ready adds nothing over the row's initial state.
		return nil
	}
}

// applyTransitionWebhook applies a non-terminal transition, dropping replays.
func (s *paymentService) applyTransitionWebhook(ctx context.Context, orderID int64, target domain.PaymentStatus, apply func(*domain.Payment) error) error {
	return s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		payment, err := s.payments.FindByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if payment.ReachedStatus(target) {
			return nil
		}
		if err := apply(&payment); err != nil {
			return err
		}
		return s.payments.Update(ctx, &payment)
	})
}

// applyTerminalWebhook moves the payment into aborted/failed and fails the
// order alongside it.
func (s *paymentService) applyTerminalWebhook(ctx context.Context, orderID int64, target domain.PaymentStatus, apply func(*domain.Payment) error) error {
	now := s.clock()
	return s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		payment, err := s.payments.FindByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if payment.Status == target {
			return nil
		}
		if err := apply(&payment); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, &payment); err != nil {
			return err
		}
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusCreated {
			return nil
		}
		if err := order.Fail(now); err != nil {
			return err
		}
		return s.orders.Update(ctx, &order)
	})
}

func (s *paymentService) applyVbankWebhook(ctx context.Context, orderID int64, payload payments.WebhookPayload) error {
	detail := fmt.Sprintf("%s %s %s due %s", payload.VbankName, payload.VbankCode, payload.VbankNum, payload.VbankDue)
	return s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		payment, err := s.payments.FindByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if payment.ReachedStatus(domain.PaymentStatusWaitingForDeposit) {
			return nil
		}
		if err := payment.MarkWaitingForDeposit(detail, "payment.webhook.vbank", payload.Status); err != nil {
			return err
		}
		return s.payments.Update(ctx, &payment)
	})
}

// applyCancelWebhook records a gateway-initiated cancellation, settling the
// order when the refund covers the full amount.
func (s *paymentService) applyCancelWebhook(ctx context.Context, orderID int64, payload payments.WebhookPayload) error {
	now := s.clock()
	return s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		payment, err := s.payments.FindByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if payload.CancelKey != "" && payment.HasCancelKey(payload.CancelKey) {
			return nil
		}
		amount := payload.CancelAmount
		if amount == 0 {
			amount = payment.RemainingAmount()
		}
		if err := payment.ApplyExternalCancel(payload.CancelKey, amount, payload.CancelReason, "webhook:"+payload.Status, now); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, &payment); err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusCancelled {
			return nil
		}
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		return s.settleCancelledOrder(ctx, &order, now)
	})
}

// ListLogs returns the append-only transition history for an order's payment.
func (s *paymentService) ListLogs(ctx context.Context, merchantUID string) ([]domain.PaymentLog, error) {
	order, err := s.orders.FindByMerchantUID(ctx, merchantUID)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	payment, err := s.payments.FindByOrderID(ctx, order.ID)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return payment.Logs, nil
}

func (s *paymentService) translateRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return ErrPaymentNotFound
	}
	return err
}

func buildPaymentView(order domain.Order, payment domain.Payment) PaymentView {
	return PaymentView{
		PaymentID:   payment.ID,
		OrderID:     order.ID,
		MerchantUID: order.MerchantUID,
		Status:      payment.Status,
		Amount:      payment.Amount,
		Remaining:   payment.RemainingAmount(),
		Method:      payment.Method,
	}
}
