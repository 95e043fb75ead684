package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderInvalidOption indicates a requested option does not exist on the
	// content or carries an invalid quantity.
	ErrOrderInvalidOption = errors.New("order: invalid option")
	// ErrOrderGuestNotVerified indicates a guest order without a verified phone.
	ErrOrderGuestNotVerified = errors.New("order: guest not verified")
	// ErrOrderAccessDenied indicates the caller does not own the order.
	ErrOrderAccessDenied = errors.New("order: access denied")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderNotPaid indicates a success view was requested for an unpaid order.
	ErrOrderNotPaid = errors.New("order: not paid")
	// ErrOrderFreeProcessing indicates the synchronous free-order completion
	// failed; the order is left in failed state.
	ErrOrderFreeProcessing = errors.New("order: free order processing failed")
	// ErrOrderInvalidState indicates an operation not allowed in the current status.
	ErrOrderInvalidState = errors.New("order: invalid status")
)

// orderProcessor is the per-actor-kind creation strategy.
type orderProcessor interface {
	purchaser(cmd CreateOrderCommand) (domain.Purchaser, error)
	selectCoupon(ctx context.Context, cmd CreateOrderCommand, originalPrice int64, now time.Time) (*domain.Coupon, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Contents   repositories.ContentRepository
	Coupons    repositories.CouponRepository
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	Purchases  repositories.PurchaseRepository
	UnitOfWork repositories.UnitOfWork
	Events     EventPublisher
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	contents   repositories.ContentRepository
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	purchases  repositories.PurchaseRepository
	coupons    repositories.CouponRepository
	unitOfWork repositories.UnitOfWork
	events     EventPublisher
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
	processors map[domain.ActorKind]orderProcessor
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Contents == nil {
		return nil, errors.New("order service: content repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment repository is required")
	}
	if deps.Purchases == nil {
		return nil, errors.New("order service: purchase repository is required")
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

	svc := &orderService{
		contents:   deps.Contents,
		orders:     deps.Orders,
		payments:   deps.Payments,
		purchases:  deps.Purchases,
		coupons:    deps.Coupons,
		unitOfWork: unit,
		events:     events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
	svc.processors = map[domain.ActorKind]orderProcessor{
		domain.ActorMember: memberOrderProcessor{coupons: deps.Coupons},
		domain.ActorGuest:  guestOrderProcessor{},
	}
	return svc, nil
}

// CreateOrder runs the shared creation template, delegating actor-specific
// steps to the processor selected by actor kind. Zero-amount orders are
// completed synchronously without touching the gateway.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderResult, error) {
	if cmd.ContentID <= 0 || len(cmd.Options) == 0 {
		return OrderResult{}, ErrOrderInvalidInput
	}
	processor, ok := s.processors[cmd.Actor.Kind]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: unknown actor kind %q", ErrOrderInvalidInput, cmd.Actor.Kind)
	}

	now := s.clock()
	var order domain.Order
	var deferredCoupon *domain.Coupon
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		content, err := s.contents.FindWithOptions(ctx, cmd.ContentID)
		if err != nil {
			return s.translateRepoError(err, ErrOrderInvalidInput)
		}

		items, err := buildOrderItems(content, cmd.Options)
		if err != nil {
			return err
		}

		purchaser, err := processor.purchaser(cmd)
		if err != nil {
			return err
		}

		var originalPrice int64
		for _, item := range items {
			originalPrice += item.Price * int64(item.Quantity)
		}

		coupon, err := processor.selectCoupon(ctx, cmd, originalPrice, now)
		if err != nil {
			return err
		}
		var discount int64
		var couponID *int64
		if coupon != nil {
			discount = coupon.Discount(originalPrice)
			couponID = &coupon.ID
		}

		order, err = domain.NewOrder(content, purchaser, items, discount, couponID)
		if err != nil {
			return err
		}
		if err := s.persistNewOrder(ctx, &order); err != nil {
			return err
		}

		payment := domain.NewPayment(order.ID, order.FinalPrice)
		if err := s.payments.Insert(ctx, &payment); err != nil {
			return err
		}

		if coupon != nil {
			// A coupon discounting the order to zero is consumed inside the
			// free-order completion transaction, so a failed completion never
			// burns it.
			if order.FinalPrice == 0 {
				deferredCoupon = coupon
				return nil
			}
			coupon.MarkUsed(now)
			if err := s.coupons.Update(ctx, coupon); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	if order.FinalPrice == 0 {
		if err := s.completeFreeOrder(ctx, order.ID, deferredCoupon); err != nil {
			return OrderResult{}, err
		}
		order.Status = domain.OrderStatusPaid
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"merchantUid": order.MerchantUID,
		"finalPrice":  order.FinalPrice,
		"actorKind":   string(cmd.Actor.Kind),
	})

	return OrderResult{
		OrderID:       order.ID,
		MerchantUID:   order.MerchantUID,
		Status:        order.Status,
		OriginalPrice: order.OriginalPrice,
		DiscountPrice: order.DiscountPrice,
		FinalPrice:    order.FinalPrice,
	}, nil
}

// persistNewOrder performs the two-step save: the merchant uid embeds the
// generated primary key, so the row is inserted first and updated with the
// derived uid immediately after. Call sites never repeat this dance.
func (s *orderService) persistNewOrder(ctx context.Context, order *domain.Order) error {
	if err := s.orders.Insert(ctx, order); err != nil {
		return err
	}
	if err := order.AssignMerchantUID(); err != nil {
		return err
	}
	return s.orders.Update(ctx, order)
}

// completeFreeOrder settles a zero-amount order synchronously: the payment is
// approved without a gateway call, purchases are created, the deferred coupon
// (if any) is consumed, and the completion event is published. A failure marks
// the order failed in its own transaction so no ambiguous half-completed state
// survives and the coupon stays unused.
func (s *orderService) completeFreeOrder(ctx context.Context, orderID int64, coupon *domain.Coupon) error {
	now := s.clock()
	var event PaymentCompletedEvent
	err := s.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		payment, err := s.payments.FindByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := payment.Approve("", "free", "", now); err != nil {
			return err
		}
		if err := order.CompletePayment(now); err != nil {
			return err
		}

		var firstPurchase domain.Purchase
		for i, item := range order.Items {
			purchase := domain.NewPurchase(order, payment, item)
			if err := s.purchases.Insert(ctx, &purchase); err != nil {
				return err
			}
			if i == 0 {
				firstPurchase = purchase
			}
		}

		if err := s.payments.Update(ctx, &payment); err != nil {
			return err
		}
		if err := s.orders.Update(ctx, &order); err != nil {
			return err
		}
		if coupon != nil {
			coupon.MarkUsed(now)
			if err := s.coupons.Update(ctx, coupon); err != nil {
				return err
			}
		}

		event = buildPaymentCompletedEvent(order, payment, firstPurchase, now)
		return nil
	})
	if err != nil {
		s.failOrder(ctx, orderID)
		return fmt.Errorf("%w: %v", ErrOrderFreeProcessing, err)
	}

	if err := s.events.PublishPaymentCompleted(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
	return nil
}

// failOrder marks the order failed in an independent transaction; the failed
// row is the audit trail for the aborted free-order completion.
func (s *orderService) failOrder(ctx context.Context, orderID int64) {
	now := s.clock()
	err := s.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if err := order.Fail(now); err != nil {
			return err
		}
		return s.orders.Update(ctx, &order)
	})
	if err != nil {
		s.logger(ctx, "order.fail.mark.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

// GetOrderSuccess returns the paid-order view after verifying ownership.
func (s *orderService) GetOrderSuccess(ctx context.Context, actor domain.Actor, merchantUID string) (OrderSuccessResult, error) {
	order, err := s.orders.FindByMerchantUID(ctx, merchantUID)
	if err != nil {
		return OrderSuccessResult{}, s.translateRepoError(err, ErrOrderNotFound)
	}
	if !order.OwnedBy(actor) {
		return OrderSuccessResult{}, ErrOrderAccessDenied
	}
	if order.Status != domain.OrderStatusPaid {
		return OrderSuccessResult{}, fmt.Errorf("%w: status %s", ErrOrderNotPaid, order.Status)
	}

	payment, err := s.payments.FindByOrderID(ctx, order.ID)
	if err != nil {
		return OrderSuccessResult{}, err
	}
	return OrderSuccessResult{
		OrderID:     order.ID,
		MerchantUID: order.MerchantUID,
		ContentID:   order.ContentID,
		FinalPrice:  order.FinalPrice,
		Method:      payment.Method,
		PaidAt:      order.PaidAt,
		Items:       order.Items,
	}, nil
}

// RequestCancel moves a paid order into cancel-request and stamps its
// purchases; the refund itself completes through the payment cancel path.
func (s *orderService) RequestCancel(ctx context.Context, actor domain.Actor, merchantUID, reason string) error {
	now := s.clock()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.FindByMerchantUID(ctx, merchantUID)
		if err != nil {
			return s.translateRepoError(err, ErrOrderNotFound)
		}
		if !order.OwnedBy(actor) {
			return ErrOrderAccessDenied
		}
		if err := order.RequestCancel(); err != nil {
			return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		}
		if err := s.orders.Update(ctx, &order); err != nil {
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
			if err := purchases[i].RequestCancel(now); err != nil {
				return err
			}
			if err := s.purchases.Update(ctx, &purchases[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger(ctx, "order.cancel.requested", map[string]any{
		"merchantUid": merchantUID,
		"reason":      reason,
	})
	return nil
}

func (s *orderService) translateRepoError(err error, notFound error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return notFound
	}
	return err
}

// buildOrderItems validates every requested option against the catalog and
// snapshots its current price.
func buildOrderItems(content domain.Content, requests []OrderOptionRequest) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(requests))
	for _, req := range requests {
		opt, ok := content.OptionByID(req.OptionID)
		if !ok {
			return nil, fmt.Errorf("%w: option %d not on content %d", ErrOrderInvalidOption, req.OptionID, content.ID)
		}
		if req.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity %d for option %d", ErrOrderInvalidOption, req.Quantity, req.OptionID)
		}
		items = append(items, domain.OrderItem{
			OptionID: opt.ID,
			Name:     opt.Name,
			Mode:     opt.Mode,
			Price:    opt.Price,
			Quantity: req.Quantity,
		})
	}
	return items, nil
}

func buildPaymentCompletedEvent(order domain.Order, payment domain.Payment, purchase domain.Purchase, completedAt time.Time) PaymentCompletedEvent {
	var userID int64
	if order.Purchaser.MemberID != nil {
		userID = *order.Purchaser.MemberID
	}
	return PaymentCompletedEvent{
		OrderID:     order.ID,
		MerchantUID: order.MerchantUID,
		PaymentID:   payment.ID,
		PurchaseID:  purchase.ID,
		UserID:      userID,
		ContentID:   order.ContentID,
		SellerID:    order.SellerID,
		Amount:      order.FinalPrice,
		CompletedAt: completedAt,
		OptionID:    purchase.OptionID,
		OptionName:  purchase.OptionName,
	}
}

// memberOrderProcessor builds member orders and applies the best usable coupon.
type memberOrderProcessor struct {
	coupons repositories.CouponRepository
}

func (p memberOrderProcessor) purchaser(cmd CreateOrderCommand) (domain.Purchaser, error) {
	if cmd.Actor.MemberID <= 0 {
		return domain.Purchaser{}, ErrOrderInvalidInput
	}
	memberID := cmd.Actor.MemberID
	return domain.Purchaser{
		MemberID: &memberID,
		Name:     cmd.PurchaserName,
		Phone:    cmd.PurchaserPhone,
	}, nil
}

// selectCoupon picks, among the caller-supplied codes, the usable coupon with
// the maximal discount. Zero-price orders are coupon-ineligible.
func (p memberOrderProcessor) selectCoupon(ctx context.Context, cmd CreateOrderCommand, originalPrice int64, now time.Time) (*domain.Coupon, error) {
	if p.coupons == nil || len(cmd.CouponCodes) == 0 || originalPrice <= 0 {
		return nil, nil
	}

	codes := make([]string, 0, len(cmd.CouponCodes))
	for _, code := range cmd.CouponCodes {
		if normalized := domain.NormalizeCouponCode(code); normalized != "" {
			codes = append(codes, normalized)
		}
	}
	if len(codes) == 0 {
		return nil, nil
	}

	coupons, err := p.coupons.FindByCodes(ctx, cmd.Actor.MemberID, codes)
	if err != nil {
		return nil, err
	}

	var best *domain.Coupon
	var bestDiscount int64
	for i := range coupons {
		if !coupons[i].Usable(cmd.Actor.MemberID, originalPrice, now) {
			continue
		}
		if discount := coupons[i].Discount(originalPrice); discount > bestDiscount {
			best = &coupons[i]
			bestDiscount = discount
		}
	}
	return best, nil
}

// guestOrderProcessor builds guest orders; guests must be phone-verified and
// never receive coupons.
type guestOrderProcessor struct{}

func (guestOrderProcessor) purchaser(cmd CreateOrderCommand) (domain.Purchaser, error) {
	if cmd.Actor.GuestID <= 0 {
		return domain.Purchaser{}, ErrOrderInvalidInput
	}
	if !cmd.Actor.PhoneVerified {
		return domain.Purchaser{}, ErrOrderGuestNotVerified
	}
	guestID := cmd.Actor.GuestID
	return domain.Purchaser{
		GuestID: &guestID,
		Name:    cmd.PurchaserName,
		Phone:   cmd.PurchaserPhone,
	}, nil
}

func (guestOrderProcessor) selectCoupon(context.Context, CreateOrderCommand, int64, time.Time) (*domain.Coupon, error) {
	return nil, nil
}
