// Package services implements the order, payment, and subscription business
// flows on top of the repository and gateway boundaries.
package services

import (
	"context"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/payments"
)

// OrderService creates and reads orders for members and guests.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderResult, error)
	GetOrderSuccess(ctx context.Context, actor domain.Actor, merchantUID string) (OrderSuccessResult, error)
	RequestCancel(ctx context.Context, actor domain.Actor, merchantUID, reason string) error
}

// PaymentService owns the payment state machine and its gateway orchestration.
type PaymentService interface {
	Prepare(ctx context.Context, cmd PreparePaymentCommand) (PreparePaymentResult, error)
	Approve(ctx context.Context, cmd ApprovePaymentCommand) (PaymentView, error)
	Cancel(ctx context.Context, cmd CancelPaymentCommand) (PaymentView, error)
	HandleWebhook(ctx context.Context, payload payments.WebhookPayload) error
	ListLogs(ctx context.Context, merchantUID string) ([]domain.PaymentLog, error)
}

// SubscriptionService manages recurring billing agreements.
type SubscriptionService interface {
	CreateSubscription(ctx context.Context, cmd CreateSubscriptionCommand) (SubscriptionView, error)
	CancelSubscription(ctx context.Context, userID int64, merchantUID, reason string) error
	ResumeSubscription(ctx context.Context, userID, subscriptionID int64) (SubscriptionView, error)
}

// SubscriptionEnroller is the hook the payment path uses to advance a
// subscription when one of its recurring orders completes.
type SubscriptionEnroller interface {
	RenewOnPayment(ctx context.Context, purchase domain.Purchase) error
}

// Job is a periodic sweep entry point driven by the scheduler.
type Job interface {
	Run(ctx context.Context) error
}

// OrderOptionRequest is one requested option line.
type OrderOptionRequest struct {
	OptionID int64
	Quantity int
}

// CreateOrderCommand carries everything needed to create an order.
type CreateOrderCommand struct {
	Actor          domain.Actor
	ContentID      int64
	Options        []OrderOptionRequest
	CouponCodes    []string
	PurchaserName  string
	PurchaserPhone string
}

// OrderResult summarises a freshly created order.
type OrderResult struct {
	OrderID       int64
	MerchantUID   string
	Status        domain.OrderStatus
	OriginalPrice int64
	DiscountPrice int64
	FinalPrice    int64
}

// OrderSuccessResult is returned for paid orders only.
type OrderSuccessResult struct {
	OrderID     int64
	MerchantUID string
	ContentID   int64
	FinalPrice  int64
	Method      string
	PaidAt      *time.Time
	Items       []domain.OrderItem
}

// PreparePaymentCommand registers an order with the gateway.
type PreparePaymentCommand struct {
	MerchantUID string
	Method      string
}

// PreparePaymentResult carries the gateway-issued payment key.
type PreparePaymentResult struct {
	MerchantUID string
	PaymentKey  string
	Amount      int64
}

// ApprovePaymentCommand confirms a gateway charge for an order.
type ApprovePaymentCommand struct {
	PaymentKey  string
	MerchantUID string
	Amount      int64
}

// CancelPaymentCommand refunds part or all of a paid order.
type CancelPaymentCommand struct {
	MerchantUID string
	Amount      int64
	Reason      string
}

// PaymentView is the read model returned by payment operations.
type PaymentView struct {
	PaymentID   int64
	OrderID     int64
	MerchantUID string
	Status      domain.PaymentStatus
	Amount      int64
	Remaining   int64
	Method      string
}

// CreateSubscriptionCommand binds a billing key to a paid purchase.
type CreateSubscriptionCommand struct {
	PurchaseID int64
	BillingKey string
}

// SubscriptionView is the read model returned by subscription operations.
type SubscriptionView struct {
	SubscriptionID  int64
	UserID          int64
	ContentID       int64
	OptionID        int64
	Status          domain.SubscriptionStatus
	Price           int64
	NextBillingDate time.Time
	RetryCount      int
}

// PaymentCompletedEvent is emitted once per completed order for
// notification/settlement collaborators.
type PaymentCompletedEvent struct {
	OrderID      int64     `json:"orderId"`
	MerchantUID  string    `json:"merchantUid"`
	PaymentID    int64     `json:"paymentId"`
	PurchaseID   int64     `json:"purchaseId"`
	UserID       int64     `json:"userId"`
	ContentID    int64     `json:"contentId"`
	SellerID     int64     `json:"sellerId"`
	Amount       int64     `json:"amount"`
	CompletedAt  time.Time `json:"completedAt"`
	ContentTitle string    `json:"contentTitle,omitempty"`
	OptionID     int64     `json:"optionId"`
	OptionName   string    `json:"selectedOptionName"`
}

// SubscriptionGraceExpiredEvent notifies buyer and seller that a lapsed grace
// window was settled.
type SubscriptionGraceExpiredEvent struct {
	SubscriptionID int64     `json:"subscriptionId"`
	UserID         int64     `json:"userId"`
	SellerID       int64     `json:"sellerId"`
	ContentID      int64     `json:"contentId"`
	OptionID       int64     `json:"optionId"`
	ExpiredAt      time.Time `json:"expiredAt"`
}

// EventPublisher publishes domain events for downstream consumers.
type EventPublisher interface {
	PublishPaymentCompleted(ctx context.Context, event PaymentCompletedEvent) error
	PublishSubscriptionGraceExpired(ctx context.Context, event SubscriptionGraceExpiredEvent) error
}

type noopEventPublisher struct{}

func (noopEventPublisher) PublishPaymentCompleted(context.Context, PaymentCompletedEvent) error {
	return nil
}

func (noopEventPublisher) PublishSubscriptionGraceExpired(context.Context, SubscriptionGraceExpiredEvent) error {
	return nil
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (noopUnitOfWork) RunInNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
