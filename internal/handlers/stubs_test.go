package handlers

import (
	"context"
	"errors"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/payments"
	"github.com/mentree/api/internal/services"
)

var errStubNotImplemented = errors.New("stub: not implemented")

type stubOrderService struct {
	createFunc  func(ctx context.Context, cmd services.CreateOrderCommand) (services.OrderResult, error)
	successFunc func(ctx context.Context, actor domain.Actor, merchantUID string) (services.OrderSuccessResult, error)
	cancelFunc  func(ctx context.Context, actor domain.Actor, merchantUID, reason string) error
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.OrderResult, error) {
	if s.createFunc == nil {
		return services.OrderResult{}, errStubNotImplemented
	}
	return s.createFunc(ctx, cmd)
}

func (s *stubOrderService) GetOrderSuccess(ctx context.Context, actor domain.Actor, merchantUID string) (services.OrderSuccessResult, error) {
	if s.successFunc == nil {
		return services.OrderSuccessResult{}, errStubNotImplemented
	}
	return s.successFunc(ctx, actor, merchantUID)
}

func (s *stubOrderService) RequestCancel(ctx context.Context, actor domain.Actor, merchantUID, reason string) error {
	if s.cancelFunc == nil {
		return errStubNotImplemented
	}
	return s.cancelFunc(ctx, actor, merchantUID, reason)
}

type stubPaymentService struct {
	prepareFunc  func(ctx context.Context, cmd services.PreparePaymentCommand) (services.PreparePaymentResult, error)
	approveFunc  func(ctx context.Context, cmd services.ApprovePaymentCommand) (services.PaymentView, error)
	cancelFunc   func(ctx context.Context, cmd services.CancelPaymentCommand) (services.PaymentView, error)
	webhookFunc  func(ctx context.Context, payload payments.WebhookPayload) error
	listLogsFunc func(ctx context.Context, merchantUID string) ([]domain.PaymentLog, error)
}

func (s *stubPaymentService) Prepare(ctx context.Context, cmd services.PreparePaymentCommand) (services.PreparePaymentResult, error) {
	if s.prepareFunc == nil {
		return services.PreparePaymentResult{}, errStubNotImplemented
	}
	return s.prepareFunc(ctx, cmd)
}

func (s *stubPaymentService) Approve(ctx context.Context, cmd services.ApprovePaymentCommand) (services.PaymentView, error) {
	if s.approveFunc == nil {
		return services.PaymentView{}, errStubNotImplemented
	}
	return s.approveFunc(ctx, cmd)
}

func (s *stubPaymentService) Cancel(ctx context.Context, cmd services.CancelPaymentCommand) (services.PaymentView, error) {
	if s.cancelFunc == nil {
		return services.PaymentView{}, errStubNotImplemented
	}
	return s.cancelFunc(ctx, cmd)
}

func (s *stubPaymentService) HandleWebhook(ctx context.Context, payload payments.WebhookPayload) error {
	if s.webhookFunc == nil {
		return errStubNotImplemented
	}
	return s.webhookFunc(ctx, payload)
}

func (s *stubPaymentService) ListLogs(ctx context.Context, merchantUID string) ([]domain.PaymentLog, error) {
	if s.listLogsFunc == nil {
		return nil, errStubNotImplemented
	}
	return s.listLogsFunc(ctx, merchantUID)
}

type stubSubscriptionService struct {
	createFunc func(ctx context.Context, cmd services.CreateSubscriptionCommand) (services.SubscriptionView, error)
	cancelFunc func(ctx context.Context, userID int64, merchantUID, reason string) error
	resumeFunc func(ctx context.Context, userID, subscriptionID int64) (services.SubscriptionView, error)
}

func (s *stubSubscriptionService) CreateSubscription(ctx context.Context, cmd services.CreateSubscriptionCommand) (services.SubscriptionView, error) {
	if s.createFunc == nil {
		return services.SubscriptionView{}, errStubNotImplemented
	}
	return s.createFunc(ctx, cmd)
}

func (s *stubSubscriptionService) CancelSubscription(ctx context.Context, userID int64, merchantUID, reason string) error {
	if s.cancelFunc == nil {
		return errStubNotImplemented
	}
	return s.cancelFunc(ctx, userID, merchantUID, reason)
}

func (s *stubSubscriptionService) ResumeSubscription(ctx context.Context, userID, subscriptionID int64) (services.SubscriptionView, error) {
	if s.resumeFunc == nil {
		return services.SubscriptionView{}, errStubNotImplemented
	}
	return s.resumeFunc(ctx, userID, subscriptionID)
}

type stubJob struct {
	runFunc func(ctx context.Context) error
	runs    int
}

func (s *stubJob) Run(ctx context.Context) error {
	s.runs++
	if s.runFunc == nil {
		return nil
	}
	return s.runFunc(ctx)
}

type stubHealthRepository struct {
	pingErr error
}

func (s *stubHealthRepository) Ping(ctx context.Context) error {
	return s.pingErr
}
