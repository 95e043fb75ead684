package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/payments"
	"github.com/mentree/api/internal/repositories"
)

type repositoryErrorStub struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryErrorStub) Error() string       { return "repository error stub" }
func (e *repositoryErrorStub) IsNotFound() bool    { return e.notFound }
func (e *repositoryErrorStub) IsConflict() bool    { return e.conflict }
func (e *repositoryErrorStub) IsUnavailable() bool { return e.unavailable }

var errStubNotImplemented = errors.New("stub: not implemented")

type stubContentRepository struct {
	findWithOptionsFunc func(ctx context.Context, contentID int64) (domain.Content, error)
}

func (s *stubContentRepository) FindWithOptions(ctx context.Context, contentID int64) (domain.Content, error) {
	if s.findWithOptionsFunc == nil {
		return domain.Content{}, errStubNotImplemented
	}
	return s.findWithOptionsFunc(ctx, contentID)
}

type stubCouponRepository struct {
	findByCodesFunc func(ctx context.Context, ownerID int64, codes []string) ([]domain.Coupon, error)
	updateFunc      func(ctx context.Context, coupon *domain.Coupon) error
}

func (s *stubCouponRepository) FindByCodes(ctx context.Context, ownerID int64, codes []string) ([]domain.Coupon, error) {
	if s.findByCodesFunc == nil {
		return nil, nil
	}
	return s.findByCodesFunc(ctx, ownerID, codes)
}

func (s *stubCouponRepository) Update(ctx context.Context, coupon *domain.Coupon) error {
	if s.updateFunc == nil {
		return nil
	}
	return s.updateFunc(ctx, coupon)
}

// stubOrderRepository is a minimal in-memory order store: Insert assigns
// sequential ids and Update overwrites the stored aggregate.
type stubOrderRepository struct {
	nextID int64
	orders map[int64]domain.Order

	insertErr error
	updateErr error
}

func newStubOrderRepository() *stubOrderRepository {
	return &stubOrderRepository{orders: map[int64]domain.Order{}}
}

func (s *stubOrderRepository) Insert(ctx context.Context, order *domain.Order) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.nextID++
	order.ID = s.nextID
	s.orders[order.ID] = *order
	return nil
}

func (s *stubOrderRepository) Update(ctx context.Context, order *domain.Order) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.orders[order.ID]; !ok {
		return &repositoryErrorStub{notFound: true}
	}
	s.orders[order.ID] = *order
	return nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, &repositoryErrorStub{notFound: true}
	}
	return order, nil
}

func (s *stubOrderRepository) FindByMerchantUID(ctx context.Context, merchantUID string) (domain.Order, error) {
	for _, order := range s.orders {
		if order.MerchantUID == merchantUID {
			return order, nil
		}
	}
	return domain.Order{}, &repositoryErrorStub{notFound: true}
}

// stubPaymentRepository mirrors the order stub for payments, keyed by order id.
type stubPaymentRepository struct {
	nextID   int64
	payments map[int64]domain.Payment

	insertErr error
	updateErr error
	updates   int
}

func newStubPaymentRepository() *stubPaymentRepository {
	return &stubPaymentRepository{payments: map[int64]domain.Payment{}}
}

func (s *stubPaymentRepository) Insert(ctx context.Context, payment *domain.Payment) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.nextID++
	payment.ID = s.nextID
	s.payments[payment.OrderID] = *payment
	return nil
}

func (s *stubPaymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.payments[payment.OrderID]; !ok {
		return &repositoryErrorStub{notFound: true}
	}
	s.updates++
	s.payments[payment.OrderID] = *payment
	return nil
}

func (s *stubPaymentRepository) FindByOrderID(ctx context.Context, orderID int64) (domain.Payment, error) {
	payment, ok := s.payments[orderID]
	if !ok {
		return domain.Payment{}, &repositoryErrorStub{notFound: true}
	}
	return payment, nil
}

func (s *stubPaymentRepository) FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Payment, error) {
	for _, payment := range s.payments {
		if payment.PaymentKey == paymentKey && paymentKey != "" {
			return payment, nil
		}
	}
	return domain.Payment{}, &repositoryErrorStub{notFound: true}
}

type stubPurchaseRepository struct {
	nextID    int64
	purchases map[int64]domain.Purchase

	insertErr error
}

func newStubPurchaseRepository() *stubPurchaseRepository {
	return &stubPurchaseRepository{purchases: map[int64]domain.Purchase{}}
}

func (s *stubPurchaseRepository) Insert(ctx context.Context, purchase *domain.Purchase) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.nextID++
	purchase.ID = s.nextID
	s.purchases[purchase.ID] = *purchase
	return nil
}

func (s *stubPurchaseRepository) Update(ctx context.Context, purchase *domain.Purchase) error {
	if _, ok := s.purchases[purchase.ID]; !ok {
		return &repositoryErrorStub{notFound: true}
	}
	s.purchases[purchase.ID] = *purchase
	return nil
}

func (s *stubPurchaseRepository) FindByID(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	purchase, ok := s.purchases[purchaseID]
	if !ok {
		return domain.Purchase{}, &repositoryErrorStub{notFound: true}
	}
	return purchase, nil
}

func (s *stubPurchaseRepository) ListByOrderID(ctx context.Context, orderID int64) ([]domain.Purchase, error) {
	var out []domain.Purchase
	for _, purchase := range s.purchases {
		if purchase.OrderID == orderID {
			out = append(out, purchase)
		}
	}
	return out, nil
}

func (s *stubPurchaseRepository) ListActiveByUserContent(ctx context.Context, userID, contentID int64) ([]domain.Purchase, error) {
	var out []domain.Purchase
	for _, purchase := range s.purchases {
		if purchase.MemberID == nil || *purchase.MemberID != userID {
			continue
		}
		if purchase.ContentID != contentID || purchase.IsCancelled() {
			continue
		}
		out = append(out, purchase)
	}
	return out, nil
}

type stubSubscriptionRepository struct {
	nextID        int64
	subscriptions map[int64]domain.Subscription

	lockCalls int

	insertFunc           func(ctx context.Context, sub *domain.Subscription) error
	listDueFunc          func(ctx context.Context, due time.Time, cursor repositories.BillingCursor, limit int) ([]repositories.DueSubscription, error)
	listGraceExpiredFunc func(ctx context.Context, now time.Time, afterID int64, limit int) ([]int64, error)
	merchantUIDIndex     map[string]int64
}

func newStubSubscriptionRepository() *stubSubscriptionRepository {
	return &stubSubscriptionRepository{
		subscriptions:    map[int64]domain.Subscription{},
		merchantUIDIndex: map[string]int64{},
	}
}

func (s *stubSubscriptionRepository) Insert(ctx context.Context, sub *domain.Subscription) error {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, sub)
	}
	s.nextID++
	sub.ID = s.nextID
	s.subscriptions[sub.ID] = *sub
	return nil
}

func (s *stubSubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return &repositoryErrorStub{notFound: true}
	}
	s.subscriptions[sub.ID] = *sub
	return nil
}

func (s *stubSubscriptionRepository) FindByID(ctx context.Context, id int64) (domain.Subscription, error) {
	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.Subscription{}, &repositoryErrorStub{notFound: true}
	}
	return sub, nil
}

func (s *stubSubscriptionRepository) FindWithLockByID(ctx context.Context, id int64) (domain.Subscription, error) {
	s.lockCalls++
	return s.FindByID(ctx, id)
}

func (s *stubSubscriptionRepository) FindBillableByUserOption(ctx context.Context, userID, optionID int64) (domain.Subscription, error) {
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.OptionID == optionID && sub.IsBillable() {
			return sub, nil
		}
	}
	return domain.Subscription{}, &repositoryErrorStub{notFound: true}
}

func (s *stubSubscriptionRepository) FindResumableByUserOption(ctx context.Context, userID, optionID int64, now time.Time) (domain.Subscription, error) {
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.OptionID == optionID && sub.IsWithinGrace(now) {
			return sub, nil
		}
	}
	return domain.Subscription{}, &repositoryErrorStub{notFound: true}
}

func (s *stubSubscriptionRepository) FindByUserAndMerchantUID(ctx context.Context, userID int64, merchantUID string) (domain.Subscription, error) {
	id, ok := s.merchantUIDIndex[merchantUID]
	if !ok {
		return domain.Subscription{}, &repositoryErrorStub{notFound: true}
	}
	sub := s.subscriptions[id]
	if sub.UserID != userID {
		return domain.Subscription{}, &repositoryErrorStub{notFound: true}
	}
	return sub, nil
}

func (s *stubSubscriptionRepository) ListDueForBilling(ctx context.Context, due time.Time, cursor repositories.BillingCursor, limit int) ([]repositories.DueSubscription, error) {
	if s.listDueFunc != nil {
		return s.listDueFunc(ctx, due, cursor, limit)
	}
	return nil, nil
}

func (s *stubSubscriptionRepository) ListGraceExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]int64, error) {
	if s.listGraceExpiredFunc != nil {
		return s.listGraceExpiredFunc(ctx, now, afterID, limit)
	}
	return nil, nil
}

// stubUnitOfWork executes closures inline and counts fresh transactions so
// tests can assert boundary placement.
type stubUnitOfWork struct {
	joined int
	fresh  int
}

func (s *stubUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.joined++
	return fn(ctx)
}

func (s *stubUnitOfWork) RunInNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.fresh++
	return fn(ctx)
}

type stubGateway struct {
	prepareFunc func(ctx context.Context, req payments.PrepareRequest) (payments.PrepareResult, error)
	approveFunc func(ctx context.Context, req payments.ApproveRequest) (payments.ChargeResult, error)
	cancelFunc  func(ctx context.Context, req payments.CancelRequest) (payments.CancelResult, error)
	chargeFunc  func(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error)

	prepareCalls int
	approveCalls int
	cancelCalls  int
	chargeCalls  int
}

func (s *stubGateway) Prepare(ctx context.Context, req payments.PrepareRequest) (payments.PrepareResult, error) {
	s.prepareCalls++
	if s.prepareFunc == nil {
		return payments.PrepareResult{}, errStubNotImplemented
	}
	return s.prepareFunc(ctx, req)
}

func (s *stubGateway) Approve(ctx context.Context, req payments.ApproveRequest) (payments.ChargeResult, error) {
	s.approveCalls++
	if s.approveFunc == nil {
		return payments.ChargeResult{}, errStubNotImplemented
	}
	return s.approveFunc(ctx, req)
}

func (s *stubGateway) Cancel(ctx context.Context, req payments.CancelRequest) (payments.CancelResult, error) {
	s.cancelCalls++
	if s.cancelFunc == nil {
		return payments.CancelResult{}, errStubNotImplemented
	}
	return s.cancelFunc(ctx, req)
}

func (s *stubGateway) ChargeBillingKey(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	s.chargeCalls++
	if s.chargeFunc == nil {
		return payments.ChargeResult{}, errStubNotImplemented
	}
	return s.chargeFunc(ctx, req)
}

type stubEventPublisher struct {
	completed    []PaymentCompletedEvent
	graceExpired []SubscriptionGraceExpiredEvent
	publishErr   error
}

func (s *stubEventPublisher) PublishPaymentCompleted(ctx context.Context, event PaymentCompletedEvent) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.completed = append(s.completed, event)
	return nil
}

func (s *stubEventPublisher) PublishSubscriptionGraceExpired(ctx context.Context, event SubscriptionGraceExpiredEvent) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.graceExpired = append(s.graceExpired, event)
	return nil
}

type stubEnroller struct {
	renewed  []domain.Purchase
	renewErr error
}

func (s *stubEnroller) RenewOnPayment(ctx context.Context, purchase domain.Purchase) error {
	if s.renewErr != nil {
		return s.renewErr
	}
	s.renewed = append(s.renewed, purchase)
	return nil
}

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }
