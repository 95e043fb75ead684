package repositories

import (
	"context"
	"time"

	domain "github.com/mentree/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Contents() ContentRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Purchases() PurchaseRepository
	Subscriptions() SubscriptionRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in explicit transactional boundaries.
type UnitOfWork interface {
	// RunInTx joins the caller's transaction when one is bound to ctx,
	// otherwise starts a new one.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// RunInNewTx always starts a fresh, independently-committed transaction on
	// the root connection, never participating in a caller's transaction. A
	// failure inside one unit of work therefore cannot roll back its siblings.
	RunInNewTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ContentRepository reads catalog aggregates for order validation.
type ContentRepository interface {
	FindWithOptions(ctx context.Context, contentID int64) (domain.Content, error)
}

// CouponRepository loads and consumes member coupons.
type CouponRepository interface {
	FindByCodes(ctx context.Context, ownerID int64, codes []string) ([]domain.Coupon, error)
	Update(ctx context.Context, coupon *domain.Coupon) error
}

// OrderRepository persists order aggregates including their items.
type OrderRepository interface {
	// Insert persists a new order and populates its generated id.
	Insert(ctx context.Context, order *domain.Order) error
	Update(ctx context.Context, order *domain.Order) error
	FindByID(ctx context.Context, orderID int64) (domain.Order, error)
	FindByMerchantUID(ctx context.Context, merchantUID string) (domain.Order, error)
}

// PaymentRepository persists payments with their append-only logs and
// cancellations. Update enforces the optimistic version check.
type PaymentRepository interface {
	Insert(ctx context.Context, payment *domain.Payment) error
	Update(ctx context.Context, payment *domain.Payment) error
	FindByOrderID(ctx context.Context, orderID int64) (domain.Payment, error)
	FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Payment, error)
}

// PurchaseRepository persists access grants created from paid orders.
type PurchaseRepository interface {
	Insert(ctx context.Context, purchase *domain.Purchase) error
	Update(ctx context.Context, purchase *domain.Purchase) error
	FindByID(ctx context.Context, purchaseID int64) (domain.Purchase, error)
	ListByOrderID(ctx context.Context, orderID int64) ([]domain.Purchase, error)
	// ListActiveByUserContent returns non-cancelled purchases tying a member
	// to a content, used when a subscription lapse revokes access.
	ListActiveByUserContent(ctx context.Context, userID, contentID int64) ([]domain.Purchase, error)
}

// DueSubscription is a lightweight sweep cursor row ordered by
// (nextBillingDate, id).
type DueSubscription struct {
	ID              int64
	NextBillingDate time.Time
}

// BillingCursor marks the last processed row of a keyset-paged sweep.
type BillingCursor struct {
	NextBillingDate time.Time
	ID              int64
}

// SubscriptionRepository persists recurring billing agreements. Mutating
// sweep paths must load rows through FindWithLockByID inside a transaction.
type SubscriptionRepository interface {
	Insert(ctx context.Context, sub *domain.Subscription) error
	Update(ctx context.Context, sub *domain.Subscription) error
	FindByID(ctx context.Context, id int64) (domain.Subscription, error)
	// FindWithLockByID acquires a row-level lock; the caller must be inside a
	// transaction bound to ctx.
	FindWithLockByID(ctx context.Context, id int64) (domain.Subscription, error)
	// FindBillableByUserOption returns the at-most-one active/past-due row per
	// (user, option).
	FindBillableByUserOption(ctx context.Context, userID, optionID int64) (domain.Subscription, error)
	// FindResumableByUserOption returns a cancelled row still inside its grace
	// window at the given instant.
	FindResumableByUserOption(ctx context.Context, userID, optionID int64, now time.Time) (domain.Subscription, error)
	// FindByUserAndMerchantUID resolves the subscription whose current
	// purchase originated from the given order.
	FindByUserAndMerchantUID(ctx context.Context, userID int64, merchantUID string) (domain.Subscription, error)
	// ListDueForBilling pages billable rows with nextBillingDate <= due,
	// ordered by (nextBillingDate, id), strictly after the cursor.
	ListDueForBilling(ctx context.Context, due time.Time, cursor BillingCursor, limit int) ([]DueSubscription, error)
	// ListGraceExpired pages cancelled rows whose grace window has elapsed and
	// has not yet been settled.
	ListGraceExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]int64, error)
}

// HealthRepository verifies storage connectivity for readiness probes.
type HealthRepository interface {
	Ping(ctx context.Context) error
}
