// Package gormrepo implements the repository contracts on MySQL via GORM.
//
// Transaction boundaries are explicit: UnitOfWork binds the transactional
// handle to the context, and every repository resolves its handle from the
// context so the same code runs inside or outside a transaction.
package gormrepo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/mentree/api/internal/repositories"
)

type txKey struct{}

// Registry wires GORM-backed repositories over a shared *gorm.DB.
type Registry struct {
	db *gorm.DB

	contents      *contentRepository
	coupons       *couponRepository
	orders        *orderRepository
	payments      *paymentRepository
	purchases     *purchaseRepository
	subscriptions *subscriptionRepository
	health        *healthRepository
}

// NewRegistry constructs the repository registry.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("gormrepo: db handle is required")
	}
	r := &Registry{db: db}
	r.contents = &contentRepository{r}
	r.coupons = &couponRepository{r}
	r.orders = &orderRepository{r}
	r.payments = &paymentRepository{r}
	r.purchases = &purchaseRepository{r}
	r.subscriptions = &subscriptionRepository{r}
	r.health = &healthRepository{r}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return WrapError("close", err)
	}
	return WrapError("close", sqlDB.Close())
}

// Contents returns the content repository.
func (r *Registry) Contents() repositories.ContentRepository { return r.contents }

// Coupons returns the coupon repository.
func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Payments returns the payment repository.
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }

// Purchases returns the purchase repository.
func (r *Registry) Purchases() repositories.PurchaseRepository { return r.purchases }

// Subscriptions returns the subscription repository.
func (r *Registry) Subscriptions() repositories.SubscriptionRepository { return r.subscriptions }

// Health returns the health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// handle resolves the transactional handle bound to ctx, falling back to the
// root connection.
func (r *Registry) handle(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// RunInTx joins the transaction already bound to ctx, or starts a new one.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.beginTx(ctx, fn)
}

// RunInNewTx always starts a fresh transaction on the root connection, even
// when the caller is already inside one. Each unit of work commits or rolls
// back independently.
func (r *Registry) RunInNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.beginTx(ctx, fn)
}

func (r *Registry) beginTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	return WrapError("tx", err)
}
