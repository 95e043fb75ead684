package gormrepo

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/repositories"
)

type subscriptionRepository struct {
	reg *Registry
}

func (r *subscriptionRepository) Insert(ctx context.Context, sub *domain.Subscription) error {
	return WrapError("subscription.insert", r.reg.handle(ctx).Create(sub).Error)
}

func (r *subscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	return WrapError("subscription.update", r.reg.handle(ctx).Save(sub).Error)
}

func (r *subscriptionRepository) FindByID(ctx context.Context, id int64) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.reg.handle(ctx).First(&sub, id).Error
	if err != nil {
		return domain.Subscription{}, WrapError("subscription.find", err)
	}
	return sub, nil
}

// FindWithLockByID acquires a FOR UPDATE row lock so overlapping sweeps
// cannot double-charge the same subscription.
func (r *subscriptionRepository) FindWithLockByID(ctx context.Context, id int64) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.reg.handle(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sub, id).Error
	if err != nil {
		return domain.Subscription{}, WrapError("subscription.lock", err)
	}
	return sub, nil
}

func (r *subscriptionRepository) FindBillableByUserOption(ctx context.Context, userID, optionID int64) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.reg.handle(ctx).
		Where("user_id = ? AND option_id = ? AND status IN ?", userID, optionID,
			[]domain.SubscriptionStatus{domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue}).
		First(&sub).Error
	if err != nil {
		return domain.Subscription{}, WrapError("subscription.find", err)
	}
	return sub, nil
}

func (r *subscriptionRepository) FindResumableByUserOption(ctx context.Context, userID, optionID int64, now time.Time) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.reg.handle(ctx).
		Where("user_id = ? AND option_id = ? AND status = ? AND grace_period_ends_at > ?",
			userID, optionID, domain.SubscriptionStatusCancelled, now).
		First(&sub).Error
	if err != nil {
		return domain.Subscription{}, WrapError("subscription.find", err)
	}
	return sub, nil
}

func (r *subscriptionRepository) FindByUserAndMerchantUID(ctx context.Context, userID int64, merchantUID string) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.reg.handle(ctx).
		Joins("JOIN purchases ON purchases.id = subscriptions.purchase_id").
		Joins("JOIN orders ON orders.id = purchases.order_id").
		Where("orders.merchant_uid = ? AND subscriptions.user_id = ? AND subscriptions.status IN ?",
			merchantUID, userID,
			[]domain.SubscriptionStatus{domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue}).
		First(&sub).Error
	if err != nil {
		return domain.Subscription{}, WrapError("subscription.find", err)
	}
	return sub, nil
}

func (r *subscriptionRepository) ListDueForBilling(ctx context.Context, due time.Time, cursor repositories.BillingCursor, limit int) ([]repositories.DueSubscription, error) {
	var rows []repositories.DueSubscription
	err := r.reg.handle(ctx).
		Model(&domain.Subscription{}).
		Select("id", "next_billing_date").
		Where("status IN ? AND next_billing_date <= ?",
			[]domain.SubscriptionStatus{domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue}, due).
		Where("(next_billing_date > ?) OR (next_billing_date = ? AND id > ?)",
			cursor.NextBillingDate, cursor.NextBillingDate, cursor.ID).
		Order("next_billing_date ASC, id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, WrapError("subscription.due", err)
	}
	return rows, nil
}

func (r *subscriptionRepository) ListGraceExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.reg.handle(ctx).
		Model(&domain.Subscription{}).
		Where("status = ? AND grace_period_ends_at IS NOT NULL AND grace_period_ends_at <= ? AND grace_expired_at IS NULL AND id > ?",
			domain.SubscriptionStatusCancelled, now, afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, WrapError("subscription.grace", err)
	}
	return ids, nil
}

type healthRepository struct {
	reg *Registry
}

func (r *healthRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.reg.db.DB()
	if err != nil {
		return WrapError("health.ping", err)
	}
	return WrapError("health.ping", sqlDB.PingContext(ctx))
}
