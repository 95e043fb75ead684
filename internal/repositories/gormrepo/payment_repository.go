package gormrepo

import (
	"context"

	"gorm.io/gorm"

	domain "github.com/mentree/api/internal/domain"
)

type paymentRepository struct {
	reg *Registry
}

func (r *paymentRepository) Insert(ctx context.Context, payment *domain.Payment) error {
	return WrapError("payment.insert", r.reg.handle(ctx).Create(payment).Error)
}

// Update persists the payment header guarded by the optimistic version
// column, then appends any new log and cancellation rows. Logs are append
// only; existing rows are never touched.
func (r *paymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	db := r.reg.handle(ctx)

	currentVersion := payment.Version
	res := db.Model(&domain.Payment{}).
		Where("id = ? AND version = ?", payment.ID, currentVersion).
		Updates(map[string]any{
			"payment_key":  payment.PaymentKey,
			"pg_tid":       payment.PGTid,
			"status":       payment.Status,
			"method":       payment.Method,
			"card_detail":  payment.CardDetail,
			"vbank_detail": payment.VbankDetail,
			"paid_at":      payment.PaidAt,
			"version":      currentVersion + 1,
		})
	if res.Error != nil {
		return WrapError("payment.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return WrapError("payment.update", ErrVersionConflict)
	}
	payment.Version = currentVersion + 1

	for i := range payment.Logs {
		if payment.Logs[i].ID != 0 {
			continue
		}
		payment.Logs[i].PaymentID = payment.ID
		if err := db.Create(&payment.Logs[i]).Error; err != nil {
			return WrapError("payment.log.insert", err)
		}
	}
	for i := range payment.Cancellations {
		payment.Cancellations[i].PaymentID = payment.ID
		var err error
		if payment.Cancellations[i].ID == 0 {
			err = db.Create(&payment.Cancellations[i]).Error
		} else {
			err = db.Save(&payment.Cancellations[i]).Error
		}
		if err != nil {
			return WrapError("payment.cancel.save", err)
		}
	}
	return nil
}

func (r *paymentRepository) FindByOrderID(ctx context.Context, orderID int64) (domain.Payment, error) {
	return r.findOne(ctx, "order_id = ?", orderID)
}

func (r *paymentRepository) FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Payment, error) {
	return r.findOne(ctx, "payment_key = ?", paymentKey)
}

func (r *paymentRepository) findOne(ctx context.Context, query string, arg any) (domain.Payment, error) {
	var payment domain.Payment
	err := r.reg.handle(ctx).
		Preload("Logs", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Cancellations", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where(query, arg).
		First(&payment).Error
	if err != nil {
		return domain.Payment{}, WrapError("payment.find", err)
	}
	return payment, nil
}
