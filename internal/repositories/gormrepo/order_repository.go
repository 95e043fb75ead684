package gormrepo

import (
	"context"

	domain "github.com/mentree/api/internal/domain"
)

type orderRepository struct {
	reg *Registry
}

func (r *orderRepository) Insert(ctx context.Context, order *domain.Order) error {
	return WrapError("order.insert", r.reg.handle(ctx).Create(order).Error)
}

// Update persists the order header. Items are write-once at creation and are
// deliberately not re-saved here.
func (r *orderRepository) Update(ctx context.Context, order *domain.Order) error {
	err := r.reg.handle(ctx).
		Omit("Items").
		Save(order).Error
	return WrapError("order.update", err)
}

func (r *orderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	var order domain.Order
	err := r.reg.handle(ctx).
		Preload("Items").
		First(&order, orderID).Error
	if err != nil {
		return domain.Order{}, WrapError("order.find", err)
	}
	return order, nil
}

func (r *orderRepository) FindByMerchantUID(ctx context.Context, merchantUID string) (domain.Order, error) {
	var order domain.Order
	err := r.reg.handle(ctx).
		Preload("Items").
		Where("merchant_uid = ?", merchantUID).
		First(&order).Error
	if err != nil {
		return domain.Order{}, WrapError("order.find", err)
	}
	return order, nil
}
