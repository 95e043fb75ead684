package gormrepo

import (
	"context"

	domain "github.com/mentree/api/internal/domain"
)

type purchaseRepository struct {
	reg *Registry
}

func (r *purchaseRepository) Insert(ctx context.Context, purchase *domain.Purchase) error {
	return WrapError("purchase.insert", r.reg.handle(ctx).Create(purchase).Error)
}

func (r *purchaseRepository) Update(ctx context.Context, purchase *domain.Purchase) error {
	return WrapError("purchase.update", r.reg.handle(ctx).Save(purchase).Error)
}

func (r *purchaseRepository) FindByID(ctx context.Context, purchaseID int64) (domain.Purchase, error) {
	var purchase domain.Purchase
	err := r.reg.handle(ctx).First(&purchase, purchaseID).Error
	if err != nil {
		return domain.Purchase{}, WrapError("purchase.find", err)
	}
	return purchase, nil
}

func (r *purchaseRepository) ListByOrderID(ctx context.Context, orderID int64) ([]domain.Purchase, error) {
	var purchases []domain.Purchase
	err := r.reg.handle(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&purchases).Error
	if err != nil {
		return nil, WrapError("purchase.list", err)
	}
	return purchases, nil
}

func (r *purchaseRepository) ListActiveByUserContent(ctx context.Context, userID, contentID int64) ([]domain.Purchase, error) {
	var purchases []domain.Purchase
	err := r.reg.handle(ctx).
		Where("member_id = ? AND content_id = ? AND cancelled_at IS NULL", userID, contentID).
		Order("id ASC").
		Find(&purchases).Error
	if err != nil {
		return nil, WrapError("purchase.list", err)
	}
	return purchases, nil
}
