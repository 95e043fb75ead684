package gormrepo

import (
	"context"

	domain "github.com/mentree/api/internal/domain"
)

type contentRepository struct {
	reg *Registry
}

func (r *contentRepository) FindWithOptions(ctx context.Context, contentID int64) (domain.Content, error) {
	var content domain.Content
	err := r.reg.handle(ctx).
		Preload("Options").
		First(&content, contentID).Error
	if err != nil {
		return domain.Content{}, WrapError("content.find", err)
	}
	return content, nil
}

type couponRepository struct {
	reg *Registry
}

func (r *couponRepository) FindByCodes(ctx context.Context, ownerID int64, codes []string) ([]domain.Coupon, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	var coupons []domain.Coupon
	err := r.reg.handle(ctx).
		Where("owner_id = ? AND code IN ?", ownerID, codes).
		Find(&coupons).Error
	if err != nil {
		return nil, WrapError("coupon.find", err)
	}
	return coupons, nil
}

func (r *couponRepository) Update(ctx context.Context, coupon *domain.Coupon) error {
	return WrapError("coupon.update", r.reg.handle(ctx).Save(coupon).Error)
}
