package domain

import (
	"strings"
	"time"
)

// ContentType enumerates the product categories sellers can list.
type ContentType string

const (
	// ContentTypeCoaching represents live coaching products.
	ContentTypeCoaching ContentType = "coaching"
	// ContentTypeDocument represents downloadable document products.
	ContentTypeDocument ContentType = "document"
)

// PaymentMode distinguishes one-time purchases from recurring subscriptions.
type PaymentMode string

const (
	// PaymentModeOneTime is a single up-front charge.
	PaymentModeOneTime PaymentMode = "one_time"
	// PaymentModeSubscription is a recurring billing-key charge.
	PaymentModeSubscription PaymentMode = "subscription"
)

// ContentStatus enumerates catalog visibility states.
type ContentStatus string

const (
	// ContentStatusActive indicates the content is purchasable.
	ContentStatusActive ContentStatus = "active"
	// ContentStatusSuspended indicates the content is hidden from purchase.
	ContentStatusSuspended ContentStatus = "suspended"
)

// Content is the catalog aggregate an order is placed against.
type Content struct {
	ID        int64           `gorm:"primaryKey"`
	SellerID  int64           `gorm:"not null;index"`
	Title     string          `gorm:"type:varchar(255);not null"`
	Type      ContentType     `gorm:"type:varchar(20);not null"`
	Status    ContentStatus   `gorm:"type:varchar(20);not null;default:'active'"`
	Options   []ContentOption `gorm:"foreignKey:ContentID"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

// ContentOption is one sellable variant (price point) of a content.
type ContentOption struct {
	ID        int64       `gorm:"primaryKey"`
	ContentID int64       `gorm:"not null;index"`
	Name      string      `gorm:"type:varchar(255);not null"`
	Price     int64       `gorm:"not null"`
	Mode      PaymentMode `gorm:"type:varchar(20);not null;default:'one_time'"`
	CreatedAt time.Time   `gorm:"autoCreateTime"`
}

// OptionByID returns the option with the given id, if it belongs to the content.
func (c Content) OptionByID(optionID int64) (ContentOption, bool) {
	for _, opt := range c.Options {
		if opt.ID == optionID {
			return opt, true
		}
	}
	return ContentOption{}, false
}

// CouponDiscountType enumerates supported discount calculations.
type CouponDiscountType string

const (
	// CouponDiscountFixed subtracts a fixed amount.
	CouponDiscountFixed CouponDiscountType = "fixed"
	// CouponDiscountRate subtracts a percentage of the order price.
	CouponDiscountRate CouponDiscountType = "rate"
)

// Coupon is a member-owned discount voucher applied to at most one order.
type Coupon struct {
	ID            int64              `gorm:"primaryKey"`
	OwnerID       int64              `gorm:"not null;index"`
	Code          string             `gorm:"type:varchar(64);not null;uniqueIndex"`
	DiscountType  CouponDiscountType `gorm:"type:varchar(20);not null"`
	Amount        int64              `gorm:"not null"`
	MinOrderPrice int64              `gorm:"not null;default:0"`
	ExpiresAt     *time.Time
	UsedAt        *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// Usable reports whether the coupon can be applied by ownerID to an order of
// the given original price at the given instant.
func (c Coupon) Usable(ownerID int64, orderPrice int64, now time.Time) bool {
	if c.OwnerID != ownerID {
		return false
	}
	if c.UsedAt != nil {
		return false
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	if orderPrice <= 0 || orderPrice < c.MinOrderPrice {
		return false
	}
	return true
}

// Discount computes the discount for an order of the given price. The result
// never exceeds the order price.
func (c Coupon) Discount(orderPrice int64) int64 {
	var discount int64
	switch c.DiscountType {
	case CouponDiscountRate:
		discount = orderPrice * c.Amount / 100
	default:
		discount = c.Amount
	}
	if discount > orderPrice {
		discount = orderPrice
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

// MarkUsed stamps the coupon as consumed.
func (c *Coupon) MarkUsed(now time.Time) {
	at := now
	c.UsedAt = &at
}

// NormalizeCouponCode canonicalises caller-supplied coupon codes.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
