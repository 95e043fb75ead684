package domain

import (
	"errors"
	"time"
)

// ErrPurchaseAlreadyCancelled indicates a cancellation was attempted twice.
var ErrPurchaseAlreadyCancelled = errors.New("purchase: already cancelled")

// Purchase grants access to one content option once its order reached paid.
// Its cancellation sub-state is tracked independently of the order's.
type Purchase struct {
	ID                int64  `gorm:"primaryKey"`
	OrderID           int64  `gorm:"not null;index"`
	PaymentID         int64  `gorm:"not null;index"`
	MemberID          *int64 `gorm:"index"`
	GuestID           *int64 `gorm:"index"`
	ContentID         int64  `gorm:"not null;index"`
	SellerID          int64  `gorm:"not null;index"`
	OptionID          int64  `gorm:"not null;index"`
	OptionName        string `gorm:"type:varchar(255);not null"`
	Price             int64  `gorm:"not null"`
	CancelRequestedAt *time.Time
	CancelledAt       *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// NewPurchase snapshots the paid order line into an access grant.
func NewPurchase(order Order, payment Payment, item OrderItem) Purchase {
	return Purchase{
		OrderID:    order.ID,
		PaymentID:  payment.ID,
		MemberID:   order.Purchaser.MemberID,
		GuestID:    order.Purchaser.GuestID,
		ContentID:  order.ContentID,
		SellerID:   order.SellerID,
		OptionID:   item.OptionID,
		OptionName: item.Name,
		Price:      item.Price,
	}
}

// IsCancelled reports whether access has been revoked.
func (p Purchase) IsCancelled() bool { return p.CancelledAt != nil }

// RequestCancel stamps the buyer's cancellation request.
func (p *Purchase) RequestCancel(now time.Time) error {
	if p.IsCancelled() {
		return ErrPurchaseAlreadyCancelled
	}
	at := now
	p.CancelRequestedAt = &at
	return nil
}

// Cancel revokes access.
func (p *Purchase) Cancel(now time.Time) error {
	if p.IsCancelled() {
		return ErrPurchaseAlreadyCancelled
	}
	at := now
	p.CancelledAt = &at
	return nil
}
