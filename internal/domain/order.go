package domain

import (
	"errors"
	"fmt"
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusCreated indicates the order exists but payment has not completed.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusPaid indicates payment succeeded.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCancelRequest indicates the buyer asked for cancellation of a paid order.
	OrderStatusCancelRequest OrderStatus = "cancel_request"
	// OrderStatusCancelled indicates the order has been cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed indicates order processing failed. Terminal.
	OrderStatusFailed OrderStatus = "failed"
)

var (
	// ErrOrderInvalidTransition indicates a status change that the lifecycle does not permit.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderPriceInvariant indicates the price fields violate finalPrice = originalPrice - discountPrice >= 0.
	ErrOrderPriceInvariant = errors.New("order: price invariant violated")
	// ErrOrderMerchantUIDAssigned indicates the merchant uid was already set or the order has no id yet.
	ErrOrderMerchantUIDAssigned = errors.New("order: merchant uid assignment not allowed")
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:       {OrderStatusPaid, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusPaid:          {OrderStatusCancelRequest, OrderStatusCancelled},
	OrderStatusCancelRequest: {OrderStatusCancelled},
}

// OrderItem is one purchased option line within an order.
type OrderItem struct {
	ID        int64       `gorm:"primaryKey"`
	OrderID   int64       `gorm:"not null;index"`
	OptionID  int64       `gorm:"not null"`
	Name      string      `gorm:"type:varchar(255);not null"`
	Mode      PaymentMode `gorm:"type:varchar(20);not null"`
	Price     int64       `gorm:"not null"`
	Quantity  int         `gorm:"not null"`
	CreatedAt time.Time   `gorm:"autoCreateTime"`
}

// Purchaser snapshots who placed the order. Exactly one of MemberID and
// GuestID is set.
type Purchaser struct {
	MemberID *int64 `gorm:"index"`
	GuestID  *int64 `gorm:"index"`
	Name     string `gorm:"type:varchar(100)"`
	Phone    string `gorm:"type:varchar(32)"`
}

// IsMember reports whether the purchaser is a registered member.
func (p Purchaser) IsMember() bool { return p.MemberID != nil }

// Order is the aggregate root for a purchase attempt.
type Order struct {
	ID            int64       `gorm:"primaryKey"`
	MerchantUID   string      `gorm:"type:varchar(64);uniqueIndex"`
	ContentID     int64       `gorm:"not null;index"`
	SellerID      int64       `gorm:"not null;index"`
	Status        OrderStatus `gorm:"type:varchar(20);not null;default:'created'"`
	OriginalPrice int64       `gorm:"not null"`
	DiscountPrice int64       `gorm:"not null;default:0"`
	FinalPrice    int64       `gorm:"not null"`
	Purchaser     Purchaser   `gorm:"embedded;embeddedPrefix:purchaser_"`
	Items         []OrderItem `gorm:"foreignKey:OrderID"`
	CouponID      *int64
	Recurring     bool `gorm:"not null;default:false"`
	PaidAt        *time.Time
	CancelledAt   *time.Time
	FailedAt      *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// NewOrder builds an unpersisted order, enforcing the price invariant.
// The merchant uid is assigned after the first save (see AssignMerchantUID).
func NewOrder(content Content, purchaser Purchaser, items []OrderItem, discount int64, couponID *int64) (Order, error) {
	var original int64
	for _, item := range items {
		original += item.Price * int64(item.Quantity)
	}
	if discount < 0 || discount > original {
		return Order{}, ErrOrderPriceInvariant
	}
	return Order{
		ContentID:     content.ID,
		SellerID:      content.SellerID,
		Status:        OrderStatusCreated,
		OriginalPrice: original,
		DiscountPrice: discount,
		FinalPrice:    original - discount,
		Purchaser:     purchaser,
		Items:         items,
		CouponID:      couponID,
	}, nil
}

// NewRecurringOrder builds the order a billing sweep charges against, priced
// from the subscription's current terms. No coupon applies to renewals.
func NewRecurringOrder(sub Subscription, purchase Purchase) Order {
	memberID := sub.UserID
	return Order{
		ContentID:     purchase.ContentID,
		SellerID:      purchase.SellerID,
		Status:        OrderStatusCreated,
		OriginalPrice: sub.Price,
		FinalPrice:    sub.Price,
		Purchaser:     Purchaser{MemberID: &memberID},
		Items: []OrderItem{{
			OptionID: sub.OptionID,
			Name:     purchase.OptionName,
			Mode:     PaymentModeSubscription,
			Price:    sub.Price,
			Quantity: 1,
		}},
		Recurring: true,
	}
}

// FormatMerchantUID derives the externally-visible order reference from the
// persisted primary key. The mapping is deterministic so the gateway-side
// reference can always be traced back to the row.
func FormatMerchantUID(orderID int64) string {
	return fmt.Sprintf("ORD%012d", orderID)
}

// AssignMerchantUID sets the merchant uid after the order has a persisted id.
func (o *Order) AssignMerchantUID() error {
	if o.ID == 0 || o.MerchantUID != "" {
		return ErrOrderMerchantUIDAssigned
	}
	o.MerchantUID = FormatMerchantUID(o.ID)
	return nil
}

func (o *Order) transition(to OrderStatus) error {
	for _, allowed := range orderTransitions[o.Status] {
		if allowed == to {
			o.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, o.Status, to)
}

// CompletePayment marks the order paid.
func (o *Order) CompletePayment(now time.Time) error {
	if err := o.transition(OrderStatusPaid); err != nil {
		return err
	}
	at := now
	o.PaidAt = &at
	return nil
}

// RequestCancel records a buyer cancellation request on a paid order.
func (o *Order) RequestCancel() error {
	return o.transition(OrderStatusCancelRequest)
}

// Cancel finalises cancellation.
func (o *Order) Cancel(now time.Time) error {
	if err := o.transition(OrderStatusCancelled); err != nil {
		return err
	}
	at := now
	o.CancelledAt = &at
	return nil
}

// Fail marks the order failed.
func (o *Order) Fail(now time.Time) error {
	if err := o.transition(OrderStatusFailed); err != nil {
		return err
	}
	at := now
	o.FailedAt = &at
	return nil
}

// OwnedBy reports whether the given actor placed this order.
func (o Order) OwnedBy(actor Actor) bool {
	switch actor.Kind {
	case ActorMember:
		return o.Purchaser.MemberID != nil && *o.Purchaser.MemberID == actor.MemberID
	case ActorGuest:
		return o.Purchaser.GuestID != nil && *o.Purchaser.GuestID == actor.GuestID
	default:
		return false
	}
}

// ActorKind tags the two order-creation strategies.
type ActorKind string

const (
	// ActorMember identifies a signed-in member.
	ActorMember ActorKind = "member"
	// ActorGuest identifies a phone-verified guest.
	ActorGuest ActorKind = "guest"
)

// Actor identifies who is creating or reading an order.
type Actor struct {
	Kind          ActorKind
	MemberID      int64
	GuestID       int64
	PhoneVerified bool
}
