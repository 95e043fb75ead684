package domain

import (
	"errors"
	"fmt"
	"time"
)

// SubscriptionStatus enumerates recurring-agreement states.
type SubscriptionStatus string

const (
	// SubscriptionStatusActive indicates billing is current.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusPastDue indicates at least one billing attempt failed.
	SubscriptionStatusPastDue SubscriptionStatus = "past_due"
	// SubscriptionStatusCancelled indicates the agreement ended. A cancelled
	// subscription inside its grace window can still be renewed by a payment.
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

var (
	// ErrSubscriptionIllegalResume indicates resume() from a state other than
	// cancelled-without-grace. A grace-lapsed subscription needs a fresh payment.
	ErrSubscriptionIllegalResume = errors.New("subscription: resume not allowed from current state")
	// ErrSubscriptionNotCancellable indicates cancellation of an already
	// cancelled subscription.
	ErrSubscriptionNotCancellable = errors.New("subscription: not active or past due")
)

// Subscription is a recurring billing agreement bound to one purchase/option.
type Subscription struct {
	ID                   int64              `gorm:"primaryKey"`
	UserID               int64              `gorm:"not null;index:idx_subscriptions_user_option"`
	ContentID            int64              `gorm:"not null;index"`
	OptionID             int64              `gorm:"not null;index:idx_subscriptions_user_option"`
	PurchaseID           int64              `gorm:"not null"`
	Price                int64              `gorm:"not null"`
	BillingKey           string             `gorm:"type:varchar(128);not null"`
	Status               SubscriptionStatus `gorm:"type:varchar(16);not null;index"`
	// ActiveKey holds "<userId>:<optionId>" while the agreement is active or
	// past due and is nil once cancelled. The unique index makes the database
	// reject a second live agreement for the same pair, closing the race two
	// concurrent creations would otherwise win together.
	ActiveKey            *string            `gorm:"type:varchar(64);uniqueIndex:uq_subscriptions_active_key"`
	NextBillingDate      time.Time          `gorm:"not null;index"`
	BillingRetryCount    int                `gorm:"not null;default:0"`
	LastBillingAttemptAt *time.Time
	GracePeriodEndsAt    *time.Time
	GraceExpiredAt       *time.Time
	CancelledAt          *time.Time
	CreatedAt            time.Time `gorm:"autoCreateTime"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime"`
}

// NewSubscription creates an active agreement for a member purchase.
func NewSubscription(userID int64, purchase Purchase, billingKey string, nextBillingDate time.Time) Subscription {
	sub := Subscription{
		UserID:          userID,
		ContentID:       purchase.ContentID,
		OptionID:        purchase.OptionID,
		PurchaseID:      purchase.ID,
		Price:           purchase.Price,
		BillingKey:      billingKey,
		Status:          SubscriptionStatusActive,
		NextBillingDate: nextBillingDate,
	}
	sub.syncActiveKey()
	return sub
}

// syncActiveKey keeps the unique key aligned with the status: set while the
// agreement is live, cleared once cancelled. Every status mutator calls it.
func (s *Subscription) syncActiveKey() {
	if s.IsBillable() {
		key := fmt.Sprintf("%d:%d", s.UserID, s.OptionID)
		s.ActiveKey = &key
		return
	}
	s.ActiveKey = nil
}

// IsBillable reports whether the billing sweep should consider this row.
func (s Subscription) IsBillable() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPastDue
}

// IsWithinGrace reports whether a cancelled subscription is still inside its
// grace window at the given instant.
func (s Subscription) IsWithinGrace(now time.Time) bool {
	return s.Status == SubscriptionStatusCancelled &&
		s.GracePeriodEndsAt != nil &&
		now.Before(*s.GracePeriodEndsAt)
}

// CanAttemptBilling gates one charge attempt per retry interval up to the
// configured maximum.
func (s Subscription) CanAttemptBilling(now time.Time, retryInterval time.Duration, maxRetries int) bool {
	if !s.IsBillable() {
		return false
	}
	if s.BillingRetryCount >= maxRetries {
		return false
	}
	if s.LastBillingAttemptAt != nil && now.Sub(*s.LastBillingAttemptAt) < retryInterval {
		return false
	}
	return true
}

// RecordBillingAttempt stamps the attempt time before the gateway call so a
// crash mid-charge cannot bypass the retry interval.
func (s *Subscription) RecordBillingAttempt(now time.Time) {
	at := now
	s.LastBillingAttemptAt = &at
}

// RecordBillingFailure increments the retry counter and, once the maximum is
// reached, cancels the agreement opening the supplied grace window.
func (s *Subscription) RecordBillingFailure(now time.Time, maxRetries int, gracePeriod time.Duration) {
	s.BillingRetryCount++
	if s.BillingRetryCount >= maxRetries {
		at := now
		ends := now.Add(gracePeriod)
		s.Status = SubscriptionStatusCancelled
		s.CancelledAt = &at
		s.GracePeriodEndsAt = &ends
		s.syncActiveKey()
		return
	}
	s.Status = SubscriptionStatusPastDue
	s.syncActiveKey()
}

// Renew re-activates the agreement in place after a successful payment,
// carrying billing history forward and resetting the retry counter.
func (s *Subscription) Renew(purchase Purchase, billingKey string, nextBillingDate time.Time) {
	s.PurchaseID = purchase.ID
	s.Price = purchase.Price
	s.BillingKey = billingKey
	s.Status = SubscriptionStatusActive
	s.NextBillingDate = nextBillingDate
	s.BillingRetryCount = 0
	s.GracePeriodEndsAt = nil
	s.GraceExpiredAt = nil
	s.CancelledAt = nil
	s.syncActiveKey()
}

// Cancel ends the agreement. A user-initiated cancel passes a nil grace end
// (immediately resumable); a billing-failure cancel sets the window.
func (s *Subscription) Cancel(now time.Time, gracePeriodEndsAt *time.Time) error {
	if !s.IsBillable() {
		return ErrSubscriptionNotCancellable
	}
	at := now
	s.Status = SubscriptionStatusCancelled
	s.CancelledAt = &at
	s.GracePeriodEndsAt = gracePeriodEndsAt
	s.syncActiveKey()
	return nil
}

// Resume re-activates a user-cancelled subscription. Only legal when the
// subscription is cancelled with no grace window set.
func (s *Subscription) Resume(nextBillingDate time.Time) error {
	if s.Status != SubscriptionStatusCancelled || s.GracePeriodEndsAt != nil {
		return ErrSubscriptionIllegalResume
	}
	s.Status = SubscriptionStatusActive
	s.NextBillingDate = nextBillingDate
	s.BillingRetryCount = 0
	s.CancelledAt = nil
	s.syncActiveKey()
	return nil
}

// MarkGraceExpired settles a lapsed grace window so the sweep never picks the
// row up again. The window timestamp itself is kept so resume() stays illegal.
func (s *Subscription) MarkGraceExpired(now time.Time) {
	at := now
	s.GraceExpiredAt = &at
}
