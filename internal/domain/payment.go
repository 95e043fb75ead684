package domain

import (
	"errors"
	"fmt"
	"time"
)

// PaymentStatus enumerates payment lifecycle states mirroring the gateway.
type PaymentStatus string

const (
	// PaymentStatusReady indicates the payment row exists and awaits gateway interaction.
	PaymentStatusReady PaymentStatus = "ready"
	// PaymentStatusInProgress indicates the buyer is mid-flow at the gateway.
	PaymentStatusInProgress PaymentStatus = "in_progress"
	// PaymentStatusWaitingForDeposit indicates a virtual account awaits a bank transfer.
	PaymentStatusWaitingForDeposit PaymentStatus = "waiting_for_deposit"
	// PaymentStatusPaid indicates the charge completed.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusPartiallyCancelled indicates part of the amount was refunded.
	PaymentStatusPartiallyCancelled PaymentStatus = "partially_cancelled"
	// PaymentStatusCancelled indicates the full amount was refunded. Terminal.
	PaymentStatusCancelled PaymentStatus = "cancelled"
	// PaymentStatusAborted indicates the buyer abandoned the gateway flow. Terminal.
	PaymentStatusAborted PaymentStatus = "aborted"
	// PaymentStatusFailed indicates the gateway rejected the charge. Terminal.
	PaymentStatusFailed PaymentStatus = "failed"
)

// PaymentCancelStatus tracks one cancellation attempt.
type PaymentCancelStatus string

const (
	// PaymentCancelRequested indicates the refund was sent to the gateway.
	PaymentCancelRequested PaymentCancelStatus = "requested"
	// PaymentCancelCompleted indicates the gateway confirmed the refund.
	PaymentCancelCompleted PaymentCancelStatus = "completed"
	// PaymentCancelFailed indicates the gateway rejected the refund.
	PaymentCancelFailed PaymentCancelStatus = "failed"
)

var (
	// ErrPaymentInvalidTransition indicates a disallowed status change.
	ErrPaymentInvalidTransition = errors.New("payment: invalid status transition")
	// ErrPaymentInvalidCancelAmount indicates a cancel amount outside (0, remaining].
	ErrPaymentInvalidCancelAmount = errors.New("payment: invalid cancel amount")
	// ErrPaymentNotCancellable indicates cancel was attempted from a status other than paid/partially cancelled.
	ErrPaymentNotCancellable = errors.New("payment: not in a cancellable status")
)

// Transitions are one-directional; only paid may branch into the two
// cancellation states, and partial cancellation may complete later.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusReady:              {PaymentStatusInProgress, PaymentStatusWaitingForDeposit, PaymentStatusPaid, PaymentStatusAborted, PaymentStatusFailed},
	PaymentStatusInProgress:         {PaymentStatusWaitingForDeposit, PaymentStatusPaid, PaymentStatusAborted, PaymentStatusFailed},
	PaymentStatusWaitingForDeposit:  {PaymentStatusPaid, PaymentStatusAborted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusPaid:               {PaymentStatusPartiallyCancelled, PaymentStatusCancelled},
	PaymentStatusPartiallyCancelled: {PaymentStatusCancelled},
}

// PaymentLog is an append-only audit record of one state transition with the
// triggering request/response payload.
type PaymentLog struct {
	ID         int64         `gorm:"primaryKey"`
	PaymentID  int64         `gorm:"not null;index"`
	FromStatus PaymentStatus `gorm:"type:varchar(24);not null"`
	ToStatus   PaymentStatus `gorm:"type:varchar(24);not null"`
	Event      string        `gorm:"type:varchar(64);not null"`
	Payload    string        `gorm:"type:text"`
	CreatedAt  time.Time     `gorm:"autoCreateTime"`
}

// PaymentCancel records one cancellation attempt. Immutable once completed or
// failed.
type PaymentCancel struct {
	ID          int64               `gorm:"primaryKey"`
	PaymentID   int64               `gorm:"not null;index"`
	CancelKey   string              `gorm:"type:varchar(64);not null;uniqueIndex"`
	Amount      int64               `gorm:"not null"`
	Reason      string              `gorm:"type:varchar(255)"`
	Status      PaymentCancelStatus `gorm:"type:varchar(16);not null;default:'requested'"`
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// Payment owns the charge lifecycle for exactly one order. Rows are never
// deleted; the Logs association is the audit trail.
type Payment struct {
	ID            int64           `gorm:"primaryKey"`
	OrderID       int64           `gorm:"not null;uniqueIndex"`
	PaymentKey    string          `gorm:"type:varchar(64);index"`
	PGTid         string          `gorm:"type:varchar(64)"`
	Amount        int64           `gorm:"not null"`
	Status        PaymentStatus   `gorm:"type:varchar(24);not null;default:'ready'"`
	Method        string          `gorm:"type:varchar(32)"`
	CardDetail    string          `gorm:"type:text"`
	VbankDetail   string          `gorm:"type:text"`
	Version       int64           `gorm:"not null;default:0"`
	Logs          []PaymentLog    `gorm:"foreignKey:PaymentID"`
	Cancellations []PaymentCancel `gorm:"foreignKey:PaymentID"`
	PaidAt        *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// NewPayment creates the ready-state payment persisted alongside its order.
func NewPayment(orderID int64, amount int64) Payment {
	return Payment{
		OrderID: orderID,
		Amount:  amount,
		Status:  PaymentStatusReady,
	}
}

func (p *Payment) appendLog(from, to PaymentStatus, event, payload string) {
	p.Logs = append(p.Logs, PaymentLog{
		PaymentID:  p.ID,
		FromStatus: from,
		ToStatus:   to,
		Event:      event,
		Payload:    payload,
	})
}

func (p *Payment) transition(to PaymentStatus, event, payload string) error {
	from := p.Status
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			p.Status = to
			p.appendLog(from, to, event, payload)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrPaymentInvalidTransition, from, to)
}

// ReachedStatus reports whether the payment already is, or has moved past,
// the given status. Used for idempotent webhook replay.
func (p Payment) ReachedStatus(status PaymentStatus) bool {
	if p.Status == status {
		return true
	}
	// Terminal and paid states imply earlier progress states were reached.
	switch status {
	case PaymentStatusReady:
		return true
	case PaymentStatusInProgress, PaymentStatusWaitingForDeposit:
		switch p.Status {
		case PaymentStatusPaid, PaymentStatusPartiallyCancelled, PaymentStatusCancelled, PaymentStatusAborted, PaymentStatusFailed:
			return true
		}
	case PaymentStatusPaid:
		switch p.Status {
		case PaymentStatusPartiallyCancelled, PaymentStatusCancelled:
			return true
		}
	}
	return false
}

// RegisterKey stores the gateway-issued payment key after prepare. The
// status stays ready; the log records the gateway exchange.
func (p *Payment) RegisterKey(paymentKey, method, payload string) {
	p.PaymentKey = paymentKey
	p.Method = method
	p.appendLog(p.Status, p.Status, "payment.prepared", payload)
}

// MarkInProgress records the buyer entering the gateway flow.
func (p *Payment) MarkInProgress(event, payload string) error {
	return p.transition(PaymentStatusInProgress, event, payload)
}

// MarkWaitingForDeposit records virtual-account issuance with its detail blob.
func (p *Payment) MarkWaitingForDeposit(vbankDetail, event, payload string) error {
	if err := p.transition(PaymentStatusWaitingForDeposit, event, payload); err != nil {
		return err
	}
	p.VbankDetail = vbankDetail
	return nil
}

// Approve records a successful charge.
func (p *Payment) Approve(pgTid, method, payload string, now time.Time) error {
	if err := p.transition(PaymentStatusPaid, "payment.approved", payload); err != nil {
		return err
	}
	p.PGTid = pgTid
	p.Method = method
	at := now
	p.PaidAt = &at
	return nil
}

// Abort records the buyer abandoning the gateway flow.
func (p *Payment) Abort(event, payload string) error {
	return p.transition(PaymentStatusAborted, event, payload)
}

// Fail records a gateway rejection or an unexpected adapter failure.
func (p *Payment) Fail(event, payload string) error {
	return p.transition(PaymentStatusFailed, event, payload)
}

// CancelledAmount sums all completed cancellations.
func (p Payment) CancelledAmount() int64 {
	var total int64
	for _, c := range p.Cancellations {
		if c.Status == PaymentCancelCompleted {
			total += c.Amount
		}
	}
	return total
}

// RemainingAmount is the portion of the charge not yet refunded.
func (p Payment) RemainingAmount() int64 {
	return p.Amount - p.CancelledAmount()
}

// HasCancelKey reports whether a cancellation with the external key was
// already recorded. Used for idempotent cancellation-webhook replay.
func (p Payment) HasCancelKey(key string) bool {
	for _, c := range p.Cancellations {
		if c.CancelKey == key {
			return true
		}
	}
	return false
}

// RequestCancel validates and records a cancellation attempt in requested
// state. No status transition happens until the gateway confirms.
func (p *Payment) RequestCancel(cancelKey string, amount int64, reason string) (*PaymentCancel, error) {
	if p.Status != PaymentStatusPaid && p.Status != PaymentStatusPartiallyCancelled {
		return nil, fmt.Errorf("%w: status %s", ErrPaymentNotCancellable, p.Status)
	}
	if amount <= 0 || amount > p.RemainingAmount() {
		return nil, fmt.Errorf("%w: %d of remaining %d", ErrPaymentInvalidCancelAmount, amount, p.RemainingAmount())
	}
	p.Cancellations = append(p.Cancellations, PaymentCancel{
		PaymentID: p.ID,
		CancelKey: cancelKey,
		Amount:    amount,
		Reason:    reason,
		Status:    PaymentCancelRequested,
	})
	return &p.Cancellations[len(p.Cancellations)-1], nil
}

// CompleteCancel finalises a requested cancellation and moves the payment to
// partially or fully cancelled depending on the covered amount.
func (p *Payment) CompleteCancel(cancelKey, payload string, now time.Time) error {
	var cancel *PaymentCancel
	for i := range p.Cancellations {
		if p.Cancellations[i].CancelKey == cancelKey {
			cancel = &p.Cancellations[i]
			break
		}
	}
	if cancel == nil || cancel.Status != PaymentCancelRequested {
		return fmt.Errorf("%w: cancel %s not pending", ErrPaymentInvalidTransition, cancelKey)
	}
	cancel.Status = PaymentCancelCompleted
	at := now
	cancel.CompletedAt = &at

	target := PaymentStatusPartiallyCancelled
	if p.CancelledAmount() >= p.Amount {
		target = PaymentStatusCancelled
	}
	if p.Status == target {
		p.appendLog(p.Status, target, "payment.cancel.completed", payload)
		return nil
	}
	return p.transition(target, "payment.cancel.completed", payload)
}

// FailCancel marks a requested cancellation as rejected by the gateway. The
// payment status is left untouched.
func (p *Payment) FailCancel(cancelKey, payload string) error {
	for i := range p.Cancellations {
		if p.Cancellations[i].CancelKey == cancelKey && p.Cancellations[i].Status == PaymentCancelRequested {
			p.Cancellations[i].Status = PaymentCancelFailed
			p.appendLog(p.Status, p.Status, "payment.cancel.failed", payload)
			return nil
		}
	}
	return fmt.Errorf("%w: cancel %s not pending", ErrPaymentInvalidTransition, cancelKey)
}

// ApplyExternalCancel records a gateway-initiated cancellation delivered via
// webhook (no prior requested row exists locally).
func (p *Payment) ApplyExternalCancel(cancelKey string, amount int64, reason, payload string, now time.Time) error {
	if p.HasCancelKey(cancelKey) {
		return nil
	}
	if amount <= 0 || amount > p.RemainingAmount() {
		return fmt.Errorf("%w: %d of remaining %d", ErrPaymentInvalidCancelAmount, amount, p.RemainingAmount())
	}
	at := now
	p.Cancellations = append(p.Cancellations, PaymentCancel{
		PaymentID:   p.ID,
		CancelKey:   cancelKey,
		Amount:      amount,
		Reason:      reason,
		Status:      PaymentCancelCompleted,
		CompletedAt: &at,
	})
	target := PaymentStatusPartiallyCancelled
	if p.CancelledAmount() >= p.Amount {
		target = PaymentStatusCancelled
	}
	if p.Status == target {
		p.appendLog(p.Status, target, "payment.cancel.webhook", payload)
		return nil
	}
	return p.transition(target, "payment.cancel.webhook", payload)
}
