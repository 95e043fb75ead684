// Package payments defines the payment-gateway boundary and its PortOne
// implementation. The adapter translates gateway responses into normalised
// results; all state transitions stay with the services layer.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status enumerates the normalised gateway payment states.
type Status string

const (
	// StatusReady indicates the gateway registered the payment and awaits the buyer.
	StatusReady Status = "ready"
	// StatusInProgress indicates the buyer is mid-flow at the gateway.
	StatusInProgress Status = "in_progress"
	// StatusWaitingForDeposit indicates a virtual account awaits a transfer.
	StatusWaitingForDeposit Status = "waiting_for_deposit"
	// StatusPaid indicates the gateway reports the charge as complete.
	StatusPaid Status = "paid"
	// StatusCancelled indicates the gateway reports the charge as refunded.
	StatusCancelled Status = "cancelled"
	// StatusAborted indicates the buyer abandoned the gateway flow.
	StatusAborted Status = "aborted"
	// StatusFailed indicates the gateway rejected the charge.
	StatusFailed Status = "failed"
)

// GatewayError wraps a failed gateway call with its HTTP status and
// gateway-reported code so callers can log before propagating.
type GatewayError struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s (%s, http %d)", e.Op, e.Message, e.Code, e.HTTPStatus)
}

// Unwrap returns the underlying transport error, if any.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the failure is a transient transport/5xx error.
func (e *GatewayError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.Err != nil && e.HTTPStatus == 0 {
		return true
	}
	return e.HTTPStatus >= 500
}

// ErrGatewayDeclined indicates the gateway processed and rejected the request.
var ErrGatewayDeclined = errors.New("payments: gateway declined")

// PrepareRequest registers an expected charge with the gateway before the
// buyer enters the payment flow.
type PrepareRequest struct {
	MerchantUID string
	Amount      int64
	Method      string
	BuyerName   string
	BuyerPhone  string
	ProductName string
}

// PrepareResult carries the opaque key the gateway issued for this payment.
type PrepareResult struct {
	PaymentKey string
	Raw        string
}

// ApproveRequest confirms a charge the buyer completed at the gateway.
type ApproveRequest struct {
	PaymentKey  string
	MerchantUID string
	Amount      int64
}

// CancelRequest refunds a captured charge, partially or in full.
type CancelRequest struct {
	PaymentKey string
	CancelKey  string
	Amount     int64
	Reason     string
}

// CancelResult reports the gateway-side cancellation record.
type CancelResult struct {
	CancelKey string
	Amount    int64
	Raw       string
}

// ChargeRequest performs an off-session charge against a stored billing key.
type ChargeRequest struct {
	BillingKey  string
	MerchantUID string
	Amount      int64
	ProductName string
}

// ChargeResult normalises the gateway response for approve and billing-key
// charges.
type ChargeResult struct {
	PaymentKey string
	PGTid      string
	Status     Status
	Method     string
	Amount     int64
	ApprovedAt time.Time
	Raw        string
}

// Gateway is the outbound payment-gateway boundary.
type Gateway interface {
	Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error)
	Approve(ctx context.Context, req ApproveRequest) (ChargeResult, error)
	Cancel(ctx context.Context, req CancelRequest) (CancelResult, error)
	ChargeBillingKey(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// WebhookType partitions inbound notifications.
type WebhookType string

const (
	// WebhookTypePayment carries a payment status change.
	WebhookTypePayment WebhookType = "PAYMENT"
	// WebhookTypeCancel carries a gateway-side cancellation.
	WebhookTypeCancel WebhookType = "CANCEL"
	// WebhookTypeVbank carries virtual-account issuance details.
	WebhookTypeVbank WebhookType = "VBANK"
)

// WebhookPayload is the inbound notification body posted by the gateway.
type WebhookPayload struct {
	Type         WebhookType `json:"type"`
	PaymentKey   string      `json:"payment_key"`
	Status       string      `json:"status"`
	CancelKey    string      `json:"cancel_key"`
	CancelAmount int64       `json:"cancel_amount"`
	CancelReason string      `json:"cancel_reason"`
	PGTid        string      `json:"pg_tid"`
	Method       string      `json:"method"`
	VbankNum     string      `json:"vbank_num"`
	VbankCode    string      `json:"vbank_code"`
	VbankName    string      `json:"vbank_name"`
	VbankDue     string      `json:"vbank_due"`
}

// MapWebhookStatus translates a gateway webhook status string into the
// normalised Status. The second return is false for unknown values.
func MapWebhookStatus(status string) (Status, bool) {
	switch status {
	case "ready":
		return StatusReady, true
	case "in_progress":
		return StatusInProgress, true
	case "waiting_for_deposit":
		return StatusWaitingForDeposit, true
	case "done", "paid":
		return StatusPaid, true
	case "canceled", "cancelled":
		return StatusCancelled, true
	case "aborted":
		return StatusAborted, true
	case "failed":
		return StatusFailed, true
	default:
		return "", false
	}
}
