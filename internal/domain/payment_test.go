package domain

import (
	"errors"
	"testing"
	"time"
)

func paidPayment(amount int64) Payment {
	p := NewPayment(1, amount)
	p.ID = 3
	if err := p.Approve("tid-1", "card", `{}`, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)); err != nil {
		panic(err)
	}
	return p
}

func TestPaymentApproveFromReady(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := NewPayment(1, 8000)

	if err := p.Approve("tid-1", "card", `{"status":"paid"}`, now); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if p.Status != PaymentStatusPaid || p.PGTid != "tid-1" || p.Method != "card" {
		t.Fatalf("unexpected payment %+v", p)
	}
	if p.PaidAt == nil || !p.PaidAt.Equal(now) {
		t.Fatalf("expected paid at %v, got %v", now, p.PaidAt)
	}
	if len(p.Logs) != 1 {
		t.Fatalf("expected one log, got %d", len(p.Logs))
	}
	log := p.Logs[0]
	if log.FromStatus != PaymentStatusReady || log.ToStatus != PaymentStatusPaid || log.Event != "payment.approved" {
		t.Fatalf("unexpected log %+v", log)
	}
}

func TestPaymentTransitionsAreOneDirectional(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		prepare func() Payment
		apply   func(*Payment) error
		wantErr bool
	}{
		{"ready to in progress", func() Payment { return NewPayment(1, 1000) }, func(p *Payment) error { return p.MarkInProgress("payment.started", "") }, false},
		{"in progress to waiting", func() Payment {
			p := NewPayment(1, 1000)
			_ = p.MarkInProgress("payment.started", "")
			return p
		}, func(p *Payment) error { return p.MarkWaitingForDeposit(`{"bank":"X"}`, "payment.vbank", "") }, false},
		{"waiting to paid", func() Payment {
			p := NewPayment(1, 1000)
			_ = p.MarkWaitingForDeposit("", "payment.vbank", "")
			return p
		}, func(p *Payment) error { return p.Approve("tid", "vbank", "", now) }, false},
		{"paid cannot restart", func() Payment { return paidPayment(1000) }, func(p *Payment) error { return p.MarkInProgress("payment.started", "") }, true},
		{"failed is terminal", func() Payment {
			p := NewPayment(1, 1000)
			_ = p.Fail("payment.failed", "")
			return p
		}, func(p *Payment) error { return p.Approve("tid", "card", "", now) }, true},
		{"aborted is terminal", func() Payment {
			p := NewPayment(1, 1000)
			_ = p.Abort("payment.aborted", "")
			return p
		}, func(p *Payment) error { return p.MarkInProgress("payment.started", "") }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.prepare()
			err := tc.apply(&p)
			if tc.wantErr {
				if !errors.Is(err, ErrPaymentInvalidTransition) {
					t.Fatalf("expected invalid transition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPaymentReachedStatus(t *testing.T) {
	p := paidPayment(1000)

	if !p.ReachedStatus(PaymentStatusPaid) {
		t.Fatal("paid payment reached paid")
	}
	if !p.ReachedStatus(PaymentStatusInProgress) {
		t.Fatal("paid implies in-progress was reached")
	}
	if !p.ReachedStatus(PaymentStatusReady) {
		t.Fatal("ready is always reached")
	}
	if p.ReachedStatus(PaymentStatusCancelled) {
		t.Fatal("paid payment has not reached cancelled")
	}

	cancelled := paidPayment(1000)
	if _, err := cancelled.RequestCancel("cxl-1", 1000, "refund"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := cancelled.CompleteCancel("cxl-1", "", time.Now()); err != nil {
		t.Fatalf("CompleteCancel: %v", err)
	}
	if !cancelled.ReachedStatus(PaymentStatusPaid) {
		t.Fatal("cancelled implies paid was reached")
	}
}

func TestRequestCancelValidation(t *testing.T) {
	ready := NewPayment(1, 1000)
	if _, err := ready.RequestCancel("cxl-1", 500, ""); !errors.Is(err, ErrPaymentNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}

	p := paidPayment(1000)
	if _, err := p.RequestCancel("cxl-1", 0, ""); !errors.Is(err, ErrPaymentInvalidCancelAmount) {
		t.Fatalf("expected invalid amount for zero, got %v", err)
	}
	if _, err := p.RequestCancel("cxl-1", 1500, ""); !errors.Is(err, ErrPaymentInvalidCancelAmount) {
		t.Fatalf("expected invalid amount above remaining, got %v", err)
	}

	cancel, err := p.RequestCancel("cxl-1", 400, "partial refund")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if cancel.Status != PaymentCancelRequested {
		t.Fatalf("expected requested status, got %s", cancel.Status)
	}
	// Nothing moves until the gateway confirms.
	if p.Status != PaymentStatusPaid {
		t.Fatalf("status must stay paid, got %s", p.Status)
	}
}

func TestCompleteCancelPartialThenFull(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := paidPayment(1000)

	if _, err := p.RequestCancel("cxl-1", 400, ""); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := p.CompleteCancel("cxl-1", "", now); err != nil {
		t.Fatalf("CompleteCancel: %v", err)
	}
	if p.Status != PaymentStatusPartiallyCancelled {
		t.Fatalf("expected partially cancelled, got %s", p.Status)
	}
	if p.RemainingAmount() != 600 {
		t.Fatalf("expected remaining 600, got %d", p.RemainingAmount())
	}

	if _, err := p.RequestCancel("cxl-2", 600, ""); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := p.CompleteCancel("cxl-2", "", now); err != nil {
		t.Fatalf("CompleteCancel: %v", err)
	}
	if p.Status != PaymentStatusCancelled {
		t.Fatalf("expected cancelled, got %s", p.Status)
	}
	if p.RemainingAmount() != 0 {
		t.Fatalf("expected remaining 0, got %d", p.RemainingAmount())
	}

	if err := p.CompleteCancel("cxl-2", "", now); !errors.Is(err, ErrPaymentInvalidTransition) {
		t.Fatalf("completing twice must fail, got %v", err)
	}
}

func TestFailCancelLeavesStatus(t *testing.T) {
	p := paidPayment(1000)
	if _, err := p.RequestCancel("cxl-1", 400, ""); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := p.FailCancel("cxl-1", `{"code":"REFUND_REJECTED"}`); err != nil {
		t.Fatalf("FailCancel: %v", err)
	}
	if p.Status != PaymentStatusPaid {
		t.Fatalf("failed cancel must not move the payment, got %s", p.Status)
	}
	if p.RemainingAmount() != 1000 {
		t.Fatalf("failed cancel must not count, got remaining %d", p.RemainingAmount())
	}
}

func TestApplyExternalCancelIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := paidPayment(1000)

	if err := p.ApplyExternalCancel("gw-cxl-1", 1000, "issuer refund", "", now); err != nil {
		t.Fatalf("ApplyExternalCancel: %v", err)
	}
	if p.Status != PaymentStatusCancelled {
		t.Fatalf("expected cancelled, got %s", p.Status)
	}

	// Webhook replays with the same key are no-ops.
	if err := p.ApplyExternalCancel("gw-cxl-1", 1000, "issuer refund", "", now); err != nil {
		t.Fatalf("replay must be a no-op, got %v", err)
	}
	if got := p.CancelledAmount(); got != 1000 {
		t.Fatalf("replay must not double count, got %d", got)
	}
}

func TestRegisterKeyKeepsReadyAndLogs(t *testing.T) {
	p := NewPayment(1, 1000)
	p.RegisterKey("pay-1", "card", `{"key":"pay-1"}`)

	if p.Status != PaymentStatusReady {
		t.Fatalf("prepare must not move the payment, got %s", p.Status)
	}
	if p.PaymentKey != "pay-1" {
		t.Fatalf("unexpected payment key %q", p.PaymentKey)
	}
	if len(p.Logs) != 1 || p.Logs[0].Event != "payment.prepared" {
		t.Fatalf("unexpected logs %+v", p.Logs)
	}
}
