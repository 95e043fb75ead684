package domain

import (
	"testing"
	"time"
)

func TestCouponUsable(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	used := now.Add(-24 * time.Hour)

	cases := []struct {
		name       string
		coupon     Coupon
		ownerID    int64
		orderPrice int64
		want       bool
	}{
		{"valid", Coupon{OwnerID: 100, Amount: 1000}, 100, 5000, true},
		{"wrong owner", Coupon{OwnerID: 100, Amount: 1000}, 101, 5000, false},
		{"already used", Coupon{OwnerID: 100, Amount: 1000, UsedAt: &used}, 100, 5000, false},
		{"expired", Coupon{OwnerID: 100, Amount: 1000, ExpiresAt: &expired}, 100, 5000, false},
		{"below minimum", Coupon{OwnerID: 100, Amount: 1000, MinOrderPrice: 10000}, 100, 5000, false},
		{"zero price order", Coupon{OwnerID: 100, Amount: 1000}, 100, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.coupon.Usable(tc.ownerID, tc.orderPrice, now); got != tc.want {
				t.Fatalf("Usable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCouponDiscount(t *testing.T) {
	fixed := Coupon{DiscountType: CouponDiscountFixed, Amount: 3000}
	if got := fixed.Discount(10000); got != 3000 {
		t.Fatalf("fixed discount = %d, want 3000", got)
	}
	// Discounts are clamped to the order price.
	if got := fixed.Discount(2000); got != 2000 {
		t.Fatalf("clamped discount = %d, want 2000", got)
	}

	rate := Coupon{DiscountType: CouponDiscountRate, Amount: 20}
	if got := rate.Discount(10000); got != 2000 {
		t.Fatalf("rate discount = %d, want 2000", got)
	}
}

func TestNormalizeCouponCode(t *testing.T) {
	if got := NormalizeCouponCode("  welcome20 "); got != "WELCOME20" {
		t.Fatalf("unexpected code %q", got)
	}
}

func TestContentOptionByID(t *testing.T) {
	content := Content{
		ID: 7,
		Options: []ContentOption{
			{ID: 10, Name: "Basic", Price: 10000, Mode: PaymentModeOneTime},
			{ID: 12, Name: "Monthly", Price: 30000, Mode: PaymentModeSubscription},
		},
	}

	opt, ok := content.OptionByID(12)
	if !ok || opt.Mode != PaymentModeSubscription {
		t.Fatalf("unexpected option %+v ok=%v", opt, ok)
	}
	if _, ok := content.OptionByID(99); ok {
		t.Fatal("unknown option must not resolve")
	}
}
