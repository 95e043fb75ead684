package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/payments"
	"github.com/mentree/api/internal/repositories"
)

const (
	defaultBillingBatchSize  = 50
	defaultBillingMaxRetries = 3
	defaultRetryInterval     = 24 * time.Hour
	defaultGracePeriod       = 7 * 24 * time.Hour
)

// BillingJobConfig tunes the sweep. Zero values fall back to defaults.
type BillingJobConfig struct {
	BatchSize     int
	MaxRetries    int
	RetryInterval time.Duration
	GracePeriod   time.Duration
}

// BillingJobDeps bundles collaborators required to construct the billing job.
type BillingJobDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Purchases     repositories.PurchaseRepository
	Orders        repositories.OrderRepository
	Payments      repositories.PaymentRepository
	UnitOfWork    repositories.UnitOfWork
	Gateway       payments.Gateway
	// Enroller advances the agreement after a successful charge; it joins the
	// job's completion transaction.
	Enroller SubscriptionEnroller
	Events   EventPublisher
	Config   BillingJobConfig
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// billingJob charges due subscriptions via their stored billing keys. Each
// subscription is processed in its own independently-committed transactions:
// one to record the attempt and mint the recurring order, and one after the
// gateway call to settle the outcome. The charge itself never holds a
// database transaction open.
type billingJob struct {
	subscriptions repositories.SubscriptionRepository
	purchases     repositories.PurchaseRepository
	orders        repositories.OrderRepository
	payments      repositories.PaymentRepository
	unitOfWork    repositories.UnitOfWork
	gateway       payments.Gateway
	enroller      SubscriptionEnroller
	events        EventPublisher
	config        BillingJobConfig
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewBillingJob wires dependencies into the recurring-billing sweep.
func NewBillingJob(deps BillingJobDeps) (Job, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("billing job: subscription repository is required")
	}
	if deps.Purchases == nil {
		return nil, errors.New("billing job: purchase repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("billing job: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("billing job: payment repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("billing job: unit of work is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("billing job: gateway is required")
	}

	cfg := deps.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBillingBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultBillingMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	events := deps.Events
	if events == nil {
		events = noopEventPublisher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &billingJob{
		subscriptions: deps.Subscriptions,
		purchases:     deps.Purchases,
		orders:        deps.Orders,
		payments:      deps.Payments,
		unitOfWork:    deps.UnitOfWork,
		gateway:       deps.Gateway,
		enroller:      deps.Enroller,
		events:        events,
		config:        cfg,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Run pages due subscriptions in (nextBillingDate, id) order and attempts one
// charge per row. A failure on one subscription never blocks the rest.
func (j *billingJob) Run(ctx context.Context) error {
	due := j.clock()
	var cursor repositories.BillingCursor
	var processed, failed int

	for {
		batch, err := j.subscriptions.ListDueForBilling(ctx, due, cursor, j.config.BatchSize)
		if err != nil {
			return err
		}
		for _, row := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := j.processOne(ctx, row.ID); err != nil {
				failed++
				j.logger(ctx, "billing.subscription.failed", map[string]any{
					"subscriptionId": row.ID,
					"error":          err.Error(),
				})
			}
			processed++
			cursor = repositories.BillingCursor{NextBillingDate: row.NextBillingDate, ID: row.ID}
		}
		if len(batch) < j.config.BatchSize {
			break
		}
	}

	j.logger(ctx, "billing.sweep.done", map[string]any{
		"processed": processed,
		"failed":    failed,
	})
	return nil
}

// billingAttempt is the state carried across the two transactions around the
// gateway call.
type billingAttempt struct {
	subscription domain.Subscription
	order        domain.Order
	payment      domain.Payment
	skipped      bool
}

func (j *billingJob) processOne(ctx context.Context, subscriptionID int64) error {
	attempt, err := j.beginAttempt(ctx, subscriptionID)
	if err != nil || attempt.skipped {
		return err
	}

	charge, chargeErr := j.gateway.ChargeBillingKey(ctx, payments.ChargeRequest{
		BillingKey:  attempt.subscription.BillingKey,
		MerchantUID: attempt.order.MerchantUID,
		Amount:      attempt.order.FinalPrice,
		ProductName: attempt.order.Items[0].Name,
	})
	if chargeErr != nil {
		return j.settleFailure(ctx, attempt, chargeErr)
	}
	return j.settleSuccess(ctx, attempt, charge)
}

// beginAttempt locks the subscription, gates the attempt by retry interval
// and count, stamps the attempt time, and mints the recurring order with its
// ready payment. Committing before the gateway call guarantees a crash
// mid-charge cannot bypass the retry interval.
func (j *billingJob) beginAttempt(ctx context.Context, subscriptionID int64) (billingAttempt, error) {
	now := j.clock()
	var attempt billingAttempt

	err := j.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		sub, err := j.subscriptions.FindWithLockByID(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.CanAttemptBilling(now, j.config.RetryInterval, j.config.MaxRetries) {
			attempt.skipped = true
			return nil
		}
		sub.RecordBillingAttempt(now)
		if err := j.subscriptions.Update(ctx, &sub); err != nil {
			return err
		}

		purchase, err := j.purchases.FindByID(ctx, sub.PurchaseID)
		if err != nil {
			return err
		}
		order := domain.NewRecurringOrder(sub, purchase)
		if err := j.orders.Insert(ctx, &order); err != nil {
			return err
		}
		if err := order.AssignMerchantUID(); err != nil {
			return err
		}
		if err := j.orders.Update(ctx, &order); err != nil {
			return err
		}

		payment := domain.NewPayment(order.ID, order.FinalPrice)
		if err := j.payments.Insert(ctx, &payment); err != nil {
			return err
		}

		attempt.subscription = sub
		attempt.order = order
		attempt.payment = payment
		return nil
	})
	return attempt, err
}

// settleSuccess completes the recurring order synchronously and renews the
// agreement in the same transaction; the completion event publishes after
// commit.
func (j *billingJob) settleSuccess(ctx context.Context, attempt billingAttempt, charge payments.ChargeResult) error {
	now := j.clock()
	var event PaymentCompletedEvent

	err := j.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		sub, err := j.subscriptions.FindWithLockByID(ctx, attempt.subscription.ID)
		if err != nil {
			return err
		}
		order, err := j.orders.FindByID(ctx, attempt.order.ID)
		if err != nil {
			return err
		}
		payment, err := j.payments.FindByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}

		payment.RegisterKey(charge.PaymentKey, charge.Method, charge.Raw)
		if err := payment.Approve(charge.PGTid, charge.Method, charge.Raw, now); err != nil {
			return err
		}
		if err := order.CompletePayment(now); err != nil {
			return err
		}

		purchase := domain.NewPurchase(order, payment, order.Items[0])
		if err := j.purchases.Insert(ctx, &purchase); err != nil {
			return err
		}
		if err := j.payments.Update(ctx, &payment); err != nil {
			return err
		}
		if err := j.orders.Update(ctx, &order); err != nil {
			return err
		}

		if j.enroller != nil {
			if err := j.enroller.RenewOnPayment(ctx, purchase); err != nil {
				return err
			}
		} else {
			sub.Renew(purchase, sub.BillingKey, sub.NextBillingDate.AddDate(0, 1, 0))
			if err := j.subscriptions.Update(ctx, &sub); err != nil {
				return err
			}
		}

		event = buildPaymentCompletedEvent(order, payment, purchase, now)
		return nil
	})
	if err != nil {
		return err
	}

	if err := j.events.PublishPaymentCompleted(ctx, event); err != nil {
		j.logger(ctx, "billing.event.publish.failed", map[string]any{
			"orderId": attempt.order.ID,
			"error":   err.Error(),
		})
	}
	j.logger(ctx, "billing.charge.succeeded", map[string]any{
		"subscriptionId": attempt.subscription.ID,
		"merchantUid":    attempt.order.MerchantUID,
		"amount":         attempt.order.FinalPrice,
	})
	return nil
}

// settleFailure re-locks the subscription and records the failed attempt,
// cancelling the agreement with a grace window once retries are exhausted.
// The minted order and payment are failed so the attempt stays auditable.
func (j *billingJob) settleFailure(ctx context.Context, attempt billingAttempt, cause error) error {
	now := j.clock()

	// The pre-lock snapshot can be stale; report the retry count the locked
	// row actually reached.
	var retryCount int
	err := j.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		sub, err := j.subscriptions.FindWithLockByID(ctx, attempt.subscription.ID)
		if err != nil {
			return err
		}
		sub.RecordBillingFailure(now, j.config.MaxRetries, j.config.GracePeriod)
		retryCount = sub.BillingRetryCount
		if err := j.subscriptions.Update(ctx, &sub); err != nil {
			return err
		}

		payment, err := j.payments.FindByOrderID(ctx, attempt.order.ID)
		if err != nil {
			return err
		}
		if err := payment.Fail("billing.charge.failed", cause.Error()); err != nil {
			return err
		}
		if err := j.payments.Update(ctx, &payment); err != nil {
			return err
		}

		order, err := j.orders.FindByID(ctx, attempt.order.ID)
		if err != nil {
			return err
		}
		if err := order.Fail(now); err != nil {
			return err
		}
		return j.orders.Update(ctx, &order)
	})
	if err != nil {
		return err
	}

	j.logger(ctx, "billing.charge.failed", map[string]any{
		"subscriptionId": attempt.subscription.ID,
		"merchantUid":    attempt.order.MerchantUID,
		"retryCount":     retryCount,
		"error":          cause.Error(),
	})
	return cause
}
