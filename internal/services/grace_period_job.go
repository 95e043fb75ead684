package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/repositories"
)

const defaultGraceBatchSize = 50

// GracePeriodJobConfig tunes the sweep. Zero values fall back to defaults.
type GracePeriodJobConfig struct {
	BatchSize int
}

// GracePeriodJobDeps bundles collaborators required to construct the
// grace-period job.
type GracePeriodJobDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Purchases     repositories.PurchaseRepository
	Orders        repositories.OrderRepository
	UnitOfWork    repositories.UnitOfWork
	Events        EventPublisher
	Config        GracePeriodJobConfig
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// gracePeriodJob settles subscriptions whose grace window has lapsed:
// access-granting purchases are revoked, backing orders cancelled, and both
// parties notified. Each subscription runs in its own transaction.
type gracePeriodJob struct {
	subscriptions repositories.SubscriptionRepository
	purchases     repositories.PurchaseRepository
	orders        repositories.OrderRepository
	unitOfWork    repositories.UnitOfWork
	events        EventPublisher
	config        GracePeriodJobConfig
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewGracePeriodJob wires dependencies into the grace-expiry sweep.
func NewGracePeriodJob(deps GracePeriodJobDeps) (Job, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("grace job: subscription repository is required")
	}
	if deps.Purchases == nil {
		return nil, errors.New("grace job: purchase repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("grace job: order repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("grace job: unit of work is required")
	}

	cfg := deps.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultGraceBatchSize
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

	return &gracePeriodJob{
		subscriptions: deps.Subscriptions,
		purchases:     deps.Purchases,
		orders:        deps.Orders,
		unitOfWork:    deps.UnitOfWork,
		events:        events,
		config:        cfg,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Run pages lapsed grace windows by id and settles each one independently.
func (j *gracePeriodJob) Run(ctx context.Context) error {
	now := j.clock()
	var afterID int64
	var processed, failed int

	for {
		ids, err := j.subscriptions.ListGraceExpired(ctx, now, afterID, j.config.BatchSize)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := j.settleOne(ctx, id); err != nil {
				failed++
				j.logger(ctx, "grace.subscription.failed", map[string]any{
					"subscriptionId": id,
					"error":          err.Error(),
				})
			}
			processed++
			afterID = id
		}
		if len(ids) < j.config.BatchSize {
			break
		}
	}

	j.logger(ctx, "grace.sweep.done", map[string]any{
		"processed": processed,
		"failed":    failed,
	})
	return nil
}

// settleOne revokes access for one lapsed subscription. The window is
// re-verified under lock so a resume or renewal racing the sweep wins.
func (j *gracePeriodJob) settleOne(ctx context.Context, subscriptionID int64) error {
	now := j.clock()
	var event SubscriptionGraceExpiredEvent
	var settled bool

	err := j.unitOfWork.RunInNewTx(ctx, func(ctx context.Context) error {
		sub, err := j.subscriptions.FindWithLockByID(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !graceActuallyLapsed(sub, now) {
			return nil
		}

		sellerID, err := j.revokePurchases(ctx, sub, now)
		if err != nil {
			return err
		}

		sub.MarkGraceExpired(now)
		if err := j.subscriptions.Update(ctx, &sub); err != nil {
			return err
		}

		event = SubscriptionGraceExpiredEvent{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			SellerID:       sellerID,
			ContentID:      sub.ContentID,
			OptionID:       sub.OptionID,
			ExpiredAt:      now,
		}
		settled = true
		return nil
	})
	if err != nil || !settled {
		return err
	}

	// Notification delivery is best effort; a publish failure never undoes
	// the settlement.
	if err := j.events.PublishSubscriptionGraceExpired(ctx, event); err != nil {
		j.logger(ctx, "grace.event.publish.failed", map[string]any{
			"subscriptionId": subscriptionID,
			"error":          err.Error(),
		})
	}
	j.logger(ctx, "grace.subscription.settled", map[string]any{
		"subscriptionId": subscriptionID,
		"userId":         event.UserID,
	})
	return nil
}

// revokePurchases cancels every live purchase tying the user to the
// subscribed content, settling each backing order per its current status.
func (j *gracePeriodJob) revokePurchases(ctx context.Context, sub domain.Subscription, now time.Time) (int64, error) {
	purchases, err := j.purchases.ListActiveByUserContent(ctx, sub.UserID, sub.ContentID)
	if err != nil {
		return 0, err
	}

	var sellerID int64
	for i := range purchases {
		sellerID = purchases[i].SellerID

		order, err := j.orders.FindByID(ctx, purchases[i].OrderID)
		if err != nil {
			return 0, err
		}
		switch order.Status {
		case domain.OrderStatusPaid:
			if err := order.RequestCancel(); err != nil {
				return 0, err
			}
			fallthrough
		case domain.OrderStatusCancelRequest:
			if err := order.Cancel(now); err != nil {
				return 0, err
			}
			if err := j.orders.Update(ctx, &order); err != nil {
				return 0, err
			}
		}

		if err := purchases[i].Cancel(now); err != nil {
			return 0, err
		}
		if err := j.purchases.Update(ctx, &purchases[i]); err != nil {
			return 0, err
		}
	}
	return sellerID, nil
}

func graceActuallyLapsed(sub domain.Subscription, now time.Time) bool {
	return sub.Status == domain.SubscriptionStatusCancelled &&
		sub.GraceExpiredAt == nil &&
		sub.GracePeriodEndsAt != nil &&
		!now.Before(*sub.GracePeriodEndsAt)
}
