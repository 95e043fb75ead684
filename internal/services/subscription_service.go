package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/repositories"
)

var (
	// ErrSubscriptionMemberOnly indicates a guest purchase cannot back a
	// recurring agreement.
	ErrSubscriptionMemberOnly = errors.New("subscription: member purchases only")
	// ErrSubscriptionNotFound indicates no subscription matched the lookup.
	ErrSubscriptionNotFound = errors.New("subscription: not found")
	// ErrSubscriptionAccessDenied indicates the caller does not own the subscription.
	ErrSubscriptionAccessDenied = errors.New("subscription: access denied")
)

// SubscriptionManager combines the public subscription API with the renewal
// hook the payment completion path calls.
type SubscriptionManager interface {
	SubscriptionService
	SubscriptionEnroller
}

// SubscriptionServiceDeps bundles collaborators required to construct the
// subscription service.
type SubscriptionServiceDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Purchases     repositories.PurchaseRepository
	Orders        repositories.OrderRepository
	UnitOfWork    repositories.UnitOfWork
	// Location anchors all billing date math; every date comparison and
	// month addition happens in this zone.
	Location *time.Location
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type subscriptionService struct {
	subscriptions repositories.SubscriptionRepository
	purchases     repositories.PurchaseRepository
	orders        repositories.OrderRepository
	unitOfWork    repositories.UnitOfWork
	location      *time.Location
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewSubscriptionService wires dependencies into a concrete
// SubscriptionManager implementation.
func NewSubscriptionService(deps SubscriptionServiceDeps) (SubscriptionManager, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("subscription service: subscription repository is required")
	}
	if deps.Purchases == nil {
		return nil, errors.New("subscription service: purchase repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("subscription service: order repository is required")
	}
	if deps.Location == nil {
		return nil, errors.New("subscription service: billing location is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &subscriptionService{
		subscriptions: deps.Subscriptions,
		purchases:     deps.Purchases,
		orders:        deps.Orders,
		unitOfWork:    unit,
		location:      deps.Location,
		clock:         clock,
		logger:        logger,
	}, nil
}

// CreateSubscription binds a billing key to a paid member purchase. An
// existing active/past-due agreement for the same (user, option), or a
// cancelled one still inside its grace window, is renewed in place; otherwise
// a fresh agreement is created.
func (s *subscriptionService) CreateSubscription(ctx context.Context, cmd CreateSubscriptionCommand) (SubscriptionView, error) {
	if cmd.BillingKey == "" {
		return SubscriptionView{}, errors.New("subscription: billing key is required")
	}
	now := s.clock()

	var sub domain.Subscription
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		purchase, err := s.purchases.FindByID(ctx, cmd.PurchaseID)
		if err != nil {
			return s.translateRepoError(err)
		}
		if purchase.MemberID == nil {
			return ErrSubscriptionMemberOnly
		}
		if purchase.IsCancelled() {
			return fmt.Errorf("subscription: purchase %d is cancelled", purchase.ID)
		}
		userID := *purchase.MemberID

		sub, err = s.renewOrCreate(ctx, userID, purchase, cmd.BillingKey, now)
		return err
	})
	if err != nil {
		return SubscriptionView{}, err
	}

	s.logger(ctx, "subscription.created", map[string]any{
		"subscriptionId":  sub.ID,
		"userId":          sub.UserID,
		"optionId":        sub.OptionID,
		"nextBillingDate": sub.NextBillingDate,
	})
	return buildSubscriptionView(sub), nil
}

// RenewOnPayment advances the recurring agreement backing a completed
// subscription-mode purchase, reusing its stored billing key. A purchase with
// no existing agreement is left for an explicit CreateSubscription call,
// which carries the billing key.
func (s *subscriptionService) RenewOnPayment(ctx context.Context, purchase domain.Purchase) error {
	if purchase.MemberID == nil {
		return ErrSubscriptionMemberOnly
	}
	userID := *purchase.MemberID
	now := s.clock()

	return s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		existing, found, err := s.findRenewable(ctx, userID, purchase.OptionID, now)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		next := s.resolveNextBillingDate(&existing, now)
		existing.Renew(purchase, existing.BillingKey, next)
		if err := s.subscriptions.Update(ctx, &existing); err != nil {
			return err
		}
		s.logger(ctx, "subscription.renewed", map[string]any{
			"subscriptionId":  existing.ID,
			"purchaseId":      purchase.ID,
			"nextBillingDate": next,
		})
		return nil
	})
}

func (s *subscriptionService) renewOrCreate(ctx context.Context, userID int64, purchase domain.Purchase, billingKey string, now time.Time) (domain.Subscription, error) {
	existing, found, err := s.findRenewable(ctx, userID, purchase.OptionID, now)
	if err != nil {
		return domain.Subscription{}, err
	}
	if found {
		next := s.resolveNextBillingDate(&existing, now)
		existing.Renew(purchase, billingKey, next)
		if err := s.subscriptions.Update(ctx, &existing); err != nil {
			return domain.Subscription{}, err
		}
		return existing, nil
	}

	next := s.resolveNextBillingDate(nil, now)
	sub := domain.NewSubscription(userID, purchase, billingKey, next)
	if err := s.subscriptions.Insert(ctx, &sub); err != nil {
		if !isConflict(err) {
			return domain.Subscription{}, err
		}
		// A concurrent creation won the race: the unique active-key index
		// rejected this row. Renew the surviving agreement instead.
		winner, err := s.subscriptions.FindBillableByUserOption(ctx, userID, purchase.OptionID)
		if err != nil {
			return domain.Subscription{}, err
		}
		winner.Renew(purchase, billingKey, s.resolveNextBillingDate(&winner, now))
		if err := s.subscriptions.Update(ctx, &winner); err != nil {
			return domain.Subscription{}, err
		}
		return winner, nil
	}
	return sub, nil
}

// findRenewable locates the at-most-one active/past-due agreement for
// (user, option), falling back to a cancelled one still inside its grace
// window.
func (s *subscriptionService) findRenewable(ctx context.Context, userID, optionID int64, now time.Time) (domain.Subscription, bool, error) {
	sub, err := s.subscriptions.FindBillableByUserOption(ctx, userID, optionID)
	if err == nil {
		return sub, true, nil
	}
	if !isNotFound(err) {
		return domain.Subscription{}, false, err
	}
	sub, err = s.subscriptions.FindResumableByUserOption(ctx, userID, optionID, now)
	if err == nil {
		return sub, true, nil
	}
	if !isNotFound(err) {
		return domain.Subscription{}, false, err
	}
	return domain.Subscription{}, false, nil
}

// resolveNextBillingDate applies the renewal date policy, in order:
// no prior record → today + 1 month; prior record inside its grace window →
// stored date + 1 month (the billing anchor survives a lapse); stored date
// still in the future → stored date + 1 month; stored date in the past →
// today + 1 month.
func (s *subscriptionService) resolveNextBillingDate(prior *domain.Subscription, now time.Time) time.Time {
	if prior == nil {
		return addOneMonth(now, s.location)
	}
	if prior.IsWithinGrace(now) {
		return addOneMonth(prior.NextBillingDate, s.location)
	}
	if prior.NextBillingDate.After(now) {
		return addOneMonth(prior.NextBillingDate, s.location)
	}
	return addOneMonth(now, s.location)
}

// resolveResumeNextBillingDate keeps a still-future stored date unchanged and
// otherwise restarts the cycle from today. Resume deliberately differs from
// renewal: no payment happened, so a future anchor must not be pushed out a
// month.
func (s *subscriptionService) resolveResumeNextBillingDate(sub domain.Subscription, now time.Time) time.Time {
	if sub.NextBillingDate.After(now) {
		return sub.NextBillingDate
	}
	return addOneMonth(now, s.location)
}

// CancelSubscription ends the agreement found by (user, merchantUid) and
// revokes every purchase it covers, settling each backing order first.
func (s *subscriptionService) CancelSubscription(ctx context.Context, userID int64, merchantUID, reason string) error {
	now := s.clock()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		sub, err := s.subscriptions.FindByUserAndMerchantUID(ctx, userID, merchantUID)
		if err != nil {
			return s.translateRepoError(err)
		}
		if err := s.cancelRelatedPurchases(ctx, sub, now); err != nil {
			return err
		}
		// User-initiated cancellation carries no grace window, keeping the
		// subscription resumable.
		if err := sub.Cancel(now, nil); err != nil {
			return err
		}
		return s.subscriptions.Update(ctx, &sub)
	})
	if err != nil {
		return err
	}
	s.logger(ctx, "subscription.cancelled", map[string]any{
		"userId":      userID,
		"merchantUid": merchantUID,
		"reason":      reason,
	})
	return nil
}

// cancelRelatedPurchases revokes the subscription user's live purchases of
// the subscribed content, cancelling each paid or cancel-requested backing
// order first.
func (s *subscriptionService) cancelRelatedPurchases(ctx context.Context, sub domain.Subscription, now time.Time) error {
	purchases, err := s.purchases.ListActiveByUserContent(ctx, sub.UserID, sub.ContentID)
	if err != nil {
		return err
	}
	for i := range purchases {
		order, err := s.orders.FindByID(ctx, purchases[i].OrderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case domain.OrderStatusPaid:
			if err := order.RequestCancel(); err != nil {
				return err
			}
			fallthrough
		case domain.OrderStatusCancelRequest:
			if err := order.Cancel(now); err != nil {
				return err
			}
			if err := s.orders.Update(ctx, &order); err != nil {
				return err
			}
		}
		if err := purchases[i].Cancel(now); err != nil {
			return err
		}
		if err := s.purchases.Update(ctx, &purchases[i]); err != nil {
			return err
		}
	}
	return nil
}

// ResumeSubscription re-activates a user-cancelled agreement. Only legal
// while no grace window was ever set; a grace-lapsed subscription needs a
// fresh payment instead.
func (s *subscriptionService) ResumeSubscription(ctx context.Context, userID, subscriptionID int64) (SubscriptionView, error) {
	now := s.clock()
	var sub domain.Subscription
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = s.subscriptions.FindByID(ctx, subscriptionID)
		if err != nil {
			return s.translateRepoError(err)
		}
		if sub.UserID != userID {
			return ErrSubscriptionAccessDenied
		}
		if err := sub.Resume(s.resolveResumeNextBillingDate(sub, now)); err != nil {
			return err
		}
		return s.subscriptions.Update(ctx, &sub)
	})
	if err != nil {
		return SubscriptionView{}, err
	}

	s.logger(ctx, "subscription.resumed", map[string]any{
		"subscriptionId":  sub.ID,
		"userId":          userID,
		"nextBillingDate": sub.NextBillingDate,
	})
	return buildSubscriptionView(sub), nil
}

func (s *subscriptionService) translateRepoError(err error) error {
	if isNotFound(err) {
		return ErrSubscriptionNotFound
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// addOneMonth advances the instant one calendar month in the billing zone,
// clamping to the last day of the target month (Jan 31 → Feb 28/29).
func addOneMonth(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	year, month, day := local.Date()
	hour, minute, sec := local.Clock()

	lastDay := time.Date(year, month+2, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month+1, day, hour, minute, sec, local.Nanosecond(), loc)
}

func buildSubscriptionView(sub domain.Subscription) SubscriptionView {
	return SubscriptionView{
		SubscriptionID:  sub.ID,
		UserID:          sub.UserID,
		ContentID:       sub.ContentID,
		OptionID:        sub.OptionID,
		Status:          sub.Status,
		Price:           sub.Price,
		NextBillingDate: sub.NextBillingDate,
		RetryCount:      sub.BillingRetryCount,
	}
}
