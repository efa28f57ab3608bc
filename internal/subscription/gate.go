// Package subscription decides whether a shop may mutate its catalog on a
// sales channel, and expires lapsed subscriptions.
package subscription

import (
	"context"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/lock"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/ariefcatur/go-shop-reservations/internal/scheduler"
	"github.com/ariefcatur/go-shop-reservations/internal/validate"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	ChannelFacebook  = "facebook"
	ChannelInstagram = "instagram"
	ChannelTikTok    = "tiktok"
	ChannelMessenger = "messenger"
	ChannelWebsite   = "website"

	// DefaultChannel gates product mutations made through the api.
	DefaultChannel = ChannelWebsite
)

var Channels = []string{ChannelFacebook, ChannelInstagram, ChannelTikTok, ChannelMessenger, ChannelWebsite}

// Repo is the subscription storage; *postgres.SubscriptionRepo and *MemoryRepo implement it.
type Repo interface {
	HasActive(ctx context.Context, shopID, channel string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, now time.Time) ([]orders.Subscription, error)
	Insert(ctx context.Context, s orders.Subscription) error
	Cancel(ctx context.Context, shopID, channel string) (int64, error)
}

type SubscribeRequest struct {
	ShopID   string `json:"shop_id" validate:"required"`
	Channel  string `json:"channel" validate:"required,oneof=facebook instagram tiktok messenger website"`
	PlanType string `json:"plan_type" validate:"required,oneof=monthly 6months yearly"`
}

type Gate struct {
	Repo    Repo
	Cache   Cache // optional
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// IsActive reports whether shopID holds an active, unexpired subscription on channel.
func (g *Gate) IsActive(ctx context.Context, shopID, channel string) (bool, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if g.Cache != nil {
		if active, ok := g.Cache.Lookup(ctx, shopID, channel); ok {
			return active, nil
		}
	}
	active, err := g.Repo.HasActive(ctx, shopID, channel, g.Clock.Now().UTC())
	if err != nil {
		return false, err
	}
	if g.Cache != nil {
		g.Cache.Store(ctx, shopID, channel, active)
	}
	return active, nil
}

// Require fails with Forbidden unless the subscription is active.
func (g *Gate) Require(ctx context.Context, shopID, channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	ok, err := g.IsActive(ctx, shopID, channel)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("shop does not have an active %s subscription", channel)
	}
	return nil
}

// Subscribe starts a subscription now, lasting for the plan's period.
func (g *Gate) Subscribe(ctx context.Context, req SubscribeRequest) (orders.Subscription, error) {
	if err := validate.Struct(req); err != nil {
		return orders.Subscription{}, err
	}
	now := g.Clock.Now().UTC()
	s := orders.Subscription{
		ID:        uuid.NewString(),
		ShopID:    req.ShopID,
		Channel:   req.Channel,
		PlanType:  req.PlanType,
		Status:    "active",
		StartedAt: now,
		ExpiresAt: planEnd(req.PlanType, now),
	}
	if err := g.Repo.Insert(ctx, s); err != nil {
		return orders.Subscription{}, err
	}
	g.forget(ctx, s.ShopID, s.Channel)
	g.Log.Info("subscription started", zap.String("shop_id", s.ShopID), zap.String("channel", s.Channel),
		zap.Time("expires_at", s.ExpiresAt))
	return s, nil
}

func (g *Gate) Cancel(ctx context.Context, shopID, channel string) error {
	n, err := g.Repo.Cancel(ctx, shopID, channel)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("no active %s subscription for shop %s", channel, shopID)
	}
	g.forget(ctx, shopID, channel)
	return nil
}

func planEnd(plan string, from time.Time) time.Time {
	switch plan {
	case "6months":
		return from.AddDate(0, 6, 0)
	case "yearly":
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// ExpireDue marks lapsed subscriptions expired and drops their cache entries.
func (g *Gate) ExpireDue(ctx context.Context) (int, error) {
	expired, err := g.Repo.MarkExpired(ctx, g.Clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, s := range expired {
		g.forget(ctx, s.ShopID, s.Channel)
	}
	g.Metrics.SubscriptionsExpired(len(expired))
	if len(expired) > 0 {
		g.Log.Info("subscriptions expired", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

func (g *Gate) forget(ctx context.Context, shopID, channel string) {
	if g.Cache != nil {
		g.Cache.Forget(ctx, shopID, channel)
	}
}

// Register schedules ExpireDue, one replica at a time.
func (g *Gate) Register(sch *scheduler.Scheduler, interval time.Duration, locker lock.Locker) {
	if interval <= 0 {
		interval = time.Hour
	}
	sch.Every("subscription-expiry", interval, func(ctx context.Context) error {
		unlock, ok, err := locker.Obtain(ctx, redisx.KeySubscriptionSweepLock, interval)
		if err != nil || !ok {
			return err
		}
		defer unlock()
		_, err = g.ExpireDue(ctx)
		return err
	})
}
