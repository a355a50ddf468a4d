// Package quota meters outbound calls per remote API class against the
// platform's published per-second and daily limits. A token bucket shapes
// bursts while a hard daily counter, reset on a rolling wall-clock boundary,
// enforces the published daily caps. Acquisition and usage recording are one
// atomic operation so concurrent workers cannot race past a limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/sfsync/sfsync/utils/misc"
)

// Class identifies one remote API family with its own published limits.
type Class string

const (
	ClassBulkV1 Class = "bulk-v1"
	ClassBulkV2 Class = "bulk-v2"
	ClassSOAP   Class = "soap"
	ClassREST   Class = "rest"
)

// ErrDailyCapExceeded signals that the class's daily budget is spent. It is a
// backpressure signal: callers fail the unit of work and retry after reset,
// they do not treat it as fatal.
var ErrDailyCapExceeded = errors.New("quota: daily cap exceeded")

// Limits configures one class's bucket.
type Limits struct {
	RatePerSecond float64
	Burst         int
	DailyCap      int64
}

// Status is a point-in-time snapshot of one class's bucket.
type Status struct {
	AvailableTokens float64
	DailyUsed       int64
	DailyRemaining  int64
	ResetTime       time.Time
	Blocked         bool
}

// AlertFunc receives threshold alerts (e.g. 80%/95% of daily cap). Delivery
// is fire-and-forget on a separate goroutine; it can never block or fail an
// admission check.
type AlertFunc func(class Class, usedPct float64)

type bucket struct {
	limiter   *rate.Limiter
	limits    Limits
	dailyUsed int64
	resetAt   time.Time
	blocked   bool
	alerted   map[float64]bool
}

// Governor tracks all quota buckets for the process. It is an injected
// component, passed by handle to every worker; never a package global.
type Governor struct {
	mu      sync.Mutex
	buckets map[Class]*bucket

	resetHour  int
	thresholds []float64
	alertFn    AlertFunc

	log          logger.Logger
	statsFactory stats.Stats
	now          func() time.Time
}

type Option func(*Governor)

// WithAlertFunc installs the threshold alert sink.
func WithAlertFunc(fn AlertFunc) Option {
	return func(g *Governor) { g.alertFn = fn }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New builds a governor with per-class limits read from config, keys of the
// form Quota.<class>.ratePerSecond, Quota.<class>.burst and
// Quota.<class>.dailyCap.
func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, opts ...Option) *Governor {
	g := &Governor{
		buckets:      make(map[Class]*bucket),
		resetHour:    conf.GetInt("Quota.resetHourUTC", 0),
		thresholds:   []float64{0.8, 0.95},
		log:          log.Child("quota"),
		statsFactory: statsFactory,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, class := range []Class{ClassBulkV1, ClassBulkV2, ClassSOAP, ClassREST} {
		g.Configure(class, Limits{
			RatePerSecond: conf.GetFloat64(fmt.Sprintf("Quota.%s.ratePerSecond", class), 5),
			Burst:         conf.GetInt(fmt.Sprintf("Quota.%s.burst", class), 10),
			DailyCap:      conf.GetInt64(fmt.Sprintf("Quota.%s.dailyCap", class), 15000),
		})
	}
	return g
}

// Configure installs or replaces the limits of one class. A reconfigured
// class keeps its daily usage for the current day.
func (g *Governor) Configure(class Class, limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[class]
	if !ok {
		b = &bucket{
			resetAt: g.nextReset(g.now()),
			alerted: make(map[float64]bool),
		}
		g.buckets[class] = b
	}
	b.limits = limits
	b.limiter = rate.NewLimiter(rate.Limit(limits.RatePerSecond), limits.Burst)
}

// TryAcquire admits one call of the given class. Admission and usage
// recording happen atomically under one lock: there is no separate
// check-then-act window for concurrent workers to race through.
func (g *Governor) TryAcquire(class Class) bool {
	granted, _ := g.tryAcquire(class)
	return granted
}

func (g *Governor) tryAcquire(class Class) (granted, capped bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[class]
	if !ok {
		return false, false
	}
	g.rollover(b)
	if b.dailyUsed >= b.limits.DailyCap {
		b.blocked = true
		g.count("quota_denied", class, "daily_cap")
		return false, true
	}
	// the limiter runs on the governor's clock so that Status token
	// readings line up with admission decisions
	if !b.limiter.AllowN(g.now(), 1) {
		g.count("quota_denied", class, "rate")
		return false, false
	}
	b.dailyUsed++
	g.count("quota_granted", class, "")
	g.fireAlerts(class, b)
	return true, false
}

// Acquire blocks until a token is granted or the context is done. Rate
// denials back off exponentially; a spent daily budget returns
// ErrDailyCapExceeded immediately since no amount of waiting inside the
// current day will help.
func (g *Governor) Acquire(ctx context.Context, class Class) error {
	var delay misc.ExponentialNumber[time.Duration]
	for {
		granted, capped := g.tryAcquire(class)
		if granted {
			return nil
		}
		if capped {
			return fmt.Errorf("%w: class %s", ErrDailyCapExceeded, class)
		}
		if err := misc.SleepCtx(ctx, delay.Next(50*time.Millisecond, 2*time.Second)); err != nil {
			return err
		}
	}
}

// RecordUsage accounts one unit of daily budget consumed outside the token
// path, e.g. usage reported back by the remote platform's response headers.
func (g *Governor) RecordUsage(class Class) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[class]
	if !ok {
		return
	}
	g.rollover(b)
	b.dailyUsed++
	g.fireAlerts(class, b)
}

// GetStatus returns a snapshot of one class's bucket.
func (g *Governor) GetStatus(class Class) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[class]
	if !ok {
		return Status{}
	}
	g.rollover(b)
	remaining := b.limits.DailyCap - b.dailyUsed
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		AvailableTokens: b.limiter.TokensAt(g.now()),
		DailyUsed:       b.dailyUsed,
		DailyRemaining:  remaining,
		ResetTime:       b.resetAt,
		Blocked:         b.blocked,
	}
}

// rollover resets the daily counter when the boundary has passed. Callers
// hold g.mu.
func (g *Governor) rollover(b *bucket) {
	now := g.now()
	if now.Before(b.resetAt) {
		return
	}
	b.dailyUsed = 0
	b.blocked = false
	b.alerted = make(map[float64]bool)
	b.resetAt = g.nextReset(now)
}

// nextReset returns the first configured wall-clock boundary after now.
func (g *Governor) nextReset(now time.Time) time.Time {
	reset := time.Date(now.Year(), now.Month(), now.Day(), g.resetHour, 0, 0, 0, time.UTC)
	if !reset.After(now) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// fireAlerts raises each configured threshold at most once per day. Callers
// hold g.mu; delivery happens off the lock on its own goroutine.
func (g *Governor) fireAlerts(class Class, b *bucket) {
	if g.alertFn == nil || b.limits.DailyCap == 0 {
		return
	}
	usedPct := float64(b.dailyUsed) / float64(b.limits.DailyCap)
	for _, threshold := range g.thresholds {
		if usedPct >= threshold && !b.alerted[threshold] {
			b.alerted[threshold] = true
			fn, pct := g.alertFn, usedPct
			go fn(class, pct)
			g.log.Warnn("quota threshold crossed",
				logger.NewStringField("class", string(class)),
				logger.NewIntField("usedPct", int64(pct*100)),
			)
		}
	}
}

func (g *Governor) count(name string, class Class, reason string) {
	if g.statsFactory == nil {
		return
	}
	tags := stats.Tags{"class": string(class)}
	if reason != "" {
		tags["reason"] = reason
	}
	g.statsFactory.NewTaggedStat(name, stats.CountType, tags).Increment()
}
