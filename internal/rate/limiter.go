// Package rate meters provider traffic and estimates spend. Each
// provider gets a token bucket, a daily quota that resets at 00:00 UTC,
// and exponential backoff state fed by throttle responses.
package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"missionctl/internal/errors"
	"missionctl/internal/shared/logging"
)

// Known provider names. Providers outside this list may still register;
// these are the ones the watchdog polls by default.
const (
	ProviderSERP       = "serp"
	ProviderGSC        = "gsc"
	ProviderGA4        = "ga4"
	ProviderAds        = "ads"
	ProviderAhrefs     = "ahrefs"
	ProviderPerplexity = "perplexity"
)

// Status summarizes a provider's quota health.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

const (
	warningQuotaRatio = 0.8
	backoffBase       = time.Second
	backoffCap        = 60 * time.Second
	maxRetries        = 3
)

// ProviderConfig bounds one provider.
type ProviderConfig struct {
	QPS        float64 `json:"qps" yaml:"qps"`
	Burst      int     `json:"burst" yaml:"burst"`
	DailyQuota int     `json:"dailyQuota" yaml:"daily_quota"`
}

// DefaultConfigs returns conservative per-provider defaults.
func DefaultConfigs() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderSERP:       {QPS: 1, Burst: 5, DailyQuota: 1000},
		ProviderGSC:        {QPS: 5, Burst: 10, DailyQuota: 25000},
		ProviderGA4:        {QPS: 5, Burst: 10, DailyQuota: 25000},
		ProviderAds:        {QPS: 2, Burst: 5, DailyQuota: 5000},
		ProviderAhrefs:     {QPS: 1, Burst: 3, DailyQuota: 2000},
		ProviderPerplexity: {QPS: 0.5, Burst: 2, DailyQuota: 500},
	}
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	RetryAfterMS int64  `json:"retryAfterMs,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ThrottleEvent is raised when a provider's retries are exhausted or its
// quota is hit; the caller records it as a rate_limit_event artifact.
type ThrottleEvent struct {
	Provider   string    `json:"provider"`
	Reason     string    `json:"reason"`
	Throttles  int       `json:"throttles"`
	OccurredAt time.Time `json:"occurredAt"`
}

type providerState struct {
	config  ProviderConfig
	bucket  *rate.Limiter
	used    int    // calls counted against today's quota
	day     string // UTC day the counter belongs to
	retries int    // consecutive throttles
	backoff time.Duration
	waitTil time.Time
	lastOK  time.Time
}

// Limiter meters all providers. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerState
	logger    logging.Logger
	now       func() time.Time
}

// NewLimiter builds a limiter from per-provider configs.
func NewLimiter(configs map[string]ProviderConfig, logger logging.Logger) *Limiter {
	l := &Limiter{
		providers: make(map[string]*providerState, len(configs)),
		logger:    logging.OrNop(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for name, cfg := range configs {
		l.providers[name] = newProviderState(cfg)
	}
	return l
}

func newProviderState(cfg ProviderConfig) *providerState {
	if cfg.QPS <= 0 {
		cfg.QPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &providerState{
		config: cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst),
	}
}

// Clock overrides the limiter's time source for tests.
func (l *Limiter) Clock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Limiter) provider(name string) *providerState {
	p, ok := l.providers[name]
	if !ok {
		p = newProviderState(ProviderConfig{QPS: 1, Burst: 1, DailyQuota: 1000})
		l.providers[name] = p
	}
	return p
}

// rollDay resets the quota counter at the UTC midnight boundary.
func (p *providerState) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if p.day != day {
		p.day = day
		p.used = 0
	}
}

// Check decides whether one call to the provider may proceed now. An
// allowed call consumes a token and counts against the daily quota.
func (l *Limiter) Check(provider string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	p := l.provider(provider)
	p.rollDay(now)

	if now.Before(p.waitTil) {
		return Decision{
			Allowed:      false,
			RetryAfterMS: p.waitTil.Sub(now).Milliseconds(),
			Reason:       "backing off after throttle",
		}
	}
	if p.config.DailyQuota > 0 && p.used >= p.config.DailyQuota {
		return Decision{
			Allowed:      false,
			RetryAfterMS: untilUTCMidnight(now).Milliseconds(),
			Reason:       "daily quota exhausted",
		}
	}
	reservation := p.bucket.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{
			Allowed:      false,
			RetryAfterMS: delay.Milliseconds(),
			Reason:       "qps limit",
		}
	}
	p.used++
	return Decision{Allowed: true}
}

// RecordSuccess clears backoff state after a clean provider call.
func (l *Limiter) RecordSuccess(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.provider(provider)
	p.retries = 0
	p.backoff = 0
	p.waitTil = time.Time{}
	p.lastOK = l.now()
}

// RecordThrottle notes a 429 from the provider and schedules exponential
// backoff (1,2,4,... capped at 60s). When retries exhaust, a
// ThrottleEvent is returned for the caller to persist.
func (l *Limiter) RecordThrottle(provider string) (Decision, *ThrottleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	p := l.provider(provider)
	p.retries++
	if p.backoff == 0 {
		p.backoff = backoffBase
	} else {
		p.backoff *= 2
	}
	if p.backoff > backoffCap {
		p.backoff = backoffCap
	}
	p.waitTil = now.Add(p.backoff)

	decision := Decision{
		Allowed:      false,
		RetryAfterMS: p.backoff.Milliseconds(),
		Reason:       "provider throttled",
	}
	if p.retries >= maxRetries {
		l.logger.Warn("provider %s exhausted %d retries, backing off %s", provider, p.retries, p.backoff)
		return decision, &ThrottleEvent{
			Provider:   provider,
			Reason:     "retries exhausted",
			Throttles:  p.retries,
			OccurredAt: now,
		}
	}
	return decision, nil
}

// ProviderStatus reports quota health for the provider health contract.
func (l *Limiter) ProviderStatus(provider string) (Status, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	p := l.provider(provider)
	p.rollDay(now)

	remaining := p.config.DailyQuota - p.used
	if remaining < 0 {
		remaining = 0
	}
	switch {
	case p.config.DailyQuota > 0 && p.used >= p.config.DailyQuota:
		return StatusExceeded, remaining
	case now.Before(p.waitTil):
		return StatusExceeded, remaining
	case p.config.DailyQuota > 0 && float64(p.used) >= warningQuotaRatio*float64(p.config.DailyQuota):
		return StatusWarning, remaining
	default:
		return StatusOK, remaining
	}
}

// LastSuccess returns the time of the provider's last clean call, zero if
// none.
func (l *Limiter) LastSuccess(provider string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.provider(provider).lastOK
}

// Require converts a denial into a typed error for gate composition.
func (d Decision) Require() error {
	if d.Allowed {
		return nil
	}
	code := errors.CodeRateExceeded
	if d.Reason == "daily quota exhausted" {
		code = errors.CodeQuotaExceeded
	}
	return errors.Newf(code, "%s", d.Reason).
		WithDetail("retryAfterMs", d.RetryAfterMS).AsBlocked()
}

func untilUTCMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
