// Package ratelimit provides per-domain sliding-window admission control.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/logger"
)

// ErrInvalidLimit is returned when Admit is called with a non-positive limit.
var ErrInvalidLimit = errors.New("rate limit must be positive")

const keyPrefix = "rate_limit:"

// Config controls window sizes.
type Config struct {
	// Window is the trailing interval in which admissions are counted.
	Window time.Duration `json:"window" yaml:"window"`
	// Inactivity is how long an idle domain's entries are kept.
	Inactivity time.Duration `json:"inactivity" yaml:"inactivity"`
}

// DefaultConfig returns a 60 second window with a 120 second idle expiry.
func DefaultConfig() Config {
	return Config{
		Window:     60 * time.Second,
		Inactivity: 120 * time.Second,
	}
}

// Limiter admits requests per domain while fewer than limit admissions
// happened in the trailing window. It never blocks or queues.
type Limiter struct {
	store  Store
	config Config
	now    func() time.Time
	seq    atomic.Uint64
	logger *logger.Logger
}

// NewLimiter creates a limiter backed by store.
func NewLimiter(store Store, config Config, log *logger.Logger) *Limiter {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.Inactivity < config.Window {
		config.Inactivity = 2 * config.Window
	}
	return &Limiter{
		store:  store,
		config: config,
		now:    time.Now,
		logger: logger.OrNop(log).WithComponent("ratelimit"),
	}
}

// Admit records an admission for domain and returns true, or returns false
// without recording anything when limit admissions already fall inside the
// window.
func (l *Limiter) Admit(ctx context.Context, domain string, limit int) (bool, error) {
	if limit <= 0 {
		return false, ErrInvalidLimit
	}

	now := l.now()
	cutoff := now.Add(-l.config.Window).UnixNano()
	admitted := false

	err := l.store.Update(ctx, keyPrefix+domain, func(set SortedSet) error {
		set.RemoveRangeByScore(math.MinInt64, cutoff)
		if set.Card() >= limit {
			return nil
		}
		score := now.UnixNano()
		set.Add(score, fmt.Sprintf("%d-%d", score, l.seq.Add(1)))
		set.Expire(l.config.Inactivity)
		admitted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit store: %w", err)
	}

	if !admitted {
		l.logger.WithDomain(domain).Debugf("admission rejected, limit %d per %s", limit, l.config.Window)
	}
	return admitted, nil
}

// LimiterStats reports tracked admissions per domain.
type LimiterStats struct {
	Window  string         `json:"window"`
	Domains map[string]int `json:"domains"`
}

// Stats returns the number of admissions currently recorded per domain.
// Entries older than the window are included until the domain is next
// touched or swept.
func (l *Limiter) Stats(ctx context.Context) (LimiterStats, error) {
	counts, err := l.store.Snapshot(ctx)
	if err != nil {
		return LimiterStats{}, err
	}
	domains := make(map[string]int, len(counts))
	for key, n := range counts {
		domains[strings.TrimPrefix(key, keyPrefix)] = n
	}
	return LimiterStats{Window: l.config.Window.String(), Domains: domains}, nil
}

// StartJanitor sweeps expired domains every interval until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.config.Window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := l.store.Sweep(l.now())
				if err != nil {
					l.logger.WithError(err).Warn("rate limit sweep failed")
				} else if n > 0 {
					l.logger.Debugf("swept %d idle domains", n)
				}
			}
		}
	}()
}

// Domain derives the limiter key for a URL: the lowercased host without
// port. Unparseable input is returned lowercased as-is.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}
