// Package spamfilter gags sessions that chat faster than allowed.
package spamfilter

import (
	"time"

	"github.com/blukai/rorrelay/internal/lock"
	"golang.org/x/time/rate"
)

type Config struct {
	// MaxMessages within Interval are allowed. zero disables the filter.
	MaxMessages int
	Interval    time.Duration
	// Gag is how long an offender is muted.
	Gag time.Duration
}

type Filter struct {
	cfg Config

	mu          lock.Mutex
	limiter     *rate.Limiter
	gaggedUntil time.Time
}

func NewFilter(cfg Config) *Filter {
	f := &Filter{cfg: cfg}
	f.Reset()
	return f
}

func (f *Filter) enabled() bool {
	return f.cfg.MaxMessages > 0 && f.cfg.Interval > 0
}

// Reset forgets the history, used when a slot is handed to a new session.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gaggedUntil = time.Time{}
	f.limiter = nil
	if f.enabled() {
		every := f.cfg.Interval / time.Duration(f.cfg.MaxMessages)
		f.limiter = rate.NewLimiter(rate.Every(every), f.cfg.MaxMessages)
	}
}

// Check accounts one chat line sent at now. when the line must not be
// relayed it returns false and the remaining gag time.
func (f *Filter) Check(now time.Time) (bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.limiter == nil {
		return true, 0
	}

	if now.Before(f.gaggedUntil) {
		return false, f.gaggedUntil.Sub(now)
	}

	if f.limiter.AllowN(now, 1) {
		return true, 0
	}

	f.gaggedUntil = now.Add(f.cfg.Gag)
	return false, f.cfg.Gag
}
