package instagram

import (
	"context"
	"math/rand"
	"time"

	"github.com/instarding/server/internal/config"
)

// Limiter paces successive scraping requests. Each wait is
// base + U[0, base*jitter] + U[min, max], so the traffic pattern never
// settles into a fixed cadence.
type Limiter struct {
	base      time.Duration
	jitterMax float64
	extraMin  time.Duration
	extraMax  time.Duration
}

func NewLimiter(cfg config.ScrapeRateLimitConfig) *Limiter {
	return &Limiter{
		base:      cfg.BaseDelay.Duration,
		jitterMax: cfg.JitterMax,
		extraMin:  cfg.DelayMin.Duration,
		extraMax:  cfg.DelayMax.Duration,
	}
}

// Delay computes one randomized pacing interval.
func (l *Limiter) Delay() time.Duration {
	d := l.base
	if l.jitterMax > 0 && l.base > 0 {
		d += time.Duration(rand.Float64() * l.jitterMax * float64(l.base))
	}
	if l.extraMax > l.extraMin {
		d += l.extraMin + time.Duration(rand.Int63n(int64(l.extraMax-l.extraMin)+1))
	} else if l.extraMin > 0 {
		d += l.extraMin
	}
	return d
}

// Wait sleeps for one pacing interval or until ctx is cancelled.
// Callers running multi-stage traversals also invoke it between stages
// so successive bursts never start back to back.
func (l *Limiter) Wait(ctx context.Context) error {
	d := l.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
