// ratelimit.go implements request pacing for the info endpoint.
//
// The venue budget is expressed as two rules enforced together:
//
//   - at most maxInflight requests concurrently in flight
//   - at least minSpacing between any two request admissions
//
// With the defaults (10 in flight, 100 ms spacing) this keeps the
// client at or under 10 requests in any one-second window no matter how
// many scanners share it. Acquire blocks until both rules admit the
// caller or the context is cancelled.
package venue

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Pacer gates outbound requests. One Pacer is owned by the Client and
// shared by everything that borrows the client.
type Pacer struct {
	sem *semaphore.Weighted
	lim *rate.Limiter
}

// NewPacer creates a pacer admitting maxInflight concurrent requests
// spaced at least minSpacing apart.
func NewPacer(maxInflight int, minSpacing time.Duration) *Pacer {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if minSpacing > 0 {
		lim = rate.NewLimiter(rate.Every(minSpacing), 1)
	}
	return &Pacer{
		sem: semaphore.NewWeighted(int64(maxInflight)),
		lim: lim,
	}
}

// Acquire blocks until a slot is free and the spacing interval has
// elapsed. Every successful Acquire must be paired with Release.
func (p *Pacer) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := p.lim.Wait(ctx); err != nil {
		p.sem.Release(1)
		return err
	}
	return nil
}

// Release returns the in-flight slot.
func (p *Pacer) Release() {
	p.sem.Release(1)
}
