// Package backoff computes retry and reconnect delays. Policies are
// stateless; callers pass the current attempt count.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// maxExponent bounds 2^attempt so that long failure streaks saturate at the
// cap instead of overflowing the multiplication.
const maxExponent = 32

// Policy computes delay(attempt) = min(Base * 2^attempt + jitter, Cap),
// with jitter drawn uniformly from [0, Jitter]. Attempt counts are
// zero-indexed: attempt 0 yields roughly Base.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPolicy constructs a backoff policy. A zero Jitter disables jitter.
func NewPolicy(base, cap, jitter time.Duration) *Policy {
	return &Policy{
		Base:   base,
		Cap:    cap,
		Jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter does not need crypto rand.
	}
}

// JobRetry returns the policy used between send attempts of a single job:
// 5s base, 5m cap, 0-5s uniform jitter.
func JobRetry() *Policy {
	return NewPolicy(5*time.Second, 5*time.Minute, 5*time.Second)
}

// Reconnect returns the policy used between session reconnect attempts:
// 5s base, 60s cap, no jitter.
func Reconnect() *Policy {
	return NewPolicy(5*time.Second, 60*time.Second, 0)
}

// Delay returns the delay before the next attempt. Negative attempts are
// treated as zero.
func (p *Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxExponent {
		attempt = maxExponent
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d <<= 1
		if d <= 0 || (p.Cap > 0 && d >= p.Cap) {
			// Saturated; doubling further would only overflow.
			return p.clamp(p.Cap)
		}
	}
	return p.clamp(d + p.jitter())
}

func (p *Policy) clamp(d time.Duration) time.Duration {
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

func (p *Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404
	}
	return time.Duration(p.rnd.Int63n(int64(p.Jitter) + 1))
}
