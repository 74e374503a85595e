// Package bandwidth provides a shared token-bucket rate limiter for the
// sync client's and sync server's outbound wire traffic.
package bandwidth

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/diaryx-org/diaryx-sync/internal/config"
)

// burstMultiplier controls the token bucket burst size relative to the
// per-second rate, allowing short savings to be spent on the next frame
// without reducing sustained throughput below the configured limit.
const burstMultiplier = 2

// Limiter throttles outbound bytes to a configured rate. A nil *Limiter is
// valid and means unlimited, so callers never need a nil check before use.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter from a bandwidth_limit string (e.g. "5MB/s").
// Returns a nil Limiter, not an error, when limit is "0" or empty.
func New(limit string) (*Limiter, error) {
	bytesPerSec, err := config.ParseBandwidthRate(limit)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: parsing %q: %w", limit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter means unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier

	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}, nil
}

// WaitN blocks until n bytes may be sent under the configured rate,
// splitting the request into burst-sized chunks since WaitN rejects
// requests exceeding the bucket's burst size. A nil Limiter never blocks.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}

	burst := l.limiter.Burst()

	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}

		if err := l.limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
