package channel

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/lalithlochan/courier/internal/db"
)

// ThrottledAdapter caps the send rate of another adapter with a token bucket.
// The wait happens inside Send, so a caller's deadline also bounds the wait.
type ThrottledAdapter struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewThrottledAdapter allows perSecond sends with the given burst.
func NewThrottledAdapter(next Adapter, perSecond float64, burst int) *ThrottledAdapter {
	if burst <= 0 {
		burst = 1
	}
	return &ThrottledAdapter{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *ThrottledAdapter) Channel() db.Channel { return t.next.Channel() }

func (t *ThrottledAdapter) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Send(ctx, msg)
}
