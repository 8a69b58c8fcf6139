package collab

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/opencode-ai/followup/internal/actions"
)

// RateLimitedMessenger throttles outbound messages with a token bucket.
type RateLimitedMessenger struct {
	next    actions.Messenger
	limiter *rate.Limiter
}

// NewRateLimitedMessenger wraps next. A non-positive rate disables throttling.
func NewRateLimitedMessenger(next actions.Messenger, perSecond float64, burst int) actions.Messenger {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedMessenger{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Send waits for a token and forwards the message. Running out of time while
// waiting is a retryable failure.
func (m *RateLimitedMessenger) Send(ctx context.Context, msg actions.OutboundMessage) (actions.DeliveryResult, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return actions.DeliveryResult{}, fmt.Errorf("send rate limit: %w", err)
	}
	return m.next.Send(ctx, msg)
}
