package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
)

// ProtectedAdapter wraps a channel.Adapter with a CircuitBreaker.
// Only *channel.ProviderError results and call timeouts count as failures;
// validation errors and missing device tokens pass through uncounted.
type ProtectedAdapter struct {
	adapter channel.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedAdapter wraps adapter with breaker protection.
func NewProtectedAdapter(adapter channel.Adapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedAdapter) Channel() db.Channel { return p.adapter.Channel() }

// Send delivers msg through the breaker. When the circuit is open the
// adapter is not called and the error wraps ErrCircuitOpen.
func (p *ProtectedAdapter) Send(ctx context.Context, msg *channel.Message) (*channel.Receipt, error) {
	receipt, err := Do(ctx, p.breaker, func(ctx context.Context) (*channel.Receipt, error) {
		r, err := p.adapter.Send(ctx, msg)
		if err != nil && !channel.IsProviderError(err) {
			return nil, Ignore(err)
		}
		return r, err
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		p.logger.Warn("circuit breaker rejected request - failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("message_id", msg.ID),
			zap.String("channel", string(msg.Channel)),
		)
	case channel.IsProviderError(err), errors.Is(err, ErrCallTimeout):
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return receipt, err
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
