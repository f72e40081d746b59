package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"carwatch/internal/db"
	"carwatch/internal/worker"
)

// ProtectedSender wraps a worker.Sender with a CircuitBreaker. When the
// transport behind it (SES, SNS) starts failing, the circuit opens and
// sends fail fast instead of piling up on a dead provider.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers through the circuit breaker. An open circuit returns
// ErrCircuitOpen immediately. Permanent delivery errors count as
// successes for breaker purposes: a bad recipient says nothing about
// transport health.
func (p *ProtectedSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *worker.Content) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected request",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", notif.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, notif, prefs, content)
	if err != nil && !errors.Is(err, worker.ErrPermanent) {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return err
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
