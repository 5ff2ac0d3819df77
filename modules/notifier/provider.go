package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vigilhq/vigil/pkg/verrors"
)

// Message is one notification to deliver. Recipient is provider-specific: a
// webhook URL for Slack, an address for email.
type Message struct {
	Recipient string
	Channel   string
	Title     string
	Body      string
	Severity  string
}

// Provider delivers messages to one channel type. Implementations classify
// their failures: Transient errors are retried, PermanentProvider errors are
// not.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// breakerProvider wraps a provider with a circuit breaker so a dead provider
// endpoint fails fast instead of eating the send timeout on every attempt.
type breakerProvider struct {
	p  Provider
	cb *gobreaker.CircuitBreaker
}

func withBreaker(p Provider) Provider {
	return &breakerProvider{
		p: p,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    p.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (b *breakerProvider) Name() string { return b.p.Name() }

func (b *breakerProvider) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.p.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return verrors.E(verrors.Transient, err)
	}
	return err
}
