package queues

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig controls redelivery of messages whose handler failed.
type RetryConfig struct {
	// MaxRetries is the number of redeliveries before a message is dropped.
	MaxRetries int
	// BaseDelay is the minimum idle time before a pending message is reclaimed.
	BaseDelay time.Duration
	// MaxDelay caps the reclaim idle time.
	MaxDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  10 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

type Provider interface {
	NewConsumer(ctx context.Context, queueName string) (Consumer, error)
	NewPublisher(ctx context.Context, queueName string) (Publisher, error)
	Stop()
	Wait()
	// CheckHealth verifies the provider is operational (e.g. Redis PING)
	CheckHealth(ctx context.Context) error
}

// ConsumeHandler processes a single message. Returning nil acknowledges the
// message; returning an error leaves it pending for redelivery.
type ConsumeHandler func(ctx context.Context, payload []byte, entryID string, log logrus.FieldLogger) error

type Consumer interface {
	Consume(ctx context.Context, handler ConsumeHandler) error
	Close()
}

type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close()
}
