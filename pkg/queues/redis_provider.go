package queues

// Redis Streams provider.
//
// Each queue is a Redis stream with a single consumer group. Messages are
// acknowledged and deleted once the handler returns nil. Messages whose
// handler failed stay pending and are reclaimed after RetryConfig.BaseDelay
// of idle time; once a message has been delivered more than
// RetryConfig.MaxRetries times it is acknowledged and dropped so it cannot
// wedge the stream.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	readBlock    = 5 * time.Second
	readCount    = 16
	payloadField = "payload"
)

type redisProvider struct {
	client      *redis.Client
	log         logrus.FieldLogger
	wg          *sync.WaitGroup
	queues      []*redisQueue
	stopped     atomic.Bool
	mu          sync.Mutex
	processID   string
	retryConfig RetryConfig
}

// NewRedisProvider creates a new Redis queue provider. The processID
// distinguishes consumers of the same group across processes.
func NewRedisProvider(ctx context.Context, log logrus.FieldLogger, processID string, hostname string, port uint, password string, retryConfig RetryConfig) (Provider, error) {
	if processID == "" {
		return nil, errors.New("processID cannot be empty")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", hostname, port),
		Password:        password,
		DB:              0,
		MaxRetries:      retryConfig.MaxRetries,
		MinRetryBackoff: retryConfig.BaseDelay,
		MaxRetryBackoff: retryConfig.MaxDelay,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		DialTimeout:     5 * time.Second,
	})

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Ping(timeoutCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis queue: %w", err)
	}
	log.Info("successfully connected to the Redis queue")

	return &redisProvider{
		client:      client,
		log:         log,
		wg:          &wg,
		processID:   processID,
		retryConfig: retryConfig,
	}, nil
}

func (r *redisProvider) newQueue(ctx context.Context, queueName string) (*redisQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped.Load() {
		return nil, errors.New("provider is stopped")
	}

	for _, q := range r.queues {
		if q.name == queueName && !q.closed.Load() {
			r.log.WithField("queueName", queueName).Debug("reusing existing queue instance")
			return q, nil
		}
	}

	groupName := fmt.Sprintf("%s-group", queueName)
	consumerName := fmt.Sprintf("%s-consumer-%s", queueName, r.processID)
	ql := r.log.WithFields(logrus.Fields{
		"consumerName":  consumerName,
		"consumerGroup": groupName,
	})

	queue := &redisQueue{
		name:         queueName,
		client:       r.client,
		groupName:    groupName,
		consumerName: consumerName,
		log:          ql,
		wg:           r.wg,
		retryConfig:  r.retryConfig,
	}
	if err := queue.ensureConsumerGroup(ctx); err != nil {
		return nil, err
	}

	r.queues = append(r.queues, queue)
	return queue, nil
}

func (r *redisProvider) NewConsumer(ctx context.Context, queueName string) (Consumer, error) {
	return r.newQueue(ctx, queueName)
}

func (r *redisProvider) NewPublisher(ctx context.Context, queueName string) (Publisher, error) {
	return r.newQueue(ctx, queueName)
}

func (r *redisProvider) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped.Swap(true) {
		return
	}
	for _, q := range r.queues {
		r.log.WithField("queueName", q.name).Debug("closing queue instance")
		q.Close()
	}
	defer r.wg.Done()

	_ = r.client.Close()
}

func (r *redisProvider) Wait() {
	r.wg.Wait()
}

func (r *redisProvider) CheckHealth(ctx context.Context) error {
	if r.client == nil {
		return errors.New("redis client not initialized")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

type redisQueue struct {
	name         string
	client       *redis.Client
	groupName    string
	consumerName string
	log          logrus.FieldLogger
	wg           *sync.WaitGroup
	retryConfig  RetryConfig
	closed       atomic.Bool
	cancel       context.CancelFunc
	cancelMu     sync.Mutex
}

func (q *redisQueue) ensureConsumerGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.name, q.groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group for queue %s: %w", q.name, err)
	}
	return nil
}

func (q *redisQueue) Publish(ctx context.Context, payload []byte) error {
	if q.closed.Load() {
		return errors.New("queue is closed")
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.name,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", q.name, err)
	}
	return nil
}

// Consume starts a goroutine reading from the stream until the context is
// canceled or the queue is closed. New messages are read first, then stale
// pending messages are reclaimed.
func (q *redisQueue) Consume(ctx context.Context, handler ConsumeHandler) error {
	if q.closed.Load() {
		return errors.New("queue is closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancelMu.Lock()
	q.cancel = cancel
	q.cancelMu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			if ctx.Err() != nil || q.closed.Load() {
				return
			}
			if err := q.readNew(ctx, handler); err != nil && ctx.Err() == nil {
				q.log.WithError(err).Error("reading from queue")
				select {
				case <-time.After(q.retryConfig.BaseDelay):
				case <-ctx.Done():
					return
				}
			}
			if err := q.reclaimStale(ctx, handler); err != nil && ctx.Err() == nil {
				q.log.WithError(err).Error("reclaiming stale messages")
			}
		}
	}()
	return nil
}

func (q *redisQueue) readNew(ctx context.Context, handler ConsumeHandler) error {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.groupName,
		Consumer: q.consumerName,
		Streams:  []string{q.name, ">"},
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			q.dispatch(ctx, msg, handler)
		}
	}
	return nil
}

// reclaimStale claims messages pending longer than BaseDelay and re-runs the
// handler. Messages past MaxRetries deliveries are acknowledged and dropped.
func (q *redisQueue) reclaimStale(ctx context.Context, handler ConsumeHandler) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.name,
		Group:  q.groupName,
		Idle:   q.retryConfig.BaseDelay,
		Start:  "-",
		End:    "+",
		Count:  readCount,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	for _, p := range pending {
		if q.retryConfig.MaxRetries > 0 && p.RetryCount > int64(q.retryConfig.MaxRetries) {
			q.log.WithFields(logrus.Fields{
				"entryID":    p.ID,
				"deliveries": p.RetryCount,
			}).Error("dropping message after exhausting retries")
			q.ack(ctx, p.ID)
			continue
		}
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.name,
			Group:    q.groupName,
			Consumer: q.consumerName,
			MinIdle:  q.retryConfig.BaseDelay,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		for _, msg := range claimed {
			q.dispatch(ctx, msg, handler)
		}
	}
	return nil
}

func (q *redisQueue) dispatch(ctx context.Context, msg redis.XMessage, handler ConsumeHandler) {
	payload, ok := msg.Values[payloadField].(string)
	if !ok {
		q.log.WithField("entryID", msg.ID).Error("message without payload field")
		q.ack(ctx, msg.ID)
		return
	}
	if err := handler(ctx, []byte(payload), msg.ID, q.log); err != nil {
		q.log.WithError(err).WithField("entryID", msg.ID).Error("handler failed, leaving message pending")
		return
	}
	q.ack(ctx, msg.ID)
}

func (q *redisQueue) ack(ctx context.Context, entryID string) {
	if err := q.client.XAck(ctx, q.name, q.groupName, entryID).Err(); err != nil {
		q.log.WithError(err).WithField("entryID", entryID).Error("failed to ack message")
		return
	}
	if err := q.client.XDel(ctx, q.name, entryID).Err(); err != nil {
		q.log.WithError(err).WithField("entryID", entryID).Error("failed to delete message")
	}
}

func (q *redisQueue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.cancelMu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.cancelMu.Unlock()
}
