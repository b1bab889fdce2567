package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
)

const (
	fieldTask    = "task"
	fieldItemID  = "item_id"
	fieldReason  = "reason"
	dlqSuffix    = ":dlq"
	defaultBlock = 5 * time.Second
)

// RedisQueue is a Dispatcher backed by a Redis stream and consumer group.
// Producers call Enqueue; worker processes call Consume.
type RedisQueue struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	block         time.Duration
	maxDeliveries int
	logger        *zap.Logger
}

// NewRedisQueue connects to cfg.RedisURL and makes sure the consumer group
// exists.
func NewRedisQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to redis")
	}

	q := NewRedisQueueFromClient(client, cfg, logger)
	if err := q.EnsureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, cfg config.QueueConfig, logger *zap.Logger) *RedisQueue {
	block := time.Duration(cfg.BlockMs) * time.Millisecond
	if block <= 0 {
		block = defaultBlock
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "tripflow:items"
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "tripflow-workers"
	}
	consumer := "tripflow-" + uuid.New().String()[:8]

	return &RedisQueue{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		block:         block,
		maxDeliveries: max(cfg.MaxDeliveries, 1),
		logger: logger.With(
			zap.String("component", "redis_queue"),
			zap.String("stream", stream),
			zap.String("consumer", consumer)),
	}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create consumer group").
			WithDetail("group", q.group)
	}
	return nil
}

// DeadLetterStream names the stream that receives undeliverable tasks.
func (q *RedisQueue) DeadLetterStream() string { return q.stream + dlqSuffix }

// Enqueue implements Dispatcher.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	return q.add(ctx, q.stream, t, nil)
}

func (q *RedisQueue) add(ctx context.Context, stream string, t Task, extra map[string]any) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode task")
	}
	values := map[string]any{
		fieldTask:   string(payload),
		fieldItemID: strconv.FormatInt(t.ItemID, 10),
	}
	for k, v := range extra {
		values[k] = v
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to enqueue task").
			WithDetail("item_id", t.ItemID)
	}
	return nil
}

// Consume reads tasks until ctx is cancelled. Every message is acknowledged
// once handled: a handler error re-adds the task with its delivery count
// raised, and after maxDeliveries failures the task goes to the dead letter
// stream instead.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	q.logger.Info("Consuming tasks", zap.String("group", q.group))
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read from stream")
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				q.handle(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisQueue) handle(ctx context.Context, msg redis.XMessage, handler Handler) {
	// Bookkeeping must finish even when shutdown cancels ctx.
	ackCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := q.client.XAck(ackCtx, q.stream, q.group, msg.ID).Err(); err != nil {
			q.logger.Warn("Failed to ack message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()

	t, err := decodeTask(msg)
	if err != nil {
		q.logger.Error("Dropping malformed message", zap.String("message_id", msg.ID), zap.Error(err))
		q.deadLetter(ackCtx, Task{}, msg, err.Error())
		return
	}

	err = handler(ctx, t)
	if err == nil {
		return
	}

	t.Delivery++
	log := q.logger.With(zap.Int64("item_id", t.ItemID), zap.Int("delivery", t.Delivery), zap.Error(err))
	if t.Delivery >= q.maxDeliveries {
		log.Error("Task exceeded max deliveries, moving to dead letter stream")
		q.deadLetter(ackCtx, t, msg, err.Error())
		return
	}
	log.Warn("Task failed, requeueing")
	if err := q.add(ackCtx, q.stream, t, nil); err != nil {
		log.Error("Failed to requeue task", zap.NamedError("requeue_error", err))
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, t Task, msg redis.XMessage, reason string) {
	if t.ItemID == 0 {
		// Keep the raw payload of messages that could not be decoded.
		raw, _ := msg.Values[fieldTask].(string)
		err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.DeadLetterStream(),
			Values: map[string]any{"original_message_id": msg.ID, fieldReason: reason, fieldTask: raw},
		}).Err()
		if err != nil {
			q.logger.Error("Failed to write dead letter", zap.Error(err))
		}
		return
	}
	if err := q.add(ctx, q.DeadLetterStream(), t, map[string]any{
		"original_message_id": msg.ID,
		fieldReason:           reason,
	}); err != nil {
		q.logger.Error("Failed to write dead letter", zap.Error(err))
	}
}

func decodeTask(msg redis.XMessage) (Task, error) {
	raw, ok := msg.Values[fieldTask].(string)
	if !ok {
		return Task{}, errors.New(errors.ErrorTypeData, "message has no task field")
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, errors.Wrap(err, errors.ErrorTypeData, "failed to decode task")
	}
	if t.ItemID <= 0 {
		return Task{}, errors.New(errors.ErrorTypeData, "task has no item id")
	}
	return t, nil
}

// Close implements Dispatcher.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
