// Package redis implements the index-notification queue on Redis Streams.
// Consumer groups give at-least-once delivery with acknowledgment tracking
// and recovery of notifications abandoned by crashed workers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

const (
	notifStream = "docbase:index"
	notifGroup  = "docbase:workers"

	notifKeyPrefix = "docbase:notif:"

	// notifTTL bounds how long payloads survive if a worker never acks.
	notifTTL = 24 * time.Hour

	// claimTimeout is how long before an unacked notification is considered
	// abandoned and claimable by another consumer.
	claimTimeout = 5 * time.Minute

	maxRetries = 3
)

// Verify interface compliance
var _ driven.TaskQueue = (*Queue)(nil)

// Queue implements driven.TaskQueue using Redis Streams.
type Queue struct {
	client       *redis.Client
	consumerName string
}

// NewQueue creates the queue and its consumer group. The consumer name must
// be unique per worker instance; empty derives one from hostname and pid.
func NewQueue(client *redis.Client, consumerName string) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if consumerName == "" {
		hostname, _ := os.Hostname()
		consumerName = fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	}
	q := &Queue{client: client, consumerName: consumerName}

	err := q.client.XGroupCreateMkStream(context.Background(), notifStream, notifGroup, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

// Enqueue publishes a notification. The payload lives in a separate key so
// stream messages stay small and Nack can rewrite retry state in place.
func (q *Queue) Enqueue(ctx context.Context, n *driven.IndexNotification) error {
	if n == nil || n.ID == "" {
		return errors.New("notification with id is required")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, notifKeyPrefix+n.ID, data, notifTTL)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: notifStream,
		Values: map[string]interface{}{
			"notif_id":  n.ID,
			"workspace": n.Workspace,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// DequeueWithTimeout retrieves the next notification, preferring abandoned
// ones over new deliveries. Returns nil, nil when the timeout elapses.
func (q *Queue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*driven.IndexNotification, error) {
	if n, err := q.claimAbandoned(ctx); err == nil && n != nil {
		return n, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    notifGroup,
		Consumer: q.consumerName,
		Streams:  []string{notifStream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.resolve(ctx, streams[0].Messages[0])
}

// resolve turns a stream message into its full notification, remembering
// the message id for the later ack.
func (q *Queue) resolve(ctx context.Context, msg redis.XMessage) (*driven.IndexNotification, error) {
	notifID, ok := msg.Values["notif_id"].(string)
	if !ok {
		q.client.XAck(ctx, notifStream, notifGroup, msg.ID)
		return nil, nil
	}
	n, err := q.get(ctx, notifID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		// Payload expired; drop the orphan message.
		q.client.XAck(ctx, notifStream, notifGroup, msg.ID)
		return nil, nil
	}
	q.client.Set(ctx, notifKeyPrefix+notifID+":msg", msg.ID, notifTTL)
	return n, nil
}

// claimAbandoned takes over one notification whose consumer went silent.
func (q *Queue) claimAbandoned(ctx context.Context) (*driven.IndexNotification, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   notifStream,
		Group:    notifGroup,
		Consumer: q.consumerName,
		MinIdle:  claimTimeout,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return q.resolve(ctx, msgs[0])
}

// Ack acknowledges successful processing and drops the payload.
func (q *Queue) Ack(ctx context.Context, id string) error {
	msgID, err := q.client.Get(ctx, notifKeyPrefix+id+":msg").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get message id: %w", err)
	}
	pipe := q.client.Pipeline()
	if msgID != "" {
		pipe.XAck(ctx, notifStream, notifGroup, msgID)
		pipe.XDel(ctx, notifStream, msgID)
	}
	pipe.Del(ctx, notifKeyPrefix+id, notifKeyPrefix+id+":msg")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack notification: %w", err)
	}
	return nil
}

// Nack acknowledges the current delivery and re-enqueues with an increased
// retry count, dropping the notification once the bound is exceeded.
func (q *Queue) Nack(ctx context.Context, id string, reason string) error {
	n, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if n == nil {
		return errors.New("notification not found")
	}
	msgID, _ := q.client.Get(ctx, notifKeyPrefix+id+":msg").Result()

	pipe := q.client.Pipeline()
	if msgID != "" {
		pipe.XAck(ctx, notifStream, notifGroup, msgID)
		pipe.XDel(ctx, notifStream, msgID)
	}
	pipe.Del(ctx, notifKeyPrefix+id+":msg")

	n.Retries++
	if n.Retries <= maxRetries {
		data, _ := json.Marshal(n)
		pipe.Set(ctx, notifKeyPrefix+id, data, notifTTL)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: notifStream,
			Values: map[string]interface{}{
				"notif_id":  n.ID,
				"workspace": n.Workspace,
			},
		})
	} else {
		// Poison notification; drop it rather than loop forever.
		pipe.Del(ctx, notifKeyPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack notification (%s): %w", reason, err)
	}
	return nil
}

func (q *Queue) get(ctx context.Context, id string) (*driven.IndexNotification, error) {
	data, err := q.client.Get(ctx, notifKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	var n driven.IndexNotification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &n, nil
}

// Ping checks if the Redis backend is healthy.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func isGroupExistsError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
