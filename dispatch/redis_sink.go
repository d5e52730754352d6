package dispatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/errors"
)

// DefaultStream is the Redis stream dispatch results are appended to.
const DefaultStream = "herald:dispatch"

// RedisSink appends dispatch results to a capped Redis stream, for consumers
// outside herald (analytics, CRM sync).
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if strings.TrimSpace(stream) == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// DialRedisSink connects to redisURL and verifies the server answers.
func DialRedisSink(ctx context.Context, redisURL, stream string, maxLen int64) (*RedisSink, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}
	return NewRedisSink(client, stream, maxLen), nil
}

// AppendBatch pipelines one XADD per entry.
func (s *RedisSink) AppendBatch(ctx context.Context, entries []LogEntry) error {
	if s == nil || s.client == nil || len(entries) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, e := range entries {
		pipe.XAdd(ctx, s.xaddArgs(e))
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "failed to append %d entries to %s", len(entries), s.stream)
}

func (s *RedisSink) xaddArgs(e LogEntry) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: entryValues(e),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args
}

// Close releases the client.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func entryValues(e LogEntry) map[string]interface{} {
	v := map[string]interface{}{
		"id":            e.ID,
		"job_id":        e.JobID,
		"workflow_id":   e.WorkflowID,
		"step_index":    strconv.Itoa(e.StepIndex),
		"recipient":     e.Recipient,
		"success":       strconv.FormatBool(e.Success),
		"channel":       e.Channel,
		"fallback_used": strconv.FormatBool(e.FallbackUsed),
		"test_mode":     strconv.FormatBool(e.TestMode),
		"created_at":    geotime.Format(e.CreatedAt),
	}
	if e.MessageID != "" {
		v["message_id"] = e.MessageID
	}
	if e.ErrorMessage != "" {
		v["error"] = e.ErrorMessage
	}
	return v
}
