package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/llmrouter/core"
)

// maxStreamLength caps the telemetry stream; older entries are trimmed
// approximately as new ones arrive.
const maxStreamLength = 100000

// RedisSink appends records to a Redis stream so downstream consumers
// can tail call history.
type RedisSink struct {
	client *redis.Client
	stream string
	logger core.Logger
}

// NewRedisSink connects to Redis and verifies reachability.
func NewRedisSink(redisURL, stream string, logger core.Logger) (*RedisSink, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if stream == "" {
		stream = "llmrouter.telemetry"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing redis url: %v", core.ErrInvalidConfiguration, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("Telemetry redis sink connected", map[string]interface{}{
		"operation": "telemetry_sink_init",
		"sink":      "redis",
		"stream":    stream,
	})
	return &RedisSink{client: client, stream: stream, logger: logger}, nil
}

// Write appends the record to the stream as a single JSON field.
func (s *RedisSink) Write(ctx context.Context, record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"record":    payload,
			"record_id": record.RecordID,
		},
	}).Err()
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// NewSink builds the configured sink, falling back to logs for the
// default configuration.
func NewSink(cfg core.TelemetrySinkConfig, logger core.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogSink(logger), nil
	case "redis":
		return NewRedisSink(cfg.RedisURL, cfg.Stream, logger)
	default:
		return nil, fmt.Errorf("%w: unknown telemetry sink %q", core.ErrInvalidConfiguration, cfg.Sink)
	}
}
