// Package notify delivers rename-progress events to subscribers. The rename
// worker only sees the Sink interface; the concrete transport (log line,
// in-process channel, Redis pub/sub) is chosen at composition time.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/metrics"
)

// Event is one progress notification. Percent is non-decreasing per task;
// the terminal event (100 or an error) is never skipped.
type Event struct {
	TaskID    string    `json:"task_id"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Sink receives progress events. Implementations must not block the caller
// for long; the rename worker emits from its hot path.
type Sink interface {
	Notify(ctx context.Context, ev Event)
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Notify(_ context.Context, ev Event) {
	s.Log.Info("rename progress",
		zap.String("task_id", ev.TaskID),
		zap.Int("percent", ev.Percent),
		zap.String("message", ev.Message),
		zap.String("error", ev.Error),
	)
}

// ChanSink forwards events to a channel, dropping when the receiver lags.
// The terminal event is delivered with a blocking send so it is never lost.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a buffered channel sink.
func NewChanSink(buffer int) ChanSink {
	return ChanSink{C: make(chan Event, buffer)}
}

func (s ChanSink) Notify(ctx context.Context, ev Event) {
	terminal := ev.Percent >= 100 || ev.Error != ""
	if terminal {
		select {
		case s.C <- ev:
		case <-ctx.Done():
		}
		return
	}
	select {
	case s.C <- ev:
	default:
	}
}

// RedisSink publishes events to a Redis channel so external subscribers
// (the web layer's push transport) can stream task progress.
type RedisSink struct {
	client  rueidis.Client
	channel string
	log     *zap.Logger
}

// NewRedisSink connects to Redis and publishes on channel.
func NewRedisSink(addrs []string, password, channel string, log *zap.Logger) (*RedisSink, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: addrs, Password: password})
	if err != nil {
		return nil, err
	}
	return &RedisSink{client: client, channel: channel, log: log}, nil
}

func (s *RedisSink) Notify(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to encode progress event", zap.Error(err))
		return
	}
	cmd := s.client.B().Publish().Channel(s.channel).Message(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.log.Warn("failed to publish progress event",
			zap.String("task_id", ev.TaskID), zap.Error(err))
	}
}

// Close releases the Redis connection.
func (s *RedisSink) Close() {
	s.client.Close()
}

// MetricsSink counts terminal task events by outcome.
type MetricsSink struct{}

func (MetricsSink) Notify(_ context.Context, ev Event) {
	switch {
	case ev.Error != "":
		metrics.RenameTasksTotal.WithLabelValues("error").Inc()
	case ev.Percent >= 100:
		metrics.RenameTasksTotal.WithLabelValues("completed").Inc()
	}
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Notify(ctx, ev)
	}
}
