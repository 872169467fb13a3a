package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
)

// RedisClient is the subset of *redis.Client used by Publisher.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// TranscriptLine is one exported transcript line sent to remote viewers.
type TranscriptLine struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	Final     bool   `json:"final,omitempty"`
}

// Publisher publishes session events and finished transcripts to Redis.
type Publisher struct {
	client RedisClient
	logger logging.Logger
}

// PublisherConfig holds Redis connection configuration.
type PublisherConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

var (
	_ Listener       = (*Publisher)(nil)
	_ storage.Writer = (*Publisher)(nil)
)

// NewPublisher creates a new event publisher.
func NewPublisher(client RedisClient, logger logging.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

// NewPublisherFromConfig creates a publisher with a new Redis connection.
func NewPublisherFromConfig(cfg PublisherConfig, logger logging.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPublisher(client, logger), nil
}

// OnSessionEvent publishes ev on the session events channel.
func (p *Publisher) OnSessionEvent(ctx context.Context, ev SessionEvent) error {
	return p.publish(ctx, ChannelSessionEvents, ev)
}

// Write publishes every line of a finished transcript on the session's
// transcript channel, marking the last one final.
func (p *Publisher) Write(ctx context.Context, rec storage.Record) error {
	channel := TranscriptChannel(rec.SessionID)
	for i, m := range rec.Messages {
		line := TranscriptLine{
			SessionID: rec.SessionID,
			Seq:       i,
			Line:      m.Format(),
			Final:     i == len(rec.Messages)-1,
		}
		if err := p.publish(ctx, channel, line); err != nil {
			return err
		}
	}
	return nil
}

// publish serializes and publishes an event to Redis.
func (p *Publisher) publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish event",
			logging.Err(err),
			logging.F("channel", channel))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Event published",
		logging.F("channel", channel),
		logging.F("payload_size", len(data)))

	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
