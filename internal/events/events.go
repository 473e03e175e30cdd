// Package events publishes registry changes to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stwalsh4118/parcelledger/internal/models"
)

// Type names a registry change.
type Type string

// Event types, one per mutating operation.
const (
	ZoneSet          Type = "zone.set"
	PropertyCreated  Type = "property.created"
	PriceSet         Type = "property.price_set"
	PropertyBought   Type = "property.bought"
	PropertyImproved Type = "property.improved"
	TaxPaid          Type = "property.tax_paid"
)

// Event describes one successful mutation.
type Event struct {
	OccurredAt time.Time        `json:"occurred_at"`
	Zone       *models.Zone     `json:"zone,omitempty"`
	Property   *models.Property `json:"property,omitempty"`
	Type       Type             `json:"type"`
	Actor      models.Principal `json:"actor"`
	// Seller is the previous owner on purchases.
	Seller models.Principal `json:"seller,omitempty"`
	Tick   models.Tick      `json:"tick"`
}

// Publisher delivers events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish discards event.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// RedisPublisher publishes JSON-encoded events on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis server at url and verifies it with a ping.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisPublisherWithClient(client, channel), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish encodes event and publishes it on the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
