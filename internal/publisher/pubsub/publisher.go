// Package pubsub announces finished crawl runs on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Topic is the publishing half of *pubsub.Topic.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic Topic
}

// New creates a Publisher for the provided topic.
func New(topic Topic) *Publisher {
	return &Publisher{topic: topic}
}

// RecordRun marshals the run summary to JSON and publishes it. The run ID and
// status are copied into attributes so subscribers can filter without
// decoding the body.
func (p *Publisher) RecordRun(ctx context.Context, m crawler.RunMetrics) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal run metrics: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": m.RunID,
			"status": string(m.Status),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish run %s: %w", m.RunID, err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
