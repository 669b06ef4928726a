package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appointment-bot/internal/common/clock"

	"github.com/google/uuid"
)

// RawEventSink records accepted payloads before they are processed.
type RawEventSink interface {
	Append(ctx context.Context, payload []byte, signature string) error
}

// EventAppender is satisfied by *store.Store.
type EventAppender interface {
	AppendWebhookEvent(ctx context.Context, payload []byte, signature string) error
}

type PostgresSink struct {
	store EventAppender
}

func NewPostgresSink(st EventAppender) *PostgresSink {
	return &PostgresSink{store: st}
}

func (s *PostgresSink) Append(ctx context.Context, payload []byte, signature string) error {
	return s.store.AppendWebhookEvent(ctx, payload, signature)
}

// Indexer is satisfied by *database.ElasticsearchClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, body []byte) error
}

type ElasticsearchSink struct {
	indexer Indexer
	index   string
	clock   clock.Clock
}

func NewElasticsearchSink(indexer Indexer, index string, clk clock.Clock) *ElasticsearchSink {
	if index == "" {
		index = "webhook-events"
	}
	return &ElasticsearchSink{indexer: indexer, index: index, clock: clk}
}

type rawEventDocument struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Signature  string          `json:"signature,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *ElasticsearchSink) Append(ctx context.Context, payload []byte, signature string) error {
	doc, err := json.Marshal(rawEventDocument{
		ReceivedAt: s.clock.Now().UTC(),
		Signature:  signature,
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("encode raw event: %w", err)
	}
	return s.indexer.IndexDocument(ctx, s.index, uuid.New().String(), doc)
}

// MultiSink appends to every sink and joins their errors.
type MultiSink []RawEventSink

func (m MultiSink) Append(ctx context.Context, payload []byte, signature string) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, payload, signature); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
