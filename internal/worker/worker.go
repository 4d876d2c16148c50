// Package worker runs the Kafka consumer loops that decouple webhook
// ingress from business processing. The ingress handler acks the
// processor inside its short window; the heavy lifting happens here.
package worker

import (
	"encoding/json"
	"log/slog"

	"github.com/cradoe/kudi/internal/chat"
	"github.com/cradoe/kudi/internal/reconciler"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/cradoe/kudi/internal/stream"
)

const (
	// FundingTopic carries admitted processor events awaiting processing.
	FundingTopic = "processor.events"

	// AlertTopic carries outcome messages awaiting chat delivery.
	AlertTopic = "chat.alerts"

	fundingGroupID = "funding-group"
	alertGroupID   = "alert-group"
)

// QueuedEvent is the envelope the ingress handler produces: the admitted
// webhook event row id plus the raw processor payload, re-parsed by the
// consumer.
type QueuedEvent struct {
	EventID string          `json:"event_id"`
	Payload json.RawMessage `json:"payload"`
}

type Worker struct {
	Kafka      *stream.KafkaStream
	Reconciler *reconciler.Reconciler
	Gate       repository.WebhookEventRepository
	Dispatcher chat.Notifier
	Logger     *slog.Logger
}

func New(wk *Worker) *Worker {
	return &Worker{
		Kafka:      wk.Kafka,
		Reconciler: wk.Reconciler,
		Gate:       wk.Gate,
		Dispatcher: wk.Dispatcher,
		Logger:     wk.Logger,
	}
}
