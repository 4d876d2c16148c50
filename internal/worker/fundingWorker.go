package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/cradoe/kudi/internal/event"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/cradoe/kudi/internal/stream"
)

// processingTimeout bounds one event's business processing. On timeout
// the event row is marked failed; nothing is re-acked to the processor.
const processingTimeout = 25 * time.Second

// FundingWorker consumes admitted processor events and drives the
// reconciler. Runs until the process exits.
func (wk *Worker) FundingWorker() {
	consumer, err := wk.Kafka.CreateConsumer(&stream.StreamConsumer{
		GroupId: fundingGroupID,
		Topic:   FundingTopic,
	})
	if err != nil {
		log.Fatalf("Error creating consumer: %v", err)
	}

	for {
		ev := consumer.Poll(100)
		switch e := ev.(type) {
		case *kafka.Message:
			wk.handleFundingMessage(e.Value)
		case kafka.Error:
			wk.Logger.Error("kafka consumer error", "topic", FundingTopic, "error", e)
		default:
		}
	}
}

func (wk *Worker) handleFundingMessage(message []byte) {
	var queued QueuedEvent
	if err := json.Unmarshal(message, &queued); err != nil {
		wk.Logger.Error("malformed queued event, dropping", "error", err)
		return
	}

	notification, err := event.Parse(queued.Payload)
	if err != nil {
		wk.Logger.Error("unparseable event payload", "event_id", queued.EventID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), processingTimeout)
	defer cancel()

	evt := &repository.WebhookEvent{
		ID:        queued.EventID,
		Reference: notification.Reference(),
		EventType: notification.Type,
	}

	switch {
	case notification.FundsReceived != nil:
		err = wk.Reconciler.CompleteFunding(ctx, evt, notification.FundsReceived)

	case notification.TransferSucceeded != nil:
		err = wk.Gate.MarkProcessed(ctx, evt.ID)

	case notification.TransferFailed != nil:
		err = wk.Reconciler.CompleteTransferFailure(ctx, evt, notification.TransferFailed)

	default:
		// admitted but not money-moving; close it out
		err = wk.Gate.MarkProcessed(ctx, evt.ID)
	}

	if err != nil {
		wk.Logger.Error("event processing failed",
			"event_id", queued.EventID, "event_type", notification.Type, "error", err)

		if ctx.Err() != nil {
			markCtx, markCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer markCancel()
			if markErr := wk.Gate.MarkFailed(markCtx, evt.ID, "processing timed out"); markErr != nil {
				wk.Logger.Error("marking timed-out event failed", "event_id", evt.ID, "error", markErr)
			}
		}
	}
}
