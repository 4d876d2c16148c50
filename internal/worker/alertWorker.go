package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/cradoe/kudi/internal/chat"
	"github.com/cradoe/kudi/internal/stream"
)

const alertTimeout = 15 * time.Second

// AlertProducer implements chat.Notifier by queueing the alert instead of
// sending it inline, so ledger paths never block on the messaging API.
type AlertProducer struct {
	kafka *stream.KafkaStream
}

func NewAlertProducer(kafkaStream *stream.KafkaStream) *AlertProducer {
	return &AlertProducer{kafka: kafkaStream}
}

func (p *AlertProducer) Notify(ctx context.Context, alert *chat.Alert) error {
	message, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	return p.kafka.ProduceMessage(AlertTopic, string(message))
}

// AlertWorker consumes queued alerts and delivers them through the chat
// dispatcher. Delivery failures are logged and dropped; the financial
// operation behind the alert has already committed.
func (wk *Worker) AlertWorker() {
	consumer, err := wk.Kafka.CreateConsumer(&stream.StreamConsumer{
		GroupId: alertGroupID,
		Topic:   AlertTopic,
	})
	if err != nil {
		log.Fatalf("Error creating consumer: %v", err)
	}

	for {
		ev := consumer.Poll(100)
		switch e := ev.(type) {
		case *kafka.Message:
			wk.handleAlertMessage(e.Value)
		case kafka.Error:
			wk.Logger.Error("kafka consumer error", "topic", AlertTopic, "error", e)
		default:
		}
	}
}

func (wk *Worker) handleAlertMessage(message []byte) {
	var alert chat.Alert
	if err := json.Unmarshal(message, &alert); err != nil {
		wk.Logger.Error("malformed alert, dropping", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	if err := wk.Dispatcher.Notify(ctx, &alert); err != nil {
		wk.Logger.Error("alert delivery failed", "reference", alert.Reference, "error", err)
	}
}
