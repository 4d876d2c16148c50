package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/cradoe/kudi/internal/errHandler"
	"github.com/cradoe/kudi/internal/event"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/cradoe/kudi/internal/response"
	"github.com/cradoe/kudi/internal/signature"
	"github.com/cradoe/kudi/internal/worker"
	"github.com/tomasen/realip"
)

// SignatureHeader carries the processor's HMAC of the raw request body.
const SignatureHeader = "X-Processor-Signature"

// maxWebhookBody bounds how much we read before verifying anything.
const maxWebhookBody = 1 << 20

// Producer is the slice of the Kafka stream the ingress handler needs.
type Producer interface {
	ProduceMessage(topic, message string) error
}

type webhookHandler struct {
	secret     string
	gate       repository.WebhookEventRepository
	kafka      Producer
	errHandler *errHandler.ErrorRepository
	logger     *slog.Logger
}

func NewWebhookHandler(secret string, gate repository.WebhookEventRepository, kafka Producer, errHandler *errHandler.ErrorRepository, logger *slog.Logger) *webhookHandler {
	return &webhookHandler{
		secret:     secret,
		gate:       gate,
		kafka:      kafka,
		errHandler: errHandler,
		logger:     logger,
	}
}

// HandleProcessorEvent verifies, admits, and acks one processor
// notification. The 200 goes out as soon as the event stub is durable;
// crediting happens on the funding worker. The signature is checked over
// the raw bytes exactly as received, before any parsing.
func (h *webhookHandler) HandleProcessorEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}

	if !signature.Verify(body, r.Header.Get(SignatureHeader), h.secret) {
		// deliberately generic; the audit log gets the detail
		h.logger.Warn("webhook rejected", "reason", "signature", "ip", realip.FromRequest(r))
		h.errHandler.InvalidAuthenticationToken(w, r)
		return
	}

	notification, err := event.Parse(body)
	if err != nil {
		// signed but unparseable; an error status would only make the
		// processor redeliver the same bytes
		h.logger.Warn("webhook acked without processing",
			"reason", "unparseable payload", "error", err, "ip", realip.FromRequest(r))
		h.ack(w, r)
		return
	}

	if notification.Unhandled != nil {
		// unknown event types are acked and forgotten, never errored, so
		// the processor does not retry them forever
		h.logger.Info("unhandled event type acked", "event_type", notification.Type)
		h.ack(w, r)
		return
	}

	if notification.AccountAssigned != nil {
		h.logger.Info("account provisioning event",
			"customer_code", notification.AccountAssigned.CustomerCode,
			"assigned", notification.AccountAssigned.Assigned)
		h.ack(w, r)
		return
	}

	reference := notification.Reference()
	if !event.ValidReference(reference) {
		h.logger.Warn("webhook acked without processing",
			"reason", "malformed reference", "reference", reference, "event_type", notification.Type)
		h.ack(w, r)
		return
	}

	evt, firstSeen, err := h.gate.Admit(r.Context(), reference, notification.Type)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}
	if !firstSeen {
		// duplicate delivery; already admitted through this path or the
		// poller, nothing more to do
		h.ack(w, r)
		return
	}

	queued, err := json.Marshal(worker.QueuedEvent{
		EventID: evt.ID,
		Payload: body,
	})
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}

	if err := h.kafka.ProduceMessage(worker.FundingTopic, string(queued)); err != nil {
		// the stub exists but nothing will process it; flag the row so the
		// operator surface picks it up
		h.logger.Error("queueing admitted event failed", "event_id", evt.ID, "error", err)
		if markErr := h.gate.MarkFailed(r.Context(), evt.ID, "enqueue failed: "+err.Error()); markErr != nil {
			h.logger.Error("marking unqueued event failed", "event_id", evt.ID, "error", markErr)
		}
	}

	h.ack(w, r)
}

func (h *webhookHandler) ack(w http.ResponseWriter, r *http.Request) {
	err := response.JSONOkResponse(w, nil, "received", nil)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
	}
}
