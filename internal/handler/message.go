package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cradoe/kudi/internal/chat"
	"github.com/cradoe/kudi/internal/errHandler"
	"github.com/cradoe/kudi/internal/guard"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/cradoe/kudi/internal/request"
	"github.com/cradoe/kudi/internal/response"
	"github.com/cradoe/kudi/internal/transfer"
	"github.com/cradoe/kudi/internal/validator"
)

type messageHandler struct {
	userRepo   repository.UserRepository
	guard      *guard.Guard
	machine    *transfer.Machine
	chatClient chat.Client
	errHandler *errHandler.ErrorRepository
	logger     *slog.Logger
}

func NewMessageHandler(userRepo repository.UserRepository, g *guard.Guard, machine *transfer.Machine, chatClient chat.Client, errHandler *errHandler.ErrorRepository, logger *slog.Logger) *messageHandler {
	return &messageHandler{
		userRepo:   userRepo,
		guard:      g,
		machine:    machine,
		chatClient: chatClient,
		errHandler: errHandler,
		logger:     logger,
	}
}

// HandleChatMessage routes one inbound chat message through the transfer
// machine and sends the reply. The messaging platform gets a 200 for
// every delivery it makes, including ones we ignore; anything else makes
// it retry and replay the conversation.
func (h *messageHandler) HandleChatMessage(w http.ResponseWriter, r *http.Request) {
	var input struct {
		ChatID    string              `json:"chat_id"`
		Text      string              `json:"text"`
		Validator validator.Validator `json:"-"`
	}

	if err := request.DecodeJSON(w, r, &input); err != nil {
		h.errHandler.BadRequest(w, r, err)
		return
	}

	input.Validator.Check(validator.NotBlank(input.ChatID), "Chat id is required")
	input.Validator.Check(validator.NotBlank(input.Text), "Text is required")

	if input.Validator.HasErrors() {
		h.errHandler.FailedValidation(w, r, input.Validator)
		return
	}

	user, found, err := h.userRepo.GetByChatID(input.ChatID)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}
	if !found {
		// not one of ours; ack and drop
		h.ack(w, r)
		return
	}

	if err := h.guard.Allow(user.ID); err != nil {
		if errors.Is(err, guard.ErrRateLimited) {
			h.reply(r, user.ChatID, "You're sending messages too quickly. Please wait a moment and try again.")
			h.ack(w, r)
			return
		}
		h.errHandler.ServerError(w, r, err)
		return
	}

	replyText, err := h.machine.HandleMessage(r.Context(), user, input.Text)
	if err != nil {
		h.logger.Error("message handling failed", "user_id", user.ID, "error", err)
		h.reply(r, user.ChatID, "Something went wrong on our side. Please try again.")
		h.ack(w, r)
		return
	}

	h.reply(r, user.ChatID, replyText)
	h.ack(w, r)
}

func (h *messageHandler) reply(r *http.Request, chatID, text string) {
	if err := h.chatClient.SendText(r.Context(), chatID, text); err != nil {
		h.logger.Error("chat reply failed", "chat_id", chatID, "error", err)
	}
}

func (h *messageHandler) ack(w http.ResponseWriter, r *http.Request) {
	err := response.JSONOkResponse(w, nil, "received", nil)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
	}
}
