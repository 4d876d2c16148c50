package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cradoe/kudi/internal/helper"
)

// Dispatcher formats alerts and pushes them through the chat client.
type Dispatcher struct {
	client Client
	logger *slog.Logger
}

func NewDispatcher(client Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		logger: logger,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, alert *Alert) error {
	text := d.render(alert)

	if err := d.client.SendText(ctx, alert.ChatID, text); err != nil {
		d.logger.Error("chat alert delivery failed",
			"chat_id", alert.ChatID, "kind", alert.Kind, "reference", alert.Reference, "error", err)
		return err
	}

	if alert.DocumentURL != "" {
		err := d.client.SendDocument(ctx, alert.ChatID, alert.DocumentURL, "Transaction receipt")
		if err != nil {
			d.logger.Error("receipt delivery failed",
				"chat_id", alert.ChatID, "reference", alert.Reference, "error", err)
		}
	}

	return nil
}

func (d *Dispatcher) render(alert *Alert) string {
	amount := helper.FormatNaira(alert.Amount)

	switch alert.Kind {
	case AlertKindCredit:
		return fmt.Sprintf("Your wallet has been credited with %s.\nReference: %s", amount, alert.Reference)
	case AlertKindDebit:
		total := helper.FormatNaira(alert.Amount.Add(alert.Fee))
		return fmt.Sprintf("You sent %s to %s.\nFee: %s\nTotal: %s\nReference: %s",
			amount, alert.Recipient, helper.FormatNaira(alert.Fee), total, alert.Reference)
	case AlertKindRefund:
		return fmt.Sprintf("Your transfer of %s could not be completed. The full amount and fee have been returned to your wallet.\nReference: %s",
			amount, alert.Reference)
	case AlertKindDeclined:
		return fmt.Sprintf("Your transfer of %s was declined.\nReference: %s", amount, alert.Reference)
	default:
		return fmt.Sprintf("Update on your transaction %s: %s", alert.Reference, amount)
	}
}
