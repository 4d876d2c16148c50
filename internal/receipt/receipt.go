// Package receipt renders and publishes transfer receipts. Receipts are
// a courtesy artifact: every error here is non-fatal and the transfer
// stands regardless.
package receipt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cradoe/kudi/internal/file"
	"github.com/cradoe/kudi/internal/helper"
	"github.com/cradoe/kudi/internal/repository"
)

type Generator struct {
	uploader *file.FileUploader
	logger   *slog.Logger
}

func NewGenerator(uploader *file.FileUploader, logger *slog.Logger) *Generator {
	return &Generator{
		uploader: uploader,
		logger:   logger,
	}
}

// Create renders a receipt for a completed transfer and uploads it,
// returning the hosted URL. An empty URL with nil error means the upload
// was skipped (no uploader configured).
func (g *Generator) Create(ctx context.Context, transaction *repository.Transaction, recipientName string) (string, error) {
	if g.uploader == nil {
		return "", nil
	}

	content := render(transaction, recipientName)

	url, err := g.uploader.UploadBuffer(ctx, bytes.NewReader(content), "receipts", transaction.Reference+".txt")
	if err != nil {
		g.logger.Error("receipt upload failed", "reference", transaction.Reference, "error", err)
		return "", err
	}

	return url, nil
}

func render(transaction *repository.Transaction, recipientName string) []byte {
	var buf bytes.Buffer

	total := transaction.Amount.Add(transaction.Fee)

	fmt.Fprintln(&buf, "TRANSFER RECEIPT")
	fmt.Fprintln(&buf, "----------------")
	fmt.Fprintf(&buf, "Reference: %s\n", transaction.Reference)
	fmt.Fprintf(&buf, "Date:      %s\n", transaction.CreatedAt.Format(time.RFC1123))
	fmt.Fprintf(&buf, "Recipient: %s\n", recipientName)
	if transaction.CounterpartyAccount.Valid {
		fmt.Fprintf(&buf, "Account:   %s\n", transaction.CounterpartyAccount.String)
	}
	fmt.Fprintf(&buf, "Amount:    %s\n", helper.FormatNaira(transaction.Amount))
	fmt.Fprintf(&buf, "Fee:       %s\n", helper.FormatNaira(transaction.Fee))
	fmt.Fprintf(&buf, "Total:     %s\n", helper.FormatNaira(total))
	fmt.Fprintf(&buf, "Status:    %s\n", transaction.Status)

	return buf.Bytes()
}
