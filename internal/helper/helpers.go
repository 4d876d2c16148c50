package helper

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// ErrorReporter is the slice of the error handler that background tasks need.
type ErrorReporter interface {
	ReportServerError(r *http.Request, err error)
}

type HelperRepository struct {
	baseUrl    *string
	WG         *sync.WaitGroup
	errHandler ErrorReporter
}

func New(baseUrl *string, wg *sync.WaitGroup, errHandler ErrorReporter) *HelperRepository {
	return &HelperRepository{
		baseUrl:    baseUrl,
		WG:         wg,
		errHandler: errHandler,
	}
}

// SetErrorReporter breaks the construction cycle between the helper and
// the error handler: the helper is built first, the reporter attached
// once the error handler exists.
func (h *HelperRepository) SetErrorReporter(errHandler ErrorReporter) {
	h.errHandler = errHandler
}

func (h *HelperRepository) NewEmailData() map[string]any {
	data := map[string]any{
		"BaseURL": h.baseUrl,
	}

	return data
}

// BackgroundTask runs fn in a goroutine with panic recovery.
// Errors are reported, never returned; callers must not depend on the result.
func (h *HelperRepository) BackgroundTask(r *http.Request, fn func() error) {
	if h.WG != nil {
		h.WG.Add(1)
	}

	go func() {
		if h.WG != nil {
			defer h.WG.Done()
		}

		defer func() {
			err := recover()
			if err != nil && h.errHandler != nil {
				h.errHandler.ReportServerError(nil, fmt.Errorf("%s", err))
			}
		}()

		err := fn()
		if err != nil && h.errHandler != nil {
			h.errHandler.ReportServerError(r, err)
		}
	}()
}

var nairaPrinter = message.NewPrinter(language.English)

// FormatNaira renders an amount the way users expect to read it in
// chat alerts, e.g. "₦2,000.00". Display only; the float conversion
// never feeds back into the ledger.
func FormatNaira(amount decimal.Decimal) string {
	f, _ := amount.Float64()
	return nairaPrinter.Sprintf("₦%v", number.Decimal(f, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}
