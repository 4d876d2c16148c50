package handler

import (
	"net/http"
	"strconv"

	"github.com/cradoe/kudi/internal/errHandler"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/cradoe/kudi/internal/response"
)

// adminHandler is the operator surface: the failed-funding queue and
// failed webhook events it exposes are the input to manual
// reconciliation, plus durable account lock/unlock for support cases.
type adminHandler struct {
	gate            repository.WebhookEventRepository
	failedRepo      repository.FailedFundingRepository
	walletRepo      repository.WalletRepository
	transactionRepo repository.TransactionRepository
	userRepo        repository.UserRepository
	errHandler      *errHandler.ErrorRepository
}

func NewAdminHandler(gate repository.WebhookEventRepository, failedRepo repository.FailedFundingRepository, walletRepo repository.WalletRepository, transactionRepo repository.TransactionRepository, userRepo repository.UserRepository, errHandler *errHandler.ErrorRepository) *adminHandler {
	return &adminHandler{
		gate:            gate,
		failedRepo:      failedRepo,
		walletRepo:      walletRepo,
		transactionRepo: transactionRepo,
		userRepo:        userRepo,
		errHandler:      errHandler,
	}
}

func (h *adminHandler) HandleListFailedFundings(w http.ResponseWriter, r *http.Request) {
	fundings, err := h.failedRepo.ListUnresolved(queryLimit(r))
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}

	err = response.JSONOkResponse(w, fundings, "Unresolved failed fundings", nil)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
	}
}

func (h *adminHandler) HandleListFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.gate.ListFailed(queryLimit(r))
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}

	err = response.JSONOkResponse(w, events, "Failed webhook events", nil)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
	}
}

func (h *adminHandler) HandleWalletBalance(w http.ResponseWriter, r *http.Request) {
	wallet, found, err := h.walletRepo.GetOne(r.PathValue("id"))
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}
	if !found {
		h.errHandler.NotFound(w, r)
		return
	}

	data := map[string]string{
		"wallet_id": wallet.ID,
		"balance":   wallet.Balance.StringFixed(2),
		"currency":  wallet.Currency,
		"status":    wallet.Status,
	}

	err = response.JSONOkResponse(w, data, "Wallet balance", nil)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
	}
}

func (h *adminHandler) HandleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("id")

	if _, found, err := h.walletRepo.GetOne(walletID); err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	} else if !found {
		h.errHandler.NotFound(w, r)
		return
	}

	transactions, err := h.transactionRepo.ListByWallet(walletID, queryLimit(r))
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}

	err = response.JSONOkResponse(w, transactions, "Wallet transactions", nil)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
	}
}

// HandleLockUser durably suspends a user's transfers. Distinct from the
// PIN-failure lockout, which is time-bound and expires on its own.
func (h *adminHandler) HandleLockUser(w http.ResponseWriter, r *http.Request) {
	h.setUserStatus(w, r, true)
}

// HandleUnlockUser restores an operator-locked user.
func (h *adminHandler) HandleUnlockUser(w http.ResponseWriter, r *http.Request) {
	h.setUserStatus(w, r, false)
}

func (h *adminHandler) setUserStatus(w http.ResponseWriter, r *http.Request, lock bool) {
	id := r.PathValue("id")

	if _, found, err := h.userRepo.GetOne(id); err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	} else if !found {
		h.errHandler.NotFound(w, r)
		return
	}

	var err error
	message := "User unlocked"
	if lock {
		err = h.userRepo.Lock(id)
		message = "User locked"
	} else {
		err = h.userRepo.Unlock(id)
	}
	if err != nil {
		h.errHandler.ServerError(w, r, err)
		return
	}

	err = response.JSONOkResponse(w, nil, message, nil)
	if err != nil {
		h.errHandler.ServerError(w, r, err)
	}
}

func queryLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}
