// Package transfer drives the multi-turn transfer conversation. The
// session carries intent only; limits, PIN correctness, and balance are
// all re-validated at the moment of execution, never trusted from an
// earlier turn.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cradoe/gopass"
	"github.com/cradoe/kudi/internal/cache"
	"github.com/cradoe/kudi/internal/chat"
	"github.com/cradoe/kudi/internal/guard"
	"github.com/cradoe/kudi/internal/helper"
	"github.com/cradoe/kudi/internal/intent"
	"github.com/cradoe/kudi/internal/ledger"
	"github.com/cradoe/kudi/internal/processor"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/cradoe/kudi/internal/validator"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const resolutionCacheTTL = 24 * time.Hour

// Payouts is the slice of the processor client the machine needs.
type Payouts interface {
	ListBanks(ctx context.Context) ([]processor.Bank, error)
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*processor.ResolvedAccount, error)
	InitiateTransfer(ctx context.Context, req *processor.TransferRequest) error
}

// Ledger is the debit/refund surface the machine drives at execution.
type Ledger interface {
	Debit(ctx context.Context, walletID string, amount, fee decimal.Decimal, reference string, counterparty ledger.Counterparty) (*repository.Transaction, error)
	Refund(ctx context.Context, reference string) (*repository.Transaction, error)
}

// ReceiptMaker publishes a receipt artifact and returns its URL.
type ReceiptMaker interface {
	Create(ctx context.Context, transaction *repository.Transaction, recipientName string) (string, error)
}

type Machine struct {
	sessions        *SessionStore
	guard           *guard.Guard
	classifier      intent.Classifier
	payouts         Payouts
	ledger          Ledger
	walletRepo      repository.WalletRepository
	transactionRepo repository.TransactionRepository
	notifier        chat.Notifier
	receipts        ReceiptMaker
	cache           *cache.Cache
	fee             decimal.Decimal
	logger          *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

func NewMachine(
	sessions *SessionStore,
	g *guard.Guard,
	classifier intent.Classifier,
	payouts Payouts,
	ledgerMutator Ledger,
	walletRepo repository.WalletRepository,
	transactionRepo repository.TransactionRepository,
	notifier chat.Notifier,
	receipts ReceiptMaker,
	c *cache.Cache,
	fee decimal.Decimal,
	logger *slog.Logger,
) *Machine {
	return &Machine{
		sessions:        sessions,
		guard:           g,
		classifier:      classifier,
		payouts:         payouts,
		ledger:          ledgerMutator,
		walletRepo:      walletRepo,
		transactionRepo: transactionRepo,
		notifier:        notifier,
		receipts:        receipts,
		cache:           c,
		fee:             fee,
		logger:          logger,
		now:             time.Now,
	}
}

// HandleMessage advances the user's conversation by one turn and returns
// the reply to send back. It never returns an error for user mistakes;
// those become reply text. An error return means an infrastructure
// failure the caller should log.
func (m *Machine) HandleMessage(ctx context.Context, user *repository.User, text string) (string, error) {
	if user.Status == repository.UserAccountLockedStatus {
		return "Your account is locked. Please contact support to unlock it.", nil
	}

	if locked, until := m.guard.IsLockedOut(user.ID); locked {
		m.sessions.Delete(user.ID)
		return fmt.Sprintf("Too many failed PIN attempts. Try again after %s.", until.Format("15:04")), nil
	}

	text = strings.TrimSpace(text)

	session, ok := m.sessions.Get(user.ID)
	if !ok {
		session = &Session{UserID: user.ID, State: StateIdle}
	}

	switch session.State {
	case StateIdle:
		return m.handleIdle(ctx, user, session, text)
	case StateCollectingDetails:
		return m.handleCollecting(ctx, user, session, text)
	case StateAwaitingConfirmation:
		return m.handleConfirmation(ctx, user, session, text)
	case StateAwaitingPin:
		return m.handlePin(ctx, user, session, text)
	default:
		m.sessions.Delete(user.ID)
		return m.handleIdle(ctx, user, session, text)
	}
}

func (m *Machine) handleIdle(ctx context.Context, user *repository.User, session *Session, text string) (string, error) {
	result := m.classify(ctx, text)

	switch result.Intent {
	case intent.IntentBalance:
		return m.balanceReply(user)

	case intent.IntentHistory:
		return m.historyReply(user)

	case intent.IntentTransfer:
		session.State = StateCollectingDetails
		m.applyHints(session, result)
		m.sessions.Put(session)
		return m.advanceCollection(ctx, user, session)

	default:
		return "I can help you send money or check your balance. Try \"send 5000 to 0123456789 GTBank\" or \"balance\".", nil
	}
}

func (m *Machine) handleCollecting(ctx context.Context, user *repository.User, session *Session, text string) (string, error) {
	if isCancellation(text) {
		m.sessions.Delete(user.ID)
		return "Transfer cancelled.", nil
	}

	result := m.classify(ctx, text)
	m.applyHints(session, result)

	// plain replies to our own prompts won't always classify; take the raw
	// text as the field we are waiting for
	if session.Amount.IsZero() {
		if amount, err := decimal.NewFromString(strings.ReplaceAll(text, ",", "")); err == nil {
			session.Amount = amount.Round(2)
		}
	} else if session.AccountNumber == "" && validator.Matches(text, validator.RgxAccountNumber) {
		session.AccountNumber = text
	} else if session.BankCode == "" && result.BankCode == "" {
		session.BankName = text
	}

	m.sessions.Put(session)
	return m.advanceCollection(ctx, user, session)
}

// advanceCollection prompts for the next missing field, or moves to
// confirmation once everything needed is present and checks out.
func (m *Machine) advanceCollection(ctx context.Context, user *repository.User, session *Session) (string, error) {
	if session.Amount.IsZero() {
		return "How much would you like to send?", nil
	}

	if err := m.guard.CheckAmount(session.Amount); err != nil {
		session.Amount = decimal.Zero
		m.sessions.Put(session)
		return limitReply(err), nil
	}

	if session.AccountNumber == "" {
		return "What is the recipient's 10-digit account number?", nil
	}
	if !validator.Matches(session.AccountNumber, validator.RgxAccountNumber) {
		session.AccountNumber = ""
		m.sessions.Put(session)
		return "That doesn't look like a valid account number. Please send the 10-digit account number.", nil
	}

	if session.BankCode == "" {
		if session.BankName == "" {
			return "Which bank is the account with?", nil
		}

		code, err := m.bankCodeFor(ctx, session.BankName)
		if err != nil {
			m.logger.Error("bank list lookup failed", "bank_name", session.BankName, "error", err)
			return "I couldn't look up that bank right now. Please try again shortly.", nil
		}
		if code == "" {
			name := session.BankName
			session.BankName = ""
			m.sessions.Put(session)
			return fmt.Sprintf("I couldn't find a bank called %q. Which bank is the account with?", name), nil
		}

		session.BankCode = code
		m.sessions.Put(session)
	}

	resolved, err := m.resolveAccount(ctx, session.AccountNumber, session.BankCode)
	if err != nil {
		m.logger.Error("account resolution failed",
			"account_number", session.AccountNumber, "bank_code", session.BankCode, "error", err)
		return "I couldn't verify that account right now. Please check the details and try again.", nil
	}
	session.RecipientName = resolved.AccountName

	if reply, ok := m.checkLimits(user, session.Amount); !ok {
		m.sessions.Delete(user.ID)
		return reply, nil
	}

	session.Fee = m.fee
	session.State = StateAwaitingConfirmation
	m.sessions.Put(session)

	total := session.Amount.Add(session.Fee)
	return fmt.Sprintf("You are sending %s to %s (%s).\nFee: %s\nTotal: %s\nReply YES to continue or NO to cancel.",
		helper.FormatNaira(session.Amount), session.RecipientName, session.AccountNumber,
		helper.FormatNaira(session.Fee), helper.FormatNaira(total)), nil
}

func (m *Machine) handleConfirmation(ctx context.Context, user *repository.User, session *Session, text string) (string, error) {
	switch affirmation(text) {
	case intent.IntentConfirm:
		// limits may have moved since collection; re-check before asking
		// for the PIN
		if reply, ok := m.checkLimits(user, session.Amount); !ok {
			m.sessions.Delete(user.ID)
			return reply, nil
		}

		session.State = StateAwaitingPin
		m.sessions.Put(session)
		return "Please enter your 4-digit PIN to authorize the transfer.", nil

	case intent.IntentDecline:
		m.sessions.Delete(user.ID)
		return "Transfer cancelled.", nil

	default:
		return "Please reply YES to continue or NO to cancel.", nil
	}
}

func (m *Machine) handlePin(ctx context.Context, user *repository.User, session *Session, text string) (string, error) {
	if isCancellation(text) {
		m.sessions.Delete(user.ID)
		return "Transfer cancelled.", nil
	}

	if !validator.Matches(text, validator.RgxPin) {
		return "Your PIN is 4 digits. Please try again, or reply CANCEL to stop.", nil
	}

	if !user.PinHash.Valid {
		m.sessions.Delete(user.ID)
		return "You have not set a transaction PIN yet.", nil
	}

	matches, err := gopass.ComparePasswordAndHash(text, user.PinHash.String)
	if err != nil {
		return "", fmt.Errorf("comparing pin for user %s: %w", user.ID, err)
	}

	if !matches {
		remaining, lockedOut := m.guard.RecordPinFailure(user.ID)
		if lockedOut {
			// the lockout lives in the guard and expires on its own; the
			// durable user status is reserved for operator locks
			m.sessions.Delete(user.ID)
			_, until := m.guard.IsLockedOut(user.ID)
			return fmt.Sprintf("Too many failed PIN attempts. Transfers are locked until %s.", until.Format("15:04")), nil
		}
		return fmt.Sprintf("Incorrect PIN. %d attempt(s) remaining.", remaining), nil
	}

	m.guard.RecordPinSuccess(user.ID)

	session.State = StateExecuting
	m.sessions.Put(session)

	return m.execute(ctx, user, session)
}

// execute performs the debit and payout. The session is discarded on
// every exit path; the ledger and the refund path own correctness from
// here on.
func (m *Machine) execute(ctx context.Context, user *repository.User, session *Session) (string, error) {
	defer m.sessions.Delete(user.ID)

	// final re-validation with fresh state
	if err := m.guard.CheckAmount(session.Amount); err != nil {
		return limitReply(err), nil
	}
	if reply, ok := m.checkLimits(user, session.Amount); !ok {
		return reply, nil
	}

	wallet, found, err := m.walletRepo.GetByUserID(user.ID)
	if err != nil {
		return "", fmt.Errorf("resolving wallet for user %s: %w", user.ID, err)
	}
	if !found {
		return "We couldn't find your wallet. Please contact support.", nil
	}

	reference := "TRF_" + uuid.NewString()
	session.Reference = reference

	transaction, err := m.ledger.Debit(ctx, wallet.ID, session.Amount, session.Fee, reference, ledger.Counterparty{
		AccountNumber: session.AccountNumber,
		Name:          session.RecipientName,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Sprintf("Insufficient balance. You need %s to complete this transfer.",
				helper.FormatNaira(session.Amount.Add(session.Fee))), nil
		}
		return "", fmt.Errorf("debiting for transfer %s: %w", reference, err)
	}

	err = m.payouts.InitiateTransfer(ctx, &processor.TransferRequest{
		Reference:     reference,
		Amount:        session.Amount,
		AccountNumber: session.AccountNumber,
		BankCode:      session.BankCode,
		Narration:     "transfer to " + session.RecipientName,
	})
	if err != nil {
		m.logger.Error("transfer initiation failed, refunding", "reference", reference, "error", err)

		if _, refundErr := m.ledger.Refund(ctx, reference); refundErr != nil {
			m.logger.Error("refund after failed initiation failed", "reference", reference, "error", refundErr)
			return "", fmt.Errorf("initiation and refund both failed for %s: %w", reference, refundErr)
		}

		m.notify(ctx, &chat.Alert{
			Kind:      chat.AlertKindDeclined,
			ChatID:    user.ChatID,
			Reference: reference,
			Amount:    session.Amount,
		})
		return "The transfer could not be completed. Your wallet has not been charged.", nil
	}

	documentURL := ""
	if m.receipts != nil {
		if url, receiptErr := m.receipts.Create(ctx, transaction, session.RecipientName); receiptErr == nil {
			documentURL = url
		}
	}

	m.notify(ctx, &chat.Alert{
		Kind:        chat.AlertKindDebit,
		ChatID:      user.ChatID,
		Reference:   reference,
		Amount:      session.Amount,
		Fee:         session.Fee,
		Recipient:   session.RecipientName,
		DocumentURL: documentURL,
	})

	return fmt.Sprintf("Transfer of %s to %s is on its way.\nReference: %s",
		helper.FormatNaira(session.Amount), session.RecipientName, reference), nil
}

// checkLimits runs the daily spend check against the wallet's completed
// transfers for today. Returns the user-facing reply and false when the
// transfer must not proceed.
func (m *Machine) checkLimits(user *repository.User, amount decimal.Decimal) (string, bool) {
	wallet, found, err := m.walletRepo.GetByUserID(user.ID)
	if err != nil || !found {
		m.logger.Error("resolving wallet for limit check", "user_id", user.ID, "error", err)
		return "We couldn't check your limits right now. Please try again shortly.", false
	}

	todayTotal, err := m.transactionRepo.SumCompletedTransfersForDay(wallet.ID, m.now())
	if err != nil {
		m.logger.Error("summing daily transfers", "wallet_id", wallet.ID, "error", err)
		return "We couldn't check your limits right now. Please try again shortly.", false
	}

	if err := m.guard.CheckDailyLimit(amount.Add(m.fee), todayTotal); err != nil {
		return "This transfer would exceed your daily limit.", false
	}

	return "", true
}

// bankCodeFor maps a user-typed bank name to a processor bank code using
// the (redis-cached) bank list. Matching is case-insensitive substring in
// either direction, since users write "GTB" and banks register as
// "Guaranty Trust Bank". Empty return means no match.
func (m *Machine) bankCodeFor(ctx context.Context, name string) (string, error) {
	banks, err := m.bankList(ctx)
	if err != nil {
		return "", err
	}

	needle := strings.ToLower(strings.TrimSpace(name))
	for _, bank := range banks {
		haystack := strings.ToLower(bank.Name)
		if strings.Contains(haystack, needle) || strings.Contains(needle, haystack) {
			return bank.Code, nil
		}
	}

	return "", nil
}

const bankListCacheKey = "banks"

func (m *Machine) bankList(ctx context.Context) ([]processor.Bank, error) {
	if m.cache != nil {
		if cached, err := m.cache.Get(bankListCacheKey); err == nil && cached != "" {
			var banks []processor.Bank
			if err := json.Unmarshal([]byte(cached), &banks); err == nil {
				return banks, nil
			}
		}
	}

	banks, err := m.payouts.ListBanks(ctx)
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if encoded, err := json.Marshal(banks); err == nil {
			if err := m.cache.Set(bankListCacheKey, string(encoded), resolutionCacheTTL); err != nil {
				m.logger.Error("caching bank list", "error", err)
			}
		}
	}

	return banks, nil
}

// resolveAccount asks the processor who owns the account, with a redis
// cache in front so repeat transfers to the same recipient skip the
// round trip.
func (m *Machine) resolveAccount(ctx context.Context, accountNumber, bankCode string) (*processor.ResolvedAccount, error) {
	key := "resolve:" + bankCode + ":" + accountNumber

	if m.cache != nil {
		if name, err := m.cache.Get(key); err == nil && name != "" {
			return &processor.ResolvedAccount{
				AccountNumber: accountNumber,
				AccountName:   name,
				BankCode:      bankCode,
			}, nil
		}
	}

	resolved, err := m.payouts.ResolveAccount(ctx, accountNumber, bankCode)
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.Set(key, resolved.AccountName, resolutionCacheTTL); err != nil {
			m.logger.Error("caching account resolution", "key", key, "error", err)
		}
	}

	return resolved, nil
}

func (m *Machine) classify(ctx context.Context, text string) *intent.Result {
	if m.classifier == nil {
		return &intent.Result{Intent: intent.IntentUnknown}
	}

	result, err := m.classifier.Classify(ctx, text)
	if err != nil {
		m.logger.Warn("intent classification failed", "error", err)
		return &intent.Result{Intent: intent.IntentUnknown}
	}

	return result
}

// applyHints copies classifier extractions into the session, subject to
// the same validation the user's direct input gets.
func (m *Machine) applyHints(session *Session, result *intent.Result) {
	if session.Amount.IsZero() && result.Amount != "" {
		if amount, err := decimal.NewFromString(result.Amount); err == nil && amount.Sign() > 0 {
			session.Amount = amount.Round(2)
		}
	}

	if session.AccountNumber == "" && validator.Matches(result.AccountNumber, validator.RgxAccountNumber) {
		session.AccountNumber = result.AccountNumber
	}

	if session.BankCode == "" && result.BankCode != "" {
		session.BankCode = result.BankCode
	}
	if session.BankName == "" && result.BankName != "" {
		session.BankName = result.BankName
	}
}

func (m *Machine) balanceReply(user *repository.User) (string, error) {
	wallet, found, err := m.walletRepo.GetByUserID(user.ID)
	if err != nil {
		return "", fmt.Errorf("resolving wallet for user %s: %w", user.ID, err)
	}
	if !found {
		return "We couldn't find your wallet. Please contact support.", nil
	}

	return fmt.Sprintf("Your balance is %s.", helper.FormatNaira(wallet.Balance)), nil
}

func (m *Machine) historyReply(user *repository.User) (string, error) {
	wallet, found, err := m.walletRepo.GetByUserID(user.ID)
	if err != nil {
		return "", fmt.Errorf("resolving wallet for user %s: %w", user.ID, err)
	}
	if !found {
		return "We couldn't find your wallet. Please contact support.", nil
	}

	transactions, err := m.transactionRepo.ListByWallet(wallet.ID, 5)
	if err != nil {
		return "", fmt.Errorf("listing transactions for wallet %s: %w", wallet.ID, err)
	}
	if len(transactions) == 0 {
		return "You have no transactions yet.", nil
	}

	var b strings.Builder
	b.WriteString("Your recent transactions:\n")
	for _, txn := range transactions {
		sign := "+"
		if txn.Kind == repository.TransactionKindDebitTransfer {
			sign = "-"
		}
		fmt.Fprintf(&b, "%s %s%s (%s)\n",
			txn.CreatedAt.Format("02 Jan"), sign, helper.FormatNaira(txn.Amount), txn.Status)
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

func (m *Machine) notify(ctx context.Context, alert *chat.Alert) {
	if m.notifier == nil {
		return
	}

	if err := m.notifier.Notify(ctx, alert); err != nil {
		m.logger.Error("alert dispatch failed", "reference", alert.Reference, "kind", alert.Kind, "error", err)
	}
}

func limitReply(err error) string {
	switch {
	case errors.Is(err, guard.ErrAmountTooSmall):
		return "That amount is below the minimum transfer. How much would you like to send?"
	case errors.Is(err, guard.ErrAmountTooLarge):
		return "That amount is above the single-transfer limit. How much would you like to send?"
	default:
		return "That amount can't be transferred. How much would you like to send?"
	}
}

func isCancellation(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "cancel", "stop", "quit", "abort":
		return true
	}
	return false
}

// affirmation reads a confirmation reply without a classifier round trip.
func affirmation(text string) string {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "confirm", "ok", "proceed":
		return intent.IntentConfirm
	case "no", "n", "cancel", "stop":
		return intent.IntentDecline
	default:
		return intent.IntentUnknown
	}
}
