package transfer

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cradoe/gopass"
	"github.com/cradoe/kudi/internal/chat"
	"github.com/cradoe/kudi/internal/guard"
	"github.com/cradoe/kudi/internal/intent"
	"github.com/cradoe/kudi/internal/ledger"
	"github.com/cradoe/kudi/internal/processor"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubClassifier returns a canned result per call; nil entries degrade to
// unknown, like a classifier outage would.
type stubClassifier struct {
	results []*intent.Result
	calls   int
}

func (s *stubClassifier) Classify(ctx context.Context, text string) (*intent.Result, error) {
	if s.calls >= len(s.results) || s.results[s.calls] == nil {
		s.calls++
		return nil, errors.New("classifier unavailable")
	}
	result := s.results[s.calls]
	s.calls++
	return result, nil
}

type MockPayouts struct {
	mock.Mock
}

func (m *MockPayouts) ListBanks(ctx context.Context) ([]processor.Bank, error) {
	args := m.Called(ctx)
	banks, _ := args.Get(0).([]processor.Bank)
	return banks, args.Error(1)
}

func (m *MockPayouts) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*processor.ResolvedAccount, error) {
	args := m.Called(ctx, accountNumber, bankCode)
	resolved, _ := args.Get(0).(*processor.ResolvedAccount)
	return resolved, args.Error(1)
}

func (m *MockPayouts) InitiateTransfer(ctx context.Context, req *processor.TransferRequest) error {
	return m.Called(ctx, req).Error(0)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Debit(ctx context.Context, walletID string, amount, fee decimal.Decimal, reference string, counterparty ledger.Counterparty) (*repository.Transaction, error) {
	args := m.Called(ctx, walletID, amount, fee, reference, counterparty)
	transaction, _ := args.Get(0).(*repository.Transaction)
	return transaction, args.Error(1)
}

func (m *MockLedger) Refund(ctx context.Context, reference string) (*repository.Transaction, error) {
	args := m.Called(ctx, reference)
	transaction, _ := args.Get(0).(*repository.Transaction)
	return transaction, args.Error(1)
}

type MockWalletRepo struct {
	mock.Mock
}

func (m *MockWalletRepo) Insert(wallet *repository.Wallet, tx *sqlx.Tx) (string, error) {
	args := m.Called(wallet, tx)
	return args.String(0), args.Error(1)
}

func (m *MockWalletRepo) GetOne(id string) (*repository.Wallet, bool, error) {
	args := m.Called(id)
	wallet, _ := args.Get(0).(*repository.Wallet)
	return wallet, args.Bool(1), args.Error(2)
}

func (m *MockWalletRepo) GetByUserID(userID string) (*repository.Wallet, bool, error) {
	args := m.Called(userID)
	wallet, _ := args.Get(0).(*repository.Wallet)
	return wallet, args.Bool(1), args.Error(2)
}

func (m *MockWalletRepo) Credit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	return m.Called(ctx, walletID, amount).Error(0)
}

func (m *MockWalletRepo) Debit(ctx context.Context, walletID string, amount decimal.Decimal) (bool, error) {
	args := m.Called(ctx, walletID, amount)
	return args.Bool(0), args.Error(1)
}

type MockTransactionRepo struct {
	mock.Mock
}

func (m *MockTransactionRepo) Insert(ctx context.Context, transaction *repository.Transaction) (*repository.Transaction, error) {
	args := m.Called(ctx, transaction)
	trans, _ := args.Get(0).(*repository.Transaction)
	return trans, args.Error(1)
}

func (m *MockTransactionRepo) UpdateStatus(ctx context.Context, id, status string) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockTransactionRepo) MarkRefunded(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransactionRepo) FindByReference(reference string) (*repository.Transaction, bool, error) {
	args := m.Called(reference)
	trans, _ := args.Get(0).(*repository.Transaction)
	return trans, args.Bool(1), args.Error(2)
}

func (m *MockTransactionRepo) SumCompletedTransfersForDay(walletID string, day time.Time) (decimal.Decimal, error) {
	args := m.Called(walletID, day)
	total, _ := args.Get(0).(decimal.Decimal)
	return total, args.Error(1)
}

func (m *MockTransactionRepo) ListByWallet(walletID string, limit int) ([]repository.Transaction, error) {
	args := m.Called(walletID, limit)
	transactions, _ := args.Get(0).([]repository.Transaction)
	return transactions, args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, alert *chat.Alert) error {
	return m.Called(ctx, alert).Error(0)
}

type machineMocks struct {
	classifier      *stubClassifier
	payouts         *MockPayouts
	ledger          *MockLedger
	walletRepo      *MockWalletRepo
	transactionRepo *MockTransactionRepo
	notifier        *MockNotifier
}

func testLimits() guard.Limits {
	return guard.Limits{
		MinTransaction:       decimal.RequireFromString("100"),
		MaxSingleTransaction: decimal.RequireFromString("50000"),
		DailyTransferLimit:   decimal.RequireFromString("200000"),
		RateLimitPerMinute:   100,
		MaxPinAttempts:       3,
		LockoutWindow:        30 * time.Minute,
	}
}

func newTestMachine(t *testing.T, classifier *stubClassifier) (*Machine, *machineMocks) {
	return newTestMachineWithLimits(t, classifier, testLimits())
}

func newTestMachineWithLimits(t *testing.T, classifier *stubClassifier, limits guard.Limits) (*Machine, *machineMocks) {
	t.Helper()

	m := &machineMocks{
		classifier:      classifier,
		payouts:         new(MockPayouts),
		ledger:          new(MockLedger),
		walletRepo:      new(MockWalletRepo),
		transactionRepo: new(MockTransactionRepo),
		notifier:        new(MockNotifier),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	machine := NewMachine(
		NewSessionStore(10*time.Minute),
		guard.New(limits),
		classifier,
		m.payouts,
		m.ledger,
		m.walletRepo,
		m.transactionRepo,
		m.notifier,
		nil, // receipts
		nil, // cache
		decimal.RequireFromString("10"),
		logger,
	)

	return machine, m
}

func pinUser(t *testing.T, pin string) *repository.User {
	t.Helper()

	hash, err := gopass.Hash(pin)
	require.NoError(t, err)

	return &repository.User{
		ID:      "user-1",
		ChatID:  "chat-1",
		PinHash: sql.NullString{String: hash, Valid: true},
		Status:  repository.UserAccountActiveStatus,
	}
}

func expectLimitChecks(m *machineMocks, todayTotal string) {
	m.walletRepo.On("GetByUserID", "user-1").
		Return(&repository.Wallet{ID: "wallet-1", UserID: "user-1"}, true, nil)
	m.transactionRepo.On("SumCompletedTransfersForDay", "wallet-1", mock.Anything).
		Return(decimal.RequireFromString(todayTotal), nil)
}

func TestHandleMessage_FullTransferFlow(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000", AccountNumber: "0123456789", BankCode: "058"},
	}}

	machine, m := newTestMachine(t, classifier)
	ctx := context.Background()
	user := pinUser(t, "1234")

	m.payouts.On("ResolveAccount", ctx, "0123456789", "058").
		Return(&processor.ResolvedAccount{AccountNumber: "0123456789", AccountName: "ADA OBI", BankCode: "058"}, nil)
	expectLimitChecks(m, "0")

	reply, err := machine.HandleMessage(ctx, user, "send 5000 to 0123456789 gtbank")
	require.NoError(t, err)
	require.Contains(t, reply, "ADA OBI")
	require.Contains(t, reply, "YES")

	reply, err = machine.HandleMessage(ctx, user, "yes")
	require.NoError(t, err)
	require.Contains(t, reply, "PIN")

	amount := decimal.RequireFromString("5000")
	fee := decimal.RequireFromString("10")

	m.ledger.On("Debit", ctx, "wallet-1", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(amount)
	}), mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(fee)
	}), mock.MatchedBy(func(ref string) bool {
		return strings.HasPrefix(ref, "TRF_")
	}), ledger.Counterparty{AccountNumber: "0123456789", Name: "ADA OBI"}).
		Return(&repository.Transaction{ID: "txn-1", Amount: amount, Fee: fee}, nil)
	m.payouts.On("InitiateTransfer", ctx, mock.MatchedBy(func(req *processor.TransferRequest) bool {
		return req.AccountNumber == "0123456789" && req.Amount.Equal(amount)
	})).Return(nil)
	m.notifier.On("Notify", ctx, mock.MatchedBy(func(alert *chat.Alert) bool {
		return alert.Kind == chat.AlertKindDebit && alert.Recipient == "ADA OBI"
	})).Return(nil)

	reply, err = machine.HandleMessage(ctx, user, "1234")
	require.NoError(t, err)
	require.Contains(t, reply, "on its way")
	require.Contains(t, reply, "TRF_")

	m.ledger.AssertExpectations(t)
	m.payouts.AssertExpectations(t)
	m.notifier.AssertExpectations(t)

	// session is gone; the next message starts over
	_, ok := machine.sessions.Get(user.ID)
	require.False(t, ok)
}

func TestHandleMessage_WrongPinLocksTransfersAtThreshold(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000", AccountNumber: "0123456789", BankCode: "058"},
	}}

	machine, m := newTestMachine(t, classifier)
	ctx := context.Background()
	user := pinUser(t, "1234")

	m.payouts.On("ResolveAccount", ctx, "0123456789", "058").
		Return(&processor.ResolvedAccount{AccountName: "ADA OBI"}, nil)
	expectLimitChecks(m, "0")

	_, err := machine.HandleMessage(ctx, user, "send 5000")
	require.NoError(t, err)
	_, err = machine.HandleMessage(ctx, user, "yes")
	require.NoError(t, err)

	reply, err := machine.HandleMessage(ctx, user, "9999")
	require.NoError(t, err)
	require.Contains(t, reply, "2 attempt(s)")

	reply, err = machine.HandleMessage(ctx, user, "9999")
	require.NoError(t, err)
	require.Contains(t, reply, "1 attempt(s)")

	reply, err = machine.HandleMessage(ctx, user, "9999")
	require.NoError(t, err)
	require.Contains(t, reply, "Too many failed PIN attempts")

	m.ledger.AssertNotCalled(t, "Debit",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	// the lockout outlives the session
	reply, err = machine.HandleMessage(ctx, user, "send 2000")
	require.NoError(t, err)
	require.Contains(t, reply, "Try again after")

	// the user row is untouched; the lockout is the guard's alone
	require.Equal(t, repository.UserAccountActiveStatus, user.Status)
}

func TestHandleMessage_TransfersResumeAfterLockoutElapses(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000", AccountNumber: "0123456789", BankCode: "058"},
		{Intent: intent.IntentTransfer, Amount: "2000", AccountNumber: "0123456789", BankCode: "058"},
	}}

	limits := testLimits()
	// a short window stands in for the real lockout elapsing
	limits.LockoutWindow = time.Millisecond

	machine, m := newTestMachineWithLimits(t, classifier, limits)
	ctx := context.Background()
	user := pinUser(t, "1234")

	m.payouts.On("ResolveAccount", ctx, "0123456789", "058").
		Return(&processor.ResolvedAccount{AccountNumber: "0123456789", AccountName: "ADA OBI"}, nil)
	expectLimitChecks(m, "0")

	_, err := machine.HandleMessage(ctx, user, "send 5000")
	require.NoError(t, err)
	_, err = machine.HandleMessage(ctx, user, "yes")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = machine.HandleMessage(ctx, user, "9999")
		require.NoError(t, err)
	}

	time.Sleep(5 * time.Millisecond)

	reply, err := machine.HandleMessage(ctx, user, "send 2000")
	require.NoError(t, err)
	require.Contains(t, reply, "ADA OBI")

	_, err = machine.HandleMessage(ctx, user, "yes")
	require.NoError(t, err)

	m.ledger.On("Debit", ctx, "wallet-1", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.RequireFromString("2000"))
	}), mock.Anything, mock.Anything, mock.Anything).
		Return(&repository.Transaction{ID: "txn-1"}, nil)
	m.payouts.On("InitiateTransfer", ctx, mock.Anything).Return(nil)
	m.notifier.On("Notify", ctx, mock.Anything).Return(nil)

	reply, err = machine.HandleMessage(ctx, user, "1234")
	require.NoError(t, err)
	require.Contains(t, reply, "on its way")

	m.ledger.AssertExpectations(t)
}

func TestHandleMessage_InsufficientBalanceEndsCleanly(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000", AccountNumber: "0123456789", BankCode: "058"},
	}}

	machine, m := newTestMachine(t, classifier)
	ctx := context.Background()
	user := pinUser(t, "1234")

	m.payouts.On("ResolveAccount", ctx, "0123456789", "058").
		Return(&processor.ResolvedAccount{AccountName: "ADA OBI"}, nil)
	expectLimitChecks(m, "0")

	_, err := machine.HandleMessage(ctx, user, "send 5000")
	require.NoError(t, err)
	_, err = machine.HandleMessage(ctx, user, "yes")
	require.NoError(t, err)

	m.ledger.On("Debit", ctx, "wallet-1", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ledger.ErrInsufficientBalance)

	reply, err := machine.HandleMessage(ctx, user, "1234")
	require.NoError(t, err)
	require.Contains(t, reply, "Insufficient balance")

	m.payouts.AssertNotCalled(t, "InitiateTransfer", mock.Anything, mock.Anything)
	_, ok := machine.sessions.Get(user.ID)
	require.False(t, ok)
}

func TestHandleMessage_InitiationFailureRefunds(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000", AccountNumber: "0123456789", BankCode: "058"},
	}}

	machine, m := newTestMachine(t, classifier)
	ctx := context.Background()
	user := pinUser(t, "1234")

	m.payouts.On("ResolveAccount", ctx, "0123456789", "058").
		Return(&processor.ResolvedAccount{AccountName: "ADA OBI"}, nil)
	expectLimitChecks(m, "0")

	_, err := machine.HandleMessage(ctx, user, "send 5000")
	require.NoError(t, err)
	_, err = machine.HandleMessage(ctx, user, "yes")
	require.NoError(t, err)

	var reference string
	m.ledger.On("Debit", ctx, "wallet-1", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { reference = args.String(4) }).
		Return(&repository.Transaction{ID: "txn-1"}, nil)
	m.payouts.On("InitiateTransfer", ctx, mock.Anything).Return(errors.New("processor down"))
	m.ledger.On("Refund", ctx, mock.MatchedBy(func(ref string) bool { return ref == reference })).
		Return(&repository.Transaction{ID: "txn-1"}, nil)
	m.notifier.On("Notify", ctx, mock.MatchedBy(func(alert *chat.Alert) bool {
		return alert.Kind == chat.AlertKindDeclined
	})).Return(nil)

	reply, err := machine.HandleMessage(ctx, user, "1234")
	require.NoError(t, err)
	require.Contains(t, reply, "has not been charged")

	m.ledger.AssertExpectations(t)
}

func TestHandleMessage_DailyLimitBlocksConfirmation(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000", AccountNumber: "0123456789", BankCode: "058"},
	}}

	machine, m := newTestMachine(t, classifier)
	ctx := context.Background()
	user := pinUser(t, "1234")

	m.payouts.On("ResolveAccount", ctx, "0123456789", "058").
		Return(&processor.ResolvedAccount{AccountName: "ADA OBI"}, nil)
	// today's completed transfers already sit at the limit
	expectLimitChecks(m, "200000")

	reply, err := machine.HandleMessage(ctx, user, "send 5000")
	require.NoError(t, err)
	require.Contains(t, reply, "daily limit")

	_, ok := machine.sessions.Get(user.ID)
	require.False(t, ok)
}

func TestHandleMessage_CancellationMidFlow(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000"},
	}}

	machine, _ := newTestMachine(t, classifier)
	ctx := context.Background()
	user := pinUser(t, "1234")

	reply, err := machine.HandleMessage(ctx, user, "send 5000")
	require.NoError(t, err)
	require.Contains(t, reply, "account number")

	reply, err = machine.HandleMessage(ctx, user, "cancel")
	require.NoError(t, err)
	require.Equal(t, "Transfer cancelled.", reply)

	_, ok := machine.sessions.Get(user.ID)
	require.False(t, ok)
}

func TestHandleMessage_AmountAboveSingleLimitRePrompts(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "50000.01"},
	}}

	machine, _ := newTestMachine(t, classifier)
	user := pinUser(t, "1234")

	reply, err := machine.HandleMessage(context.Background(), user, "send 50000.01")
	require.NoError(t, err)
	require.Contains(t, reply, "single-transfer limit")
}

func TestHandleMessage_BankNameLookup(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentTransfer, Amount: "5000", AccountNumber: "0123456789", BankName: "gtbank"},
	}}

	machine, m := newTestMachine(t, classifier)
	ctx := context.Background()
	user := pinUser(t, "1234")

	m.payouts.On("ListBanks", ctx).Return([]processor.Bank{
		{Name: "Guaranty Trust Bank", Code: "058"},
		{Name: "GTBank Plc", Code: "058"},
		{Name: "Zenith Bank", Code: "057"},
	}, nil)
	m.payouts.On("ResolveAccount", ctx, "0123456789", "058").
		Return(&processor.ResolvedAccount{AccountName: "ADA OBI"}, nil)
	expectLimitChecks(m, "0")

	reply, err := machine.HandleMessage(ctx, user, "send 5000 to 0123456789 gtbank")
	require.NoError(t, err)
	require.Contains(t, reply, "ADA OBI")
}

func TestHandleMessage_BalanceEnquiry(t *testing.T) {
	classifier := &stubClassifier{results: []*intent.Result{
		{Intent: intent.IntentBalance},
	}}

	machine, m := newTestMachine(t, classifier)
	user := pinUser(t, "1234")

	m.walletRepo.On("GetByUserID", "user-1").
		Return(&repository.Wallet{ID: "wallet-1", Balance: decimal.RequireFromString("12500.50")}, true, nil)

	reply, err := machine.HandleMessage(context.Background(), user, "what's my balance")
	require.NoError(t, err)
	require.Contains(t, reply, "12,500.50")
}

func TestSessionStore_ExpiryEvictsOnRead(t *testing.T) {
	store := NewSessionStore(5 * time.Minute)

	current := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	store.Put(&Session{UserID: "user-1", State: StateCollectingDetails})

	_, ok := store.Get("user-1")
	require.True(t, ok)

	current = current.Add(6 * time.Minute)

	_, ok = store.Get("user-1")
	require.False(t, ok)
}

func TestSessionStore_SweepEvictsExpired(t *testing.T) {
	store := NewSessionStore(5 * time.Minute)

	current := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	store.Put(&Session{UserID: "user-1"})
	store.Put(&Session{UserID: "user-2"})

	current = current.Add(6 * time.Minute)
	store.Put(&Session{UserID: "user-3"})

	store.sweep()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.sessions, 1)
	require.Contains(t, store.sessions, "user-3")
}
