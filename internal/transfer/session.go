package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/maps"
)

// State names one step of the transfer conversation.
type State string

const (
	StateIdle                 State = "IDLE"
	StateCollectingDetails    State = "COLLECTING_DETAILS"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateAwaitingPin          State = "AWAITING_PIN"
	StateExecuting            State = "EXECUTING"
)

// Session is the in-flight transfer conversation for one user. Sessions
// hold intent, never money: losing one loses at most a conversation the
// user restarts, so process-local storage is enough.
type Session struct {
	UserID        string
	State         State
	Amount        decimal.Decimal
	AccountNumber string
	BankCode      string
	BankName      string
	RecipientName string
	Fee           decimal.Decimal
	Reference     string
	UpdatedAt     time.Time
}

// SessionStore keeps sessions in memory with a sliding TTL. Expiry is
// enforced on read and swept periodically so abandoned conversations do
// not accumulate.
type SessionStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	// now is swappable for tests
	now func() time.Time
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get returns the user's live session. An expired session is evicted and
// reported as absent, which sends the user back to the start of the flow.
func (s *SessionStore) Get(userID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}

	if s.now().Sub(session.UpdatedAt) > s.ttl {
		delete(s.sessions, userID)
		return nil, false
	}

	return session, true
}

// Put stores the session and refreshes its TTL.
func (s *SessionStore) Put(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.UpdatedAt = s.now()
	s.sessions[session.UserID] = session
}

func (s *SessionStore) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, userID)
}

// StartSweeper evicts expired sessions on an interval. Blocks until ctx
// is done.
func (s *SessionStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *SessionStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, userID := range maps.Keys(s.sessions) {
		if now.Sub(s.sessions[userID].UpdatedAt) > s.ttl {
			delete(s.sessions, userID)
		}
	}
}
