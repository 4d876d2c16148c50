package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cradoe/kudi/internal/event"
	"github.com/cradoe/kudi/internal/repository"
)

// lookback bounds how far behind a poll cycle reaches when no checkpoint
// exists. Anything older has either been credited already or belongs to
// the failed-funding queue.
const lookback = 5 * time.Minute

// checkpointTTL keeps checkpoints alive well past any realistic outage.
const checkpointTTL = 72 * time.Hour

const checkpointKeyPrefix = "poller:last:"

// Lister is the pull half of the processor client: the successful
// transactions for one customer since a given time.
type Lister interface {
	ListTransactions(ctx context.Context, customerCode string, since time.Time) ([]event.FundsReceived, error)
}

// Checkpoints persists per-customer poll positions across restarts. The
// redis cache satisfies it; losing checkpoints only widens the next poll
// window back to the lookback floor.
type Checkpoints interface {
	Get(key string) (string, error)
	Set(key, value string, expiration time.Duration) error
}

// Poller sweeps the processor for funding events the webhook path missed.
// Every hit goes through the same admission gate as the webhook, so a
// poll racing a late webhook delivery is harmless.
type Poller struct {
	reconciler *Reconciler
	userRepo   repository.UserRepository
	lister     Lister
	cache      Checkpoints
	interval   time.Duration
	logger     *slog.Logger

	recent *recentSet

	// now is swappable for tests
	now func() time.Time
}

func NewPoller(
	reconciler *Reconciler,
	userRepo repository.UserRepository,
	lister Lister,
	c Checkpoints,
	interval time.Duration,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		reconciler: reconciler,
		userRepo:   userRepo,
		lister:     lister,
		cache:      c,
		interval:   interval,
		logger:     logger,
		recent:     newRecentSet(2048),
		now:        time.Now,
	}
}

// Run polls on the configured interval until ctx is cancelled. The first
// cycle runs immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	users, err := p.userRepo.AllWithFundingAccounts()
	if err != nil {
		p.logger.Error("listing users for poll cycle", "error", err)
		return
	}

	for i := range users {
		if ctx.Err() != nil {
			return
		}
		p.pollUser(ctx, &users[i])
	}
}

func (p *Poller) pollUser(ctx context.Context, user *repository.User) {
	customerCode := user.FundingCustomerCode.String
	if customerCode == "" {
		return
	}

	since := p.sinceFor(customerCode)

	transactions, err := p.lister.ListTransactions(ctx, customerCode, since)
	if err != nil {
		// Skip the user this cycle; the checkpoint does not advance, so
		// nothing is lost.
		p.logger.Error("listing processor transactions", "customer_code", customerCode, "error", err)
		return
	}

	latest := since
	advance := true
	for i := range transactions {
		funds := &transactions[i]

		// The in-memory set only saves a database round trip; the durable
		// admission in ProcessFunding is what actually dedups.
		if !p.recent.seen(funds.Reference) {
			if err := p.reconciler.ProcessFunding(ctx, event.TypeChargeSuccess, funds); err != nil {
				// An admission-stage failure leaves no durable trace, so the
				// checkpoint must not move past this event; the next cycle
				// retries it. Post-admission failures are already recorded
				// and come back as clean duplicates on the retry.
				p.logger.Error("polled funding event failed", "reference", funds.Reference, "error", err)
				advance = false
				continue
			}
			p.recent.add(funds.Reference)
		}

		if advance && funds.PaidAt.After(latest) {
			latest = funds.PaidAt
		}
	}

	p.checkpoint(customerCode, latest)
}

// sinceFor picks the poll window start for one customer: the stored
// checkpoint when there is one, never further back than the lookback.
func (p *Poller) sinceFor(customerCode string) time.Time {
	floor := p.now().Add(-lookback)

	stored, err := p.cache.Get(checkpointKeyPrefix + customerCode)
	if err != nil {
		p.logger.Error("reading poll checkpoint", "customer_code", customerCode, "error", err)
		return floor
	}
	if stored == "" {
		return floor
	}

	ts, err := time.Parse(time.RFC3339Nano, stored)
	if err != nil {
		return floor
	}

	if ts.After(floor) {
		return ts
	}
	return floor
}

func (p *Poller) checkpoint(customerCode string, ts time.Time) {
	err := p.cache.Set(checkpointKeyPrefix+customerCode, ts.UTC().Format(time.RFC3339Nano), checkpointTTL)
	if err != nil {
		p.logger.Error("writing poll checkpoint", "customer_code", customerCode, "error", err)
	}
}

// recentSet is a fixed-capacity membership set with FIFO eviction. It
// exists purely to avoid hammering the admission gate with references we
// processed moments ago.
type recentSet struct {
	mu      sync.Mutex
	members map[string]struct{}
	order   []string
	next    int
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		members: make(map[string]struct{}, capacity),
		order:   make([]string, capacity),
	}
}

func (s *recentSet) seen(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.members[reference]
	return ok
}

func (s *recentSet) add(reference string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[reference]; ok {
		return
	}

	if evicted := s.order[s.next]; evicted != "" {
		delete(s.members, evicted)
	}

	s.members[reference] = struct{}{}
	s.order[s.next] = reference
	s.next = (s.next + 1) % len(s.order)
}
