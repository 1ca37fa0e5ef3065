// Package ledger is the transactional core: the balance cache with its
// cached and direct mutation paths, change hooks, the backup engine and
// the service facade. Persistence stays the source of truth; the cache is
// an advisory copy for loaded players.
package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/async"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/currency"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

// Direct mutations re-read and retry this many times before giving up
// with CONFLICT.
const maxVersionRetries = 3

// ChangeRequest carries one requested balance mutation. Currency is the
// case-insensitive currency identifier.
type ChangeRequest struct {
	PlayerName string
	PlayerUUID string
	Currency   string
	Amount     decimal.Decimal
	Reason     string
	Operator   string
}

// Service is the complete economy surface wired by the daemon. Hosts hold
// this interface, never the concrete Ledger.
type Service interface {
	IsReady() bool

	GetBalance(ctx context.Context, playerName, currencyIdent string) Result
	GetBalanceDirect(ctx context.Context, playerName, currencyIdent string) Result
	ListAccounts(ctx context.Context, playerName string) ([]store.Account, error)
	ListAccountsDirect(ctx context.Context, playerName string) ([]store.Account, error)

	Deposit(ctx context.Context, req ChangeRequest) Result
	Withdraw(ctx context.Context, req ChangeRequest) Result
	SetBalance(ctx context.Context, req ChangeRequest) Result
	DepositDirect(ctx context.Context, req ChangeRequest) Result
	WithdrawDirect(ctx context.Context, req ChangeRequest) Result
	SetBalanceDirect(ctx context.Context, req ChangeRequest) Result
	SetMaxBalance(ctx context.Context, playerName, currencyIdent string, maxBalance int64) Result

	LoadPlayerBalances(ctx context.Context, playerName, playerUUID string) error
	UnloadPlayer(playerName string)
	ClearCache()
	RefreshCacheEntry(ctx context.Context, playerName string, currencyID int64) error

	CreateCurrency(ctx context.Context, identifier, name string, places int32, symbol string, defaultMaxBalance int64, consoleLog bool) (*store.Currency, error)
	DeleteCurrency(ctx context.Context, identifier string) error
	EnableCurrency(ctx context.Context, identifier string) error
	DisableCurrency(ctx context.Context, identifier string) error
	SetPrimaryCurrency(ctx context.Context, identifier string) error
	GetCurrency(identifier string) (store.Currency, bool)
	PrimaryCurrency() (store.Currency, bool)
	Currencies() []store.Currency

	LogsByPlayer(ctx context.Context, playerName string, page, pageSize int) ([]store.Transaction, error)
	LogsByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64, page, pageSize int) ([]store.Transaction, error)
	CountLogsByPlayer(ctx context.Context, playerName string) (int64, error)

	CreateSnapshot(ctx context.Context, memo string) (string, int, error)
	ListSnapshots(ctx context.Context) ([]store.BackupRow, error)
	Rollback(ctx context.Context, snapshotID string) (int, error)
	RollbackPlayer(ctx context.Context, snapshotID, playerName string) (int, error)

	SubscribePre(h PreHook)
	SubscribePost(h PostHook)
}

type Ledger struct {
	store    store.Store
	registry *currency.Registry
	audit    *audit.Writer
	exec     *async.Executor
	clk      clock.Clock
	logger   *zap.Logger
	metrics  *Metrics
	rounding money.RoundingMode

	maxSnapshots int

	// cache maps "player|currencyID" to the scaled balance; maxCache
	// holds the account max-balance override for the same keys. locks
	// serializes mutations per key; persistQueues keeps each key's
	// asynchronous persists in mutation order. Lock and queue entries
	// are never removed: a concurrent holder must always resolve to
	// the same instance.
	cache         sync.Map
	maxCache      sync.Map
	locks         sync.Map
	persistQueues sync.Map

	hookMu    sync.RWMutex
	preHooks  []PreHook
	postHooks []PostHook
}

var _ Service = (*Ledger)(nil)

type Params struct {
	Store        store.Store
	Registry     *currency.Registry
	Audit        *audit.Writer
	Executor     *async.Executor
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *Metrics
	Rounding     money.RoundingMode
	MaxSnapshots int
}

func New(p Params) *Ledger {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Clock == nil {
		p.Clock = clock.RealClock{}
	}
	if p.MaxSnapshots < 1 {
		p.MaxSnapshots = 50
	}
	return &Ledger{
		store:        p.Store,
		registry:     p.Registry,
		audit:        p.Audit,
		exec:         p.Executor,
		clk:          p.Clock,
		logger:       p.Logger,
		metrics:      p.Metrics,
		rounding:     p.Rounding,
		maxSnapshots: p.MaxSnapshots,
	}
}

func (l *Ledger) IsReady() bool { return l.store.Ready() }

// --- currency passthrough ---

func (l *Ledger) CreateCurrency(ctx context.Context, identifier, name string, places int32, symbol string, defaultMaxBalance int64, consoleLog bool) (*store.Currency, error) {
	if !l.store.Ready() {
		return nil, store.ErrNotReady
	}
	return l.registry.Create(ctx, identifier, name, places, symbol, defaultMaxBalance, consoleLog)
}

func (l *Ledger) DeleteCurrency(ctx context.Context, identifier string) error {
	if !l.store.Ready() {
		return store.ErrNotReady
	}
	return l.registry.Delete(ctx, identifier)
}

func (l *Ledger) EnableCurrency(ctx context.Context, identifier string) error {
	if !l.store.Ready() {
		return store.ErrNotReady
	}
	return l.registry.Enable(ctx, identifier)
}

func (l *Ledger) DisableCurrency(ctx context.Context, identifier string) error {
	if !l.store.Ready() {
		return store.ErrNotReady
	}
	return l.registry.Disable(ctx, identifier)
}

func (l *Ledger) SetPrimaryCurrency(ctx context.Context, identifier string) error {
	if !l.store.Ready() {
		return store.ErrNotReady
	}
	return l.registry.SetPrimary(ctx, identifier)
}

func (l *Ledger) GetCurrency(identifier string) (store.Currency, bool) {
	return l.registry.GetByIdentifier(identifier)
}

func (l *Ledger) PrimaryCurrency() (store.Currency, bool) {
	return l.registry.GetPrimary()
}

func (l *Ledger) Currencies() []store.Currency {
	return l.registry.ListActive()
}

// --- audit passthrough ---

func (l *Ledger) LogsByPlayer(ctx context.Context, playerName string, page, pageSize int) ([]store.Transaction, error) {
	return l.audit.LogsByPlayer(ctx, playerName, page, pageSize)
}

func (l *Ledger) LogsByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64, page, pageSize int) ([]store.Transaction, error) {
	return l.audit.LogsByPlayerAndCurrency(ctx, playerName, currencyID, page, pageSize)
}

func (l *Ledger) CountLogsByPlayer(ctx context.Context, playerName string) (int64, error) {
	return l.audit.CountByPlayer(ctx, playerName)
}
