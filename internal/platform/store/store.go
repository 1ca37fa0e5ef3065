// Package store is the persistence layer for the economy core: typed
// repositories over the currency, account, transaction_log and
// backup_snapshot tables. Persistence is the source of truth; the balance
// cache held by the ledger is advisory only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotReady is returned by every repository operation until the
	// store has connected and synchronized its schema.
	ErrNotReady = errors.New("store is not ready")

	// ErrVersionConflict is returned by ForceUpdate when the bounded
	// internal retry against the version column is exhausted.
	ErrVersionConflict = errors.New("account version conflict")

	ErrNotFound = errors.New("row not found")
)

// TxType labels a transaction_log row.
type TxType string

const (
	TxDeposit  TxType = "DEPOSIT"
	TxWithdraw TxType = "WITHDRAW"
	TxSet      TxType = "SET"
	TxRollback TxType = "ROLLBACK"
)

// Currency is a ledger-wide currency definition. Identifier is the
// external business key, unique among non-deleted rows and reserved
// forever once soft-deleted.
type Currency struct {
	ID                int64
	Identifier        string
	Name              string
	Symbol            string
	DecimalPlaces     int32
	DefaultMaxBalance int64 // -1 means unlimited
	IsPrimary         bool
	Enabled           bool
	Deleted           bool
	ConsoleLog        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Account binds a player to a currency. Version increases by one on every
// successful persisted update; updates carrying a stale version match no
// rows.
type Account struct {
	ID         int64
	PlayerUUID string
	PlayerName string
	CurrencyID int64
	Balance    decimal.Decimal
	MaxBalance int64 // -1 means inherit the currency default
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transaction is one append-only audit row.
type Transaction struct {
	ID            int64
	PlayerUUID    string
	PlayerName    string
	CurrencyID    int64
	Type          TxType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Reason        string
	Operator      string
	OccurredAt    time.Time
}

// BackupRow is one account's balance inside a snapshot batch. Rows sharing
// a SnapshotID share CreatedAt and Memo.
type BackupRow struct {
	ID         int64
	SnapshotID string
	PlayerUUID string
	PlayerName string
	CurrencyID int64
	Balance    decimal.Decimal
	Memo       string
	CreatedAt  time.Time
}

type CurrencyRepo interface {
	FindByID(ctx context.Context, id int64) (*Currency, error)
	// FindByIdentifier matches case-insensitively. With includeDeleted
	// false, soft-deleted rows are invisible.
	FindByIdentifier(ctx context.Context, identifier string, includeDeleted bool) (*Currency, error)
	ListActive(ctx context.Context) ([]Currency, error)
	ListEnabled(ctx context.Context) ([]Currency, error)
	FindPrimary(ctx context.Context) (*Currency, error)
	Insert(ctx context.Context, c *Currency) error
	Update(ctx context.Context, c *Currency) error
	SoftDelete(ctx context.Context, id int64) error
	// ClearPrimary removes the primary flag from every non-deleted row.
	ClearPrimary(ctx context.Context) error
}

type AccountRepo interface {
	Find(ctx context.Context, playerName string, currencyID int64) (*Account, error)
	ListByPlayer(ctx context.Context, playerName string) ([]Account, error)
	ListByCurrency(ctx context.Context, currencyID int64) ([]Account, error)
	ListAll(ctx context.Context) ([]Account, error)
	Insert(ctx context.Context, a *Account) error
	// UpdateWithVersion persists balance, max balance and uuid guarded by
	// a.Version. It reports whether a row matched; on success a.Version
	// is advanced to the stored value.
	UpdateWithVersion(ctx context.Context, a *Account) (bool, error)
	// ForceUpdate re-reads the current version and then performs a
	// standard versioned update, retrying a bounded number of times. It
	// never bypasses the version column.
	ForceUpdate(ctx context.Context, playerName string, currencyID int64, balance decimal.Decimal) (*Account, error)
	// GetOrCreate returns the row, inserting a zero-balance one if
	// missing. A non-empty playerUUID differing from the stored value
	// refreshes the stored uuid.
	GetOrCreate(ctx context.Context, playerName, playerUUID string, currencyID int64) (*Account, error)
}

type AuditRepo interface {
	Insert(ctx context.Context, tx *Transaction) error
	// Pages are 1-based, ordered occurred_at DESC, id DESC.
	ListByPlayer(ctx context.Context, playerName string, page, pageSize int) ([]Transaction, error)
	ListByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64, page, pageSize int) ([]Transaction, error)
	CountByPlayer(ctx context.Context, playerName string) (int64, error)
	CountByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64) (int64, error)
}

type SnapshotRepo interface {
	InsertBatch(ctx context.Context, rows []BackupRow) error
	ListBySnapshot(ctx context.Context, snapshotID string) ([]BackupRow, error)
	ListBySnapshotAndPlayer(ctx context.Context, snapshotID, playerName string) ([]BackupRow, error)
	// ListDistinct returns one representative row per snapshot id,
	// newest first.
	ListDistinct(ctx context.Context) ([]BackupRow, error)
	CountDistinct(ctx context.Context) (int64, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) (int64, error)
}

// Store aggregates the four repositories behind a single readiness gate.
type Store interface {
	Currencies() CurrencyRepo
	Accounts() AccountRepo
	Audit() AuditRepo
	Snapshots() SnapshotRepo
	Ready() bool
}

func pageOffset(page, pageSize int) (limit, offset int) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}
