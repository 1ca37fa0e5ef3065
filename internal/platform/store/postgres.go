package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/clock"
)

const forceUpdateRetries = 5

// Postgres implements Store over a database/sql handle opened with the pgx
// stdlib driver. It is not ready until SyncSchema has completed.
type Postgres struct {
	db     *sql.DB
	clk    clock.Clock
	logger *zap.Logger
	ready  bool
}

// NewPostgres wraps an already-opened handle. The caller owns db's
// lifetime; SyncSchema must run before any repository call succeeds.
func NewPostgres(db *sql.DB, clk clock.Clock, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, clk: clk, logger: logger}
}

func (p *Postgres) Ready() bool {
	return p != nil && p.ready
}

func (p *Postgres) guard() error {
	if !p.Ready() {
		return ErrNotReady
	}
	return nil
}

func (p *Postgres) Currencies() CurrencyRepo { return currencyPG{p} }
func (p *Postgres) Accounts() AccountRepo    { return accountPG{p} }
func (p *Postgres) Audit() AuditRepo         { return auditPG{p} }
func (p *Postgres) Snapshots() SnapshotRepo  { return snapshotPG{p} }

var schemaStatements = []string{
	`
CREATE TABLE IF NOT EXISTS currency (
  id SERIAL PRIMARY KEY,
  identifier VARCHAR(64) NOT NULL,
  name VARCHAR(128) NOT NULL,
  symbol VARCHAR(16) NOT NULL DEFAULT '',
  decimal_places INT NOT NULL DEFAULT 2,
  default_max_balance BIGINT NOT NULL DEFAULT -1,
  is_primary BOOLEAN NOT NULL DEFAULT FALSE,
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  deleted BOOLEAN NOT NULL DEFAULT FALSE,
  console_log BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS currency_identifier_key ON currency (LOWER(identifier))`,
	`
CREATE TABLE IF NOT EXISTS account (
  id SERIAL PRIMARY KEY,
  player_uuid VARCHAR(36) NOT NULL DEFAULT '',
  player_name VARCHAR(64) NOT NULL,
  currency_id INT NOT NULL,
  balance NUMERIC(20,8) NOT NULL DEFAULT 0,
  max_balance BIGINT NOT NULL DEFAULT -1,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT account_player_currency_key UNIQUE (player_name, currency_id)
)`,
	`CREATE INDEX IF NOT EXISTS account_currency_idx ON account (currency_id)`,
	`
CREATE TABLE IF NOT EXISTS transaction_log (
  id BIGSERIAL PRIMARY KEY,
  player_uuid VARCHAR(36) NOT NULL DEFAULT '',
  player_name VARCHAR(64) NOT NULL,
  currency_id INT NOT NULL,
  type VARCHAR(32) NOT NULL,
  amount NUMERIC(20,8) NOT NULL,
  balance_before NUMERIC(20,8) NOT NULL,
  balance_after NUMERIC(20,8) NOT NULL,
  reason VARCHAR(512) NOT NULL,
  operator VARCHAR(64) NOT NULL,
  occurred_at TIMESTAMPTZ(3) NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS transaction_log_player_currency_idx ON transaction_log (player_name, currency_id)`,
	`CREATE INDEX IF NOT EXISTS transaction_log_occurred_idx ON transaction_log (occurred_at)`,
	`
CREATE TABLE IF NOT EXISTS backup_snapshot (
  id BIGSERIAL PRIMARY KEY,
  snapshot_id VARCHAR(36) NOT NULL,
  player_uuid VARCHAR(36) NOT NULL DEFAULT '',
  player_name VARCHAR(64) NOT NULL,
  currency_id INT NOT NULL,
  balance NUMERIC(20,8) NOT NULL,
  memo VARCHAR(256) NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS backup_snapshot_snapshot_idx ON backup_snapshot (snapshot_id)`,
}

// SyncSchema runs the code-first schema sync inside one transaction and
// marks the store ready on success.
func (p *Postgres) SyncSchema(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema sync: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema sync: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema sync: %w", err)
	}
	p.ready = true
	p.logger.Info("schema synchronized, store ready")
	return nil
}

// --- currency ---

type currencyPG struct{ p *Postgres }

const currencyColumns = `id, identifier, name, symbol, decimal_places, default_max_balance, is_primary, enabled, deleted, console_log, created_at, updated_at`

func scanCurrency(row interface{ Scan(...any) error }) (*Currency, error) {
	var c Currency
	err := row.Scan(&c.ID, &c.Identifier, &c.Name, &c.Symbol, &c.DecimalPlaces, &c.DefaultMaxBalance,
		&c.IsPrimary, &c.Enabled, &c.Deleted, &c.ConsoleLog, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r currencyPG) FindByID(ctx context.Context, id int64) (*Currency, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	const q = `SELECT ` + currencyColumns + ` FROM currency WHERE id = $1`
	return scanCurrency(r.p.db.QueryRowContext(ctx, q, id))
}

func (r currencyPG) FindByIdentifier(ctx context.Context, identifier string, includeDeleted bool) (*Currency, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	q := `SELECT ` + currencyColumns + ` FROM currency WHERE LOWER(identifier) = LOWER($1)`
	if !includeDeleted {
		q += ` AND deleted = FALSE`
	}
	return scanCurrency(r.p.db.QueryRowContext(ctx, q, identifier))
}

func (r currencyPG) listWhere(ctx context.Context, where string) ([]Currency, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	q := `SELECT ` + currencyColumns + ` FROM currency WHERE ` + where + ` ORDER BY id`
	rows, err := r.p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Currency, 0)
	for rows.Next() {
		c, err := scanCurrency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r currencyPG) ListActive(ctx context.Context) ([]Currency, error) {
	return r.listWhere(ctx, `deleted = FALSE`)
}

func (r currencyPG) ListEnabled(ctx context.Context) ([]Currency, error) {
	return r.listWhere(ctx, `deleted = FALSE AND enabled = TRUE`)
}

func (r currencyPG) FindPrimary(ctx context.Context) (*Currency, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	const q = `SELECT ` + currencyColumns + ` FROM currency WHERE is_primary = TRUE AND deleted = FALSE LIMIT 1`
	return scanCurrency(r.p.db.QueryRowContext(ctx, q))
}

func (r currencyPG) Insert(ctx context.Context, c *Currency) error {
	if err := r.p.guard(); err != nil {
		return err
	}
	const q = `
INSERT INTO currency (identifier, name, symbol, decimal_places, default_max_balance, is_primary, enabled, deleted, console_log, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
RETURNING id
`
	now := r.p.clk.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	return r.p.db.QueryRowContext(ctx, q,
		c.Identifier, c.Name, c.Symbol, c.DecimalPlaces, c.DefaultMaxBalance,
		c.IsPrimary, c.Enabled, c.Deleted, c.ConsoleLog, now,
	).Scan(&c.ID)
}

func (r currencyPG) Update(ctx context.Context, c *Currency) error {
	if err := r.p.guard(); err != nil {
		return err
	}
	const q = `
UPDATE currency
SET name = $2, symbol = $3, decimal_places = $4, default_max_balance = $5,
    is_primary = $6, enabled = $7, console_log = $8, updated_at = $9
WHERE id = $1
`
	now := r.p.clk.Now()
	res, err := r.p.db.ExecContext(ctx, q, c.ID, c.Name, c.Symbol, c.DecimalPlaces,
		c.DefaultMaxBalance, c.IsPrimary, c.Enabled, c.ConsoleLog, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

func (r currencyPG) SoftDelete(ctx context.Context, id int64) error {
	if err := r.p.guard(); err != nil {
		return err
	}
	const q = `UPDATE currency SET deleted = TRUE, enabled = FALSE, is_primary = FALSE, updated_at = $2 WHERE id = $1`
	res, err := r.p.db.ExecContext(ctx, q, id, r.p.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r currencyPG) ClearPrimary(ctx context.Context) error {
	if err := r.p.guard(); err != nil {
		return err
	}
	const q = `UPDATE currency SET is_primary = FALSE, updated_at = $1 WHERE is_primary = TRUE AND deleted = FALSE`
	_, err := r.p.db.ExecContext(ctx, q, r.p.clk.Now())
	return err
}

// --- account ---

type accountPG struct{ p *Postgres }

const accountColumns = `id, player_uuid, player_name, currency_id, balance, max_balance, version, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.PlayerUUID, &a.PlayerName, &a.CurrencyID, &a.Balance,
		&a.MaxBalance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r accountPG) Find(ctx context.Context, playerName string, currencyID int64) (*Account, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	const q = `SELECT ` + accountColumns + ` FROM account WHERE player_name = $1 AND currency_id = $2`
	return scanAccount(r.p.db.QueryRowContext(ctx, q, playerName, currencyID))
}

func (r accountPG) listQuery(ctx context.Context, q string, args ...any) ([]Account, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	rows, err := r.p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r accountPG) ListByPlayer(ctx context.Context, playerName string) ([]Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM account WHERE player_name = $1 ORDER BY currency_id`
	return r.listQuery(ctx, q, playerName)
}

func (r accountPG) ListByCurrency(ctx context.Context, currencyID int64) ([]Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM account WHERE currency_id = $1 ORDER BY player_name`
	return r.listQuery(ctx, q, currencyID)
}

func (r accountPG) ListAll(ctx context.Context) ([]Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM account ORDER BY player_name, currency_id`
	return r.listQuery(ctx, q)
}

func (r accountPG) Insert(ctx context.Context, a *Account) error {
	if err := r.p.guard(); err != nil {
		return err
	}
	const q = `
INSERT INTO account (player_uuid, player_name, currency_id, balance, max_balance, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
RETURNING id
`
	now := r.p.clk.Now()
	if a.Version == 0 {
		a.Version = 1
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return r.p.db.QueryRowContext(ctx, q,
		a.PlayerUUID, a.PlayerName, a.CurrencyID, a.Balance, a.MaxBalance, a.Version, now,
	).Scan(&a.ID)
}

func (r accountPG) UpdateWithVersion(ctx context.Context, a *Account) (bool, error) {
	if err := r.p.guard(); err != nil {
		return false, err
	}
	const q = `
UPDATE account
SET balance = $1, max_balance = $2, player_uuid = $3, version = version + 1, updated_at = $4
WHERE id = $5 AND version = $6
`
	now := r.p.clk.Now()
	res, err := r.p.db.ExecContext(ctx, q, a.Balance, a.MaxBalance, a.PlayerUUID, now, a.ID, a.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	a.Version++
	a.UpdatedAt = now
	return true, nil
}

func (r accountPG) ForceUpdate(ctx context.Context, playerName string, currencyID int64, balance decimal.Decimal) (*Account, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < forceUpdateRetries; attempt++ {
		acct, err := r.Find(ctx, playerName, currencyID)
		if err != nil {
			return nil, err
		}
		acct.Balance = balance
		ok, err := r.UpdateWithVersion(ctx, acct)
		if err != nil {
			return nil, err
		}
		if ok {
			return acct, nil
		}
		r.p.logger.Warn("force update version conflict, retrying",
			zap.String("player", playerName), zap.Int64("currency_id", currencyID))
	}
	return nil, ErrVersionConflict
}

func (r accountPG) GetOrCreate(ctx context.Context, playerName, playerUUID string, currencyID int64) (*Account, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	const ins = `
INSERT INTO account (player_uuid, player_name, currency_id, balance, max_balance, version, created_at, updated_at)
VALUES ($1,$2,$3,0,-1,1,$4,$4)
ON CONFLICT (player_name, currency_id) DO NOTHING
`
	if _, err := r.p.db.ExecContext(ctx, ins, playerUUID, playerName, currencyID, r.p.clk.Now()); err != nil {
		return nil, err
	}
	acct, err := r.Find(ctx, playerName, currencyID)
	if err != nil {
		return nil, err
	}
	if playerUUID != "" && acct.PlayerUUID != playerUUID {
		// Advisory uuid refresh on name/uuid discovery; not a balance
		// update, so it does not consume a version.
		const upd = `UPDATE account SET player_uuid = $1, updated_at = $2 WHERE id = $3`
		if _, err := r.p.db.ExecContext(ctx, upd, playerUUID, r.p.clk.Now(), acct.ID); err != nil {
			return nil, err
		}
		acct.PlayerUUID = playerUUID
	}
	return acct, nil
}

// --- audit ---

type auditPG struct{ p *Postgres }

const txColumns = `id, player_uuid, player_name, currency_id, type, amount, balance_before, balance_after, reason, operator, occurred_at`

func (r auditPG) Insert(ctx context.Context, tx *Transaction) error {
	if err := r.p.guard(); err != nil {
		return err
	}
	const q = `
INSERT INTO transaction_log (player_uuid, player_name, currency_id, type, amount, balance_before, balance_after, reason, operator, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id
`
	return r.p.db.QueryRowContext(ctx, q,
		tx.PlayerUUID, tx.PlayerName, tx.CurrencyID, string(tx.Type),
		tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.Reason, tx.Operator, tx.OccurredAt,
	).Scan(&tx.ID)
}

func (r auditPG) listQuery(ctx context.Context, q string, args ...any) ([]Transaction, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	rows, err := r.p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Transaction, 0)
	for rows.Next() {
		var tx Transaction
		var typ string
		if err := rows.Scan(&tx.ID, &tx.PlayerUUID, &tx.PlayerName, &tx.CurrencyID, &typ,
			&tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter, &tx.Reason, &tx.Operator, &tx.OccurredAt); err != nil {
			return nil, err
		}
		tx.Type = TxType(typ)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r auditPG) ListByPlayer(ctx context.Context, playerName string, page, pageSize int) ([]Transaction, error) {
	limit, offset := pageOffset(page, pageSize)
	const q = `
SELECT ` + txColumns + ` FROM transaction_log
WHERE player_name = $1
ORDER BY occurred_at DESC, id DESC
LIMIT $2 OFFSET $3
`
	return r.listQuery(ctx, q, playerName, limit, offset)
}

func (r auditPG) ListByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64, page, pageSize int) ([]Transaction, error) {
	limit, offset := pageOffset(page, pageSize)
	const q = `
SELECT ` + txColumns + ` FROM transaction_log
WHERE player_name = $1 AND currency_id = $2
ORDER BY occurred_at DESC, id DESC
LIMIT $3 OFFSET $4
`
	return r.listQuery(ctx, q, playerName, currencyID, limit, offset)
}

func (r auditPG) CountByPlayer(ctx context.Context, playerName string) (int64, error) {
	if err := r.p.guard(); err != nil {
		return 0, err
	}
	const q = `SELECT COUNT(*) FROM transaction_log WHERE player_name = $1`
	var n int64
	err := r.p.db.QueryRowContext(ctx, q, playerName).Scan(&n)
	return n, err
}

func (r auditPG) CountByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64) (int64, error) {
	if err := r.p.guard(); err != nil {
		return 0, err
	}
	const q = `SELECT COUNT(*) FROM transaction_log WHERE player_name = $1 AND currency_id = $2`
	var n int64
	err := r.p.db.QueryRowContext(ctx, q, playerName, currencyID).Scan(&n)
	return n, err
}

// --- snapshot ---

type snapshotPG struct{ p *Postgres }

const backupColumns = `id, snapshot_id, player_uuid, player_name, currency_id, balance, memo, created_at`

func (r snapshotPG) InsertBatch(ctx context.Context, rows []BackupRow) error {
	if err := r.p.guard(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	const q = `
INSERT INTO backup_snapshot (snapshot_id, player_uuid, player_name, currency_id, balance, memo, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, q,
			row.SnapshotID, row.PlayerUUID, row.PlayerName, row.CurrencyID,
			row.Balance, row.Memo, row.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r snapshotPG) listQuery(ctx context.Context, q string, args ...any) ([]BackupRow, error) {
	if err := r.p.guard(); err != nil {
		return nil, err
	}
	rows, err := r.p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]BackupRow, 0)
	for rows.Next() {
		var b BackupRow
		if err := rows.Scan(&b.ID, &b.SnapshotID, &b.PlayerUUID, &b.PlayerName,
			&b.CurrencyID, &b.Balance, &b.Memo, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r snapshotPG) ListBySnapshot(ctx context.Context, snapshotID string) ([]BackupRow, error) {
	const q = `SELECT ` + backupColumns + ` FROM backup_snapshot WHERE snapshot_id = $1 ORDER BY id`
	return r.listQuery(ctx, q, snapshotID)
}

func (r snapshotPG) ListBySnapshotAndPlayer(ctx context.Context, snapshotID, playerName string) ([]BackupRow, error) {
	const q = `SELECT ` + backupColumns + ` FROM backup_snapshot WHERE snapshot_id = $1 AND player_name = $2 ORDER BY id`
	return r.listQuery(ctx, q, snapshotID, playerName)
}

func (r snapshotPG) ListDistinct(ctx context.Context) ([]BackupRow, error) {
	const q = `
SELECT ` + backupColumns + ` FROM (
  SELECT DISTINCT ON (snapshot_id) ` + backupColumns + `
  FROM backup_snapshot
  ORDER BY snapshot_id, id
) reps
ORDER BY created_at DESC, snapshot_id
`
	return r.listQuery(ctx, q)
}

func (r snapshotPG) CountDistinct(ctx context.Context) (int64, error) {
	if err := r.p.guard(); err != nil {
		return 0, err
	}
	const q = `SELECT COUNT(DISTINCT snapshot_id) FROM backup_snapshot`
	var n int64
	err := r.p.db.QueryRowContext(ctx, q).Scan(&n)
	return n, err
}

func (r snapshotPG) DeleteSnapshot(ctx context.Context, snapshotID string) (int64, error) {
	if err := r.p.guard(); err != nil {
		return 0, err
	}
	const q = `DELETE FROM backup_snapshot WHERE snapshot_id = $1`
	res, err := r.p.db.ExecContext(ctx, q, snapshotID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
