package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/clock"
)

// Memory is an in-process Store with the same semantics as the Postgres
// implementation, including the version column. It backs the DB-less run
// mode and the unit tests.
type Memory struct {
	mu    sync.Mutex
	clk   clock.Clock
	ready bool

	nextCurrencyID int64
	nextAccountID  int64
	nextTxID       int64
	nextBackupID   int64

	currencies map[int64]*Currency
	accounts   map[int64]*Account
	txLog      []Transaction
	backups    []BackupRow
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:        clk,
		ready:      true,
		currencies: make(map[int64]*Currency),
		accounts:   make(map[int64]*Account),
	}
}

func (m *Memory) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// SetReady toggles the readiness gate, letting tests exercise NotReady
// behavior.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *Memory) guardLocked() error {
	if !m.ready {
		return ErrNotReady
	}
	return nil
}

func (m *Memory) Currencies() CurrencyRepo { return memCurrency{m} }
func (m *Memory) Accounts() AccountRepo    { return memAccount{m} }
func (m *Memory) Audit() AuditRepo         { return memAudit{m} }
func (m *Memory) Snapshots() SnapshotRepo  { return memSnapshot{m} }

// --- currency ---

type memCurrency struct{ m *Memory }

func (r memCurrency) FindByID(_ context.Context, id int64) (*Currency, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	c, ok := r.m.currencies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r memCurrency) FindByIdentifier(_ context.Context, identifier string, includeDeleted bool) (*Currency, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	for _, c := range r.m.currencies {
		if strings.EqualFold(c.Identifier, identifier) && (includeDeleted || !c.Deleted) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memCurrency) list(filter func(*Currency) bool) []Currency {
	out := make([]Currency, 0)
	for _, c := range r.m.currencies {
		if filter(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r memCurrency) ListActive(_ context.Context) ([]Currency, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	return r.list(func(c *Currency) bool { return !c.Deleted }), nil
}

func (r memCurrency) ListEnabled(_ context.Context) ([]Currency, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	return r.list(func(c *Currency) bool { return !c.Deleted && c.Enabled }), nil
}

func (r memCurrency) FindPrimary(_ context.Context) (*Currency, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	for _, c := range r.m.currencies {
		if c.IsPrimary && !c.Deleted {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memCurrency) Insert(_ context.Context, c *Currency) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return err
	}
	r.m.nextCurrencyID++
	now := r.m.clk.Now()
	c.ID = r.m.nextCurrencyID
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.m.currencies[c.ID] = &cp
	return nil
}

func (r memCurrency) Update(_ context.Context, c *Currency) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return err
	}
	stored, ok := r.m.currencies[c.ID]
	if !ok {
		return ErrNotFound
	}
	now := r.m.clk.Now()
	stored.Name = c.Name
	stored.Symbol = c.Symbol
	stored.DecimalPlaces = c.DecimalPlaces
	stored.DefaultMaxBalance = c.DefaultMaxBalance
	stored.IsPrimary = c.IsPrimary
	stored.Enabled = c.Enabled
	stored.ConsoleLog = c.ConsoleLog
	stored.UpdatedAt = now
	c.UpdatedAt = now
	return nil
}

func (r memCurrency) SoftDelete(_ context.Context, id int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return err
	}
	c, ok := r.m.currencies[id]
	if !ok {
		return ErrNotFound
	}
	c.Deleted = true
	c.Enabled = false
	c.IsPrimary = false
	c.UpdatedAt = r.m.clk.Now()
	return nil
}

func (r memCurrency) ClearPrimary(_ context.Context) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return err
	}
	now := r.m.clk.Now()
	for _, c := range r.m.currencies {
		if c.IsPrimary && !c.Deleted {
			c.IsPrimary = false
			c.UpdatedAt = now
		}
	}
	return nil
}

// --- account ---

type memAccount struct{ m *Memory }

func (r memAccount) findLocked(playerName string, currencyID int64) *Account {
	for _, a := range r.m.accounts {
		if a.PlayerName == playerName && a.CurrencyID == currencyID {
			return a
		}
	}
	return nil
}

func (r memAccount) Find(_ context.Context, playerName string, currencyID int64) (*Account, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	a := r.findLocked(playerName, currencyID)
	if a == nil {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r memAccount) list(filter func(*Account) bool) []Account {
	out := make([]Account, 0)
	for _, a := range r.m.accounts {
		if filter(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlayerName != out[j].PlayerName {
			return out[i].PlayerName < out[j].PlayerName
		}
		return out[i].CurrencyID < out[j].CurrencyID
	})
	return out
}

func (r memAccount) ListByPlayer(_ context.Context, playerName string) ([]Account, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	return r.list(func(a *Account) bool { return a.PlayerName == playerName }), nil
}

func (r memAccount) ListByCurrency(_ context.Context, currencyID int64) ([]Account, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	return r.list(func(a *Account) bool { return a.CurrencyID == currencyID }), nil
}

func (r memAccount) ListAll(_ context.Context) ([]Account, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	return r.list(func(*Account) bool { return true }), nil
}

func (r memAccount) Insert(_ context.Context, a *Account) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return err
	}
	r.m.nextAccountID++
	now := r.m.clk.Now()
	a.ID = r.m.nextAccountID
	if a.Version == 0 {
		a.Version = 1
	}
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	r.m.accounts[a.ID] = &cp
	return nil
}

func (r memAccount) UpdateWithVersion(_ context.Context, a *Account) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return false, err
	}
	stored, ok := r.m.accounts[a.ID]
	if !ok || stored.Version != a.Version {
		return false, nil
	}
	now := r.m.clk.Now()
	stored.Balance = a.Balance
	stored.MaxBalance = a.MaxBalance
	stored.PlayerUUID = a.PlayerUUID
	stored.Version++
	stored.UpdatedAt = now
	a.Version = stored.Version
	a.UpdatedAt = now
	return true, nil
}

func (r memAccount) ForceUpdate(ctx context.Context, playerName string, currencyID int64, balance decimal.Decimal) (*Account, error) {
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
	}
	return nil, ErrVersionConflict
}

func (r memAccount) GetOrCreate(_ context.Context, playerName, playerUUID string, currencyID int64) (*Account, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	if a := r.findLocked(playerName, currencyID); a != nil {
		if playerUUID != "" && a.PlayerUUID != playerUUID {
			a.PlayerUUID = playerUUID
			a.UpdatedAt = r.m.clk.Now()
		}
		cp := *a
		return &cp, nil
	}
	r.m.nextAccountID++
	now := r.m.clk.Now()
	a := &Account{
		ID:         r.m.nextAccountID,
		PlayerUUID: playerUUID,
		PlayerName: playerName,
		CurrencyID: currencyID,
		Balance:    decimal.Zero,
		MaxBalance: -1,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.m.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

// --- audit ---

type memAudit struct{ m *Memory }

func (r memAudit) Insert(_ context.Context, tx *Transaction) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return err
	}
	r.m.nextTxID++
	tx.ID = r.m.nextTxID
	r.m.txLog = append(r.m.txLog, *tx)
	return nil
}

func (r memAudit) selectPage(filter func(Transaction) bool, page, pageSize int) []Transaction {
	matched := make([]Transaction, 0)
	for _, tx := range r.m.txLog {
		if filter(tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.After(matched[j].OccurredAt)
		}
		return matched[i].ID > matched[j].ID
	})
	limit, offset := pageOffset(page, pageSize)
	if offset >= len(matched) {
		return []Transaction{}
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

func (r memAudit) ListByPlayer(_ context.Context, playerName string, page, pageSize int) ([]Transaction, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	return r.selectPage(func(tx Transaction) bool { return tx.PlayerName == playerName }, page, pageSize), nil
}

func (r memAudit) ListByPlayerAndCurrency(_ context.Context, playerName string, currencyID int64, page, pageSize int) ([]Transaction, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	return r.selectPage(func(tx Transaction) bool {
		return tx.PlayerName == playerName && tx.CurrencyID == currencyID
	}, page, pageSize), nil
}

func (r memAudit) CountByPlayer(_ context.Context, playerName string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return 0, err
	}
	var n int64
	for _, tx := range r.m.txLog {
		if tx.PlayerName == playerName {
			n++
		}
	}
	return n, nil
}

func (r memAudit) CountByPlayerAndCurrency(_ context.Context, playerName string, currencyID int64) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return 0, err
	}
	var n int64
	for _, tx := range r.m.txLog {
		if tx.PlayerName == playerName && tx.CurrencyID == currencyID {
			n++
		}
	}
	return n, nil
}

// --- snapshot ---

type memSnapshot struct{ m *Memory }

func (r memSnapshot) InsertBatch(_ context.Context, rows []BackupRow) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return err
	}
	for _, row := range rows {
		r.m.nextBackupID++
		row.ID = r.m.nextBackupID
		r.m.backups = append(r.m.backups, row)
	}
	return nil
}

func (r memSnapshot) ListBySnapshot(_ context.Context, snapshotID string) ([]BackupRow, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	out := make([]BackupRow, 0)
	for _, b := range r.m.backups {
		if b.SnapshotID == snapshotID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r memSnapshot) ListBySnapshotAndPlayer(_ context.Context, snapshotID, playerName string) ([]BackupRow, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	out := make([]BackupRow, 0)
	for _, b := range r.m.backups {
		if b.SnapshotID == snapshotID && b.PlayerName == playerName {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r memSnapshot) ListDistinct(_ context.Context) ([]BackupRow, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return nil, err
	}
	seen := make(map[string]BackupRow)
	for _, b := range r.m.backups {
		if _, ok := seen[b.SnapshotID]; !ok {
			seen[b.SnapshotID] = b
		}
	}
	out := make([]BackupRow, 0, len(seen))
	for _, b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].SnapshotID < out[j].SnapshotID
	})
	return out, nil
}

func (r memSnapshot) CountDistinct(_ context.Context) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, b := range r.m.backups {
		seen[b.SnapshotID] = struct{}{}
	}
	return int64(len(seen)), nil
}

func (r memSnapshot) DeleteSnapshot(_ context.Context, snapshotID string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.guardLocked(); err != nil {
		return 0, err
	}
	kept := r.m.backups[:0]
	var deleted int64
	for _, b := range r.m.backups {
		if b.SnapshotID == snapshotID {
			deleted++
			continue
		}
		kept = append(kept, b)
	}
	r.m.backups = kept
	return deleted, nil
}
