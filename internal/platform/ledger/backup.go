package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

var (
	// ErrSnapshotEmpty is returned when there are no accounts to back up.
	ErrSnapshotEmpty = errors.New("no accounts to snapshot")

	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// rollbackOperator marks audit rows written by the backup engine.
const rollbackOperator = "SYSTEM"

// CreateSnapshot freezes every account balance under a fresh snapshot id
// and prunes the oldest snapshots beyond the retention limit. It returns
// the snapshot id and the number of rows captured.
func (l *Ledger) CreateSnapshot(ctx context.Context, memo string) (string, int, error) {
	if !l.store.Ready() {
		return "", 0, store.ErrNotReady
	}
	accounts, err := l.store.Accounts().ListAll(ctx)
	if err != nil {
		return "", 0, err
	}
	if len(accounts) == 0 {
		return "", 0, ErrSnapshotEmpty
	}

	id := uuid.NewString()
	now := l.clk.Now()
	rows := make([]store.BackupRow, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, store.BackupRow{
			SnapshotID: id,
			PlayerUUID: a.PlayerUUID,
			PlayerName: a.PlayerName,
			CurrencyID: a.CurrencyID,
			Balance:    a.Balance,
			Memo:       memo,
			CreatedAt:  now,
		})
	}
	if err := l.store.Snapshots().InsertBatch(ctx, rows); err != nil {
		return "", 0, err
	}
	l.metrics.ObserveSnapshotCreated(len(rows))
	l.logger.Info("snapshot created",
		zap.String("snapshot_id", id),
		zap.Int("rows", len(rows)),
		zap.String("memo", memo))

	if err := l.pruneSnapshots(ctx); err != nil {
		l.logger.Warn("snapshot retention prune failed", zap.Error(err))
	}
	return id, len(rows), nil
}

// pruneSnapshots deletes the oldest snapshots past the retention limit.
func (l *Ledger) pruneSnapshots(ctx context.Context) error {
	n, err := l.store.Snapshots().CountDistinct(ctx)
	if err != nil {
		return err
	}
	if n <= int64(l.maxSnapshots) {
		return nil
	}
	heads, err := l.store.Snapshots().ListDistinct(ctx)
	if err != nil {
		return err
	}
	for _, victim := range heads[l.maxSnapshots:] {
		if _, err := l.store.Snapshots().DeleteSnapshot(ctx, victim.SnapshotID); err != nil {
			return err
		}
		l.logger.Info("snapshot pruned", zap.String("snapshot_id", victim.SnapshotID))
	}
	return nil
}

// ListSnapshots returns one representative row per snapshot, newest
// first.
func (l *Ledger) ListSnapshots(ctx context.Context) ([]store.BackupRow, error) {
	if !l.store.Ready() {
		return nil, store.ErrNotReady
	}
	return l.store.Snapshots().ListDistinct(ctx)
}

// Rollback restores every account captured in the snapshot and returns
// the number of accounts restored.
func (l *Ledger) Rollback(ctx context.Context, snapshotID string) (int, error) {
	if !l.store.Ready() {
		return 0, store.ErrNotReady
	}
	rows, err := l.store.Snapshots().ListBySnapshot(ctx, snapshotID)
	if err != nil {
		return 0, err
	}
	return l.restoreRows(ctx, snapshotID, rows)
}

// RollbackPlayer restores only the named player's rows from the
// snapshot.
func (l *Ledger) RollbackPlayer(ctx context.Context, snapshotID, playerName string) (int, error) {
	if !l.store.Ready() {
		return 0, store.ErrNotReady
	}
	rows, err := l.store.Snapshots().ListBySnapshotAndPlayer(ctx, snapshotID, playerName)
	if err != nil {
		return 0, err
	}
	return l.restoreRows(ctx, snapshotID, rows)
}

func (l *Ledger) restoreRows(ctx context.Context, snapshotID string, rows []store.BackupRow) (int, error) {
	if len(rows) == 0 {
		return 0, ErrSnapshotNotFound
	}
	reason := "rollback:" + snapshotID
	applied := 0
	for _, row := range rows {
		acct, err := l.store.Accounts().GetOrCreate(ctx, row.PlayerName, row.PlayerUUID, row.CurrencyID)
		if err != nil {
			l.logger.Error("rollback read failed",
				zap.String("player", row.PlayerName),
				zap.Int64("currency_id", row.CurrencyID),
				zap.Error(err))
			continue
		}
		before := acct.Balance
		forced, err := l.store.Accounts().ForceUpdate(ctx, row.PlayerName, row.CurrencyID, row.Balance)
		if err != nil {
			l.logger.Error("rollback write failed",
				zap.String("player", row.PlayerName),
				zap.Int64("currency_id", row.CurrencyID),
				zap.Error(err))
			continue
		}
		applied++

		delta := forced.Balance.Sub(before).Abs()
		l.audit.Write(ctx, row.PlayerName, row.PlayerUUID, row.CurrencyID, store.TxRollback,
			delta, before, forced.Balance, reason, rollbackOperator)
		l.refreshLoadedEntry(cacheKey(row.PlayerName, row.CurrencyID), forced.Balance, forced.MaxBalance)
	}
	l.metrics.ObserveRollback(applied)
	l.logger.Info("rollback applied",
		zap.String("snapshot_id", snapshotID),
		zap.Int("accounts", applied))
	return applied, nil
}
