// Package audit appends transaction records and serves the paged history.
// Rows are append-only; nothing in this package updates or deletes them.
package audit

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

type Writer struct {
	repo   store.AuditRepo
	clk    clock.Clock
	logger *zap.Logger
}

func NewWriter(repo store.AuditRepo, clk clock.Clock, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{repo: repo, clk: clk, logger: logger}
}

// Write appends one record with occurred_at set to the current wall time.
// A failed append never rolls back the mutation it describes: the error is
// logged and swallowed, and the missing row is an alertable anomaly.
func (w *Writer) Write(ctx context.Context, playerName, playerUUID string, currencyID int64, typ store.TxType, amount, before, after decimal.Decimal, reason, operator string) {
	rec := &store.Transaction{
		PlayerUUID:    playerUUID,
		PlayerName:    playerName,
		CurrencyID:    currencyID,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        reason,
		Operator:      operator,
		OccurredAt:    w.clk.Now(),
	}
	if err := w.repo.Insert(ctx, rec); err != nil {
		w.logger.Error("audit append failed",
			zap.String("player", playerName),
			zap.Int64("currency_id", currencyID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

func (w *Writer) LogsByPlayer(ctx context.Context, playerName string, page, pageSize int) ([]store.Transaction, error) {
	return w.repo.ListByPlayer(ctx, playerName, page, pageSize)
}

func (w *Writer) LogsByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64, page, pageSize int) ([]store.Transaction, error) {
	return w.repo.ListByPlayerAndCurrency(ctx, playerName, currencyID, page, pageSize)
}

func (w *Writer) CountByPlayer(ctx context.Context, playerName string) (int64, error) {
	return w.repo.CountByPlayer(ctx, playerName)
}

func (w *Writer) CountByPlayerAndCurrency(ctx context.Context, playerName string, currencyID int64) (int64, error) {
	return w.repo.CountByPlayerAndCurrency(ctx, playerName, currencyID)
}
