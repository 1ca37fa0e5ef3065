package ledger

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

func cacheKey(playerName string, currencyID int64) string {
	return playerName + "|" + strconv.FormatInt(currencyID, 10)
}

func (l *Ledger) keyLock(key string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (l *Ledger) cachedOrZero(key string) decimal.Decimal {
	if v, ok := l.cache.Load(key); ok {
		return v.(decimal.Decimal)
	}
	return decimal.Zero
}

// maxOverride returns the cached per-account max balance, or -1 (inherit
// the currency default) when the account has never been loaded.
func (l *Ledger) maxOverride(key string) int64 {
	if v, ok := l.maxCache.Load(key); ok {
		return v.(int64)
	}
	return -1
}

// effectiveMax resolves the cap for an account: a positive per-account
// override wins, otherwise the currency default applies; -1 is unlimited.
func effectiveMax(cur store.Currency, override int64) int64 {
	if override > 0 {
		return override
	}
	return cur.DefaultMaxBalance
}

func (l *Ledger) cacheLen() int {
	n := 0
	l.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// resolveCurrency looks the identifier up in the registry. Deposits and
// withdrawals additionally require the currency to be enabled; SetBalance
// is an operator action and works on disabled currencies.
func (l *Ledger) resolveCurrency(identifier string, typ store.TxType) (store.Currency, Result, bool) {
	cur, ok := l.registry.GetByIdentifier(identifier)
	if !ok {
		return store.Currency{}, failure(CodeUnknownCurrency, "unknown currency: "+identifier), false
	}
	if !cur.Enabled && (typ == store.TxDeposit || typ == store.TxWithdraw) {
		return store.Currency{}, failure(CodeCurrencyDisabled, "currency disabled: "+cur.Identifier), false
	}
	return cur, Result{}, true
}

func validateAmount(typ store.TxType, amt decimal.Decimal) (Result, bool) {
	switch typ {
	case store.TxSet:
		if !money.IsNonNegative(amt) {
			return failure(CodeInvalidAmount, "amount must be non-negative"), false
		}
	default:
		if !money.IsPositive(amt) {
			return failure(CodeInvalidAmount, "amount must be positive"), false
		}
	}
	return Result{}, true
}

// applyChange computes the post-mutation balance and enforces the
// sufficiency and limit checks. Only deposits are capped: a withdrawal
// never raises the balance, and SetBalance is an operator action that may
// place an account above its cap.
func applyChange(typ store.TxType, before, amt decimal.Decimal, cur store.Currency, override int64) (decimal.Decimal, Result, bool) {
	switch typ {
	case store.TxWithdraw:
		after := before.Sub(amt)
		if after.IsNegative() {
			return decimal.Decimal{}, failure(CodeInsufficientFunds, "insufficient funds"), false
		}
		return after, Result{}, true
	case store.TxSet:
		return amt, Result{}, true
	default:
		after := before.Add(amt)
		if em := effectiveMax(cur, override); em >= 0 && after.GreaterThan(decimal.NewFromInt(em)) {
			return decimal.Decimal{}, failure(CodeLimitExceeded, "balance limit exceeded"), false
		}
		return after, Result{}, true
	}
}

func (l *Ledger) logChange(typ store.TxType, req ChangeRequest, cur store.Currency, amt, before, after decimal.Decimal) {
	if !cur.ConsoleLog {
		return
	}
	l.logger.Info("balance change",
		zap.String("action", string(typ)),
		zap.String("player", req.PlayerName),
		zap.String("currency", cur.Identifier),
		zap.String("amount", money.Format(amt, cur.DecimalPlaces)),
		zap.String("before", money.Format(before, cur.DecimalPlaces)),
		zap.String("after", money.Format(after, cur.DecimalPlaces)),
		zap.String("reason", req.Reason),
		zap.String("operator", req.Operator))
}

// --- cached path ---

func (l *Ledger) Deposit(ctx context.Context, req ChangeRequest) Result {
	return l.mutateCached(ctx, store.TxDeposit, req)
}

func (l *Ledger) Withdraw(ctx context.Context, req ChangeRequest) Result {
	return l.mutateCached(ctx, store.TxWithdraw, req)
}

func (l *Ledger) SetBalance(ctx context.Context, req ChangeRequest) Result {
	return l.mutateCached(ctx, store.TxSet, req)
}

// mutateCached applies the change to the cache and answers immediately;
// persistence happens on the executor. The pre-change hook runs without
// any cache lock held, so the balance is re-derived under the key lock
// right before the cache write.
func (l *Ledger) mutateCached(ctx context.Context, typ store.TxType, req ChangeRequest) (res Result) {
	defer func() { l.metrics.ObserveMutation(typ, "cached", res.Code) }()

	if !l.store.Ready() {
		return failure(CodeNotReady, "store is not ready")
	}
	cur, fail, ok := l.resolveCurrency(req.Currency, typ)
	if !ok {
		return fail
	}
	amt := money.Scale(req.Amount, cur.DecimalPlaces, l.rounding)
	if fail, ok := validateAmount(typ, amt); !ok {
		return fail
	}

	key := cacheKey(req.PlayerName, cur.ID)
	before := l.cachedOrZero(key)
	after, fail, ok := applyChange(typ, before, amt, cur, l.maxOverride(key))
	if !ok {
		return fail
	}

	ev := &PreChangeEvent{
		PlayerName:    req.PlayerName,
		PlayerUUID:    req.PlayerUUID,
		Currency:      cur,
		Type:          typ,
		Amount:        amt,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        req.Reason,
		Operator:      req.Operator,
	}
	if !l.dispatchPre(ev) {
		return failure(CodeCancelled, "cancelled by subscriber")
	}

	mu := l.keyLock(key)
	mu.Lock()
	if now := l.cachedOrZero(key); !now.Equal(before) {
		before = now
		after, fail, ok = applyChange(typ, before, amt, cur, l.maxOverride(key))
		if !ok {
			mu.Unlock()
			return fail
		}
	}
	l.cache.Store(key, after)
	// Enqueued under the key lock so persists commit in cache-write order.
	from, to := before, after
	q := l.persistQueue(key)
	q.push(func() { l.persistChange(typ, req, cur, key, amt, from, to) })
	mu.Unlock()
	l.metrics.SetCacheEntries(l.cacheLen())

	l.kickPersists(key, q)
	l.logChange(typ, req, cur, amt, before, after)
	return success(after)
}

// keyQueue holds one cache key's pending persists. A single drainer at a
// time works the queue front to back, so sibling persists can never
// overtake each other and commit out of order.
type keyQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *keyQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

func (l *Ledger) persistQueue(key string) *keyQueue {
	v, _ := l.persistQueues.LoadOrStore(key, &keyQueue{})
	return v.(*keyQueue)
}

// kickPersists starts a drainer for the key unless one is already
// running. Executor saturation degrades the drain to the caller's
// goroutine, so durability becomes synchronous rather than dropped.
func (l *Ledger) kickPersists(key string, q *keyQueue) {
	q.mu.Lock()
	if q.running || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	drain := func() { l.drainPersists(q) }
	if !l.exec.TryRun(drain) {
		l.logger.Warn("async queue saturated, persisting inline",
			zap.String("key", key))
		drain()
	}
}

func (l *Ledger) drainPersists(q *keyQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		l.runPersist(fn)
	}
}

// runPersist isolates one persist so a panic cannot kill the drainer and
// strand the rest of the key's queue.
func (l *Ledger) runPersist(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("persist panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// persistChange writes a cached mutation through to the store. A version
// race means a concurrent writer won; the cache is overwritten from
// persistence. Any other failure rolls the cache back to the
// pre-mutation balance.
func (l *Ledger) persistChange(typ store.TxType, req ChangeRequest, cur store.Currency, key string, amt, before, after decimal.Decimal) {
	ctx := context.Background()
	acct, err := l.store.Accounts().GetOrCreate(ctx, req.PlayerName, req.PlayerUUID, cur.ID)
	if err != nil {
		l.metrics.ObservePersistError()
		l.rollbackCache(key, after, before)
		l.logger.Error("persist read failed, cache rolled back",
			zap.String("player", req.PlayerName),
			zap.Int64("currency_id", cur.ID),
			zap.Error(err))
		return
	}
	l.maxCache.Store(key, acct.MaxBalance)

	acct.Balance = after
	matched, err := l.store.Accounts().UpdateWithVersion(ctx, acct)
	if err != nil {
		l.metrics.ObservePersistError()
		l.rollbackCache(key, after, before)
		l.logger.Error("persist write failed, cache rolled back",
			zap.String("player", req.PlayerName),
			zap.Int64("currency_id", cur.ID),
			zap.Error(err))
		return
	}
	if !matched {
		l.metrics.ObservePersistConflict()
		l.resyncCache(ctx, key, req.PlayerName, cur.ID)
		l.logger.Warn("persist lost version race, cache resynced",
			zap.String("player", req.PlayerName),
			zap.Int64("currency_id", cur.ID))
		return
	}

	l.audit.Write(ctx, req.PlayerName, req.PlayerUUID, cur.ID, typ, amt, before, after, req.Reason, req.Operator)
	l.dispatchPost(PostChangeEvent{
		PlayerName:    req.PlayerName,
		PlayerUUID:    req.PlayerUUID,
		Currency:      cur,
		Type:          typ,
		Amount:        amt,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        req.Reason,
		Operator:      req.Operator,
	})
}

// rollbackCache restores the pre-mutation balance unless a newer mutation
// has already moved the entry past the failed value.
func (l *Ledger) rollbackCache(key string, expect, to decimal.Decimal) {
	mu := l.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	if now := l.cachedOrZero(key); now.Equal(expect) {
		l.cache.Store(key, to)
	}
}

// resyncCache overwrites the entry with the persisted balance.
func (l *Ledger) resyncCache(ctx context.Context, key, playerName string, currencyID int64) {
	acct, err := l.store.Accounts().Find(ctx, playerName, currencyID)
	mu := l.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	switch {
	case err == nil:
		l.cache.Store(key, acct.Balance)
		l.maxCache.Store(key, acct.MaxBalance)
	case errors.Is(err, store.ErrNotFound):
		l.cache.Delete(key)
	default:
		l.logger.Error("cache resync read failed", zap.String("key", key), zap.Error(err))
	}
}

// --- direct path ---

func (l *Ledger) DepositDirect(ctx context.Context, req ChangeRequest) Result {
	return l.mutateDirect(ctx, store.TxDeposit, req)
}

func (l *Ledger) WithdrawDirect(ctx context.Context, req ChangeRequest) Result {
	return l.mutateDirect(ctx, store.TxWithdraw, req)
}

func (l *Ledger) SetBalanceDirect(ctx context.Context, req ChangeRequest) Result {
	return l.mutateDirect(ctx, store.TxSet, req)
}

// mutateDirect works against persistence only: read fresh, recompute,
// attempt the versioned write, retrying a bounded number of times before
// answering CONFLICT.
func (l *Ledger) mutateDirect(ctx context.Context, typ store.TxType, req ChangeRequest) (res Result) {
	defer func() { l.metrics.ObserveMutation(typ, "direct", res.Code) }()

	if !l.store.Ready() {
		return failure(CodeNotReady, "store is not ready")
	}
	cur, fail, ok := l.resolveCurrency(req.Currency, typ)
	if !ok {
		return fail
	}
	amt := money.Scale(req.Amount, cur.DecimalPlaces, l.rounding)
	if fail, ok := validateAmount(typ, amt); !ok {
		return fail
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		acct, err := l.store.Accounts().GetOrCreate(ctx, req.PlayerName, req.PlayerUUID, cur.ID)
		if errors.Is(err, store.ErrNotReady) {
			return failure(CodeNotReady, "store is not ready")
		}
		if err != nil {
			return failure(CodeGenericFailure, err.Error())
		}

		before := acct.Balance
		after, fail, ok := applyChange(typ, before, amt, cur, acct.MaxBalance)
		if !ok {
			return fail
		}

		ev := &PreChangeEvent{
			PlayerName:    req.PlayerName,
			PlayerUUID:    req.PlayerUUID,
			Currency:      cur,
			Type:          typ,
			Amount:        amt,
			BalanceBefore: before,
			BalanceAfter:  after,
			Reason:        req.Reason,
			Operator:      req.Operator,
		}
		if !l.dispatchPre(ev) {
			return failure(CodeCancelled, "cancelled by subscriber")
		}

		acct.Balance = after
		matched, err := l.store.Accounts().UpdateWithVersion(ctx, acct)
		if err != nil {
			return failure(CodeGenericFailure, err.Error())
		}
		if !matched {
			continue
		}

		l.audit.Write(ctx, req.PlayerName, req.PlayerUUID, cur.ID, typ, amt, before, after, req.Reason, req.Operator)
		l.dispatchPost(PostChangeEvent{
			PlayerName:    req.PlayerName,
			PlayerUUID:    req.PlayerUUID,
			Currency:      cur,
			Type:          typ,
			Amount:        amt,
			BalanceBefore: before,
			BalanceAfter:  after,
			Reason:        req.Reason,
			Operator:      req.Operator,
		})
		l.refreshLoadedEntry(cacheKey(req.PlayerName, cur.ID), after, acct.MaxBalance)
		l.logChange(typ, req, cur, amt, before, after)
		return success(after)
	}
	return failure(CodeConflict, "version conflict, retries exhausted")
}

// refreshLoadedEntry updates the cache only when the player already has a
// loaded entry; direct mutations never populate the cache.
func (l *Ledger) refreshLoadedEntry(key string, balance decimal.Decimal, maxBalance int64) {
	if _, loaded := l.cache.Load(key); !loaded {
		return
	}
	mu := l.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	l.cache.Store(key, balance)
	l.maxCache.Store(key, maxBalance)
}

// --- reads ---

func (l *Ledger) GetBalance(ctx context.Context, playerName, currencyIdent string) Result {
	if !l.store.Ready() {
		return failure(CodeNotReady, "store is not ready")
	}
	cur, ok := l.registry.GetByIdentifier(currencyIdent)
	if !ok {
		return failure(CodeUnknownCurrency, "unknown currency: "+currencyIdent)
	}
	if v, ok := l.cache.Load(cacheKey(playerName, cur.ID)); ok {
		return success(v.(decimal.Decimal))
	}
	return l.readBalance(ctx, playerName, cur.ID)
}

func (l *Ledger) GetBalanceDirect(ctx context.Context, playerName, currencyIdent string) Result {
	if !l.store.Ready() {
		return failure(CodeNotReady, "store is not ready")
	}
	cur, ok := l.registry.GetByIdentifier(currencyIdent)
	if !ok {
		return failure(CodeUnknownCurrency, "unknown currency: "+currencyIdent)
	}
	return l.readBalance(ctx, playerName, cur.ID)
}

func (l *Ledger) readBalance(ctx context.Context, playerName string, currencyID int64) Result {
	acct, err := l.store.Accounts().Find(ctx, playerName, currencyID)
	if errors.Is(err, store.ErrNotFound) {
		return success(decimal.Zero)
	}
	if errors.Is(err, store.ErrNotReady) {
		return failure(CodeNotReady, "store is not ready")
	}
	if err != nil {
		return failure(CodeGenericFailure, err.Error())
	}
	return success(acct.Balance)
}

// ListAccounts returns the player's accounts with cached balances
// overlaid for loaded entries.
func (l *Ledger) ListAccounts(ctx context.Context, playerName string) ([]store.Account, error) {
	accounts, err := l.store.Accounts().ListByPlayer(ctx, playerName)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if v, ok := l.cache.Load(cacheKey(playerName, accounts[i].CurrencyID)); ok {
			accounts[i].Balance = v.(decimal.Decimal)
		}
	}
	return accounts, nil
}

func (l *Ledger) ListAccountsDirect(ctx context.Context, playerName string) ([]store.Account, error) {
	return l.store.Accounts().ListByPlayer(ctx, playerName)
}

// --- max balance ---

// SetMaxBalance updates the per-account cap. Zero or negative values fall
// back to the currency default.
func (l *Ledger) SetMaxBalance(ctx context.Context, playerName, currencyIdent string, maxBalance int64) Result {
	if !l.store.Ready() {
		return failure(CodeNotReady, "store is not ready")
	}
	cur, ok := l.registry.GetByIdentifier(currencyIdent)
	if !ok {
		return failure(CodeUnknownCurrency, "unknown currency: "+currencyIdent)
	}
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		acct, err := l.store.Accounts().GetOrCreate(ctx, playerName, "", cur.ID)
		if err != nil {
			return failure(CodeGenericFailure, err.Error())
		}
		acct.MaxBalance = maxBalance
		matched, err := l.store.Accounts().UpdateWithVersion(ctx, acct)
		if err != nil {
			return failure(CodeGenericFailure, err.Error())
		}
		if !matched {
			continue
		}
		key := cacheKey(playerName, cur.ID)
		if _, loaded := l.cache.Load(key); loaded {
			l.maxCache.Store(key, maxBalance)
		}
		return success(acct.Balance)
	}
	return failure(CodeConflict, "version conflict, retries exhausted")
}

// --- cache lifecycle ---

// LoadPlayerBalances warms the cache with the player's accounts across
// every enabled currency, creating missing rows with zero balance.
func (l *Ledger) LoadPlayerBalances(ctx context.Context, playerName, playerUUID string) error {
	if !l.store.Ready() {
		return store.ErrNotReady
	}
	for _, cur := range l.registry.ListEnabled() {
		acct, err := l.store.Accounts().GetOrCreate(ctx, playerName, playerUUID, cur.ID)
		if err != nil {
			return err
		}
		key := cacheKey(playerName, cur.ID)
		l.cache.Store(key, acct.Balance)
		l.maxCache.Store(key, acct.MaxBalance)
	}
	l.metrics.SetCacheEntries(l.cacheLen())
	return nil
}

// UnloadPlayer drops every cache entry belonging to the player. Key
// locks stay in the map: removing one while a concurrent mutation holds
// it would let keyLock mint a second mutex for the same key.
func (l *Ledger) UnloadPlayer(playerName string) {
	prefix := playerName + "|"
	l.cache.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			l.cache.Delete(k)
			l.maxCache.Delete(k)
		}
		return true
	})
	l.metrics.SetCacheEntries(l.cacheLen())
}

// ClearCache drops every balance entry. Persistence and the key locks
// are untouched.
func (l *Ledger) ClearCache() {
	l.cache.Range(func(k, _ any) bool {
		l.cache.Delete(k)
		return true
	})
	l.maxCache.Range(func(k, _ any) bool {
		l.maxCache.Delete(k)
		return true
	})
	l.metrics.SetCacheEntries(0)
}

// RefreshCacheEntry overwrites one entry from persistence, removing it
// when the row no longer exists.
func (l *Ledger) RefreshCacheEntry(ctx context.Context, playerName string, currencyID int64) error {
	key := cacheKey(playerName, currencyID)
	acct, err := l.store.Accounts().Find(ctx, playerName, currencyID)
	if errors.Is(err, store.ErrNotFound) {
		l.cache.Delete(key)
		l.maxCache.Delete(key)
		return nil
	}
	if err != nil {
		return err
	}
	mu := l.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	l.cache.Store(key, acct.Balance)
	l.maxCache.Store(key, acct.MaxBalance)
	return nil
}
