package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/async"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/currency"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

var testTime = time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)

func newLedgerOver(t *testing.T, st store.Store, clk clock.Clock) *Ledger {
	t.Helper()
	seed := config.DefaultCurrency{Identifier: "coin", Name: "Coin", Symbol: "¤", DecimalPlaces: 2, DefaultMaxBalance: -1}
	reg := currency.NewRegistry(st.Currencies(), seed, zap.NewNop())
	if err := reg.Init(context.Background()); err != nil {
		t.Fatalf("init registry: %v", err)
	}
	exec := async.New(2, 64, zap.NewNop())
	t.Cleanup(func() { exec.Shutdown(0) })
	return New(Params{
		Store:        st,
		Registry:     reg,
		Audit:        audit.NewWriter(st.Audit(), clk, zap.NewNop()),
		Executor:     exec,
		Clock:        clk,
		Logger:       zap.NewNop(),
		Rounding:     money.Down,
		MaxSnapshots: 3,
	})
}

func newMemLedger(t *testing.T) (*Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(clock.Fixed{At: testTime})
	return newLedgerOver(t, mem, clock.Fixed{At: testTime}), mem
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustBalance(t *testing.T, r Result, want string) {
	t.Helper()
	if !r.OK() {
		t.Fatalf("result = %s (%s)", r.Code, r.Message)
	}
	if !r.Balance.Equal(dec(want)) {
		t.Fatalf("balance = %s, want %s", r.Balance, want)
	}
}

func TestDepositCreatesAuditTrail(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	r := led.Deposit(ctx, ChangeRequest{
		PlayerName: "alice",
		Currency:   "coin",
		Amount:     dec("100.00"),
		Reason:     "init",
		Operator:   "ADMIN",
	})
	mustBalance(t, r, "100.00")
	led.exec.Drain()

	mustBalance(t, led.GetBalanceDirect(ctx, "alice", "coin"), "100.00")

	logs, err := led.LogsByPlayer(ctx, "alice", 1, 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("log count = %d", len(logs))
	}
	rec := logs[0]
	if rec.Type != store.TxDeposit || !rec.BalanceBefore.Equal(dec("0")) || !rec.BalanceAfter.Equal(dec("100.00")) {
		t.Fatalf("audit row unexpected: %+v", rec)
	}
	if rec.Reason != "init" || rec.Operator != "ADMIN" {
		t.Fatalf("audit attribution unexpected: %+v", rec)
	}
}

func TestTwoCurrenciesStayIndependent(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "point", "Point", 0, "", -1, false); err != nil {
		t.Fatalf("create point: %v", err)
	}

	mustBalance(t, led.SetBalance(ctx, ChangeRequest{PlayerName: "bob", Currency: "coin", Amount: dec("50.00"), Operator: "T"}), "50.00")
	mustBalance(t, led.SetBalance(ctx, ChangeRequest{PlayerName: "bob", Currency: "point", Amount: dec("7"), Operator: "T"}), "7")

	mustBalance(t, led.Withdraw(ctx, ChangeRequest{PlayerName: "bob", Currency: "coin", Amount: dec("20.00"), Operator: "T"}), "30.00")
	mustBalance(t, led.GetBalance(ctx, "bob", "point"), "7")

	r := led.Withdraw(ctx, ChangeRequest{PlayerName: "bob", Currency: "point", Amount: dec("1000"), Operator: "T"})
	if r.Code != CodeInsufficientFunds {
		t.Fatalf("overdraw code = %s", r.Code)
	}
	mustBalance(t, led.GetBalance(ctx, "bob", "point"), "7")

	led.exec.Drain()
	mustBalance(t, led.GetBalanceDirect(ctx, "bob", "coin"), "30.00")
	mustBalance(t, led.GetBalanceDirect(ctx, "bob", "point"), "7")
}

func TestLimitExceededLeavesNoTrace(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "strict", "Strict", 0, "", 10, false); err != nil {
		t.Fatalf("create strict: %v", err)
	}
	mustBalance(t, led.SetBalance(ctx, ChangeRequest{PlayerName: "carol", Currency: "strict", Amount: dec("0"), Operator: "T"}), "0")
	led.exec.Drain()

	r := led.Deposit(ctx, ChangeRequest{PlayerName: "carol", Currency: "strict", Amount: dec("11"), Operator: "T"})
	if r.Code != CodeLimitExceeded {
		t.Fatalf("code = %s", r.Code)
	}
	led.exec.Drain()
	mustBalance(t, led.GetBalance(ctx, "carol", "strict"), "0")

	logs, err := led.LogsByPlayer(ctx, "carol", 1, 50)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	for _, rec := range logs {
		if rec.Type == store.TxDeposit {
			t.Fatalf("rejected deposit left an audit row: %+v", rec)
		}
	}
}

func TestDirectDepositConcurrency(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "con", "Con", 2, "", -1, false); err != nil {
		t.Fatalf("create con: %v", err)
	}

	const workers = 16
	const perWorker = 25
	var successes, failures atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r := led.DepositDirect(ctx, ChangeRequest{PlayerName: "dave", Currency: "con", Amount: dec("1"), Operator: "T"})
				switch r.Code {
				case CodeSuccess:
					successes.Add(1)
				case CodeConflict:
					// lost the version race after retries
				default:
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("unexpected failures: %d", failures.Load())
	}
	got := led.GetBalanceDirect(ctx, "dave", "con")
	if !got.OK() {
		t.Fatalf("read: %s", got.Code)
	}
	if !got.Balance.Equal(decimal.NewFromInt(successes.Load())) {
		t.Fatalf("balance = %s, successes = %d", got.Balance, successes.Load())
	}
}

func TestDirectWithdrawNeverOverdraws(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "con", "Con", 2, "", -1, false); err != nil {
		t.Fatalf("create con: %v", err)
	}
	mustBalance(t, led.SetBalanceDirect(ctx, ChangeRequest{PlayerName: "dave", Currency: "con", Amount: dec("200"), Operator: "T"}), "200")

	const workers = 16
	const perWorker = 25
	var successes atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r := led.WithdrawDirect(ctx, ChangeRequest{PlayerName: "dave", Currency: "con", Amount: dec("1"), Operator: "T"})
				if r.OK() {
					successes.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if successes.Load() > 200 {
		t.Fatalf("successes = %d, more than the funds allowed", successes.Load())
	}
	got := led.GetBalanceDirect(ctx, "dave", "con")
	if !got.OK() {
		t.Fatalf("read: %s", got.Code)
	}
	want := decimal.NewFromInt(200 - successes.Load())
	if !got.Balance.Equal(want) {
		t.Fatalf("balance = %s, want %s", got.Balance, want)
	}
	if got.Balance.IsNegative() {
		t.Fatalf("balance went negative: %s", got.Balance)
	}
}

func TestAmountBoundaries(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "cap", "Cap", 2, "", 10, false); err != nil {
		t.Fatalf("create cap: %v", err)
	}

	if r := led.Deposit(ctx, ChangeRequest{PlayerName: "erin", Currency: "cap", Amount: dec("0"), Operator: "T"}); r.Code != CodeInvalidAmount {
		t.Fatalf("zero deposit code = %s", r.Code)
	}
	// Below the precision quantum, DOWN rounding truncates to zero.
	if r := led.Deposit(ctx, ChangeRequest{PlayerName: "erin", Currency: "cap", Amount: dec("0.004"), Operator: "T"}); r.Code != CodeInvalidAmount {
		t.Fatalf("sub-quantum deposit code = %s", r.Code)
	}

	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "erin", Currency: "cap", Amount: dec("10.00"), Operator: "T"}), "10.00")
	if r := led.Deposit(ctx, ChangeRequest{PlayerName: "erin", Currency: "cap", Amount: dec("0.01"), Operator: "T"}); r.Code != CodeLimitExceeded {
		t.Fatalf("over-limit deposit code = %s", r.Code)
	}

	mustBalance(t, led.Withdraw(ctx, ChangeRequest{PlayerName: "erin", Currency: "cap", Amount: dec("10.00"), Operator: "T"}), "0.00")
	led.exec.Drain()
}

func TestUnknownAndDisabledCurrency(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if r := led.Deposit(ctx, ChangeRequest{PlayerName: "alice", Currency: "nope", Amount: dec("1"), Operator: "T"}); r.Code != CodeUnknownCurrency {
		t.Fatalf("unknown currency code = %s", r.Code)
	}

	if err := led.DisableCurrency(ctx, "coin"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if r := led.Deposit(ctx, ChangeRequest{PlayerName: "alice", Currency: "coin", Amount: dec("1"), Operator: "T"}); r.Code != CodeCurrencyDisabled {
		t.Fatalf("disabled deposit code = %s", r.Code)
	}
	if r := led.Withdraw(ctx, ChangeRequest{PlayerName: "alice", Currency: "coin", Amount: dec("1"), Operator: "T"}); r.Code != CodeCurrencyDisabled {
		t.Fatalf("disabled withdraw code = %s", r.Code)
	}
	// Operator resets still work on disabled currencies.
	mustBalance(t, led.SetBalance(ctx, ChangeRequest{PlayerName: "alice", Currency: "coin", Amount: dec("5"), Operator: "T"}), "5")
	led.exec.Drain()
}

func TestNotReadyRefusesEverything(t *testing.T) {
	led, mem := newMemLedger(t)
	ctx := context.Background()
	mem.SetReady(false)

	if led.IsReady() {
		t.Fatal("ledger ready with store down")
	}
	if r := led.Deposit(ctx, ChangeRequest{PlayerName: "alice", Currency: "coin", Amount: dec("1"), Operator: "T"}); r.Code != CodeNotReady {
		t.Fatalf("deposit code = %s", r.Code)
	}
	if r := led.DepositDirect(ctx, ChangeRequest{PlayerName: "alice", Currency: "coin", Amount: dec("1"), Operator: "T"}); r.Code != CodeNotReady {
		t.Fatalf("direct deposit code = %s", r.Code)
	}
	if r := led.GetBalance(ctx, "alice", "coin"); r.Code != CodeNotReady {
		t.Fatalf("read code = %s", r.Code)
	}
	if _, _, err := led.CreateSnapshot(ctx, "x"); err != store.ErrNotReady {
		t.Fatalf("snapshot err = %v", err)
	}
}

func TestSetMaxBalanceOverridesCurrencyDefault(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "cap", "Cap", 2, "", 100, false); err != nil {
		t.Fatalf("create cap: %v", err)
	}
	mustBalance(t, led.SetBalanceDirect(ctx, ChangeRequest{PlayerName: "frank", Currency: "cap", Amount: dec("50"), Operator: "T"}), "50")

	if r := led.SetMaxBalance(ctx, "frank", "cap", 10); !r.OK() {
		t.Fatalf("set max: %s", r.Code)
	}
	if r := led.DepositDirect(ctx, ChangeRequest{PlayerName: "frank", Currency: "cap", Amount: dec("1"), Operator: "T"}); r.Code != CodeLimitExceeded {
		t.Fatalf("deposit over override code = %s", r.Code)
	}

	// Zero clears the override back to the currency default.
	if r := led.SetMaxBalance(ctx, "frank", "cap", 0); !r.OK() {
		t.Fatalf("clear max: %s", r.Code)
	}
	mustBalance(t, led.DepositDirect(ctx, ChangeRequest{PlayerName: "frank", Currency: "cap", Amount: dec("10"), Operator: "T"}), "60")
}

func TestCacheLifecycle(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "point", "Point", 0, "", -1, false); err != nil {
		t.Fatalf("create point: %v", err)
	}
	if err := led.LoadPlayerBalances(ctx, "gina", "uuid-g"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if led.cacheLen() != 2 {
		t.Fatalf("cache entries = %d, want 2", led.cacheLen())
	}

	led.UnloadPlayer("gina")
	if led.cacheLen() != 0 {
		t.Fatalf("cache entries after unload = %d", led.cacheLen())
	}

	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "gina", Currency: "coin", Amount: dec("3"), Operator: "T"}), "3")
	led.ClearCache()
	if led.cacheLen() != 0 {
		t.Fatal("clear cache left entries")
	}
	led.exec.Drain()
	// Persistence survives the cache being dropped.
	mustBalance(t, led.GetBalance(ctx, "gina", "coin"), "3")
}

// conflictRepo wraps an AccountRepo and fails UpdateWithVersion a fixed
// number of times.
type conflictRepo struct {
	store.AccountRepo
	mu        sync.Mutex
	conflicts int
	errs      int
	failWith  error
}

func (r *conflictRepo) UpdateWithVersion(ctx context.Context, a *store.Account) (bool, error) {
	r.mu.Lock()
	if r.errs > 0 {
		r.errs--
		r.mu.Unlock()
		return false, r.failWith
	}
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()
	return r.AccountRepo.UpdateWithVersion(ctx, a)
}

type wrappedStore struct {
	store.Store
	accounts store.AccountRepo
}

func (s *wrappedStore) Accounts() store.AccountRepo { return s.accounts }

func TestCachedPersistConflictResyncsCache(t *testing.T) {
	mem := store.NewMemory(clock.Fixed{At: testTime})
	flaky := &conflictRepo{AccountRepo: mem.Accounts(), conflicts: 1}
	led := newLedgerOver(t, &wrappedStore{Store: mem, accounts: flaky}, clock.Fixed{At: testTime})
	ctx := context.Background()

	cur, _ := led.GetCurrency("coin")
	if _, err := mem.Accounts().GetOrCreate(ctx, "henry", "", cur.ID); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := mem.Accounts().ForceUpdate(ctx, "henry", cur.ID, dec("42")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "henry", Currency: "coin", Amount: dec("10"), Operator: "T"}), "10")
	led.exec.Drain()

	// The persist lost the race, so the cache now mirrors persistence.
	mustBalance(t, led.GetBalance(ctx, "henry", "coin"), "42")
}

func TestCachedPersistErrorRollsCacheBack(t *testing.T) {
	mem := store.NewMemory(clock.Fixed{At: testTime})
	flaky := &conflictRepo{AccountRepo: mem.Accounts(), errs: 1, failWith: context.DeadlineExceeded}
	led := newLedgerOver(t, &wrappedStore{Store: mem, accounts: flaky}, clock.Fixed{At: testTime})
	ctx := context.Background()

	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "iris", Currency: "coin", Amount: dec("10"), Operator: "T"}), "10")
	led.exec.Drain()

	mustBalance(t, led.GetBalance(ctx, "iris", "coin"), "0")

	// The next mutation persists cleanly from the restored balance.
	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "iris", Currency: "coin", Amount: dec("5"), Operator: "T"}), "5")
	led.exec.Drain()
	mustBalance(t, led.GetBalanceDirect(ctx, "iris", "coin"), "5")
}

// stallFirstRead delays the first account read so a later persist on the
// same key would overtake the first one if they ran concurrently.
type stallFirstRead struct {
	store.AccountRepo
	once sync.Once
}

func (r *stallFirstRead) GetOrCreate(ctx context.Context, playerName, playerUUID string, currencyID int64) (*store.Account, error) {
	r.once.Do(func() { time.Sleep(100 * time.Millisecond) })
	return r.AccountRepo.GetOrCreate(ctx, playerName, playerUUID, currencyID)
}

func TestCachedPersistsCommitInMutationOrder(t *testing.T) {
	mem := store.NewMemory(clock.Fixed{At: testTime})
	slow := &stallFirstRead{AccountRepo: mem.Accounts()}
	led := newLedgerOver(t, &wrappedStore{Store: mem, accounts: slow}, clock.Fixed{At: testTime})
	ctx := context.Background()

	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "judy", Currency: "coin", Amount: dec("10"), Operator: "T"}), "10")
	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "judy", Currency: "coin", Amount: dec("20"), Operator: "T"}), "30")
	led.exec.Drain()

	// Persistence holds the final cached balance, not an overtaken
	// intermediate write.
	mustBalance(t, led.GetBalance(ctx, "judy", "coin"), "30")
	mustBalance(t, led.GetBalanceDirect(ctx, "judy", "coin"), "30")

	logs, err := led.LogsByPlayer(ctx, "judy", 1, 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(logs))
	}
	// Newest first: the rows must chain 0 -> 10 -> 30 in id order.
	if !logs[1].BalanceBefore.Equal(dec("0")) || !logs[1].BalanceAfter.Equal(dec("10")) {
		t.Fatalf("older audit row out of order: %+v", logs[1])
	}
	if !logs[0].BalanceBefore.Equal(dec("10")) || !logs[0].BalanceAfter.Equal(dec("30")) {
		t.Fatalf("newer audit row out of order: %+v", logs[0])
	}
	if logs[0].ID <= logs[1].ID {
		t.Fatalf("audit ids inverted against the balance chain: %d then %d", logs[1].ID, logs[0].ID)
	}
}

func TestKeyLocksSurviveCacheEviction(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	mustBalance(t, led.Deposit(ctx, ChangeRequest{PlayerName: "kate", Currency: "coin", Amount: dec("1"), Operator: "T"}), "1")
	led.exec.Drain()

	cur, _ := led.GetCurrency("coin")
	key := cacheKey("kate", cur.ID)
	mu := led.keyLock(key)

	led.UnloadPlayer("kate")
	if led.keyLock(key) != mu {
		t.Fatal("unload minted a second lock for the key")
	}
	led.ClearCache()
	if led.keyLock(key) != mu {
		t.Fatal("clear cache minted a second lock for the key")
	}
}

func TestSetBalanceBypassesLimit(t *testing.T) {
	led, _ := newMemLedger(t)
	ctx := context.Background()

	if _, err := led.CreateCurrency(ctx, "cap", "Cap", 2, "", 10, false); err != nil {
		t.Fatalf("create cap: %v", err)
	}

	// Operator resets may place an account above its cap on both paths.
	mustBalance(t, led.SetBalance(ctx, ChangeRequest{PlayerName: "lena", Currency: "cap", Amount: dec("50"), Operator: "T"}), "50")
	led.exec.Drain()
	mustBalance(t, led.SetBalanceDirect(ctx, ChangeRequest{PlayerName: "lena", Currency: "cap", Amount: dec("60"), Operator: "T"}), "60")

	// Deposits stay capped.
	if r := led.Deposit(ctx, ChangeRequest{PlayerName: "lena", Currency: "cap", Amount: dec("1"), Operator: "T"}); r.Code != CodeLimitExceeded {
		t.Fatalf("deposit over cap code = %s", r.Code)
	}
	mustBalance(t, led.GetBalanceDirect(ctx, "lena", "cap"), "60")
}
