package ledger

import (
	"runtime/debug"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

// PreChangeEvent is offered to pre-change subscribers before any state is
// touched. Calling Cancel aborts the mutation with no balance change and
// no audit row.
type PreChangeEvent struct {
	PlayerName    string
	PlayerUUID    string
	Currency      store.Currency
	Type          store.TxType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Reason        string
	Operator      string

	cancelled bool
}

func (e *PreChangeEvent) Cancel()         { e.cancelled = true }
func (e *PreChangeEvent) Cancelled() bool { return e.cancelled }

// PostChangeEvent describes a mutation that has been persisted. It cannot
// be cancelled.
type PostChangeEvent struct {
	PlayerName    string
	PlayerUUID    string
	Currency      store.Currency
	Type          store.TxType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Reason        string
	Operator      string
}

type PreHook func(*PreChangeEvent)
type PostHook func(PostChangeEvent)

// SubscribePre registers a cancellable pre-change observer. Subscribers
// run synchronously, in registration order, on the mutating goroutine.
func (l *Ledger) SubscribePre(h PreHook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.preHooks = append(l.preHooks, h)
}

// SubscribePost registers a post-change observer. Subscribers run on the
// executor after the mutation has been persisted.
func (l *Ledger) SubscribePost(h PostHook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.postHooks = append(l.postHooks, h)
}

// dispatchPre offers ev to every pre-change subscriber and reports whether
// the mutation may proceed. A panicking subscriber is logged and treated
// as if it had not touched the event.
func (l *Ledger) dispatchPre(ev *PreChangeEvent) bool {
	l.hookMu.RLock()
	hooks := l.preHooks
	l.hookMu.RUnlock()
	for _, h := range hooks {
		l.offerPre(h, ev)
	}
	return !ev.cancelled
}

func (l *Ledger) offerPre(h PreHook, ev *PreChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("pre-change subscriber panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	h(ev)
}

// dispatchPost fans ev out to post-change subscribers, one executor task
// each so a failing subscriber cannot affect the others. Run degrades
// inline on a saturated queue, so dispatching from a persist worker can
// never wedge the pool.
func (l *Ledger) dispatchPost(ev PostChangeEvent) {
	l.hookMu.RLock()
	hooks := l.postHooks
	l.hookMu.RUnlock()
	for _, h := range hooks {
		h := h // per-iteration copy: the go directive predates Go 1.22 loopvar semantics
		l.exec.Run(func() { h(ev) })
	}
}
