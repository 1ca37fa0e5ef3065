package async

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunExecutesSubmittedTasks(t *testing.T) {
	e := New(2, 16, zap.NewNop())
	defer e.Shutdown(0)

	var n atomic.Int64
	for i := 0; i < 50; i++ {
		e.Run(func() { n.Add(1) })
	}
	e.Drain()
	if got := n.Load(); got != 50 {
		t.Fatalf("executed = %d, want 50", got)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	e := New(1, 4, zap.NewNop())
	defer e.Shutdown(0)

	var n atomic.Int64
	e.Run(func() { panic("boom") })
	e.Run(func() { n.Add(1) })
	e.Drain()
	if n.Load() != 1 {
		t.Fatal("worker died after panic")
	}
}

func TestTryRunReportsSaturation(t *testing.T) {
	e := New(1, 1, zap.NewNop())
	defer e.Shutdown(0)

	// The pool is floored at GOMAXPROCS; park every worker one at a
	// time so each submission lands on an idle worker, then fill the
	// single queue slot.
	workers := runtime.GOMAXPROCS(0)
	block := make(chan struct{})
	started := make(chan struct{})
	for i := 0; i < workers; i++ {
		e.Run(func() {
			started <- struct{}{}
			<-block
		})
		<-started
	}
	if !e.TryRun(func() {}) {
		close(block)
		t.Fatal("queue slot rejected while empty")
	}
	if e.TryRun(func() {}) {
		close(block)
		t.Fatal("saturated queue accepted a task")
	}
	close(block)
	e.Drain()
}

func TestNestedRunOnFullQueueCompletes(t *testing.T) {
	e := New(1, 1, zap.NewNop())
	defer e.Shutdown(0)

	// One worker submits from inside its task while every other worker
	// is parked and the queue slot is taken. The nested submission must
	// degrade inline instead of blocking the pool forever.
	workers := runtime.GOMAXPROCS(0)
	block := make(chan struct{})
	gate := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	e.Run(func() {
		started <- struct{}{}
		<-gate
		e.Run(func() { close(done) })
		<-block
	})
	<-started
	for i := 0; i < workers-1; i++ {
		e.Run(func() {
			started <- struct{}{}
			<-block
		})
		<-started
	}
	if !e.TryRun(func() {}) {
		close(block)
		close(gate)
		t.Fatal("queue slot rejected while empty")
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested submission blocked on a full queue")
	}
	close(block)
	e.Drain()
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	e := New(2, 16, zap.NewNop())

	var n atomic.Int64
	for i := 0; i < 10; i++ {
		e.Run(func() { n.Add(1) })
	}
	if !e.Shutdown(time.Second) {
		t.Fatal("shutdown did not drain")
	}
	if n.Load() != 10 {
		t.Fatalf("drained = %d, want 10", n.Load())
	}
	if e.TryRun(func() {}) {
		t.Fatal("shut-down executor accepted work")
	}

	e.Reset()
	if !e.TryRun(func() { n.Add(1) }) {
		t.Fatal("reset executor rejected work")
	}
	e.Drain()
	if n.Load() != 11 {
		t.Fatalf("post-reset total = %d, want 11", n.Load())
	}
	e.Shutdown(0)
}

func TestRunSyncUsesMainRunner(t *testing.T) {
	calls := make(chan func(), 1)
	e := New(1, 4, zap.NewNop(), WithMainRunner(func(fn func()) { calls <- fn }))
	defer e.Shutdown(0)

	var done bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.RunSync(func() { done = true })
	}()
	(<-calls)()
	wg.Wait()
	if !done {
		t.Fatal("RunSync task never ran")
	}
}

func TestSupplyFutures(t *testing.T) {
	e := New(2, 8, zap.NewNop())
	defer e.Shutdown(0)

	f := Supply(e, func() int { return 42 })
	if got := f.Get(); got != 42 {
		t.Fatalf("Get = %d", got)
	}

	slow := func() string {
		time.Sleep(200 * time.Millisecond)
		return "late"
	}
	if got := SupplyWithTimeout(e, slow, 10*time.Millisecond, "fallback"); got != "fallback" {
		t.Fatalf("timeout supply = %q", got)
	}
	e.Drain()
}
