package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"LevelWatch/internal/domain/models"
	"LevelWatch/pkg/logger"

	"github.com/shopspring/decimal"
)

type fakeSub struct {
	ticks chan models.Tick
	errs  chan error
}

type fakeSource struct {
	mu             sync.Mutex
	subs           map[string]*fakeSub
	subscribeCalls map[string]int
	unsubscribed   []string
	reconnectErr   error
	reconnects     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subs:           make(map[string]*fakeSub),
		subscribeCalls: make(map[string]int),
	}
}

func (f *fakeSource) Connect(context.Context) error { return nil }

func (f *fakeSource) Subscribe(_ context.Context, symbol string) (<-chan models.Tick, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls[symbol]++
	sub := &fakeSub{ticks: make(chan models.Tick, 64), errs: make(chan error, 1)}
	f.subs[symbol] = sub
	return sub.ticks, sub.errs, nil
}

func (f *fakeSource) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbol)
	delete(f.subs, symbol)
	return nil
}

func (f *fakeSource) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return f.reconnectErr
}

func (f *fakeSource) IsConnected() bool { return true }
func (f *fakeSource) Close() error      { return nil }

func (f *fakeSource) push(symbol string, price int64) {
	f.mu.Lock()
	sub, ok := f.subs[symbol]
	f.mu.Unlock()
	if ok {
		sub.ticks <- models.Tick{
			Symbol:    symbol,
			Price:     decimal.NewFromInt(price),
			Timestamp: time.Now().UTC(),
		}
	}
}

func (f *fakeSource) pushErr(symbol string, err error) {
	f.mu.Lock()
	sub, ok := f.subs[symbol]
	f.mu.Unlock()
	if ok {
		sub.errs <- err
	}
}

func (f *fakeSource) calls(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls[symbol]
}

func (f *fakeSource) unsubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribed)
}

type nopMetrics struct{}

func (nopMetrics) RecordTickEvaluated(string)      {}
func (nopMetrics) RecordLevelFired(string)         {}
func (nopMetrics) RecordDispatchRetry()            {}
func (nopMetrics) RecordDispatchFailure()          {}
func (nopMetrics) RecordSubscriptions(int)         {}
func (nopMetrics) RecordLastPrice(string, float64) {}
func (nopMetrics) RecordError(string)              {}
func (nopMetrics) RecordLatency(string, float64)   {}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func drainTick(t *testing.T, h *Handle) models.Tick {
	t.Helper()
	select {
	case tick := <-h.Ticks():
		return tick
	case <-time.After(2 * time.Second):
		t.Fatalf("no tick on handle for %s", h.Symbol())
		return models.Tick{}
	}
}

func TestAcquireSharesOneSubscription(t *testing.T) {
	src := newFakeSource()
	mux := NewMultiplexer(src, testLogger(t), nopMetrics{}, WithGraceWindow(0))
	defer mux.Close()

	h1, err := mux.Acquire(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2, err := mux.Acquire(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if got := src.calls("AAPL"); got != 1 {
		t.Fatalf("subscribe calls = %d, want 1", got)
	}

	src.push("AAPL", 190)
	if tick := drainTick(t, h1); !tick.Price.Equal(decimal.NewFromInt(190)) {
		t.Fatalf("h1 price = %s", tick.Price)
	}
	if tick := drainTick(t, h2); !tick.Price.Equal(decimal.NewFromInt(190)) {
		t.Fatalf("h2 price = %s", tick.Price)
	}

	// Releasing one handle leaves the other receiving.
	mux.Release(h1)
	src.push("AAPL", 191)
	if tick := drainTick(t, h2); !tick.Price.Equal(decimal.NewFromInt(191)) {
		t.Fatalf("h2 price after release = %s", tick.Price)
	}
	if got := src.unsubCount(); got != 0 {
		t.Fatalf("unsubscribed early: %d", got)
	}
	mux.Release(h2)
}

func TestBroadcastPreservesArrivalOrder(t *testing.T) {
	src := newFakeSource()
	mux := NewMultiplexer(src, testLogger(t), nopMetrics{}, WithGraceWindow(0))
	defer mux.Close()

	h1, _ := mux.Acquire(context.Background(), "SPY")
	h2, _ := mux.Acquire(context.Background(), "SPY")

	prices := []int64{595, 598, 601, 603}
	for _, p := range prices {
		src.push("SPY", p)
	}
	for _, h := range []*Handle{h1, h2} {
		for _, want := range prices {
			tick := drainTick(t, h)
			if !tick.Price.Equal(decimal.NewFromInt(want)) {
				t.Fatalf("out of order: got %s want %d", tick.Price, want)
			}
		}
	}
	mux.Release(h1)
	mux.Release(h2)
}

func TestReleaseAtZeroTearsDownImmediately(t *testing.T) {
	src := newFakeSource()
	mux := NewMultiplexer(src, testLogger(t), nopMetrics{}, WithGraceWindow(0))
	defer mux.Close()

	h, _ := mux.Acquire(context.Background(), "SPY")
	mux.Release(h)

	waitFor(t, func() bool { return src.unsubCount() == 1 }, "unsubscribe")
	if _, live := mux.LastTick("SPY"); live {
		t.Fatalf("feed should be gone")
	}
}

func TestGraceWindowAbsorbsChurn(t *testing.T) {
	src := newFakeSource()
	mux := NewMultiplexer(src, testLogger(t), nopMetrics{}, WithGraceWindow(200*time.Millisecond))
	defer mux.Close()

	h, _ := mux.Acquire(context.Background(), "SPY")
	mux.Release(h)

	// Interest returns inside the window: same upstream subscription.
	h2, err := mux.Acquire(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if got := src.calls("SPY"); got != 1 {
		t.Fatalf("subscribe calls = %d, want 1 (grace reuse)", got)
	}
	if got := src.unsubCount(); got != 0 {
		t.Fatalf("unsubscribed during grace window")
	}

	src.push("SPY", 600)
	drainTick(t, h2)

	// Sustained zero interest: teardown after the window.
	mux.Release(h2)
	waitFor(t, func() bool { return src.unsubCount() == 1 }, "grace teardown")
}

func TestLastTickTracksBroadcast(t *testing.T) {
	src := newFakeSource()
	mux := NewMultiplexer(src, testLogger(t), nopMetrics{}, WithGraceWindow(0))
	defer mux.Close()

	h, _ := mux.Acquire(context.Background(), "SPY")
	defer mux.Release(h)

	if _, ok := mux.LastTick("SPY"); ok {
		t.Fatalf("no tick seen yet")
	}
	src.push("SPY", 601)
	drainTick(t, h)
	waitFor(t, func() bool {
		tick, ok := mux.LastTick("SPY")
		return ok && tick.Price.Equal(decimal.NewFromInt(601))
	}, "last tick")
}

func TestTransparentReconnect(t *testing.T) {
	src := newFakeSource()
	mux := NewMultiplexer(src, testLogger(t), nopMetrics{},
		WithGraceWindow(0), WithReconnect(time.Millisecond, 3))
	defer mux.Close()

	h, _ := mux.Acquire(context.Background(), "SPY")
	defer mux.Release(h)

	src.pushErr("SPY", fmt.Errorf("read: broken pipe"))
	waitFor(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.reconnects >= 1
	}, "reconnect attempt")

	// Transient failure is invisible to the handle.
	select {
	case err := <-h.Errs():
		t.Fatalf("handle saw transient error: %v", err)
	default:
	}

	src.push("SPY", 602)
	drainTick(t, h)
}

func TestTerminalFailureDeliversStreamError(t *testing.T) {
	src := newFakeSource()
	src.reconnectErr = fmt.Errorf("dial: unreachable")
	mux := NewMultiplexer(src, testLogger(t), nopMetrics{},
		WithGraceWindow(0), WithReconnect(time.Millisecond, 2))
	defer mux.Close()

	h, _ := mux.Acquire(context.Background(), "SPY")
	src.pushErr("SPY", fmt.Errorf("read: broken pipe"))

	select {
	case err := <-h.Errs():
		var serr *models.StreamError
		if !errors.As(err, &serr) {
			t.Fatalf("expected StreamError, got %v", err)
		}
		if serr.Symbol != "SPY" {
			t.Fatalf("symbol = %q", serr.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminal error delivered")
	}
	mux.Release(h)
}
