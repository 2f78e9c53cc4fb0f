package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"LevelWatch/internal/domain/models"
	drepo "LevelWatch/internal/domain/repository"
	"LevelWatch/internal/repository"
	"LevelWatch/internal/service/stream"
	"LevelWatch/pkg/logger"

	"github.com/shopspring/decimal"
)

// --- fakes ---

type fakeSub struct {
	ticks chan models.Tick
	errs  chan error
}

type fakeSource struct {
	mu           sync.Mutex
	subs         map[string]*fakeSub
	calls        map[string]int
	reconnectErr error
	subscribeErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[string]*fakeSub), calls: make(map[string]int)}
}

func (f *fakeSource) Connect(context.Context) error { return nil }

func (f *fakeSource) Subscribe(_ context.Context, symbol string) (<-chan models.Tick, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	if f.subscribeErr != nil {
		return nil, nil, f.subscribeErr
	}
	sub := &fakeSub{ticks: make(chan models.Tick, 64), errs: make(chan error, 1)}
	f.subs[symbol] = sub
	return sub.ticks, sub.errs, nil
}

func (f *fakeSource) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, symbol)
	return nil
}

func (f *fakeSource) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnectErr
}

func (f *fakeSource) IsConnected() bool { return true }
func (f *fakeSource) Close() error      { return nil }

func (f *fakeSource) push(symbol string, price string) {
	f.mu.Lock()
	sub, ok := f.subs[symbol]
	f.mu.Unlock()
	if ok {
		sub.ticks <- models.Tick{
			Symbol:    symbol,
			Price:     dec(price),
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

type sentMsg struct {
	dest models.Destination
	text string
}

type captureNotifier struct {
	mu       sync.Mutex
	sent     []sentMsg
	failures int // fail this many sends before succeeding
}

func (n *captureNotifier) Send(_ context.Context, dest models.Destination, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return &models.DispatchError{Err: fmt.Errorf("transport down")}
	}
	n.sent = append(n.sent, sentMsg{dest: dest, text: text})
	return nil
}

func (n *captureNotifier) messages() []sentMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentMsg, len(n.sent))
	copy(out, n.sent)
	return out
}

// flakyStore fails UpdateLevel a set number of times, then delegates.
type flakyStore struct {
	drepo.AlertStore
	mu       sync.Mutex
	failures int
	updates  int
}

func (s *flakyStore) UpdateLevel(ctx context.Context, symbol, alertID, label string, firedAt time.Time, firedPrice decimal.Decimal) error {
	s.mu.Lock()
	s.updates++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return &models.PersistenceError{Op: "update_level", Err: fmt.Errorf("store unavailable")}
	}
	return s.AlertStore.UpdateLevel(ctx, symbol, alertID, label, firedAt, firedPrice)
}

type queuedMsg struct {
	msgType string
	payload interface{}
}

// captureQueue records published queue messages; err fails every
// publish when set.
type captureQueue struct {
	mu   sync.Mutex
	msgs []queuedMsg
	err  error
}

func (q *captureQueue) PublishMessage(_ context.Context, msgType string, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, queuedMsg{msgType: msgType, payload: payload})
	return nil
}

func (q *captureQueue) messages() []queuedMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedMsg, len(q.msgs))
	copy(out, q.msgs)
	return out
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

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		DispatchRetryMax:   3,
		DispatchBackoffMin: time.Millisecond,
		DispatchBackoffMax: 2 * time.Millisecond,
		PersistRetryMax:    3,
		PersistBackoff:     time.Millisecond,
	}
}

func newTestManager(t *testing.T, store drepo.AlertStore, notifier drepo.Notifier) (*Manager, *fakeSource) {
	t.Helper()
	return newTestManagerOver(t, newFakeSource(), store, notifier)
}

func newTestManagerOver(t *testing.T, src *fakeSource, store drepo.AlertStore, notifier drepo.Notifier) (*Manager, *fakeSource) {
	t.Helper()
	mux := stream.NewMultiplexer(src, testLogger(t), nopMetrics{},
		stream.WithGraceWindow(0), stream.WithReconnect(time.Millisecond, 2))
	m := NewManager(store, mux, notifier, nil, nopMetrics{}, testLogger(t), testManagerConfig())
	t.Cleanup(func() {
		m.Close()
		_ = mux.Close()
	})
	return m, src
}

// --- tests ---

func TestEndToEndSingleFire(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	dest := models.Destination{GuildID: 10, ChannelID: 20}
	cfg, err := m.Register(ctx, "PT1 600", "SPY", dest, dec("590"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, p := range []string{"595", "598", "601", "603"} {
		src.push("SPY", p)
	}

	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "one dispatch")
	time.Sleep(50 * time.Millisecond) // allow any (wrong) extra dispatches to surface
	msgs := notifier.messages()
	if len(msgs) != 1 {
		t.Fatalf("dispatches = %d, want exactly 1", len(msgs))
	}
	if msgs[0].dest != dest {
		t.Fatalf("dest = %+v", msgs[0].dest)
	}
	if !strings.Contains(msgs[0].text, "PT1 600.00 HIT") {
		t.Fatalf("text = %q", msgs[0].text)
	}
	if !strings.Contains(msgs[0].text, "601.00") {
		t.Fatalf("fired price missing from %q", msgs[0].text)
	}

	alerts, err := store.ListBySymbol(ctx, "SPY")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lvl := alerts[0].FindLevel("PT1")
	if !lvl.Fired {
		t.Fatalf("level not persisted as fired")
	}
	if !lvl.FiredPrice.Equal(dec("601")) {
		t.Fatalf("fired price = %s, want 601", lvl.FiredPrice)
	}
	if alerts[0].AlertID != cfg.AlertID {
		t.Fatalf("alert id mismatch")
	}
}

func TestFireExactlyOnceUnderRepeatedCrossings(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	// The second level never fires, keeping the stream alive.
	_, err := m.Register(ctx, "Lambda 684.5\nFAIL SAFE 100", "SPY", models.Destination{}, dec("600"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, p := range []string{"685", "686", "690", "700"} {
		src.push("SPY", p)
	}

	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "dispatch")
	time.Sleep(50 * time.Millisecond)
	if got := len(notifier.messages()); got != 1 {
		t.Fatalf("dispatches = %d, want 1 despite repeated crossings", got)
	}

	alerts, _ := store.ListBySymbol(ctx, "SPY")
	if !alerts[0].FindLevel("Lambda").Fired {
		t.Fatalf("Lambda not fired")
	}
	if alerts[0].FindLevel("FAIL SAFE").Fired {
		t.Fatalf("FAIL SAFE fired without crossing")
	}
	// 685 fired it; the fired price is from the triggering tick.
	if !alerts[0].FindLevel("Lambda").FiredPrice.Equal(dec("685")) {
		t.Fatalf("fired price = %s", alerts[0].FindLevel("Lambda").FiredPrice)
	}
}

func TestBothDirectionsInclusiveBoundary(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	_, err := m.Register(ctx, "Upper 610\nLower 590", "QQQ", models.Destination{}, dec("600"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	src.push("QQQ", "610") // equality fires Above
	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "upper fire")
	src.push("QQQ", "590") // equality fires Below
	waitFor(t, func() bool { return len(notifier.messages()) == 2 }, "lower fire")

	msgs := notifier.messages()
	if !strings.Contains(msgs[0].text, "Upper") || !strings.Contains(msgs[1].text, "Lower") {
		t.Fatalf("unexpected order: %q, %q", msgs[0].text, msgs[1].text)
	}
}

func TestRestartDoesNotRedispatchFiredLevels(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	_, err := m.Register(ctx, "Lambda 684.5\nFAIL SAFE 100", "SPY", models.Destination{}, dec("600"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	src.push("SPY", "685")
	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "first fire")

	// Simulated restart: fresh manager over the same durable store.
	m.Close()
	notifier2 := &captureNotifier{}
	m2, src2 := newTestManager(t, store, notifier2)
	if err := m2.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	// The same crossing again must not re-dispatch the fired level.
	src2.push("SPY", "686")
	time.Sleep(100 * time.Millisecond)
	if got := len(notifier2.messages()); got != 0 {
		t.Fatalf("re-dispatched after restart: %d messages", got)
	}

	// A pending level still fires normally post-restart.
	src2.push("SPY", "99")
	waitFor(t, func() bool { return len(notifier2.messages()) == 1 }, "pending level fire")
	if !strings.Contains(notifier2.messages()[0].text, "FAIL SAFE") {
		t.Fatalf("text = %q", notifier2.messages()[0].text)
	}
}

func TestHydrateSkipsCompleteAlerts(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()

	firedAt := time.Now().UTC()
	price := dec("601")
	done := &models.AlertConfig{
		Symbol:  "SPY",
		AlertID: "done-1",
		Levels: []models.Level{
			{Label: "PT1", Target: dec("600"), Direction: models.DirectionAbove, Fired: true, FiredAt: &firedAt, FiredPrice: &price},
		},
		CreatedAt:      firedAt,
		ReferencePrice: dec("590"),
	}
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("create: %v", err)
	}

	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)
	if err := m.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	src.mu.Lock()
	calls := src.calls["SPY"]
	src.mu.Unlock()
	if calls != 0 {
		t.Fatalf("complete alert acquired a stream")
	}

	// Still queryable.
	alerts, err := m.List(ctx, "SPY")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 1 || !alerts[0].Complete() {
		t.Fatalf("complete alert not queryable: %+v", alerts)
	}
}

func TestPersistenceFailureBlocksFireUntilRecovered(t *testing.T) {
	ctx := context.Background()
	base := repository.NewMemoryAlertStore()
	store := &flakyStore{AlertStore: base, failures: 2}
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	_, err := m.Register(ctx, "PT1 600\nPT9 10", "SPY", models.Destination{}, dec("590"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Two persistence failures are retried in place within the tick.
	src.push("SPY", "601")
	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "fire after recovery")

	alerts, _ := base.ListBySymbol(ctx, "SPY")
	if !alerts[0].FindLevel("PT1").Fired {
		t.Fatalf("fired state not persisted")
	}
}

func TestPersistenceExhaustionKeepsLevelPending(t *testing.T) {
	ctx := context.Background()
	base := repository.NewMemoryAlertStore()
	store := &flakyStore{AlertStore: base, failures: 100}
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	_, err := m.Register(ctx, "PT1 600\nPT9 10", "SPY", models.Destination{}, dec("590"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	src.push("SPY", "601")
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.updates >= 4 // initial attempt + PersistRetryMax retries
	}, "persistence retries")
	if got := len(notifier.messages()); got != 0 {
		t.Fatalf("dispatched without persistence: %d", got)
	}
	alerts, _ := base.ListBySymbol(ctx, "SPY")
	if alerts[0].FindLevel("PT1").Fired {
		t.Fatalf("level fired in store despite failures")
	}

	// Store heals; the next tick fires exactly once.
	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()
	src.push("SPY", "602")
	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "fire after heal")
	time.Sleep(50 * time.Millisecond)
	if got := len(notifier.messages()); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}
	alerts, _ = base.ListBySymbol(ctx, "SPY")
	if !alerts[0].FindLevel("PT1").FiredPrice.Equal(dec("602")) {
		t.Fatalf("fired price = %s, want 602 (the tick that persisted)", alerts[0].FindLevel("PT1").FiredPrice)
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{failures: 2}
	m, src := newTestManager(t, store, notifier)

	_, err := m.Register(ctx, "PT1 600\nPT9 10", "SPY", models.Destination{}, dec("590"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	src.push("SPY", "601")
	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "dispatch after retries")
}

func TestDispatchExhaustionLeavesStateFired(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{failures: 100}
	m, src := newTestManager(t, store, notifier)

	_, err := m.Register(ctx, "PT1 600\nPT9 10", "SPY", models.Destination{}, dec("590"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	src.push("SPY", "601")
	waitFor(t, func() bool {
		alerts, _ := store.ListBySymbol(ctx, "SPY")
		return len(alerts) == 1 && alerts[0].FindLevel("PT1").Fired
	}, "persisted fire")

	// Later crossings must not re-dispatch the (fired, unnotified) level.
	notifier.mu.Lock()
	notifier.failures = 0
	notifier.mu.Unlock()
	src.push("SPY", "605")
	time.Sleep(100 * time.Millisecond)
	if got := len(notifier.messages()); got != 0 {
		t.Fatalf("fired level re-dispatched: %d", got)
	}
}

func TestCancelStopsEvaluation(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	cfg, err := m.Register(ctx, "PT1 600", "SPY", models.Destination{}, dec("590"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Cancel(ctx, "SPY", cfg.AlertID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	src.push("SPY", "601")
	time.Sleep(100 * time.Millisecond)
	if got := len(notifier.messages()); got != 0 {
		t.Fatalf("cancelled alert fired: %d", got)
	}

	alerts, _ := store.ListAll(ctx)
	if len(alerts) != 0 {
		t.Fatalf("alert still in store after cancel")
	}
}

func TestRegisterRejectsParseErrorWithoutCreating(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, _ := newTestManager(t, store, notifier)

	_, err := m.Register(ctx, "PT1 590", "SPY", models.Destination{}, dec("590"))
	if err == nil {
		t.Fatalf("expected parse error for ambiguous target")
	}
	alerts, _ := store.ListAll(ctx)
	if len(alerts) != 0 {
		t.Fatalf("partial alert created on parse failure")
	}
}

func TestTerminalStreamFailureFlagsStale(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}

	src := newFakeSource()
	src.reconnectErr = fmt.Errorf("dial: unreachable")
	mux := stream.NewMultiplexer(src, testLogger(t), nopMetrics{},
		stream.WithGraceWindow(0), stream.WithReconnect(time.Millisecond, 1))
	m := NewManager(store, mux, notifier, nil, nopMetrics{}, testLogger(t), testManagerConfig())
	defer func() {
		m.Close()
		_ = mux.Close()
	}()

	cfg, err := m.Register(ctx, "PT1 600", "SPY", models.Destination{}, dec("590"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	src.pushErr("SPY", fmt.Errorf("read: broken pipe"))
	waitFor(t, func() bool {
		alerts, err := m.List(ctx, "SPY")
		return err == nil && len(alerts) == 1 && alerts[0].Stale
	}, "stale flag")

	// Stale alerts are neither fired nor deleted.
	alerts, _ := m.List(ctx, "SPY")
	if alerts[0].FindLevel("PT1").Fired {
		t.Fatalf("stale alert fired")
	}
	if alerts[0].AlertID != cfg.AlertID {
		t.Fatalf("stale alert missing from store")
	}
}

func TestConcurrentSymbolsIsolated(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)

	if _, err := m.Register(ctx, "PT1 600\nHold 1", "SPY", models.Destination{ChannelID: 1}, dec("590")); err != nil {
		t.Fatalf("register SPY: %v", err)
	}
	if _, err := m.Register(ctx, "PT1 200\nHold 1", "AAPL", models.Destination{ChannelID: 2}, dec("190")); err != nil {
		t.Fatalf("register AAPL: %v", err)
	}

	src.push("SPY", "601")
	src.push("AAPL", "201")

	waitFor(t, func() bool { return len(notifier.messages()) == 2 }, "both symbols fired")
	var spy, aapl bool
	for _, msg := range notifier.messages() {
		if strings.HasPrefix(msg.text, "SPY") {
			spy = true
		}
		if strings.HasPrefix(msg.text, "AAPL") {
			aapl = true
		}
	}
	if !spy || !aapl {
		t.Fatalf("missing symbol dispatches: %+v", notifier.messages())
	}
}

func TestQueueModeHandsDispatchToQueueAfterPersist(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}

	src := newFakeSource()
	mux := stream.NewMultiplexer(src, testLogger(t), nopMetrics{},
		stream.WithGraceWindow(0), stream.WithReconnect(time.Millisecond, 2))
	mcfg := testManagerConfig()
	mcfg.DispatchMode = DispatchModeQueue
	m := NewManager(store, mux, notifier, nil, nopMetrics{}, testLogger(t), mcfg)
	q := &captureQueue{}
	m.SetDeadLetter(q)
	defer func() {
		m.Close()
		_ = mux.Close()
	}()

	dest := models.Destination{GuildID: 7, ChannelID: 8}
	if _, err := m.Register(ctx, "PT1 600", "SPY", dest, dec("590")); err != nil {
		t.Fatalf("register: %v", err)
	}

	src.push("SPY", "601")
	waitFor(t, func() bool { return len(q.messages()) == 1 }, "one enqueued notification")

	msg := q.messages()[0]
	if msg.msgType != models.MsgTypeNotifyRedeliver {
		t.Fatalf("message type = %q", msg.msgType)
	}
	payload, ok := msg.payload.(models.UndeliveredNotification)
	if !ok {
		t.Fatalf("payload type %T", msg.payload)
	}
	if payload.GuildID != 7 || payload.ChannelID != 8 {
		t.Fatalf("payload destination = %+v", payload)
	}
	if !strings.Contains(payload.Text, "PT1 600.00 HIT") {
		t.Fatalf("payload text = %q", payload.Text)
	}

	// The queue carries the notification; the worker never sends inline.
	time.Sleep(50 * time.Millisecond)
	if got := len(notifier.messages()); got != 0 {
		t.Fatalf("inline dispatches in queue mode: %d", got)
	}

	// Fired state was persisted before the enqueue.
	alerts, _ := store.ListBySymbol(ctx, "SPY")
	if len(alerts) != 1 || !alerts[0].FindLevel("PT1").Fired {
		t.Fatalf("fire not persisted before enqueue")
	}
}

func TestQueueModeFallsBackInlineWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}

	src := newFakeSource()
	mux := stream.NewMultiplexer(src, testLogger(t), nopMetrics{},
		stream.WithGraceWindow(0), stream.WithReconnect(time.Millisecond, 2))
	mcfg := testManagerConfig()
	mcfg.DispatchMode = DispatchModeQueue
	m := NewManager(store, mux, notifier, nil, nopMetrics{}, testLogger(t), mcfg)
	m.SetDeadLetter(&captureQueue{err: fmt.Errorf("queue down")})
	defer func() {
		m.Close()
		_ = mux.Close()
	}()

	if _, err := m.Register(ctx, "PT1 600", "SPY", models.Destination{ChannelID: 3}, dec("590")); err != nil {
		t.Fatalf("register: %v", err)
	}

	src.push("SPY", "601")
	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "inline fallback dispatch")
	if !strings.Contains(notifier.messages()[0].text, "PT1 600.00 HIT") {
		t.Fatalf("fallback text = %q", notifier.messages()[0].text)
	}
}

func TestRegisterKeepsRecordWhenStreamUnavailable(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAlertStore()
	notifier := &captureNotifier{}
	m, src := newTestManager(t, store, notifier)
	src.subscribeErr = fmt.Errorf("feed unavailable")

	cfg, err := m.Register(ctx, "PT1 600", "SPY", models.Destination{ChannelID: 5}, dec("590"))
	if err != nil {
		t.Fatalf("register during feed outage: %v", err)
	}
	if !cfg.Stale {
		t.Fatalf("degraded registration not flagged stale")
	}

	// Exactly one durable record; an erroring API here would invite a
	// client retry and a duplicate under a fresh id.
	alerts, _ := store.ListAll(ctx)
	if len(alerts) != 1 {
		t.Fatalf("records = %d, want 1", len(alerts))
	}
	listed, err := m.List(ctx, "SPY")
	if err != nil || len(listed) != 1 || !listed[0].Stale {
		t.Fatalf("stale flag missing from list output")
	}

	// Restart hydration picks the record up once the feed is back.
	m.Close()
	src.subscribeErr = nil
	m2, _ := newTestManagerOver(t, src, store, notifier)
	if err := m2.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	src.push("SPY", "601")
	waitFor(t, func() bool { return len(notifier.messages()) == 1 }, "fire after recovery")
}
