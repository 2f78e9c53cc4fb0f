package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"LevelWatch/internal/domain/models"
	drepo "LevelWatch/internal/domain/repository"
	"LevelWatch/pkg/logger"
)

// QuoteSink receives the most recent tick per symbol, e.g. a quote
// cache backing reference-price lookups.
type QuoteSink interface {
	SetLastTick(ctx context.Context, tick models.Tick)
}

// Option configures Multiplexer.
type Option func(*Multiplexer)

// WithGraceWindow sets how long a zero-interest subscription stays open
// before teardown, absorbing rapid register/unregister churn. Zero
// tears down immediately.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Multiplexer) { m.graceWindow = d }
}

// WithHandleBuffer sets the per-handle tick buffer size.
func WithHandleBuffer(n int) Option {
	return func(m *Multiplexer) {
		if n > 0 {
			m.handleBuffer = n
		}
	}
}

// WithReconnect sets the backoff base delay and the retry ceiling for
// upstream reconnection.
func WithReconnect(delay time.Duration, maxRetries int) Option {
	return func(m *Multiplexer) {
		m.reconnectDelay = delay
		m.maxRetries = maxRetries
	}
}

// WithQuoteSink attaches a last-tick sink.
func WithQuoteSink(sink QuoteSink) Option {
	return func(m *Multiplexer) { m.quotes = sink }
}

// Multiplexer maps many interested alerts onto at most one upstream
// subscription per symbol. Ticks are broadcast to every handle of a
// symbol in arrival order; no reordering, no batching, no skipped
// intermediate crossings.
type Multiplexer struct {
	source  drepo.PriceSource
	log     *logger.Logger
	metrics drepo.Metrics
	quotes  QuoteSink

	graceWindow    time.Duration
	handleBuffer   int
	reconnectDelay time.Duration
	maxRetries     int

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
}

type feed struct {
	symbol     string
	refCount   int
	handles    map[*Handle]struct{}
	lastTick   models.Tick
	hasTick    bool
	stop       chan struct{}
	graceTimer *time.Timer
}

// Handle is one consumer's view of a symbol stream. It must be
// explicitly released; teardown timing is deterministic, nothing relies
// on finalizers.
type Handle struct {
	symbol   string
	mux      *Multiplexer
	ticks    chan models.Tick
	errs     chan error
	done     chan struct{}
	released bool
}

// Ticks is the handle's tick stream, in upstream arrival order.
func (h *Handle) Ticks() <-chan models.Tick { return h.ticks }

// Errs delivers at most one terminal *models.StreamError, after
// reconnect retries are exhausted. Transient disconnects are invisible.
func (h *Handle) Errs() <-chan error { return h.errs }

// Symbol returns the symbol this handle streams.
func (h *Handle) Symbol() string { return h.symbol }

// Done is closed when the handle is released. Consumers select on it
// to stop reading promptly instead of waiting on a quiet tick channel.
func (h *Handle) Done() <-chan struct{} { return h.done }

// NewMultiplexer creates a stream multiplexer over the given source.
func NewMultiplexer(source drepo.PriceSource, log *logger.Logger, metrics drepo.Metrics, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		source:         source,
		log:            log,
		metrics:        metrics,
		graceWindow:    5 * time.Second,
		handleBuffer:   256,
		reconnectDelay: time.Second,
		maxRetries:     5,
		feeds:          make(map[string]*feed),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire registers interest in a symbol. The first interest opens
// exactly one upstream subscription; later ones share it. The returned
// handle receives ticks from the moment Acquire returns.
func (m *Multiplexer) Acquire(ctx context.Context, symbol string) (*Handle, error) {
	symbol = strings.ToUpper(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("multiplexer closed")
	}

	f, exists := m.feeds[symbol]
	if !exists {
		ticks, errs, err := m.source.Subscribe(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", symbol, err)
		}
		f = &feed{
			symbol:  symbol,
			handles: make(map[*Handle]struct{}),
			stop:    make(chan struct{}),
		}
		m.feeds[symbol] = f
		go m.pump(f, ticks, errs)
		m.metrics.RecordSubscriptions(len(m.feeds))
		m.log.Info("stream opened", logger.String("symbol", symbol))
	} else if f.graceTimer != nil {
		// Interest returned inside the grace window; keep the
		// subscription alive.
		f.graceTimer.Stop()
		f.graceTimer = nil
	}

	h := &Handle{
		symbol: symbol,
		mux:    m,
		ticks:  make(chan models.Tick, m.handleBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	f.refCount++
	f.handles[h] = struct{}{}
	return h, nil
}

// Release drops one handle's interest. When the last handle goes, the
// upstream subscription closes after the grace window.
func (m *Multiplexer) Release(h *Handle) {
	if h == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	close(h.done)

	f, exists := m.feeds[h.symbol]
	if !exists {
		return
	}
	delete(f.handles, h)
	f.refCount--
	if f.refCount > 0 {
		return
	}

	if m.graceWindow <= 0 {
		m.teardownLocked(f)
		return
	}
	symbol := f.symbol
	f.graceTimer = time.AfterFunc(m.graceWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.feeds[symbol]
		if ok && cur.refCount == 0 {
			m.teardownLocked(cur)
		}
	})
}

// LastTick returns the most recent tick seen while the symbol's
// subscription has been live.
func (m *Multiplexer) LastTick(symbol string) (models.Tick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[strings.ToUpper(symbol)]
	if !ok || !f.hasTick {
		return models.Tick{}, false
	}
	return f.lastTick, true
}

// ActiveSymbols returns the symbols with a live upstream subscription.
func (m *Multiplexer) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.feeds))
	for s := range m.feeds {
		out = append(out, s)
	}
	return out
}

// Close tears down every subscription.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, f := range m.feeds {
		m.teardownLocked(f)
	}
	return nil
}

// teardownLocked closes a feed's pump and upstream subscription.
// Caller holds m.mu.
func (m *Multiplexer) teardownLocked(f *feed) {
	if f.graceTimer != nil {
		f.graceTimer.Stop()
		f.graceTimer = nil
	}
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	delete(m.feeds, f.symbol)
	if err := m.source.Unsubscribe(f.symbol); err != nil {
		m.log.Warn("unsubscribe failed", logger.String("symbol", f.symbol), logger.Error(err))
	}
	m.metrics.RecordSubscriptions(len(m.feeds))
	m.log.Info("stream closed", logger.String("symbol", f.symbol))
}

// pump fans upstream ticks out to every handle of one symbol,
// preserving arrival order, and supervises reconnection.
func (m *Multiplexer) pump(f *feed, ticks <-chan models.Tick, errs <-chan error) {
	for {
		select {
		case <-f.stop:
			return

		case tick, ok := <-ticks:
			if !ok {
				return
			}
			m.broadcast(f, tick)

		case err := <-errs:
			if err == nil {
				continue
			}
			if m.reconnect(f) {
				continue
			}
			m.fail(f, err)
			return
		}
	}
}

func (m *Multiplexer) broadcast(f *feed, tick models.Tick) {
	m.mu.Lock()
	f.lastTick = tick
	f.hasTick = true
	handles := make([]*Handle, 0, len(f.handles))
	for h := range f.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	price, _ := tick.Price.Float64()
	m.metrics.RecordLastPrice(tick.Symbol, price)
	if m.quotes != nil {
		m.quotes.SetLastTick(context.Background(), tick)
	}

	for _, h := range handles {
		// Blocking send keeps every tick; a released handle unblocks
		// via its done channel instead of dropping the broadcast.
		select {
		case h.ticks <- tick:
		case <-h.done:
		case <-f.stop:
			return
		}
	}
}

// reconnect retries the upstream connection with exponential backoff.
// Handles never see transient failures; true means the feed's channels
// are live again.
func (m *Multiplexer) reconnect(f *feed) bool {
	delay := m.reconnectDelay
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		select {
		case <-f.stop:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.source.Reconnect(ctx)
		cancel()
		if err == nil {
			m.log.Info("stream reconnected",
				logger.String("symbol", f.symbol),
				logger.Int("attempt", attempt))
			return true
		}

		m.metrics.RecordError("stream_reconnect")
		m.log.Warn("stream reconnect failed",
			logger.String("symbol", f.symbol),
			logger.Int("attempt", attempt),
			logger.Error(err))
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	return false
}

// fail delivers the terminal StreamError to every handle and removes
// the feed. Alerts are flagged stale by the manager, never fired or
// deleted.
func (m *Multiplexer) fail(f *feed, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	serr := &models.StreamError{Symbol: f.symbol, Err: cause}
	for h := range f.handles {
		select {
		case h.errs <- serr:
		default:
		}
	}
	m.metrics.RecordError("stream_terminal")
	m.log.Error("stream failed terminally", logger.String("symbol", f.symbol), logger.Error(cause))

	if _, ok := m.feeds[f.symbol]; ok {
		m.teardownLocked(f)
	}
}
