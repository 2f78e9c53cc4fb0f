package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"LevelWatch/internal/domain/models"
	drepo "LevelWatch/internal/domain/repository"
	"LevelWatch/internal/service/stream"
	"LevelWatch/pkg/logger"
	"LevelWatch/pkg/queue"

	"github.com/shopspring/decimal"
)

// Dispatch modes. Inline delivers on the symbol worker with bounded
// backoff; queue hands the persisted notification to the redis queue
// and lets its workers deliver.
const (
	DispatchModeInline = "inline"
	DispatchModeQueue  = "queue"
)

var errManagerClosed = errors.New("manager closed")

// ManagerConfig tunes the fire path.
type ManagerConfig struct {
	DispatchMode       string        // inline (default) or queue
	DispatchRetryMax   int           // retries after the first send attempt
	DispatchBackoffMin time.Duration // first retry delay, doubled up to max
	DispatchBackoffMax time.Duration
	PersistRetryMax    int           // persistence retries within one tick
	PersistBackoff     time.Duration // delay between persistence retries
}

func (c *ManagerConfig) defaults() {
	if c.DispatchMode == "" {
		c.DispatchMode = DispatchModeInline
	}
	if c.DispatchRetryMax <= 0 {
		c.DispatchRetryMax = 3
	}
	if c.DispatchBackoffMin <= 0 {
		c.DispatchBackoffMin = 500 * time.Millisecond
	}
	if c.DispatchBackoffMax <= 0 {
		c.DispatchBackoffMax = 5 * time.Second
	}
	if c.PersistRetryMax <= 0 {
		c.PersistRetryMax = 5
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = time.Second
	}
}

// Manager owns the in-memory working copies of alerts, partitioned by
// symbol. One worker goroutine per active symbol evaluates ticks
// strictly sequentially; concurrency exists only across symbols. The
// manager is the single writer of level fired state.
type Manager struct {
	store    drepo.AlertStore
	mux      *stream.Multiplexer
	notifier drepo.Notifier
	recorder drepo.FireRecorder // optional audit sink
	dlq      queue.QueueService // optional dead letter for abandoned notifications
	metrics  drepo.Metrics
	log      *logger.Logger
	cfg      ManagerConfig

	mu         sync.Mutex
	partitions map[string]*partition
	stale      map[string]map[string]struct{} // symbol -> alertID, terminal stream failures
	stop       chan struct{}
	stopped    bool
	wg         sync.WaitGroup
}

// partition is one symbol's owned state. Level mutation happens only on
// that symbol's worker goroutine; the manager mutex guards membership
// changes between ticks.
type partition struct {
	symbol string
	alerts map[string]*models.AlertConfig
	handle *stream.Handle
}

// NewManager creates an alert manager. recorder may be nil.
func NewManager(
	store drepo.AlertStore,
	mux *stream.Multiplexer,
	notifier drepo.Notifier,
	recorder drepo.FireRecorder,
	metrics drepo.Metrics,
	log *logger.Logger,
	cfg ManagerConfig,
) *Manager {
	cfg.defaults()
	return &Manager{
		store:      store,
		mux:        mux,
		notifier:   notifier,
		recorder:   recorder,
		metrics:    metrics,
		log:        log,
		cfg:        cfg,
		partitions: make(map[string]*partition),
		stale:      make(map[string]map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

// Hydrate loads every persisted alert before any tick is processed.
// Alerts with at least one pending level acquire their symbol stream;
// complete ones stay queryable in the store only.
func (m *Manager) Hydrate(ctx context.Context) error {
	alerts, err := m.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}

	active := 0
	for _, cfg := range alerts {
		if cfg.Complete() {
			continue
		}
		if err := m.attach(ctx, cfg); err != nil {
			return fmt.Errorf("hydrate %s/%s: %w", cfg.Symbol, cfg.AlertID, err)
		}
		active++
	}

	m.log.Info("alerts hydrated",
		logger.Int("total", len(alerts)),
		logger.Int("active", active))
	return nil
}

// Register parses a level message, persists the resulting alert and
// registers stream interest. Nothing is created when parsing fails.
func (m *Manager) Register(ctx context.Context, raw, symbol string, dest models.Destination, ref decimal.Decimal) (*models.AlertConfig, error) {
	cfg, err := ParseAlertMessage(raw, symbol, dest, ref)
	if err != nil {
		return nil, err
	}
	return m.create(ctx, cfg)
}

// RegisterBlock registers an alert from the block message format, where
// the symbol and reference price are embedded in the message itself.
func (m *Manager) RegisterBlock(ctx context.Context, raw string, dest models.Destination) (*models.AlertConfig, error) {
	cfg, err := ParseLegacyAlertMessage(raw, dest)
	if err != nil {
		return nil, err
	}
	return m.create(ctx, cfg)
}

// create persists the parsed alert and attaches it to its stream. When
// the stream cannot be acquired the durable record is kept and the
// alert is returned flagged stale instead of erroring: the record
// hydrates on restart, and a caller retry against an error here would
// mint a duplicate under a fresh id.
func (m *Manager) create(ctx context.Context, cfg *models.AlertConfig) (*models.AlertConfig, error) {
	if err := m.store.Create(ctx, cfg); err != nil {
		return nil, err
	}
	if err := m.attach(ctx, cfg); err != nil {
		if errors.Is(err, errManagerClosed) {
			return nil, err
		}
		m.log.Error("stream attach failed after create, alert flagged stale",
			logger.String("symbol", cfg.Symbol),
			logger.String("alert_id", cfg.AlertID),
			logger.Error(err))
		m.flagStale(cfg.Symbol, cfg.AlertID)
		out := cfg.Clone()
		out.Stale = true
		return out, nil
	}
	return cfg.Clone(), nil
}

// List returns the persisted alerts for a symbol, overlaid with the
// in-memory stale flag.
func (m *Manager) List(ctx context.Context, symbol string) ([]*models.AlertConfig, error) {
	alerts, err := m.store.ListBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	m.overlayStale(alerts)
	return alerts, nil
}

// ListAll returns every persisted alert, overlaid with stale flags.
func (m *Manager) ListAll(ctx context.Context) ([]*models.AlertConfig, error) {
	alerts, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	m.overlayStale(alerts)
	return alerts, nil
}

// Cancel removes an alert from the store and from its partition.
// Removal takes effect on the next tick; a worker mid-tick finishes its
// snapshot safely.
func (m *Manager) Cancel(ctx context.Context, symbol, alertID string) error {
	symbol = strings.ToUpper(symbol)
	if err := m.store.Delete(ctx, symbol, alertID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if flagged, ok := m.stale[symbol]; ok {
		delete(flagged, alertID)
		if len(flagged) == 0 {
			delete(m.stale, symbol)
		}
	}
	p, ok := m.partitions[symbol]
	if !ok {
		return nil
	}
	delete(p.alerts, alertID)
	if len(p.alerts) == 0 {
		m.dropPartitionLocked(p)
	}
	return nil
}

// Close stops all symbol workers and releases their handles.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stop)
	for _, p := range m.partitions {
		m.mux.Release(p.handle)
	}
	m.partitions = make(map[string]*partition)
	m.mu.Unlock()

	m.wg.Wait()
}

// attach adds a working copy to its symbol partition, creating the
// partition and its worker on first interest.
func (m *Manager) attach(ctx context.Context, cfg *models.AlertConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return errManagerClosed
	}

	p, ok := m.partitions[cfg.Symbol]
	if !ok {
		handle, err := m.mux.Acquire(ctx, cfg.Symbol)
		if err != nil {
			return err
		}
		p = &partition{
			symbol: cfg.Symbol,
			alerts: make(map[string]*models.AlertConfig),
			handle: handle,
		}
		m.partitions[cfg.Symbol] = p
		m.wg.Add(1)
		go m.runWorker(p)
	}
	p.alerts[cfg.AlertID] = cfg.Clone()
	return nil
}

// dropPartitionLocked releases the handle and forgets the partition.
// The worker notices via the released handle or the next snapshot.
func (m *Manager) dropPartitionLocked(p *partition) {
	m.mux.Release(p.handle)
	delete(m.partitions, p.symbol)
}

// runWorker serially evaluates one symbol's ticks. A panic is isolated
// to the symbol and the worker restarts; no error here may take the
// process down.
func (m *Manager) runWorker(p *partition) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordError("worker_panic")
			m.log.Error("symbol worker panicked, restarting",
				logger.String("symbol", p.symbol),
				logger.Any("panic", r))
			m.mu.Lock()
			alive := !m.stopped && m.partitions[p.symbol] == p
			if alive {
				m.wg.Add(1)
				go m.runWorker(p)
			}
			m.mu.Unlock()
		}
	}()

	for {
		select {
		case <-m.stop:
			return

		case <-p.handle.Done():
			// Released by Cancel or completion on another path.
			return

		case err := <-p.handle.Errs():
			if err != nil {
				m.markStale(p, err)
				return
			}

		case tick, ok := <-p.handle.Ticks():
			if !ok {
				return
			}
			if m.handleTick(p, tick) {
				return
			}
		}
	}
}

// handleTick evaluates one tick against a snapshot of the partition's
// alerts. Returns true when the partition has no pending work left and
// the worker should exit.
func (m *Manager) handleTick(p *partition, tick models.Tick) bool {
	m.mu.Lock()
	snapshot := make([]*models.AlertConfig, 0, len(p.alerts))
	for _, cfg := range p.alerts {
		snapshot = append(snapshot, cfg)
	}
	m.mu.Unlock()

	m.metrics.RecordTickEvaluated(tick.Symbol)

	for _, cfg := range snapshot {
		m.evaluate(cfg, tick)
	}

	// Once every alert on the symbol is complete the stream is no
	// longer needed. Alerts stay in the store for audit.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.partitions[p.symbol] != p {
		return true // partition was cancelled out from under us
	}
	for _, cfg := range p.alerts {
		if !cfg.Complete() {
			return false
		}
	}
	m.dropPartitionLocked(p)
	m.log.Info("all levels complete, releasing stream", logger.String("symbol", p.symbol))
	return true
}

// evaluate fires every still-pending level the tick crosses.
// Persist first, then transition in memory, then dispatch: a crash
// between persistence and dispatch loses at most a notification and
// can never produce a duplicate after restart.
func (m *Manager) evaluate(cfg *models.AlertConfig, tick models.Tick) {
	for i := range cfg.Levels {
		lvl := &cfg.Levels[i]
		if lvl.Fired || !lvl.Hit(tick.Price) {
			continue
		}

		firedAt := tick.Timestamp
		if firedAt.IsZero() {
			firedAt = time.Now().UTC()
		}

		if !m.persistFire(cfg, lvl, firedAt, tick.Price) {
			// Level stays pending; the next tick retries the whole
			// fire path.
			continue
		}

		lvl.Fired = true
		lvl.FiredAt = &firedAt
		lvl.FiredPrice = &tick.Price
		m.metrics.RecordLevelFired(cfg.Symbol)

		m.dispatch(cfg, lvl, tick.Price)
		m.record(cfg, lvl, firedAt, tick.Price)
	}
}

// persistFire marks the level fired in the store, retrying in place on
// persistence failures. The in-memory transition is withheld until the
// store acknowledges, preserving persist-before-dispatch ordering.
func (m *Manager) persistFire(cfg *models.AlertConfig, lvl *models.Level, firedAt time.Time, price decimal.Decimal) bool {
	ctx := context.Background()
	for attempt := 0; attempt <= m.cfg.PersistRetryMax; attempt++ {
		err := m.store.UpdateLevel(ctx, cfg.Symbol, cfg.AlertID, lvl.Label, firedAt, price)
		if err == nil {
			return true
		}

		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			// Alert was cancelled mid-evaluation; nothing to fire.
			m.log.Warn("fire skipped, alert gone",
				logger.String("symbol", cfg.Symbol),
				logger.String("alert_id", cfg.AlertID),
				logger.String("level", lvl.Label))
			return false
		}

		m.metrics.RecordError("persist_fire")
		m.log.Warn("fire persistence failed, retrying",
			logger.String("symbol", cfg.Symbol),
			logger.String("level", lvl.Label),
			logger.Int("attempt", attempt+1),
			logger.Error(err))

		select {
		case <-m.stop:
			return false
		case <-time.After(m.cfg.PersistBackoff):
		}
	}

	m.log.Error("fire persistence exhausted, level stays pending",
		logger.String("symbol", cfg.Symbol),
		logger.String("level", lvl.Label))
	return false
}

// dispatch sends the one-time notification with bounded backoff.
// Exhausting retries logs and counts the loss; the persisted fired
// state is final either way, so the human may miss a message but never
// receives a duplicate. In queue mode the persisted notification is
// enqueued instead and the queue workers deliver; an enqueue failure
// falls back to inline delivery.
func (m *Manager) dispatch(cfg *models.AlertConfig, lvl *models.Level, price decimal.Decimal) {
	text := fmt.Sprintf("%s %s %s HIT @ %s",
		cfg.Symbol, lvl.Label, lvl.Target.StringFixed(2), price.StringFixed(2))

	if m.cfg.DispatchMode == DispatchModeQueue && m.dlq != nil {
		err := m.enqueueNotification(cfg, text)
		if err == nil {
			return
		}
		m.metrics.RecordError("dispatch_enqueue")
		m.log.Warn("dispatch enqueue failed, delivering inline",
			logger.String("symbol", cfg.Symbol),
			logger.String("level", lvl.Label),
			logger.Error(err))
	}

	backoff := m.cfg.DispatchBackoffMin
	for attempt := 0; ; attempt++ {
		err := m.notifier.Send(context.Background(), cfg.Destination, text)
		if err == nil {
			return
		}

		if attempt >= m.cfg.DispatchRetryMax {
			m.metrics.RecordDispatchFailure()
			m.log.Error("notification abandoned after retries",
				logger.String("symbol", cfg.Symbol),
				logger.String("level", lvl.Label),
				logger.Error(err))
			m.deadLetter(cfg, text)
			return
		}

		m.metrics.RecordDispatchRetry()
		m.log.Warn("notification dispatch failed, retrying",
			logger.String("symbol", cfg.Symbol),
			logger.String("level", lvl.Label),
			logger.Int("attempt", attempt+1),
			logger.Error(err))

		select {
		case <-m.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < m.cfg.DispatchBackoffMax {
			backoff *= 2
		}
	}
}

// SetDeadLetter attaches a queue that receives notifications abandoned
// by the retry loop, for out-of-band redelivery.
func (m *Manager) SetDeadLetter(q queue.QueueService) { m.dlq = q }

// deadLetter parks an undeliverable notification for redelivery.
func (m *Manager) deadLetter(cfg *models.AlertConfig, text string) {
	if m.dlq == nil {
		return
	}
	if err := m.enqueueNotification(cfg, text); err != nil {
		m.metrics.RecordError("dead_letter")
		m.log.Error("dead letter publish failed", logger.Error(err))
	}
}

// enqueueNotification publishes the notification to the queue for the
// redelivery workers.
func (m *Manager) enqueueNotification(cfg *models.AlertConfig, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := models.UndeliveredNotification{
		GuildID:   cfg.Destination.GuildID,
		ChannelID: cfg.Destination.ChannelID,
		Text:      text,
	}
	return m.dlq.PublishMessage(ctx, models.MsgTypeNotifyRedeliver, payload)
}

// record publishes the fire event to the audit sinks, best effort.
func (m *Manager) record(cfg *models.AlertConfig, lvl *models.Level, firedAt time.Time, price decimal.Decimal) {
	if m.recorder == nil {
		return
	}
	ev := models.FireEvent{
		Symbol:     cfg.Symbol,
		AlertID:    cfg.AlertID,
		Label:      lvl.Label,
		Target:     lvl.Target,
		Direction:  lvl.Direction,
		FiredPrice: price,
		FiredAt:    firedAt,
		GuildID:    cfg.Destination.GuildID,
		ChannelID:  cfg.Destination.ChannelID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.Record(ctx, ev); err != nil {
		m.metrics.RecordError("fire_audit")
		m.log.Warn("fire audit record failed", logger.Error(err))
	}
}

// markStale flags every alert on the symbol after a terminal stream
// failure. Stale alerts are never fired or deleted; they surface in
// List output for operator visibility.
func (m *Manager) markStale(p *partition, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flagged := m.stale[p.symbol]
	if flagged == nil {
		flagged = make(map[string]struct{})
		m.stale[p.symbol] = flagged
	}
	for id := range p.alerts {
		flagged[id] = struct{}{}
	}

	// The partition is dropped so a later Register opens a fresh
	// stream instead of attaching to a dead one.
	if m.partitions[p.symbol] == p {
		m.mux.Release(p.handle)
		delete(m.partitions, p.symbol)
	}

	m.metrics.RecordError("stale_alerts")
	m.log.Error("stream failed, alerts flagged stale",
		logger.String("symbol", p.symbol),
		logger.Int("alerts", len(flagged)),
		logger.Error(err))
}

// flagStale marks one alert stale without touching its partition.
func (m *Manager) flagStale(symbol, alertID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flagged := m.stale[symbol]
	if flagged == nil {
		flagged = make(map[string]struct{})
		m.stale[symbol] = flagged
	}
	flagged[alertID] = struct{}{}
}

// overlayStale merges in-memory stale flags into store snapshots.
func (m *Manager) overlayStale(alerts []*models.AlertConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range alerts {
		if flagged, ok := m.stale[cfg.Symbol]; ok {
			if _, hit := flagged[cfg.AlertID]; hit {
				cfg.Stale = true
			}
		}
	}
}
