package repository

import (
	"context"
	"time"

	"LevelWatch/internal/domain/models"

	"github.com/shopspring/decimal"
)

// AlertStore is the durable persistence boundary for alerts, keyed by
// (symbol, alertId). It performs no price logic. A successful
// UpdateLevel must be observable by any later List call, including
// after a process restart.
type AlertStore interface {
	Create(ctx context.Context, cfg *models.AlertConfig) error
	UpdateLevel(ctx context.Context, symbol, alertID, label string, firedAt time.Time, firedPrice decimal.Decimal) error
	ListBySymbol(ctx context.Context, symbol string) ([]*models.AlertConfig, error)
	ListAll(ctx context.Context) ([]*models.AlertConfig, error)
	Delete(ctx context.Context, symbol, alertID string) error
	Close() error
}

// PriceSource is the upstream tick feed. Subscribe returns an infinite
// lazy sequence of ticks for one symbol; no replay is guaranteed across
// a reconnect gap.
type PriceSource interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbol string) (<-chan models.Tick, <-chan error, error)
	Unsubscribe(symbol string) error
	Reconnect(ctx context.Context) error
	IsConnected() bool
	Close() error
}

// Notifier is the notification sink. Transport failures come back as
// *models.DispatchError for the caller's retry loop.
type Notifier interface {
	Send(ctx context.Context, dest models.Destination, text string) error
}

// FireRecorder archives fire events for audit. Best effort: callers
// log failures and move on.
type FireRecorder interface {
	Record(ctx context.Context, ev models.FireEvent) error
	Close() error
}

// Metrics abstracts the Prometheus recorder.
type Metrics interface {
	RecordTickEvaluated(symbol string)
	RecordLevelFired(symbol string)
	RecordDispatchRetry()
	RecordDispatchFailure()
	RecordSubscriptions(n int)
	RecordLastPrice(symbol string, price float64)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
