package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction tells which way a level fires. It is resolved once when the
// alert is parsed, against the reference price, and never recomputed.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Level is a named price threshold inside an alert. Fired only ever
// transitions false -> true.
type Level struct {
	Label      string           `json:"label"`
	Target     decimal.Decimal  `json:"target"`
	Direction  Direction        `json:"direction"`
	Fired      bool             `json:"fired"`
	FiredAt    *time.Time       `json:"fired_at,omitempty"`
	FiredPrice *decimal.Decimal `json:"fired_price,omitempty"`
}

// Hit reports whether price satisfies the level's crossing condition.
// Equality counts on both sides.
func (l *Level) Hit(price decimal.Decimal) bool {
	switch l.Direction {
	case DirectionAbove:
		return price.GreaterThanOrEqual(l.Target)
	case DirectionBelow:
		return price.LessThanOrEqual(l.Target)
	}
	return false
}

// Destination is the opaque routing target for notifications, supplied
// by the command layer. The engine never interprets it.
type Destination struct {
	GuildID   uint64 `json:"guild_id"`
	ChannelID uint64 `json:"channel_id"`
}

// AlertConfig is a registered alert: a symbol, a destination and a set
// of levels resolved against the price observed at creation time.
type AlertConfig struct {
	Symbol         string          `json:"symbol"`
	AlertID        string          `json:"alert_id"`
	Destination    Destination     `json:"destination"`
	Levels         []Level         `json:"levels"`
	CreatedAt      time.Time       `json:"created_at"`
	ReferencePrice decimal.Decimal `json:"reference_price"`

	// Stale marks alerts whose upstream stream failed terminally.
	// In-memory only; never persisted, never fires or deletes anything.
	Stale bool `json:"stale,omitempty"`
}

// PendingCount returns how many levels have not fired yet.
func (a *AlertConfig) PendingCount() int {
	n := 0
	for i := range a.Levels {
		if !a.Levels[i].Fired {
			n++
		}
	}
	return n
}

// Complete reports whether every level has fired. Complete alerts stay
// queryable until explicitly removed.
func (a *AlertConfig) Complete() bool {
	return a.PendingCount() == 0
}

// FindLevel returns the level with the given label (case-insensitive).
func (a *AlertConfig) FindLevel(label string) *Level {
	for i := range a.Levels {
		if strings.EqualFold(a.Levels[i].Label, label) {
			return &a.Levels[i]
		}
	}
	return nil
}

// Clone returns a deep copy so symbol workers never share mutable
// level state with callers.
func (a *AlertConfig) Clone() *AlertConfig {
	cp := *a
	cp.Levels = make([]Level, len(a.Levels))
	copy(cp.Levels, a.Levels)
	return &cp
}

// Tick is one price observation from the upstream feed.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// MsgTypeNotifyRedeliver is the queue message type for notifications
// that exhausted their dispatch retries. It also carries queue-mode
// dispatches, which the same workers deliver.
const MsgTypeNotifyRedeliver = "notify.redeliver"

// MsgTypeOperatorLogs is the queue topic for aggregated error-level
// logs flushed by the log collector, giving operators channel-side
// visibility into stale alerts and dispatch exhaustion.
const MsgTypeOperatorLogs = "operator.logs"

// UndeliveredNotification is the dead-letter payload for a notification
// the dispatch loop gave up on.
type UndeliveredNotification struct {
	GuildID   uint64 `json:"guild_id"`
	ChannelID uint64 `json:"channel_id"`
	Text      string `json:"text"`
}

// FireEvent is the audit record emitted after a level fires. Audit
// sinks are best effort and never block the fire path.
type FireEvent struct {
	Symbol     string          `json:"symbol"`
	AlertID    string          `json:"alert_id"`
	Label      string          `json:"label"`
	Target     decimal.Decimal `json:"target"`
	Direction  Direction       `json:"direction"`
	FiredPrice decimal.Decimal `json:"fired_price"`
	FiredAt    time.Time       `json:"fired_at"`
	GuildID    uint64          `json:"guild_id"`
	ChannelID  uint64          `json:"channel_id"`
}
