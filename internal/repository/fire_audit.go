package repository

import (
	"context"
	"database/sql"

	"LevelWatch/internal/domain/models"
	"LevelWatch/internal/domain/repository"
	pkgkafka "LevelWatch/pkg/kafka"
	"LevelWatch/pkg/logger"
)

// FireAuditSchema is the idempotent DDL for the ClickHouse audit table.
var FireAuditSchema = []string{
	"CREATE DATABASE IF NOT EXISTS levelwatch",
	`CREATE TABLE IF NOT EXISTS levelwatch.fire_events (
		fired_at DateTime64(3),
		symbol LowCardinality(String),
		alert_id String,
		label String,
		direction LowCardinality(String),
		target Decimal64(4),
		fired_price Decimal64(4),
		guild_id UInt64,
		channel_id UInt64
	) ENGINE=MergeTree ORDER BY (symbol, fired_at)`,
}

// ClickHouseFireAudit archives fire events into ClickHouse.
type ClickHouseFireAudit struct {
	db    *sql.DB
	table string
}

func NewClickHouseFireAudit(db *sql.DB) repository.FireRecorder {
	return &ClickHouseFireAudit{db: db, table: "levelwatch.fire_events"}
}

func (a *ClickHouseFireAudit) Record(ctx context.Context, ev models.FireEvent) error {
	q := "INSERT INTO " + a.table +
		" (fired_at, symbol, alert_id, label, direction, target, fired_price, guild_id, channel_id)" +
		" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err := a.db.ExecContext(ctx, q,
		ev.FiredAt,
		ev.Symbol,
		ev.AlertID,
		ev.Label,
		string(ev.Direction),
		ev.Target,
		ev.FiredPrice,
		ev.GuildID,
		ev.ChannelID,
	)
	return err
}

func (a *ClickHouseFireAudit) Close() error {
	return nil // pool owned by pkg/clickhouse
}

// KafkaFireRecorder publishes fire events to a Kafka topic, keyed by
// symbol so one symbol's fires stay ordered.
type KafkaFireRecorder struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaFireRecorder(producer *pkgkafka.Producer, topic string) repository.FireRecorder {
	return &KafkaFireRecorder{producer: producer, topic: topic}
}

func (r *KafkaFireRecorder) Record(ctx context.Context, ev models.FireEvent) error {
	return r.producer.Publish(ctx, r.topic, []byte(ev.Symbol), ev)
}

func (r *KafkaFireRecorder) Close() error {
	if r.producer != nil {
		return r.producer.Close()
	}
	return nil
}

// MultiFireRecorder fans one event out to every configured sink. Sink
// failures are logged individually; the first error is returned after
// all sinks have been tried.
type MultiFireRecorder struct {
	sinks []repository.FireRecorder
	log   *logger.Logger
}

func NewMultiFireRecorder(log *logger.Logger, sinks ...repository.FireRecorder) repository.FireRecorder {
	return &MultiFireRecorder{sinks: sinks, log: log}
}

func (m *MultiFireRecorder) Record(ctx context.Context, ev models.FireEvent) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Record(ctx, ev); err != nil {
			m.log.Warn("fire audit sink failed",
				logger.String("symbol", ev.Symbol),
				logger.String("level", ev.Label),
				logger.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (m *MultiFireRecorder) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
