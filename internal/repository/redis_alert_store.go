package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"LevelWatch/internal/domain/models"
	"LevelWatch/internal/domain/repository"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	symbolSetKey   = "levelwatch:alerts:symbols"
	alertKeyPrefix = "levelwatch:alerts"
)

func alertKey(symbol, alertID string) string {
	return fmt.Sprintf("%s:%s:%s", alertKeyPrefix, symbol, alertID)
}

func symbolIndexKey(symbol string) string {
	return fmt.Sprintf("%s:index:%s", alertKeyPrefix, symbol)
}

// RedisAlertStore persists one JSON record per (symbol, alertId) with a
// per-symbol index set and a global symbol set for hydration. Redis
// read-after-write on single keys gives the durability the fire path
// needs: a level persisted as fired stays fired across restarts.
type RedisAlertStore struct {
	cli *redis.Client
}

// NewRedisAlertStore creates a redis-backed alert store.
func NewRedisAlertStore(cli *redis.Client) repository.AlertStore {
	return &RedisAlertStore{cli: cli}
}

func (s *RedisAlertStore) Create(ctx context.Context, cfg *models.AlertConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return &models.PersistenceError{Op: "create", Err: err}
	}

	ok, err := s.cli.SetNX(ctx, alertKey(cfg.Symbol, cfg.AlertID), payload, 0).Result()
	if err != nil {
		return &models.PersistenceError{Op: "create", Err: err}
	}
	if !ok {
		return &models.ConflictError{Symbol: cfg.Symbol, AlertID: cfg.AlertID}
	}

	pipe := s.cli.Pipeline()
	pipe.SAdd(ctx, symbolIndexKey(cfg.Symbol), cfg.AlertID)
	pipe.SAdd(ctx, symbolSetKey, cfg.Symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		return &models.PersistenceError{Op: "create", Err: err}
	}
	return nil
}

func (s *RedisAlertStore) UpdateLevel(ctx context.Context, symbol, alertID, label string, firedAt time.Time, firedPrice decimal.Decimal) error {
	cfg, err := s.get(ctx, symbol, alertID)
	if err != nil {
		return err
	}

	lvl := cfg.FindLevel(label)
	if lvl == nil {
		return &models.NotFoundError{Symbol: symbol, AlertID: alertID, Label: label}
	}
	if lvl.Fired {
		// Idempotent: re-applying a fired state is a no-op success.
		return nil
	}
	lvl.Fired = true
	lvl.FiredAt = &firedAt
	lvl.FiredPrice = &firedPrice

	payload, merr := json.Marshal(cfg)
	if merr != nil {
		return &models.PersistenceError{Op: "update_level", Err: merr}
	}
	if err := s.cli.Set(ctx, alertKey(symbol, alertID), payload, 0).Err(); err != nil {
		return &models.PersistenceError{Op: "update_level", Err: err}
	}
	return nil
}

func (s *RedisAlertStore) ListBySymbol(ctx context.Context, symbol string) ([]*models.AlertConfig, error) {
	symbol = strings.ToUpper(symbol)
	ids, err := s.cli.SMembers(ctx, symbolIndexKey(symbol)).Result()
	if err != nil {
		return nil, &models.PersistenceError{Op: "list_by_symbol", Err: err}
	}

	out := make([]*models.AlertConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.get(ctx, symbol, id)
		if err != nil {
			var nf *models.NotFoundError
			if errors.As(err, &nf) {
				// Record gone but id still indexed; prune on read.
				_ = s.cli.SRem(ctx, symbolIndexKey(symbol), id).Err()
				continue
			}
			return nil, err
		}
		out = append(out, cfg)
	}

	if len(out) == 0 {
		// Nothing left for this symbol; drop it from the hydration set.
		pipe := s.cli.Pipeline()
		pipe.Del(ctx, symbolIndexKey(symbol))
		pipe.SRem(ctx, symbolSetKey, symbol)
		_, _ = pipe.Exec(ctx)
	}
	return out, nil
}

func (s *RedisAlertStore) ListAll(ctx context.Context) ([]*models.AlertConfig, error) {
	symbols, err := s.cli.SMembers(ctx, symbolSetKey).Result()
	if err != nil {
		return nil, &models.PersistenceError{Op: "list_all", Err: err}
	}

	var out []*models.AlertConfig
	for _, symbol := range symbols {
		alerts, err := s.ListBySymbol(ctx, symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, alerts...)
	}
	return out, nil
}

func (s *RedisAlertStore) Delete(ctx context.Context, symbol, alertID string) error {
	symbol = strings.ToUpper(symbol)
	n, err := s.cli.Del(ctx, alertKey(symbol, alertID)).Result()
	if err != nil {
		return &models.PersistenceError{Op: "delete", Err: err}
	}
	if n == 0 {
		return &models.NotFoundError{Symbol: symbol, AlertID: alertID}
	}

	pipe := s.cli.Pipeline()
	pipe.SRem(ctx, symbolIndexKey(symbol), alertID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &models.PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

func (s *RedisAlertStore) Close() error {
	return s.cli.Close()
}

func (s *RedisAlertStore) get(ctx context.Context, symbol, alertID string) (*models.AlertConfig, error) {
	b, err := s.cli.Get(ctx, alertKey(symbol, alertID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &models.NotFoundError{Symbol: symbol, AlertID: alertID}
		}
		return nil, &models.PersistenceError{Op: "get", Err: err}
	}

	var cfg models.AlertConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, &models.PersistenceError{Op: "get", Err: err}
	}
	return &cfg, nil
}
