package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"LevelWatch/internal/domain/models"
	"LevelWatch/internal/domain/repository"

	"github.com/shopspring/decimal"
)

// MemoryAlertStore keeps alerts in a mutex-guarded map with the same
// semantics as the redis store. Used for tests and redis-less runs;
// durability is process-scoped only.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]map[string]*models.AlertConfig // symbol -> alertID -> config
}

// NewMemoryAlertStore creates an in-memory alert store.
func NewMemoryAlertStore() repository.AlertStore {
	return &MemoryAlertStore{alerts: make(map[string]map[string]*models.AlertConfig)}
}

func (s *MemoryAlertStore) Create(_ context.Context, cfg *models.AlertConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol, ok := s.alerts[cfg.Symbol]
	if !ok {
		bySymbol = make(map[string]*models.AlertConfig)
		s.alerts[cfg.Symbol] = bySymbol
	}
	if _, exists := bySymbol[cfg.AlertID]; exists {
		return &models.ConflictError{Symbol: cfg.Symbol, AlertID: cfg.AlertID}
	}
	bySymbol[cfg.AlertID] = cfg.Clone()
	return nil
}

func (s *MemoryAlertStore) UpdateLevel(_ context.Context, symbol, alertID, label string, firedAt time.Time, firedPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	cfg, ok := s.alerts[symbol][alertID]
	if !ok {
		return &models.NotFoundError{Symbol: symbol, AlertID: alertID}
	}
	lvl := cfg.FindLevel(label)
	if lvl == nil {
		return &models.NotFoundError{Symbol: symbol, AlertID: alertID, Label: label}
	}
	if lvl.Fired {
		return nil
	}
	lvl.Fired = true
	lvl.FiredAt = &firedAt
	lvl.FiredPrice = &firedPrice
	return nil
}

func (s *MemoryAlertStore) ListBySymbol(_ context.Context, symbol string) ([]*models.AlertConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbol = strings.ToUpper(symbol)
	out := make([]*models.AlertConfig, 0, len(s.alerts[symbol]))
	for _, cfg := range s.alerts[symbol] {
		out = append(out, cfg.Clone())
	}
	return out, nil
}

func (s *MemoryAlertStore) ListAll(_ context.Context) ([]*models.AlertConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AlertConfig
	for _, bySymbol := range s.alerts {
		for _, cfg := range bySymbol {
			out = append(out, cfg.Clone())
		}
	}
	return out, nil
}

func (s *MemoryAlertStore) Delete(_ context.Context, symbol, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if _, ok := s.alerts[symbol][alertID]; !ok {
		return &models.NotFoundError{Symbol: symbol, AlertID: alertID}
	}
	delete(s.alerts[symbol], alertID)
	if len(s.alerts[symbol]) == 0 {
		delete(s.alerts, symbol)
	}
	return nil
}

func (s *MemoryAlertStore) Close() error { return nil }
