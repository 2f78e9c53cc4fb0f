package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"LevelWatch/internal/domain/models"

	"github.com/shopspring/decimal"
)

func sampleConfig(symbol, id string) *models.AlertConfig {
	return &models.AlertConfig{
		Symbol:  symbol,
		AlertID: id,
		Levels: []models.Level{
			{Label: "Lambda", Target: decimal.NewFromInt(600), Direction: models.DirectionAbove},
			{Label: "FAIL SAFE", Target: decimal.NewFromInt(580), Direction: models.DirectionBelow},
		},
		CreatedAt:      time.Now().UTC(),
		ReferencePrice: decimal.NewFromInt(590),
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()

	if err := store.Create(ctx, sampleConfig("SPY", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, sampleConfig("SPY", "a1"))
	var conflict *models.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	// Same id under a different symbol is a distinct key.
	if err := store.Create(ctx, sampleConfig("AAPL", "a1")); err != nil {
		t.Fatalf("create other symbol: %v", err)
	}
}

func TestMemoryStoreUpdateLevelIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	if err := store.Create(ctx, sampleConfig("SPY", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	firedAt := time.Now().UTC()
	price := decimal.NewFromInt(601)
	if err := store.UpdateLevel(ctx, "SPY", "a1", "Lambda", firedAt, price); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Re-applying the same fired state is a no-op success.
	if err := store.UpdateLevel(ctx, "SPY", "a1", "Lambda", firedAt.Add(time.Minute), decimal.NewFromInt(700)); err != nil {
		t.Fatalf("idempotent update: %v", err)
	}

	alerts, err := store.ListBySymbol(ctx, "SPY")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lvl := alerts[0].FindLevel("Lambda")
	if !lvl.Fired {
		t.Fatalf("level not fired after update")
	}
	if !lvl.FiredPrice.Equal(price) {
		t.Fatalf("fired price overwritten: %s", lvl.FiredPrice)
	}
	if alerts[0].FindLevel("FAIL SAFE").Fired {
		t.Fatalf("untouched level should stay pending")
	}
}

func TestMemoryStoreUpdateLevelNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	if err := store.Create(ctx, sampleConfig("SPY", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var nf *models.NotFoundError
	err := store.UpdateLevel(ctx, "SPY", "missing", "Lambda", time.Now(), decimal.NewFromInt(1))
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for unknown alert, got %v", err)
	}
	err = store.UpdateLevel(ctx, "SPY", "a1", "nope", time.Now(), decimal.NewFromInt(1))
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for unknown label, got %v", err)
	}
	if nf.Label != "nope" {
		t.Fatalf("label = %q", nf.Label)
	}
}

func TestMemoryStoreListIsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	if err := store.Create(ctx, sampleConfig("SPY", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	alerts, _ := store.ListBySymbol(ctx, "SPY")
	alerts[0].Levels[0].Fired = true // mutating the snapshot must not leak

	again, _ := store.ListBySymbol(ctx, "SPY")
	if again[0].Levels[0].Fired {
		t.Fatalf("store state mutated through a list snapshot")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	if err := store.Create(ctx, sampleConfig("SPY", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, "SPY", "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var nf *models.NotFoundError
	if err := store.Delete(ctx, "SPY", "a1"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	all, _ := store.ListAll(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %d", len(all))
	}
}
