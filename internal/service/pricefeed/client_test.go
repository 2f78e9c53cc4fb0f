package pricefeed

import (
	"strings"
	"testing"
	"time"

	"LevelWatch/internal/domain/models"
	"LevelWatch/pkg/logger"

	"github.com/shopspring/decimal"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func tick(symbol string, price int64) models.Tick {
	return models.Tick{
		Symbol:    symbol,
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now().UTC(),
	}
}

func TestRouteStalledSubscriberDoesNotBlockReader(t *testing.T) {
	c := New("key", "wss://example.test/ws", 0, testLogger(t))
	c.stallTimeout = 10 * time.Millisecond

	sub := &subscription{ticks: make(chan models.Tick, 1), errs: make(chan error, 1)}
	c.subs["SPY"] = sub
	other := &subscription{ticks: make(chan models.Tick, 1), errs: make(chan error, 1)}
	c.subs["AAPL"] = other

	c.route(tick("SPY", 1)) // fills the buffer; nothing drains it

	done := make(chan struct{})
	go func() {
		c.route(tick("SPY", 2))
		c.route(tick("AAPL", 3))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("route blocked the shared reader on a wedged subscriber")
	}

	// The healthy symbol kept receiving.
	select {
	case got := <-other.ticks:
		if got.Symbol != "AAPL" {
			t.Fatalf("unexpected tick %+v", got)
		}
	default:
		t.Fatalf("healthy subscriber starved")
	}

	// The wedged symbol got a stall error on its own channel.
	select {
	case err := <-sub.errs:
		if !strings.Contains(err.Error(), "stalled") {
			t.Fatalf("error = %v", err)
		}
	default:
		t.Fatalf("no stall error escalated")
	}

	// While stalled, further ticks are dropped without waiting.
	start := time.Now()
	c.route(tick("SPY", 4))
	if elapsed := time.Since(start); elapsed > c.stallTimeout {
		t.Fatalf("stalled route still waited %v", elapsed)
	}

	// Draining clears the stall and delivery resumes.
	<-sub.ticks
	c.route(tick("SPY", 5))
	select {
	case got := <-sub.ticks:
		if !got.Price.Equal(decimal.NewFromInt(5)) {
			t.Fatalf("resumed tick = %+v", got)
		}
	default:
		t.Fatalf("delivery did not resume after drain")
	}
}
