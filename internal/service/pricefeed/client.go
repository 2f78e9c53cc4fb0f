package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"LevelWatch/internal/domain/models"
	drepo "LevelWatch/internal/domain/repository"
	"LevelWatch/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Client implements a PriceSource backed by a Finnhub-style trade
// WebSocket. Symbols are subscribed dynamically; incoming trade frames
// are routed to the per-symbol channels handed out by Subscribe.
type Client struct {
	apiKey       string
	websocketURL string
	pingInterval time.Duration
	stallTimeout time.Duration
	log          *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      map[string]*subscription
	readStop  chan struct{}
}

type subscription struct {
	ticks   chan models.Tick
	errs    chan error
	stalled bool
}

// New creates a price feed client. Connect must be called before
// Subscribe.
func New(apiKey, websocketURL string, pingInterval time.Duration, log *logger.Logger) *Client {
	return &Client{
		apiKey:       apiKey,
		websocketURL: websocketURL,
		pingInterval: pingInterval,
		stallTimeout: time.Second,
		log:          log,
		subs:         make(map[string]*subscription),
	}
}

var _ drepo.PriceSource = (*Client)(nil)

// Connect establishes the WebSocket connection and starts the read and
// ping loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

func (c *Client) dialLocked(ctx context.Context) error {
	u := fmt.Sprintf("%s?token=%s", c.websocketURL, c.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("pricefeed connect: %w", err)
	}
	c.conn = conn
	c.connected = true
	c.readStop = make(chan struct{})
	go c.readLoop(conn, c.readStop)
	go c.pingLoop(conn, c.readStop)
	c.log.Info("pricefeed connected", logger.String("url", c.websocketURL))
	return nil
}

// Subscribe registers interest in one symbol and returns its tick and
// error channels. The channels stay valid across transparent
// reconnects; delivery stops after Unsubscribe or Close.
func (c *Client) Subscribe(_ context.Context, symbol string) (<-chan models.Tick, <-chan error, error) {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil, nil, fmt.Errorf("pricefeed not connected")
	}
	if _, exists := c.subs[symbol]; exists {
		return nil, nil, fmt.Errorf("pricefeed: %s already subscribed", symbol)
	}

	if err := c.writeControlLocked("subscribe", symbol); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ticks: make(chan models.Tick, 256),
		errs:  make(chan error, 1),
	}
	c.subs[symbol] = sub
	c.log.Info("pricefeed subscribed", logger.String("symbol", symbol))
	return sub.ticks, sub.errs, nil
}

// Unsubscribe drops interest in a symbol and closes its channels.
func (c *Client) Unsubscribe(symbol string) error {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[symbol]; !exists {
		return nil
	}
	// Channels are not closed here: a route call may hold a reference.
	// Dropping the registry entry stops further delivery.
	delete(c.subs, symbol)

	if c.connected && c.conn != nil {
		if err := c.writeControlLocked("unsubscribe", symbol); err != nil {
			return err
		}
	}
	c.log.Info("pricefeed unsubscribed", logger.String("symbol", symbol))
	return nil
}

// Reconnect redials and resubscribes every registered symbol, keeping
// the existing per-symbol channels. No-op while a live connection is
// up, so concurrent callers collapse into one redial.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		return nil
	}
	if err := c.dialLocked(ctx); err != nil {
		return err
	}
	for symbol := range c.subs {
		if err := c.writeControlLocked("subscribe", symbol); err != nil {
			return err
		}
	}
	return nil
}

// IsConnected reports connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the connection and closes all subscription channels.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs = make(map[string]*subscription)
	c.connected = false
	if c.readStop != nil {
		close(c.readStop)
		c.readStop = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) writeControlLocked(msgType, symbol string) error {
	msg := map[string]string{"type": msgType, "symbol": symbol}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("pricefeed %s %s: %w", msgType, symbol, err)
	}
	return nil
}

type feedTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	T int64   `json:"t"` // ms
}

type feedMessage struct {
	Type string      `json:"type"`
	Data []feedTrade `json:"data"`
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		_, b, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		var m feedMessage
		if err := json.Unmarshal(b, &m); err != nil {
			// Non-trade frames (pings, acks) are ignored.
			continue
		}
		if m.Type != "trade" {
			continue
		}
		for _, tr := range m.Data {
			c.route(models.Tick{
				Symbol:    strings.ToUpper(tr.S),
				Price:     decimal.NewFromFloat(tr.P),
				Timestamp: time.UnixMilli(tr.T).UTC(),
			})
		}
	}
}

// handleReadError flips the connection to disconnected and reports the
// failure on every live subscription. Consumers decide whether to
// Reconnect.
func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A stale read loop from a previous connection must not flap the
	// current one.
	if c.conn != conn {
		return
	}
	c.connected = false
	c.log.Warn("pricefeed read failed", logger.Error(err))

	for _, sub := range c.subs {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

// route delivers one tick to its symbol's subscription. The read loop
// is shared by every symbol, so route never blocks indefinitely: a
// subscriber that stays full past stallTimeout gets an error on its
// channel and loses ticks until it drains, leaving the other symbols
// unaffected.
func (c *Client) route(tick models.Tick) {
	c.mu.Lock()
	sub, ok := c.subs[tick.Symbol]
	stalled := ok && sub.stalled
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case sub.ticks <- tick:
		if stalled {
			c.mu.Lock()
			sub.stalled = false
			c.mu.Unlock()
			c.log.Info("pricefeed subscriber recovered", logger.String("symbol", tick.Symbol))
		}
		return
	default:
	}
	if stalled {
		return
	}

	t := time.NewTimer(c.stallTimeout)
	defer t.Stop()
	select {
	case sub.ticks <- tick:
		return
	case <-t.C:
	}

	c.mu.Lock()
	sub.stalled = true
	c.mu.Unlock()
	c.log.Warn("pricefeed subscriber stalled, dropping ticks", logger.String("symbol", tick.Symbol))
	select {
	case sub.errs <- fmt.Errorf("pricefeed %s: subscriber stalled", tick.Symbol):
	default:
	}
}
