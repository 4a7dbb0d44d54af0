// Package syncclient mirrors debounced strategy changes to a remote sync
// server over a websocket. Delivery is fire and forget: a change that cannot
// be sent is logged and dropped, and the connection is rebuilt with
// exponential backoff for the next one.
package syncclient

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/strikewatch/config"
	"github.com/coachpo/strikewatch/internal/bus/eventbus"
	"github.com/coachpo/strikewatch/internal/observability"
	"github.com/coachpo/strikewatch/internal/schema"
	"github.com/coachpo/strikewatch/internal/strategy"
)

// Snapshotter resolves the current state of one strategy. The engine
// satisfies it.
type Snapshotter interface {
	Get(strategyID string) (*strategy.Strategy, error)
}

type legPayload struct {
	Ticker   string `json:"ticker"`
	Side     string `json:"side"`
	Quantity string `json:"quantity"`
}

type strategyPayload struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Status    string       `json:"status,omitempty"`
	Condition string       `json:"condition,omitempty"`
	Target    *string      `json:"target,omitempty"`
	Price     *string      `json:"price,omitempty"`
	Complete  bool         `json:"complete"`
	Deleted   bool         `json:"deleted,omitempty"`
	Legs      []legPayload `json:"legs,omitempty"`
}

type frame struct {
	Type    string          `json:"type"`
	Payload strategyPayload `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Client forwards StrategyChanged events to the sync server.
type Client struct {
	cfg    config.SyncSettings
	bus    eventbus.Bus
	source Snapshotter

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds a client. With an empty URL the client is disabled and Run
// returns immediately.
func New(cfg config.SyncSettings, bus eventbus.Bus, source Snapshotter) *Client {
	return &Client{cfg: cfg, bus: bus, source: source}
}

// Run consumes StrategyChanged events until the context is cancelled or the
// bus closes.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		observability.Log().Info("remote sync disabled")
		return nil
	}
	id, events, err := c.bus.Subscribe(ctx, schema.EventStrategyChanged)
	if err != nil {
		return err
	}
	defer c.bus.Unsubscribe(id)
	defer c.dropConn()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			c.notify(ctx, evt)
		}
	}
}

// notify builds and sends one frame. Errors are logged, never retried: the
// next change produces a fresh frame anyway.
func (c *Client) notify(ctx context.Context, evt *schema.Event) {
	f := c.buildFrame(evt)
	data, err := json.Marshal(f)
	if err != nil {
		observability.Log().Error("encode sync frame",
			observability.Field{Key: "strategy", Value: evt.StrategyID},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	conn, err := c.ensureConn(ctx)
	if err != nil {
		observability.Log().Error("sync server unreachable",
			observability.Field{Key: "url", Value: c.cfg.URL},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		observability.Log().Error("sync write failed",
			observability.Field{Key: "strategy", Value: evt.StrategyID},
			observability.Field{Key: "error", Value: err.Error()},
		)
		c.dropConn()
	}
}

func (c *Client) buildFrame(evt *schema.Event) frame {
	payload := strategyPayload{ID: evt.StrategyID}
	st, err := c.source.Get(evt.StrategyID)
	if err != nil {
		// The strategy was removed after the debounce window.
		payload.Deleted = true
		return frame{Type: "strategy_changed", Payload: payload, SentAt: time.Now().UTC()}
	}

	payload.Name = st.Name
	payload.Status = string(st.Status)
	payload.Condition = string(st.Condition)
	if st.Target.Valid {
		target := st.Target.Decimal.String()
		payload.Target = &target
	}
	if price := st.Price(); price.Valid {
		text := price.Decimal.String()
		payload.Price = &text
		payload.Complete = true
	}
	payload.Legs = make([]legPayload, 0, len(st.Legs))
	for _, leg := range st.Legs {
		payload.Legs = append(payload.Legs, legPayload{
			Ticker:   string(leg.Ticker),
			Side:     string(leg.Side),
			Quantity: leg.Quantity.String(),
		})
	}
	return frame{Type: "strategy_changed", Payload: payload, SentAt: time.Now().UTC()}
}

// ensureConn returns the live connection, dialing with exponential backoff
// when there is none. Backoff stops when the context is cancelled.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialReconnect
	policy.MaxInterval = c.cfg.MaxReconnect

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
		return conn, err
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(c.cfg.MaxReconnect))
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
}
