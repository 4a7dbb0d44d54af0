package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/strikewatch/config"
	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/bus/eventbus"
	"github.com/coachpo/strikewatch/internal/schema"
	"github.com/coachpo/strikewatch/internal/strategy"
)

type fakeSource struct {
	strategies map[string]*strategy.Strategy
}

func (f *fakeSource) Get(id string) (*strategy.Strategy, error) {
	st, ok := f.strategies[id]
	if !ok {
		return nil, errs.New("fake", errs.CodeNotFound, errs.WithMessage("gone"))
	}
	return st, nil
}

func spreadFixture(t *testing.T) *strategy.Strategy {
	t.Helper()
	long, err := strategy.NewLeg("SFRF6C 96.5 Comdty", strategy.SideLong, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("leg: %v", err)
	}
	short, err := strategy.NewLeg("SFRF6C 96.75 Comdty", strategy.SideShort, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("leg: %v", err)
	}
	long.Quote = schema.Quote{Last: decimal.NewNullDecimal(decimal.NewFromFloat(1.00))}
	short.Quote = schema.Quote{Last: decimal.NewNullDecimal(decimal.NewFromFloat(0.80))}
	st, err := strategy.New("SFR spread", []*strategy.Leg{long, short})
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	st.Target = decimal.NewNullDecimal(decimal.NewFromFloat(0.10))
	st.Condition = strategy.ConditionBelow
	return st
}

func TestBuildFrameCarriesFullSnapshot(t *testing.T) {
	st := spreadFixture(t)
	c := New(config.SyncSettings{URL: "ws://unused"}, nil, &fakeSource{
		strategies: map[string]*strategy.Strategy{st.ID: st},
	})

	f := c.buildFrame(&schema.Event{Type: schema.EventStrategyChanged, StrategyID: st.ID})

	if f.Type != "strategy_changed" {
		t.Fatalf("frame type = %q", f.Type)
	}
	p := f.Payload
	if p.ID != st.ID || p.Name != "SFR spread" || p.Status != "ACTIVE" {
		t.Fatalf("payload identity: %+v", p)
	}
	if !p.Complete || p.Price == nil || *p.Price != "0.2" {
		t.Fatalf("payload price: %+v", p)
	}
	if p.Target == nil || *p.Target != "0.1" {
		t.Fatalf("payload target: %+v", p)
	}
	if len(p.Legs) != 2 || p.Legs[1].Side != "SHORT" || p.Legs[1].Quantity != "1" {
		t.Fatalf("payload legs: %+v", p.Legs)
	}
}

func TestBuildFrameForRemovedStrategy(t *testing.T) {
	c := New(config.SyncSettings{URL: "ws://unused"}, nil, &fakeSource{strategies: map[string]*strategy.Strategy{}})

	f := c.buildFrame(&schema.Event{Type: schema.EventStrategyChanged, StrategyID: "gone-id"})

	if !f.Payload.Deleted || f.Payload.ID != "gone-id" {
		t.Fatalf("removed strategy payload: %+v", f.Payload)
	}
}

func TestIncompleteSnapshotOmitsPrice(t *testing.T) {
	st := spreadFixture(t)
	st.Legs[1].Quote = schema.Quote{}
	c := New(config.SyncSettings{URL: "ws://unused"}, nil, &fakeSource{
		strategies: map[string]*strategy.Strategy{st.ID: st},
	})

	f := c.buildFrame(&schema.Event{Type: schema.EventStrategyChanged, StrategyID: st.ID})

	if f.Payload.Complete || f.Payload.Price != nil {
		t.Fatalf("incomplete strategy leaked a price: %+v", f.Payload)
	}
}

func TestDisabledClientReturnsImmediately(t *testing.T) {
	c := New(config.SyncSettings{}, nil, &fakeSource{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("disabled run: %v", err)
	}
}

func TestRunDeliversFramesOverWebsocket(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		received <- data
	}))
	defer server.Close()

	st := spreadFixture(t)
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8})
	defer bus.Close()
	c := New(config.SyncSettings{
		URL:              "ws" + strings.TrimPrefix(server.URL, "http"),
		InitialReconnect: 10 * time.Millisecond,
		MaxReconnect:     time.Second,
	}, bus, &fakeSource{strategies: map[string]*strategy.Strategy{st.ID: st}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	if err := bus.Publish(ctx, &schema.Event{Type: schema.EventStrategyChanged, StrategyID: st.ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-received:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Type != "strategy_changed" || f.Payload.ID != st.ID {
			t.Fatalf("frame = %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame reached the sync server")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}
