package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/schema"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()

	_, priceCh, err := bus.Subscribe(context.Background(), schema.EventPriceChanged)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_, alarmCh, err := bus.Subscribe(context.Background(), schema.EventTargetReached)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	evt := &schema.Event{Type: schema.EventPriceChanged, StrategyID: "s1", Complete: true}
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-priceCh:
		if got.StrategyID != "s1" {
			t.Fatalf("unexpected strategy id %q", got.StrategyID)
		}
		if got == evt {
			t.Fatal("subscriber must receive a clone, not the shared event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for price event")
	}

	select {
	case got := <-alarmCh:
		t.Fatalf("alarm subscriber must not receive price events, got %+v", got)
	default:
	}
}

func TestPublishRequiresType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	err := bus.Publish(context.Background(), &schema.Event{})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), schema.EventTargetLeft)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Unsubscribe(id)

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, _, err := bus.Subscribe(context.Background(), schema.EventPriceChanged)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Close()

	err = bus.Publish(context.Background(), &schema.Event{Type: schema.EventPriceChanged})
	if err != nil && !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable or silent drop after close, got %v", err)
	}
}

func TestSubscriberContextCancelRemovesSubscription(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, schema.EventStrategyChanged)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel cleanup")
	}
}
