package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(TypeGraphMutated, received)

	bus.Publish(Event{
		Type:      TypeGraphMutated,
		TenantID:  "t1",
		Timestamp: time.Now(),
		Data:      map[string]string{"wallet": "alice"},
	})

	select {
	case evt := <-received:
		if evt.Type != TypeGraphMutated {
			t.Errorf("expected %s, got %s", TypeGraphMutated, evt.Type)
		}
		if evt.TenantID != "t1" {
			t.Errorf("expected tenant t1, got %s", evt.TenantID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(TypeLoopDiscovered, ch1)
	bus.Subscribe(TypeLoopDiscovered, ch2)

	bus.Publish(Event{Type: TypeLoopDiscovered, TenantID: "t1"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	mutCh := make(chan Event, 10)
	loopCh := make(chan Event, 10)
	bus.Subscribe(TypeGraphMutated, mutCh)
	bus.Subscribe(TypeLoopDiscovered, loopCh)

	bus.Publish(Event{Type: TypeGraphMutated, TenantID: "t1"})

	select {
	case <-mutCh:
	case <-time.After(time.Second):
		t.Fatal("mutation subscriber did not receive event")
	}

	select {
	case <-loopCh:
		t.Fatal("loop subscriber should NOT receive a mutation event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(TypeGraphMutated, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			bus.Publish(Event{Type: TypeGraphMutated, TenantID: tenant})
		}("t1")
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}

func TestBus_ClosedBusDropsEvents(t *testing.T) {
	bus := New()

	received := make(chan Event, 10)
	bus.Subscribe(TypeTenantCreated, received)
	bus.Close()

	bus.Publish(Event{Type: TypeTenantCreated, TenantID: "t1"})

	select {
	case <-received:
		t.Fatal("closed bus should not deliver events")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}
