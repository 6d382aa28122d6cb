package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSync_WaitsForHandlers(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var got []string
	b.Subscribe(EventTypeStageChanged, func(e Event) {
		mu.Lock()
		got = append(got, e.Data["new_stage"].(string))
		mu.Unlock()
	})

	for _, stage := range []string{"recording", "transcribing", "idle"} {
		b.PublishSync(Event{Type: EventTypeStageChanged, Data: map[string]any{"new_stage": stage}})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("handled %d events, want 3", len(got))
	}
	for i, want := range []string{"recording", "transcribing", "idle"} {
		if got[i] != want {
			t.Errorf("event %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestPublish_IsAsync(t *testing.T) {
	b := NewEventBus()

	done := make(chan struct{})
	b.Subscribe(EventTypeSessionCompleted, func(Event) { close(done) })

	b.Publish(Event{Type: EventTypeSessionCompleted})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestSubscribeMultiple(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	seen := make(map[EventType]int)
	b.SubscribeMultiple([]EventType{EventTypeSessionCompleted, EventTypeSessionFailed}, func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	b.PublishSync(Event{Type: EventTypeSessionCompleted})
	b.PublishSync(Event{Type: EventTypeSessionFailed})
	b.PublishSync(Event{Type: EventTypeSessionCancelled})

	mu.Lock()
	defer mu.Unlock()
	if seen[EventTypeSessionCompleted] != 1 || seen[EventTypeSessionFailed] != 1 {
		t.Errorf("unexpected counts: %v", seen)
	}
	if seen[EventTypeSessionCancelled] != 0 {
		t.Errorf("handler received an unsubscribed event type")
	}
}

func TestClear(t *testing.T) {
	b := NewEventBus()

	called := false
	b.Subscribe(EventTypeEngineLoaded, func(Event) { called = true })
	b.Clear()
	b.PublishSync(Event{Type: EventTypeEngineLoaded})

	if called {
		t.Error("handler survived Clear")
	}
}
