package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEmitReachesSubscriber(t *testing.T) {
	s := NewSubject()
	defer Complete(s)

	got := make(chan string, 1)
	Subscribe(s, "greetings", func(_ context.Context, msg string) error {
		got <- msg
		return nil
	})

	if err := Emit(s, "greetings", "hello"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "hello" {
			t.Errorf("msg = %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestTopicIsolation(t *testing.T) {
	s := NewSubject()
	defer Complete(s)

	wrong := make(chan string, 1)
	Subscribe(s, "other", func(_ context.Context, msg string) error {
		wrong <- msg
		return nil
	})

	if err := Emit(s, "greetings", "hello"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case msg := <-wrong:
		t.Errorf("subscriber on other topic received %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSubject()
	defer Complete(s)

	got := make(chan string, 8)
	sub := Subscribe(s, "t", func(_ context.Context, msg string) error {
		got <- msg
		return nil
	})

	_ = Emit(s, "t", "one")
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("first event never delivered")
	}

	sub.Unsubscribe()
	_ = Emit(s, "t", "two")
	select {
	case msg := <-got:
		t.Errorf("received %q after unsubscribe", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSyncDeliveryIsSerialized(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	done := make(chan struct{}, 32)

	Subscribe(s, "t", func(_ context.Context, _ int) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	const n = 16
	for i := 0; i < n; i++ {
		if err := Emit(s, "t", i); err != nil {
			t.Fatalf("Emit #%d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler calls incomplete")
		}
	}

	if maxInFlight != 1 {
		t.Errorf("max concurrent handler calls = %d, want 1", maxInFlight)
	}
}

func TestCompleteIsIdempotentAndRejectsEmit(t *testing.T) {
	s := NewSubject()
	Complete(s)
	Complete(s)

	if err := Emit(s, "t", "late"); err == nil {
		t.Error("Emit after Complete should fail")
	}
}
