package notify

import "testing"

func TestHubDelivers(t *testing.T) {
	h := NewHub()
	a, stopA := h.Subscribe()
	b, stopB := h.Subscribe()
	defer stopB()

	h.Publish(Message{Type: ExtractionStarted, URL: "https://x.com"})

	for _, ch := range []<-chan Message{a, b} {
		m := <-ch
		if m.Type != ExtractionStarted || m.URL != "https://x.com" || m.Time.IsZero() {
			t.Fatalf("unexpected message: %+v", m)
		}
	}

	stopA()
	stopA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	h.Publish(Message{Type: NoEventsFound})
	if m := <-b; m.Type != NoEventsFound {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	ch, stop := h.Subscribe()
	defer stop()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(Message{Type: StateChanged, Count: i})
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", subscriberBuffer, len(ch))
	}
	if m := <-ch; m.Count != 0 {
		t.Fatalf("oldest message should be kept, got %+v", m)
	}
}
