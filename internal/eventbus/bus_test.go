package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: AlarmDelivered, Data: "a1"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != AlarmDelivered || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}

	// full buffer drops instead of blocking
	b.Publish(Event{Type: AlarmFailed})
	b.Publish(Event{Type: AlarmRetired})
	if e := <-c; e.Type != AlarmFailed {
		t.Fatalf("first buffered = %s, want %s", e.Type, AlarmFailed)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		// drain the buffered event, then expect closed
		if _, ok := <-a; ok {
			t.Fatal("channel still open after unsubscribe")
		}
	}
	b.Publish(Event{Type: AlarmClaimed})
}
