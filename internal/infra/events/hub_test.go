package events

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_FiltersByTask(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, err := h.Subscribe(ctx, 7)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	all, err := h.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	h.Publish(Event{TaskID: 8, Type: TaskStarted})
	h.Publish(Event{TaskID: 7, Type: Progress, Progress: 40, ETA: 12})

	ev := recv(t, mine)
	if ev.TaskID != 7 || ev.Type != Progress || ev.Progress != 40 || ev.ETA != 12 {
		t.Errorf("event = %+v, want task 7 progress 40", ev)
	}
	if ev.ID == "" || ev.At.IsZero() {
		t.Errorf("event missing ID/At: %+v", ev)
	}

	if ev := recv(t, all); ev.TaskID != 8 {
		t.Errorf("first event on wildcard = task %d, want 8", ev.TaskID)
	}
	if ev := recv(t, all); ev.TaskID != 7 {
		t.Errorf("second event on wildcard = task %d, want 7", ev.TaskID)
	}
}

func TestHub_PreservesPublishOrder(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := h.Subscribe(ctx, 3)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	const n = 50
	for i := 1; i <= n; i++ {
		if err := h.Publish(Event{TaskID: 3, Type: Progress, Progress: i * 2}); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
	h.Publish(Event{TaskID: 3, Type: TaskDone, Progress: 100})

	last := 0
	for i := 1; i <= n; i++ {
		ev := recv(t, ch)
		if ev.Type != Progress {
			t.Fatalf("event %d = %s, want progress before the terminal event", i, ev.Type)
		}
		if ev.Progress <= last {
			t.Fatalf("progress went from %d to %d", last, ev.Progress)
		}
		last = ev.Progress
	}
	if ev := recv(t, ch); !ev.Terminal() {
		t.Errorf("final event = %s, want task_done", ev.Type)
	}
}

func TestHub_SlowReaderDoesNotBlockPublish(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := h.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			h.Publish(Event{TaskID: 1, Type: Progress, Progress: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a reader that is not reading")
	}
	if ev := recv(t, ch); ev.Progress != 0 {
		t.Errorf("first event progress = %d, want 0", ev.Progress)
	}
}

func TestHub_SubscriptionEndsWithContext(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := h.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after cancel, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestEvent_Terminal(t *testing.T) {
	if !(Event{Type: TaskDone}).Terminal() || !(Event{Type: TaskFailed}).Terminal() {
		t.Error("done/failed should be terminal")
	}
	if (Event{Type: Progress}).Terminal() {
		t.Error("progress should not be terminal")
	}
}
