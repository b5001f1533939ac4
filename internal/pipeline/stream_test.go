package pipeline

import (
	"context"
	"testing"
	"time"
)

func drain(s *Stream) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestStream_DeliversInOrderAndClosesOnTerminal(t *testing.T) {
	s := NewStream()
	for i := 0; i < 100; i++ {
		s.Emit(Event{Type: EventStatus, Message: string(rune('a' + i%26))})
	}
	s.Emit(Event{Type: EventComplete})
	s.Emit(Event{Type: EventStatus, Message: "late"})
	s.Emit(Event{Type: EventError, Message: "second terminal"})

	events := drain(s)
	if len(events) != 101 {
		t.Fatalf("got %d events, want 101", len(events))
	}
	for i, ev := range events[:100] {
		if want := string(rune('a' + i%26)); ev.Message != want {
			t.Fatalf("event %d = %q, want %q", i, ev.Message, want)
		}
	}
	if events[100].Type != EventComplete {
		t.Errorf("last = %s, want complete", events[100].Type)
	}
	if !s.Finished() {
		t.Error("Finished should be true")
	}
}

func TestStream_EmitNeverBlocks(t *testing.T) {
	s := NewStream()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			s.Emit(Event{Type: EventStatus})
		}
		s.Emit(Event{Type: EventError, Message: "boom"})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked without a reader")
	}
	if got := len(drain(s)); got != 10001 {
		t.Errorf("got %d events, want 10001", got)
	}
}

func TestStream_Wait(t *testing.T) {
	s := NewStream()
	go func() {
		s.Emit(Event{Type: EventStatus})
		s.Emit(Event{Type: EventError, Message: "boom"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := s.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventError || ev.Message != "boom" {
		t.Errorf("terminal = %+v", ev)
	}
}

func TestStream_WaitHonorsContext(t *testing.T) {
	s := NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Wait(ctx); err == nil {
		t.Error("Wait should fail on a cancelled context")
	}
}

func TestStream_DetachClosesEvents(t *testing.T) {
	s := NewStream()
	s.Emit(Event{Type: EventStatus})
	s.Detach()
	s.Emit(Event{Type: EventComplete})

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after terminal event")
	}
	for range s.Events() {
	}
}
