package pipeline

import (
	"context"
	"sync"
	"time"
)

// Stream is an Emitter that delivers events in order on a channel. Emit
// never blocks; events queue until read. The first terminal event ends the
// stream: later events are dropped and the channel is closed once drained.
type Stream struct {
	mu       sync.Mutex
	queue    []Event
	finished bool
	terminal Event

	signal   chan struct{}
	done     chan struct{}
	detached chan struct{}
	detach   sync.Once
	out      chan Event
}

// NewStream creates a stream and starts delivering
func NewStream() *Stream {
	s := &Stream{
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		detached: make(chan struct{}),
		out:      make(chan Event),
	}
	go s.pump()
	return s
}

// Emit queues an event
func (s *Stream) Emit(ev Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.queue = append(s.queue, ev)
	if ev.IsTerminal() {
		s.finished = true
		s.terminal = ev
		close(s.done)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Events returns the delivery channel, closed after the terminal event
func (s *Stream) Events() <-chan Event {
	return s.out
}

// Done is closed once a terminal event has been emitted
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Finished reports whether a terminal event has been emitted
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Wait blocks until the terminal event is emitted and returns it
func (s *Stream) Wait(ctx context.Context) (Event, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.terminal, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Detach tells the stream nobody reads Events any more. Remaining and
// future events are dropped instead of blocking delivery.
func (s *Stream) Detach() {
	s.detach.Do(func() { close(s.detached) })
}

func (s *Stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.detached:
				return
			}
		}

		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}
		select {
		case <-s.signal:
		case <-s.detached:
			return
		}
	}
}
