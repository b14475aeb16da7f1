package notify

import (
	"log/slog"

	"github.com/bioreg/bioreg/internal/registry"
)

// Sink delivers one committed registry event to an external subscriber.
type Sink interface {
	Send(event *registry.Event) error
}

// Fanout buffers committed events and delivers them to every configured
// sink from a background worker, keeping the apply path non-blocking. When
// the buffer is full the event is dropped and logged; sinks are
// notifications, not the source of truth.
type Fanout struct {
	sinks  []Sink
	events chan *registry.Event
	done   chan struct{}
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fanout{
		sinks:  sinks,
		events: make(chan *registry.Event, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go f.run()
	return f
}

func (f *Fanout) Publish(event *registry.Event) {
	select {
	case f.events <- event:
	default:
		f.logger.Warn("event buffer full, dropping notification",
			"kind", event.Kind,
			"event_id", event.ID)
	}
}

func (f *Fanout) run() {
	for event := range f.events {
		for _, sink := range f.sinks {
			if err := sink.Send(event); err != nil {
				f.logger.Error("failed to deliver event",
					"kind", event.Kind,
					"event_id", event.ID,
					"error", err)
			}
		}
	}
	close(f.done)
}

// Close drains buffered events and stops the worker.
func (f *Fanout) Close() {
	close(f.events)
	<-f.done
}
