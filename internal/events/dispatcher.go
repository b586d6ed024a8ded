package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Journal persists events for history queries.
type Journal interface {
	Append(ctx context.Context, event Event) error
}

// Dispatcher journals and publishes a batch of events in order.
// Failures are logged; the market state they describe has already committed.
type Dispatcher struct {
	journal   Journal
	publisher Publisher
	stream    string
	log       *zap.Logger
}

func NewDispatcher(journal Journal, publisher Publisher, stream string, log *zap.Logger) *Dispatcher {
	if stream == "" {
		stream = StreamMarket
	}
	return &Dispatcher{journal: journal, publisher: publisher, stream: stream, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, batch []Event) {
	for _, ev := range batch {
		if d.journal != nil {
			if err := d.journal.Append(ctx, ev); err != nil {
				d.log.Error("journal event failed",
					zap.Error(err), zap.String("type", ev.Type), zap.Int64("seq", ev.Seq))
			}
		}
		if d.publisher != nil {
			if err := d.publisher.Publish(ctx, d.stream, ev); err != nil {
				d.log.Error("publish event failed",
					zap.Error(err), zap.String("type", ev.Type), zap.Int64("seq", ev.Seq))
			}
		}
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, _ string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Dispatch(ctx context.Context, batch []Event) {
	for _, ev := range batch {
		_ = r.Publish(ctx, StreamMarket, ev)
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
