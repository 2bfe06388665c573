// Package notify delivers status-change and cleanup events to the
// notification layer.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// Type distinguishes event kinds.
type Type string

const (
	StatusChanged Type = "status_changed"
	PhaseEntered  Type = "phase_entered"
	CleanupDone   Type = "cleanup"
)

// Event is one notification. Status events carry Old/New; phase events carry
// Phase; cleanup events carry RecordID and Success.
type Event struct {
	Type     Type        `json:"type"`
	RunID    string      `json:"run_id,omitempty"`
	NodeID   string      `json:"node_id,omitempty"`
	RecordID string      `json:"record_id,omitempty"`
	Old      status.Node `json:"old,omitempty"`
	New      status.Node `json:"new,omitempty"`
	Phase    phase.Kind  `json:"phase,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Success  bool        `json:"success,omitempty"`
	Time     time.Time   `json:"time"`
}

// Sink receives events. Delivery is best effort; callers log errors only.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Publish(_ context.Context, evt Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"type", evt.Type, "run", evt.RunID}
	switch evt.Type {
	case StatusChanged:
		attrs = append(attrs, "node", evt.NodeID, "old", evt.Old, "new", evt.New, "reason", evt.Reason)
	case PhaseEntered:
		attrs = append(attrs, "node", evt.NodeID, "phase", evt.Phase)
	case CleanupDone:
		attrs = append(attrs, "record", evt.RecordID, "success", evt.Success, "reason", evt.Reason)
	}
	logger.Info("event", attrs...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Transitions returns the status sequence recorded for a node.
func (r *Recorder) Transitions(nodeID string) []status.Node {
	var out []status.Node
	for _, evt := range r.Events() {
		if evt.Type == StatusChanged && evt.NodeID == nodeID {
			out = append(out, evt.New)
		}
	}
	return out
}
