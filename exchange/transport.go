package exchange

import (
	"context"
	"errors"
	"time"
)

// Transport delivers panels and private messages to viewers.
//
// SendPanel creates a new surface for identity and fails with
// ErrUnreachable when the viewer cannot be reached at all. EditPanel
// replaces a surface in place and fails with ErrSurfaceNotFound when the
// handle is stale. SendPrivate fails with ErrUnreachable.
type Transport interface {
	SendPanel(ctx context.Context, identity string, panel Panel) (SurfaceHandle, error)
	EditPanel(ctx context.Context, handle SurfaceHandle, panel Panel) error
	SendPrivate(ctx context.Context, identity string, msg AssignmentMessage) error
}

// AssignmentMessage is the private payload a giver receives after the draw.
type AssignmentMessage struct {
	Giver     string `json:"giver"`
	Receiver  string `json:"receiver"`
	EventDate string `json:"event_date,omitempty"`
	Budget    string `json:"budget,omitempty"`
}

type EventType string

const (
	EventClaimed       EventType = "claimed"
	EventDrawStarted   EventType = "draw_started"
	EventCountdown     EventType = "countdown"
	EventDrawCompleted EventType = "draw_completed"
	EventDrawAborted   EventType = "draw_aborted"
	EventReset         EventType = "reset"
)

// Event is a best-effort lifecycle notification. It never names which
// identity claimed what.
type Event struct {
	Type      EventType       `json:"type"`
	GameID    string          `json:"game_id"`
	Remaining int             `json:"remaining,omitempty"`
	Claimed   int             `json:"claimed,omitempty"`
	Total     int             `json:"total,omitempty"`
	Report    *DeliveryReport `json:"report,omitempty"`
	Reason    Code            `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// EventSink receives lifecycle events. Failures are logged and ignored.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Sinks fans an event out to several sinks.
type Sinks []EventSink

func (s Sinks) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
