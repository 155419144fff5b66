package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ResourceRegistered   Type = "ResourceRegistered"
	ResourceDeregistered Type = "ResourceDeregistered"
	ResourceAcquired     Type = "ResourceAcquired"
	ResourceReleased     Type = "ResourceReleased"
	WorkItemEnqueued     Type = "WorkItemEnqueued"
	WorkItemDequeued     Type = "WorkItemDequeued"
	ScalingApplied       Type = "ScalingApplied"
)

// Release reasons carried on ResourceReleased events.
const (
	ReasonReleased  = "released"
	ReasonReclaimed = "reclaimed"
	ReasonForced    = "forced"
)

// Event is a lifecycle notification. Delivery is at-least-once, so consumers must
// treat duplicates as harmless.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	ResourceID string    `json:"resourceId,omitempty"`
	Holder     string    `json:"holder,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Count      int       `json:"count,omitempty"`
	Desired    *int      `json:"desired,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type, resourceID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		ResourceID: resourceID,
		Timestamp:  time.Now().UTC(),
	}
}

// Key is the partitioning key used by brokers: the resource id when present, else the type.
func (e Event) Key() string {
	if e.ResourceID != "" {
		return e.ResourceID
	}
	return string(e.Type)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
