// Package notify carries workflow change events to the real-time fan-out
// layer. Delivery is fire-and-forget: the engine cannot be blocked or failed
// by a subscriber.
package notify

import "time"

// Change is the generic change-notification shape emitted after every
// successful workflow mutation. TenantKey is routing metadata for the hub;
// the payload delivered downstream is the remaining fields.
type Change struct {
	TenantKey    string    `json:"tenant_key"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	WorkflowType string    `json:"workflow_type"`
	Stage        string    `json:"stage"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier receives change events. Implementations must not block and have
// no way to fail the caller; dropped events are a logging concern only.
type Notifier interface {
	Notify(change Change)
}

// Discard drops all events. Used by tools that mutate workflows without a
// realtime surface.
type Discard struct{}

func (Discard) Notify(Change) {}
