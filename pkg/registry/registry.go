// Package registry is the authoritative in-memory table of known devices.
//
// All mutation goes through one mutex, so writers are totally ordered and
// readers never see a half-applied update. Change events are published while
// the lock is held, which keeps every subscriber's view in the same order.
package registry

import (
	"fmt"
	"sync"
	"time"

	"DroidView/pkg/broadcast"
	"DroidView/pkg/types"

	"github.com/rs/zerolog"
)

// EventKind classifies a registry change
type EventKind string

const (
	EventAdded        EventKind = "added"
	EventRemoved      EventKind = "removed"
	EventStateChanged EventKind = "state_changed"
)

// Event describes one change. Previous is zero for EventAdded.
type Event struct {
	Kind     EventKind    `json:"kind"`
	Device   types.Device `json:"device"`
	Previous types.Device `json:"previous"`
}

// Registry holds devices keyed by id, in first-seen order
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*types.Device
	order   []string

	hub    *broadcast.Hub[Event]
	logger zerolog.Logger
	now    func() time.Time
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*types.Device),
		hub:     broadcast.NewHub[Event](),
		logger:  logger,
		now:     time.Now,
	}
}

// Upsert inserts or updates a device and reports whether anything changed.
// Re-applying identical fields is a no-op and emits no event. SessionID and
// FirstSeen are owned by the registry and ignored on input.
func (r *Registry) Upsert(d types.Device) (bool, error) {
	if err := types.ValidateDeviceID(d.ID); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.devices[d.ID]
	if !ok {
		d.SessionID = ""
		d.FirstSeen = now
		d.UpdatedAt = now
		stored := d
		r.devices[d.ID] = &stored
		r.order = append(r.order, d.ID)
		r.hub.Publish(Event{Kind: EventAdded, Device: stored})
		r.logger.Debug().Str("device", d.ID).Str("state", d.State.String()).Msg("Device added")
		return true, nil
	}

	if existing.SameAs(d) {
		return false, nil
	}

	prev := *existing
	existing.Kind = d.Kind
	existing.State = d.State
	existing.Metadata = d.Metadata
	existing.UpdatedAt = now
	r.hub.Publish(Event{Kind: EventStateChanged, Device: *existing, Previous: prev})
	r.logger.Debug().
		Str("device", d.ID).
		Str("from", prev.State.String()).
		Str("to", existing.State.String()).
		Msg("Device changed")
	return true, nil
}

// Remove deletes a device, emitting EventRemoved
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, types.ErrNotFound)
	}
	delete(r.devices, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.hub.Publish(Event{Kind: EventRemoved, Device: *existing, Previous: *existing})
	r.logger.Debug().Str("device", id).Msg("Device removed")
	return nil
}

// Get returns a copy of the device or types.ErrNotFound
func (r *Registry) Get(id string) (types.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return types.Device{}, fmt.Errorf("device %s: %w", id, types.ErrNotFound)
	}
	return *d, nil
}

// List returns a snapshot in first-seen order
func (r *Registry) List() []types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out
}

// IsConnected reports whether the device exists and is Connected
func (r *Registry) IsConnected(id string) bool {
	d, err := r.Get(id)
	return err == nil && d.State.Phase == types.PhaseConnected
}

// AttachSession records the mirroring session back-reference for display
func (r *Registry) AttachSession(id, sessionID string) error {
	return r.setSession(id, sessionID, "")
}

// DetachSession clears the back-reference if it still points at sessionID
func (r *Registry) DetachSession(id, sessionID string) error {
	return r.setSession(id, "", sessionID)
}

func (r *Registry) setSession(id, sessionID, expect string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, types.ErrNotFound)
	}
	if expect != "" && existing.SessionID != expect {
		return nil
	}
	if existing.SessionID == sessionID {
		return nil
	}
	prev := *existing
	existing.SessionID = sessionID
	existing.UpdatedAt = r.now()
	r.hub.Publish(Event{Kind: EventStateChanged, Device: *existing, Previous: prev})
	return nil
}

// Subscribe streams changes made after this call. Close the subscription when done.
func (r *Registry) Subscribe() *broadcast.Subscription[Event] {
	return r.hub.Subscribe()
}

// Watch atomically takes a snapshot and subscribes, so no change falls between the two
func (r *Registry) Watch() ([]types.Device, *broadcast.Subscription[Event]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out, r.hub.Subscribe()
}

// Close ends all subscriptions
func (r *Registry) Close() {
	r.hub.Close()
}
