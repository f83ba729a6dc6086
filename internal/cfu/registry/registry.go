// Package registry holds the set of registered update components.
//
// Devices are stored in insertion order in an arena of slots, with an index
// from component ID to slot. Slots never move and devices are never removed,
// so a looked-up *cfu.Device stays valid for the life of the registry.
package registry

import (
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
)

// Registry maps component IDs to devices.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Register is atomic: concurrent registrations of one ID admit exactly one.
type Registry struct {
	mu    sync.RWMutex
	slots []*cfu.Device
	index map[cfu.ComponentID]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		index: make(map[cfu.ComponentID]int),
	}
}

// Register adds dev. It returns cfu.ErrAlreadyRegistered if a device with
// the same component ID is already present.
func (r *Registry) Register(dev *cfu.Device) error {
	if dev == nil {
		return fmt.Errorf("%w: nil device", cfu.ErrInvalidComponent)
	}

	id := dev.ComponentID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; ok {
		return fmt.Errorf("%w: %d", cfu.ErrAlreadyRegistered, id)
	}
	r.index[id] = len(r.slots)
	r.slots = append(r.slots, dev)
	return nil
}

// Lookup returns the device registered under id.
func (r *Registry) Lookup(id cfu.ComponentID) (*cfu.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.slots[slot], true
}

// Get is Lookup returning cfu.ErrInvalidComponent for unknown IDs.
func (r *Registry) Get(id cfu.ComponentID) (*cfu.Device, error) {
	dev, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", cfu.ErrInvalidComponent, id)
	}
	return dev, nil
}

// Devices returns every registered device in registration order.
// The returned slice is a copy.
func (r *Registry) Devices() []*cfu.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*cfu.Device, len(r.slots))
	copy(out, r.slots)
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}
