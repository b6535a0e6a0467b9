package peripheral

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// Characteristic is a registered data endpoint: capabilities, the transport handle it is
// bound to and the last value set by a send or an inbound write.
type Characteristic struct {
	uuid string
	caps Capability

	mu      sync.RWMutex
	service string
	handle  Handle
	value   []byte
}

// UUID returns the normalized characteristic UUID.
func (c *Characteristic) UUID() string {
	return c.uuid
}

// Capabilities returns the capability flags the characteristic was registered with.
func (c *Characteristic) Capabilities() Capability {
	return c.caps
}

// Service returns the UUID of the owning service, empty until bound.
func (c *Characteristic) Service() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.service
}

// Handle returns the transport handle, nil until bound.
func (c *Characteristic) Handle() Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// Value returns a copy of the last-set value.
func (c *Characteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil {
		return nil
	}
	out := make([]byte, len(c.value))
	copy(out, c.value)
	return out
}

func (c *Characteristic) setValue(data []byte) {
	v := make([]byte, len(data))
	copy(v, data)

	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

// Registry is the catalog of characteristics keyed by normalized UUID.
// Lookups are lock-free so the delivery worker can read while setup code registers.
type Registry struct {
	chars atomic.Pointer[hashmap.Map[string, *Characteristic]]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.chars.Store(hashmap.New[string, *Characteristic]())
	return r
}

func (r *Registry) table() *hashmap.Map[string, *Characteristic] {
	return r.chars.Load()
}

// Register creates an entry for uuid. A second registration of the same UUID returns the
// existing entry together with ErrAlreadyExists and leaves it untouched.
func (r *Registry) Register(uuid string, caps Capability) (*Characteristic, error) {
	key, err := ValidateUUID(uuid)
	if err != nil {
		return nil, err
	}

	ch := &Characteristic{uuid: key, caps: caps}
	if !r.table().Insert(key, ch) {
		existing, _ := r.table().Get(key)
		return existing, fmt.Errorf("characteristic %q: %w", key, ErrAlreadyExists)
	}
	return ch, nil
}

// Bind attaches the owning service and the transport handle to a registered characteristic.
func (r *Registry) Bind(uuid, service string, h Handle) error {
	ch, err := r.lookup(uuid)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.service = service
	ch.handle = h
	ch.mu.Unlock()
	return nil
}

// Get returns the characteristic registered under uuid.
func (r *Registry) Get(uuid string) (*Characteristic, bool) {
	return r.table().Get(NormalizeUUID(uuid))
}

// SetValue replaces the last-set value of a characteristic.
func (r *Registry) SetValue(uuid string, data []byte) error {
	ch, err := r.lookup(uuid)
	if err != nil {
		return err
	}
	ch.setValue(data)
	return nil
}

// SupportsNotify reports whether uuid is registered with notify or indicate capability.
func (r *Registry) SupportsNotify(uuid string) bool {
	ch, ok := r.Get(uuid)
	return ok && ch.caps.CanNotify()
}

// Remove deletes a characteristic. Queued items that target it fail at delivery time.
func (r *Registry) Remove(uuid string) bool {
	return r.table().Del(NormalizeUUID(uuid))
}

// Len returns the number of registered characteristics.
func (r *Registry) Len() int {
	return r.table().Len()
}

// UUIDs returns all registered UUIDs in sorted order.
func (r *Registry) UUIDs() []string {
	chars := r.table()
	uuids := make([]string, 0, chars.Len())
	chars.Range(func(key string, _ *Characteristic) bool {
		uuids = append(uuids, key)
		return true
	})
	sort.Strings(uuids)
	return uuids
}

// Clear removes every characteristic by swapping in an empty table.
func (r *Registry) Clear() {
	r.chars.Store(hashmap.New[string, *Characteristic]())
}

func (r *Registry) lookup(uuid string) (*Characteristic, error) {
	ch, ok := r.Get(uuid)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return ch, nil
}
