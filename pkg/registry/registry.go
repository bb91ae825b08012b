// Package registry maps stable 32-bit message type ids to the descriptors
// that decode and dispatch them.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
)

// PeerID identifies a connected endpoint on the host channel.
type PeerID uint64

// Message is implemented by every type that travels through the relay.
// MessageName must be stable across builds; it is hashed into the type id.
type Message interface {
	MessageName() string
}

// Direction says which side of the link a message type is delivered to.
type Direction uint8

const (
	// Serverbound messages are sent by clients and handled on the server.
	Serverbound Direction = 1 << iota
	// Clientbound messages are sent by the server and handled on clients.
	Clientbound

	// Bidirectional messages are handled on both sides.
	Bidirectional = Serverbound | Clientbound
)

// Has reports whether d includes every bit of other.
func (d Direction) Has(other Direction) bool {
	return other != 0 && d&other == other
}

func (d Direction) String() string {
	switch d {
	case Serverbound:
		return "serverbound"
	case Clientbound:
		return "clientbound"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// TypeID returns the FNV-1a 32-bit hash of name. Zero is reserved, so a
// hash of zero is reported as one.
func TypeID(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	id := h.Sum32()
	if id == 0 {
		return 1
	}
	return id
}

// Descriptor binds a type id to its decoder and handler.
type Descriptor struct {
	ID        uint32
	Name      string
	Direction Direction
	// Decode turns a raw payload into the typed message value.
	Decode func(payload []byte) (any, error)
	// Dispatch hands a decoded value to the user handler.
	Dispatch func(peer PeerID, v any) error
}

// Registry is a concurrency-safe descriptor table.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[uint32]Descriptor
	log         *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		descriptors: make(map[uint32]Descriptor),
		log:         logger,
	}
}

// Register installs d, replacing any descriptor already bound to d.ID.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	prev, replaced := r.descriptors[d.ID]
	r.descriptors[d.ID] = d
	r.mu.Unlock()

	if replaced {
		r.log.Debug("Replaced message descriptor", "id", d.ID, "name", d.Name, "previous", prev.Name, "direction", d.Direction)
		return
	}
	r.log.Debug("Registered message descriptor", "id", d.ID, "name", d.Name, "direction", d.Direction)
}

// Unregister removes the descriptor for id. It reports whether one existed.
func (r *Registry) Unregister(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[id]; !ok {
		return false
	}
	delete(r.descriptors, id)
	return true
}

// Lookup returns the descriptor registered for id.
func (r *Registry) Lookup(id uint32) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

// All returns a snapshot of every descriptor ordered by name.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
