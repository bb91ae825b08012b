package relay

import (
	"fmt"
	"reflect"

	"github.com/rescp17/vnet/pkg/registry"
)

// Handle registers fn for messages of type T arriving in direction dir and
// returns the type id. A later registration for the same type replaces it.
func Handle[T registry.Message](r *Relay, dir registry.Direction, fn func(peer registry.PeerID, msg T) error) uint32 {
	var zero T
	name := zero.MessageName()
	unpack := r.codec.Unpacker(reflect.TypeOf(zero))

	desc := registry.Descriptor{
		ID:        registry.TypeID(name),
		Name:      name,
		Direction: dir,
		Decode: func(payload []byte) (any, error) {
			return unpack(payload)
		},
		Dispatch: func(peer registry.PeerID, v any) error {
			msg, ok := v.(T)
			if !ok {
				return fmt.Errorf("relay: %s handler got %T", name, v)
			}
			return fn(peer, msg)
		},
	}
	r.registry.Register(desc)
	return desc.ID
}

// Unhandle removes the handler for T. Frames of that type are then dropped.
func Unhandle[T registry.Message](r *Relay) bool {
	var zero T
	return r.registry.Unregister(registry.TypeID(zero.MessageName()))
}
