// Package codec turns message values into payload bytes and back.
//
// Types whose layout is fixed (numbers, bools, fixed arrays and structs of
// them, all fields exported) are packed as their raw little-endian memory
// image. Everything else goes through a camelCase JSON encoding. The choice
// and the resulting functions are cached per type.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// ErrTypeMismatch is returned when a packer receives a value of another type.
var ErrTypeMismatch = errors.New("codec: value type does not match packer")

// Packer serializes a value of one concrete type.
type Packer func(v any) ([]byte, error)

// Unpacker deserializes a payload into a value of one concrete type.
type Unpacker func(data []byte) (any, error)

// DecodeError reports a payload that could not be turned into Type.
type DecodeError struct {
	Type reflect.Type
	// Want and Got are set for fixed-layout length mismatches.
	Want, Got int
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: decode %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("codec: decode %s: payload is %d bytes, want %d", e.Type, e.Got, e.Want)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec memoizes packers and unpackers per reflect.Type.
type Codec struct {
	mu        sync.RWMutex
	packers   map[reflect.Type]Packer
	unpackers map[reflect.Type]Unpacker
	json      jsoniter.API
}

// New creates a codec with an empty cache.
func New() *Codec {
	api := jsoniter.Config{
		EscapeHTML:             false,
		ValidateJsonRawMessage: true,
	}.Froze()
	api.RegisterExtension(&camelCaseExtension{})

	return &Codec{
		packers:   make(map[reflect.Type]Packer),
		unpackers: make(map[reflect.Type]Unpacker),
		json:      api,
	}
}

// Pack serializes v using the cached packer for its dynamic type.
func (c *Codec) Pack(v any) ([]byte, error) {
	return c.Packer(reflect.TypeOf(v))(v)
}

// Packer returns the cached packer for t, building it on first use.
func (c *Codec) Packer(t reflect.Type) Packer {
	c.mu.RLock()
	p, ok := c.packers[t]
	c.mu.RUnlock()
	if ok {
		return p
	}

	if IsFixedLayout(t) {
		p = fixedPacker(t)
	} else {
		p = c.jsonPacker(t)
	}

	c.mu.Lock()
	c.packers[t] = p
	c.mu.Unlock()
	return p
}

// Unpacker returns the cached unpacker for t, building it on first use.
func (c *Codec) Unpacker(t reflect.Type) Unpacker {
	c.mu.RLock()
	u, ok := c.unpackers[t]
	c.mu.RUnlock()
	if ok {
		return u
	}

	if IsFixedLayout(t) {
		u = fixedUnpacker(t)
	} else {
		u = c.jsonUnpacker(t)
	}

	c.mu.Lock()
	c.unpackers[t] = u
	c.mu.Unlock()
	return u
}

// IsFixedLayout reports whether t has a fixed little-endian wire image:
// bools, sized numbers, arrays of those, and structs whose fields are all
// exported and fixed. Platform-sized int/uint, pointers, slices, strings
// and maps are not fixed.
func IsFixedLayout(t reflect.Type) bool {
	if t == nil {
		return false
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return IsFixedLayout(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() && f.Name != "_" {
				return false
			}
			if !IsFixedLayout(f.Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func fixedPacker(t reflect.Type) Packer {
	size := binary.Size(reflect.New(t).Elem().Interface())
	return func(v any) ([]byte, error) {
		if reflect.TypeOf(v) != t {
			return nil, fmt.Errorf("%w: got %T, want %s", ErrTypeMismatch, v, t)
		}
		if size <= 0 {
			return []byte{}, nil
		}
		buf := bytes.NewBuffer(make([]byte, 0, size))
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("codec: pack %s: %w", t, err)
		}
		return buf.Bytes(), nil
	}
}

func fixedUnpacker(t reflect.Type) Unpacker {
	size := binary.Size(reflect.New(t).Elem().Interface())
	if size < 0 {
		size = 0
	}
	return func(data []byte) (any, error) {
		if len(data) != size {
			return nil, &DecodeError{Type: t, Want: size, Got: len(data)}
		}
		ptr := reflect.New(t)
		if size > 0 {
			if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, ptr.Interface()); err != nil {
				return nil, &DecodeError{Type: t, Err: err}
			}
		}
		return ptr.Elem().Interface(), nil
	}
}

func (c *Codec) jsonPacker(t reflect.Type) Packer {
	return func(v any) ([]byte, error) {
		if reflect.TypeOf(v) != t {
			return nil, fmt.Errorf("%w: got %T, want %s", ErrTypeMismatch, v, t)
		}
		data, err := c.json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("codec: pack %s: %w", t, err)
		}
		return data, nil
	}
}

func (c *Codec) jsonUnpacker(t reflect.Type) Unpacker {
	return func(data []byte) (any, error) {
		if t == nil {
			return nil, &DecodeError{Err: errors.New("nil type")}
		}
		ptr := reflect.New(t)
		if err := c.json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, &DecodeError{Type: t, Err: err}
		}
		return ptr.Elem().Interface(), nil
	}
}
