package codec

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPoint struct {
	X     int32
	Y     int32
	Flags uint16
	Ok    bool
}

type fixedName struct {
	Length uint16
	Name   [8]byte
}

type withPlatformInt struct {
	Count int
}

type withPrivate struct {
	ClientTicks int64
	secret      string
	Tagged      string `json:"custom_tag"`
}

type empty struct{}

func TestIsFixedLayout(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"sized ints", int64(1), true},
		{"struct of fixed fields", fixedPoint{}, true},
		{"fixed array field", fixedName{}, true},
		{"empty struct", empty{}, true},
		{"platform int", withPlatformInt{}, false},
		{"unexported field", withPrivate{}, false},
		{"string", "x", false},
		{"slice", []byte{1}, false},
		{"pointer", &fixedPoint{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFixedLayout(reflect.TypeOf(tt.v)))
		})
	}
}

func TestFixedLayoutRoundTrip(t *testing.T) {
	c := New()
	in := fixedPoint{X: -3, Y: 0x01020304, Flags: 0xBEEF, Ok: true}

	data, err := c.Pack(in)
	require.NoError(t, err)
	require.Len(t, data, 4+4+2+1, "fixed layout is the packed memory image")
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, data[4:8], "little endian")

	out, err := c.Unpacker(reflect.TypeOf(in))(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFixedLayoutLengthMismatch(t *testing.T) {
	c := New()
	unpack := c.Unpacker(reflect.TypeOf(fixedPoint{}))

	_, err := unpack([]byte{1, 2, 3})
	require.Error(t, err)

	var de *DecodeError
	require.True(t, errors.As(err, &de), "expected a DecodeError")
	assert.Equal(t, 11, de.Want)
	assert.Equal(t, 3, de.Got)
}

func TestEmptyStructPacksToNothing(t *testing.T) {
	c := New()
	data, err := c.Pack(empty{})
	require.NoError(t, err)
	assert.Empty(t, data)

	v, err := c.Unpacker(reflect.TypeOf(empty{}))(data)
	require.NoError(t, err)
	assert.Equal(t, empty{}, v)
}

func TestJSONPathUsesCamelCaseAndPrivateFields(t *testing.T) {
	c := New()
	in := withPrivate{ClientTicks: 42, secret: "s3", Tagged: "t"}

	data, err := c.Pack(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientTicks":42,"secret":"s3","custom_tag":"t"}`, string(data))

	out, err := c.Unpacker(reflect.TypeOf(in))(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestJSONDecodeError(t *testing.T) {
	c := New()
	_, err := c.Unpacker(reflect.TypeOf(withPlatformInt{}))([]byte("{not json"))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, reflect.TypeOf(withPlatformInt{}), de.Type)
}

func TestPackerIsCached(t *testing.T) {
	c := New()
	typ := reflect.TypeOf(fixedPoint{})
	c.Packer(typ)
	c.Unpacker(typ)
	assert.Len(t, c.packers, 1)
	assert.Len(t, c.unpackers, 1)
}

func TestPackerRejectsOtherTypes(t *testing.T) {
	c := New()
	_, err := c.Packer(reflect.TypeOf(fixedPoint{}))(fixedName{})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestCamelCase(t *testing.T) {
	cases := map[string]string{
		"ClientTicks": "clientTicks",
		"ID":          "id",
		"URLPath":     "urlPath",
		"already":     "already",
		"X":           "x",
	}
	for in, want := range cases {
		assert.Equal(t, want, CamelCase(in), in)
	}
}

func TestFixedStrings(t *testing.T) {
	t.Run("pads with zeros", func(t *testing.T) {
		var buf [8]byte
		buf[7] = 0xFF
		n := PutString(buf[:], "abc")
		assert.Equal(t, 3, n)
		assert.Equal(t, [8]byte{'a', 'b', 'c'}, buf)
		assert.Equal(t, "abc", String(buf[:]))
	})

	t.Run("truncates on rune boundary", func(t *testing.T) {
		var buf [4]byte
		n := PutString(buf[:], "ab€")
		assert.Equal(t, 2, n, "the 3-byte rune does not fit")
		assert.Equal(t, "ab", String(buf[:]))
	})

	t.Run("full buffer has no terminator", func(t *testing.T) {
		var buf [3]byte
		PutString(buf[:], "xyz")
		assert.Equal(t, "xyz", String(buf[:]))
	})
}
