// Package compress implements the sliced compression format used for file
// transfers: the input is cut into fixed-size slices, each compressed on
// its own and written as a 4-byte little-endian length followed by the
// compressed bytes.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/rescp17/vnet/pkg/sched"
)

// DefaultSliceSize is the uncompressed size of each slice.
const DefaultSliceSize = 320

const lengthPrefix = 4

var (
	ErrTruncatedPrefix = errors.New("compress: truncated slice length prefix")
	ErrTruncatedSlice  = errors.New("compress: truncated slice")
	ErrUnknownAlgo     = errors.New("compress: unknown algorithm")
	ErrOutputTooLarge  = errors.New("compress: output exceeds limit")
)

// Algorithm selects the per-slice compressor. The numeric value is what
// travels on the wire.
type Algorithm uint8

const (
	None Algorithm = iota
	Brotli
	Zstd
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Brotli:
		return "brotli"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm maps a config name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none", "":
		return None, nil
	case "brotli":
		return Brotli, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownAlgo, name)
}

// MarshalText lets Algorithm appear by name in config files.
func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses a config name.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func compressSlice(algo Algorithm, src []byte) ([]byte, error) {
	switch algo {
	case None:
		return append([]byte(nil), src...), nil
	case Brotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.BestSpeed)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownAlgo, algo)
}

// decompressSlice expands src, reading at most budget bytes of output. A
// result of budget+1 bytes means the slice expands past the caller's cap.
func decompressSlice(algo Algorithm, src []byte, budget int64) ([]byte, error) {
	var r io.Reader
	switch algo {
	case None:
		r = bytes.NewReader(src)
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(src))
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(src), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgo, algo)
	}
	return io.ReadAll(io.LimitReader(r, budget+1))
}

// Compressor compresses one slice per Step.
type Compressor struct {
	algo      Algorithm
	sliceSize int
	src       []byte
	offset    int
	out       bytes.Buffer
}

// NewCompressor prepares to compress data in slices of sliceSize bytes.
func NewCompressor(algo Algorithm, data []byte, sliceSize int) *Compressor {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	return &Compressor{algo: algo, sliceSize: sliceSize, src: data}
}

// Done reports whether every slice has been written.
func (c *Compressor) Done() bool { return c.offset >= len(c.src) }

// Step compresses the next slice.
func (c *Compressor) Step() error {
	if c.Done() {
		return nil
	}
	end := min(c.offset+c.sliceSize, len(c.src))
	packed, err := compressSlice(c.algo, c.src[c.offset:end])
	if err != nil {
		return fmt.Errorf("compress slice at %d: %w", c.offset, err)
	}
	var prefix [lengthPrefix]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(packed)))
	c.out.Write(prefix[:])
	c.out.Write(packed)
	c.offset = end
	return nil
}

// Bytes returns the compressed stream produced so far.
func (c *Compressor) Bytes() []byte { return c.out.Bytes() }

// Decompressor expands one slice per Step.
type Decompressor struct {
	algo   Algorithm
	src    []byte
	offset int
	limit  int64
	out    bytes.Buffer
}

// NewDecompressor prepares to expand a sliced stream into at most limit
// bytes. A limit of zero or less means no cap.
func NewDecompressor(algo Algorithm, data []byte, limit int) *Decompressor {
	capped := int64(limit)
	if capped <= 0 {
		capped = math.MaxInt64 - 1
	}
	return &Decompressor{algo: algo, src: data, limit: capped}
}

// Done reports whether the whole stream has been consumed.
func (d *Decompressor) Done() bool { return d.offset >= len(d.src) }

// Step expands the next slice.
func (d *Decompressor) Step() error {
	if d.Done() {
		return nil
	}
	if d.offset+lengthPrefix > len(d.src) {
		return fmt.Errorf("%w at offset %d", ErrTruncatedPrefix, d.offset)
	}
	size := int64(int32(binary.LittleEndian.Uint32(d.src[d.offset:])))
	start := d.offset + lengthPrefix
	if size < 0 || int64(start)+size > int64(len(d.src)) {
		return fmt.Errorf("%w at offset %d: want %d bytes, have %d", ErrTruncatedSlice, d.offset, size, len(d.src)-start)
	}
	remaining := d.limit - int64(d.out.Len())
	plain, err := decompressSlice(d.algo, d.src[start:start+int(size)], remaining)
	if err != nil {
		return fmt.Errorf("decompress slice at %d: %w", d.offset, err)
	}
	if int64(len(plain)) > remaining {
		return fmt.Errorf("%w: slice at %d passes %d bytes", ErrOutputTooLarge, d.offset, d.limit)
	}
	d.out.Write(plain)
	d.offset = start + int(size)
	return nil
}

// Bytes returns the data expanded so far.
func (d *Decompressor) Bytes() []byte { return d.out.Bytes() }

// Compress runs a Compressor to completion.
func Compress(algo Algorithm, data []byte, sliceSize int) ([]byte, error) {
	c := NewCompressor(algo, data, sliceSize)
	for !c.Done() {
		if err := c.Step(); err != nil {
			return nil, err
		}
	}
	return c.Bytes(), nil
}

// Decompress runs a Decompressor to completion. limit caps the output as
// in NewDecompressor.
func Decompress(algo Algorithm, data []byte, limit int) ([]byte, error) {
	d := NewDecompressor(algo, data, limit)
	for !d.Done() {
		if err := d.Step(); err != nil {
			return nil, err
		}
	}
	return d.Bytes(), nil
}

// CompressAsync compresses data on s, one slice per resumption with delay
// between slices, and reports the result through onDone.
func CompressAsync(s sched.Scheduler, algo Algorithm, data []byte, sliceSize int, delay time.Duration, onDone func([]byte, error)) {
	c := NewCompressor(algo, data, sliceSize)
	sched.Go(s, func() (time.Duration, bool, error) {
		if err := c.Step(); err != nil {
			return 0, false, err
		}
		return delay, c.Done(), nil
	}, func(err error) {
		if err != nil {
			onDone(nil, err)
			return
		}
		onDone(c.Bytes(), nil)
	})
}

// DecompressAsync is the cooperative counterpart of Decompress.
func DecompressAsync(s sched.Scheduler, algo Algorithm, data []byte, limit int, delay time.Duration, onDone func([]byte, error)) {
	d := NewDecompressor(algo, data, limit)
	sched.Go(s, func() (time.Duration, bool, error) {
		if err := d.Step(); err != nil {
			return 0, false, err
		}
		return delay, d.Done(), nil
	}, func(err error) {
		if err != nil {
			onDone(nil, err)
			return
		}
		onDone(d.Bytes(), nil)
	})
}
