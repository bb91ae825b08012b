package transfer

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

var ErrChunkSize = errors.New("chunk size out of range")

// Chunk is one slice of an outgoing stream.
type Chunk struct {
	Index  int32
	Offset int
	Data   []byte
	IsLast bool
}

// Chunker walks a byte stream in fixed-size pieces.
type Chunker struct {
	data      []byte
	chunkSize int
	offset    int
	index     int32
}

// NewChunker splits data into chunks of chunkSize bytes. chunkSize must
// fit a TransferChunk packet.
func NewChunker(data []byte, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 || chunkSize > PacketBytes {
		return nil, fmt.Errorf("%w: %d not in 1..%d", ErrChunkSize, chunkSize, PacketBytes)
	}
	return &Chunker{data: data, chunkSize: chunkSize}, nil
}

// Count is the number of chunks the stream splits into.
func (c *Chunker) Count() int {
	return (len(c.data) + c.chunkSize - 1) / c.chunkSize
}

// Next returns the following chunk, or io.EOF when the stream is used up.
func (c *Chunker) Next() (*Chunk, error) {
	if c.offset >= len(c.data) {
		return nil, io.EOF
	}
	end := min(c.offset+c.chunkSize, len(c.data))
	chunk := &Chunk{
		Index:  c.index,
		Offset: c.offset,
		Data:   c.data[c.offset:end],
		IsLast: end == len(c.data),
	}
	c.offset = end
	c.index++
	return chunk, nil
}

// Message builds the wire form of chunk for transfer id.
func (ch *Chunk) Message(id uuid.UUID) TransferChunk {
	msg := TransferChunk{ID: id, Index: ch.Index, Length: uint16(len(ch.Data))}
	copy(msg.Packet[:], ch.Data)
	return msg
}
