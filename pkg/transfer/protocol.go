package transfer

import (
	"github.com/google/uuid"

	"github.com/rescp17/vnet/pkg/codec"
)

const (
	// PacketBytes is the capacity of one TransferChunk.
	PacketBytes = 320
	// StandardLength is the size of the file name and digest fields.
	StandardLength = 32
)

// TransferSession announces a transfer. TotalBytes and Sha256 describe
// the byte stream carried by the chunks that follow.
type TransferSession struct {
	ID          uuid.UUID
	TotalBytes  int32
	FileName    [StandardLength]byte
	Sha256      [StandardLength]byte
	Compression uint8
}

func (TransferSession) MessageName() string { return "vnet.transfer.TransferSession/1" }

// Name returns the announced file name.
func (s TransferSession) Name() string { return codec.String(s.FileName[:]) }

// TransferChunk carries Length bytes of the stream at position Index.
type TransferChunk struct {
	ID     uuid.UUID
	Index  int32
	Length uint16
	Packet [PacketBytes]byte
}

func (TransferChunk) MessageName() string { return "vnet.transfer.TransferChunk/1" }

// Data returns the meaningful part of the packet.
func (c *TransferChunk) Data() []byte {
	n := min(int(c.Length), PacketBytes)
	return c.Packet[:n]
}

// TransferComplete ends a transfer and says whether the receiver should
// load the installed file.
type TransferComplete struct {
	ID      uuid.UUID
	Hotload bool
}

func (TransferComplete) MessageName() string { return "vnet.transfer.TransferComplete/1" }
