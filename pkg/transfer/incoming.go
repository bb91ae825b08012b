package transfer

import (
	"crypto/sha256"
	"crypto/subtle"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rescp17/vnet/pkg/compress"
	"github.com/rescp17/vnet/pkg/registry"
)

// IncomingTransfer collects the chunks of one announced transfer.
type IncomingTransfer struct {
	ID          uuid.UUID
	Peer        registry.PeerID
	FileName    string
	TotalBytes  int
	Sha256      [32]byte
	Compression compress.Algorithm
	StartedAt   time.Time
	State       State

	chunks   map[int32][]byte
	received int
}

// NewIncomingTransfer starts tracking the transfer announced by s.
func NewIncomingTransfer(peer registry.PeerID, s TransferSession, now time.Time) *IncomingTransfer {
	return &IncomingTransfer{
		ID:          s.ID,
		Peer:        peer,
		FileName:    s.Name(),
		TotalBytes:  int(s.TotalBytes),
		Sha256:      s.Sha256,
		Compression: compress.Algorithm(s.Compression),
		StartedAt:   now,
		State:       StateAnnounced,
		chunks:      make(map[int32][]byte),
	}
}

// AddChunk stores data at index. The first write of an index wins; repeats
// and negative indices are ignored and reported as false.
func (t *IncomingTransfer) AddChunk(index int32, data []byte) bool {
	if index < 0 {
		return false
	}
	if _, exists := t.chunks[index]; exists {
		return false
	}
	t.chunks[index] = append([]byte(nil), data...)
	t.received += len(data)
	if t.State == StateAnnounced {
		t.State = StateStreaming
	}
	return true
}

// ReceivedBytes is the sum of the stored chunk lengths.
func (t *IncomingTransfer) ReceivedBytes() int { return t.received }

// ChunkCount is the number of distinct chunks stored.
func (t *IncomingTransfer) ChunkCount() int { return len(t.chunks) }

// IsComplete reports whether at least TotalBytes have arrived.
func (t *IncomingTransfer) IsComplete() bool { return t.received >= t.TotalBytes }

// Bytes concatenates the chunks in index order.
func (t *IncomingTransfer) Bytes() []byte {
	indices := make([]int32, 0, len(t.chunks))
	for i := range t.chunks {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })

	out := make([]byte, 0, t.received)
	for _, i := range indices {
		out = append(out, t.chunks[i]...)
	}
	return out
}

// Verify reports whether the SHA-256 of Bytes matches the announced digest.
func (t *IncomingTransfer) Verify() bool {
	sum := sha256.Sum256(t.Bytes())
	return subtle.ConstantTimeCompare(sum[:], t.Sha256[:]) == 1
}
