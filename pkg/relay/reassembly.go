package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rescp17/vnet/pkg/registry"
)

var (
	ErrPartOutOfRange = errors.New("relay: fragment index out of range")
	ErrPartMismatch   = errors.New("relay: fragment total disagrees with buffer")
	ErrTooManyParts   = errors.New("relay: fragment total exceeds limit")
)

// Buffer collects the slices of one message.
type Buffer struct {
	slots    []string
	filled   []bool
	received int
	lastSeen time.Time
}

// NewBuffer creates an empty buffer expecting total slices.
func NewBuffer(total int, now time.Time) *Buffer {
	return &Buffer{
		slots:    make([]string, total),
		filled:   make([]bool, total),
		lastSeen: now,
	}
}

// Total is the number of slices the message was split into.
func (b *Buffer) Total() int { return len(b.slots) }

// Received is the number of distinct slices stored.
func (b *Buffer) Received() int { return b.received }

// LastSeen is when the buffer last accepted a fragment.
func (b *Buffer) LastSeen() time.Time { return b.lastSeen }

// Add stores slice at index. A slot is written at most once; repeats are
// ignored and reported as not added.
func (b *Buffer) Add(index int, slice string, now time.Time) (bool, error) {
	if index < 0 || index >= len(b.slots) {
		return false, fmt.Errorf("%w: %d/%d", ErrPartOutOfRange, index, len(b.slots))
	}
	b.lastSeen = now
	if b.filled[index] {
		return false, nil
	}
	b.slots[index] = slice
	b.filled[index] = true
	b.received++
	return true, nil
}

// Complete reports whether every slice has arrived.
func (b *Buffer) Complete() bool { return b.received == len(b.slots) }

// Payload concatenates the slices in index order.
func (b *Buffer) Payload() string { return strings.Join(b.slots, "") }

type bufferKey struct {
	peer registry.PeerID
	id   string
}

// Reassembler tracks in-flight messages per (peer, message id) and forgets
// them after a TTL of inactivity.
type Reassembler struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxParts int
	buffers  map[bufferKey]*Buffer
	// done remembers recently completed messages so replays are ignored.
	done map[bufferKey]time.Time
}

// NewReassembler creates an empty table.
func NewReassembler(ttl time.Duration, maxParts int) *Reassembler {
	return &Reassembler{
		ttl:      ttl,
		maxParts: maxParts,
		buffers:  make(map[bufferKey]*Buffer),
		done:     make(map[bufferKey]time.Time),
	}
}

// Add feeds one fragment. When it completes a message the joined payload
// is returned with complete set, and the buffer is released.
func (r *Reassembler) Add(peer registry.PeerID, f Frame, now time.Time) (payload string, complete bool, err error) {
	if f.Total > r.maxParts {
		return "", false, fmt.Errorf("%w: %d > %d", ErrTooManyParts, f.Total, r.maxParts)
	}
	key := bufferKey{peer: peer, id: f.MessageID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, finished := r.done[key]; finished {
		return "", false, nil
	}

	buf, ok := r.buffers[key]
	if !ok {
		buf = NewBuffer(f.Total, now)
		r.buffers[key] = buf
	} else if buf.Total() != f.Total {
		return "", false, fmt.Errorf("%w: got %d, buffer has %d", ErrPartMismatch, f.Total, buf.Total())
	}

	if _, err := buf.Add(f.Index, f.Slice, now); err != nil {
		return "", false, err
	}
	if !buf.Complete() {
		return "", false, nil
	}

	delete(r.buffers, key)
	r.done[key] = now
	return buf.Payload(), true, nil
}

// Sweep drops buffers idle for longer than the TTL and returns how many
// partial messages were discarded.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for key, buf := range r.buffers {
		if now.Sub(buf.lastSeen) > r.ttl {
			delete(r.buffers, key)
			expired++
		}
	}
	for key, at := range r.done {
		if now.Sub(at) > r.ttl {
			delete(r.done, key)
		}
	}
	return expired
}

// DropPeer forgets everything received from peer.
func (r *Reassembler) DropPeer(peer registry.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.buffers {
		if key.peer == peer {
			delete(r.buffers, key)
		}
	}
	for key := range r.done {
		if key.peer == peer {
			delete(r.done, key)
		}
	}
}

// Len returns the number of partial messages held.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
