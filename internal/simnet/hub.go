// Package simnet is an in-memory stand-in for the host text channel: one
// server, any number of clients, optional loss, deferred delivery through
// a scheduler, and a hold mode that captures frames for reordering.
package simnet

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/rescp17/vnet/pkg/registry"
	"github.com/rescp17/vnet/pkg/sched"
)

// ServerPeer is the id clients use for the server.
const ServerPeer registry.PeerID = 0

var ErrUnknownPeer = errors.New("simnet: unknown peer")

// Receiver is the inbound side of an endpoint.
type Receiver interface {
	OnTextReceived(peer registry.PeerID, text string) bool
}

// Packet is one frame in flight.
type Packet struct {
	// From is the sender as seen by the receiver.
	From registry.PeerID
	// To is the client id, or ServerPeer for frames headed to the server.
	To       registry.PeerID
	ToServer bool
	Text     string
}

// Stats counts traffic through the hub.
type Stats struct {
	Sent      int
	Delivered int
	Dropped   int
	// Oversize counts frames longer than the configured budget.
	Oversize int
}

// Option configures a Hub.
type Option func(*Hub)

// WithScheduler defers every delivery onto s instead of delivering inline.
func WithScheduler(s sched.Scheduler) Option {
	return func(h *Hub) { h.sched = s }
}

// WithLoss drops each frame with probability rate, using a seeded source.
func WithLoss(rate float64, seed uint64) Option {
	return func(h *Hub) {
		h.lossRate = rate
		h.rng = rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	}
}

// WithFrameBudget records frames longer than n bytes in Stats.Oversize.
func WithFrameBudget(n int) Option {
	return func(h *Hub) { h.budget = n }
}

// Hub routes frames between one server and its clients.
type Hub struct {
	mu       sync.Mutex
	sched    sched.Scheduler
	lossRate float64
	rng      *rand.Rand
	budget   int
	hold     bool
	held     []Packet
	server   Receiver
	clients  map[registry.PeerID]Receiver
	stats    Stats
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{clients: make(map[registry.PeerID]Receiver)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetServer attaches the server endpoint.
func (h *Hub) SetServer(r Receiver) {
	h.mu.Lock()
	h.server = r
	h.mu.Unlock()
}

// AddClient attaches a client endpoint under id.
func (h *Hub) AddClient(id registry.PeerID, r Receiver) {
	h.mu.Lock()
	h.clients[id] = r
	h.mu.Unlock()
}

// RemoveClient detaches a client. Frames addressed to it fail.
func (h *Hub) RemoveClient(id registry.PeerID) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Hold makes the hub capture frames instead of delivering them.
func (h *Hub) Hold(on bool) {
	h.mu.Lock()
	h.hold = on
	h.mu.Unlock()
}

// TakeHeld returns and clears the captured frames in send order.
func (h *Hub) TakeHeld() []Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.held
	h.held = nil
	return out
}

// Deliver hands p to its receiver immediately, bypassing loss and hold.
func (h *Hub) Deliver(p Packet) bool {
	h.mu.Lock()
	var dst Receiver
	if p.ToServer {
		dst = h.server
	} else {
		dst = h.clients[p.To]
	}
	if dst != nil {
		h.stats.Delivered++
	}
	h.mu.Unlock()

	if dst == nil {
		return false
	}
	return dst.OnTextReceived(p.From, p.Text)
}

// Stats returns the traffic counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// ServerTransport is the transport the server relay writes to.
func (h *Hub) ServerTransport() *Transport {
	return &Transport{hub: h, server: true}
}

// ClientTransport is the transport the client with id writes to.
func (h *Hub) ClientTransport(id registry.PeerID) *Transport {
	return &Transport{hub: h, self: id}
}

// Transport is one endpoint's outbound side.
type Transport struct {
	hub    *Hub
	server bool
	self   registry.PeerID
}

// SendText routes text to peer. Clients always reach the server.
func (t *Transport) SendText(peer registry.PeerID, text string) error {
	p := Packet{Text: text}
	if t.server {
		p.From, p.To = ServerPeer, peer
	} else {
		p.From, p.To, p.ToServer = t.self, ServerPeer, true
	}
	return t.hub.send(p)
}

func (h *Hub) send(p Packet) error {
	h.mu.Lock()
	if !p.ToServer {
		if _, ok := h.clients[p.To]; !ok {
			h.mu.Unlock()
			return ErrUnknownPeer
		}
	}
	h.stats.Sent++
	if h.budget > 0 && len(p.Text) > h.budget {
		h.stats.Oversize++
	}
	if h.rng != nil && h.rng.Float64() < h.lossRate {
		h.stats.Dropped++
		h.mu.Unlock()
		return nil
	}
	if h.hold {
		h.held = append(h.held, p)
		h.mu.Unlock()
		return nil
	}
	s := h.sched
	h.mu.Unlock()

	if s != nil {
		s.After(0, func() { h.Deliver(p) })
		return nil
	}
	h.Deliver(p)
	return nil
}
