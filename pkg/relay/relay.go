// Package relay carries typed messages over a host-provided text channel
// with a small per-message size limit. Messages are serialized, base64
// encoded, split into signed fragments and reassembled on the far side,
// where they are dispatched to the handler registered for their type.
//
// Frames are authenticated with a truncated HMAC-SHA256. Until two peers
// have completed an ECDH P-256 exchange they sign with a fallback key that
// both builds share; afterwards each peer pair uses its own derived key.
package relay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/rescp17/vnet/internal/metrics"
	"github.com/rescp17/vnet/pkg/codec"
	"github.com/rescp17/vnet/pkg/registry"
)

var (
	ErrNilMessage      = errors.New("relay: nil message")
	ErrMessageTooLarge = errors.New("relay: message needs too many fragments")
	ErrFrameTooLarge   = errors.New("relay: frame exceeds max_frame_bytes")
	ErrNilTransport    = errors.New("relay: transport is required")
)

// Transport is the host channel. SendText delivers one frame to peer.
type Transport interface {
	SendText(peer registry.PeerID, text string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(peer registry.PeerID, text string) error

func (f TransportFunc) SendText(peer registry.PeerID, text string) error { return f(peer, text) }

// Option customizes a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithClock sets the time source used for buffer expiry.
func WithClock(c clock.Clock) Option {
	return func(r *Relay) { r.clock = c }
}

// WithMetrics records counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// Relay is one endpoint of the protocol. It owns the handler table, the
// codec cache, the per-peer key sessions and the reassembly buffers.
type Relay struct {
	cfg       *Config
	transport Transport
	registry  *registry.Registry
	codec     *codec.Codec
	sessions  *sessionTable
	buffers   *Reassembler
	nextID    atomic.Uint32
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a relay and registers the key exchange handlers.
func New(cfg *Config, transport Transport, opts ...Option) (*Relay, error) {
	if cfg == nil {
		return nil, errors.New("relay: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay: invalid config: %w", err)
	}
	if transport == nil {
		return nil, ErrNilTransport
	}

	r := &Relay{
		cfg:       cfg,
		transport: transport,
		codec:     codec.New(),
		sessions:  newSessionTable(cfg.FallbackKey),
		buffers:   NewReassembler(cfg.BufferTTL, cfg.MaxParts),
		clock:     clock.New(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "relay", "role", cfg.Role.String())
	r.registry = registry.New(r.log)

	Handle(r, registry.Serverbound, r.handleHandshakeInit)
	Handle(r, registry.Bidirectional, r.handleKeyExchange)
	return r, nil
}

// Role returns the side of the link this relay plays.
func (r *Relay) Role() Role { return r.cfg.Role }

// Registry exposes the handler table.
func (r *Relay) Registry() *registry.Registry { return r.registry }

// Metrics returns the counters the relay records into, possibly nil.
func (r *Relay) Metrics() *metrics.Metrics { return r.metrics }

// PeerState reports how frames for peer are currently signed.
func (r *Relay) PeerState(peer registry.PeerID) PeerState { return r.sessions.state(peer) }

// PendingMessages is the number of partially received messages.
func (r *Relay) PendingMessages() int { return r.buffers.Len() }

// Send serializes msg and writes it to peer as one or more frames.
func (r *Relay) Send(peer registry.PeerID, msg registry.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	name := msg.MessageName()
	typeID := registry.TypeID(name)

	data, err := r.codec.Pack(msg)
	if err != nil {
		return fmt.Errorf("relay: serialize %s: %w", name, err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	size := r.cfg.SliceFor(len(encoded))
	if size <= 0 {
		return fmt.Errorf("%w: %s has no room for a slice", ErrMessageTooLarge, name)
	}
	slices := Fragment(encoded, size)
	if len(slices) > r.cfg.MaxParts {
		return fmt.Errorf("%w: %s needs %d parts", ErrMessageTooLarge, name, len(slices))
	}

	id := FormatMessageID(r.nextID.Add(1))
	key := r.sessions.key(peer)
	for i, slice := range slices {
		frame := EncodeFrame(r.cfg.Prefix, key, Frame{
			MessageID: id,
			Index:     i,
			Total:     len(slices),
			TypeID:    typeID,
			Slice:     slice,
		})
		if len(frame) > r.cfg.MaxFrameBytes {
			return fmt.Errorf("%w: %s part %d/%d is %d bytes", ErrFrameTooLarge, name, i+1, len(slices), len(frame))
		}
		if err := r.transport.SendText(peer, frame); err != nil {
			return fmt.Errorf("relay: send %s part %d/%d to peer %d: %w", name, i+1, len(slices), peer, err)
		}
		r.metrics.FrameSent()
	}
	r.metrics.MessageSent()
	r.log.Debug("Sent message", "peer", peer, "type", name, "messageId", id, "parts", len(slices), "bytes", len(data))
	return nil
}

// OnTextReceived handles one inbound line of host text. It reports whether
// the text was a relay frame, so the host can keep it out of its own
// message flow. Invalid frames are dropped silently.
func (r *Relay) OnTextReceived(peer registry.PeerID, text string) bool {
	if !strings.HasPrefix(text, r.cfg.Prefix) {
		return false
	}
	if err := r.receive(peer, text); err != nil {
		var de *dropError
		if errors.As(err, &de) {
			r.metrics.Drop(de.reason)
		}
		r.log.Debug("Dropped frame", "peer", peer, "error", err)
	}
	return true
}

// Sweep discards partial messages idle past the TTL.
func (r *Relay) Sweep() int {
	n := r.buffers.Sweep(r.clock.Now())
	if n > 0 {
		r.metrics.BuffersExpired(n)
		r.log.Debug("Expired partial messages", "count", n)
	}
	return n
}

// OnPeerConnected starts authentication with a newly connected peer. The
// server prepares its key pair; a client asks the server to begin.
func (r *Relay) OnPeerConnected(peer registry.PeerID) error {
	if r.cfg.Role == RoleServer {
		if _, err := r.sessions.ensure(peer); err != nil {
			return fmt.Errorf("relay: prepare session for peer %d: %w", peer, err)
		}
		r.log.Info("Peer connected", "peer", peer)
		return nil
	}
	r.log.Info("Connected, requesting key exchange", "peer", peer)
	return r.Send(peer, HandshakeInit{})
}

// OnPeerDisconnected forgets the peer's key material and partial messages.
func (r *Relay) OnPeerDisconnected(peer registry.PeerID) {
	r.sessions.remove(peer)
	r.buffers.DropPeer(peer)
	r.log.Info("Peer disconnected", "peer", peer)
}

type dropError struct {
	reason metrics.DropReason
	err    error
}

func (e *dropError) Error() string { return e.reason.String() + ": " + e.err.Error() }
func (e *dropError) Unwrap() error { return e.err }

func drop(reason metrics.DropReason, err error) error {
	return &dropError{reason: reason, err: err}
}

var errBadMAC = errors.New("mac mismatch")

func (r *Relay) receive(peer registry.PeerID, text string) error {
	r.metrics.FrameReceived()
	now := r.clock.Now()
	if n := r.buffers.Sweep(now); n > 0 {
		r.metrics.BuffersExpired(n)
		r.log.Debug("Expired partial messages", "count", n)
	}

	f, unsigned, err := ParseFrame(r.cfg.Prefix, text)
	if err != nil {
		return drop(metrics.DropMalformed, err)
	}
	if !VerifyMAC(r.sessions.key(peer), unsigned, f.MAC) {
		return drop(metrics.DropBadMAC, fmt.Errorf("%w on message %s part %d/%d", errBadMAC, f.MessageID, f.Index, f.Total))
	}

	payload, complete, err := r.buffers.Add(peer, f, now)
	if err != nil {
		return drop(metrics.DropMalformed, err)
	}
	if !complete {
		return nil
	}
	return r.dispatch(peer, f.TypeID, payload)
}

func (r *Relay) dispatch(peer registry.PeerID, typeID uint32, payload string) error {
	desc, ok := r.registry.Lookup(typeID)
	if !ok {
		return drop(metrics.DropUnknownType, fmt.Errorf("no handler for type %d", typeID))
	}
	if !desc.Direction.Has(r.cfg.Role.Inbound()) {
		return drop(metrics.DropWrongDirection, fmt.Errorf("%s is %s, this endpoint handles %s", desc.Name, desc.Direction, r.cfg.Role.Inbound()))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return drop(metrics.DropMalformed, fmt.Errorf("payload for %s: %w", desc.Name, err))
	}
	v, err := desc.Decode(data)
	if err != nil {
		return drop(metrics.DropDecode, err)
	}

	r.metrics.MessageDispatched()
	if err := r.invoke(desc, peer, v); err != nil {
		r.metrics.HandlerFailed()
		r.log.Error("Message handler failed", "peer", peer, "type", desc.Name, "error", err)
	}
	return nil
}

func (r *Relay) invoke(desc registry.Descriptor, peer registry.PeerID, v any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return desc.Dispatch(peer, v)
}

func (r *Relay) handleHandshakeInit(peer registry.PeerID, _ HandshakeInit) error {
	pub, err := r.sessions.ensure(peer)
	if err != nil {
		return err
	}
	ke, err := NewKeyExchange(pub)
	if err != nil {
		return err
	}
	// Marked before sending: the reply may arrive before Send returns.
	r.sessions.markSent(peer)
	if err := r.Send(peer, ke); err != nil {
		return fmt.Errorf("send public key: %w", err)
	}
	r.log.Debug("Sent public key", "peer", peer)
	return nil
}

// handleKeyExchange derives the per-peer key from the remote public key.
// If our own public key has not gone out yet it is sent first, still
// signed with the fallback key the peer expects.
func (r *Relay) handleKeyExchange(peer registry.PeerID, ke KeyExchange) error {
	remote, err := ke.Key()
	if err != nil {
		return err
	}
	pub, err := r.sessions.ensure(peer)
	if err != nil {
		return err
	}
	key, err := r.sessions.derive(peer, remote)
	if err != nil {
		return err
	}

	if alreadySent := r.sessions.markSent(peer); !alreadySent {
		own, err := NewKeyExchange(pub)
		if err != nil {
			return err
		}
		if err := r.Send(peer, own); err != nil {
			return fmt.Errorf("send public key: %w", err)
		}
	}

	r.sessions.install(peer, key)
	r.metrics.PeerKeyed()
	r.log.Info("Peer authenticated", "peer", peer)
	return nil
}
