// Package transfer streams cached files from the server to clients over a
// relay link. A transfer is announced with TransferSession, carried in
// paced TransferChunk messages and closed by TransferComplete, after which
// the receiver verifies, decompresses and installs the file.
package transfer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rescp17/vnet/internal/metrics"
	"github.com/rescp17/vnet/pkg/codec"
	"github.com/rescp17/vnet/pkg/compress"
	"github.com/rescp17/vnet/pkg/history"
	"github.com/rescp17/vnet/pkg/registry"
	"github.com/rescp17/vnet/pkg/relay"
	"github.com/rescp17/vnet/pkg/sched"
	"github.com/rescp17/vnet/pkg/share"
)

var (
	ErrNotServer        = errors.New("transfer: only the server can start transfers")
	ErrFileNameTooLong  = errors.New("transfer: file name does not fit the announcement")
	ErrPayloadTooLarge  = errors.New("transfer: payload exceeds the announceable size")
	ErrInvalidDirection = errors.New("transfer: invalid direction")
	ErrIncomplete       = errors.New("transfer: incomplete")
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	ErrSuperseded       = errors.New("transfer: superseded by a newer announcement")
)

// Source provides the payloads that can be sent.
type Source interface {
	Lookup(name string) (share.Entry, error)
}

// Progress is a snapshot of one transfer.
type Progress struct {
	ID       uuid.UUID
	Peer     registry.PeerID
	FileName string
	Incoming bool
	Bytes    int
	Total    int
	State    State
	Err      error
}

// Listener observes transfer progress. Callbacks run on the scheduler
// loop and must not block.
type Listener interface {
	OnTransferProgress(p Progress)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(p Progress)

func (f ListenerFunc) OnTransferProgress(p Progress) { f(p) }

// Option customizes a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithHistory(h history.Store) Option { return func(s *Service) { s.history = h } }

func WithListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

type outgoing struct {
	progress   Progress
	raw        []byte
	hotload    bool
	compressor *compress.Compressor
	stream     []byte
	chunker    *Chunker
}

// Service runs transfers for one relay endpoint. Only one incoming
// transfer is tracked at a time; a new announcement replaces it.
type Service struct {
	relay     *relay.Relay
	sched     sched.Scheduler
	source    Source
	installer *Installer
	cfg       *Config
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	history   history.Store

	mu        sync.Mutex
	incoming  *IncomingTransfer
	outgoing  map[uuid.UUID]*outgoing
	listeners []Listener
}

// New creates a transfer service on r and registers its message handlers.
func New(r *relay.Relay, s sched.Scheduler, source Source, installer *Installer, cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("transfer: invalid config: %w", err)
	}
	if r == nil || s == nil {
		return nil, errors.New("transfer: relay and scheduler are required")
	}
	if installer == nil {
		installer = NewInstaller(cfg, nil)
	}

	svc := &Service{
		relay:     r,
		sched:     s,
		source:    source,
		installer: installer,
		cfg:       cfg,
		clock:     clock.New(),
		log:       slog.Default(),
		outgoing:  make(map[uuid.UUID]*outgoing),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.log = svc.log.With("component", "transfer")
	if svc.installer.Logger == nil {
		svc.installer.Logger = svc.log
	}

	relay.Handle(r, registry.Clientbound, svc.handleSession)
	relay.Handle(r, registry.Clientbound, svc.handleChunk)
	relay.Handle(r, registry.Clientbound, svc.handleComplete)
	return svc, nil
}

// AddListener registers l for progress updates.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Incoming returns the transfer currently being received.
func (s *Service) Incoming() (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil {
		return Progress{}, false
	}
	return incomingProgress(s.incoming), true
}

// Outgoing lists transfers still being sent.
func (s *Service) Outgoing() []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Progress, 0, len(s.outgoing))
	for _, o := range s.outgoing {
		out = append(out, o.progress)
	}
	return out
}

// RequestTransfer moves the cached payload fileName. Clientbound streams it
// to peer; Serverbound installs it on this endpoint. The returned id names
// the transfer in progress updates and history.
func (s *Service) RequestTransfer(peer registry.PeerID, fileName string, dir registry.Direction, hotload bool) (uuid.UUID, error) {
	if s.relay.Role() != relay.RoleServer {
		return uuid.Nil, ErrNotServer
	}
	if s.source == nil {
		return uuid.Nil, fmt.Errorf("transfer: no payload source: %w", share.ErrNotFound)
	}
	entry, err := s.source.Lookup(fileName)
	if err != nil {
		s.log.Error("Requested payload is not available", "fileName", fileName, "error", err)
		return uuid.Nil, err
	}
	if len(entry.Name) > StandardLength {
		return uuid.Nil, fmt.Errorf("%w: %q is %d bytes, limit %d", ErrFileNameTooLong, entry.Name, len(entry.Name), StandardLength)
	}

	id := uuid.New()
	switch dir {
	case registry.Serverbound:
		return id, s.installLocal(id, entry, hotload)
	case registry.Clientbound:
		s.startSend(peer, id, entry, hotload)
		return id, nil
	default:
		return uuid.Nil, fmt.Errorf("%w: %s", ErrInvalidDirection, dir)
	}
}

// HandleCommand runs a share command typed by peer. It reports whether
// text was a share command at all.
func (s *Service) HandleCommand(peer registry.PeerID, text string) (bool, error) {
	cmd, err := share.ParseCommand(text)
	if errors.Is(err, share.ErrNotCommand) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	_, err = s.RequestTransfer(peer, cmd.FileName, cmd.Direction, cmd.Hotload)
	return true, err
}

func (s *Service) installLocal(id uuid.UUID, entry share.Entry, hotload bool) error {
	p := Progress{ID: id, FileName: entry.Name, Incoming: true, Bytes: entry.Size, Total: entry.Size, State: StateInstalling}
	path, err := s.installer.Install(entry.Name, entry.Data(), hotload)
	if err != nil {
		p.State, p.Err = StateFailed, err
		s.record(p, history.OutcomeFailed)
		s.notify(p)
		return err
	}
	s.log.Info("Installed payload locally", "fileName", entry.Name, "path", path)
	p.State = StateCompleted
	s.record(p, history.OutcomeInstalled)
	s.notify(p)
	return nil
}

func (s *Service) startSend(peer registry.PeerID, id uuid.UUID, entry share.Entry, hotload bool) {
	o := &outgoing{
		progress: Progress{ID: id, Peer: peer, FileName: entry.Name, State: StateCompressing},
		raw:      entry.Data(),
		hotload:  hotload,
	}
	if s.cfg.Compression == compress.None {
		o.stream = o.raw
		o.progress.State = StateAnnounced
	} else {
		o.compressor = compress.NewCompressor(s.cfg.Compression, o.raw, s.cfg.CompressSliceSize)
	}

	s.mu.Lock()
	s.outgoing[id] = o
	s.mu.Unlock()

	s.log.Info("Starting transfer", "transferId", id, "peer", peer, "fileName", entry.Name, "size", len(o.raw), "compression", s.cfg.Compression)
	sched.Go(s.sched, func() (time.Duration, bool, error) {
		return s.sendStep(o)
	}, func(err error) {
		s.finishSend(o, err)
	})
}

// sendStep advances an outgoing transfer by one compression slice, the
// announcement, one chunk, or the completion message.
func (s *Service) sendStep(o *outgoing) (time.Duration, bool, error) {
	id, peer := o.progress.ID, o.progress.Peer

	switch o.progress.State {
	case StateCompressing:
		if err := o.compressor.Step(); err != nil {
			return 0, false, err
		}
		if o.compressor.Done() {
			o.stream = o.compressor.Bytes()
			s.setSendState(o, StateAnnounced)
		}
		return s.cfg.ChunkDelay, false, nil

	case StateAnnounced:
		if len(o.stream) > math.MaxInt32 {
			return 0, false, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(o.stream))
		}
		session := TransferSession{
			ID:          id,
			TotalBytes:  int32(len(o.stream)),
			Sha256:      sha256.Sum256(o.stream),
			Compression: uint8(s.cfg.Compression),
		}
		codec.PutString(session.FileName[:], o.progress.FileName)
		if err := s.relay.Send(peer, session); err != nil {
			return 0, false, fmt.Errorf("announce: %w", err)
		}
		chunker, err := NewChunker(o.stream, s.cfg.ChunkSize)
		if err != nil {
			return 0, false, err
		}
		o.chunker = chunker
		s.mu.Lock()
		o.progress.Total = len(o.stream)
		s.mu.Unlock()
		s.setSendState(o, StateStreaming)
		return s.cfg.ChunkDelay, false, nil

	case StateStreaming:
		chunk, err := o.chunker.Next()
		if errors.Is(err, io.EOF) {
			if err := s.relay.Send(peer, TransferComplete{ID: id, Hotload: o.hotload}); err != nil {
				return 0, false, fmt.Errorf("complete: %w", err)
			}
			return 0, true, nil
		}
		if err != nil {
			return 0, false, err
		}
		if err := s.relay.Send(peer, chunk.Message(id)); err != nil {
			return 0, false, fmt.Errorf("chunk %d: %w", chunk.Index, err)
		}
		s.metrics.ChunkSent()
		s.mu.Lock()
		o.progress.Bytes += len(chunk.Data)
		p := o.progress
		s.mu.Unlock()
		s.notify(p)
		return s.cfg.ChunkDelay, false, nil
	}
	return 0, false, fmt.Errorf("unexpected send state %s", o.progress.State)
}

func (s *Service) setSendState(o *outgoing, state State) {
	s.mu.Lock()
	o.progress.State = state
	p := o.progress
	s.mu.Unlock()
	s.notify(p)
}

func (s *Service) finishSend(o *outgoing, err error) {
	s.mu.Lock()
	delete(s.outgoing, o.progress.ID)
	if err != nil {
		o.progress.State, o.progress.Err = StateFailed, err
	} else {
		o.progress.State = StateCompleted
	}
	p := o.progress
	s.mu.Unlock()

	if err != nil {
		s.log.Error("Transfer failed", "transferId", p.ID, "peer", p.Peer, "fileName", p.FileName, "error", err)
		s.record(p, history.OutcomeFailed)
	} else {
		s.log.Info("Transfer sent", "transferId", p.ID, "peer", p.Peer, "fileName", p.FileName, "bytes", p.Bytes)
		s.record(p, history.OutcomeSent)
	}
	s.notify(p)
}

func (s *Service) handleSession(peer registry.PeerID, msg TransferSession) error {
	in := NewIncomingTransfer(peer, msg, s.clock.Now())

	s.mu.Lock()
	prev := s.incoming
	s.incoming = in
	s.mu.Unlock()

	if prev != nil {
		prev.State = StateSuperseded
		p := incomingProgress(prev)
		p.Err = ErrSuperseded
		s.log.Warn("Incoming transfer superseded", "transferId", prev.ID, "fileName", prev.FileName, "received", prev.ReceivedBytes())
		s.record(p, history.OutcomeSuperseded)
		s.notify(p)
	}

	s.log.Info("Started receiving file", "transferId", in.ID, "peer", peer, "fileName", in.FileName, "totalSize", in.TotalBytes, "compression", in.Compression)
	s.notify(incomingProgress(in))
	return nil
}

func (s *Service) handleChunk(peer registry.PeerID, msg TransferChunk) error {
	s.mu.Lock()
	in := s.incoming
	if in == nil || in.ID != msg.ID || in.Peer != peer {
		s.mu.Unlock()
		s.log.Debug("Dropping chunk for unknown transfer", "transferId", msg.ID, "index", msg.Index)
		return nil
	}
	if int(msg.Length) > PacketBytes {
		s.mu.Unlock()
		return fmt.Errorf("chunk %d declares %d bytes, packet holds %d", msg.Index, msg.Length, PacketBytes)
	}
	added := in.AddChunk(msg.Index, msg.Data())
	p := incomingProgress(in)
	s.mu.Unlock()

	if added {
		s.metrics.ChunkReceived()
		s.notify(p)
	}
	return nil
}

func (s *Service) handleComplete(peer registry.PeerID, msg TransferComplete) error {
	s.mu.Lock()
	in := s.incoming
	if in == nil || in.ID != msg.ID || in.Peer != peer {
		s.mu.Unlock()
		s.log.Debug("Dropping completion for unknown transfer", "transferId", msg.ID)
		return nil
	}
	s.incoming = nil
	in.State = StateVerifying
	s.mu.Unlock()
	s.notify(incomingProgress(in))

	if !in.IsComplete() {
		s.failIncoming(in, fmt.Errorf("%w: received %d of %d bytes in %d chunks", ErrIncomplete, in.ReceivedBytes(), in.TotalBytes, in.ChunkCount()))
		return nil
	}
	if !in.Verify() {
		s.failIncoming(in, fmt.Errorf("%w for %s", ErrChecksumMismatch, in.FileName))
		return nil
	}

	in.State = StateInstalling
	s.notify(incomingProgress(in))
	stream := in.Bytes()
	if in.Compression == compress.None {
		s.install(in, stream, msg.Hotload)
		return nil
	}
	compress.DecompressAsync(s.sched, in.Compression, stream, s.cfg.MaxPayloadBytes, s.cfg.ChunkDelay, func(data []byte, err error) {
		if err != nil {
			s.failIncoming(in, fmt.Errorf("decompress: %w", err))
			return
		}
		s.install(in, data, msg.Hotload)
	})
	return nil
}

func (s *Service) install(in *IncomingTransfer, data []byte, hotload bool) {
	path, err := s.installer.Install(in.FileName, data, hotload)
	if err != nil {
		s.failIncoming(in, err)
		return
	}
	in.State = StateCompleted
	s.metrics.TransferCompleted()
	s.log.Info("File received", "transferId", in.ID, "fileName", in.FileName, "path", path, "elapsed", s.clock.Since(in.StartedAt))
	s.record(incomingProgress(in), history.OutcomeInstalled)
	s.notify(incomingProgress(in))
}

func (s *Service) failIncoming(in *IncomingTransfer, err error) {
	in.State = StateFailed
	s.metrics.TransferFailed()
	s.log.Warn("Incoming transfer failed", "transferId", in.ID, "fileName", in.FileName,
		"received", in.ReceivedBytes(), "expected", in.TotalBytes, "error", err)
	p := incomingProgress(in)
	p.Err = err
	s.record(p, history.OutcomeFailed)
	s.notify(p)
}

func incomingProgress(in *IncomingTransfer) Progress {
	return Progress{
		ID:       in.ID,
		Peer:     in.Peer,
		FileName: in.FileName,
		Incoming: true,
		Bytes:    in.ReceivedBytes(),
		Total:    in.TotalBytes,
		State:    in.State,
	}
}

func (s *Service) notify(p Progress) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnTransferProgress(p)
	}
}

func (s *Service) record(p Progress, outcome history.Outcome) {
	if s.history == nil {
		return
	}
	rec := history.Record{
		ID:         p.ID.String(),
		Peer:       uint64(p.Peer),
		FileName:   p.FileName,
		TotalBytes: p.Total,
		Incoming:   p.Incoming,
		Outcome:    outcome,
		FinishedAt: s.clock.Now(),
	}
	if p.Err != nil {
		rec.Reason = p.Err.Error()
	}
	if err := s.history.Add(context.Background(), rec); err != nil {
		s.log.Error("Failed to record transfer history", "transferId", p.ID, "error", err)
	}
}
