// Package metrics keeps process-wide relay and transfer counters.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// DropReason classifies inbound frames that were discarded.
type DropReason int

const (
	DropMalformed DropReason = iota
	DropBadMAC
	DropUnknownType
	DropWrongDirection
	DropDecode
	dropReasonCount
)

func (r DropReason) String() string {
	switch r {
	case DropMalformed:
		return "malformed"
	case DropBadMAC:
		return "bad_mac"
	case DropUnknownType:
		return "unknown_type"
	case DropWrongDirection:
		return "wrong_direction"
	case DropDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Metrics is safe for concurrent use. A nil *Metrics ignores every call.
type Metrics struct {
	framesSent         atomic.Uint64
	framesReceived     atomic.Uint64
	messagesSent       atomic.Uint64
	messagesDispatched atomic.Uint64
	handlerFailures    atomic.Uint64
	buffersExpired     atomic.Uint64
	peersKeyed         atomic.Uint64
	chunksSent         atomic.Uint64
	chunksReceived     atomic.Uint64
	transfersCompleted atomic.Uint64
	transfersFailed    atomic.Uint64
	drops              [dropReasonCount]atomic.Uint64
}

// New returns zeroed counters.
func New() *Metrics { return &Metrics{} }

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesSent.Add(1)
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesReceived.Add(1)
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Add(1)
	}
}

func (m *Metrics) MessageDispatched() {
	if m != nil {
		m.messagesDispatched.Add(1)
	}
}

func (m *Metrics) HandlerFailed() {
	if m != nil {
		m.handlerFailures.Add(1)
	}
}

func (m *Metrics) BuffersExpired(n int) {
	if m != nil && n > 0 {
		m.buffersExpired.Add(uint64(n))
	}
}

func (m *Metrics) PeerKeyed() {
	if m != nil {
		m.peersKeyed.Add(1)
	}
}

func (m *Metrics) ChunkSent() {
	if m != nil {
		m.chunksSent.Add(1)
	}
}

func (m *Metrics) ChunkReceived() {
	if m != nil {
		m.chunksReceived.Add(1)
	}
}

func (m *Metrics) TransferCompleted() {
	if m != nil {
		m.transfersCompleted.Add(1)
	}
}

func (m *Metrics) TransferFailed() {
	if m != nil {
		m.transfersFailed.Add(1)
	}
}

// Drop counts a discarded inbound frame.
func (m *Metrics) Drop(reason DropReason) {
	if m == nil || reason < 0 || reason >= dropReasonCount {
		return
	}
	m.drops[reason].Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesSent         uint64            `json:"frames_sent"`
	FramesReceived     uint64            `json:"frames_received"`
	MessagesSent       uint64            `json:"messages_sent"`
	MessagesDispatched uint64            `json:"messages_dispatched"`
	HandlerFailures    uint64            `json:"handler_failures"`
	BuffersExpired     uint64            `json:"buffers_expired"`
	PeersKeyed         uint64            `json:"peers_keyed"`
	ChunksSent         uint64            `json:"chunks_sent"`
	ChunksReceived     uint64            `json:"chunks_received"`
	TransfersCompleted uint64            `json:"transfers_completed"`
	TransfersFailed    uint64            `json:"transfers_failed"`
	Drops              map[string]uint64 `json:"drops"`
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Drops: map[string]uint64{}}
	}
	s := Snapshot{
		FramesSent:         m.framesSent.Load(),
		FramesReceived:     m.framesReceived.Load(),
		MessagesSent:       m.messagesSent.Load(),
		MessagesDispatched: m.messagesDispatched.Load(),
		HandlerFailures:    m.handlerFailures.Load(),
		BuffersExpired:     m.buffersExpired.Load(),
		PeersKeyed:         m.peersKeyed.Load(),
		ChunksSent:         m.chunksSent.Load(),
		ChunksReceived:     m.chunksReceived.Load(),
		TransfersCompleted: m.transfersCompleted.Load(),
		TransfersFailed:    m.transfersFailed.Load(),
		Drops:              make(map[string]uint64, dropReasonCount),
	}
	for r := DropReason(0); r < dropReasonCount; r++ {
		s.Drops[r.String()] = m.drops[r].Load()
	}
	return s
}

// Collector exports Metrics to Prometheus.
type Collector struct {
	m *Metrics

	framesSent         *prometheus.Desc
	framesReceived     *prometheus.Desc
	messagesSent       *prometheus.Desc
	messagesDispatched *prometheus.Desc
	handlerFailures    *prometheus.Desc
	buffersExpired     *prometheus.Desc
	peersKeyed         *prometheus.Desc
	chunks             *prometheus.Desc
	transfers          *prometheus.Desc
	drops              *prometheus.Desc
}

// NewCollector wraps m for registration with a prometheus.Registerer.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m:                  m,
		framesSent:         prometheus.NewDesc("vnet_frames_sent_total", "Frames written to the host channel.", nil, nil),
		framesReceived:     prometheus.NewDesc("vnet_frames_received_total", "Frames read from the host channel.", nil, nil),
		messagesSent:       prometheus.NewDesc("vnet_messages_sent_total", "Typed messages sent.", nil, nil),
		messagesDispatched: prometheus.NewDesc("vnet_messages_dispatched_total", "Typed messages handed to handlers.", nil, nil),
		handlerFailures:    prometheus.NewDesc("vnet_handler_failures_total", "Handlers that returned an error or panicked.", nil, nil),
		buffersExpired:     prometheus.NewDesc("vnet_reassembly_expired_total", "Reassembly buffers discarded after their TTL.", nil, nil),
		peersKeyed:         prometheus.NewDesc("vnet_peers_keyed_total", "Completed key exchanges.", nil, nil),
		chunks:             prometheus.NewDesc("vnet_transfer_chunks_total", "Transfer chunks by direction.", []string{"direction"}, nil),
		transfers:          prometheus.NewDesc("vnet_transfers_total", "Finished incoming transfers by outcome.", []string{"outcome"}, nil),
		drops:              prometheus.NewDesc("vnet_frames_dropped_total", "Inbound frames dropped by reason.", []string{"reason"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesSent
	ch <- c.framesReceived
	ch <- c.messagesSent
	ch <- c.messagesDispatched
	ch <- c.handlerFailures
	ch <- c.buffersExpired
	ch <- c.peersKeyed
	ch <- c.chunks
	ch <- c.transfers
	ch <- c.drops
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.framesSent, s.FramesSent)
	counter(c.framesReceived, s.FramesReceived)
	counter(c.messagesSent, s.MessagesSent)
	counter(c.messagesDispatched, s.MessagesDispatched)
	counter(c.handlerFailures, s.HandlerFailures)
	counter(c.buffersExpired, s.BuffersExpired)
	counter(c.peersKeyed, s.PeersKeyed)
	counter(c.chunks, s.ChunksSent, "sent")
	counter(c.chunks, s.ChunksReceived, "received")
	counter(c.transfers, s.TransfersCompleted, "completed")
	counter(c.transfers, s.TransfersFailed, "failed")
	for reason, v := range s.Drops {
		counter(c.drops, v, reason)
	}
}
