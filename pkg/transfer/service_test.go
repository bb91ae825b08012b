package transfer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/vnet/internal/metrics"
	"github.com/rescp17/vnet/internal/simnet"
	"github.com/rescp17/vnet/pkg/codec"
	"github.com/rescp17/vnet/pkg/compress"
	"github.com/rescp17/vnet/pkg/history"
	"github.com/rescp17/vnet/pkg/registry"
	"github.com/rescp17/vnet/pkg/relay"
	"github.com/rescp17/vnet/pkg/sched"
	"github.com/rescp17/vnet/pkg/share"
)

const clientID registry.PeerID = 7

type harness struct {
	clock   *clock.Mock
	loop    *sched.Loop
	hub     *simnet.Hub
	cache   *share.Cache
	sender  *Service
	recv    *Service
	sent    *history.MemoryStore
	got     *history.MemoryStore
	smet    *metrics.Metrics
	cmet    *metrics.Metrics
	plugins string
	archive string
	events  []Progress
	loaded  []string
}

func newHarness(tb testing.TB, algo compress.Algorithm) *harness {
	tb.Helper()
	h := &harness{
		clock:   clock.NewMock(),
		hub:     simnet.NewHub(),
		cache:   share.NewCache(""),
		sent:    history.NewMemoryStore(0),
		got:     history.NewMemoryStore(0),
		smet:    metrics.New(),
		cmet:    metrics.New(),
		plugins: filepath.Join(tb.TempDir(), "plugins"),
		archive: filepath.Join(tb.TempDir(), "archive"),
	}
	h.loop = sched.NewLoop(h.clock)
	logger := slog.New(slog.DiscardHandler)

	server, err := relay.New(relay.DefaultConfig(relay.RoleServer), h.hub.ServerTransport(),
		relay.WithClock(h.clock), relay.WithLogger(logger))
	require.NoError(tb, err)
	client, err := relay.New(relay.DefaultConfig(relay.RoleClient), h.hub.ClientTransport(clientID),
		relay.WithClock(h.clock), relay.WithLogger(logger))
	require.NoError(tb, err)
	h.hub.SetServer(server)
	h.hub.AddClient(clientID, client)

	cfg := DefaultConfig()
	cfg.Compression = algo
	cfg.PluginDir = h.plugins
	cfg.ArchiveDir = h.archive

	serverInst := NewInstaller(cfg, nil)
	h.sender, err = New(server, h.loop, h.cache, serverInst, cfg,
		WithClock(h.clock), WithLogger(logger), WithMetrics(h.smet), WithHistory(h.sent))
	require.NoError(tb, err)

	clientInst := NewInstaller(cfg, LoaderFunc(func(path string) error {
		h.loaded = append(h.loaded, path)
		return nil
	}))
	h.recv, err = New(client, h.loop, nil, clientInst, cfg,
		WithClock(h.clock), WithLogger(logger), WithMetrics(h.cmet), WithHistory(h.got),
		WithListener(ListenerFunc(func(p Progress) { h.events = append(h.events, p) })))
	require.NoError(tb, err)

	require.NoError(tb, server.OnPeerConnected(clientID))
	require.NoError(tb, client.OnPeerConnected(simnet.ServerPeer))
	return h
}

// drain runs the loop, jumping the clock to each next deadline, until no
// work is left.
func (h *harness) drain(tb testing.TB) {
	tb.Helper()
	for range 100000 {
		h.loop.RunPending()
		due, ok := h.loop.NextDue()
		if !ok {
			return
		}
		if d := due.Sub(h.clock.Now()); d > 0 {
			h.clock.Add(d)
		}
	}
	tb.Fatal("scheduler never went idle")
}

func (h *harness) last() Progress {
	if len(h.events) == 0 {
		return Progress{}
	}
	return h.events[len(h.events)-1]
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestTransferDeliversFile(t *testing.T) {
	tests := []struct {
		name string
		algo compress.Algorithm
		data []byte
	}{
		{"uncompressed", compress.None, patterned(1000)},
		{"brotli", compress.Brotli, bytes.Repeat([]byte("hello plugin "), 500)},
		{"zstd", compress.Zstd, bytes.Repeat([]byte("zstd payload "), 300)},
		{"empty", compress.None, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.algo)
			h.cache.Put("mod.dll", tt.data)

			id, err := h.sender.RequestTransfer(clientID, "mod.dll", registry.Clientbound, false)
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, id)
			assert.Len(t, h.sender.Outgoing(), 1)

			h.drain(t)

			installed, err := os.ReadFile(filepath.Join(h.plugins, "mod.dll"))
			require.NoError(t, err)
			assert.Equal(t, tt.data, installed)

			final := h.last()
			assert.Equal(t, StateCompleted, final.State)
			assert.Equal(t, id, final.ID)
			assert.True(t, final.Incoming)
			assert.Empty(t, h.sender.Outgoing())
			_, active := h.recv.Incoming()
			assert.False(t, active)

			assert.Equal(t, uint64(1), h.cmet.Snapshot().TransfersCompleted)
			assert.Equal(t, h.smet.Snapshot().ChunksSent, h.cmet.Snapshot().ChunksReceived)
			assert.Empty(t, h.loaded)

			sent, err := h.sent.List(context.Background(), 0)
			require.NoError(t, err)
			require.Len(t, sent, 1)
			assert.Equal(t, history.OutcomeSent, sent[0].Outcome)

			got, err := h.got.List(context.Background(), 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, history.OutcomeInstalled, got[0].Outcome)
			assert.Equal(t, id.String(), got[0].ID)
		})
	}
}

func TestTransferChunksUncompressedStream(t *testing.T) {
	h := newHarness(t, compress.None)
	h.cache.Put("mod.dll", patterned(1000))

	_, err := h.sender.RequestTransfer(clientID, "mod.dll", registry.Clientbound, false)
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, uint64(4), h.smet.Snapshot().ChunksSent)
	assert.Equal(t, uint64(4), h.cmet.Snapshot().ChunksReceived)
}

func TestTransferHotload(t *testing.T) {
	h := newHarness(t, compress.None)
	h.cache.Put("mod.dll", patterned(50))

	_, err := h.sender.RequestTransfer(clientID, "mod.dll", registry.Clientbound, true)
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, []string{filepath.Join(h.plugins, "mod.dll")}, h.loaded)
}

func TestTransferExtractsArchive(t *testing.T) {
	h := newHarness(t, compress.Brotli)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("docs/readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("archived"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	h.cache.Put("bundle.zip", buf.Bytes())

	_, err = h.sender.RequestTransfer(clientID, "bundle.zip", registry.Clientbound, false)
	require.NoError(t, err)
	h.drain(t)

	content, err := os.ReadFile(filepath.Join(h.archive, "docs", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "archived", string(content))
	assert.Equal(t, StateCompleted, h.last().State)
}

func TestRequestTransferErrors(t *testing.T) {
	h := newHarness(t, compress.None)
	h.cache.Put("averyveryverylongpluginname_v2.dll", []byte("x"))

	_, err := h.sender.RequestTransfer(clientID, "missing.dll", registry.Clientbound, false)
	assert.ErrorIs(t, err, share.ErrNotFound)

	_, err = h.sender.RequestTransfer(clientID, "averyveryverylongpluginname_v2.dll", registry.Clientbound, false)
	assert.ErrorIs(t, err, ErrFileNameTooLong)

	h.cache.Put("ok.dll", []byte("x"))
	_, err = h.sender.RequestTransfer(clientID, "ok.dll", registry.Bidirectional, false)
	assert.ErrorIs(t, err, ErrInvalidDirection)

	_, err = h.recv.RequestTransfer(simnet.ServerPeer, "ok.dll", registry.Clientbound, false)
	assert.ErrorIs(t, err, ErrNotServer)
}

func TestRequestTransferServerboundInstallsLocally(t *testing.T) {
	h := newHarness(t, compress.None)
	h.cache.Put("local.dll", []byte("server side"))

	_, err := h.sender.RequestTransfer(clientID, "local.dll", registry.Serverbound, false)
	require.NoError(t, err)

	installed, err := os.ReadFile(filepath.Join(h.plugins, "local.dll"))
	require.NoError(t, err)
	assert.Equal(t, "server side", string(installed))
	// Only the three handshake frames went over the wire.
	assert.Equal(t, 3, h.hub.Stats().Sent)

	recs, err := h.sent.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, history.OutcomeInstalled, recs[0].Outcome)
}

func TestHandleCommand(t *testing.T) {
	h := newHarness(t, compress.None)
	h.cache.Put("tool.dll", patterned(10))

	handled, err := h.sender.HandleCommand(clientID, "hello there")
	assert.False(t, handled)
	assert.NoError(t, err)

	handled, err = h.sender.HandleCommand(clientID, "!tool:client")
	assert.True(t, handled)
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, []string{filepath.Join(h.plugins, "tool.dll")}, h.loaded)

	handled, err = h.sender.HandleCommand(clientID, "!tool:moon")
	assert.True(t, handled)
	assert.ErrorIs(t, err, share.ErrInvalidDestination)
}

func session(id uuid.UUID, name string, stream []byte) TransferSession {
	s := TransferSession{ID: id, TotalBytes: int32(len(stream)), Sha256: sha256.Sum256(stream)}
	codec.PutString(s.FileName[:], name)
	return s
}

func chunk(id uuid.UUID, index int32, data []byte) TransferChunk {
	c := TransferChunk{ID: id, Index: index, Length: uint16(len(data))}
	copy(c.Packet[:], data)
	return c
}

func TestReceiverRejectsChecksumMismatch(t *testing.T) {
	h := newHarness(t, compress.None)
	id := uuid.New()

	s := session(id, "bad.dll", []byte("expected"))
	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, s))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, 0, []byte("tampered"))))
	require.NoError(t, h.recv.handleComplete(simnet.ServerPeer, TransferComplete{ID: id}))
	h.drain(t)

	final := h.last()
	assert.Equal(t, StateFailed, final.State)
	assert.ErrorIs(t, final.Err, ErrChecksumMismatch)
	assert.NoFileExists(t, filepath.Join(h.plugins, "bad.dll"))
	assert.Equal(t, uint64(1), h.cmet.Snapshot().TransfersFailed)

	recs, err := h.got.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, history.OutcomeFailed, recs[0].Outcome)
	assert.Contains(t, recs[0].Reason, "checksum")
}

func TestReceiverRejectsIncompleteTransfer(t *testing.T) {
	h := newHarness(t, compress.None)
	id := uuid.New()

	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, session(id, "half.dll", []byte("0123456789"))))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, 0, []byte("01234"))))

	p, ok := h.recv.Incoming()
	require.True(t, ok)
	assert.Equal(t, 5, p.Bytes)
	assert.Equal(t, 10, p.Total)
	assert.Equal(t, StateStreaming, p.State)

	require.NoError(t, h.recv.handleComplete(simnet.ServerPeer, TransferComplete{ID: id}))
	assert.ErrorIs(t, h.last().Err, ErrIncomplete)
	_, ok = h.recv.Incoming()
	assert.False(t, ok)
}

func TestReceiverReassemblesOutOfOrderChunks(t *testing.T) {
	h := newHarness(t, compress.None)
	id := uuid.New()
	data := patterned(1000)

	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, session(id, "shuffled.dll", data)))

	// Given: four chunks of 320, 320, 320 and 40 bytes arriving as 3, 1, 4, 2
	order := []int32{2, 0, 3, 1}
	for i, idx := range order {
		start := int(idx) * PacketBytes
		end := min(start+PacketBytes, len(data))
		require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, idx, data[start:end])))

		p, ok := h.recv.Incoming()
		require.True(t, ok)
		if i < len(order)-1 {
			assert.Less(t, p.Bytes, p.Total)
		}
	}

	p, ok := h.recv.Incoming()
	require.True(t, ok)
	assert.Equal(t, 1000, p.Bytes)

	// When: the sender closes the transfer
	require.NoError(t, h.recv.handleComplete(simnet.ServerPeer, TransferComplete{ID: id}))

	// Then: the digest matches and the bytes land in index order
	assert.Equal(t, StateCompleted, h.last().State)
	installed, err := os.ReadFile(filepath.Join(h.plugins, "shuffled.dll"))
	require.NoError(t, err)
	assert.Equal(t, data, installed)
	assert.Equal(t, uint64(4), h.cmet.Snapshot().ChunksReceived)
}

func TestReceiverDiscardsPartialHotloadTransfer(t *testing.T) {
	h := newHarness(t, compress.None)
	id := uuid.New()
	data := patterned(1000)

	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, session(id, "partial.dll", data)))
	for _, idx := range []int32{0, 1, 3} {
		start := int(idx) * PacketBytes
		end := min(start+PacketBytes, len(data))
		require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, idx, data[start:end])))
	}

	require.NoError(t, h.recv.handleComplete(simnet.ServerPeer, TransferComplete{ID: id, Hotload: true}))
	h.drain(t)

	final := h.last()
	assert.Equal(t, StateFailed, final.State)
	assert.ErrorIs(t, final.Err, ErrIncomplete)
	assert.NoFileExists(t, filepath.Join(h.plugins, "partial.dll"))
	assert.Empty(t, h.loaded)

	recs, err := h.got.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, history.OutcomeFailed, recs[0].Outcome)
}

func TestReceiverCapsDecompressedSize(t *testing.T) {
	h := newHarness(t, compress.Brotli)
	h.recv.cfg.MaxPayloadBytes = 1000
	h.cache.Put("big.dll", bytes.Repeat([]byte("expand "), 1000))

	_, err := h.sender.RequestTransfer(clientID, "big.dll", registry.Clientbound, true)
	require.NoError(t, err)
	h.drain(t)

	final := h.last()
	assert.Equal(t, StateFailed, final.State)
	assert.ErrorIs(t, final.Err, compress.ErrOutputTooLarge)
	assert.NoFileExists(t, filepath.Join(h.plugins, "big.dll"))
	assert.Empty(t, h.loaded)
}

func TestReceiverIgnoresStrayMessages(t *testing.T) {
	h := newHarness(t, compress.None)
	id := uuid.New()

	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, 0, []byte("x"))))
	require.NoError(t, h.recv.handleComplete(simnet.ServerPeer, TransferComplete{ID: id}))
	assert.Empty(t, h.events)

	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, session(id, "a.dll", []byte("abc"))))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(uuid.New(), 0, []byte("abc"))))
	require.NoError(t, h.recv.handleChunk(42, chunk(id, 0, []byte("abc"))))

	p, ok := h.recv.Incoming()
	require.True(t, ok)
	assert.Zero(t, p.Bytes)

	oversize := chunk(id, 1, nil)
	oversize.Length = PacketBytes + 1
	assert.Error(t, h.recv.handleChunk(simnet.ServerPeer, oversize))
}

func TestReceiverIgnoresDuplicateChunks(t *testing.T) {
	h := newHarness(t, compress.None)
	id := uuid.New()

	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, session(id, "dup.dll", []byte("abcdef"))))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, 1, []byte("def"))))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, 1, []byte("zzz"))))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(id, 0, []byte("abc"))))
	require.NoError(t, h.recv.handleComplete(simnet.ServerPeer, TransferComplete{ID: id}))

	installed, err := os.ReadFile(filepath.Join(h.plugins, "dup.dll"))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(installed))
	assert.Equal(t, uint64(2), h.cmet.Snapshot().ChunksReceived)
}

func TestNewSessionSupersedesUnfinished(t *testing.T) {
	h := newHarness(t, compress.None)
	first, second := uuid.New(), uuid.New()

	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, session(first, "one.dll", []byte("1111"))))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(first, 0, []byte("11"))))
	require.NoError(t, h.recv.handleSession(simnet.ServerPeer, session(second, "two.dll", []byte("22"))))

	var superseded *Progress
	for i := range h.events {
		if h.events[i].ID == first && h.events[i].State == StateSuperseded {
			superseded = &h.events[i]
		}
	}
	require.NotNil(t, superseded)
	assert.ErrorIs(t, superseded.Err, ErrSuperseded)

	p, ok := h.recv.Incoming()
	require.True(t, ok)
	assert.Equal(t, second, p.ID)

	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(first, 1, []byte("11"))))
	require.NoError(t, h.recv.handleChunk(simnet.ServerPeer, chunk(second, 0, []byte("22"))))
	require.NoError(t, h.recv.handleComplete(simnet.ServerPeer, TransferComplete{ID: second}))

	assert.FileExists(t, filepath.Join(h.plugins, "two.dll"))
	assert.NoFileExists(t, filepath.Join(h.plugins, "one.dll"))

	recs, err := h.got.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, history.OutcomeInstalled, recs[0].Outcome)
	assert.Equal(t, history.OutcomeSuperseded, recs[1].Outcome)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	r, err := relay.New(relay.DefaultConfig(relay.RoleClient), relay.TransportFunc(func(registry.PeerID, string) error { return nil }))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ChunkSize = PacketBytes + 1
	_, err = New(r, sched.NewLoop(clock.NewMock()), nil, nil, cfg)
	assert.Error(t, err)
}
