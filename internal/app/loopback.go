// Package app wires a server and a client endpoint together over an
// in-memory channel for the command line tools.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rescp17/vnet/internal/config"
	"github.com/rescp17/vnet/internal/metrics"
	"github.com/rescp17/vnet/internal/simnet"
	"github.com/rescp17/vnet/pkg/history"
	"github.com/rescp17/vnet/pkg/pingpong"
	"github.com/rescp17/vnet/pkg/registry"
	"github.com/rescp17/vnet/pkg/relay"
	"github.com/rescp17/vnet/pkg/sched"
	"github.com/rescp17/vnet/pkg/share"
	"github.com/rescp17/vnet/pkg/transfer"
)

// ClientPeer is the id the server uses for the loopback client.
const ClientPeer registry.PeerID = 1

const keyPollInterval = 10 * time.Millisecond

var ErrKeyTimeout = errors.New("app: key exchange did not finish")

// Options configures a Loopback.
type Options struct {
	Config   *config.File
	Clock    clock.Clock
	Logger   *slog.Logger
	LossRate float64
	Seed     uint64
	// History receives transfer outcomes from both ends. Nil keeps them
	// in memory.
	History history.Store
	// Loader runs hotloaded files on the client side.
	Loader transfer.Loader
	// OnPong is called with every ping round trip.
	OnPong func(pingpong.Result)
}

// Loopback is a server and one client joined by a simulated channel and
// driven by a single scheduler loop.
type Loopback struct {
	Loop     *sched.Loop
	Hub      *simnet.Hub
	Metrics  *metrics.Metrics
	Server   *relay.Relay
	Client   *relay.Relay
	Sender   *transfer.Service
	Receiver *transfer.Service
	Cache    *share.Cache
	History  history.Store

	clock  clock.Clock
	pinger *pingpong.Client
}

// NewLoopback builds both endpoints. Nothing is sent until Connect.
// Metrics are shared, so counters cover both ends.
func NewLoopback(opts Options) (*Loopback, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hist := opts.History
	if hist == nil {
		hist = history.NewMemoryStore(cfg.Transfer.MaxHistoryRecords)
	}

	l := &Loopback{
		Loop:    sched.NewLoop(clk),
		Metrics: metrics.New(),
		Cache:   share.NewCache(cfg.CacheDir),
		History: hist,
		clock:   clk,
	}
	hubOpts := []simnet.Option{
		simnet.WithScheduler(l.Loop),
		simnet.WithFrameBudget(cfg.Relay.MaxFrameBytes),
	}
	if opts.LossRate > 0 {
		hubOpts = append(hubOpts, simnet.WithLoss(opts.LossRate, opts.Seed))
	}
	l.Hub = simnet.NewHub(hubOpts...)

	var err error
	relayOpts := []relay.Option{relay.WithClock(clk), relay.WithLogger(logger), relay.WithMetrics(l.Metrics)}
	if l.Server, err = relay.New(cfg.RelayFor(relay.RoleServer), l.Hub.ServerTransport(), relayOpts...); err != nil {
		return nil, err
	}
	if l.Client, err = relay.New(cfg.RelayFor(relay.RoleClient), l.Hub.ClientTransport(ClientPeer), relayOpts...); err != nil {
		return nil, err
	}
	l.Hub.SetServer(l.Server)
	l.Hub.AddClient(ClientPeer, l.Client)

	tcfg := cfg.TransferConfig()
	svcOpts := []transfer.Option{
		transfer.WithClock(clk),
		transfer.WithLogger(logger),
		transfer.WithMetrics(l.Metrics),
		transfer.WithHistory(hist),
	}
	if l.Sender, err = transfer.New(l.Server, l.Loop, l.Cache, transfer.NewInstaller(tcfg, nil), tcfg, svcOpts...); err != nil {
		return nil, err
	}
	if l.Receiver, err = transfer.New(l.Client, l.Loop, nil, transfer.NewInstaller(tcfg, opts.Loader), tcfg, svcOpts...); err != nil {
		return nil, err
	}

	pingpong.Serve(l.Server, clk)
	l.pinger = pingpong.NewClient(l.Client, clk, opts.OnPong)
	return l, nil
}

// Connect announces each end to the other, which starts the key exchange.
func (l *Loopback) Connect() error {
	if err := l.Server.OnPeerConnected(ClientPeer); err != nil {
		return fmt.Errorf("server connect: %w", err)
	}
	if err := l.Client.OnPeerConnected(simnet.ServerPeer); err != nil {
		return fmt.Errorf("client connect: %w", err)
	}
	return nil
}

// Keyed reports whether both ends sign with the derived key.
func (l *Loopback) Keyed() bool {
	return l.Server.PeerState(ClientPeer) == relay.PeerKeyed &&
		l.Client.PeerState(simnet.ServerPeer) == relay.PeerKeyed
}

// WhenKeyed runs fn on the loop once both ends are keyed, or with
// ErrKeyTimeout after timeout.
func (l *Loopback) WhenKeyed(timeout time.Duration, fn func(error)) {
	deadline := l.clock.Now().Add(timeout)
	sched.Go(l.Loop, func() (time.Duration, bool, error) {
		if l.Keyed() {
			return 0, true, nil
		}
		if !l.clock.Now().Before(deadline) {
			return 0, false, ErrKeyTimeout
		}
		return keyPollInterval, false, nil
	}, fn)
}

// Ping sends one ping from the client to the server.
func (l *Loopback) Ping() error {
	return l.pinger.Ping(simnet.ServerPeer)
}

// Incoming reports the transfer the client is receiving.
func (l *Loopback) Incoming() (transfer.Progress, bool) { return l.Receiver.Incoming() }

// Outgoing lists transfers the server is sending.
func (l *Loopback) Outgoing() []transfer.Progress { return l.Sender.Outgoing() }

// AddListener subscribes to progress from both ends.
func (l *Loopback) AddListener(lst transfer.Listener) {
	l.Sender.AddListener(lst)
	l.Receiver.AddListener(lst)
}

// Close releases the history store.
func (l *Loopback) Close() error {
	return l.History.Close()
}
