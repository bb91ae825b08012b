// Package pingpong measures round-trip time over a relay link.
package pingpong

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rescp17/vnet/pkg/registry"
	"github.com/rescp17/vnet/pkg/relay"
)

// Ping is sent by a client with its own timestamp.
type Ping struct {
	ClientTicks int64
}

func (Ping) MessageName() string { return "vnet.pingpong.Ping/1" }

// Pong echoes the client timestamp and adds the server's.
type Pong struct {
	ClientTicks int64
	ServerTicks int64
}

func (Pong) MessageName() string { return "vnet.pingpong.Pong/1" }

// Result is one completed round trip.
type Result struct {
	Peer registry.PeerID
	RTT  time.Duration
	// Offset is the server clock minus the midpoint of the round trip.
	Offset time.Duration
}

// Serve answers every Ping that reaches r.
func Serve(r *relay.Relay, clk clock.Clock) {
	if clk == nil {
		clk = clock.New()
	}
	relay.Handle(r, registry.Serverbound, func(peer registry.PeerID, p Ping) error {
		return r.Send(peer, Pong{ClientTicks: p.ClientTicks, ServerTicks: clk.Now().UnixNano()})
	})
}

// Client sends pings and reports round trips.
type Client struct {
	relay  *relay.Relay
	clock  clock.Clock
	onPong func(Result)
}

// NewClient registers the Pong handler on r. onPong is called for every answer.
func NewClient(r *relay.Relay, clk clock.Clock, onPong func(Result)) *Client {
	if clk == nil {
		clk = clock.New()
	}
	c := &Client{relay: r, clock: clk, onPong: onPong}
	relay.Handle(r, registry.Clientbound, c.handlePong)
	return c
}

// Ping sends one timestamped Ping to peer.
func (c *Client) Ping(peer registry.PeerID) error {
	return c.relay.Send(peer, Ping{ClientTicks: c.clock.Now().UnixNano()})
}

func (c *Client) handlePong(peer registry.PeerID, p Pong) error {
	now := c.clock.Now().UnixNano()
	rtt := time.Duration(now - p.ClientTicks)
	res := Result{
		Peer:   peer,
		RTT:    rtt,
		Offset: time.Duration(p.ServerTicks - (p.ClientTicks + int64(rtt)/2)),
	}
	slog.Debug("Pong received", "peer", peer, "rtt", rtt)
	if c.onPong != nil {
		c.onPong(res)
	}
	return nil
}
