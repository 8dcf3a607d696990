// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory maintains the table of known relay peers, their
// reputation and connection state, and the staleness sweep that retires
// peers that stop announcing themselves.
package directory

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/DaviRain-Su/shadow-protocol/core/log"
	"github.com/DaviRain-Su/shadow-protocol/core/peer"
	"github.com/DaviRain-Su/shadow-protocol/core/worker"
)

const (
	defaultPeerTimeout       = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultMaxPeers          = 50
)

// Config is the directory configuration.
type Config struct {
	// PeerTimeout is the age of a peer's LastSeen beyond which the
	// heartbeat sweep treats it as stale.
	PeerTimeout time.Duration

	// HeartbeatInterval is the period of the staleness sweep.
	HeartbeatInterval time.Duration

	// MaxPeers caps the table size.
	MaxPeers int
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.PeerTimeout == 0 {
		c.PeerTimeout = defaultPeerTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.PeerTimeout < 0 || c.HeartbeatInterval < 0 {
		return errors.New("directory: timeouts must be positive")
	}
	if c.MaxPeers < 1 {
		return errors.New("directory: MaxPeers must be at least 1")
	}
	return nil
}

// Event identifies a peer table mutation delivered to observers.
type Event uint8

const (
	// EventAdd fires when a peer is newly admitted.
	EventAdd Event = iota

	// EventRemove fires when a peer is removed.
	EventRemove

	// EventUpdate fires when an existing peer is merge-updated.
	EventUpdate

	// EventConnect fires when a connection to a peer is established.
	EventConnect

	// EventDisconnect fires when a connection to a peer is torn down.
	EventDisconnect
)

// String returns the event as a human readable string.
func (e Event) String() string {
	switch e {
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventUpdate:
		return "update"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Observer receives peer events.  A panicking observer does not prevent
// delivery to the remaining observers.
type Observer func(Event, *peer.Record)

type pendingEvent struct {
	event Event
	rec   *peer.Record
}

// Directory is the in-memory table of known relay peers.
type Directory struct {
	worker.Worker
	sync.Mutex

	cfg Config
	log *logging.Logger

	peers     map[string]*peer.Record
	conns     map[string]*peer.Connection
	observers []Observer
}

// New constructs a Directory.
func New(cfg *Config, logBackend *log.Backend) (*Directory, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	d := &Directory{
		cfg:   *cfg,
		log:   logBackend.GetLogger("directory"),
		peers: make(map[string]*peer.Record),
		conns: make(map[string]*peer.Connection),
	}
	return d, nil
}

// Start launches the heartbeat sweep.  Use Halt to stop it.
func (d *Directory) Start() {
	d.Go(d.heartbeatWorker)
}

// Observe registers an observer for peer events.
func (d *Directory) Observe(fn Observer) {
	d.Lock()
	defer d.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *Directory) notify(events []pendingEvent) {
	d.Lock()
	observers := append([]Observer(nil), d.observers...)
	d.Unlock()
	for _, ev := range events {
		for _, fn := range observers {
			d.dispatch(fn, ev.event, ev.rec)
		}
	}
}

func (d *Directory) dispatch(fn Observer, ev Event, rec *peer.Record) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warningf("observer panic on %v event: %v", ev, r)
		}
	}()
	fn(ev, rec)
}

// AddPeer inserts or merge-updates a peer.  It returns true only when the
// peer was newly admitted.  When the table is full, the lowest reputation
// peer is evicted, but only in favour of a strictly higher reputation
// candidate.
func (d *Directory) AddPeer(rec *peer.Record) bool {
	d.Lock()
	var events []pendingEvent

	if existing, ok := d.peers[rec.ID]; ok {
		merged := rec.Copy()
		if existing.Reputation > merged.Reputation {
			merged.Reputation = existing.Reputation
		}
		merged.LastSeen = time.Now().UnixMilli()
		d.peers[rec.ID] = merged
		events = append(events, pendingEvent{EventUpdate, merged})
		d.Unlock()
		d.notify(events)
		return false
	}

	if len(d.peers) >= d.cfg.MaxPeers {
		lowest := d.lowestReputationPeer()
		if lowest == nil || rec.Reputation <= lowest.Reputation {
			d.Unlock()
			return false
		}
		events = append(events, d.removePeerLocked(lowest.ID)...)
	}

	admitted := rec.Copy()
	admitted.LastSeen = time.Now().UnixMilli()
	d.peers[admitted.ID] = admitted
	events = append(events, pendingEvent{EventAdd, admitted})
	d.Unlock()
	d.notify(events)
	return true
}

// RemovePeer removes a peer, disconnecting it first if connected.
func (d *Directory) RemovePeer(id string) bool {
	d.Lock()
	events := d.removePeerLocked(id)
	d.Unlock()
	d.notify(events)
	return len(events) > 0
}

func (d *Directory) removePeerLocked(id string) []pendingEvent {
	rec, ok := d.peers[id]
	if !ok {
		return nil
	}
	var events []pendingEvent
	events = append(events, d.disconnectLocked(id)...)
	delete(d.peers, id)
	events = append(events, pendingEvent{EventRemove, rec})
	return events
}

// Peer returns a copy of the record for id, or nil when unknown.
func (d *Directory) Peer(id string) *peer.Record {
	d.Lock()
	defer d.Unlock()
	if rec, ok := d.peers[id]; ok {
		return rec.Copy()
	}
	return nil
}

// Peers returns a copy of every known peer record.
func (d *Directory) Peers() []*peer.Record {
	d.Lock()
	defer d.Unlock()
	return d.peersLocked()
}

func (d *Directory) peersLocked() []*peer.Record {
	out := make([]*peer.Record, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, rec.Copy())
	}
	return out
}

// ConnectedPeers returns the records of every connected peer.
func (d *Directory) ConnectedPeers() []*peer.Record {
	d.Lock()
	defer d.Unlock()
	var out []*peer.Record
	for _, c := range d.conns {
		if c.State == peer.StateConnected {
			out = append(out, c.Record.Copy())
		}
	}
	return out
}

// PeerCount returns the number of known peers.
func (d *Directory) PeerCount() int {
	d.Lock()
	defer d.Unlock()
	return len(d.peers)
}

// ConnectedCount returns the number of connected peers.
func (d *Directory) ConnectedCount() int {
	d.Lock()
	defer d.Unlock()
	n := 0
	for _, c := range d.conns {
		if c.State == peer.StateConnected {
			n++
		}
	}
	return n
}

// Connect establishes a connection to a known peer.  Connecting an unknown
// id fails.
func (d *Directory) Connect(id string) bool {
	d.Lock()
	rec, ok := d.peers[id]
	if !ok {
		d.Unlock()
		return false
	}
	if c, ok := d.conns[id]; ok && c.State == peer.StateConnected {
		d.Unlock()
		return true
	}
	d.conns[id] = &peer.Connection{
		Record:   rec,
		State:    peer.StateConnected,
		LastPing: time.Now(),
	}
	d.Unlock()
	d.notify([]pendingEvent{{EventConnect, rec}})
	return true
}

// Disconnect tears down the connection to a peer.
func (d *Directory) Disconnect(id string) bool {
	d.Lock()
	events := d.disconnectLocked(id)
	d.Unlock()
	d.notify(events)
	return len(events) > 0
}

func (d *Directory) disconnectLocked(id string) []pendingEvent {
	c, ok := d.conns[id]
	if !ok {
		return nil
	}
	delete(d.conns, id)
	return []pendingEvent{{EventDisconnect, c.Record}}
}

// RecordPing updates a peer's connection bookkeeping after a ping exchange.
func (d *Directory) RecordPing(id string, rtt time.Duration) {
	d.Lock()
	defer d.Unlock()
	if c, ok := d.conns[id]; ok {
		c.LastPing = time.Now()
		c.RTT = rtt
	}
	if rec, ok := d.peers[id]; ok {
		rec.LastSeen = time.Now().UnixMilli()
	}
}

// BoostReputation raises a peer's reputation, clamped to the ceiling.
func (d *Directory) BoostReputation(id string, amount int) {
	d.Lock()
	defer d.Unlock()
	if rec, ok := d.peers[id]; ok {
		rec.Reputation += amount
		if rec.Reputation > peer.MaxReputation {
			rec.Reputation = peer.MaxReputation
		}
	}
}

// DecayReputation lowers a peer's reputation, clamped to the floor.
func (d *Directory) DecayReputation(id string, amount int) {
	d.Lock()
	defer d.Unlock()
	d.decayReputationLocked(id, amount)
}

func (d *Directory) decayReputationLocked(id string, amount int) {
	if rec, ok := d.peers[id]; ok {
		rec.Reputation -= amount
		if rec.Reputation < peer.MinReputation {
			rec.Reputation = peer.MinReputation
		}
	}
}

// ByReputation returns up to n peers sorted by descending reputation.
// A non-positive n returns all of them.
func (d *Directory) ByReputation(n int) []*peer.Record {
	d.Lock()
	out := d.peersLocked()
	d.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Reputation > out[j].Reputation
	})
	return truncate(out, n)
}

// ByFee returns up to n peers sorted by ascending minimum fee.  Fees are
// compared as unbounded integers, not lexically.
func (d *Directory) ByFee(n int) []*peer.Record {
	d.Lock()
	out := d.peersLocked()
	d.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return feeValue(out[i].FeeConfig.MinFee).Cmp(feeValue(out[j].FeeConfig.MinFee)) < 0
	})
	return truncate(out, n)
}

// Random returns up to n peers in uniformly random order.
func (d *Directory) Random(n int) []*peer.Record {
	d.Lock()
	out := d.peersLocked()
	d.Unlock()
	rng := rand.NewMath()
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return truncate(out, n)
}

func truncate(recs []*peer.Record, n int) []*peer.Record {
	if n > 0 && n < len(recs) {
		return recs[:n]
	}
	return recs
}

func (d *Directory) lowestReputationPeer() *peer.Record {
	var lowest *peer.Record
	for _, rec := range d.peers {
		if lowest == nil || rec.Reputation < lowest.Reputation {
			lowest = rec
		}
	}
	return lowest
}

func (d *Directory) heartbeatWorker() {
	t := time.NewTicker(d.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-d.HaltCh():
			return
		case <-t.C:
			d.sweep()
		}
	}
}

// sweep decays, disconnects and eventually removes stale peers.  Bootstrap
// peers decay but are never removed.
func (d *Directory) sweep() {
	now := time.Now()

	d.Lock()
	var events []pendingEvent
	for id, rec := range d.peers {
		if now.Sub(time.UnixMilli(rec.LastSeen)) <= d.cfg.PeerTimeout {
			continue
		}
		d.decayReputationLocked(id, peer.ReputationDecay)
		events = append(events, d.disconnectLocked(id)...)
		if rec.Reputation <= peer.MinReputation && !rec.IsBootstrap {
			d.log.Debugf("removing stale peer %s", id)
			events = append(events, d.removePeerLocked(id)...)
		}
	}
	d.Unlock()
	d.notify(events)
}

// feeValue parses a decimal fee string, treating garbage as zero so that a
// malformed advertisement sorts as cheap rather than panicking the sweep.
func feeValue(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
