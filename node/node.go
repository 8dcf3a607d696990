// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package node implements a relay node: the per-envelope state machine
// that answers pings, absorbs announces, delivers messages addressed to
// it and forwards the rest, charging a fee for the service.
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/sign"

	"github.com/DaviRain-Su/shadow-protocol/core/envelope"
	"github.com/DaviRain-Su/shadow-protocol/core/log"
	"github.com/DaviRain-Su/shadow-protocol/core/peer"
	"github.com/DaviRain-Su/shadow-protocol/directory"
	"github.com/DaviRain-Su/shadow-protocol/incentive"
	"github.com/DaviRain-Su/shadow-protocol/router"
)

const defaultMaxMessageSize = 1 << 20

var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("node: already running")

	// ErrCannotForward is the drop reason for an intermediate hop
	// envelope with no next hop.
	ErrCannotForward = errors.New("node: cannot forward, no next hop")
)

// EventType names an observable node event.
type EventType string

const (
	EventStart          EventType = "start"
	EventStop           EventType = "stop"
	EventRelay          EventType = "relay"
	EventPayment        EventType = "payment"
	EventPeerConnect    EventType = "peer:connect"
	EventPeerDisconnect EventType = "peer:disconnect"
	EventError          EventType = "error"
)

// Event is delivered to registered observers.
type Event struct {
	// Type is the event name.
	Type EventType

	// Detail is a human readable description.
	Detail string

	// EnvelopeID is the related envelope id, when one exists.
	EnvelopeID string

	// PeerID is the related peer id, when one exists.
	PeerID string

	// Amount and Token describe the payment for payment events.
	Amount string
	Token  string
}

// Observer receives node events.  A panicking observer does not prevent
// delivery to the others.
type Observer func(Event)

// Handler is invoked with the decrypted payload when this node is the
// cryptographic destination of a request or response.  The returned
// payload, if any, is handed back to the transport boundary by the
// caller; the node itself does not dispatch replies.
type Handler func(*envelope.Envelope, *envelope.Payload) *envelope.Payload

// Config is the relay node configuration.
type Config struct {
	// Address is this node's reachable host:port.
	Address string

	// PrivateKey is the long-term decryption key.  The node id is the
	// derived public key.
	PrivateKey nike.PrivateKey

	// SigningKey optionally signs this node's own envelopes.
	SigningKey sign.PrivateKey

	// Fees is the incentive ledger configuration.
	Fees *incentive.Config

	// Directory is the peer directory configuration.
	Directory *directory.Config

	// Router is the router configuration.
	Router *router.Config

	// MaxMessageSize caps accepted raw envelope sizes.
	MaxMessageSize int

	// MaxAge is the envelope replay window.
	MaxAge time.Duration

	// Store optionally persists earnings records.
	Store *incentive.Store

	// Registry receives this node's prometheus collectors.  A private
	// registry is created when nil.
	Registry *prometheus.Registry

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

func (c *Config) fixup() error {
	if c.PrivateKey == nil {
		return errors.New("node: PrivateKey is required")
	}
	if c.LogBackend == nil {
		return errors.New("node: LogBackend is required")
	}
	if c.Fees == nil {
		c.Fees = &incentive.Config{}
	}
	if c.Directory == nil {
		c.Directory = &directory.Config{}
	}
	if c.Router == nil {
		c.Router = &router.Config{}
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxAge == 0 {
		c.MaxAge = envelope.DefaultMaxAge
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	return nil
}

// Stats is a point in time view of a node's relay activity.
type Stats struct {
	NodeID         string
	RelayedCount   uint64
	RelayedBytes   uint64
	FeesEarned     string
	FeeToken       string
	ConnectedPeers int
	Uptime         time.Duration

	// AverageLatency is reserved for RTT aggregation.
	AverageLatency time.Duration
}

// Node is one relay.
type Node struct {
	sync.Mutex

	cfg    Config
	log    *logging.Logger
	scheme *envelope.Scheme

	id     string
	pubKey nike.PublicKey

	dir     *directory.Directory
	router  *router.Router
	ledger  *incentive.Ledger
	metrics *metrics

	observers map[EventType][]Observer
	handler   Handler

	running      bool
	startedAt    time.Time
	relayedCount uint64
	relayedBytes uint64
}

// New constructs a Node from the configuration.
func New(cfg *Config) (*Node, error) {
	if err := cfg.fixup(); err != nil {
		return nil, err
	}
	scheme := envelope.NewScheme()
	pub := scheme.DerivePublicKey(cfg.PrivateKey)

	dir, err := directory.New(cfg.Directory, cfg.LogBackend)
	if err != nil {
		return nil, err
	}
	rtr, err := router.New(cfg.Router, cfg.LogBackend)
	if err != nil {
		return nil, err
	}
	ledger, err := incentive.NewLedger(cfg.Fees, cfg.Store)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       *cfg,
		log:       cfg.LogBackend.GetLogger("node"),
		scheme:    scheme,
		id:        envelope.KeyID(pub),
		pubKey:    pub,
		dir:       dir,
		router:    rtr,
		ledger:    ledger,
		metrics:   newMetrics(cfg.Registry),
		observers: make(map[EventType][]Observer),
	}
	dir.Observe(n.onDirectoryEvent)
	return n, nil
}

// ID returns the node id, the base64 encoded long-term public key.
func (n *Node) ID() string {
	return n.id
}

// PublicKey returns the long-term public key.
func (n *Node) PublicKey() nike.PublicKey {
	return n.pubKey
}

// Directory returns the node's peer directory.
func (n *Node) Directory() *directory.Directory {
	return n.dir
}

// Router returns the node's router.
func (n *Node) Router() *router.Router {
	return n.router
}

// Ledger returns the node's incentive ledger.
func (n *Node) Ledger() *incentive.Ledger {
	return n.ledger
}

// SetHandler registers the local message handler.
func (n *Node) SetHandler(h Handler) {
	n.Lock()
	defer n.Unlock()
	n.handler = h
}

// Observe registers an observer for one event type.
func (n *Node) Observe(t EventType, fn Observer) {
	n.Lock()
	defer n.Unlock()
	n.observers[t] = append(n.observers[t], fn)
}

func (n *Node) emit(ev Event) {
	n.Lock()
	observers := append([]Observer(nil), n.observers[ev.Type]...)
	n.Unlock()
	for _, fn := range observers {
		n.dispatch(fn, ev)
	}
}

func (n *Node) dispatch(fn Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Warningf("observer panic on %s: %v", ev.Type, r)
		}
	}()
	fn(ev)
}

func (n *Node) onDirectoryEvent(ev directory.Event, rec *peer.Record) {
	switch ev {
	case directory.EventConnect:
		n.emit(Event{Type: EventPeerConnect, PeerID: rec.ID})
	case directory.EventDisconnect:
		n.emit(Event{Type: EventPeerDisconnect, PeerID: rec.ID})
	}
}

// Start begins the peer directory heartbeat.  Starting a running node
// fails with ErrAlreadyRunning.
func (n *Node) Start() error {
	n.Lock()
	if n.running {
		n.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	n.startedAt = time.Now()
	n.Unlock()

	n.dir.Start()
	n.log.Noticef("node %s up on %s", n.id, n.cfg.Address)
	n.emit(Event{Type: EventStart, PeerID: n.id})
	return nil
}

// Shutdown halts the heartbeat and marks the node stopped.  Safe to call
// on a stopped node.
func (n *Node) Shutdown() {
	n.Lock()
	if !n.running {
		n.Unlock()
		return
	}
	n.running = false
	n.Unlock()

	n.dir.Halt()
	n.emit(Event{Type: EventStop, PeerID: n.id})
	n.log.Noticef("node %s down", n.id)
}

func (n *Node) drop(reason string, err error, envelopeID string) []byte {
	n.metrics.messagesDropped.WithLabelValues(reason).Inc()
	detail := reason
	if err != nil {
		detail = fmt.Sprintf("%s: %v", reason, err)
	}
	n.log.Debugf("drop %s: %s", envelopeID, detail)
	n.emit(Event{Type: EventError, Detail: detail, EnvelopeID: envelopeID})
	return nil
}

// Handle processes one raw envelope from the transport boundary and
// returns the bytes to transmit onward, or nil when there is nothing to
// send.  Adversarial input never makes Handle fail, only drop.
func (n *Node) Handle(raw []byte) []byte {
	if n.cfg.MaxMessageSize > 0 && len(raw) > n.cfg.MaxMessageSize {
		return n.drop("oversize", nil, "")
	}
	e, err := envelope.Decode(raw)
	if err != nil {
		return n.drop("malformed", err, "")
	}
	if e.IsExpired(n.cfg.MaxAge) {
		return n.drop("expired", nil, e.ID)
	}
	if !e.IsControl() && !n.ledger.ValidateFee(e.Fee, e.FeeToken, len(raw)) {
		return n.drop("fee", nil, e.ID)
	}

	switch e.Kind {
	case envelope.KindPing:
		n.metrics.pingsReceived.Inc()
		out, err := envelope.Pong(e.ID).Encode()
		if err != nil {
			return n.drop("encode", err, e.ID)
		}
		return out
	case envelope.KindPong:
		// Reserved for RTT tracking.
		return nil
	case envelope.KindAnnounce:
		rec, err := envelope.ParseAnnounce(e)
		if err != nil {
			return n.drop("announce", err, e.ID)
		}
		if n.dir.AddPeer(rec) {
			n.metrics.announcesAdded.Inc()
		}
		return nil
	case envelope.KindRequest, envelope.KindResponse:
		return n.handleRelay(e, raw)
	default:
		return n.drop("malformed", nil, e.ID)
	}
}

func (n *Node) handleRelay(e *envelope.Envelope, raw []byte) []byte {
	if e.TTL <= 0 {
		return n.drop("ttl", envelope.ErrTTLExpired, e.ID)
	}
	forwarded, err := e.DecrementTTL()
	if err != nil {
		return n.drop("ttl", err, e.ID)
	}

	peeled, err := n.scheme.PeelLayer(e.EncryptedPayload, e.EphemeralKey, n.cfg.PrivateKey)
	if err == nil && peeled.Innermost {
		n.deliver(e, peeled.Payload, len(raw))
		return nil
	}
	if err == nil {
		// Our layer, but not the destination: swap in the nested
		// layer and pass it to the peer it is encrypted to.
		forwarded.EncryptedPayload = peeled.Ciphertext
		forwarded.EphemeralKey = peeled.EphemeralKey
		forwarded.NextHop = peeled.NextHop
	}
	if err != nil && !errors.Is(err, envelope.ErrDecryptionFailed) {
		return n.drop("payload", err, e.ID)
	}

	// Decryption failure means another node holds the outer layer.
	if forwarded.NextHop == "" {
		return n.drop("forward", ErrCannotForward, e.ID)
	}
	if n.chargeFee(e, len(raw), "") {
		n.countRelay(len(raw))
	}
	n.emit(Event{Type: EventRelay, Detail: "forward", EnvelopeID: e.ID, PeerID: forwarded.NextHop})

	out, err := forwarded.Encode()
	if err != nil {
		return n.drop("encode", err, e.ID)
	}
	return out
}

// deliver handles an envelope this node is the destination of.
func (n *Node) deliver(e *envelope.Envelope, payload *envelope.Payload, size int) {
	if n.chargeFee(e, size, payload.Payment) {
		n.countRelay(size)
	}

	n.Lock()
	handler := n.handler
	n.Unlock()
	if handler != nil {
		// Replies, if any, are the transport boundary's to dispatch.
		handler(e, payload)
	}
	n.emit(Event{Type: EventRelay, Detail: "inbound", EnvelopeID: e.ID})
}

// chargeFee registers and immediately verifies the payment attached to an
// envelope.  Returns true only the first time an envelope id is seen, so
// callers count each message once.
func (n *Node) chargeFee(e *envelope.Envelope, size int, proof string) bool {
	payer := e.Signature
	if payer == "" {
		payer = "unknown"
	}
	_, statusErr := n.ledger.PaymentStatus(e.ID)
	firstSeen := errors.Is(statusErr, incentive.ErrUnknownPayment)
	fee := n.ledger.CalculateFee(size)
	if _, err := n.ledger.RegisterPayment(e.ID, payer, fee, n.ledger.FeeConfig().FeeToken, proof); err != nil {
		n.log.Warningf("payment %s not registered: %v", e.ID, err)
		return false
	}
	if n.ledger.VerifyPayment(e.ID) && firstSeen {
		n.metrics.paymentsVerified.Inc()
		n.emit(Event{Type: EventPayment, EnvelopeID: e.ID, Amount: fee, Token: n.ledger.FeeConfig().FeeToken})
	}
	return firstSeen
}

// countRelay raises the relay counters once per distinct envelope.
func (n *Node) countRelay(size int) {
	n.Lock()
	n.relayedCount++
	n.relayedBytes += uint64(size)
	n.Unlock()
	n.metrics.messagesRelayed.Inc()
	n.metrics.bytesRelayed.Add(float64(size))
}

// CreateAnnounce builds this node's own announce envelope from its
// current fee configuration, signed when a signing key is configured.
func (n *Node) CreateAnnounce() (*envelope.Envelope, error) {
	rec := peer.NewRecord(n.id, n.cfg.Address, envelope.KeyID(n.pubKey), n.ledger.FeeConfig(), false)
	e, err := envelope.Announce(rec)
	if err != nil {
		return nil, err
	}
	if n.cfg.SigningKey != nil {
		e.Sign(n.cfg.SigningKey)
	}
	return e, nil
}

// AddPeer admits a peer record into the directory.
func (n *Node) AddPeer(rec *peer.Record) bool {
	return n.dir.AddPeer(rec)
}

// Peer returns a known peer by id.
func (n *Node) Peer(id string) *peer.Record {
	return n.dir.Peer(id)
}

// Peers returns all known peers.
func (n *Node) Peers() []*peer.Record {
	return n.dir.Peers()
}

// ConnectedPeers returns the currently connected peers.
func (n *Node) ConnectedPeers() []*peer.Record {
	return n.dir.ConnectedPeers()
}

// Stats returns a snapshot of the node's relay activity.
func (n *Node) Stats() Stats {
	summary := n.ledger.Summarize()
	n.Lock()
	defer n.Unlock()
	var uptime time.Duration
	if n.running {
		uptime = time.Since(n.startedAt)
	}
	return Stats{
		NodeID:         n.id,
		RelayedCount:   n.relayedCount,
		RelayedBytes:   n.relayedBytes,
		FeesEarned:     n.ledger.TotalEarnings(summary.FeeToken),
		FeeToken:       summary.FeeToken,
		ConnectedPeers: n.dir.ConnectedCount(),
		Uptime:         uptime,
	}
}
