// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the requester side of the relay overlay: it
// builds onion wrapped requests, dispatches them over a caller supplied
// byte transport and correlates the responses.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/nike"

	"github.com/DaviRain-Su/shadow-protocol/core/envelope"
	"github.com/DaviRain-Su/shadow-protocol/core/log"
	"github.com/DaviRain-Su/shadow-protocol/core/peer"
	"github.com/DaviRain-Su/shadow-protocol/directory"
	"github.com/DaviRain-Su/shadow-protocol/router"
)

const (
	defaultHops     = 3
	defaultTimeout  = 30 * time.Second
	defaultMaxFee   = "10000000"
	defaultFeeToken = "SOL"

	// bootstrapMinFee is assumed for address-only bootstrap relays
	// until an announce replaces it.
	bootstrapMinFee = "1000"
)

var (
	// ErrNotEnoughRelays is returned when fewer relays are known than
	// the requested hop count.
	ErrNotEnoughRelays = errors.New("client: not enough relays")

	// ErrRequestTimeout is returned when no response arrives in time.
	ErrRequestTimeout = errors.New("client: request timeout")

	// ErrDisconnected rejects requests outstanding at disconnect.
	ErrDisconnected = errors.New("client: disconnected")
)

// Sender is the external byte transport boundary.
type Sender interface {
	// Send transmits one encoded envelope to a peer address.
	Send(address string, b []byte) error
}

// Config is the client transport configuration.
type Config struct {
	// BootstrapRelays are the relay addresses seeded at connect.
	BootstrapRelays []string

	// Hops is the route length used when a request does not specify
	// one.
	Hops int

	// Timeout bounds how long a request waits for its response.
	Timeout time.Duration

	// MaxFee is the route fee ceiling in the token's smallest unit.
	MaxFee string

	// FeeToken is the payment token attached to requests.
	FeeToken string

	// Sender is the external byte transport.
	Sender Sender

	// Directory optionally tunes the peer directory.
	Directory *directory.Config

	// Router optionally tunes the router.
	Router *router.Config

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

func (c *Config) fixup() error {
	if c.Sender == nil {
		return errors.New("client: Sender is required")
	}
	if c.LogBackend == nil {
		return errors.New("client: LogBackend is required")
	}
	if c.Hops == 0 {
		c.Hops = defaultHops
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxFee == "" {
		c.MaxFee = defaultMaxFee
	}
	if c.FeeToken == "" {
		c.FeeToken = defaultFeeToken
	}
	if c.Directory == nil {
		c.Directory = &directory.Config{}
	}
	if c.Router == nil {
		c.Router = &router.Config{}
	}
	return nil
}

// RequestOpts parameterize one request.
type RequestOpts struct {
	Method  string
	Headers map[string]string
	Body    string
	Payment string

	// Hops overrides the configured route length.
	Hops int

	// Timeout overrides the configured response deadline.
	Timeout time.Duration
}

type result struct {
	payload *envelope.Payload
	err     error
}

type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

// Transport is one client session over the relay overlay.
type Transport struct {
	sync.Mutex

	cfg    Config
	log    *logging.Logger
	scheme *envelope.Scheme

	dir    *directory.Directory
	router *router.Router

	priv nike.PrivateKey
	pub  nike.PublicKey

	connected bool
	pending   map[string]*pendingRequest
}

// New constructs a Transport.
func New(cfg *Config) (*Transport, error) {
	if err := cfg.fixup(); err != nil {
		return nil, err
	}
	dir, err := directory.New(cfg.Directory, cfg.LogBackend)
	if err != nil {
		return nil, err
	}
	rtr, err := router.New(cfg.Router, cfg.LogBackend)
	if err != nil {
		return nil, err
	}
	return &Transport{
		cfg:     *cfg,
		log:     cfg.LogBackend.GetLogger("client"),
		scheme:  envelope.NewScheme(),
		dir:     dir,
		router:  rtr,
		pending: make(map[string]*pendingRequest),
	}, nil
}

// Connect generates this session's ephemeral keypair and seeds the peer
// directory with the bootstrap relays.  Connecting twice is a no-op.
func (t *Transport) Connect() error {
	t.Lock()
	defer t.Unlock()
	if t.connected {
		return nil
	}
	pub, priv, err := t.scheme.GenerateKeypair()
	if err != nil {
		return err
	}
	t.pub, t.priv = pub, priv

	for _, address := range t.cfg.BootstrapRelays {
		host, port, err := peer.ParseAddress(address)
		if err != nil {
			t.log.Warningf("skipping bootstrap relay %q: %v", address, err)
			continue
		}
		// Address-only record; the public key arrives via announce.
		rec := peer.NewRecord(
			fmt.Sprintf("relay-%s-%d", host, port),
			address,
			"",
			peer.FeeConfig{MinFee: bootstrapMinFee, FeeToken: t.cfg.FeeToken},
			true,
		)
		t.dir.AddPeer(rec)
	}
	t.dir.Start()
	t.connected = true
	t.log.Debugf("connected, %d bootstrap relays", t.dir.PeerCount())
	return nil
}

// Disconnect rejects every outstanding request, stops the peer directory
// and clears the session keys.
func (t *Transport) Disconnect() {
	t.Lock()
	if !t.connected {
		t.Unlock()
		return
	}
	t.connected = false
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.priv, t.pub = nil, nil
	t.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.ch <- result{err: ErrDisconnected}
		t.log.Debugf("rejected pending request %s", id)
	}
	t.dir.Halt()
}

// Request sends an onion wrapped request for url through the overlay and
// blocks until the matching response arrives or the timeout fires.
func (t *Transport) Request(url string, opts *RequestOpts) (*envelope.Payload, error) {
	if opts == nil {
		opts = &RequestOpts{}
	}
	if err := t.Connect(); err != nil {
		return nil, err
	}

	hops := opts.Hops
	if hops == 0 {
		hops = t.cfg.Hops
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = t.cfg.Timeout
	}

	peers := t.dir.Peers()
	if len(peers) < hops {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughRelays, hops, len(peers))
	}
	res, err := t.router.FindRoute(peers, &router.FindOpts{
		Hops:   hops,
		MaxFee: t.cfg.MaxFee,
	})
	if err != nil {
		return nil, err
	}
	routePeers := t.router.RoutePeers(res.Route, peers)
	if len(routePeers) != len(res.Route.Nodes) {
		t.router.InvalidateRoute(res.Route.ID)
		return nil, fmt.Errorf("%w: route peer vanished", ErrNotEnoughRelays)
	}

	method := opts.Method
	if method == "" {
		method = "GET"
	}
	payload := &envelope.Payload{
		Method:  method,
		URL:     url,
		Headers: opts.Headers,
		Body:    opts.Body,
		Payment: opts.Payment,
	}
	layers, err := t.scheme.BuildOnionLayers(payload, routePeers)
	if err != nil {
		return nil, err
	}

	requestID := envelope.GenerateID()
	e := &envelope.Envelope{
		ID:               requestID,
		Kind:             envelope.KindRequest,
		Version:          envelope.Version,
		Timestamp:        time.Now().UnixMilli(),
		EncryptedPayload: layers[0].EncryptedPayload,
		EphemeralKey:     layers[0].EphemeralKey,
		TTL:              len(routePeers) + 1,
		Fee:              res.Route.TotalFee,
		FeeToken:         t.cfg.FeeToken,
	}
	if len(routePeers) > 1 {
		e.NextHop = routePeers[1].ID
	}
	raw, err := e.Encode()
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{ch: make(chan result, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		t.resolve(requestID, result{err: ErrRequestTimeout})
	})
	t.Lock()
	t.pending[requestID] = p
	t.Unlock()

	if err := t.cfg.Sender.Send(routePeers[0].Address, raw); err != nil {
		t.resolve(requestID, result{err: err})
	}

	r := <-p.ch
	return r.payload, r.err
}

// HandleResponse resolves the pending request matching messageID.  It
// returns false when no such request is outstanding, for example after
// its timeout already fired.
func (t *Transport) HandleResponse(messageID string, response *envelope.Payload) bool {
	return t.resolve(messageID, result{payload: response})
}

// resolve completes a pending request exactly once.
func (t *Transport) resolve(id string, r result) bool {
	t.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- r
	return true
}

// EstimateFee returns the expected total fee for a route of hops relays
// over the currently known peers.
func (t *Transport) EstimateFee(hops int) string {
	if hops == 0 {
		hops = t.cfg.Hops
	}
	return t.router.EstimateFee(t.dir.Peers(), hops)
}

// AddNode admits a relay record into the peer directory.
func (t *Transport) AddNode(rec *peer.Record) bool {
	return t.dir.AddPeer(rec)
}

// RemoveNode drops a relay from the peer directory.
func (t *Transport) RemoveNode(id string) bool {
	return t.dir.RemovePeer(id)
}

// AvailableNodes returns the currently known relays.
func (t *Transport) AvailableNodes() []*peer.Record {
	return t.dir.Peers()
}

// NodeCount returns the number of known relays.
func (t *Transport) NodeCount() int {
	return t.dir.PeerCount()
}

// PendingCount returns the number of requests awaiting responses.
func (t *Transport) PendingCount() int {
	t.Lock()
	defer t.Unlock()
	return len(t.pending)
}
