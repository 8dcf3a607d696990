// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router selects ordered multi-hop relay routes from a candidate
// peer set under fee and reputation constraints.
package router

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/DaviRain-Su/shadow-protocol/core/envelope"
	"github.com/DaviRain-Su/shadow-protocol/core/log"
	"github.com/DaviRain-Su/shadow-protocol/core/peer"
)

const (
	defaultHops              = 3
	defaultMaxHops           = 10
	defaultRouteExpiry       = 5 * time.Minute
	defaultAlternativeRoutes = 2
	defaultReputationWeight  = 0.5
)

// ErrNotEnoughPeers is the error returned when fewer candidates than
// requested hops remain after exclusion and fee filtering.
var ErrNotEnoughPeers = errors.New("router: not enough peers")

// Strategy selects how candidate peers are ranked.
type Strategy uint8

const (
	// Balanced weighs normalized reputation against normalized fee.
	Balanced Strategy = iota

	// LowestFee picks the cheapest peers.
	LowestFee

	// HighestReputation picks the best behaved peers.
	HighestReputation

	// Random picks uniformly.
	Random
)

// String returns the strategy as a human readable string.
func (s Strategy) String() string {
	switch s {
	case Balanced:
		return "balanced"
	case LowestFee:
		return "lowest-fee"
	case HighestReputation:
		return "highest-reputation"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// Config is the router configuration.
type Config struct {
	// DefaultHops is the hop count used when a request does not specify
	// one.
	DefaultHops int

	// MaxHops caps the hop count of any route.
	MaxHops int

	// RouteExpiry is how long a computed route stays usable.
	RouteExpiry time.Duration

	// AlternativeRoutes is how many disjoint fallback routes to compute.
	AlternativeRoutes int

	// ReputationWeight is the reputation-vs-fee preference for the
	// balanced strategy, in [0, 1] where 1 is all reputation.
	ReputationWeight float64
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.DefaultHops == 0 {
		c.DefaultHops = defaultHops
	}
	if c.MaxHops == 0 {
		c.MaxHops = defaultMaxHops
	}
	if c.RouteExpiry == 0 {
		c.RouteExpiry = defaultRouteExpiry
	}
	if c.AlternativeRoutes == 0 {
		c.AlternativeRoutes = defaultAlternativeRoutes
	}
	if c.ReputationWeight == 0 {
		c.ReputationWeight = defaultReputationWeight
	}
	if c.DefaultHops < 1 || c.MaxHops < 1 {
		return errors.New("router: hop counts must be at least 1")
	}
	if c.ReputationWeight < 0 || c.ReputationWeight > 1 {
		return errors.New("router: ReputationWeight must be in [0, 1]")
	}
	return nil
}

// Route is an ordered sequence of peer ids chosen for one request.
type Route struct {
	// ID identifies the route in the cache.
	ID string

	// Nodes is the ordered list of peer ids.
	Nodes []string

	// TotalFee is the sum of the selected peers' minimum fees.
	TotalFee string

	// CreatedAt is the route creation time.
	CreatedAt time.Time

	// ExpiresAt is when the route stops being usable.
	ExpiresAt time.Time
}

// Result is a primary route plus its alternatives.
type Result struct {
	Route        *Route
	Alternatives []*Route
}

// FindOpts parameterize FindRoute.
type FindOpts struct {
	// Hops overrides the configured default hop count.
	Hops int

	// Strategy selects the ranking strategy, Balanced by default.
	Strategy Strategy

	// ExcludeNodes removes specific peer ids from consideration.
	ExcludeNodes []string

	// MaxFee filters out candidates whose minimum fee exceeds it.
	MaxFee string
}

// Router computes and caches relay routes.
type Router struct {
	sync.Mutex

	cfg Config
	log *logging.Logger

	routes map[string]*Route
}

// New constructs a Router.
func New(cfg *Config, logBackend *log.Backend) (*Router, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return &Router{
		cfg:    *cfg,
		log:    logBackend.GetLogger("router"),
		routes: make(map[string]*Route),
	}, nil
}

// FindRoute selects a primary route and up to the configured number of
// alternatives, caching the primary.  Alternatives never reuse a node from
// an earlier route and are abandoned early when peers run out.
func (r *Router) FindRoute(peers []*peer.Record, opts *FindOpts) (*Result, error) {
	if opts == nil {
		opts = &FindOpts{}
	}
	hops := opts.Hops
	if hops == 0 {
		hops = r.cfg.DefaultHops
	}
	if hops > r.cfg.MaxHops {
		hops = r.cfg.MaxHops
	}
	if hops < 1 {
		return nil, fmt.Errorf("%w: at least 1 hop is required", ErrNotEnoughPeers)
	}

	excluded := make(map[string]bool, len(opts.ExcludeNodes))
	for _, id := range opts.ExcludeNodes {
		excluded[id] = true
	}
	available := make([]*peer.Record, 0, len(peers))
	for _, p := range peers {
		if !excluded[p.ID] {
			available = append(available, p)
		}
	}

	primary, err := r.selectRoute(available, hops, opts.Strategy, opts.MaxFee)
	if err != nil {
		return nil, err
	}

	used := make(map[string]bool, len(primary.Nodes))
	for _, id := range primary.Nodes {
		used[id] = true
	}
	var alternatives []*Route
	for i := 0; i < r.cfg.AlternativeRoutes; i++ {
		remaining := make([]*peer.Record, 0, len(available))
		for _, p := range available {
			if !used[p.ID] {
				remaining = append(remaining, p)
			}
		}
		alt, err := r.selectRoute(remaining, hops, opts.Strategy, opts.MaxFee)
		if err != nil {
			break
		}
		alternatives = append(alternatives, alt)
		for _, id := range alt.Nodes {
			used[id] = true
		}
	}

	r.Lock()
	r.routes[primary.ID] = primary
	r.Unlock()
	r.log.Debugf("route %s: %d hops, fee %s, %d alternatives", primary.ID, hops, primary.TotalFee, len(alternatives))

	return &Result{Route: primary, Alternatives: alternatives}, nil
}

func (r *Router) selectRoute(peers []*peer.Record, hops int, strategy Strategy, maxFee string) (*Route, error) {
	candidates := peers
	if maxFee != "" {
		ceiling := feeValue(maxFee)
		candidates = make([]*peer.Record, 0, len(peers))
		for _, p := range peers {
			if feeValue(p.FeeConfig.MinFee).Cmp(ceiling) <= 0 {
				candidates = append(candidates, p)
			}
		}
	}
	if len(candidates) < hops {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughPeers, hops, len(candidates))
	}

	var selected []*peer.Record
	switch strategy {
	case LowestFee:
		selected = selectByFee(candidates, hops)
	case HighestReputation:
		selected = selectByReputation(candidates, hops)
	case Random:
		selected = selectRandom(candidates, hops)
	default:
		selected = r.selectBalanced(candidates, hops)
	}

	totalFee := new(big.Int)
	nodes := make([]string, len(selected))
	for i, p := range selected {
		nodes[i] = p.ID
		totalFee.Add(totalFee, feeValue(p.FeeConfig.MinFee))
	}

	now := time.Now()
	return &Route{
		ID:        envelope.GenerateID(),
		Nodes:     nodes,
		TotalFee:  totalFee.String(),
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.RouteExpiry),
	}, nil
}

func selectByFee(peers []*peer.Record, count int) []*peer.Record {
	sorted := append([]*peer.Record(nil), peers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return feeValue(sorted[i].FeeConfig.MinFee).Cmp(feeValue(sorted[j].FeeConfig.MinFee)) < 0
	})
	return sorted[:count]
}

func selectByReputation(peers []*peer.Record, count int) []*peer.Record {
	sorted := append([]*peer.Record(nil), peers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Reputation > sorted[j].Reputation
	})
	return sorted[:count]
}

func selectRandom(peers []*peer.Record, count int) []*peer.Record {
	shuffled := append([]*peer.Record(nil), peers...)
	rng := rand.NewMath()
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:count]
}

// selectBalanced scores each candidate as w*rep + (1-w)*cheapness, both
// terms normalized against the maximum observed among candidates.
func (r *Router) selectBalanced(peers []*peer.Record, count int) []*peer.Record {
	maxFee := new(big.Int)
	maxRep := 0
	for _, p := range peers {
		if v := feeValue(p.FeeConfig.MinFee); v.Cmp(maxFee) > 0 {
			maxFee = v
		}
		if p.Reputation > maxRep {
			maxRep = p.Reputation
		}
	}

	maxFeeF := new(big.Float).SetInt(maxFee)
	scored := append([]*peer.Record(nil), peers...)
	score := func(p *peer.Record) float64 {
		feeScore := 1.0
		if maxFee.Sign() > 0 {
			ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(feeValue(p.FeeConfig.MinFee)), maxFeeF).Float64()
			feeScore = 1.0 - ratio
		}
		repScore := 0.0
		if maxRep > 0 {
			repScore = float64(p.Reputation) / float64(maxRep)
		}
		return r.cfg.ReputationWeight*repScore + (1-r.cfg.ReputationWeight)*feeScore
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return score(scored[i]) > score(scored[j])
	})
	return scored[:count]
}

// GetRoute returns the cached route for id, lazily evicting it when
// expired.
func (r *Router) GetRoute(id string) *Route {
	r.Lock()
	defer r.Unlock()
	route, ok := r.routes[id]
	if !ok {
		return nil
	}
	if time.Now().After(route.ExpiresAt) {
		delete(r.routes, id)
		return nil
	}
	return route
}

// InvalidateRoute drops a cached route, for example after a hop failure.
func (r *Router) InvalidateRoute(id string) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.routes[id]; !ok {
		return false
	}
	delete(r.routes, id)
	return true
}

// CleanupExpiredRoutes sweeps the cache and returns the eviction count.
func (r *Router) CleanupExpiredRoutes() int {
	r.Lock()
	defer r.Unlock()
	now := time.Now()
	count := 0
	for id, route := range r.routes {
		if now.After(route.ExpiresAt) {
			delete(r.routes, id)
			count++
		}
	}
	return count
}

// ActiveRouteCount returns the number of cached routes.
func (r *Router) ActiveRouteCount() int {
	r.Lock()
	defer r.Unlock()
	return len(r.routes)
}

// EstimateFee returns the sum of the hops cheapest minimum fees without
// constructing a route.
func (r *Router) EstimateFee(peers []*peer.Record, hops int) string {
	sorted := append([]*peer.Record(nil), peers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return feeValue(sorted[i].FeeConfig.MinFee).Cmp(feeValue(sorted[j].FeeConfig.MinFee)) < 0
	})
	if hops > len(sorted) {
		hops = len(sorted)
	}
	total := new(big.Int)
	for _, p := range sorted[:hops] {
		total.Add(total, feeValue(p.FeeConfig.MinFee))
	}
	return total.String()
}

// RoutePeers resolves a route's node ids against a peer set, skipping ids
// that are no longer known.
func (r *Router) RoutePeers(route *Route, peers []*peer.Record) []*peer.Record {
	byID := make(map[string]*peer.Record, len(peers))
	for _, p := range peers {
		byID[p.ID] = p
	}
	out := make([]*peer.Record, 0, len(route.Nodes))
	for _, id := range route.Nodes {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func feeValue(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
