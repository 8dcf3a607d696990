// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config parses relay node configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/DaviRain-Su/shadow-protocol/directory"
	"github.com/DaviRain-Su/shadow-protocol/incentive"
	"github.com/DaviRain-Su/shadow-protocol/router"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultMaxMessageSize = 1 << 20
	defaultMaxAge         = 60 // seconds
)

// Node is the top level node section.
type Node struct {
	// Address is the reachable host:port advertised to peers.
	Address string

	// DataDir holds the node's keys and earnings database.
	DataDir string

	// MaxMessageSize caps accepted raw envelope sizes in bytes.
	MaxMessageSize int

	// MaxAgeSeconds is the envelope replay window.
	MaxAgeSeconds int
}

func (n *Node) validate() error {
	if n.Address == "" {
		return errors.New("config: Node.Address is required")
	}
	if n.DataDir == "" {
		return errors.New("config: Node.DataDir is required")
	}
	if n.MaxMessageSize == 0 {
		n.MaxMessageSize = defaultMaxMessageSize
	}
	if n.MaxAgeSeconds == 0 {
		n.MaxAgeSeconds = defaultMaxAge
	}
	return nil
}

// MaxAge returns the replay window as a duration.
func (n *Node) MaxAge() time.Duration {
	return time.Duration(n.MaxAgeSeconds) * time.Second
}

// Logging is the logging section.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File is the log file, stdout when empty.
	File string

	// Level is one of ERROR, WARNING, NOTICE, INFO, DEBUG.
	Level string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	switch l.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: invalid Logging.Level: %q", l.Level)
	}
	return nil
}

// Fees is the fee policy section.
type Fees struct {
	// MinFee is the base fee in the token's smallest unit.
	MinFee string

	// FeeToken is the accepted payment token symbol.
	FeeToken string

	// FeePerKB is the additional fee per started kilobyte.
	FeePerKB string

	// MaxPendingPayments caps concurrently pending payments.
	MaxPendingPayments int

	// VerificationTimeoutSeconds is how long payments may stay pending.
	VerificationTimeoutSeconds int
}

// LedgerConfig returns the section as an incentive configuration.
func (f *Fees) LedgerConfig() *incentive.Config {
	return &incentive.Config{
		MinFee:              f.MinFee,
		FeeToken:            f.FeeToken,
		FeePerKB:            f.FeePerKB,
		MaxPendingPayments:  f.MaxPendingPayments,
		VerificationTimeout: time.Duration(f.VerificationTimeoutSeconds) * time.Second,
	}
}

// Directory is the peer directory section.
type Directory struct {
	// PeerTimeoutSeconds is the staleness cutoff.
	PeerTimeoutSeconds int

	// HeartbeatSeconds is the sweep period.
	HeartbeatSeconds int

	// MaxPeers caps the peer table size.
	MaxPeers int
}

// DirectoryConfig returns the section as a directory configuration.
func (d *Directory) DirectoryConfig() *directory.Config {
	return &directory.Config{
		PeerTimeout:       time.Duration(d.PeerTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(d.HeartbeatSeconds) * time.Second,
		MaxPeers:          d.MaxPeers,
	}
}

// Router is the router section.
type Router struct {
	// DefaultHops is the hop count used when unspecified.
	DefaultHops int

	// MaxHops caps route lengths.
	MaxHops int

	// RouteExpirySeconds is the route cache lifetime.
	RouteExpirySeconds int

	// AlternativeRoutes is how many fallback routes to compute.
	AlternativeRoutes int

	// ReputationWeight balances reputation against fee in [0, 1].
	ReputationWeight float64
}

// RouterConfig returns the section as a router configuration.
func (r *Router) RouterConfig() *router.Config {
	return &router.Config{
		DefaultHops:       r.DefaultHops,
		MaxHops:           r.MaxHops,
		RouteExpiry:       time.Duration(r.RouteExpirySeconds) * time.Second,
		AlternativeRoutes: r.AlternativeRoutes,
		ReputationWeight:  r.ReputationWeight,
	}
}

// Config is the top level configuration.
type Config struct {
	Node      *Node
	Logging   *Logging
	Fees      *Fees
	Directory *Directory
	Router    *Router
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Node == nil {
		return errors.New("config: missing Node section")
	}
	if err := c.Node.validate(); err != nil {
		return err
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Fees == nil {
		c.Fees = &Fees{}
	}
	if c.Directory == nil {
		c.Directory = &Directory{}
	}
	if c.Router == nil {
		c.Router = &Router{}
	}
	if err := c.Fees.LedgerConfig().FixupAndValidate(); err != nil {
		return err
	}
	if err := c.Directory.DirectoryConfig().FixupAndValidate(); err != nil {
		return err
	}
	return c.Router.RouterConfig().FixupAndValidate()
}

// Load parses a configuration from b.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads and parses the configuration at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
