// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package peer defines the relay peer data model shared by the directory,
// the router and the envelope codec.
package peer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// MinReputation is the reputation floor.
	MinReputation = 0

	// MaxReputation is the reputation ceiling.
	MaxReputation = 100

	// DefaultReputation is the score assigned to a newly admitted peer.
	DefaultReputation = 50

	// ReputationBoost is the default per-relay reputation increase.
	ReputationBoost = 2

	// ReputationDecay is the default per-missed-heartbeat reputation decrease.
	ReputationDecay = 1

	// ProtocolTag identifies the relay protocol generation a peer speaks.
	ProtocolTag = "relay-v1"
)

// ErrInvalidAddress is returned when a peer address fails to parse.
var ErrInvalidAddress = errors.New("peer: invalid address")

// FeeConfig is a peer's advertised fee schedule.
type FeeConfig struct {
	// MinFee is the minimum fee per relayed message, in the token's
	// smallest unit, as a decimal string.
	MinFee string `json:"minFee"`

	// FeeToken is the token symbol fees are denominated in.
	FeeToken string `json:"feeToken"`

	// FeePerKB is an optional additional fee per KiB of message.
	FeePerKB string `json:"feePerKB,omitempty"`
}

// Record is one known relay peer.  Records travel inside announce envelopes,
// so the JSON field names are part of the wire contract.
type Record struct {
	// ID is the peer identifier, derived from its public key.
	ID string `json:"id"`

	// Address is the peer's network address, "host:port".
	Address string `json:"address"`

	// PublicKey is the peer's base64 encoded encryption public key.
	PublicKey string `json:"publicKey"`

	// LastSeen is the unix millisecond timestamp of the last observed
	// activity from this peer.
	LastSeen int64 `json:"lastSeen"`

	// Reputation is the peer's behavior score, clamped to
	// [MinReputation, MaxReputation].
	Reputation int `json:"reputation"`

	// Protocols lists the protocol tags the peer supports.
	Protocols []string `json:"protocols"`

	// FeeConfig is the peer's fee schedule.
	FeeConfig FeeConfig `json:"feeConfig"`

	// IsBootstrap marks peers exempt from low-reputation removal.
	IsBootstrap bool `json:"isBootstrap"`
}

// NewRecord constructs a Record with the reputation and protocol defaults.
func NewRecord(id, address, publicKey string, fees FeeConfig, isBootstrap bool) *Record {
	reputation := DefaultReputation
	if isBootstrap {
		reputation = MaxReputation
	}
	return &Record{
		ID:          id,
		Address:     address,
		PublicKey:   publicKey,
		LastSeen:    time.Now().UnixMilli(),
		Reputation:  reputation,
		Protocols:   []string{ProtocolTag},
		FeeConfig:   fees,
		IsBootstrap: isBootstrap,
	}
}

// Copy returns a deep copy of the record.
func (r *Record) Copy() *Record {
	c := *r
	c.Protocols = append([]string(nil), r.Protocols...)
	return &c
}

// ParseAddress splits a "host:port" peer address into its components.
func ParseAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || host == "" || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	return host, port, nil
}

// State is the connection state of a peer.
type State uint8

const (
	// StateDisconnected is the initial (and final) connection state.
	StateDisconnected State = iota

	// StateConnecting is a connection attempt in progress.
	StateConnecting

	// StateConnected is an established connection.
	StateConnected

	// StateError is a connection in a failed state.
	StateError
)

// String returns the state as a human readable string.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Connection is the ephemeral pairing of a peer record with connection
// state.  Connections are never persisted.
type Connection struct {
	// Record is the peer this connection is to.
	Record *Record

	// State is the current connection state.
	State State

	// LastPing is the time of the last ping exchange.
	LastPing time.Time

	// RTT is the last measured round trip time.
	RTT time.Duration
}
