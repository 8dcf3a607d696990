// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the relay wire message, its codec, and the
// public key cryptography applied to its payload.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DaviRain-Su/shadow-protocol/core/peer"
)

const (
	// Version is the supported relay protocol version.
	Version = 1

	// DefaultTTL is the hop budget assigned to new request envelopes.
	DefaultTTL = 10

	// ControlTTL is the hop budget of ping and pong envelopes.
	ControlTTL = 1

	// AnnounceTTL is the hop budget of announce envelopes.
	AnnounceTTL = 5

	// DefaultMaxAge is the age beyond which an envelope is considered
	// expired.
	DefaultMaxAge = 60 * time.Second

	// DefaultFeeToken is the token symbol used when none is configured.
	DefaultFeeToken = "SOL"

	// zeroFee is the fee carried by control envelopes.
	zeroFee = "0"
)

// Kind is the envelope type discriminator.
type Kind string

const (
	// KindRequest is an onion wrapped HTTP-shaped request.
	KindRequest Kind = "request"

	// KindResponse is an onion wrapped HTTP-shaped response.
	KindResponse Kind = "response"

	// KindPing is a liveness probe.
	KindPing Kind = "ping"

	// KindPong is the reply to a ping, echoing its id.
	KindPong Kind = "pong"

	// KindAnnounce is a peer self-advertisement.
	KindAnnounce Kind = "announce"
)

var (
	// ErrMalformedMessage is the error returned when an envelope fails
	// structural validation.
	ErrMalformedMessage = errors.New("envelope: malformed message")

	// ErrTTLExpired is the error returned when an envelope's hop budget
	// is exhausted.
	ErrTTLExpired = errors.New("envelope: ttl expired")

	// ErrNotAnAnnounce is the error returned when parsing a peer record
	// out of a non-announce envelope.
	ErrNotAnAnnounce = errors.New("envelope: not an announce")
)

// Envelope is the unit of wire exchange between relay hops.  The JSON field
// names are the wire contract and must not change.
type Envelope struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// Kind is the message type.
	Kind Kind `json:"type"`

	// Version is the protocol version, always Version.
	Version int `json:"version"`

	// Timestamp is the creation time, unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// EncryptedPayload is the base64 encoded nonce||ciphertext blob,
	// empty for control messages other than announce.
	EncryptedPayload string `json:"encryptedPayload"`

	// EphemeralKey is the base64 encoded per-message public key needed
	// to decrypt EncryptedPayload.
	EphemeralKey string `json:"ephemeralKey"`

	// NextHop is the peer id of the next hop, set when a route was
	// pre-computed.
	NextHop string `json:"nextHop,omitempty"`

	// TTL is the remaining hop budget.
	TTL int `json:"ttl"`

	// Fee is the attached relay fee, a decimal string in the token's
	// smallest unit.
	Fee string `json:"fee"`

	// FeeToken is the token symbol the fee is denominated in.
	FeeToken string `json:"feeToken"`

	// Signature is an optional detached signature over the non-payload
	// header fields.
	Signature string `json:"signature,omitempty"`
}

// Payload is the plaintext an envelope's ciphertext decrypts to.  It only
// ever exists decrypted in memory.
type Payload struct {
	// Method is the HTTP method of the carried request.
	Method string `json:"method"`

	// URL is the target URL.
	URL string `json:"url"`

	// Headers are the request headers.
	Headers map[string]string `json:"headers"`

	// Body is the optional request body.
	Body string `json:"body,omitempty"`

	// Payment is an opaque payment token, if any.
	Payment string `json:"payment,omitempty"`

	// Status is the response status code, non-zero only for responses.
	Status int `json:"status,omitempty"`

	// ResponseBody is the response body, responses only.
	ResponseBody string `json:"responseBody,omitempty"`
}

// IsResponse returns true if the payload carries a response status.
func (p *Payload) IsResponse() bool {
	return p.Status != 0
}

// IsControl returns true for ping, pong and announce envelopes, which are
// exempt from fee validation.
func (e *Envelope) IsControl() bool {
	switch e.Kind {
	case KindPing, KindPong, KindAnnounce:
		return true
	default:
		return false
	}
}

// Validate checks the envelope's structural invariants.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	switch e.Kind {
	case KindRequest, KindResponse, KindPing, KindPong, KindAnnounce:
	default:
		return fmt.Errorf("%w: unknown type '%v'", ErrMalformedMessage, e.Kind)
	}
	if e.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedMessage, e.Version)
	}
	if !e.IsControl() {
		if e.EncryptedPayload == "" {
			return fmt.Errorf("%w: missing encrypted payload", ErrMalformedMessage)
		}
		if e.EphemeralKey == "" {
			return fmt.Errorf("%w: missing ephemeral key", ErrMalformedMessage)
		}
	}
	if e.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrMalformedMessage)
	}
	if e.Fee == "" {
		return fmt.Errorf("%w: missing fee", ErrMalformedMessage)
	}
	if e.FeeToken == "" {
		return fmt.Errorf("%w: missing fee token", ErrMalformedMessage)
	}
	return nil
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializes an envelope from its transport representation and
// validates it.
func Decode(raw []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// IsExpired returns true if the envelope is older than maxAge.  A zero
// maxAge means DefaultMaxAge.
func (e *Envelope) IsExpired(maxAge time.Duration) bool {
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	return time.Since(time.UnixMilli(e.Timestamp)) > maxAge
}

// DecrementTTL returns a copy of the envelope with its hop budget reduced
// by one, or ErrTTLExpired if the budget is already exhausted.
func (e *Envelope) DecrementTTL() (*Envelope, error) {
	if e.TTL <= 0 {
		return nil, ErrTTLExpired
	}
	c := *e
	c.TTL--
	return &c, nil
}

// Ping constructs a liveness probe.  The sender id is not carried on the
// wire, pong correlation happens via the envelope id.
func Ping(senderID string) *Envelope {
	return &Envelope{
		ID:        GenerateID(),
		Kind:      KindPing,
		Version:   Version,
		Timestamp: time.Now().UnixMilli(),
		TTL:       ControlTTL,
		Fee:       zeroFee,
		FeeToken:  DefaultFeeToken,
	}
}

// Pong constructs the reply to a ping, echoing the ping's id.
func Pong(pingID string) *Envelope {
	return &Envelope{
		ID:        pingID,
		Kind:      KindPong,
		Version:   Version,
		Timestamp: time.Now().UnixMilli(),
		TTL:       ControlTTL,
		Fee:       zeroFee,
		FeeToken:  DefaultFeeToken,
	}
}

// Announce constructs a peer self-advertisement.  The record travels as
// plaintext, there is nothing secret about a peer's own advertisement.
func Announce(rec *peer.Record) (*Envelope, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:               GenerateID(),
		Kind:             KindAnnounce,
		Version:          Version,
		Timestamp:        time.Now().UnixMilli(),
		EncryptedPayload: base64.StdEncoding.EncodeToString(blob),
		TTL:              AnnounceTTL,
		Fee:              zeroFee,
		FeeToken:         DefaultFeeToken,
	}, nil
}

// ParseAnnounce extracts the peer record from an announce envelope.
func ParseAnnounce(e *Envelope) (*peer.Record, error) {
	if e.Kind != KindAnnounce {
		return nil, ErrNotAnAnnounce
	}
	blob, err := base64.StdEncoding.DecodeString(e.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	rec := new(peer.Record)
	if err := json.Unmarshal(blob, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return rec, nil
}
