// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/nike"

	"github.com/DaviRain-Su/shadow-protocol/core/peer"
)

// ErrEmptyRoute is the error returned when onion layering is attempted
// over an empty route.
var ErrEmptyRoute = errors.New("envelope: route cannot be empty")

// Layer is one hop's worth of onion encryption.
type Layer struct {
	// NodeID is the peer this layer is encrypted to.
	NodeID string

	// PublicKey is that peer's base64 public key.
	PublicKey string

	// EncryptedPayload is the base64 nonce||ciphertext blob for this hop.
	EncryptedPayload string

	// EphemeralKey is the base64 per-layer ephemeral public key.
	EphemeralKey string
}

// wrapper is the plaintext of every non-innermost layer.  It carries the
// nested ciphertext, the ephemeral key needed to decrypt it and the id of
// the peer the remainder is for, so a hop peeling its layer has everything
// required to hand the remainder onward.
type wrapper struct {
	Nested       string `json:"nested"`
	EphemeralKey string `json:"ephemeralKey"`
	NextHop      string `json:"nextHop"`
}

// PeelResult is the outcome of peeling one onion layer.
type PeelResult struct {
	// Payload is the final plaintext, set only when Innermost.
	Payload *Payload

	// Ciphertext, EphemeralKey and NextHop describe the next nested
	// layer and its recipient, set only when not Innermost.
	Ciphertext   string
	EphemeralKey string
	NextHop      string

	// Innermost reports whether the decrypted content was the final
	// payload rather than a nested wrapper.
	Innermost bool
}

// BuildOnionLayers folds the payload into per-hop encryption layers, from
// the last hop inward: the innermost layer encrypts the real payload for
// the route's final peer, each outer layer encrypts the inner layer's
// ciphertext and ephemeral key for its own peer.
func (s *Scheme) BuildOnionLayers(p *Payload, route []*peer.Record) ([]Layer, error) {
	if len(route) == 0 {
		return nil, ErrEmptyRoute
	}

	layers := make([]Layer, len(route))
	var innerPayload, innerKey string
	for i := len(route) - 1; i >= 0; i-- {
		hop := route[i]
		pub, err := s.parsePeerKey(hop)
		if err != nil {
			return nil, err
		}

		var plaintext []byte
		if i == len(route)-1 {
			plaintext, err = json.Marshal(p)
		} else {
			plaintext, err = json.Marshal(&wrapper{
				Nested:       innerPayload,
				EphemeralKey: innerKey,
				NextHop:      route[i+1].ID,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}

		encryptedPayload, ephemeralKey, err := s.encryptBlob(plaintext, pub)
		if err != nil {
			return nil, err
		}
		layers[i] = Layer{
			NodeID:           hop.ID,
			PublicKey:        hop.PublicKey,
			EncryptedPayload: encryptedPayload,
			EphemeralKey:     ephemeralKey,
		}
		innerPayload = encryptedPayload
		innerKey = ephemeralKey
	}
	return layers, nil
}

// PeelLayer decrypts one onion layer with this node's secret key and
// reports whether the plaintext was the final payload or another layer.
func (s *Scheme) PeelLayer(encryptedPayload, ephemeralKey string, priv nike.PrivateKey) (*PeelResult, error) {
	plaintext, err := s.decryptBlob(encryptedPayload, ephemeralKey, priv)
	if err != nil {
		return nil, err
	}

	w := new(wrapper)
	if err := json.Unmarshal(plaintext, w); err == nil && w.Nested != "" {
		return &PeelResult{
			Ciphertext:   w.Nested,
			EphemeralKey: w.EphemeralKey,
			NextHop:      w.NextHop,
		}, nil
	}

	p := new(Payload)
	if err := json.Unmarshal(plaintext, p); err != nil {
		return nil, ErrDecryptionFailed
	}
	return &PeelResult{Payload: p, Innermost: true}, nil
}

func (s *Scheme) parsePeerKey(hop *peer.Record) (nike.PublicKey, error) {
	if hop.PublicKey == "" {
		return nil, fmt.Errorf("%w: peer %s has no public key", ErrCrypto, hop.ID)
	}
	raw, err := base64.StdEncoding.DecodeString(hop.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: peer %s: %v", ErrCrypto, hop.ID, err)
	}
	pub, err := s.nike.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: peer %s: %v", ErrCrypto, hop.ID, err)
	}
	return pub, nil
}
