// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"encoding/base64"
	"encoding/json"

	"github.com/katzenpost/hpqc/sign"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

// SignatureScheme is the signature scheme used for envelope signatures.
var SignatureScheme sign.Scheme = eddsa.Scheme()

// signedFields is the canonical encoding of the header fields covered by
// an envelope signature.  The payload is deliberately excluded, it is
// authenticated by the AEAD instead.
type signedFields struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"type"`
	Version   int    `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Fee       string `json:"fee"`
	FeeToken  string `json:"feeToken"`
}

func (e *Envelope) signedBytes() []byte {
	blob, err := json.Marshal(&signedFields{
		ID:        e.ID,
		Kind:      e.Kind,
		Version:   e.Version,
		Timestamp: e.Timestamp,
		Fee:       e.Fee,
		FeeToken:  e.FeeToken,
	})
	if err != nil {
		panic(err)
	}
	return blob
}

// Sign attaches a detached signature over the envelope's non-payload
// header fields using the sender's long-term signing key.
func (e *Envelope) Sign(priv sign.PrivateKey) {
	sig := SignatureScheme.Sign(priv, e.signedBytes(), nil)
	e.Signature = base64.StdEncoding.EncodeToString(sig)
}

// VerifySignature checks the envelope's detached signature against the
// sender's public key.  An unsigned envelope never verifies.
func (e *Envelope) VerifySignature(pub sign.PublicKey) bool {
	if e.Signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	return SignatureScheme.Verify(pub, e.signedBytes(), sig, nil)
}
