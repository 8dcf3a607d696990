// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
)

const idSize = 16

var (
	// ErrCrypto is the error returned when an encryption precondition is
	// violated.  Encryption never silently degrades.
	ErrCrypto = errors.New("envelope: encryption failed")

	// ErrDecryptionFailed is the error returned when authenticated
	// decryption fails.  A relay node uses this failure as the implicit
	// "I am not the recipient" signal, so it carries no detail.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")
)

// GenerateID returns a URL-safe, collision-improbable message id.
func GenerateID() string {
	b := make([]byte, idSize)
	if _, err := rand.Reader.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NIKEScheme is the key agreement scheme envelope encryption runs over.
var NIKEScheme nike.Scheme = x25519.Scheme(rand.Reader)

// Scheme applies ECIES-style public key encryption to envelope payloads:
// a fresh ephemeral NIKE keypair per message, the hashed shared secret as
// AEAD key, ChaCha20-Poly1305 with the nonce prepended to the ciphertext.
type Scheme struct {
	nike nike.Scheme
}

// NewScheme constructs a Scheme over NIKEScheme.
func NewScheme() *Scheme {
	return &Scheme{
		nike: NIKEScheme,
	}
}

// GenerateKeypair creates a new long-term recipient keypair.
func (s *Scheme) GenerateKeypair() (nike.PublicKey, nike.PrivateKey, error) {
	return s.nike.GenerateKeyPair()
}

// DerivePublicKey derives the public key matching a private key.
func (s *Scheme) DerivePublicKey(priv nike.PrivateKey) nike.PublicKey {
	return s.nike.DerivePublicKey(priv)
}

// UnmarshalPublicKey loads a public key from its binary form.
func (s *Scheme) UnmarshalPublicKey(b []byte) (nike.PublicKey, error) {
	return s.nike.UnmarshalBinaryPublicKey(b)
}

// UnmarshalPrivateKey loads a private key from its binary form.
func (s *Scheme) UnmarshalPrivateKey(b []byte) (nike.PrivateKey, error) {
	return s.nike.UnmarshalBinaryPrivateKey(b)
}

// KeyID returns the peer id for a public key, its base64 encoding.
func KeyID(pub nike.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

func (s *Scheme) aead(key []byte) *chacha20poly1305.ChaCha20Poly1305 {
	a, err := chacha20poly1305.New(key)
	if err != nil {
		panic(err)
	}
	return a
}

// Encrypt encrypts plaintext to the recipient's public key using a fresh
// one-time keypair, returning the ciphertext, the nonce and the ephemeral
// public key the recipient needs for decryption.
func (s *Scheme) Encrypt(plaintext []byte, to nike.PublicKey) (ciphertext, nonce []byte, ephemeral nike.PublicKey, err error) {
	ephPub, ephPriv, err := s.nike.GenerateKeyPair()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	secret := hash.Sum256(s.nike.DeriveSecret(ephPriv, to))
	aead := s.aead(secret[:])

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Reader.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, ephPub, nil
}

// Decrypt reverses Encrypt.  Any authentication failure, wrong key,
// tampered ciphertext or wrong nonce yields ErrDecryptionFailed.
func (s *Scheme) Decrypt(ciphertext, nonce []byte, ephemeral nike.PublicKey, priv nike.PrivateKey) ([]byte, error) {
	secret := hash.Sum256(s.nike.DeriveSecret(priv, ephemeral))
	aead := s.aead(secret[:])
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// encryptBlob encrypts an opaque plaintext and returns the transport form:
// base64(nonce||ciphertext) plus the base64 ephemeral key.
func (s *Scheme) encryptBlob(plaintext []byte, to nike.PublicKey) (string, string, error) {
	ciphertext, nonce, ephemeral, err := s.Encrypt(plaintext, to)
	if err != nil {
		return "", "", err
	}
	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob),
		base64.StdEncoding.EncodeToString(ephemeral.Bytes()), nil
}

// decryptBlob reverses encryptBlob.
func (s *Scheme) decryptBlob(encryptedPayload, ephemeralKey string, priv nike.PrivateKey) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encryptedPayload)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	rawEph, err := base64.StdEncoding.DecodeString(ephemeralKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ephemeral, err := s.nike.UnmarshalBinaryPublicKey(rawEph)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonceSize := chacha20poly1305.NonceSize
	if len(blob) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	return s.Decrypt(blob[nonceSize:], blob[:nonceSize], ephemeral, priv)
}

// EncryptPayload JSON-encodes a payload and encrypts it for the recipient,
// concatenating nonce and ciphertext into one opaque blob for transport
// economy.
func (s *Scheme) EncryptPayload(p *Payload, to nike.PublicKey) (encryptedPayload, ephemeralKey string, err error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return s.encryptBlob(plaintext, to)
}

// DecryptPayload reverses EncryptPayload.
func (s *Scheme) DecryptPayload(encryptedPayload, ephemeralKey string, priv nike.PrivateKey) (*Payload, error) {
	plaintext, err := s.decryptBlob(encryptedPayload, ephemeralKey, priv)
	if err != nil {
		return nil, err
	}
	p := new(Payload)
	if err := json.Unmarshal(plaintext, p); err != nil {
		return nil, ErrDecryptionFailed
	}
	return p, nil
}

// Options parameterize NewEnvelope.
type Options struct {
	// ID overrides the generated message id when non-empty, used by the
	// client transport to correlate responses.
	ID string

	// Fee is the attached fee, required.
	Fee string

	// FeeToken is the fee's token symbol, required.
	FeeToken string

	// TTL is the hop budget, DefaultTTL when zero.
	TTL int

	// NextHop is the optional pre-computed next hop peer id.
	NextHop string
}

// NewEnvelope encrypts a payload for the recipient and wraps it in an
// envelope.  The kind is response iff the payload carries a status code.
func (s *Scheme) NewEnvelope(p *Payload, to nike.PublicKey, opts *Options) (*Envelope, error) {
	encryptedPayload, ephemeralKey, err := s.EncryptPayload(p, to)
	if err != nil {
		return nil, err
	}

	kind := KindRequest
	if p.IsResponse() {
		kind = KindResponse
	}
	id := opts.ID
	if id == "" {
		id = GenerateID()
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Envelope{
		ID:               id,
		Kind:             kind,
		Version:          Version,
		Timestamp:        time.Now().UnixMilli(),
		EncryptedPayload: encryptedPayload,
		EphemeralKey:     ephemeralKey,
		NextHop:          opts.NextHop,
		TTL:              ttl,
		Fee:              opts.Fee,
		FeeToken:         opts.FeeToken,
	}, nil
}
