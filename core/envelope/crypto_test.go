// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() *Payload {
	return &Payload{
		Method:  "GET",
		URL:     "https://example.com/resource",
		Headers: map[string]string{"Accept": "application/json"},
		Body:    "hello",
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewScheme()
	pub, priv, err := s.GenerateKeypair()
	require.NoError(t, err)

	p := testPayload()
	encryptedPayload, ephemeralKey, err := s.EncryptPayload(p, pub)
	require.NoError(t, err)
	require.NotEmpty(t, encryptedPayload)
	require.NotEmpty(t, ephemeralKey)

	decrypted, err := s.DecryptPayload(encryptedPayload, ephemeralKey, priv)
	require.NoError(t, err)
	assert.Equal(t, p, decrypted)
}

func TestWrongKeyRejection(t *testing.T) {
	t.Parallel()

	s := NewScheme()
	pubA, _, err := s.GenerateKeypair()
	require.NoError(t, err)
	_, privB, err := s.GenerateKeypair()
	require.NoError(t, err)

	encryptedPayload, ephemeralKey, err := s.EncryptPayload(testPayload(), pubA)
	require.NoError(t, err)

	_, err = s.DecryptPayload(encryptedPayload, ephemeralKey, privB)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptGarbage(t *testing.T) {
	t.Parallel()

	s := NewScheme()
	_, priv, err := s.GenerateKeypair()
	require.NoError(t, err)

	_, err = s.DecryptPayload("bm90IGEgY2lwaGVydGV4dA==", "bm90IGEga2V5", priv)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestGenerateID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID()
		require.NotEmpty(t, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	s := NewScheme()
	pub, priv, err := s.GenerateKeypair()
	require.NoError(t, err)

	e, err := s.NewEnvelope(testPayload(), pub, &Options{
		Fee:      "1500",
		FeeToken: "SOL",
		NextHop:  "node-2",
	})
	require.NoError(t, err)
	require.NoError(t, e.Validate())
	assert.Equal(t, KindRequest, e.Kind)
	assert.Equal(t, DefaultTTL, e.TTL)
	assert.Equal(t, "node-2", e.NextHop)

	decrypted, err := s.DecryptPayload(e.EncryptedPayload, e.EphemeralKey, priv)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/resource", decrypted.URL)

	resp, err := s.NewEnvelope(&Payload{Status: 200, ResponseBody: "ok"}, pub, &Options{
		ID:       e.ID,
		Fee:      "1500",
		FeeToken: "SOL",
	})
	require.NoError(t, err)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, e.ID, resp.ID)
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	pub, priv, err := SignatureScheme.GenerateKey()
	require.NoError(t, err)
	otherPub, _, err := SignatureScheme.GenerateKey()
	require.NoError(t, err)

	e := validEnvelope()
	assert.False(t, e.VerifySignature(pub), "unsigned never verifies")

	e.Sign(priv)
	require.NotEmpty(t, e.Signature)
	assert.True(t, e.VerifySignature(pub))
	assert.False(t, e.VerifySignature(otherPub))

	e.Fee = "999999"
	assert.False(t, e.VerifySignature(pub), "covered field mutation must break the signature")
}
