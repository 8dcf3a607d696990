// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaviRain-Su/shadow-protocol/core/peer"
)

func validEnvelope() *Envelope {
	return &Envelope{
		ID:               GenerateID(),
		Kind:             KindRequest,
		Version:          Version,
		Timestamp:        time.Now().UnixMilli(),
		EncryptedPayload: "Zm9v",
		EphemeralKey:     "YmFy",
		TTL:              DefaultTTL,
		Fee:              "1000",
		FeeToken:         DefaultFeeToken,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validEnvelope().Validate())

	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"missing type", func(e *Envelope) { e.Kind = "" }},
		{"unknown type", func(e *Envelope) { e.Kind = "gossip" }},
		{"bad version", func(e *Envelope) { e.Version = 99 }},
		{"missing payload", func(e *Envelope) { e.EncryptedPayload = "" }},
		{"missing ephemeral key", func(e *Envelope) { e.EphemeralKey = "" }},
		{"negative ttl", func(e *Envelope) { e.TTL = -1 }},
		{"missing fee", func(e *Envelope) { e.Fee = "" }},
		{"missing fee token", func(e *Envelope) { e.FeeToken = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEnvelope()
			tc.mutate(e)
			err := e.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	raw, err := e.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)

	_, err = Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Decode([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestTTL(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	e.TTL = 2

	next, err := e.DecrementTTL()
	require.NoError(t, err)
	assert.Equal(t, 1, next.TTL)
	assert.Equal(t, 2, e.TTL, "original must be untouched")

	last, err := next.DecrementTTL()
	require.NoError(t, err)
	assert.Equal(t, 0, last.TTL)

	for i := 0; i < 3; i++ {
		_, err = last.DecrementTTL()
		assert.ErrorIs(t, err, ErrTTLExpired)
	}
}

func TestIsExpired(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	assert.False(t, e.IsExpired(0))

	e.Timestamp = time.Now().Add(-2 * DefaultMaxAge).UnixMilli()
	assert.True(t, e.IsExpired(0))
	assert.False(t, e.IsExpired(time.Hour))
}

func TestPingPong(t *testing.T) {
	t.Parallel()

	ping := Ping("some-node")
	require.NoError(t, ping.Validate())
	assert.Equal(t, KindPing, ping.Kind)
	assert.Equal(t, ControlTTL, ping.TTL)
	assert.True(t, ping.IsControl())

	pong := Pong(ping.ID)
	require.NoError(t, pong.Validate())
	assert.Equal(t, KindPong, pong.Kind)
	assert.Equal(t, ping.ID, pong.ID)
	assert.True(t, pong.IsControl())
}

func TestAnnounceRoundTrip(t *testing.T) {
	t.Parallel()

	rec := peer.NewRecord("node-1", "127.0.0.1:9000", "cGsx", peer.FeeConfig{
		MinFee:   "1000",
		FeeToken: "SOL",
		FeePerKB: "100",
	}, false)

	e, err := Announce(rec)
	require.NoError(t, err)
	require.NoError(t, e.Validate())
	assert.Equal(t, KindAnnounce, e.Kind)
	assert.Equal(t, AnnounceTTL, e.TTL)

	parsed, err := ParseAnnounce(e)
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)

	_, err = ParseAnnounce(validEnvelope())
	assert.ErrorIs(t, err, ErrNotAnAnnounce)
}

func TestIsControl(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	assert.False(t, e.IsControl())
	e.Kind = KindResponse
	assert.False(t, e.IsControl())
	for _, k := range []Kind{KindPing, KindPong, KindAnnounce} {
		e.Kind = k
		assert.True(t, e.IsControl())
	}
}
