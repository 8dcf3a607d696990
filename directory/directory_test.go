// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaviRain-Su/shadow-protocol/core/log"
	"github.com/DaviRain-Su/shadow-protocol/core/peer"
)

func testDirectory(t *testing.T, cfg *Config) *Directory {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	if cfg == nil {
		cfg = &Config{}
	}
	d, err := New(cfg, logBackend)
	require.NoError(t, err)
	return d
}

func testRecord(id string, reputation int) *peer.Record {
	rec := peer.NewRecord(id, "127.0.0.1:9000", "cGs=", peer.FeeConfig{
		MinFee:   "1000",
		FeeToken: "SOL",
	}, false)
	rec.Reputation = reputation
	return rec
}

func TestAddPeer(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, nil)

	rec := testRecord("node-1", 50)
	assert.True(t, d.AddPeer(rec))
	assert.False(t, d.AddPeer(rec), "re-adding is a merge, not an admit")
	assert.Equal(t, 1, d.PeerCount())

	got := d.Peer("node-1")
	require.NotNil(t, got)
	assert.Equal(t, "node-1", got.ID)
	assert.Nil(t, d.Peer("nope"))
}

func TestAddPeerMergeKeepsBestReputation(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, nil)

	require.True(t, d.AddPeer(testRecord("node-1", 80)))
	require.False(t, d.AddPeer(testRecord("node-1", 10)))
	assert.Equal(t, 80, d.Peer("node-1").Reputation)

	require.False(t, d.AddPeer(testRecord("node-1", 95)))
	assert.Equal(t, 95, d.Peer("node-1").Reputation)
}

func TestCapacityInvariant(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, &Config{MaxPeers: 3})

	for i := 0; i < 10; i++ {
		d.AddPeer(testRecord(fmt.Sprintf("node-%d", i), 10+i))
		assert.LessOrEqual(t, d.PeerCount(), 3)
	}

	// The survivors are the three highest reputation peers.
	for _, id := range []string{"node-7", "node-8", "node-9"} {
		assert.NotNil(t, d.Peer(id))
	}

	// An equal reputation candidate never evicts.
	assert.False(t, d.AddPeer(testRecord("node-eq", 17)))
	assert.Nil(t, d.Peer("node-eq"))
}

func TestRemovePeer(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, nil)
	d.AddPeer(testRecord("node-1", 50))

	assert.True(t, d.RemovePeer("node-1"))
	assert.False(t, d.RemovePeer("node-1"))
	assert.Equal(t, 0, d.PeerCount())
}

func TestConnectDisconnect(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, nil)
	d.AddPeer(testRecord("node-1", 50))

	assert.False(t, d.Connect("unknown"))
	assert.True(t, d.Connect("node-1"))
	assert.True(t, d.Connect("node-1"), "reconnecting an open connection is fine")
	assert.Equal(t, 1, d.ConnectedCount())
	assert.Len(t, d.ConnectedPeers(), 1)

	assert.True(t, d.Disconnect("node-1"))
	assert.False(t, d.Disconnect("node-1"))
	assert.Equal(t, 0, d.ConnectedCount())
}

func TestReputationBounds(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, nil)
	d.AddPeer(testRecord("node-1", 50))

	for i := 0; i < 100; i++ {
		d.BoostReputation("node-1", peer.ReputationBoost)
	}
	assert.Equal(t, peer.MaxReputation, d.Peer("node-1").Reputation)

	for i := 0; i < 500; i++ {
		d.DecayReputation("node-1", peer.ReputationDecay)
	}
	assert.Equal(t, peer.MinReputation, d.Peer("node-1").Reputation)
}

func TestObservers(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, nil)

	var events []Event
	d.Observe(func(ev Event, rec *peer.Record) {
		panic("must not break delivery")
	})
	d.Observe(func(ev Event, rec *peer.Record) {
		events = append(events, ev)
	})

	d.AddPeer(testRecord("node-1", 50))
	d.Connect("node-1")
	d.Disconnect("node-1")
	d.RemovePeer("node-1")

	require.Equal(t, []Event{EventAdd, EventConnect, EventDisconnect, EventRemove}, events)
}

func TestSweep(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, &Config{PeerTimeout: time.Millisecond})

	stale := testRecord("stale", 1)
	d.AddPeer(stale)
	boot := testRecord("boot", 1)
	boot.IsBootstrap = true
	d.AddPeer(boot)
	d.Connect("stale")

	time.Sleep(5 * time.Millisecond)
	d.sweep()

	assert.Nil(t, d.Peer("stale"), "zero reputation stale peer is removed")
	require.NotNil(t, d.Peer("boot"), "bootstrap peers survive the sweep")
	assert.Equal(t, 0, d.Peer("boot").Reputation)
	assert.Equal(t, 0, d.ConnectedCount())
}

func TestSorting(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, nil)
	fees := []string{"3000", "1000", "2000"}
	for i, fee := range fees {
		rec := testRecord(fmt.Sprintf("node-%d", i), 10*(i+1))
		rec.FeeConfig.MinFee = fee
		d.AddPeer(rec)
	}

	byFee := d.ByFee(0)
	require.Len(t, byFee, 3)
	assert.Equal(t, "1000", byFee[0].FeeConfig.MinFee)
	assert.Equal(t, "3000", byFee[2].FeeConfig.MinFee)

	byRep := d.ByReputation(2)
	require.Len(t, byRep, 2)
	assert.Equal(t, 30, byRep[0].Reputation)
	assert.Equal(t, 20, byRep[1].Reputation)

	assert.Len(t, d.Random(2), 2)
	assert.Len(t, d.Random(0), 3)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	d := testDirectory(t, &Config{
		PeerTimeout:       time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	d.AddPeer(testRecord("node-1", 1))
	d.Start()
	defer d.Halt()

	require.Eventually(t, func() bool {
		return d.PeerCount() == 0
	}, time.Second, 5*time.Millisecond)
}
