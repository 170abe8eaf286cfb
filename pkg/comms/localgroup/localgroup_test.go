// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localgroup

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/distembed/pkg/comms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew(t *testing.T) {
	groups, err := New(3)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	for rank, g := range groups {
		assert.Equal(t, rank, g.Rank())
		assert.Equal(t, 3, g.WorldSize())
	}
	_, err = New(0)
	require.ErrorContains(t, err, "worldSize must be >= 1")
}

func TestAllToAll(t *testing.T) {
	for _, worldSize := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("world=%d", worldSize), func(t *testing.T) {
			err := Run(worldSize, func(g comms.Group) error {
				// Worker r sends [r*10+p] to each peer p: after the exchange worker p holds
				// [p, 10+p, 20+p, ...].
				send := make([]int32, worldSize)
				splits := make([]int, worldSize)
				for p := 0; p < worldSize; p++ {
					send[p] = int32(g.Rank()*10 + p)
					splits[p] = 1
				}
				recv, recvSplits, err := comms.AllToAll(g, send, splits)
				if err != nil {
					return err
				}
				want := make([]int32, worldSize)
				for s := 0; s < worldSize; s++ {
					want[s] = int32(s*10 + g.Rank())
				}
				assert.Equal(t, want, recv)
				for _, split := range recvSplits {
					assert.Equal(t, 1, split)
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestAllToAllVariableSplits(t *testing.T) {
	// Worker 0 sends nothing to itself and 3 elements to worker 1; worker 1 sends 2 and 1.
	err := Run(2, func(g comms.Group) error {
		var send []int64
		var splits []int
		if g.Rank() == 0 {
			send = []int64{100, 101, 102}
			splits = []int{0, 3}
		} else {
			send = []int64{200, 201, 210}
			splits = []int{2, 1}
		}
		recv, recvSplits, err := comms.AllToAll(g, send, splits)
		if err != nil {
			return err
		}
		if g.Rank() == 0 {
			assert.Equal(t, []int64{200, 201}, recv)
			assert.Equal(t, []int{0, 2}, recvSplits)
		} else {
			assert.Equal(t, []int64{100, 101, 102, 210}, recv)
			assert.Equal(t, []int{3, 1}, recvSplits)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAllToAllBadSplits(t *testing.T) {
	err := Run(2, func(g comms.Group) error {
		_, _, err := comms.AllToAll(g, []int32{1, 2, 3}, []int{1, 1})
		if err != nil {
			return err
		}
		return nil
	})
	require.ErrorContains(t, err, "splits sum to 2")
}

func TestAllGather(t *testing.T) {
	for _, worldSize := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("world=%d", worldSize), func(t *testing.T) {
			err := Run(worldSize, func(g comms.Group) error {
				send := []float32{float32(g.Rank()), float32(g.Rank()) + 0.5}
				recv, err := comms.AllGather(g, send)
				if err != nil {
					return err
				}
				var want []float32
				for s := 0; s < worldSize; s++ {
					want = append(want, float32(s), float32(s)+0.5)
				}
				assert.Equal(t, want, recv)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestAllGatherUnevenLengths(t *testing.T) {
	err := Run(3, func(g comms.Group) error {
		send := make([]int32, g.Rank()) // Rank 0 contributes nothing.
		for i := range send {
			send[i] = int32(g.Rank())
		}
		recv, err := comms.AllGather(g, send)
		if err != nil {
			return err
		}
		assert.Equal(t, []int32{1, 2, 2}, recv)
		return nil
	})
	require.NoError(t, err)
}

func TestAllReduceMean(t *testing.T) {
	for _, worldSize := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("world=%d", worldSize), func(t *testing.T) {
			err := Run(worldSize, func(g comms.Group) error {
				send := []float64{float64(g.Rank()), 10 * float64(g.Rank())}
				recv, err := comms.AllReduceMean(g, send)
				if err != nil {
					return err
				}
				mean := float64(worldSize-1) / 2
				assert.InDelta(t, mean, recv[0], 1e-12)
				assert.InDelta(t, 10*mean, recv[1], 1e-12)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestAllReduceMeanRejectsInts(t *testing.T) {
	groups, err := New(1)
	require.NoError(t, err)
	_, err = groups[0].AllReduceMean([]int32{1})
	require.ErrorContains(t, err, "must be []float32 or []float64")
}

func TestBroadcast(t *testing.T) {
	for _, root := range []int{0, 2} {
		t.Run(fmt.Sprintf("root=%d", root), func(t *testing.T) {
			err := Run(3, func(g comms.Group) error {
				var buf []float32
				if g.Rank() == root {
					buf = []float32{3, 1, 4}
				}
				recv, err := comms.Broadcast(g, buf, root)
				if err != nil {
					return err
				}
				assert.Equal(t, []float32{3, 1, 4}, recv)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestBroadcastRootMismatch(t *testing.T) {
	err := Run(2, func(g comms.Group) error {
		// Each worker names itself root: the group must detect the divergence instead of
		// silently picking one.
		_, err := comms.Broadcast(g, []int32{int32(g.Rank())}, g.Rank())
		return err
	})
	require.ErrorContains(t, err, "root mismatch")
}

func TestCollectiveMismatch(t *testing.T) {
	err := Run(2, func(g comms.Group) error {
		if g.Rank() == 0 {
			_, err := comms.AllGather(g, []int32{1})
			return err
		}
		_, err := comms.AllReduceMean(g, []float32{1})
		return err
	})
	require.ErrorContains(t, err, "collective mismatch")
}

func TestPayloadTypeMismatch(t *testing.T) {
	err := Run(2, func(g comms.Group) error {
		if g.Rank() == 0 {
			_, err := comms.AllGather(g, []int32{1})
			return err
		}
		_, err := comms.AllGather(g, []int64{1})
		return err
	})
	require.ErrorContains(t, err, "payload type mismatch")
}

func TestConsecutiveRounds(t *testing.T) {
	// Rounds must not leak state into each other.
	err := Run(2, func(g comms.Group) error {
		for round := 0; round < 10; round++ {
			send := []int32{int32(round*100 + g.Rank())}
			recv, err := comms.AllGather(g, send)
			if err != nil {
				return err
			}
			if !assert.Equal(t, []int32{int32(round * 100), int32(round*100 + 1)}, recv) {
				return fmt.Errorf("round %d gathered %v", round, recv)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBroadcastToken(t *testing.T) {
	// Tokens serialize workers: each appends its rank under a mutex after rank-many tokens, so
	// the observed order must be rank order.
	var mu sync.Mutex
	var order []int
	worldSize := 4
	err := Run(worldSize, func(g comms.Group) error {
		for i := 0; i < g.Rank(); i++ {
			if err := comms.BroadcastToken(g, 0); err != nil {
				return err
			}
		}
		mu.Lock()
		order = append(order, g.Rank())
		mu.Unlock()
		for i := 0; i < g.WorldSize()-g.Rank(); i++ {
			if err := comms.BroadcastToken(g, 0); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}
