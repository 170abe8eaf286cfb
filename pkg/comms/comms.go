// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package comms defines the collective-communication primitives used by the distributed embedding
// code: all-to-all with variable-length splits, all-gather, averaging all-reduce and broadcast.
//
// The primitives are defined over a Group, the fixed set of workers executing the same program
// (single-program-multiple-data). Every primitive is a blocking barrier: each member of the group
// must issue the matching call, with matching payload types, or the group deadlocks. There is no
// cancellation: once a collective is issued, all workers must complete it, and any failure is
// terminal for the run.
//
// The Group implementation is provided by the caller's setup code: see the localgroup package for
// an in-process implementation (one goroutine per worker) used in tests and single-host runs.
//
// Payloads cross the Group interface as flat slices of a supported dtype (e.g. []int32, []float32),
// typed as `any`. The generic package-level functions (AllToAll, AllGather, ...) provide the
// type-safe surface and are what the rest of the module uses.
package comms

// Group is the fixed set of workers executing the same program, together with the collective
// primitives they synchronize through.
type Group interface {
	// WorldSize is the fixed number of workers in the group.
	WorldSize() int

	// Rank of this worker, in [0, WorldSize).
	Rank() int

	// AllToAll sends send[sendSplits] scattered across the group: worker p receives the p-th split
	// from every worker, concatenated in rank order. sendSplits must have WorldSize entries summing
	// to len(send). It returns the received buffer and the per-sender received lengths.
	AllToAll(send any, sendSplits []int) (recv any, recvSplits []int, err error)

	// AllGather returns the concatenation of every worker's send buffer, in rank order.
	AllGather(send any) (any, error)

	// AllReduceMean returns the element-wise mean of every worker's send buffer.
	// All buffers must have the same length and a floating-point dtype.
	AllReduceMean(send any) (any, error)

	// Broadcast returns root's buf on every worker. Non-root workers may pass nil.
	Broadcast(buf any, root int) (any, error)
}

// Flat is the constraint for the element types that can cross a Group.
type Flat interface {
	int32 | int64 | float32 | float64
}

// AllToAll is the typed version of Group.AllToAll.
func AllToAll[T Flat](g Group, send []T, sendSplits []int) (recv []T, recvSplits []int, err error) {
	recvAny, recvSplits, err := g.AllToAll(send, sendSplits)
	if err != nil {
		return nil, nil, err
	}
	return recvAny.([]T), recvSplits, nil
}

// AllGather is the typed version of Group.AllGather.
func AllGather[T Flat](g Group, send []T) ([]T, error) {
	recvAny, err := g.AllGather(send)
	if err != nil {
		return nil, err
	}
	return recvAny.([]T), nil
}

// AllReduceMean is the typed version of Group.AllReduceMean.
func AllReduceMean[T float32 | float64](g Group, send []T) ([]T, error) {
	recvAny, err := g.AllReduceMean(send)
	if err != nil {
		return nil, err
	}
	return recvAny.([]T), nil
}

// Broadcast is the typed version of Group.Broadcast.
func Broadcast[T Flat](g Group, buf []T, root int) ([]T, error) {
	recvAny, err := g.Broadcast(buf, root)
	if err != nil {
		return nil, err
	}
	return recvAny.([]T), nil
}

// BroadcastToken broadcasts a single placeholder value from root.
//
// It is used purely as a synchronization token: by construction every worker blocks until the
// whole group has issued the matching call, so a sequence of BroadcastToken calls serializes
// workers (see the lock-step weight loading mode).
func BroadcastToken(g Group, root int) error {
	_, err := Broadcast(g, []int32{0}, root)
	return err
}
