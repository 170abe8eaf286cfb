// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package localgroup provides an in-process implementation of comms.Group: the workers of the
// group run as goroutines of the same process and rendezvous through shared memory.
//
// It is the reference implementation used by the tests, and is usable for single-host runs where
// the "devices" are slices of the host memory. A real deployment would implement comms.Group over
// an MPI/NCCL-style transport instead.
package localgroup

import (
	"reflect"
	"sync"

	"github.com/gomlx/distembed/pkg/comms"
	"github.com/pkg/errors"
)

// Group is one worker's handle into an in-process group. It implements comms.Group.
type Group struct {
	rank int
	ex   *exchanger
}

// New creates an in-process group with the given worldSize and returns one handle per worker.
//
// Each handle must be used by exactly one goroutine; the collective calls block until every
// worker of the group has issued the matching call.
func New(worldSize int) ([]*Group, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("worldSize must be >= 1, got %d", worldSize)
	}
	ex := &exchanger{world: worldSize}
	groups := make([]*Group, worldSize)
	for rank := range groups {
		groups[rank] = &Group{rank: rank, ex: ex}
	}
	return groups, nil
}

// Run creates a group of worldSize workers, starts one goroutine per worker running fn, and waits
// for all of them. It returns the first non-nil error, if any.
func Run(worldSize int, fn func(g comms.Group) error) error {
	groups, err := New(worldSize)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	errs := make([]error, worldSize)
	for rank, g := range groups {
		wg.Add(1)
		go func(rank int, g *Group) {
			defer wg.Done()
			errs[rank] = fn(g)
		}(rank, g)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// WorldSize implements comms.Group.
func (g *Group) WorldSize() int { return g.ex.world }

// Rank implements comms.Group.
func (g *Group) Rank() int { return g.rank }

// AllToAll implements comms.Group.
func (g *Group) AllToAll(send any, sendSplits []int) (any, []int, error) {
	if len(sendSplits) != g.ex.world {
		return nil, nil, errors.Errorf("AllToAll: sendSplits has %d entries, world size is %d",
			len(sendSplits), g.ex.world)
	}
	sendV := reflect.ValueOf(send)
	if sendV.Kind() != reflect.Slice {
		return nil, nil, errors.Errorf("AllToAll: send payload must be a flat slice, got %T", send)
	}
	total := 0
	for _, split := range sendSplits {
		if split < 0 {
			return nil, nil, errors.Errorf("AllToAll: negative split %d", split)
		}
		total += split
	}
	if total != sendV.Len() {
		return nil, nil, errors.Errorf("AllToAll: splits sum to %d, but payload has %d elements",
			total, sendV.Len())
	}
	out, err := g.ex.round(g.rank, "alltoall", send, sendSplits, computeAllToAll)
	if err != nil {
		return nil, nil, err
	}
	return out.payload, out.splits, nil
}

// AllGather implements comms.Group.
func (g *Group) AllGather(send any) (any, error) {
	if reflect.ValueOf(send).Kind() != reflect.Slice {
		return nil, errors.Errorf("AllGather: send payload must be a flat slice, got %T", send)
	}
	out, err := g.ex.round(g.rank, "allgather", send, nil, computeAllGather)
	if err != nil {
		return nil, err
	}
	return out.payload, nil
}

// AllReduceMean implements comms.Group.
func (g *Group) AllReduceMean(send any) (any, error) {
	switch send.(type) {
	case []float32, []float64:
	default:
		return nil, errors.Errorf("AllReduceMean: payload must be []float32 or []float64, got %T", send)
	}
	out, err := g.ex.round(g.rank, "allreduce_mean", send, nil, computeAllReduceMean)
	if err != nil {
		return nil, err
	}
	return out.payload, nil
}

// Broadcast implements comms.Group.
func (g *Group) Broadcast(buf any, root int) (any, error) {
	if root < 0 || root >= g.ex.world {
		return nil, errors.Errorf("Broadcast: root %d out of range for world size %d", root, g.ex.world)
	}
	// The root is encoded in the splits so that mismatching roots across workers are caught.
	out, err := g.ex.round(g.rank, "broadcast", buf, []int{root}, computeBroadcast)
	if err != nil {
		return nil, err
	}
	return out.payload, nil
}

// delivery is what one worker takes home from a collective round.
type delivery struct {
	payload any
	splits  []int
}

type computeFn func(world int, inputs []any, splits [][]int) ([]delivery, error)

// exchanger is the shared rendezvous point of the group. One collective at a time: the last
// worker to arrive computes the results and releases everyone; the next round gets a fresh
// round struct, so there is no state reuse across rounds.
type exchanger struct {
	world int

	mu  sync.Mutex
	cur *round
}

type round struct {
	op      string
	inputs  []any
	splits  [][]int
	arrived int

	done    chan struct{}
	results []delivery
	err     error
}

func (e *exchanger) round(rank int, op string, input any, splits []int, compute computeFn) (delivery, error) {
	e.mu.Lock()
	if e.cur == nil {
		e.cur = &round{
			inputs: make([]any, e.world),
			splits: make([][]int, e.world),
			done:   make(chan struct{}),
		}
	}
	r := e.cur
	if r.op == "" {
		r.op = op
	} else if r.op != op {
		r.err = errors.Errorf("collective mismatch: rank %d issued %q while the group is in %q",
			rank, op, r.op)
	}
	r.inputs[rank] = input
	r.splits[rank] = splits
	r.arrived++
	if r.arrived == e.world {
		e.cur = nil
		if r.err == nil {
			r.results, r.err = compute(e.world, r.inputs, r.splits)
		}
		close(r.done)
		e.mu.Unlock()
	} else {
		e.mu.Unlock()
		<-r.done
	}
	if r.err != nil {
		return delivery{}, r.err
	}
	return r.results[rank], nil
}

func computeAllToAll(world int, inputs []any, splits [][]int) ([]delivery, error) {
	// Slice each sender's payload by its splits, then deliver to worker p the p-th segment of
	// every sender, concatenated in rank order.
	segments := make([][]reflect.Value, world) // [sender][receiver]
	for sender, input := range inputs {
		inputV := reflect.ValueOf(input)
		if inputV.Type() != reflect.ValueOf(inputs[0]).Type() {
			return nil, errors.Errorf("AllToAll: payload type mismatch across workers: %T vs %T",
				inputs[0], input)
		}
		segments[sender] = make([]reflect.Value, world)
		offset := 0
		for receiver, split := range splits[sender] {
			segments[sender][receiver] = inputV.Slice(offset, offset+split)
			offset += split
		}
	}
	results := make([]delivery, world)
	for receiver := range results {
		recvSplits := make([]int, world)
		total := 0
		for sender := range segments {
			recvSplits[sender] = segments[sender][receiver].Len()
			total += recvSplits[sender]
		}
		recv := reflect.MakeSlice(reflect.ValueOf(inputs[0]).Type(), 0, total)
		for sender := range segments {
			recv = reflect.AppendSlice(recv, segments[sender][receiver])
		}
		results[receiver] = delivery{payload: recv.Interface(), splits: recvSplits}
	}
	return results, nil
}

func computeAllGather(world int, inputs []any, _ [][]int) ([]delivery, error) {
	total := 0
	for _, input := range inputs {
		inputV := reflect.ValueOf(input)
		if inputV.Type() != reflect.ValueOf(inputs[0]).Type() {
			return nil, errors.Errorf("AllGather: payload type mismatch across workers: %T vs %T",
				inputs[0], input)
		}
		total += inputV.Len()
	}
	gathered := reflect.MakeSlice(reflect.ValueOf(inputs[0]).Type(), 0, total)
	for _, input := range inputs {
		gathered = reflect.AppendSlice(gathered, reflect.ValueOf(input))
	}
	results := make([]delivery, world)
	for receiver := range results {
		// Each receiver gets its own copy: receivers are free to mutate the result.
		recv := reflect.MakeSlice(gathered.Type(), gathered.Len(), gathered.Len())
		reflect.Copy(recv, gathered)
		results[receiver] = delivery{payload: recv.Interface()}
	}
	return results, nil
}

func computeAllReduceMean(world int, inputs []any, _ [][]int) ([]delivery, error) {
	switch inputs[0].(type) {
	case []float32:
		return reduceMean[float32](world, inputs)
	case []float64:
		return reduceMean[float64](world, inputs)
	}
	return nil, errors.Errorf("AllReduceMean: unsupported payload type %T", inputs[0])
}

func reduceMean[T float32 | float64](world int, inputs []any) ([]delivery, error) {
	mean := make([]T, len(inputs[0].([]T)))
	for _, input := range inputs {
		buf, ok := input.([]T)
		if !ok {
			return nil, errors.Errorf("AllReduceMean: payload type mismatch across workers: %T vs %T",
				inputs[0], input)
		}
		if len(buf) != len(mean) {
			return nil, errors.Errorf("AllReduceMean: payload length mismatch across workers: %d vs %d",
				len(mean), len(buf))
		}
		for ii, v := range buf {
			mean[ii] += v
		}
	}
	scale := T(1) / T(world)
	for ii := range mean {
		mean[ii] *= scale
	}
	results := make([]delivery, world)
	for receiver := range results {
		recv := make([]T, len(mean))
		copy(recv, mean)
		results[receiver] = delivery{payload: recv}
	}
	return results, nil
}

func computeBroadcast(world int, inputs []any, splits [][]int) ([]delivery, error) {
	root := splits[0][0]
	for rank := 1; rank < world; rank++ {
		if splits[rank][0] != root {
			return nil, errors.Errorf("Broadcast: root mismatch across workers: rank 0 used %d, rank %d used %d",
				root, rank, splits[rank][0])
		}
	}
	rootV := reflect.ValueOf(inputs[root])
	if rootV.Kind() != reflect.Slice {
		return nil, errors.Errorf("Broadcast: root payload must be a flat slice, got %T", inputs[root])
	}
	results := make([]delivery, world)
	for receiver := range results {
		recv := reflect.MakeSlice(rootV.Type(), rootV.Len(), rootV.Len())
		reflect.Copy(recv, rootV)
		results[receiver] = delivery{payload: recv.Interface()}
	}
	return results, nil
}
