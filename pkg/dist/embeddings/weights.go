// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distembed/pkg/comms"
	"github.com/gomlx/distembed/pkg/core/tensors"
	"github.com/gomlx/distembed/pkg/core/tensors/numpy"
	"github.com/gomlx/distembed/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// defaultChunkElements is the default number of elements assigned at once by SetWeights,
	// rounded down to whole rows. Roughly 128M elements.
	defaultChunkElements = 134217728

	// gatherChunkLimit bounds the element count of a single all-gather in GetWeights. Kept
	// comfortably below the int32 limit that transports commonly impose on message extents.
	gatherChunkLimit = 2000000000

	// splitChunkLimit is the largest flat extent split1D slices directly; longer inputs are
	// re-chunked first. Square of it is the effective addressable size.
	splitChunkLimit = 2147483646
)

// WeightSource provides the full (unsliced) weights of one global table. Sources are loaded
// lazily: a worker only loads the tables it owns slices of.
type WeightSource interface {
	Load() (*tensors.Tensor, error)
}

// TensorSource is a WeightSource backed by an in-memory tensor.
type TensorSource struct{ Tensor *tensors.Tensor }

// Load implements WeightSource.
func (s TensorSource) Load() (*tensors.Tensor, error) {
	if !s.Tensor.Ok() {
		return nil, errors.New("TensorSource holds an invalid tensor")
	}
	return s.Tensor, nil
}

// FileSource is a WeightSource backed by a .npy file on disk.
type FileSource struct{ Path string }

// Load implements WeightSource.
func (s FileSource) Load() (*tensors.Tensor, error) {
	return numpy.FromNpyFile(s.Path)
}

// TransferOptions configures SetWeights.
type TransferOptions struct {
	// ChunkElements caps the number of elements assigned per copy, rounded down to whole rows.
	// 0 means the default of 134217728.
	ChunkElements int

	// UseLock serializes the transfer worker by worker. Ranks take turns loading and assigning,
	// which caps peak memory at one worker's working set.
	UseLock bool
}

// SetWeights initializes this worker's table slices from full-table weight sources, one source
// per global table in table order. Each worker loads only the tables it owns and cuts out its own
// column range, so slice placement follows the plan without any weight communication.
//
// With UseLock set all workers must call SetWeights collectively; otherwise it is local.
func (de *DistributedEmbedding) SetWeights(sources []WeightSource, opts TransferOptions) error {
	if got, want := len(sources), len(de.plan.GlobalConfigs); got != want {
		return errors.Errorf("got %d weight sources, plan has %d tables", got, want)
	}
	if opts.ChunkElements == 0 {
		opts.ChunkElements = defaultChunkElements
	}
	if opts.ChunkElements < 0 {
		return errors.Errorf("ChunkElements must be positive, got %d", opts.ChunkElements)
	}
	worldSize := de.group.WorldSize()
	rank := de.group.Rank()

	if opts.UseLock {
		for i := 0; i < rank; i++ {
			if err := comms.BroadcastToken(de.group, 0); err != nil {
				return err
			}
		}
	}
	err := de.setWeightsLocal(sources, opts)
	if opts.UseLock {
		for i := 0; i < worldSize-rank; i++ {
			if tokenErr := comms.BroadcastToken(de.group, 0); tokenErr != nil && err == nil {
				err = tokenErr
			}
		}
	}
	return err
}

func (de *DistributedEmbedding) setWeightsLocal(sources []WeightSource, opts TransferOptions) error {
	worldSize := de.group.WorldSize()
	rank := de.group.Rank()
	myTableIDs := de.plan.TableIDsByWorker[rank]

	// sliceInfo[tid][w] is how many slices of table tid worker w holds. With it every worker can
	// compute which global column range each of its slices covers.
	sliceInfo := make([][]int, len(sources))
	for tid := range sources {
		counts := make([]int, worldSize)
		for w, tids := range de.plan.TableIDsByWorker {
			for _, id := range tids {
				if id == tid {
					counts[w]++
				}
			}
		}
		sliceInfo[tid] = counts
	}

	for i, tid := range myTableIDs {
		global := de.plan.GlobalConfigs[tid]
		weight, err := sources[tid].Load()
		if err != nil {
			return errors.WithMessagef(err, "loading weights of table %q (#%d)", global.Name, tid)
		}
		if weight.Rank() != 2 || weight.Shape().Dim(0) != global.InputDim || weight.Shape().Dim(1) != global.OutputDim {
			return errors.Errorf("weights of table %q (#%d) have shape %s, table wants [%d, %d]",
				global.Name, tid, weight.Shape(), global.InputDim, global.OutputDim)
		}

		// A worker may hold several slices of the same table; indexOffset distinguishes them.
		indexOffset := 0
		for _, prev := range myTableIDs[:i] {
			if prev == tid {
				indexOffset++
			}
		}
		start, end := sliceColumnRange(global.OutputDim, sliceInfo[tid], rank, indexOffset)
		local := de.locals[i]
		if got := local.Config().OutputDim; end-start != got {
			return errors.Errorf("table %q (#%d): slice column range [%d, %d) does not match local width %d",
				global.Name, tid, start, end, got)
		}
		if err := assignColumnSlice(local.Weights(), weight, start, end, opts.ChunkElements); err != nil {
			return errors.WithMessagef(err, "assigning weights of table %q (#%d)", global.Name, tid)
		}
		klog.V(1).Infof("SetWeights: worker %d table %q columns [%d, %d), %s",
			rank, global.Name, start, end, humanize.Bytes(uint64(local.Weights().Memory())))
	}
	return nil
}

// sliceColumnRange returns the global [start, end) column range of one slice of a table.
// info[w] counts the table's slices on worker w; offset selects among this worker's slices.
// Columns split evenly, with the remainder spread over the leading slices.
func sliceColumnRange(numColumns int, info []int, rank, offset int) (start, end int) {
	numSlices := xslices.Sum(info)
	columnsPerSlice := numColumns / numSlices
	remainder := numColumns % numSlices
	sliceRank := xslices.Sum(info[:rank]) + offset
	start = columnsPerSlice*sliceRank + min(sliceRank, remainder)
	end = columnsPerSlice*(sliceRank+1) + min(sliceRank+1, remainder)
	return
}

// assignColumnSlice copies columns [colStart, colEnd) of src into dst, a whole-rows chunk at a
// time so no full sliced copy of src is ever materialized.
func assignColumnSlice(dst, src *tensors.Tensor, colStart, colEnd, chunkElements int) error {
	if dst.DType() != src.DType() {
		return errors.Errorf("source dtype %s does not match table dtype %s", src.DType(), dst.DType())
	}
	switch dst.DType() {
	case dtypes.Float64:
		return assignColumnSliceOf[float64](dst, src, colStart, colEnd, chunkElements)
	default:
		return assignColumnSliceOf[float32](dst, src, colStart, colEnd, chunkElements)
	}
}

func assignColumnSliceOf[T float32 | float64](dst, src *tensors.Tensor, colStart, colEnd, chunkElements int) error {
	rows := dst.Shape().Dim(0)
	width := dst.Shape().Dim(1)
	srcWidth := src.Shape().Dim(1)
	chunkRows := max(1, chunkElements/width)
	return tensors.MutableFlatData(dst, func(dstFlat []T) {
		tensors.MustConstFlatData(src, func(srcFlat []T) {
			for row0 := 0; row0 < rows; row0 += chunkRows {
				row1 := min(row0+chunkRows, rows)
				for row := row0; row < row1; row++ {
					copy(dstFlat[row*width:(row+1)*width], srcFlat[row*srcWidth+colStart:row*srcWidth+colEnd])
				}
			}
		})
	})
}

// GetWeights reassembles and returns the full weights of every global table, in table order.
// All workers must call it collectively. The result is only materialized on rank 0 (other ranks
// get nil) unless allRanks is set.
//
// Weights move in bounded all-gather rounds so no single message exceeds gatherChunkLimit
// elements, whatever the table sizes.
func (de *DistributedEmbedding) GetWeights(allRanks bool) ([]*tensors.Tensor, error) {
	if de.group.WorldSize() == 1 {
		weights := make([]*tensors.Tensor, len(de.locals))
		for i, table := range de.locals {
			weights[i] = table.Weights().Clone()
		}
		return weights, nil
	}
	dtype := de.locals[0].Config().WeightsDType()
	for _, table := range de.locals {
		if table.Config().WeightsDType() != dtype {
			return nil, errors.Errorf("mixed weight dtypes %s and %s, collective transfer needs one",
				dtype, table.Config().WeightsDType())
		}
	}
	if dtype == dtypes.Float64 {
		return getWeightsOf[float64](de, allRanks)
	}
	return getWeightsOf[float32](de, allRanks)
}

func getWeightsOf[T float32 | float64](de *DistributedEmbedding, allRanks bool) ([]*tensors.Tensor, error) {
	worldSize := de.group.WorldSize()
	rank := de.group.Rank()

	// Every worker derives the same chunk count from the plan, keyed to the heaviest worker.
	numChunks := max(1, xslices.Max(xslices.Map(xslices.Iota(0, worldSize), func(w int) int {
		total := 0
		for _, slice := range de.plan.LocalConfigs(w) {
			total += slice.NumElements()
		}
		return ceilDiv(worldSize*total, gatherChunkLimit)
	})))

	var localFlat []T
	for _, table := range de.locals {
		flat, err := tensors.CopyFlatData[T](table.Weights())
		if err != nil {
			return nil, err
		}
		localFlat = append(localFlat, flat...)
	}
	chunkSize := len(localFlat) / numChunks
	chunkSizes := xslices.SliceWithValue(numChunks, chunkSize)
	chunkSizes[numChunks-1] = len(localFlat) - chunkSize*(numChunks-1)
	localChunks := split1D(localFlat, chunkSizes)

	allSizes, err := comms.AllGather(de.group, xslices.Map(chunkSizes, func(n int) int64 { return int64(n) }))
	if err != nil {
		return nil, err
	}

	var chunks [][]T
	for i, chunk := range localChunks {
		gathered, err := comms.AllGather(de.group, chunk)
		if err != nil {
			return nil, err
		}
		if !allRanks && rank != 0 {
			continue
		}
		klog.V(1).Infof("GetWeights: chunk %d/%d gathered %s elements",
			i+1, numChunks, humanize.Comma(int64(len(gathered))))
		// Undo the gather concatenation: one piece per worker for this chunk index.
		sizes := make([]int, worldSize)
		for w := 0; w < worldSize; w++ {
			sizes[w] = int(allSizes[w*numChunks+i])
		}
		chunks = append(chunks, split1D(gathered, sizes)...)
	}
	if chunks == nil {
		return nil, nil
	}

	// Stitch each worker's flat weights back together, then cut them into slice tensors.
	var workerTableIDs []int
	var sliceWeights []*tensors.Tensor
	for w := 0; w < worldSize; w++ {
		var flat []T
		for i := w; i < len(chunks); i += worldSize {
			flat = append(flat, chunks[i]...)
		}
		offset := 0
		for _, slice := range de.plan.LocalConfigs(w) {
			n := slice.NumElements()
			if offset+n > len(flat) {
				return nil, errors.Errorf("worker %d weights have %d elements, slices need %d",
					w, len(flat), offset+n)
			}
			sliceWeights = append(sliceWeights,
				tensors.FromFlatDataAndDimensions(flat[offset:offset+n:offset+n], slice.Config.InputDim, slice.Config.OutputDim))
			workerTableIDs = append(workerTableIDs, slice.TableID)
			offset += n
		}
	}

	// Back to table order. Slices of one table sort together and, order preserved, concatenate
	// into the original column layout.
	order := xslices.Iota(0, len(workerTableIDs))
	sort.SliceStable(order, func(a, b int) bool { return workerTableIDs[order[a]] < workerTableIDs[order[b]] })
	weights := make([]*tensors.Tensor, 0, len(de.plan.GlobalConfigs))
	for i := 0; i < len(order); {
		j := i
		tid := workerTableIDs[order[i]]
		var parts []*tensors.Tensor
		for ; j < len(order) && workerTableIDs[order[j]] == tid; j++ {
			parts = append(parts, sliceWeights[order[j]])
		}
		merged, err := concatColumns(parts)
		if err != nil {
			return nil, errors.WithMessagef(err, "reassembling table #%d", tid)
		}
		weights = append(weights, merged)
		i = j
	}
	return weights, nil
}

// split1D cuts flat into consecutive pieces of the given lengths.
func split1D[T comparable](flat []T, lengths []int) [][]T {
	return split1DWithLimit(flat, lengths, splitChunkLimit)
}

// split1DWithLimit is split1D with an explicit chunking limit. Inputs longer than the limit are
// first re-cut into equal chunks no longer than it, then the requested pieces are assembled
// across chunk boundaries. Direct subslicing handles everything under the limit.
func split1DWithLimit[T comparable](flat []T, lengths []int, limit int) [][]T {
	if len(flat) <= limit {
		result := make([][]T, len(lengths))
		offset := 0
		for i, length := range lengths {
			result[i] = flat[offset : offset+length : offset+length]
			offset += length
		}
		return result
	}
	numChunks := ceilDiv(len(flat), limit)
	chunkLen := ceilDiv(len(flat), numChunks)
	padded := flat
	if pad := chunkLen*numChunks - len(flat); pad > 0 {
		padded = append(append([]T{}, flat...), make([]T, pad)...)
	}
	var chunkList [][]T
	for i := 0; i < numChunks; i++ {
		chunkList = append(chunkList, padded[i*chunkLen:(i+1)*chunkLen])
	}
	result := make([][]T, len(lengths))
	for i, length := range lengths {
		var piece []T
		for length > 0 {
			if length >= len(chunkList[0]) {
				piece = append(piece, chunkList[0]...)
				length -= len(chunkList[0])
				chunkList = chunkList[1:]
			} else {
				piece = append(piece, chunkList[0][:length]...)
				chunkList[0] = chunkList[0][length:]
				length = 0
			}
		}
		result[i] = piece
	}
	return result
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
