// Package radixsort sorts 32-bit codes with attached keys on the device.
// Four 8-bit passes ping-pong between two buffers, so the sorted result lands back in the first.
package radixsort

import (
	"errors"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/pipeline"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

var logger = log.New("radixsort")

const (
	// RadixBits is the digit width of one pass.
	RadixBits = 8

	// RadixSize is the number of digit values.
	RadixSize = 1 << RadixBits

	// Passes is the number of passes over 32-bit codes. It is even, so results end in the first buffer.
	Passes = 32 / RadixBits

	// BlockKeys is the number of elements one workgroup handles.
	BlockKeys = 4096

	ShaderHistogram = "radixsort/histogram"
	ShaderScan      = "radixsort/scan"
	ShaderScatter   = "radixsort/scatter"
)

// BlockCount returns the number of blocks covering count elements.
func BlockCount(count uint32) uint32 {
	return max(common.DivCeil(count, BlockKeys), 1)
}

// MemoryRequirements returns the scratch size for sorting up to maxCount elements.
func MemoryRequirements(maxCount uint32) uint64 {
	return uint64(BlockCount(maxCount)) * RadixSize * 4
}

// sorter is the implementation of the Sorter interface.
type sorter struct {
	histogram, scan, scatter pipeline.Pipeline
}

// Sorter records device radix sorts of KeyVal arrays.
type Sorter interface {
	// Update builds or reloads the pass pipelines.
	//
	// Parameters:
	//   - dev: the device
	//   - cache: the shader cache to poll
	//
	// Returns:
	//   - bool: true if any pipeline was rebuilt
	Update(dev device.Device, cache *shader.Cache) bool

	// Ready reports the pass pipelines that failed to load.
	//
	// Returns:
	//   - error: wraps pipeline.ErrNotLoaded, or nil
	Ready() error

	// Record sorts the elements of buffers[0] by Code. The count is read on the device when the sort runs.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - buffers: two KeyVal buffers of maxCount elements; the input and result are in buffers[0]
	//   - scratch: MemoryRequirements(maxCount) bytes
	//   - count: address of the u32 element count
	//   - maxCount: an upper bound on the count, sizing the dispatches
	Record(cmd device.CommandContext, buffers [2]device.Address, scratch, count device.Address, maxCount uint32)

	// Release frees the pass pipelines.
	Release()
}

var _ Sorter = &sorter{}

// NewSorter creates a sorter whose pipelines are built on the first Update.
func NewSorter() Sorter {
	return &sorter{
		histogram: pipeline.NewPipeline(ShaderHistogram),
		scan:      pipeline.NewPipeline(ShaderScan),
		scatter:   pipeline.NewPipeline(ShaderScatter),
	}
}

func (s *sorter) Update(dev device.Device, cache *shader.Cache) bool {
	var errs []error
	changed := false
	for _, p := range []pipeline.Pipeline{s.histogram, s.scan, s.scatter} {
		rebuilt, err := p.Update(dev, cache)
		changed = changed || rebuilt
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		logger.Errorf("pipeline update: %v", err)
	}
	return changed
}

func (s *sorter) Ready() error {
	return pipeline.Ready(s.histogram, s.scan, s.scatter)
}

func (s *sorter) Record(cmd device.CommandContext, buffers [2]device.Address, scratch, count device.Address, maxCount uint32) {
	blocks := BlockCount(maxCount)
	for pass := range uint32(Passes) {
		pc := PCRadixSort{
			Src:        buffers[pass%2],
			Dst:        buffers[(pass+1)%2],
			Histogram:  scratch,
			Count:      count,
			Shift:      pass * RadixBits,
			BlockCount: blocks,
		}
		cmd.Dispatch(s.histogram.Handle(), pc, blocks, 1, 1)
		cmd.Barrier()
		cmd.Dispatch(s.scan.Handle(), pc, 1, 1, 1)
		cmd.Barrier()
		cmd.Dispatch(s.scatter.Handle(), pc, blocks, 1, 1)
		cmd.Barrier()
	}
}

func (s *sorter) Release() {
	s.histogram.Release()
	s.scan.Release()
	s.scatter.Release()
}
