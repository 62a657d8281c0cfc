package bvh

import (
	"time"
)

// StageTime is one timed step of a build stage.
type StageTime struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
}

// StageStats is what a build stage reports after it ran: device timings, counts and the quality of its output.
type StageStats struct {
	Stage          string      `json:"stage"`
	Times          []StageTime `json:"times"`
	IterationCount uint32      `json:"iteration_count,omitempty"`
	NodeCountLeaf  uint32      `json:"node_count_leaf"`
	NodeCountTotal uint32      `json:"node_count_total"`
	Bvh            BvhStats    `json:"bvh"`
	// Memory is the size in bytes of the buffers the stage still holds.
	Memory uint64 `json:"memory"`
}

// TimeTotal sums the stage's timed steps.
func (s StageStats) TimeTotal() time.Duration {
	var total time.Duration
	for _, t := range s.Times {
		total += t.Duration
	}
	return total
}

// LeafSizeAvg returns the mean number of triangles per leaf.
func (s StageStats) LeafSizeAvg() float32 {
	if s.NodeCountLeaf == 0 {
		return 0
	}
	return float32(s.Bvh.LeafSizeSum) / float32(s.NodeCountLeaf)
}

// LeafSizeMin returns the smallest leaf, or 0 when no leaf was measured.
func (s StageStats) LeafSizeMin() uint32 {
	if s.Bvh.LeafSizeMin == 0xFFFFFFFF {
		return 0
	}
	return s.Bvh.LeafSizeMin
}

// Ran reports whether the stage produced anything.
func (s StageStats) Ran() bool {
	return s.NodeCountTotal > 0
}

// StageTimes converts consecutive device timestamps into named steps. Step i spans stamps[i] to stamps[i+1].
// A stamp that did not advance yields a zero duration.
//
// Parameters:
//   - names: one name per step
//   - stamps: len(names)+1 timestamps in device ticks
//   - period: nanoseconds per tick
//
// Returns:
//   - []StageTime: the steps, or nil if stamps is too short
func StageTimes(names []string, stamps []uint64, period float32) []StageTime {
	if len(stamps) < len(names)+1 {
		return nil
	}
	times := make([]StageTime, len(names))
	for i, name := range names {
		var d time.Duration
		if stamps[i+1] > stamps[i] {
			d = time.Duration(float64(stamps[i+1]-stamps[i]) * float64(period))
		}
		times[i] = StageTime{Name: name, Duration: d}
	}
	return times
}
