package plocpp

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// subgroupSize is the subgroup width the kernels are written for, regardless of the device.
const subgroupSize = 32

// Specialization holds the kernel constants derived from the device limits and the configuration.
type Specialization struct {
	Workgroup     uint32
	Subgroup      uint32
	SharedMemory  uint32
	WarpCount     uint32
	WorkgroupPLOC uint32
	Radius        uint32
}

// NewSpecialization derives the constants for a device and configuration.
//
// Parameters:
//   - caps: the device limits
//   - cfg: the construction configuration
//
// Returns:
//   - Specialization: the constants
func NewSpecialization(caps device.Capabilities, cfg config.PLOC) Specialization {
	s := Specialization{
		Workgroup:    caps.MaxWorkgroupSize[0],
		Subgroup:     subgroupSize,
		SharedMemory: caps.MaxSharedMemory - 5*4,
		Radius:       cfg.Radius,
	}
	floats := uint32(6)
	if cfg.BV == config.BVDOP14 {
		floats = 14
	}
	s.WarpCount = s.SharedMemory / (4 * (1 + (floats+2)*32))
	s.WorkgroupPLOC = min(s.Workgroup, s.WarpCount<<5)
	return s
}

// ChunkSize is the number of clusters one workgroup compacts per iteration: its workgroup
// minus the neighbourhood it shares with adjacent chunks.
func (s Specialization) ChunkSize() uint32 {
	if s.WorkgroupPLOC <= 4*s.Radius {
		return 1
	}
	return s.WorkgroupPLOC - 4*s.Radius
}

// DLBufferSize returns the size of the look-back buffer for leafCount clusters.
func (s Specialization) DLBufferSize(leafCount uint32) uint64 {
	return 8 * uint64(common.DivCeil(leafCount, s.ChunkSize()))
}

// Constants returns the constants in the form pipelines take them.
func (s Specialization) Constants(bv config.BV) map[string]uint32 {
	return map[string]uint32{
		"SIZE_WORKGROUP":      s.Workgroup,
		"SIZE_SUBGROUP":       s.Subgroup,
		"SIZE_WORKGROUP_PLOC": s.WorkgroupPLOC,
		"PLOC_RADIUS":         s.Radius,
		"BV":                  uint32(bv),
	}
}
