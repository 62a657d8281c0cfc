package stats

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// PCBvhStats is the parameter block of every stats kernel.
// Size: 40 bytes.
type PCBvhStats struct {
	Bvh              device.Address // offset  0
	BvhAux           device.Address // offset  8: split DOP14 slabs, null otherwise
	Result           device.Address // offset 16: one bvh.BvhStats, accumulated into
	NodeCount        uint32         // offset 24
	CT               float32        // offset 28
	CI               float32        // offset 32
	SceneSurfaceArea float32        // offset 36
}

func (p PCBvhStats) Size() int { return 40 }

func (p PCBvhStats) Marshal() []byte {
	return device.NewEncoder(p.Size()).
		Addr(p.Bvh).
		Addr(p.BvhAux).
		Addr(p.Result).
		U32(p.NodeCount).
		F32(p.CT).
		F32(p.CI).
		F32(p.SceneSurfaceArea).
		Bytes()
}

func (p PCBvhStats) Addresses() []device.Address {
	return []device.Address{p.Bvh, p.BvhAux, p.Result}
}

func decodePCBvhStats(b []byte) PCBvhStats {
	d := device.NewDecoder(b)
	return PCBvhStats{
		Bvh:              d.Addr(),
		BvhAux:           d.Addr(),
		Result:           d.Addr(),
		NodeCount:        d.U32(),
		CT:               d.F32(),
		CI:               d.F32(),
		SceneSurfaceArea: d.F32(),
	}
}
