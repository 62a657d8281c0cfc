package radixsort

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// KeyVal is one sorted element. Elements are ordered by Code; Key travels with it.
type KeyVal struct {
	Key  uint32 // offset 0
	Code uint32 // offset 4
}

// SizeKeyVal is the size of a KeyVal in bytes.
const SizeKeyVal = 8

// PCRadixSort is the parameter block shared by the three pass kernels.
// Size: 40 bytes.
type PCRadixSort struct {
	Src        device.Address // offset  0: keyvals read by the pass
	Dst        device.Address // offset  8: keyvals written by the scatter
	Histogram  device.Address // offset 16: u32[RadixSize * BlockCount], digit major after the scan
	Count      device.Address // offset 24: u32 element count
	Shift      uint32         // offset 32: bit offset of the digit
	BlockCount uint32         // offset 36
}

func (p PCRadixSort) Size() int { return 40 }

func (p PCRadixSort) Marshal() []byte {
	return device.NewEncoder(p.Size()).
		Addr(p.Src).
		Addr(p.Dst).
		Addr(p.Histogram).
		Addr(p.Count).
		U32(p.Shift).
		U32(p.BlockCount).
		Bytes()
}

func (p PCRadixSort) Addresses() []device.Address {
	return []device.Address{p.Src, p.Dst, p.Histogram, p.Count}
}

func decodePCRadixSort(b []byte) PCRadixSort {
	d := device.NewDecoder(b)
	return PCRadixSort{
		Src:        d.Addr(),
		Dst:        d.Addr(),
		Histogram:  d.Addr(),
		Count:      d.Addr(),
		Shift:      d.U32(),
		BlockCount: d.U32(),
	}
}
