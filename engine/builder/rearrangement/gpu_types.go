package rearrangement

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// WorkItem is one queued internal node: its index in the input and the compact node it fills.
type WorkItem struct {
	Node    uint32 // offset 0
	Compact uint32 // offset 4
}

// Runtime data words.
const (
	runtimeHead = iota // work items consumed
	runtimeTail        // work items queued
	runtimeCount       // compact nodes allocated

	runtimeWords = 3
)

// invalidWork marks an unused work buffer word.
const invalidWork = 0x7FFFFFFF

// PCRearrange is the parameter block of the repacking kernel.
// Size: 44 bytes.
type PCRearrange struct {
	Bvh           device.Address // offset  0: Default-layout input
	BvhWide       device.Address // offset  8: compact output
	WorkBuffer    device.Address // offset 16: WorkItem queue
	RuntimeData   device.Address // offset 24
	AuxBuffer     device.Address // offset 32: split DOP14 aux nodes, or null
	LeafNodeCount uint32         // offset 40
}

func (p PCRearrange) Size() int { return 44 }

func (p PCRearrange) Marshal() []byte {
	e := device.NewEncoder(p.Size())
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	return e.U32(p.LeafNodeCount).Bytes()
}

func (p PCRearrange) Addresses() []device.Address {
	return []device.Address{p.Bvh, p.BvhWide, p.WorkBuffer, p.RuntimeData, p.AuxBuffer}
}

func decodePCRearrange(b []byte) PCRearrange {
	d := device.NewDecoder(b)
	return PCRearrange{
		Bvh:           d.Addr(),
		BvhWide:       d.Addr(),
		WorkBuffer:    d.Addr(),
		RuntimeData:   d.Addr(),
		AuxBuffer:     d.Addr(),
		LeafNodeCount: d.U32(),
	}
}
