package radixsort

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

func init() {
	device.RegisterKernel(ShaderHistogram, histogramKernel)
	device.RegisterKernel(ShaderScan, scanKernel)
	device.RegisterKernel(ShaderScatter, scatterKernel)
}

// blockRange clamps block b to the element count.
func blockRange(b, count uint32) (lo, hi uint32) {
	lo = b * BlockKeys
	hi = min(lo+BlockKeys, count)
	return lo, hi
}

// histogramKernel counts the digits of every block. One workgroup per block.
func histogramKernel(k *device.KernelContext) error {
	pc := decodePCRadixSort(k.Push)
	count := *device.Ptr[uint32](k, pc.Count)
	if count == 0 {
		return nil
	}
	blocks := min(k.Groups[0], pc.BlockCount)
	src := device.Slice[KeyVal](k, pc.Src, int(count))
	hist := device.Slice[uint32](k, pc.Histogram, int(RadixSize*pc.BlockCount))

	k.ParallelFor(int(blocks), func(i int) {
		b := uint32(i)
		row := hist[b*RadixSize : (b+1)*RadixSize]
		clear(row)
		lo, hi := blockRange(b, count)
		for j := lo; j < hi; j++ {
			row[src[j].Code>>pc.Shift&(RadixSize-1)]++
		}
	})
	return nil
}

// scanKernel turns the block-major histogram into digit-major exclusive offsets. Single workgroup.
func scanKernel(k *device.KernelContext) error {
	pc := decodePCRadixSort(k.Push)
	count := *device.Ptr[uint32](k, pc.Count)
	if count == 0 {
		return nil
	}
	blocks := min(BlockCount(count), pc.BlockCount)
	hist := device.Slice[uint32](k, pc.Histogram, int(RadixSize*pc.BlockCount))

	var sum uint32
	for digit := range uint32(RadixSize) {
		for b := range blocks {
			i := b*RadixSize + digit
			n := hist[i]
			hist[i] = sum
			sum += n
		}
	}
	return nil
}

// scatterKernel moves every element to its sorted slot. Elements of one block keep their order.
func scatterKernel(k *device.KernelContext) error {
	pc := decodePCRadixSort(k.Push)
	count := *device.Ptr[uint32](k, pc.Count)
	if count == 0 {
		return nil
	}
	blocks := min(k.Groups[0], pc.BlockCount)
	src := device.Slice[KeyVal](k, pc.Src, int(count))
	dst := device.Slice[KeyVal](k, pc.Dst, int(count))
	hist := device.Slice[uint32](k, pc.Histogram, int(RadixSize*pc.BlockCount))

	k.ParallelFor(int(blocks), func(i int) {
		b := uint32(i)
		row := hist[b*RadixSize : (b+1)*RadixSize]
		lo, hi := blockRange(b, count)
		for j := lo; j < hi; j++ {
			digit := src[j].Code >> pc.Shift & (RadixSize - 1)
			dst[row[digit]] = src[j]
			row[digit]++
		}
	})
	return nil
}
