package radixsort

import (
	"encoding/binary"
	"math/rand"
	"slices"
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortOnDevice(t *testing.T, in []KeyVal, maxCount uint32) []KeyVal {
	t.Helper()
	dev := device.NewHostDevice(device.DefaultCapabilities(), 4)
	defer dev.Release()

	newBuf := func(label string, size uint64) device.Address {
		b, err := dev.CreateBuffer(device.BufferDescriptor{Label: label, Size: size})
		require.NoError(t, err)
		return b.Address()
	}
	a := newBuf("keyvals 0", uint64(maxCount)*SizeKeyVal)
	b := newBuf("keyvals 1", uint64(maxCount)*SizeKeyVal)
	scratch := newBuf("scratch", MemoryRequirements(maxCount))
	count := newBuf("count", 4)

	require.NoError(t, dev.WriteBuffer(a, common.SliceToBytes(in)))
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], uint32(len(in)))
	require.NoError(t, dev.WriteBuffer(count, c[:]))

	s := NewSorter()
	defer s.Release()
	require.True(t, s.Update(dev, shader.NewCache("")))

	cmd := dev.BeginCommands("sort")
	s.Record(cmd, [2]device.Address{a, b}, scratch, count, maxCount)
	require.NoError(t, dev.Submit(cmd))

	if len(in) == 0 {
		return nil
	}
	out, err := dev.ReadBuffer(a, uint64(len(in))*SizeKeyVal)
	require.NoError(t, err)
	return append([]KeyVal(nil), common.BytesToSlice[KeyVal](out)...)
}

func TestSortMatchesStableSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	in := make([]KeyVal, 10000)
	for i := range in {
		// Few distinct codes so stability is observable.
		in[i] = KeyVal{Key: uint32(i), Code: rng.Uint32() % 64 << 20}
	}
	want := slices.Clone(in)
	slices.SortStableFunc(want, func(x, y KeyVal) int {
		switch {
		case x.Code < y.Code:
			return -1
		case x.Code > y.Code:
			return 1
		}
		return 0
	})

	got := sortOnDevice(t, in, uint32(len(in)))
	assert.Equal(t, want, got)
}

func TestSortUsesDeviceCount(t *testing.T) {
	in := []KeyVal{{Key: 0, Code: 30}, {Key: 1, Code: 10}, {Key: 2, Code: 20}}
	got := sortOnDevice(t, in, 100)
	assert.Equal(t, []KeyVal{{1, 10}, {2, 20}, {0, 30}}, got)
}

func TestSortEmpty(t *testing.T) {
	assert.Empty(t, sortOnDevice(t, nil, 16))
}

func TestMemoryRequirements(t *testing.T) {
	assert.EqualValues(t, RadixSize*4, MemoryRequirements(0))
	assert.EqualValues(t, RadixSize*4, MemoryRequirements(BlockKeys))
	assert.EqualValues(t, 2*RadixSize*4, MemoryRequirements(BlockKeys+1))
	assert.Equal(t, 4, Passes)
}

func TestPushBlockLayout(t *testing.T) {
	pc := PCRadixSort{Src: 1 << 32, Dst: 2 << 32, Histogram: 3 << 32, Count: 4<<32 | 8, Shift: 16, BlockCount: 5}
	b := pc.Marshal()
	require.Len(t, b, pc.Size())
	assert.Equal(t, pc, decodePCRadixSort(b))
	assert.Len(t, pc.Addresses(), 4)
}
