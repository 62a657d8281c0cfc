package device

import (
	"encoding/binary"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPush struct {
	dst   Address
	count uint32
	value uint32
}

func (p testPush) Size() int { return 16 }

func (p testPush) Marshal() []byte {
	return NewEncoder(16).Addr(p.dst).U32(p.count).U32(p.value).Bytes()
}

func (p testPush) Addresses() []Address { return []Address{p.dst} }

func init() {
	RegisterKernel("test/fill_index", func(k *KernelContext) error {
		d := k.Decoder()
		dst, count, value := d.Addr(), int(d.U32()), d.U32()
		out := Slice[uint32](k, dst, count)
		k.ParallelFor(count, func(i int) {
			out[i] = uint32(i) + value
		})
		return nil
	})
	RegisterKernel("test/count_groups", func(k *KernelContext) error {
		counter := Ptr[uint32](k, k.Decoder().Addr())
		k.ParallelFor(int(k.Groups[0]*k.Groups[1]*k.Groups[2]), func(int) {
			atomic.AddUint32(counter, 1)
		})
		return nil
	})
	RegisterKernel("test/out_of_bounds", func(k *KernelContext) error {
		Slice[uint32](k, k.Decoder().Addr(), 1<<20)
		return nil
	})
}

func newTestDevice(t *testing.T) Device {
	t.Helper()
	d := NewHostDevice(DefaultCapabilities(), 4)
	t.Cleanup(d.Release)
	return d
}

func TestAddress(t *testing.T) {
	a := MakeAddress(3, 128)
	assert.Equal(t, uint32(3), a.ID())
	assert.Equal(t, uint32(128), a.Offset())
	assert.Equal(t, MakeAddress(3, 136), a.Add(8))
	assert.True(t, Address(0).Add(8).IsNull())
	assert.Equal(t, "null", Address(0).String())
}

func TestCreateBufferZeroSize(t *testing.T) {
	d := newTestDevice(t)
	b, err := d.CreateBuffer(BufferDescriptor{Label: "empty"})
	require.NoError(t, err)
	assert.True(t, b.Address().IsNull())
	assert.Zero(t, d.MemoryUsage())
	b.Release()
}

func TestBufferRoundTripAndRelease(t *testing.T) {
	d := newTestDevice(t)
	b, err := d.CreateBuffer(BufferDescriptor{Label: "data", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), d.MemoryUsage())

	require.NoError(t, d.WriteBuffer(b.Address().Add(2), []byte{1, 2, 3}))
	got, err := d.ReadBuffer(b.Address(), 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 2, 3, 0}, got)

	_, err = d.ReadBuffer(b.Address().Add(8), 4)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	b.Release()
	b.Release()
	assert.Zero(t, d.MemoryUsage())
	_, err = d.ReadBuffer(b.Address(), 1)
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestCommandsExecuteInOrder(t *testing.T) {
	d := newTestDevice(t)
	b, err := d.CreateBuffer(BufferDescriptor{Label: "words", Size: 4 * 4096})
	require.NoError(t, err)
	c, err := d.CreateBuffer(BufferDescriptor{Label: "copy", Size: 16})
	require.NoError(t, err)
	p, err := d.CreatePipeline(PipelineDescriptor{Shader: "test/fill_index"})
	require.NoError(t, err)

	cmd := d.BeginCommands("order")
	cmd.FillBuffer(b.Address(), 4*4096, 0xFFFFFFFF)
	cmd.Dispatch(p, testPush{dst: b.Address(), count: 4000, value: 10}, 1, 1, 1)
	cmd.Barrier()
	cmd.CopyBuffer(b.Address(), c.Address(), 16)
	cmd.Dispatch(nil, nil, 1, 1, 1)
	require.NoError(t, d.Submit(cmd))

	raw, err := d.ReadBuffer(b.Address(), 4*4096)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(raw[0:]))
	assert.Equal(t, uint32(4009), binary.LittleEndian.Uint32(raw[4*3999:]))
	assert.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(raw[4*4000:]))

	head, err := d.ReadBuffer(c.Address(), 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(13), binary.LittleEndian.Uint32(head[12:]))
}

func TestWriteBufferCapturedAtRecord(t *testing.T) {
	d := newTestDevice(t)
	b, err := d.CreateBuffer(BufferDescriptor{Label: "staged", Size: 4})
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4}
	cmd := d.BeginCommands("staged")
	cmd.WriteBuffer(b.Address(), data)
	data[0] = 9
	require.NoError(t, d.Submit(cmd))

	got, err := d.ReadBuffer(b.Address(), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestDispatchIndirectReadsArgsAtExecution(t *testing.T) {
	d := newTestDevice(t)
	args, err := d.CreateBuffer(BufferDescriptor{Label: "args", Size: 12, Usage: UsageIndirect})
	require.NoError(t, err)
	counter, err := d.CreateBuffer(BufferDescriptor{Label: "counter", Size: 4})
	require.NoError(t, err)
	p, err := d.CreatePipeline(PipelineDescriptor{Shader: "test/count_groups"})
	require.NoError(t, err)

	cmd := d.BeginCommands("indirect")
	cmd.WriteBuffer(args.Address(), NewEncoder(12).U32(7).U32(3).U32(1).Bytes())
	cmd.DispatchIndirect(p, testPush{dst: counter.Address()}, args.Address())
	require.NoError(t, d.Submit(cmd))

	got, err := d.ReadBuffer(counter.Address(), 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(21), binary.LittleEndian.Uint32(got))
}

func TestKernelFaultBecomesError(t *testing.T) {
	d := newTestDevice(t)
	b, err := d.CreateBuffer(BufferDescriptor{Label: "small", Size: 4})
	require.NoError(t, err)
	p, err := d.CreatePipeline(PipelineDescriptor{Shader: "test/out_of_bounds"})
	require.NoError(t, err)

	cmd := d.BeginCommands("fault")
	cmd.Dispatch(p, testPush{dst: b.Address()}, 1, 1, 1)
	err = d.Submit(cmd)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "test/out_of_bounds", fault.Kernel)
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestTimestampsIncrease(t *testing.T) {
	d := newTestDevice(t)
	b, err := d.CreateBuffer(BufferDescriptor{Label: "times", Size: 16})
	require.NoError(t, err)

	cmd := d.BeginCommands("times")
	cmd.WriteTimestamp(b.Address())
	cmd.WriteTimestamp(b.Address().Add(8))
	require.NoError(t, d.Submit(cmd))

	raw, err := d.ReadBuffer(b.Address(), 16)
	require.NoError(t, err)
	assert.LessOrEqual(t, binary.LittleEndian.Uint64(raw), binary.LittleEndian.Uint64(raw[8:]))
}

func TestUnknownKernel(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.CreatePipeline(PipelineDescriptor{Shader: "test/missing"})
	assert.ErrorIs(t, err, ErrKernelNotFound)
	assert.Contains(t, KernelNames(), "test/fill_index")
}

func TestSubmitForeignCommands(t *testing.T) {
	a, b := newTestDevice(t), newTestDevice(t)
	assert.ErrorIs(t, a.Submit(b.BeginCommands("other")), ErrForeignCommands)
}

func TestBuffersGroup(t *testing.T) {
	d := newTestDevice(t)
	g := NewBuffers(d, "stage")
	a := g.Alloc("nodes", 64, UsageStorage)
	assert.False(t, a.IsNull())
	assert.True(t, g.Alloc("empty", 0, UsageStorage).IsNull())
	g.Alloc("ids", 16, UsageStorage)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, uint64(80), g.Size())
	assert.Equal(t, uint64(80), d.MemoryUsage())

	g.Alloc("huge", 1<<33, UsageStorage)
	require.Error(t, g.Err())
	assert.True(t, g.Alloc("after", 8, UsageStorage).IsNull())

	g.Release()
	assert.NoError(t, g.Err())
	assert.Zero(t, d.MemoryUsage())
}

func TestDiscardDropsRecordedWork(t *testing.T) {
	d := newTestDevice(t)
	b, err := d.CreateBuffer(BufferDescriptor{Label: "value", Size: 4})
	require.NoError(t, err)

	cmd := d.BeginCommands("discarded")
	cmd.FillBuffer(b.Address(), 4, 5)
	d.Discard(cmd)
	require.NoError(t, d.Submit(cmd))

	got, err := d.ReadBuffer(b.Address(), 4)
	require.NoError(t, err)
	assert.Zero(t, binary.LittleEndian.Uint32(got))
}
