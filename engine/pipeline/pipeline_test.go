package pipeline

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	device.RegisterKernel("pipeline_test/constant", func(k *device.KernelContext) error {
		out := device.Ptr[uint32](k, k.Decoder().Addr())
		*out = k.Constant("VALUE", 1)
		return nil
	})
}

type addrPush struct{ a device.Address }

func (p addrPush) Size() int                    { return 8 }
func (p addrPush) Marshal() []byte              { return device.NewEncoder(8).Addr(p.a).Bytes() }
func (p addrPush) Addresses() []device.Address { return []device.Address{p.a} }

func TestUpdateFollowsCacheVersion(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 1)
	defer dev.Release()
	cache := shader.NewCache("")

	p := NewPipeline("pipeline_test/constant", WithConstant("VALUE", 42), WithLabel("constant"))
	assert.Nil(t, p.Handle())
	assert.Zero(t, p.Version())

	rebuilt, err := p.Update(dev, cache)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	require.NotNil(t, p.Handle())
	assert.Equal(t, "constant", p.Handle().Label())

	rebuilt, err = p.Update(dev, cache)
	require.NoError(t, err)
	assert.False(t, rebuilt)

	v := cache.Bump("pipeline_test/constant")
	rebuilt, err = p.Update(dev, cache)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, v, p.Version())

	buf, err := dev.CreateBuffer(device.BufferDescriptor{Label: "out", Size: 4})
	require.NoError(t, err)
	cmd := dev.BeginCommands("run")
	cmd.Dispatch(p.Handle(), addrPush{buf.Address()}, 1, 1, 1)
	require.NoError(t, dev.Submit(cmd))
	b, err := dev.ReadBuffer(buf.Address(), 4)
	require.NoError(t, err)
	assert.EqualValues(t, 42, b[0])

	p.Release()
	assert.Nil(t, p.Handle())
	rebuilt, err = p.Update(dev, cache)
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

func TestUpdateUnknownKernelLeavesPipelineUnloaded(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 1)
	defer dev.Release()
	cache := shader.NewCache("")

	p := NewPipeline("pipeline_test/missing", WithConstants(map[string]uint32{"A": 1, "B": 2}))
	assert.Equal(t, map[string]uint32{"A": 1, "B": 2}, p.Constants())

	_, err := p.Update(dev, cache)
	assert.ErrorIs(t, err, device.ErrKernelNotFound)
	assert.Nil(t, p.Handle())

	rebuilt, err := p.Update(dev, cache)
	assert.NoError(t, err)
	assert.False(t, rebuilt)
}

func TestCompiledReflectionSurvivesMissingKernel(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 1)
	defer dev.Release()

	p := NewPipeline("plocpp/copy_sorted_ids", WithConstant("SIZE_WORKGROUP", 64))
	_, err := p.Update(dev, shader.NewCache(""))
	assert.ErrorIs(t, err, device.ErrKernelNotFound)
	assert.Equal(t, [3]uint32{64, 1, 1}, p.Compiled().WorkgroupSize)
}
