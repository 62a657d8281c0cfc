package graph

import (
	"errors"
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRunsTasksInOrder(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 2)
	defer dev.Release()
	buf, err := dev.CreateBuffer(device.BufferDescriptor{Label: "value", Size: 4})
	require.NoError(t, err)

	p := profiler.NewProfiler(0)
	g := NewGraph(p)
	var seen []uint32
	g.AddSyncTask("write", func(cmd device.CommandContext) error {
		cmd.FillBuffer(buf.Address(), 4, 7)
		return nil
	})
	g.AddSyncTask("read", func(cmd device.CommandContext) error {
		// The fill of the previous task has been submitted and waited for.
		b, err := dev.ReadBuffer(buf.Address(), 4)
		if err != nil {
			return err
		}
		seen = append(seen, uint32(b[0]))
		return nil
	})
	require.Equal(t, 2, g.Len())

	require.NoError(t, g.Execute(dev))
	assert.Equal(t, []uint32{7}, seen)
	assert.Zero(t, g.Len())

	tasks := p.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "write", tasks[0].Name)
	assert.Equal(t, "read", tasks[1].Name)
}

func TestExecuteStopsAtFailure(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 1)
	defer dev.Release()

	buf, err := dev.CreateBuffer(device.BufferDescriptor{Label: "value", Size: 4})
	require.NoError(t, err)

	boom := errors.New("boom")
	g := NewGraph(nil)
	ran := false
	g.AddSyncTask("fail", func(cmd device.CommandContext) error {
		cmd.FillBuffer(buf.Address(), 4, 9)
		return boom
	})
	g.AddSyncTask("after", func(device.CommandContext) error {
		ran = true
		return nil
	})

	err = g.Execute(dev)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fail")
	assert.False(t, ran)
	assert.Zero(t, g.Len())

	b, err := dev.ReadBuffer(buf.Address(), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, b, "the failed task's fill is dropped")
}
