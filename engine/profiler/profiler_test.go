package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKeepsFirstSeenOrder(t *testing.T) {
	p := NewProfiler(time.Hour)
	p.Record("build", 3*time.Millisecond)
	p.Record("trace", time.Millisecond)
	p.Record("build", 5*time.Millisecond)

	tasks := p.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskTime{Name: "build", Duration: 5 * time.Millisecond}, tasks[0])
	assert.Equal(t, "trace", tasks[1].Name)

	p.Reset()
	assert.Empty(t, p.Tasks())
}

func TestBeginRecordsElapsed(t *testing.T) {
	p := NewProfiler(0)
	end := p.Begin("sleep")
	time.Sleep(2 * time.Millisecond)
	end()

	tasks := p.Tasks()
	require.Len(t, tasks, 1)
	assert.GreaterOrEqual(t, tasks[0].Duration, 2*time.Millisecond)
}

func TestTickReportsAfterInterval(t *testing.T) {
	p := NewProfiler(time.Millisecond)
	_, ok := p.Last()
	assert.False(t, ok)

	p.Record("frame", time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	require.True(t, p.Tick())

	snap, ok := p.Last()
	require.True(t, ok)
	assert.Positive(t, snap.FPS)
	assert.Positive(t, snap.SysMB)
	assert.Len(t, snap.Tasks, 1)
}
