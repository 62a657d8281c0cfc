package profiler

import (
	"runtime"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
)

var logger = log.New("profiler")

// TaskTime is the wall-clock time of one named task in the last frame it ran.
type TaskTime struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
}

// Snapshot is the state reported by the profiler at the end of an interval.
type Snapshot struct {
	FPS         float64    `json:"fps"`
	HeapMB      float64    `json:"heap_mb"`
	AllocRateMB float64    `json:"alloc_rate_mb"`
	GCCount     uint32     `json:"gc_count"`
	LastPauseUs uint64     `json:"last_pause_us"`
	MaxPauseUs  uint64     `json:"max_pause_us"`
	SysMB       float64    `json:"sys_mb"`
	Tasks       []TaskTime `json:"tasks"`
}

// Profiler tracks frame rate, memory statistics and per-task wall-clock time.
// Frame stats are logged at a configurable interval.
type Profiler struct {
	mu sync.Mutex

	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64

	tasks    []TaskTime
	last     Snapshot
	hasStats bool
}

// NewProfiler creates a new Profiler.
//
// Parameters:
//   - interval: how often Tick reports, 0 for one second
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler(interval time.Duration) *Profiler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Profiler{
		lastTime:       time.Now(),
		updateInterval: interval,
	}
}

// Begin starts timing a task. The returned function stops the timer.
// A task that runs again replaces its previous time.
//
// Parameters:
//   - name: the task name
//
// Returns:
//   - func(): stops the timer and records the duration
func (p *Profiler) Begin(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record stores the duration of a task.
func (p *Profiler) Record(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.tasks {
		if p.tasks[i].Name == name {
			p.tasks[i].Duration = d
			return
		}
	}
	p.tasks = append(p.tasks, TaskTime{Name: name, Duration: d})
}

// Tasks returns the recorded task times in first-seen order.
func (p *Profiler) Tasks() []TaskTime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TaskTime(nil), p.tasks...)
}

// Reset forgets every recorded task time.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = p.tasks[:0]
}

// Tick should be called once per frame to track frame timing.
// Logs performance statistics when the update interval has elapsed.
// Statistics include: FPS, heap usage, allocation rate, GC count/pause times, total memory.
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.frameCount++
	currentTime := time.Now()
	elapsed := currentTime.Sub(p.lastTime)
	if elapsed < p.updateInterval {
		return false
	}

	runtime.ReadMemStats(&p.memStats)
	s := Snapshot{
		FPS:    float64(p.frameCount) / elapsed.Seconds(),
		HeapMB: float64(p.memStats.Alloc) / 1024 / 1024,
		SysMB:  float64(p.memStats.Sys) / 1024 / 1024,
	}

	// TotalAlloc only grows, so its delta is the allocation churn of the interval.
	allocDelta := p.memStats.TotalAlloc - p.lastTotalAlloc
	s.AllocRateMB = float64(allocDelta) / 1024 / 1024 / elapsed.Seconds()

	s.GCCount = p.memStats.NumGC
	if s.GCCount > 0 {
		// PauseNs is a circular buffer of the last 256 pauses.
		s.LastPauseUs = p.memStats.PauseNs[(s.GCCount-1)%256] / 1000
		startIdx := p.lastGCCount
		if s.GCCount-startIdx > 256 {
			startIdx = s.GCCount - 256
		}
		for i := startIdx; i < s.GCCount; i++ {
			s.MaxPauseUs = max(s.MaxPauseUs, p.memStats.PauseNs[i%256]/1000)
		}
	}
	s.Tasks = append([]TaskTime(nil), p.tasks...)

	logger.Infof("FPS: %.2f | Heap: %.2f MB | Alloc Rate: %.2f MB/s | GC: %d (last: %d µs, max: %d µs) | Sys: %.2f MB",
		s.FPS, s.HeapMB, s.AllocRateMB, s.GCCount, s.LastPauseUs, s.MaxPauseUs, s.SysMB)

	p.frameCount = 0
	p.lastTime = currentTime
	p.lastGCCount = s.GCCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	p.last = s
	p.hasStats = true
	return true
}

// Last returns the snapshot of the most recent reporting Tick.
//
// Returns:
//   - Snapshot: the snapshot
//   - bool: false if no interval has elapsed yet
func (p *Profiler) Last() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasStats
}
