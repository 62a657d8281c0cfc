package graph

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/profiler"
)

var logger = log.New("graph")

// TaskFunc records the work of a task. It may also run host code, such as reading back results
// submitted by an earlier task.
type TaskFunc func(cmd device.CommandContext) error

// Task is one synchronous step: its commands are submitted and waited for before the next task starts.
type Task struct {
	Name string
	Run  TaskFunc
}

// Graph is an ordered list of synchronous tasks.
type Graph struct {
	tasks    []Task
	profiler *profiler.Profiler
}

// NewGraph creates an empty graph.
//
// Parameters:
//   - p: records the wall-clock time of every task, may be nil
//
// Returns:
//   - *Graph: the graph
func NewGraph(p *profiler.Profiler) *Graph {
	return &Graph{profiler: p}
}

// AddSyncTask appends a task.
func (g *Graph) AddSyncTask(name string, run TaskFunc) {
	g.tasks = append(g.tasks, Task{Name: name, Run: run})
}

// Tasks returns the recorded tasks in execution order.
func (g *Graph) Tasks() []Task {
	return g.tasks
}

// Len returns the number of recorded tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Reset drops every recorded task.
func (g *Graph) Reset() {
	g.tasks = g.tasks[:0]
}

// Execute runs every task in order and clears the graph. It stops at the first failing task, whose
// recorded commands are discarded.
//
// Parameters:
//   - dev: the device the tasks record on
//
// Returns:
//   - error: the first task or submission failure
func (g *Graph) Execute(dev device.Device) error {
	defer g.Reset()
	for _, t := range g.tasks {
		if err := g.run(dev, t); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) run(dev device.Device, t Task) error {
	if g.profiler != nil {
		defer g.profiler.Begin(t.Name)()
	}
	cmd := dev.BeginCommands(t.Name)
	if err := t.Run(cmd); err != nil {
		dev.Discard(cmd)
		return fmt.Errorf("graph: task %s: %w", t.Name, err)
	}
	if err := dev.Submit(cmd); err != nil {
		return fmt.Errorf("graph: task %s: %w", t.Name, err)
	}
	logger.Debugf("task %s done", t.Name)
	return nil
}
