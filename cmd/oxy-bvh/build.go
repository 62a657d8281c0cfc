package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Carmen-Shannon/oxy-bvh/engine/builder"
	"github.com/Carmen-Shannon/oxy-bvh/engine/graph"
	"github.com/Carmen-Shannon/oxy-bvh/engine/profiler"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// BuildScene builds the hierarchy of one scene and prints the report of every stage.
func BuildScene(ctx *cli.Context) error {
	setupLogging(ctx)

	pipes, err := loadPipelines(ctx)
	if err != nil {
		return err
	}
	cfg, err := selectPipeline(ctx, pipes)
	if err != nil {
		return err
	}
	scenes, err := loadScenes(ctx)
	if err != nil {
		return err
	}
	entry, err := sceneEntry(scenes, ctx.String("scene"))
	if err != nil {
		return err
	}

	dev, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer dev.Release()

	sc, err := loadScene(entry)
	if err != nil {
		return err
	}
	if err := sc.Upload(dev); err != nil {
		return err
	}
	defer sc.Release()

	b := builder.NewBuilder(dev, openShaderCache(ctx))
	defer b.Release()
	b.Configure(cfg)

	prof := profiler.NewProfiler(0)
	g := graph.NewGraph(prof)
	b.BVHBuildPiecewise(g, sc)
	if err := g.Execute(dev); err != nil {
		return err
	}
	if b.State() != builder.StateDone {
		return fmt.Errorf("build stopped at %s", b.State())
	}

	stats := b.GetStatsBuild()
	if ctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	logger.Noticef("scene %q (%d triangles), pipeline %q on %s",
		sc.Name(), sc.TotalTriangleCount(), cfg.Name, dev.Capabilities().DeviceName)
	stats.WriteTable(os.Stdout)
	displayTaskTimes(prof.Tasks())
	return nil
}

// displayTaskTimes prints the host wall-clock time of every graph task.
func displayTaskTimes(tasks []profiler.TaskTime) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Task", "Wall time (ms)"})
	var total time.Duration
	for _, t := range tasks {
		total += t.Duration
		table.Append([]string{t.Name, fmt.Sprintf("%.3f", float64(t.Duration.Microseconds())/1000)})
	}
	table.SetFooter([]string{"Total", fmt.Sprintf("%.3f", float64(total.Microseconds())/1000)})
	table.Render()
}
