package main

import (
	"fmt"
	"os"

	"github.com/Carmen-Shannon/oxy-bvh/engine"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// benchResult is one row of the benchmark table.
type benchResult struct {
	scene, pipeline string
	buildMs, cost   float64
	nodes, leaves   uint32
	memory          uint64
	primary, second float64
	nodesPerRay     float64
	trianglesPerRay float64
	volumesPerRay   float64
}

// Bench builds and traces every benchmark scene with every benchmark pipeline.
func Bench(ctx *cli.Context) error {
	setupLogging(ctx)

	frames := ctx.Int("frames")
	if frames < 2 {
		frames = 2
	}
	pipes, err := loadPipelines(ctx)
	if err != nil {
		return err
	}
	scenes, err := loadScenes(ctx)
	if err != nil {
		return err
	}

	sceneNames := ctx.StringSlice("bench-scene")
	if len(sceneNames) == 0 {
		sceneNames = pipes.BenchmarkScenes
	}
	if len(sceneNames) == 0 {
		sceneNames = []string{ctx.String("scene")}
	}
	pipelineNames := ctx.StringSlice("bench-pipeline")
	if len(pipelineNames) == 0 {
		pipelineNames = pipes.BenchmarkPipelines
	}
	if len(pipelineNames) == 0 {
		pipelineNames = pipes.Names()
	}

	var results []benchResult
	for _, sn := range sceneNames {
		entry, err := sceneEntry(scenes, sn)
		if err != nil {
			return err
		}
		for _, pn := range pipelineNames {
			cfg, err := pipes.Get(pn)
			if err != nil {
				return err
			}
			res, err := benchOne(ctx, cfg, entry, frames)
			if err != nil {
				return fmt.Errorf("bench %s/%s: %w", entry.Name, cfg.Name, err)
			}
			results = append(results, res)
		}
	}
	displayBench(results)
	return nil
}

// benchOne renders frames frames and reports the build of the first and the trace of the last.
func benchOne(ctx *cli.Context, cfg config.BVHPipeline, entry config.Scene, frames int) (benchResult, error) {
	eng, release, err := engineFromFlags(ctx, cfg, entry)
	if err != nil {
		return benchResult{}, err
	}
	defer release()

	logger.Noticef("bench %s with %s", entry.Name, cfg.Name)
	for range frames {
		if _, err := eng.Frame(); err != nil {
			return benchResult{}, err
		}
	}
	return newBenchResult(entry.Name, cfg.Name, eng.Stats()), nil
}

// newBenchResult reads one table row out of the stats of the last frame.
func newBenchResult(sceneName, pipelineName string, st engine.FrameStats) benchResult {
	final := st.Build.Final()
	res := benchResult{
		scene:    sceneName,
		pipeline: pipelineName,
		buildMs:  st.Build.TimeTotal(),
		cost:     float64(final.Bvh.CostTotal()),
		nodes:    final.NodeCountTotal,
		leaves:   final.NodeCountLeaf,
		memory:   final.Memory,
	}
	res.primary, res.second = st.Trace.MRaysPerSecond()
	res.nodesPerRay, res.trianglesPerRay, res.volumesPerRay = st.Trace.PerRay()
	return res
}

func displayBench(results []benchResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Scene", "Pipeline", "Build (ms)", "SAH cost", "Nodes", "Leaves", "Memory (KiB)",
		"Primary Mrays/s", "Secondary Mrays/s", "Nodes/ray", "Tris/ray", "BVs/ray"})
	for _, r := range results {
		table.Append([]string{
			r.scene,
			r.pipeline,
			fmt.Sprintf("%.3f", r.buildMs),
			fmt.Sprintf("%.2f", r.cost),
			fmt.Sprint(r.nodes),
			fmt.Sprint(r.leaves),
			fmt.Sprintf("%.1f", float64(r.memory)/1024),
			fmt.Sprintf("%.2f", r.primary),
			fmt.Sprintf("%.2f", r.second),
			fmt.Sprintf("%.2f", r.nodesPerRay),
			fmt.Sprintf("%.2f", r.trianglesPerRay),
			fmt.Sprintf("%.2f", r.volumesPerRay),
		})
	}
	table.Render()
}
