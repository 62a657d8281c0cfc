package main

import (
	"errors"
	"fmt"
	"image/png"
	"os"
	"time"

	"github.com/Carmen-Shannon/oxy-bvh/engine"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/tracer"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// engineFromFlags creates an engine for the scene and pipeline flags shared by render, bench and serve.
// The caller releases the engine, then the returned device.
func engineFromFlags(ctx *cli.Context, cfg config.BVHPipeline, entry config.Scene, extra ...engine.EngineBuilderOption) (engine.Engine, func(), error) {
	mode, err := parseMode(ctx)
	if err != nil {
		return nil, nil, err
	}
	cam, err := loadCamera(ctx, entry)
	if err != nil {
		return nil, nil, err
	}
	dev, err := openDevice(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []engine.EngineBuilderOption{
		engine.WithDevice(dev),
		engine.WithShaderCache(openShaderCache(ctx)),
		engine.WithPipeline(cfg),
		engine.WithResolution(uint32(ctx.Int("width")), uint32(ctx.Int("height"))),
		engine.WithVisualizationMode(mode),
		engine.WithPathDepth(uint32(ctx.Int("depth"))),
	}
	if cam != nil {
		opts = append(opts, engine.WithCamera(cam))
	}
	eng, err := engine.NewEngine(append(opts, extra...)...)
	if err != nil {
		dev.Release()
		return nil, nil, err
	}
	release := func() {
		eng.Release()
		dev.Release()
	}

	sc, err := loadScene(entry)
	if err != nil {
		release()
		return nil, nil, err
	}
	if err := eng.LoadScene(sc); err != nil {
		sc.Release()
		release()
		return nil, nil, err
	}
	return eng, release, nil
}

// RenderFrame accumulates a still frame and writes it as PNG.
func RenderFrame(ctx *cli.Context) error {
	setupLogging(ctx)

	spp := ctx.Int("spp")
	if spp <= 0 {
		return errors.New("spp must be positive")
	}
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

	eng, release, err := engineFromFlags(ctx, cfg, entry, engine.WithSampleLimit(uint32(spp)))
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	var last engine.FrameStats
	for eng.Samples() < uint32(spp) {
		st, err := eng.Frame()
		if err != nil {
			return err
		}
		// the tracer is off or the hierarchy does not match it; nothing will accumulate
		if !st.Built && st.Samples == last.Samples && st.Frame > 1 {
			return fmt.Errorf("no samples traced with pipeline %q in mode %s", cfg.Name, st.Mode)
		}
		last = st
	}
	logger.Noticef("rendered %d samples in %v", eng.Samples(), time.Since(start).Round(time.Millisecond))

	img, err := eng.Image()
	if err != nil {
		return err
	}
	f, err := os.Create(ctx.String("out"))
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Noticef("wrote %s", ctx.String("out"))

	if path := ctx.String("save-cam"); path != "" {
		if err := saveCamera(eng, path); err != nil {
			return err
		}
	}

	last.Build.WriteTable(os.Stdout)
	displayTraceStats(last.Trace)
	return nil
}

func saveCamera(eng engine.Engine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := eng.Camera().Preset().Write(f); err != nil {
		f.Close()
		return err
	}
	logger.Noticef("saved camera to %s", path)
	return f.Close()
}

// displayTraceStats prints the rays and device time of every bounce of the last frame.
func displayTraceStats(s tracer.Stats) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Depth", "Rays", "Trace time (ms)", "Mrays/s"})
	for depth, d := range s.Depths {
		if d.RayCount == 0 {
			continue
		}
		var mrays float64
		if d.TraceTimeMs > 0 {
			mrays = float64(d.RayCount) / (d.TraceTimeMs * 1e3)
		}
		table.Append([]string{
			fmt.Sprint(depth),
			fmt.Sprint(d.RayCount),
			fmt.Sprintf("%.3f", d.TraceTimeMs),
			fmt.Sprintf("%.2f", mrays),
		})
	}
	nodes, tris, bvs := s.PerRay()
	table.SetFooter([]string{"Total", fmt.Sprint(s.RayCount()), "", fmt.Sprintf("%.2f nodes, %.2f tris, %.2f BVs per ray", nodes, tris, bvs)})
	table.Render()
}
