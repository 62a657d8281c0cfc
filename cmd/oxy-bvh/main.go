// Command oxy-bvh builds bounding volume hierarchies over triangle scenes and path traces them.
package main

import (
	"os"

	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "oxy-bvh"
	app.Usage = "build and trace bounding volume hierarchies"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}

	sceneFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "res",
			Value: "res",
			Usage: "resource root that relative scene and camera prefixes resolve against",
		},
		cli.StringFlag{
			Name:  "scenes",
			Usage: "scenes file (TOML)",
		},
		cli.StringFlag{
			Name:  "scene, s",
			Usage: "scene name from the scenes file, or an OBJ or glTF file",
		},
		cli.StringFlag{
			Name:  "pipelines",
			Usage: "pipelines file (TOML or YAML)",
		},
		cli.StringFlag{
			Name:  "pipeline, p",
			Usage: "pipeline name; defaults to the file's default pipeline",
		},
		cli.StringFlag{
			Name:  "shaders",
			Usage: "directory overriding the embedded shaders",
		},
		cli.StringFlag{
			Name:  "device",
			Value: "host",
			Usage: "compute backend: host or wgpu",
		},
		cli.IntFlag{
			Name:  "workers",
			Usage: "host device worker count; 0 uses every CPU",
		},
	}
	imageFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "width",
			Value: 640,
			Usage: "frame width",
		},
		cli.IntFlag{
			Name:  "height",
			Value: 480,
			Usage: "frame height",
		},
		cli.IntFlag{
			Name:  "depth",
			Value: 7,
			Usage: "bounces traced after the primary hit",
		},
		cli.StringFlag{
			Name:  "mode",
			Value: "pt",
			Usage: "visualization mode: pt, bv or int",
		},
		cli.StringFlag{
			Name:  "cam",
			Usage: "camera preset (YAML) overriding the scene's camera",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:  "build",
			Usage: "build the hierarchy of a scene and print per-stage stats",
			Flags: append(sceneFlags,
				cli.BoolFlag{
					Name:  "json",
					Usage: "print the stats as JSON",
				},
			),
			Action: BuildScene,
		},
		{
			Name:  "render",
			Usage: "render a scene to a PNG file",
			Description: `
Build the hierarchy of a scene, accumulate spp path traced samples and write the
resolved frame. Per-bounce ray counts and trace times are printed afterwards.`,
			Flags: append(append(sceneFlags, imageFlags...),
				cli.IntFlag{
					Name:  "spp",
					Value: 16,
					Usage: "samples per pixel",
				},
				cli.StringFlag{
					Name:  "out, o",
					Value: "frame.png",
					Usage: "image filename for the rendered frame",
				},
				cli.StringFlag{
					Name:  "save-cam",
					Usage: "write the camera used as a YAML preset",
				},
			),
			Action: RenderFrame,
		},
		{
			Name:  "bench",
			Usage: "build and trace every benchmark scene with every benchmark pipeline",
			Flags: append(append(sceneFlags, imageFlags...),
				cli.IntFlag{
					Name:  "frames",
					Value: 8,
					Usage: "frames traced per scene and pipeline",
				},
				cli.StringSliceFlag{
					Name:  "bench-scene",
					Value: &cli.StringSlice{},
					Usage: "scene to benchmark; defaults to the pipelines file's benchmark_scenes",
				},
				cli.StringSliceFlag{
					Name:  "bench-pipeline",
					Value: &cli.StringSlice{},
					Usage: "pipeline to benchmark; defaults to the pipelines file's benchmark_pipelines",
				},
			),
			Action: Bench,
		},
		{
			Name:  "serve",
			Usage: "render continuously and stream stats to websocket clients",
			Description: `
Render the scene in a loop. Writes to the pipelines file reconfigure the running
pipeline, writes to the shader directory rebuild the affected stages, and every
frame report is broadcast on /ws. Clients may send {"mode": "bv"},
{"pipeline": "name"} or {"orbit": true}.`,
			Flags: append(append(sceneFlags, imageFlags...),
				cli.StringFlag{
					Name:  "addr",
					Value: "localhost:8080",
					Usage: "monitor listen address",
				},
				cli.BoolFlag{
					Name:  "orbit",
					Usage: "orbit the camera around the scene",
				},
				cli.Float64Flag{
					Name:  "fps",
					Usage: "render frame limit; 0 is uncapped",
				},
				cli.BoolFlag{
					Name:  "profile",
					Usage: "log frame rate and memory statistics",
				},
			),
			Action: Serve,
		},
		{
			Name:      "pipelines",
			Usage:     "list the configured pipelines",
			ArgsUsage: "[name]",
			Description: `
Without arguments, list every pipeline of the file. With a name, print that
pipeline fully resolved against its parents as TOML.`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "pipelines",
					Usage: "pipelines file (TOML or YAML)",
				},
			},
			Action: ListPipelines,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
