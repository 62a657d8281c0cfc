package main

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Carmen-Shannon/oxy-bvh/engine/camera"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/urfave/cli"
)

// fallbackScene is rendered when neither a scenes file nor a mesh is given.
var fallbackScene = config.Scene{
	Name:       "sphere",
	Procedural: config.Procedural{Kind: "sphere", Count: 4},
}

// openDevice creates the compute backend selected by --device.
func openDevice(ctx *cli.Context) (device.Device, error) {
	switch ctx.String("device") {
	case "", "host":
		workers := ctx.Int("workers")
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		return device.NewHostDevice(device.DefaultCapabilities(), workers), nil
	case "wgpu":
		if err := checkWGSL(openShaderCache(ctx), device.KernelNames()); err != nil {
			return nil, err
		}
		return device.NewWGPUDevice(false)
	default:
		return nil, fmt.Errorf("unknown device %q, expected host or wgpu", ctx.String("device"))
	}
}

// checkWGSL fails unless every kernel has WGSL source for the wgpu backend.
func checkWGSL(cache *shader.Cache, kernels []string) error {
	missing := cache.Missing(kernels...)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("wgpu device: no WGSL source for %d of %d kernels (%s), use --device host or --shaders",
		len(missing), len(kernels), strings.Join(missing, ", "))
}

func openShaderCache(ctx *cli.Context) *shader.Cache {
	return shader.NewCache(ctx.String("shaders"))
}

// loadPipelines reads --pipelines, or returns the built-in default pipeline alone.
func loadPipelines(ctx *cli.Context) (*config.Pipelines, error) {
	path := ctx.String("pipelines")
	if path == "" {
		return &config.Pipelines{Default: config.DefaultPipeline()}, nil
	}
	return config.LoadPipelines(path)
}

// selectPipeline resolves --pipeline against the loaded pipelines.
func selectPipeline(ctx *cli.Context, p *config.Pipelines) (config.BVHPipeline, error) {
	return p.Get(ctx.String("pipeline"))
}

func loadScenes(ctx *cli.Context) (*config.Scenes, error) {
	path := ctx.String("scenes")
	if path == "" {
		return nil, nil
	}
	return config.LoadScenes(ctx.String("res"), path)
}

// sceneEntry resolves a scene name to its entry. Names ending in .obj, .gltf or .glb are mesh files;
// anything else must be listed in the scenes file.
func sceneEntry(scenes *config.Scenes, name string) (config.Scene, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".obj", ".gltf", ".glb":
		return config.Scene{
			Name: strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)),
			File: name,
		}, nil
	}
	if scenes == nil {
		if name == "" || name == fallbackScene.Name {
			return fallbackScene, nil
		}
		return config.Scene{}, fmt.Errorf("scene %q: no scenes file given", name)
	}
	entry, ok := scenes.Get(name)
	if !ok {
		return config.Scene{}, fmt.Errorf("scene %q not found", name)
	}
	return entry, nil
}

// loadScene reads the entry's meshes. The scene is not uploaded yet.
func loadScene(entry config.Scene) (scene.Scene, error) {
	sc, err := scene.Load(entry)
	if err != nil {
		return nil, fmt.Errorf("scene %q: %w", entry.Name, err)
	}
	logger.Infof("loaded scene %q: %d triangles", sc.Name(), sc.TotalTriangleCount())
	return sc, nil
}

// loadCamera builds the camera from --cam, else from the scene's preset. It returns nil when neither is
// set so the engine frames the scene itself.
func loadCamera(ctx *cli.Context, entry config.Scene) (camera.Camera, error) {
	path := ctx.String("cam")
	if path == "" {
		path = entry.Camera
	}
	if path == "" {
		return nil, nil
	}
	p, err := camera.LoadPreset(path)
	if err != nil {
		return nil, err
	}
	logger.Infof("camera preset %s", path)
	return camera.NewCamera(p.Options()...), nil
}

func parseMode(ctx *cli.Context) (config.VisMode, error) {
	return config.ParseVisMode(ctx.String("mode"))
}
