package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Procedural describes a generated scene used when no mesh file is given.
type Procedural struct {
	// Kind is one of "grid", "sphere" or "soup".
	Kind string `toml:"kind"`

	// Count is the grid resolution, sphere subdivision level or triangle count, depending on Kind.
	Count int `toml:"count"`

	// Seed drives the random triangle soup.
	Seed int64 `toml:"seed"`
}

// Scene is one entry of the scenes file with paths already joined to their prefixes.
type Scene struct {
	Name       string     `toml:"name"`
	File       string     `toml:"file"`
	Camera     string     `toml:"cam"`
	Procedural Procedural `toml:"procedural"`
}

// Scenes is the content of a scenes file.
type Scenes struct {
	StartupScene     string  `toml:"startup_scene"`
	PathPrefixScene  string  `toml:"path_prefix_scene"`
	PathPrefixCamera string  `toml:"path_prefix_camera"`
	Scenes           []Scene `toml:"scenes"`
}

// LoadScenes reads a TOML scenes file. Relative prefixes are resolved against res.
//
// Parameters:
//   - res: resource root directory
//   - path: the scenes file path
//
// Returns:
//   - *Scenes: the parsed scenes with resolved file paths
//   - error: if the file cannot be read or decoded
func LoadScenes(res, path string) (*Scenes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read scenes: %w", err)
	}
	var s Scenes
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: decode scenes: %w", err)
	}

	scenePrefix := resolvePrefix(res, s.PathPrefixScene)
	cameraPrefix := resolvePrefix(res, s.PathPrefixCamera)
	kept := s.Scenes[:0]
	for _, sc := range s.Scenes {
		if sc.Name == "" {
			continue
		}
		if sc.File != "" {
			sc.File = filepath.Join(scenePrefix, sc.File)
		}
		if sc.Camera != "" {
			sc.Camera = filepath.Join(cameraPrefix, sc.Camera)
		}
		kept = append(kept, sc)
	}
	s.Scenes = kept
	return &s, nil
}

func resolvePrefix(res, prefix string) string {
	if filepath.IsAbs(prefix) {
		return prefix
	}
	return filepath.Join(res, prefix)
}

// Get returns the named scene, or the startup scene when name is empty.
//
// Returns:
//   - Scene: the scene entry
//   - bool: false when no scene matches
func (s *Scenes) Get(name string) (Scene, bool) {
	if name == "" {
		name = s.StartupScene
	}
	for _, sc := range s.Scenes {
		if sc.Name == name {
			return sc, true
		}
	}
	return Scene{}, false
}
