package camera

import (
	"fmt"
	"io"
	"os"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
	"gopkg.in/yaml.v3"
)

// Preset is a saved view, stored as YAML next to the scenes.
type Preset struct {
	Position common.Vec3 `yaml:"position"`
	Target   common.Vec3 `yaml:"target"`
	Up       common.Vec3 `yaml:"up,omitempty"`
	FovDeg   float32     `yaml:"fov_deg,omitempty"`
	Near     float32     `yaml:"near,omitempty"`
	Far      float32     `yaml:"far,omitempty"`
}

// LoadPreset reads a YAML camera preset.
//
// Parameters:
//   - path: the preset file
//
// Returns:
//   - Preset: the preset
//   - error: if the file cannot be read or parsed
func LoadPreset(path string) (Preset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Preset{}, err
	}
	defer f.Close()
	return ReadPreset(f)
}

// ReadPreset parses a YAML camera preset.
func ReadPreset(r io.Reader) (Preset, error) {
	var p Preset
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		return Preset{}, fmt.Errorf("camera: preset: %w", err)
	}
	if p.Position == p.Target {
		return Preset{}, fmt.Errorf("camera: preset: position and target coincide at %v", p.Position)
	}
	return p, nil
}

// Write encodes the preset as YAML.
func (p Preset) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}

// Options turns the preset into camera options. Zero fields keep the camera defaults.
//
// Returns:
//   - []CameraBuilderOption: the options
func (p Preset) Options() []CameraBuilderOption {
	opts := []CameraBuilderOption{WithLookAt(p.Position, p.Target)}
	if p.Up != (common.Vec3{}) {
		opts = append(opts, WithUp(p.Up))
	}
	if p.FovDeg > 0 {
		opts = append(opts, WithFov(p.FovDeg*math32.Pi/180))
	}
	if p.Near > 0 && p.Far > p.Near {
		opts = append(opts, WithClip(p.Near, p.Far))
	}
	return opts
}
