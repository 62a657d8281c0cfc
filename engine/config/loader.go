package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
)

var logger = log.New("config")

// ErrPipelineNotFound is returned when a pipeline name is not present in a loaded file.
var ErrPipelineNotFound = errors.New("config: pipeline not found")

// Pipelines is the resolved content of a pipelines file.
type Pipelines struct {
	// Default is the resolved default_pipeline table.
	Default BVHPipeline

	// Benchmark holds the benchmark pipelines in file order, each resolved against its parent.
	Benchmark []BVHPipeline

	// BenchmarkScenes lists scene names the bench command iterates by default.
	BenchmarkScenes []string

	// BenchmarkPipelines lists pipeline names the bench command iterates by default.
	BenchmarkPipelines []string
}

// Get returns the pipeline with the given name. "default" and "" return the default pipeline.
//
// Parameters:
//   - name: the pipeline name
//
// Returns:
//   - BVHPipeline: the resolved pipeline
//   - error: ErrPipelineNotFound if no pipeline has that name
func (p *Pipelines) Get(name string) (BVHPipeline, error) {
	if name == "" || name == p.Default.Name {
		return p.Default, nil
	}
	for _, bp := range p.Benchmark {
		if bp.Name == name {
			return bp, nil
		}
	}
	return BVHPipeline{}, fmt.Errorf("%w: %q", ErrPipelineNotFound, name)
}

// Names returns the default pipeline name followed by every benchmark pipeline name.
func (p *Pipelines) Names() []string {
	names := make([]string, 0, len(p.Benchmark)+1)
	names = append(names, p.Default.Name)
	for _, bp := range p.Benchmark {
		names = append(names, bp.Name)
	}
	return names
}

type persistentThreadsDoc struct {
	WorkgroupCount    *uint32 `toml:"workgroup_count" yaml:"workgroup_count"`
	WarpsPerWorkgroup *uint32 `toml:"warps_per_workgroup" yaml:"warps_per_workgroup"`
}

// pipelineDoc mirrors one pipeline table. Absent keys stay nil and keep the inherited value.
// Shader fields hold keys into the file's [shader] table, not shader names.
type pipelineDoc struct {
	Name   string `toml:"name" yaml:"name"`
	Parent string `toml:"parent" yaml:"parent"`

	PLOC struct {
		BV     *BV `toml:"bv" yaml:"bv"`
		Shader struct {
			InitialClusters *string `toml:"initial_clusters" yaml:"initial_clusters"`
			CopyClusters    *string `toml:"copy_clusters" yaml:"copy_clusters"`
			Iterations      *string `toml:"iterations" yaml:"iterations"`
		} `toml:"shader" yaml:"shader"`
		SFC             *SpaceFilling    `toml:"space_filling" yaml:"space_filling"`
		InitialClusters *InitialClusters `toml:"initial_clusters" yaml:"initial_clusters"`
		Radius          *uint32          `toml:"radius" yaml:"radius"`
	} `toml:"plocpp" yaml:"plocpp"`

	Collapsing struct {
		BV     *BV `toml:"bv" yaml:"bv"`
		Shader struct {
			Collapse *string `toml:"collapse" yaml:"collapse"`
		} `toml:"shader" yaml:"shader"`
		MaxLeafSize *uint32  `toml:"max_leaf_size" yaml:"max_leaf_size"`
		CT          *float32 `toml:"c_t" yaml:"c_t"`
		CI          *float32 `toml:"c_i" yaml:"c_i"`
	} `toml:"collapsing" yaml:"collapsing"`

	Transformation struct {
		BV     *BV `toml:"bv" yaml:"bv"`
		Shader struct {
			Transform *string `toml:"transform" yaml:"transform"`
		} `toml:"shader" yaml:"shader"`
	} `toml:"transformation" yaml:"transformation"`

	Rearrangement struct {
		BV     *BV `toml:"bv" yaml:"bv"`
		Shader struct {
			Rearrange *string `toml:"rearrange" yaml:"rearrange"`
		} `toml:"shader" yaml:"shader"`
		Layout *NodeLayout `toml:"layout" yaml:"layout"`
	} `toml:"rearrangement" yaml:"rearrangement"`

	Stats struct {
		CT *float32 `toml:"c_t" yaml:"c_t"`
		CI *float32 `toml:"c_i" yaml:"c_i"`
	} `toml:"stats" yaml:"stats"`

	Tracer struct {
		BV     *BV `toml:"bv" yaml:"bv"`
		Shader struct {
			GenPrimary      *string `toml:"gen_primary" yaml:"gen_primary"`
			TraceRays       *string `toml:"trace_rays" yaml:"trace_rays"`
			ShadeAndCast    *string `toml:"shade_and_cast" yaml:"shade_and_cast"`
			TraceBV         *string `toml:"trace_bv" yaml:"trace_bv"`
			ShadeAndCastBV  *string `toml:"shade_and_cast_bv" yaml:"shade_and_cast_bv"`
			TraceInt        *string `toml:"trace_int" yaml:"trace_int"`
			ShadeAndCastInt *string `toml:"shade_and_cast_int" yaml:"shade_and_cast_int"`
		} `toml:"shader" yaml:"shader"`
		RaysPrimary       persistentThreadsDoc `toml:"rays_primary" yaml:"rays_primary"`
		RaysSecondary     persistentThreadsDoc `toml:"rays_secondary" yaml:"rays_secondary"`
		BVDepth           *uint32              `toml:"bv_depth" yaml:"bv_depth"`
		BVRenderTriangles *bool                `toml:"bv_render_triangles" yaml:"bv_render_triangles"`
	} `toml:"tracer" yaml:"tracer"`
}

type pipelinesDoc struct {
	BenchmarkScenes    []string          `toml:"benchmark_scenes" yaml:"benchmark_scenes"`
	BenchmarkPipelines []string          `toml:"benchmark_pipelines" yaml:"benchmark_pipelines"`
	Shader             map[string]string `toml:"shader" yaml:"shader"`
	DefaultPipeline    pipelineDoc       `toml:"default_pipeline" yaml:"default_pipeline"`
	Benchmark          []pipelineDoc     `toml:"benchmark" yaml:"benchmark"`
}

// LoadPipelines reads a pipelines file. The format is chosen by extension: .yaml and .yml
// are decoded as YAML, anything else as TOML.
//
// Parameters:
//   - path: the file path
//
// Returns:
//   - *Pipelines: the resolved pipelines
//   - error: if the file cannot be read or decoded, or a parent chain is broken
func LoadPipelines(path string) (*Pipelines, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read pipelines: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParsePipelinesYAML(data)
	default:
		return ParsePipelinesTOML(data)
	}
}

// ParsePipelinesTOML decodes a TOML pipelines document.
func ParsePipelinesTOML(data []byte) (*Pipelines, error) {
	var doc pipelinesDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode toml pipelines: %w", err)
	}
	return doc.resolve()
}

// ParsePipelinesYAML decodes a YAML pipelines document.
func ParsePipelinesYAML(data []byte) (*Pipelines, error) {
	var doc pipelinesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode yaml pipelines: %w", err)
	}
	return doc.resolve()
}

func (d *pipelinesDoc) resolve() (*Pipelines, error) {
	out := &Pipelines{
		BenchmarkScenes:    d.BenchmarkScenes,
		BenchmarkPipelines: d.BenchmarkPipelines,
	}

	out.Default = DefaultPipeline()
	if err := d.apply(&d.DefaultPipeline, &out.Default); err != nil {
		return nil, err
	}
	if d.DefaultPipeline.Name != "" {
		out.Default.Name = d.DefaultPipeline.Name
	}

	for i := range d.Benchmark {
		b := &d.Benchmark[i]
		if b.Name == "" {
			logger.Warningf("benchmark pipeline %d has no name, skipping", i)
			continue
		}

		// a parent must appear earlier in the file; an unknown parent falls back to the default
		p := out.Default
		if b.Parent != "" {
			found := false
			for _, prev := range out.Benchmark {
				if prev.Name == b.Parent {
					p = prev
					found = true
					break
				}
			}
			if !found && b.Parent != out.Default.Name {
				return nil, fmt.Errorf("config: pipeline %q: parent %q must be defined before it", b.Name, b.Parent)
			}
		}

		p.Name = b.Name
		if err := d.apply(b, &p); err != nil {
			return nil, err
		}
		out.Benchmark = append(out.Benchmark, p)
	}
	return out, nil
}

// apply copies every present key of doc onto p.
func (d *pipelinesDoc) apply(doc *pipelineDoc, p *BVHPipeline) error {
	var errs []error
	shader := func(key *string, dst *string) {
		if key == nil {
			return
		}
		name, ok := d.Shader[*key]
		if !ok {
			errs = append(errs, fmt.Errorf("config: pipeline %q: shader with key %q not found", doc.Name, *key))
			return
		}
		*dst = name
	}

	setIf(&p.PLOC.BV, doc.PLOC.BV)
	shader(doc.PLOC.Shader.InitialClusters, &p.PLOC.Shader.InitialClusters)
	shader(doc.PLOC.Shader.CopyClusters, &p.PLOC.Shader.CopyClusters)
	shader(doc.PLOC.Shader.Iterations, &p.PLOC.Shader.Iterations)
	setIf(&p.PLOC.SFC, doc.PLOC.SFC)
	setIf(&p.PLOC.InitialClusters, doc.PLOC.InitialClusters)
	setIf(&p.PLOC.Radius, doc.PLOC.Radius)

	setIf(&p.Collapsing.BV, doc.Collapsing.BV)
	shader(doc.Collapsing.Shader.Collapse, &p.Collapsing.Shader.Collapse)
	setIf(&p.Collapsing.MaxLeafSize, doc.Collapsing.MaxLeafSize)
	setIf(&p.Collapsing.CT, doc.Collapsing.CT)
	setIf(&p.Collapsing.CI, doc.Collapsing.CI)

	setIf(&p.Transformation.BV, doc.Transformation.BV)
	shader(doc.Transformation.Shader.Transform, &p.Transformation.Shader.Transform)

	setIf(&p.Rearrangement.BV, doc.Rearrangement.BV)
	shader(doc.Rearrangement.Shader.Rearrange, &p.Rearrangement.Shader.Rearrange)
	setIf(&p.Rearrangement.Layout, doc.Rearrangement.Layout)

	setIf(&p.Stats.CT, doc.Stats.CT)
	setIf(&p.Stats.CI, doc.Stats.CI)

	setIf(&p.Tracer.BV, doc.Tracer.BV)
	shader(doc.Tracer.Shader.GenPrimary, &p.Tracer.Shader.GenPrimary)
	shader(doc.Tracer.Shader.TraceRays, &p.Tracer.Shader.TraceRays)
	shader(doc.Tracer.Shader.ShadeAndCast, &p.Tracer.Shader.ShadeAndCast)
	shader(doc.Tracer.Shader.TraceBV, &p.Tracer.Shader.TraceRaysBV)
	shader(doc.Tracer.Shader.ShadeAndCastBV, &p.Tracer.Shader.ShadeAndCastBV)
	shader(doc.Tracer.Shader.TraceInt, &p.Tracer.Shader.TraceRaysInt)
	shader(doc.Tracer.Shader.ShadeAndCastInt, &p.Tracer.Shader.ShadeAndCastInt)
	setIf(&p.Tracer.RPrimary.WorkgroupCount, doc.Tracer.RaysPrimary.WorkgroupCount)
	setIf(&p.Tracer.RPrimary.WarpsPerWorkgroup, doc.Tracer.RaysPrimary.WarpsPerWorkgroup)
	setIf(&p.Tracer.RSecondary.WorkgroupCount, doc.Tracer.RaysSecondary.WorkgroupCount)
	setIf(&p.Tracer.RSecondary.WarpsPerWorkgroup, doc.Tracer.RaysSecondary.WarpsPerWorkgroup)
	setIf(&p.Tracer.BVDepth, doc.Tracer.BVDepth)
	setIf(&p.Tracer.BVRenderTriangles, doc.Tracer.BVRenderTriangles)

	if p.Collapsing.MaxLeafSize > 15 {
		errs = append(errs, fmt.Errorf("config: pipeline %q: max_leaf_size %d exceeds 15", doc.Name, p.Collapsing.MaxLeafSize))
	}
	return errors.Join(errs...)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// MarshalTOML encodes a resolved pipeline with actual shader names.
func MarshalTOML(p BVHPipeline) ([]byte, error) {
	return toml.Marshal(p)
}
