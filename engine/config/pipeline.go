package config

// PLOCShaders names the kernels of the initial construction stage.
type PLOCShaders struct {
	InitialClusters string `toml:"initial_clusters" yaml:"initial_clusters"`
	CopyClusters    string `toml:"copy_clusters" yaml:"copy_clusters"`
	Iterations      string `toml:"iterations" yaml:"iterations"`
}

// PLOC configures initial clustering and nearest-neighbour merging.
type PLOC struct {
	BV              BV              `toml:"bv" yaml:"bv"`
	Shader          PLOCShaders     `toml:"shader" yaml:"shader"`
	SFC             SpaceFilling    `toml:"space_filling" yaml:"space_filling"`
	InitialClusters InitialClusters `toml:"initial_clusters" yaml:"initial_clusters"`
	Radius          uint32          `toml:"radius" yaml:"radius"`
}

// CollapsingShaders names the collapse kernel.
type CollapsingShaders struct {
	Collapse string `toml:"collapse" yaml:"collapse"`
}

// Collapsing configures SAH-driven leaf collapsing.
type Collapsing struct {
	BV          BV                `toml:"bv" yaml:"bv"`
	Shader      CollapsingShaders `toml:"shader" yaml:"shader"`
	MaxLeafSize uint32            `toml:"max_leaf_size" yaml:"max_leaf_size"`
	CT          float32           `toml:"c_t" yaml:"c_t"`
	CI          float32           `toml:"c_i" yaml:"c_i"`
}

// TransformationShaders names the bounding volume conversion kernel.
type TransformationShaders struct {
	Transform string `toml:"transform" yaml:"transform"`
}

// Transformation configures the bounding volume conversion stage.
type Transformation struct {
	BV     BV                    `toml:"bv" yaml:"bv"`
	Shader TransformationShaders `toml:"shader" yaml:"shader"`
}

// RearrangementShaders names the repacking kernel.
type RearrangementShaders struct {
	Rearrange string `toml:"rearrange" yaml:"rearrange"`
}

// Rearrangement configures repacking into the traversal layout.
type Rearrangement struct {
	BV     BV                   `toml:"bv" yaml:"bv"`
	Shader RearrangementShaders `toml:"shader" yaml:"shader"`
	Layout NodeLayout           `toml:"layout" yaml:"layout"`
}

// PersistentThreads sizes a persistent-thread trace dispatch.
type PersistentThreads struct {
	WorkgroupCount    uint32 `toml:"workgroup_count" yaml:"workgroup_count"`
	WarpsPerWorkgroup uint32 `toml:"warps_per_workgroup" yaml:"warps_per_workgroup"`
}

// TracerShaders names the tracer kernels for every visualization mode.
type TracerShaders struct {
	GenPrimary      string `toml:"gen_primary" yaml:"gen_primary"`
	TraceRays       string `toml:"trace_rays" yaml:"trace_rays"`
	ShadeAndCast    string `toml:"shade_and_cast" yaml:"shade_and_cast"`
	TraceRaysBV     string `toml:"trace_bv" yaml:"trace_bv"`
	ShadeAndCastBV  string `toml:"shade_and_cast_bv" yaml:"shade_and_cast_bv"`
	TraceRaysInt    string `toml:"trace_int" yaml:"trace_int"`
	ShadeAndCastInt string `toml:"shade_and_cast_int" yaml:"shade_and_cast_int"`
}

// Tracer configures ray traversal.
type Tracer struct {
	BV                BV                `toml:"bv" yaml:"bv"`
	Shader            TracerShaders     `toml:"shader" yaml:"shader"`
	RPrimary          PersistentThreads `toml:"rays_primary" yaml:"rays_primary"`
	RSecondary        PersistentThreads `toml:"rays_secondary" yaml:"rays_secondary"`
	BVDepth           uint32            `toml:"bv_depth" yaml:"bv_depth"`
	BVRenderTriangles bool              `toml:"bv_render_triangles" yaml:"bv_render_triangles"`
}

// Stats configures the diagnostic SAH pass. BV is set per stage by the builder.
type Stats struct {
	BV BV      `toml:"bv" yaml:"bv"`
	CT float32 `toml:"c_t" yaml:"c_t"`
	CI float32 `toml:"c_i" yaml:"c_i"`
}

// BVHPipeline is the complete build and trace configuration. Values are compared with ==.
type BVHPipeline struct {
	Name           string         `toml:"name" yaml:"name"`
	PLOC           PLOC           `toml:"plocpp" yaml:"plocpp"`
	Collapsing     Collapsing     `toml:"collapsing" yaml:"collapsing"`
	Transformation Transformation `toml:"transformation" yaml:"transformation"`
	Rearrangement  Rearrangement  `toml:"rearrangement" yaml:"rearrangement"`
	Tracer         Tracer         `toml:"tracer" yaml:"tracer"`
	Stats          Stats          `toml:"stats" yaml:"stats"`
}

// DefaultPipeline returns an AABB pipeline: PLOC radius 16, collapsing to 15 triangles per leaf, BVH2 layout.
//
// Returns:
//   - BVHPipeline: the default configuration
func DefaultPipeline() BVHPipeline {
	return BVHPipeline{
		Name: "default",
		PLOC: PLOC{
			BV: BVAABB,
			Shader: PLOCShaders{
				InitialClusters: "plocpp/initial_clusters",
				CopyClusters:    "plocpp/copy_sorted_ids",
				Iterations:      "plocpp/iterations",
			},
			SFC:             Morton32,
			InitialClusters: ClustersTriangles,
			Radius:          16,
		},
		Collapsing: Collapsing{
			BV:          BVAABB,
			Shader:      CollapsingShaders{Collapse: "collapsing/collapse"},
			MaxLeafSize: 15,
			CT:          3,
			CI:          2,
		},
		Transformation: Transformation{
			BV:     BVNone,
			Shader: TransformationShaders{Transform: "transformation/transform"},
		},
		Rearrangement: Rearrangement{
			BV:     BVAABB,
			Shader: RearrangementShaders{Rearrange: "rearrangement/rearrange"},
			Layout: LayoutBVH2,
		},
		Tracer: Tracer{
			BV: BVAABB,
			Shader: TracerShaders{
				GenPrimary:      "tracer/gen_primary",
				TraceRays:       "tracer/trace_rays",
				ShadeAndCast:    "tracer/shade_and_cast",
				TraceRaysBV:     "tracer/trace_rays_bv",
				ShadeAndCastBV:  "tracer/shade_and_cast_bv",
				TraceRaysInt:    "tracer/trace_rays_int",
				ShadeAndCastInt: "tracer/shade_and_cast_int",
			},
			RPrimary:   PersistentThreads{WorkgroupCount: 512, WarpsPerWorkgroup: 6},
			RSecondary: PersistentThreads{WorkgroupCount: 512, WarpsPerWorkgroup: 6},
			BVDepth:    1,
		},
		Stats: Stats{CT: 1, CI: 1},
	}
}

// FinalBV returns the bounding volume of the tree handed to the tracer.
func (p BVHPipeline) FinalBV() BV {
	switch {
	case p.Rearrangement.BV != BVNone:
		return p.Rearrangement.BV
	case p.Transformation.BV != BVNone:
		return p.Transformation.BV
	default:
		return p.PLOC.BV
	}
}
