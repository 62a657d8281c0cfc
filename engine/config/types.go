package config

import (
	"fmt"
	"strings"
)

// BV selects a bounding-volume representation.
type BV int

const (
	// BVNone disables the stage that carries it.
	BVNone BV = iota

	// BVAABB is an axis-aligned box stored as 6 floats.
	BVAABB

	// BVDOP14 is a 14-plane discrete orientation polytope (7 slab pairs).
	BVDOP14

	// BVDOP14Split stores the axis slabs of a DOP14 in the main node and the four diagonal slabs in an aux node.
	BVDOP14Split

	// BVOBB is an oriented box fitted with DiTO-14.
	BVOBB

	// BVSOBBd32 is a slab-oriented box chosen from 16 directions, stored as a full affine frame.
	BVSOBBd32

	// BVSOBBd48 is a slab-oriented box chosen from 24 directions, stored as a full affine frame.
	BVSOBBd48

	// BVSOBBd64 is a slab-oriented box chosen from 32 directions, stored as a full affine frame.
	BVSOBBd64

	// BVSOBBi32 is a slab-oriented box chosen from 16 directions, stored as slab distances and direction indices.
	BVSOBBi32

	// BVSOBBi48 is the 24 direction variant of BVSOBBi32.
	BVSOBBi48

	// BVSOBBi64 is the 32 direction variant of BVSOBBi32.
	BVSOBBi64
)

var bvNames = map[BV]string{
	BVNone:       "none",
	BVAABB:       "aabb",
	BVDOP14:      "dop14",
	BVDOP14Split: "dop14split",
	BVOBB:        "obb",
	BVSOBBd32:    "sobb_d32",
	BVSOBBd48:    "sobb_d48",
	BVSOBBd64:    "sobb_d64",
	BVSOBBi32:    "sobb_i32",
	BVSOBBi48:    "sobb_i48",
	BVSOBBi64:    "sobb_i64",
}

func (b BV) String() string {
	if s, ok := bvNames[b]; ok {
		return s
	}
	return fmt.Sprintf("bv(%d)", int(b))
}

// IsSOBBd reports whether b is one of the affine-frame slab box variants.
func (b BV) IsSOBBd() bool {
	return b == BVSOBBd32 || b == BVSOBBd48 || b == BVSOBBd64
}

// IsSOBBi reports whether b is one of the indexed slab box variants.
func (b BV) IsSOBBi() bool {
	return b == BVSOBBi32 || b == BVSOBBi48 || b == BVSOBBi64
}

// DOPSize returns the number of floats in the per-leaf k-DOP used to build slab boxes, or 0 for other volumes.
func (b BV) DOPSize() uint32 {
	switch b {
	case BVSOBBd32, BVSOBBi32:
		return 32
	case BVSOBBd48, BVSOBBi48:
		return 48
	case BVSOBBd64, BVSOBBi64:
		return 64
	default:
		return 0
	}
}

// ParseBV parses a bounding-volume name. "sobb_d" is accepted as an alias of "sobb_d32".
//
// Parameters:
//   - s: the name, case-insensitive
//
// Returns:
//   - BV: the parsed value
//   - error: if the name is unknown
func ParseBV(s string) (BV, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return BVNone, nil
	}
	if s == "sobb_d" {
		return BVSOBBd32, nil
	}
	for b, name := range bvNames {
		if name == s {
			return b, nil
		}
	}
	return BVNone, fmt.Errorf("config: unknown bounding volume %q", s)
}

func (b BV) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BV) UnmarshalText(text []byte) error {
	v, err := ParseBV(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// NodeLayout selects the memory layout of the node array.
type NodeLayout int

const (
	// LayoutDefault stores one bounding volume per node with explicit size, parent and child fields.
	LayoutDefault NodeLayout = iota

	// LayoutBVH2 stores both child volumes of an internal node side by side.
	LayoutBVH2
)

func (l NodeLayout) String() string {
	switch l {
	case LayoutDefault:
		return "default"
	case LayoutBVH2:
		return "bvh2"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

func (l NodeLayout) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *NodeLayout) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "default":
		*l = LayoutDefault
	case "bvh2":
		*l = LayoutBVH2
	default:
		return fmt.Errorf("config: unknown node layout %q", string(text))
	}
	return nil
}

// SpaceFilling selects the curve used to order initial clusters.
type SpaceFilling int

const (
	// Morton32 is a 30-bit interleaved Morton code stored in 32 bits.
	Morton32 SpaceFilling = iota
)

func (s SpaceFilling) String() string {
	if s == Morton32 {
		return "morton32"
	}
	return fmt.Sprintf("sfc(%d)", int(s))
}

func (s SpaceFilling) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SpaceFilling) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "morton32":
		*s = Morton32
	default:
		return fmt.Errorf("config: unknown space filling curve %q", string(text))
	}
	return nil
}

// VisMode selects which tracer shader family runs.
type VisMode int

const (
	// VisPathTracing accumulates diffuse path-traced radiance.
	VisPathTracing VisMode = iota

	// VisBoundingVolumes shades the bounding volumes hit at a selected depth.
	VisBoundingVolumes

	// VisIntersections renders a heat map of tested nodes and triangles.
	VisIntersections
)

func (m VisMode) String() string {
	switch m {
	case VisPathTracing:
		return "pathtracing"
	case VisBoundingVolumes:
		return "bv"
	case VisIntersections:
		return "intersections"
	default:
		return fmt.Sprintf("vis(%d)", int(m))
	}
}

// ParseVisMode parses a visualization mode name.
func ParseVisMode(s string) (VisMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pathtracing", "pt":
		return VisPathTracing, nil
	case "bv", "boundingvolumes":
		return VisBoundingVolumes, nil
	case "int", "intersections":
		return VisIntersections, nil
	default:
		return VisPathTracing, fmt.Errorf("config: unknown visualization mode %q", s)
	}
}

// InitialClusters selects what PLOC starts clustering from.
type InitialClusters int

const (
	// ClustersTriangles starts from one leaf per triangle.
	ClustersTriangles InitialClusters = iota
)

func (c InitialClusters) String() string {
	if c == ClustersTriangles {
		return "triangles"
	}
	return fmt.Sprintf("clusters(%d)", int(c))
}

func (c InitialClusters) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *InitialClusters) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "triangles":
		*c = ClustersTriangles
	default:
		return fmt.Errorf("config: unknown initial clusters %q", string(text))
	}
	return nil
}
