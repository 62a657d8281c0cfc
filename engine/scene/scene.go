package scene

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
)

var logger = log.New("scene")

// GeometryInfo is the device view of one uploaded mesh.
type GeometryInfo struct {
	Vertices      device.Address
	Indices       device.Address
	Normals       device.Address
	UVs           device.Address
	TriangleCount uint32
	VertexCount   uint32
}

// Scene is a set of triangle meshes and, once uploaded, their device buffers.
// Geometry order is the order meshes were added; geometry i is described by entry i of the descriptor buffer.
// Thread-safe for concurrent access.
type Scene interface {
	// Name returns the scene's identifier.
	Name() string

	// Meshes returns the host meshes.
	Meshes() []Mesh

	// AddMesh appends a mesh. Meshes added after Upload are uploaded by the next Upload call.
	//
	// Parameters:
	//   - m: the mesh to add
	AddMesh(m Mesh)

	// AABB returns the bounds of all meshes.
	AABB() common.AABB

	// TotalTriangleCount returns the number of triangles over all meshes.
	TotalTriangleCount() uint32

	// Upload validates the meshes, fills missing normals and creates the device buffers.
	// Any previous upload is released first.
	//
	// Parameters:
	//   - dev: the device to upload to
	//
	// Returns:
	//   - error: if a mesh is invalid, the scene is empty or an allocation fails
	Upload(dev device.Device) error

	// Uploaded reports whether the device buffers are live.
	Uploaded() bool

	// Geometries returns the per-mesh device buffers, in mesh order.
	Geometries() []GeometryInfo

	// GeometryDescriptors returns the address of the descriptor buffer, one 32-byte entry per geometry.
	GeometryDescriptors() device.Address

	// Release frees the device buffers. The host meshes are kept.
	Release()
}

type scene struct {
	mu *sync.RWMutex

	name   string
	meshes []Mesh
	bounds common.AABB

	buffers     []device.Buffer
	geometries  []GeometryInfo
	descriptors device.Address

	// computePool runs the per-mesh validation and normal generation of Upload.
	computePool    worker.DynamicWorkerPool
	computeWorkers int
}

var _ Scene = &scene{}

// NewScene creates a scene.
//
// Parameters:
//   - name: the name of the scene
//   - options: functional options to further configure the scene
//
// Returns:
//   - Scene: the newly created scene
func NewScene(name string, options ...SceneBuilderOption) Scene {
	s := &scene{
		mu:             &sync.RWMutex{},
		name:           name,
		bounds:         common.EmptyAABB(),
		computeWorkers: max(runtime.NumCPU()-1, 1),
	}
	for _, option := range options {
		option(s)
	}
	// Created after options so WithComputeWorkers can override the default.
	s.computePool = worker.NewDynamicWorkerPool(s.computeWorkers, 256, 1*time.Second)
	return s
}

// Load builds a scene from a scenes file entry: an OBJ or glTF file when File is set, else a procedural mesh.
//
// Parameters:
//   - entry: the scene entry
//   - options: functional options to further configure the scene
//
// Returns:
//   - Scene: the scene, not yet uploaded
//   - error: if the file cannot be read or the procedural kind is unknown
func Load(entry config.Scene, options ...SceneBuilderOption) (Scene, error) {
	var meshes []Mesh
	if entry.File != "" {
		load := LoadOBJ
		switch strings.ToLower(filepath.Ext(entry.File)) {
		case ".gltf", ".glb":
			load = LoadGLTF
		}
		m, err := load(entry.File)
		if err != nil {
			return nil, err
		}
		meshes = m
	} else {
		m, err := Procedural(entry.Procedural)
		if err != nil {
			return nil, err
		}
		meshes = []Mesh{m}
	}
	return NewScene(entry.Name, append([]SceneBuilderOption{WithMeshes(meshes...)}, options...)...), nil
}

func (s *scene) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *scene) Meshes() []Mesh {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meshes
}

func (s *scene) AddMesh(m Mesh) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meshes = append(s.meshes, m)
	s.bounds = s.bounds.Union(m.Bounds())
}

func (s *scene) AABB() common.AABB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds
}

func (s *scene) TotalTriangleCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint32
	for i := range s.meshes {
		n += s.meshes[i].TriangleCount()
	}
	return n
}

func (s *scene) Uploaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.descriptors.IsNull()
}

func (s *scene) Geometries() []GeometryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.geometries
}

func (s *scene) GeometryDescriptors() device.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descriptors
}

func (s *scene) Upload(dev device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()

	if len(s.meshes) == 0 {
		return ErrNoGeometry
	}

	// Phase 1 (parallel): validate and fill normals per mesh on the compute pool.
	// A WaitGroup is the barrier; the pool itself stays alive for the next upload.
	errs := make([]error, len(s.meshes))
	var wg sync.WaitGroup
	for i := range s.meshes {
		wg.Add(1)
		s.computePool.SubmitTask(worker.Task{
			ID: i,
			Do: func() (any, error) {
				defer wg.Done()
				m := &s.meshes[i]
				if err := m.Validate(); err != nil {
					errs[i] = err
					return nil, err
				}
				m.ComputeNormals()
				return nil, nil
			},
		})
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// Phase 2 (serial): device allocation.
	s.bounds = common.EmptyAABB()
	descs := make([]bvh.Geometry, 0, len(s.meshes))
	for i := range s.meshes {
		m := &s.meshes[i]
		s.bounds = s.bounds.Union(m.Bounds())
		info := GeometryInfo{TriangleCount: m.TriangleCount(), VertexCount: uint32(len(m.Vertices))}
		var err error
		if info.Vertices, err = s.upload(dev, m.Name+" Vertices", common.SliceToBytes(m.Vertices)); err != nil {
			return err
		}
		if info.Indices, err = s.upload(dev, m.Name+" Indices", common.SliceToBytes(m.Indices)); err != nil {
			return err
		}
		if info.Normals, err = s.upload(dev, m.Name+" Normals", common.SliceToBytes(m.Normals)); err != nil {
			return err
		}
		if info.UVs, err = s.upload(dev, m.Name+" UVs", common.SliceToBytes(m.UVs)); err != nil {
			return err
		}
		s.geometries = append(s.geometries, info)
		descs = append(descs, bvh.Geometry{Vertices: info.Vertices, Indices: info.Indices, Normals: info.Normals, UVs: info.UVs})
	}

	addr, err := s.upload(dev, s.name+" Geometry Descriptors", common.SliceToBytes(descs))
	if err != nil {
		return err
	}
	s.descriptors = addr
	logger.Infof("uploaded %s: %d geometries, %d triangles", s.name, len(s.geometries), s.totalTriangles())
	return nil
}

func (s *scene) upload(dev device.Device, label string, data []byte) (device.Address, error) {
	if len(data) == 0 {
		return 0, nil
	}
	b, err := dev.CreateBuffer(device.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: device.UsageStorage | device.UsageTransfer,
	})
	if err != nil {
		s.release()
		return 0, fmt.Errorf("scene: allocate %s: %w", label, err)
	}
	s.buffers = append(s.buffers, b)
	if err := dev.WriteBuffer(b.Address(), data); err != nil {
		s.release()
		return 0, fmt.Errorf("scene: write %s: %w", label, err)
	}
	return b.Address(), nil
}

func (s *scene) totalTriangles() uint32 {
	var n uint32
	for _, g := range s.geometries {
		n += g.TriangleCount
	}
	return n
}

func (s *scene) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
}

func (s *scene) release() {
	for _, b := range s.buffers {
		b.Release()
	}
	s.buffers = nil
	s.geometries = nil
	s.descriptors = 0
}
