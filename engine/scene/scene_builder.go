package scene

// SceneBuilderOption is a functional option for configuring a Scene.
// Use the With* functions to create options.
type SceneBuilderOption func(s *scene)

// WithMeshes adds initial meshes to the scene.
//
// Parameters:
//   - meshes: the meshes to add
//
// Returns:
//   - SceneBuilderOption: option function to apply
func WithMeshes(meshes ...Mesh) SceneBuilderOption {
	return func(s *scene) {
		for _, m := range meshes {
			s.meshes = append(s.meshes, m)
			s.bounds = s.bounds.Union(m.Bounds())
		}
	}
}

// WithComputeWorkers sets the number of worker goroutines used to prepare meshes during Upload.
// Defaults to runtime.NumCPU()-1.
//
// Parameters:
//   - n: the number of compute workers (minimum 1)
//
// Returns:
//   - SceneBuilderOption: option function to apply
func WithComputeWorkers(n int) SceneBuilderOption {
	return func(s *scene) {
		s.computeWorkers = max(n, 1)
	}
}
