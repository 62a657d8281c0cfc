package scene

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange is returned when a mesh index does not address a vertex.
	ErrIndexOutOfRange = errors.New("scene: index out of range")

	// ErrNoGeometry is returned when a scene has no triangles to upload.
	ErrNoGeometry = errors.New("scene: no geometry")

	// ErrNotUploaded is returned by device accessors before Upload.
	ErrNotUploaded = errors.New("scene: not uploaded")
)

func errIndexCount(mesh string, n int) error {
	return fmt.Errorf("%w: mesh %q has %d indices, not a multiple of 3", ErrIndexOutOfRange, mesh, n)
}

func errIndex(mesh string, pos int, idx uint32, vertices int) error {
	return fmt.Errorf("%w: mesh %q index %d is %d but there are %d vertices", ErrIndexOutOfRange, mesh, pos, idx, vertices)
}
