package device

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// Kernel is the host implementation of a compute shader.
type Kernel func(k *KernelContext) error

var (
	kernelsMu sync.RWMutex
	kernels   = map[string]Kernel{}
)

// RegisterKernel makes a host kernel available under a shader key. It panics if the key is taken.
//
// Parameters:
//   - name: the shader key, e.g. "plocpp/iterations"
//   - fn: the kernel body
func RegisterKernel(name string, fn Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	if _, ok := kernels[name]; ok {
		panic(fmt.Sprintf("device: kernel %q registered twice", name))
	}
	kernels[name] = fn
}

// LookupKernel returns the host kernel registered under name.
func LookupKernel(name string) (Kernel, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	fn, ok := kernels[name]
	return fn, ok
}

// KernelNames lists every registered shader key in sorted order.
func KernelNames() []string {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Memory resolves device addresses to host byte ranges.
type Memory interface {
	Bytes(a Address, size uint64) ([]byte, error)
}

// Fault is raised inside a kernel when it touches memory it does not own. The host backend turns it into a Submit error.
type Fault struct {
	Kernel  string
	Address Address
	Size    uint64
	Err     error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("device: kernel %s faulted at %s (+%d bytes): %v", f.Kernel, f.Address, f.Size, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// KernelContext is everything a host kernel sees during one dispatch.
type KernelContext struct {
	// Name is the shader key being executed.
	Name string

	// Push is the parameter block captured when the dispatch was recorded.
	Push []byte

	// Groups is the workgroup count of the dispatch.
	Groups [3]uint32

	// Constants are the pipeline specialization constants.
	Constants map[string]uint32

	// Globals is the pipeline's globals buffer, or null.
	Globals Address

	// Caps are the device limits.
	Caps Capabilities

	mem      Memory
	parallel func(n int, fn func(lo, hi int))
	now      func() uint64
}

// Constant returns a specialization constant, or def if the pipeline did not set it.
func (k *KernelContext) Constant(name string, def uint32) uint32 {
	if v, ok := k.Constants[name]; ok {
		return v
	}
	return def
}

// Decoder returns a decoder over the push block.
func (k *KernelContext) Decoder() *Decoder {
	return NewDecoder(k.Push)
}

// Bytes resolves a byte range, faulting the kernel if it is not mapped.
func (k *KernelContext) Bytes(a Address, size uint64) []byte {
	if size == 0 {
		return nil
	}
	b, err := k.mem.Bytes(a, size)
	if err != nil {
		panic(&Fault{Kernel: k.Name, Address: a, Size: size, Err: err})
	}
	return b
}

// ParallelRange splits [0, n) into chunks and runs fn on each chunk concurrently.
// It returns once every chunk has finished. fn must not call ParallelRange or ParallelFor.
func (k *KernelContext) ParallelRange(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if k.parallel == nil {
		fn(0, n)
		return
	}
	k.parallel(n, fn)
}

// ParallelFor runs fn for every index in [0, n) concurrently.
func (k *KernelContext) ParallelFor(n int, fn func(i int)) {
	k.ParallelRange(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			fn(i)
		}
	})
}

// Now returns the device time in timestamp ticks.
func (k *KernelContext) Now() uint64 {
	if k.now == nil {
		return 0
	}
	return k.now()
}

// Slice views n elements of T at address a. T must be a fixed-size type without pointers.
func Slice[T any](k *KernelContext, a Address, n int) []T {
	if n <= 0 {
		return nil
	}
	var zero T
	b := k.Bytes(a, uint64(n)*uint64(unsafe.Sizeof(zero)))
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// Ptr views a single T at address a.
func Ptr[T any](k *KernelContext, a Address) *T {
	return &Slice[T](k, a, 1)[0]
}
