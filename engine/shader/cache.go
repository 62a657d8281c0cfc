package shader

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/fsnotify/fsnotify"
)

var logger = log.New("shader")

//go:embed wgsl
var embedded embed.FS

// Cache loads shader sources from an optional directory overlay, falling back to the embedded set,
// and hands out monotonic versions that stages poll to detect hot reloads.
type Cache struct {
	mu       sync.Mutex
	dir      string
	fsys     fs.FS
	versions map[string]uint64
	clock    uint64
}

// NewCache creates a shader cache.
//
// Parameters:
//   - dir: a directory whose files override the embedded shaders, or "" for embedded only
//
// Returns:
//   - *Cache: the cache
func NewCache(dir string) *Cache {
	base, _ := fs.Sub(embedded, "wgsl")
	var fsys fs.FS = base
	if dir != "" {
		fsys = layeredFS{os.DirFS(dir), base}
	}
	return &Cache{
		dir:      dir,
		fsys:     fsys,
		versions: make(map[string]uint64),
		clock:    1,
	}
}

// Load reads the current source of a shader. A key with no source anywhere is not an error.
//
// Parameters:
//   - key: the shader name
//
// Returns:
//   - *Shader: the shader at its current version
//   - error: if the source exists but cannot be read
func (c *Cache) Load(key string) (*Shader, error) {
	version := c.Version(key)
	data, err := fs.ReadFile(c.fsys, key+".wgsl")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("shader: load %s: %w", key, err)
	}
	return &Shader{Key: key, Source: string(data), Version: version, fsys: c.fsys}, nil
}

// Missing returns the keys that have no source in the overlay or the embedded set.
//
// Parameters:
//   - keys: the shader names to check
//
// Returns:
//   - []string: the keys without a source, in the given order
func (c *Cache) Missing(keys ...string) []string {
	var missing []string
	for _, key := range keys {
		if _, err := fs.Stat(c.fsys, key+".wgsl"); err != nil {
			missing = append(missing, key)
		}
	}
	return missing
}

// Version returns the current version of a shader.
func (c *Cache) Version(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.versions[key]; ok {
		return v
	}
	c.versions[key] = 1
	return 1
}

// Bump marks a shader as changed and returns its new version.
func (c *Cache) Bump(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	c.versions[key] = c.clock
	logger.Infof("shader %s changed (version %d)", key, c.clock)
	return c.clock
}

// BumpAll marks every known shader as changed.
func (c *Cache) BumpAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	for key := range c.versions {
		c.versions[key] = c.clock
	}
	logger.Infof("all shaders changed (version %d)", c.clock)
}

// Watch bumps shader versions whenever a file under the overlay directory is written.
// A change under include/ bumps every shader. It blocks until ctx is done.
//
// Parameters:
//   - ctx: cancels the watch
//
// Returns:
//   - error: if the watcher cannot be set up
func (c *Cache) Watch(ctx context.Context) error {
	if c.dir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	err = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("shader: watch %s: %w", c.dir, err)
	}
	logger.Infof("watching %s for shader changes", c.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			key, ok := c.keyFor(event.Name)
			if !ok {
				continue
			}
			if strings.HasPrefix(key, includeDir+"/") {
				c.BumpAll()
			} else {
				c.Bump(key)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warningf("shader watcher: %v", err)
		}
	}
}

func (c *Cache) keyFor(path string) (string, bool) {
	if filepath.Ext(path) != ".wgsl" {
		return "", false
	}
	rel, err := filepath.Rel(c.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return strings.TrimSuffix(filepath.ToSlash(rel), ".wgsl"), true
}

// layeredFS opens from the first layer that has the file.
type layeredFS []fs.FS

func (l layeredFS) Open(name string) (fs.File, error) {
	for _, layer := range l {
		f, err := layer.Open(name)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}
