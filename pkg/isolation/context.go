// Package isolation provides the per-run module-resolution boundary.
// Each test run gets a fresh, disposable Context so consecutive runs in
// the same long-lived host process never observe each other's modules,
// while the host's own API modules keep resolving to the single
// process-wide instance.
package isolation

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Module is a resolved module artifact inside an isolation boundary.
type Module struct {
	// Name is the logical module name that was requested.
	Name string
	// Path is the resolved file on disk.
	Path string
	// Shared marks modules served by the process-wide default resolver
	// (host API, runtime). These are never copied into the boundary.
	Shared bool
}

// Resolver serves lookups that fall through the context's directories.
// The process-wide host resolver implements this.
type Resolver interface {
	Resolve(name string) (*Module, bool)
}

// Context is one run's module-resolution boundary. Created fresh per
// run, never reused, and cheap to discard: Dispose releases references
// and nothing else.
type Context struct {
	testDir  string
	addinDir string
	fallback Resolver
	allow    []string
	logger   *slog.Logger

	mu       sync.Mutex
	resolved map[string]*Module
	disposed bool
}

// Option configures a Context.
type Option func(*Context)

// WithFallback sets the process-wide default resolver consulted last.
func WithFallback(r Resolver) Option {
	return func(c *Context) { c.fallback = r }
}

// WithAllowedPrefixes sets module-name prefixes that are expected to be
// resolved externally. Misses on these log at debug instead of warn.
func WithAllowedPrefixes(prefixes []string) Option {
	return func(c *Context) { c.allow = prefixes }
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// NewContext creates a fresh boundary over the test bundle directory and
// the host add-in directory.
func NewContext(testDir, addinDir string, opts ...Option) *Context {
	c := &Context{
		testDir:  testDir,
		addinDir: addinDir,
		logger:   slog.Default(),
		resolved: make(map[string]*Module),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TestDir returns the test bundle directory.
func (c *Context) TestDir() string { return c.testDir }

// AddinDir returns the host add-in directory.
func (c *Context) AddinDir() string { return c.addinDir }

// Resolve looks a module up inside the boundary. Resolution order:
//
//  1. exact file in the test dir
//  2. exact file in the add-in dir
//  3. prefix/glob match in the test dir (versioned artifacts)
//  4. prefix/glob match in the add-in dir
//  5. the process-wide default resolver
//
// A miss is not fatal; it returns nil and is logged at debug severity
// when the name matches an allowed prefix, warn otherwise.
func (c *Context) Resolve(name string) *Module {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		c.logger.Warn("resolve on disposed isolation context", "module", name)
		return nil
	}
	if m, ok := c.resolved[name]; ok {
		return m
	}

	if m := c.resolveLocked(name); m != nil {
		c.resolved[name] = m
		return m
	}

	if c.expected(name) {
		c.logger.Debug("module deferred to external resolution", "module", name)
	} else {
		c.logger.Warn("module not resolved in isolation context",
			"module", name,
			"test_dir", c.testDir,
			"addin_dir", c.addinDir)
	}
	return nil
}

func (c *Context) resolveLocked(name string) *Module {
	for _, dir := range []string{c.testDir, c.addinDir} {
		if path, ok := exactMatch(dir, name); ok {
			return &Module{Name: name, Path: path}
		}
	}
	for _, dir := range []string{c.testDir, c.addinDir} {
		if path, ok := globMatch(dir, name); ok {
			return &Module{Name: name, Path: path}
		}
	}
	if c.fallback != nil {
		if m, ok := c.fallback.Resolve(name); ok {
			return m
		}
	}
	return nil
}

func (c *Context) expected(name string) bool {
	for _, prefix := range c.allow {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Dispose releases the boundary. Forced unloading is not attempted;
// contexts are short-lived and collectable once dereferenced.
func (c *Context) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	c.resolved = nil
}

// Disposed reports whether Dispose has been called.
func (c *Context) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// moduleExtensions are tried, in order, when a lookup names a module
// without a file extension.
var moduleExtensions = []string{"", ".so", ".dll"}

func exactMatch(dir, name string) (string, bool) {
	if dir == "" {
		return "", false
	}
	for _, ext := range moduleExtensions {
		path := filepath.Join(dir, name+ext)
		if fileExists(path) {
			return path, true
		}
	}
	return "", false
}

// globMatch handles name-mangled and versioned artifacts, e.g. a lookup
// for "GeometryKit" finding "GeometryKit-2.4.1.so". The lexically first
// match wins so resolution stays deterministic.
func globMatch(dir, name string) (string, bool) {
	if dir == "" {
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(dir, name+"*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	for _, m := range matches {
		if fileExists(m) {
			return m, true
		}
	}
	return "", false
}

// HostResolver is the process-wide default resolver covering the host's
// own API surface and runtime modules. There is exactly one per host
// process; duplicating these modules into a run boundary would break
// type identity with the host's live objects.
type HostResolver struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewHostResolver creates an empty process-wide resolver.
func NewHostResolver() *HostResolver {
	return &HostResolver{modules: make(map[string]*Module)}
}

// RegisterModule publishes a host-owned module.
func (r *HostResolver) RegisterModule(name, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = &Module{Name: name, Path: path, Shared: true}
}

// Resolve implements Resolver.
func (r *HostResolver) Resolve(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

var _ Resolver = (*HostResolver)(nil)

// String describes the context for diagnostics.
func (c *Context) String() string {
	return fmt.Sprintf("isolation{test=%s addin=%s}", c.testDir, c.addinDir)
}
