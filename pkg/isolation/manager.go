package isolation

import (
	"log/slog"
	"os"
)

// Manager stamps out per-run Contexts with the host-wide settings
// (add-in directory, default resolver, allow-list) applied.
type Manager struct {
	addinDir string
	fallback Resolver
	allow    []string
	logger   *slog.Logger
}

// NewManager creates a context factory for one host process.
func NewManager(addinDir string, fallback Resolver, allowPrefixes []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		addinDir: addinDir,
		fallback: fallback,
		allow:    allowPrefixes,
		logger:   logger,
	}
}

// Create returns a fresh boundary for one run. Contexts are never
// shared or reused, even for the identical test directory.
func (m *Manager) Create(testDir string) *Context {
	return NewContext(testDir, m.addinDir,
		WithFallback(m.fallback),
		WithAllowedPrefixes(m.allow),
		WithLogger(m.logger),
	)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
