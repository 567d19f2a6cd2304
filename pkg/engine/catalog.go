// Package engine discovers, filters, and executes test cases inside an
// isolated bundle, streaming one ResultEvent per completed case.
//
// The engine knows nothing about the test framework itself: discovery is
// behind Catalog, execution behind Runner, and the only thing crossing
// the bundle boundary is the versioned, JSON-serializable case contract.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cadhost/testbridge/pkg/isolation"
)

// ContractVersion is the message-passing contract between the host and
// the isolated bundle. Host and bundle agree only on these serializable
// shapes, never on shared types.
const ContractVersion = 1

// Case identifies one discovered test case.
type Case struct {
	DeclaringType string `yaml:"type" json:"type"`
	Method        string `yaml:"method" json:"method"`
	SkipReason    string `yaml:"skip,omitempty" json:"skip,omitempty"`
}

// FullName is the filter key: {declaringType}.{methodName}, exact and
// case-sensitive.
func (c Case) FullName() string {
	return c.DeclaringType + "." + c.Method
}

// Bundle is one run's view of the test assembly directory.
type Bundle struct {
	// Dir is the test bundle directory.
	Dir string
	// Iso is the run's module-resolution boundary.
	Iso *isolation.Context
	// RunnerPath is the case-runner executable resolved during
	// discovery.
	RunnerPath string
	// HostHandle carries state captured on the host thread before
	// execution starts. Opaque to the engine.
	HostHandle any
}

// Catalog enumerates the cases inside a bundle. Discovery is
// event-driven: cases arrive on the first channel, which is closed when
// enumeration completes; the second channel delivers at most one error.
// Callers must drain until close; the close is the completion signal.
type Catalog interface {
	Discover(ctx context.Context, bundle *Bundle) (<-chan Case, <-chan error)
}

// manifestName is the discovery entry point inside a bundle.
const manifestName = "manifest.yaml"

// Manifest is the bundle's discovery document.
type Manifest struct {
	Contract int    `yaml:"contract"`
	Runner   string `yaml:"runner"`
	Cases    []Case `yaml:"cases"`
}

// ManifestCatalog discovers cases from the bundle's manifest and
// resolves the runner module through the run's isolation boundary.
type ManifestCatalog struct{}

// NewManifestCatalog returns the production catalog.
func NewManifestCatalog() *ManifestCatalog { return &ManifestCatalog{} }

// Discover implements Catalog.
func (mc *ManifestCatalog) Discover(ctx context.Context, bundle *Bundle) (<-chan Case, <-chan error) {
	cases := make(chan Case)
	errs := make(chan error, 1)

	go func() {
		defer close(cases)
		defer close(errs)

		manifest, err := loadManifest(bundle.Dir)
		if err != nil {
			errs <- err
			return
		}
		if manifest.Contract != ContractVersion {
			errs <- fmt.Errorf("bundle contract %d not supported (want %d)",
				manifest.Contract, ContractVersion)
			return
		}

		if manifest.Runner != "" && bundle.Iso != nil {
			if m := bundle.Iso.Resolve(manifest.Runner); m != nil {
				bundle.RunnerPath = m.Path
			}
		}
		if bundle.RunnerPath == "" && manifest.Runner != "" {
			// Runner named but unresolvable through the boundary;
			// fall back to a bundle-relative path.
			bundle.RunnerPath = filepath.Join(bundle.Dir, manifest.Runner)
		}

		for _, c := range manifest.Cases {
			select {
			case cases <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return cases, errs
}

func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read bundle manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse bundle manifest: %w", err)
	}
	return &m, nil
}

var _ Catalog = (*ManifestCatalog)(nil)
