// Package manifest loads and validates the static graph of domains, routers,
// workflows and primitives the engine routes over.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rogers-F/threadline/internal/domain"
)

// DefaultStalenessDays is the primitive review age after which a warning is raised.
const DefaultStalenessDays = 180

// Document is the on-disk shape of a manifest.
type Document struct {
	Domains    []domain.Domain         `yaml:"domains"`
	Routers    []domain.Router         `yaml:"routers"`
	Workflows  []domain.Workflow       `yaml:"workflows"`
	Primitives []domain.Primitive      `yaml:"primitives"`
	Mappings   []domain.ContextMapping `yaml:"context_mappings"`
}

// Options tunes validation.
type Options struct {
	// StalenessDays defaults to DefaultStalenessDays when zero.
	StalenessDays int
	// Now is the reference time for the staleness scan; zero means time.Now.
	Now time.Time
}

// Parse decodes YAML manifest bytes and builds a validated Graph. Unknown
// fields are rejected, which also keeps primitives free of outgoing references.
func Parse(data []byte, opts Options) (*Graph, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, domain.Detail(domain.ErrManifestDecode, "manifest payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.WrapEngineError(domain.ErrManifestDecode.Code, domain.ErrManifestDecode.Message, err)
	}
	return Build(doc, opts)
}

// Load reads a manifest from r.
func Load(r io.Reader, opts Options) (*Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data, opts)
}

// LoadFile reads a manifest from path.
func LoadFile(path string, opts Options) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	g, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return g, nil
}

// Build validates an in-memory document. Tests use it to fabricate graphs.
func Build(doc Document, opts Options) (*Graph, error) {
	if opts.StalenessDays <= 0 {
		opts.StalenessDays = DefaultStalenessDays
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	g := newGraph(doc)
	verr := &ValidationError{}

	// (a) cycles first: a graph that cannot be ordered is never usable.
	order, cycle := g.topoSort()
	if cycle != nil {
		verr.Cycle = cycle
	}
	g.topo = order

	// (b) reference integrity.
	g.checkReferences(verr)

	if verr.failed() {
		return nil, verr
	}

	// (c) staleness is advisory.
	g.scanStaleness(opts)
	return g, nil
}
