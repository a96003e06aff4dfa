package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Registry owns the active recorders of the process, keyed by run id. At
// most one Recorder exists per run id.
type Registry struct {
	base   string
	sink   EventSink
	log    *logger.Logger
	mu     sync.Mutex
	active map[string]*Recorder
}

func NewRegistry(base string, sink EventSink, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Nop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	if base == "" {
		return nil, errors.New("recorder: base path required")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &Registry{
		base:   base,
		sink:   sink,
		log:    log,
		active: map[string]*Recorder{},
	}, nil
}

func (g *Registry) Base() string { return g.base }

// Create returns the active recorder for opts.RunID, or initializes one.
func (g *Registry) Create(opts InitOptions) (*Recorder, error) {
	r, _, err := g.Acquire(opts)
	return r, err
}

// Acquire is Create that also reports whether this call initialized the
// recorder. Only the caller that created it should Release it.
func (g *Registry) Acquire(opts InitOptions) (*Recorder, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.active[opts.RunID]; ok {
		return r, false, nil
	}
	r, err := Init(g.base, opts, g.sink, g.log)
	if err != nil {
		return nil, false, err
	}
	g.active[opts.RunID] = r
	return r, true, nil
}

// Get returns the active recorder or loads the run from disk.
func (g *Registry) Get(runID string) (*Recorder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.active[runID]; ok {
		return r, nil
	}
	return Load(g.base, runID, g.sink, g.log)
}

func (g *Registry) IsActive(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[runID]
	return ok
}

// Release drops a finished run from the active set.
func (g *Registry) Release(runID string) {
	g.mu.Lock()
	delete(g.active, runID)
	g.mu.Unlock()
}

// RunIDs lists the run directories on disk, sorted.
func (g *Registry) RunIDs() ([]string, error) {
	entries, err := os.ReadDir(g.base)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !ValidRunID(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(g.base, e.Name(), ManifestFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
