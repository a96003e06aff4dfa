package defs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// SkippedFile is a definition file that failed to parse or validate.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Set is one immutable snapshot of all definitions under a base path.
type Set struct {
	Chunks    map[string]*Chunk
	Pipelines map[string]*Pipeline
	Configs   map[string]*ResolvedConfig
	Skipped   []SkippedFile
}

type rawConfig struct {
	Name             any               `json:"name"`
	Pipeline         string            `json:"pipeline"`
	WorkflowType     string            `json:"workflow_type"`
	DisplayName      map[string]string `json:"display_name"`
	Description      any               `json:"description"`
	Context          any               `json:"context"`
	Parameters       map[string]any    `json:"parameters"`
	MediaPreferences *MediaPreferences `json:"media_preferences"`
	Meta             map[string]any    `json:"meta"`
}

// LoadSet reads <base>/chunks, <base>/pipelines and <base>/configs. Files
// that do not parse or validate are skipped; broken cross references fail
// the whole load with a configuration error.
func LoadSet(base string, log *logger.Logger) (*Set, error) {
	if log == nil {
		log = logger.Nop()
	}
	if st, err := os.Stat(base); err != nil || !st.IsDir() {
		return nil, pipeerr.New(pipeerr.KindConfiguration, "definitions path %q is not a directory", base)
	}

	set := &Set{
		Chunks:    map[string]*Chunk{},
		Pipelines: map[string]*Pipeline{},
		Configs:   map[string]*ResolvedConfig{},
	}
	skip := func(path string, reason string) {
		log.Warn("Skipping definition file", "path", path, "reason", reason)
		set.Skipped = append(set.Skipped, SkippedFile{Path: path, Reason: reason})
	}

	err := eachJSON(filepath.Join(base, "chunks"), kindChunk, skip, func(path, stem string, raw []byte) error {
		var c Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if strings.TrimSpace(c.Name) == "" {
			c.Name = stem
		}
		c.Placeholders = ExtractPlaceholders(c.Template)
		if _, dup := set.Chunks[c.Name]; dup {
			log.Warn("Duplicate chunk name, later file wins", "chunk", c.Name, "path", path)
		}
		set.Chunks[c.Name] = &c
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachJSON(filepath.Join(base, "pipelines"), kindPipeline, skip, func(path, stem string, raw []byte) error {
		var p Pipeline
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Name) == "" {
			p.Name = stem
		}
		set.Pipelines[p.Name] = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	var rawConfigs []struct {
		stem string
		cfg  rawConfig
	}
	err = eachJSON(filepath.Join(base, "configs"), kindConfig, skip, func(path, stem string, raw []byte) error {
		var rc rawConfig
		if err := json.Unmarshal(raw, &rc); err != nil {
			return err
		}
		rawConfigs = append(rawConfigs, struct {
			stem string
			cfg  rawConfig
		}{stem, rc})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range set.Pipelines {
		seen := map[string]bool{}
		for _, name := range p.Chunks {
			if _, ok := set.Chunks[name]; !ok {
				return nil, pipeerr.New(pipeerr.KindConfiguration, "pipeline %q references missing chunk %q", p.Name, name)
			}
			if seen[name] && !p.Recursive() {
				return nil, pipeerr.New(pipeerr.KindConfiguration, "pipeline %q repeats chunk %q but is not marked recursive", p.Name, name)
			}
			seen[name] = true
		}
	}

	for _, rc := range rawConfigs {
		resolved, err := resolve(rc.stem, rc.cfg, set.Pipelines)
		if err != nil {
			return nil, err
		}
		set.Configs[resolved.Name] = resolved
	}
	for _, c := range set.Configs {
		for _, out := range c.MediaPreferences.OutputConfigs {
			if _, ok := set.Configs[out]; !ok {
				log.Warn("Config lists unknown output config", "config", c.Name, "output_config", out)
			}
		}
	}

	log.Info("Definitions loaded",
		"chunks", len(set.Chunks),
		"pipelines", len(set.Pipelines),
		"configs", len(set.Configs),
		"skipped", len(set.Skipped),
	)
	return set, nil
}

func resolve(stem string, rc rawConfig, pipelines map[string]*Pipeline) (*ResolvedConfig, error) {
	pipelineName := strings.TrimSpace(rc.Pipeline)
	if pipelineName == "" {
		pipelineName = strings.TrimSpace(rc.WorkflowType)
	}
	p, ok := pipelines[pipelineName]
	if !ok {
		return nil, pipeerr.New(pipeerr.KindConfiguration, "config %q references missing pipeline %q", stem, pipelineName)
	}

	out := &ResolvedConfig{
		Name:         stem,
		PipelineName: p.Name,
		Chunks:       append([]string(nil), p.Chunks...),
		Context:      pickLang(rc.Context),
		Parameters:   mergeMaps(p.Defaults.Parameters, rc.Parameters),
		Meta:         mergeMaps(p.Meta, rc.Meta),
		Description:  langMap(rc.Description),
	}
	if rc.MediaPreferences != nil {
		out.MediaPreferences = *rc.MediaPreferences
	}

	switch n := rc.Name.(type) {
	case map[string]any:
		out.DisplayName = langMap(n)
	case string:
		if strings.TrimSpace(n) != "" {
			out.DisplayName = map[string]string{"en": n, "de": n}
		}
	}
	if len(rc.DisplayName) > 0 {
		out.DisplayName = rc.DisplayName
	}
	if len(out.DisplayName) == 0 {
		out.DisplayName = map[string]string{"en": stem, "de": stem}
	}
	return out, nil
}

// eachJSON walks dir recursively. A missing dir is treated as empty.
func eachJSON(dir string, kind docKind, skip func(path, reason string), fn func(path, stem string, raw []byte) error) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return pipeerr.Wrap(pipeerr.KindConfiguration, err, "scan %s", dir)
	}
	sort.Strings(paths)

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			skip(path, err.Error())
			continue
		}
		if !json.Valid(raw) {
			skip(path, "invalid json")
			continue
		}
		violations, err := validateDoc(kind, raw)
		if err != nil {
			return pipeerr.Wrap(pipeerr.KindConfiguration, err, "schema check %s", path)
		}
		if len(violations) > 0 {
			skip(path, strings.Join(violations, "; "))
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if err := fn(path, stem, raw); err != nil {
			skip(path, err.Error())
		}
	}
	return nil
}

func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func langMap(v any) map[string]string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return map[string]string{}
		}
		return map[string]string{"en": t, "de": t}
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return map[string]string{}
}

// pickLang flattens a multilingual context, preferring en then de.
func pickLang(v any) string {
	m := langMap(v)
	if s, ok := v.(string); ok {
		return s
	}
	for _, lang := range []string{"en", "de"} {
		if s := m[lang]; s != "" {
			return s
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		return m[keys[0]]
	}
	return ""
}

// Loader holds the current Set and swaps it atomically on Reload.
type Loader struct {
	base string
	log  *logger.Logger

	mu  sync.RWMutex
	set *Set
}

func NewLoader(base string, log *logger.Logger) *Loader {
	if log == nil {
		log = logger.Nop()
	}
	return &Loader{base: base, log: log.With("service", "DefinitionLoader")}
}

func (l *Loader) Base() string { return l.base }

func (l *Loader) Load() error {
	set, err := LoadSet(l.base, l.log)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.set = set
	l.mu.Unlock()
	return nil
}

// Reload keeps the previous snapshot when the new one fails to load.
func (l *Loader) Reload() error {
	if err := l.Load(); err != nil {
		l.log.Error("Definition reload failed, keeping previous set", "error", err)
		return err
	}
	return nil
}

func (l *Loader) snapshot() *Set {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.set == nil {
		return &Set{}
	}
	return l.set
}

func (l *Loader) Config(name string) (*ResolvedConfig, bool) {
	c, ok := l.snapshot().Configs[name]
	return c, ok
}

func (l *Loader) Chunk(name string) (*Chunk, bool) {
	c, ok := l.snapshot().Chunks[name]
	return c, ok
}

func (l *Loader) Pipeline(name string) (*Pipeline, bool) {
	p, ok := l.snapshot().Pipelines[name]
	return p, ok
}

func (l *Loader) ListConfigs() []string {
	set := l.snapshot()
	out := make([]string, 0, len(set.Configs))
	for name := range set.Configs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (l *Loader) Skipped() []SkippedFile {
	return append([]SkippedFile(nil), l.snapshot().Skipped...)
}

func (l *Loader) String() string {
	set := l.snapshot()
	return fmt.Sprintf("defs(%s: %d chunks, %d pipelines, %d configs)", l.base, len(set.Chunks), len(set.Pipelines), len(set.Configs))
}
