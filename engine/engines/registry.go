package engines

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// BackendAuto asks the registry to choose an engine from the file name.
const BackendAuto = "auto"

var (
	// ErrUnknownBackend indicates a backend name with no registered engine.
	ErrUnknownBackend = errors.New("engines: unknown backend")
	// ErrUnsupportedFile indicates no registered engine accepts the file.
	ErrUnsupportedFile = errors.New("engines: unsupported file type")
	// ErrEngineUnavailable indicates the engine's backing tool is not
	// installed on this host.
	ErrEngineUnavailable = errors.New("engines: engine unavailable")
)

// Info is one row of the engine catalog served by the API.
type Info struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	Description string `json:"description,omitempty"`
}

// Registry holds the engine roster keyed by backend name. Auto dispatch
// walks a fixed predicate order: domain-format parsers first, then audio,
// video, and finally the document pipeline.
type Registry struct {
	mu           sync.RWMutex
	engines      map[string]Engine
	descriptions map[string]string
	autoOrder    []string
}

// NewRegistry returns an empty roster.
func NewRegistry() *Registry {
	return &Registry{
		engines:      make(map[string]Engine),
		descriptions: make(map[string]string),
	}
}

// Register adds an engine under its own name. Registration order defines
// auto-dispatch precedence.
func (r *Registry) Register(e Engine, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := e.Name()
	if _, dup := r.engines[name]; !dup {
		r.autoOrder = append(r.autoOrder, name)
	}
	r.engines[name] = e
	r.descriptions[name] = description
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return e, nil
}

// Resolve picks the engine for a task: an explicit backend name wins, the
// auto backend walks the registration order and takes the first engine that
// supports the file.
func (r *Registry) Resolve(backend, fileName string) (Engine, error) {
	if backend != "" && backend != BackendAuto {
		e, err := r.Get(backend)
		if err != nil {
			return nil, err
		}
		if !available(e) {
			return nil, fmt.Errorf("%w: %q", ErrEngineUnavailable, backend)
		}
		return e, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.autoOrder {
		e := r.engines[name]
		if e.Supports(fileName) && available(e) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, filepath.Ext(fileName))
}

// Supported reports whether any registered engine accepts the file,
// ignoring host availability; used for upload validation.
func (r *Registry) Supported(fileName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		if e.Supports(fileName) {
			return true
		}
	}
	return false
}

// Catalog lists every registered engine with its host availability,
// sorted by name for a stable API response.
func (r *Registry) Catalog() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.engines))
	for name, e := range r.engines {
		out = append(out, Info{
			Name:        name,
			Available:   available(e),
			Description: r.descriptions[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func available(e Engine) bool {
	if a, ok := e.(availability); ok {
		return a.Available()
	}
	return true
}

// extSet builds a lowercase extension lookup from ".ext" strings.
func extSet(exts ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		set[strings.ToLower(ext)] = struct{}{}
	}
	return set
}

func hasExt(set map[string]struct{}, fileName string) bool {
	_, ok := set[strings.ToLower(filepath.Ext(fileName))]
	return ok
}
