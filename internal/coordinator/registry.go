package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrWidgetExists is returned by Mount when the id is already mounted.
var ErrWidgetExists = errors.New("coordinator: widget already mounted")

// Registry owns the mounted widgets of a process.
type Registry struct {
	mu      sync.RWMutex
	widgets map[string]Widget
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{widgets: make(map[string]Widget)}
}

// Mount adds w. The registry takes ownership and closes w on Unmount.
func (r *Registry) Mount(w Widget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.widgets[w.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrWidgetExists, w.ID())
	}
	r.widgets[w.ID()] = w
	return nil
}

// Unmount removes and closes the widget with the given id. It reports
// whether the widget was mounted.
func (r *Registry) Unmount(id string) bool {
	r.mu.Lock()
	w, ok := r.widgets[id]
	delete(r.widgets, id)
	r.mu.Unlock()
	if ok {
		w.Close()
	}
	return ok
}

// Get returns the widget with the given id.
func (r *Registry) Get(id string) (Widget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.widgets[id]
	return w, ok
}

// List returns all mounted widgets ordered by id.
func (r *Registry) List() []Widget {
	r.mu.RLock()
	out := make([]Widget, 0, len(r.widgets))
	for _, w := range r.widgets {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Views returns the views of all mounted widgets ordered by id.
func (r *Registry) Views() []View {
	ws := r.List()
	out := make([]View, len(ws))
	for i, w := range ws {
		out[i] = w.View()
	}
	return out
}

// CloseAll unmounts and closes every widget.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ws := r.widgets
	r.widgets = make(map[string]Widget)
	r.mu.Unlock()
	for _, w := range ws {
		w.Close()
	}
}
