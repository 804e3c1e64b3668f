// Package registry assigns stable display colors to tracked entities in
// first-seen order.
package registry

import (
	"context"
	"sync"
)

// ColorIndex is a position in the palette, or Unassigned.
type ColorIndex int

// Unassigned is returned for entities the registry has never seen.
const Unassigned ColorIndex = -1

// Color is a named display color.
type Color struct {
	Name string `json:"name"`
	Hex  string `json:"hex"`
}

// DefaultPalette is cycled with wraparound as new entities appear.
var DefaultPalette = []Color{
	{Name: "red", Hex: "#FF0000"},
	{Name: "blue", Hex: "#0000FF"},
	{Name: "green", Hex: "#00FF00"},
	{Name: "yellow", Hex: "#FFFF00"},
	{Name: "magenta", Hex: "#FF00FF"},
	{Name: "cyan", Hex: "#00FFFF"},
	{Name: "dark_gray", Hex: "#444444"},
	{Name: "light_gray", Hex: "#CCCCCC"},
	{Name: "black", Hex: "#000000"},
	{Name: "white", Hex: "#FFFFFF"},
}

// unassignedColor has no hex value so it cannot be confused with a palette entry.
var unassignedColor = Color{Name: "unassigned"}

// Entity is a known entity and its assigned color.
type Entity struct {
	ID         int        `json:"id"`
	ColorIndex ColorIndex `json:"color_index"`
	Color      Color      `json:"color"`
}

// IDLister yields entity ids in first-seen order.
type IDLister interface {
	DistinctEntityIDs(ctx context.Context) ([]int, error)
}

// Registry maps entity ids to color indexes. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	palette []Color
	colors  map[int]ColorIndex
	order   []int
}

// New returns an empty registry over palette (DefaultPalette when empty).
func New(palette []Color) *Registry {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &Registry{
		palette: append([]Color(nil), palette...),
		colors:  make(map[int]ColorIndex),
	}
}

// Load builds a registry from the store's entity ids, replaying first sights in order.
func Load(ctx context.Context, lister IDLister, palette []Color) (*Registry, error) {
	ids, err := lister.DistinctEntityIDs(ctx)
	if err != nil {
		return nil, err
	}
	r := New(palette)
	for _, id := range ids {
		r.EnsureKnown(id)
	}
	return r, nil
}

// EnsureKnown returns the entity's color index, assigning the next palette
// slot on first sight. isNew reports whether this call made the assignment.
func (r *Registry) EnsureKnown(entityID int) (idx ColorIndex, isNew bool) {
	r.mu.RLock()
	idx, ok := r.colors[entityID]
	r.mu.RUnlock()
	if ok {
		return idx, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignLocked(entityID)
}

func (r *Registry) assignLocked(entityID int) (ColorIndex, bool) {
	if idx, ok := r.colors[entityID]; ok {
		return idx, false
	}
	idx := ColorIndex(len(r.order) % len(r.palette))
	r.colors[entityID] = idx
	r.order = append(r.order, entityID)
	return idx, true
}

// ColorOf returns the entity's color index, or Unassigned.
func (r *Registry) ColorOf(entityID int) ColorIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.colors[entityID]; ok {
		return idx
	}
	return Unassigned
}

// Color resolves idx against the palette.
func (r *Registry) Color(idx ColorIndex) Color {
	if idx < 0 || int(idx) >= len(r.palette) {
		return unassignedColor
	}
	return r.palette[idx]
}

// Entities lists known entities in first-seen order.
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		idx := r.colors[id]
		out = append(out, Entity{ID: id, ColorIndex: idx, Color: r.palette[idx]})
	}
	return out
}

// Len reports how many entities are known.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Rebuild runs wipe and then replays lister's ids, all under the write lock.
// EnsureKnown blocks meanwhile, so an entity stored after wipe is either
// replayed here or assigned the next slot afterwards; live colors always
// match a later Load. The registry is emptied even when listing fails.
func (r *Registry) Rebuild(ctx context.Context, wipe func(context.Context) error, lister IDLister) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wipe != nil {
		if err := wipe(ctx); err != nil {
			return err
		}
	}
	r.forgetLocked()
	ids, err := lister.DistinctEntityIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.assignLocked(id)
	}
	return nil
}

func (r *Registry) forgetLocked() {
	r.colors = make(map[int]ColorIndex)
	r.order = nil
}
