package collaboration

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Document is the local replica the engine edits. An empty value means the
// field is absent.
type Document interface {
	Get(scope Scope, field string) string
	Set(scope Scope, field, value string)
	// Snapshot serializes the full state; Load replaces it.
	Snapshot() ([]byte, error)
	Load(data []byte) error
}

type cellKey struct {
	key   string
	layer int
}

// Grid is a Document of cells addressed by key and layer plus document
// properties. Grid is not safe for concurrent use; the engine owns it.
type Grid struct {
	cells map[cellKey]map[string]string
	props map[string]string
}

// NewGrid returns an empty grid.
func NewGrid() *Grid {
	return &Grid{
		cells: make(map[cellKey]map[string]string),
		props: make(map[string]string),
	}
}

func (g *Grid) fields(scope Scope, create bool) map[string]string {
	if scope.Kind == ScopeProperty {
		return g.props
	}
	k := cellKey{key: scope.Key, layer: scope.Layer}
	f := g.cells[k]
	if f == nil && create {
		f = make(map[string]string)
		g.cells[k] = f
	}
	return f
}

// Get returns the value of field in scope.
func (g *Grid) Get(scope Scope, field string) string {
	return g.fields(scope, false)[field]
}

// Set writes field in scope; an empty value removes it.
func (g *Grid) Set(scope Scope, field, value string) {
	if value == "" {
		f := g.fields(scope, false)
		if f == nil {
			return
		}
		delete(f, field)
		if scope.Kind == ScopeCell && len(f) == 0 {
			delete(g.cells, cellKey{key: scope.Key, layer: scope.Layer})
		}
		return
	}
	g.fields(scope, true)[field] = value
}

// CellCount returns the number of non-empty cells.
func (g *Grid) CellCount() int {
	return len(g.cells)
}

type gridCell struct {
	Key    string            `json:"key"`
	Layer  int               `json:"layer"`
	Fields map[string]string `json:"fields"`
}

type gridState struct {
	Cells      []gridCell        `json:"cells"`
	Properties map[string]string `json:"properties"`
}

// Snapshot serializes the grid. Cells are ordered by layer then key so equal
// grids produce equal bytes.
func (g *Grid) Snapshot() ([]byte, error) {
	state := gridState{
		Cells:      make([]gridCell, 0, len(g.cells)),
		Properties: g.props,
	}
	for k, f := range g.cells {
		state.Cells = append(state.Cells, gridCell{Key: k.key, Layer: k.layer, Fields: f})
	}
	sort.Slice(state.Cells, func(i, j int) bool {
		if state.Cells[i].Layer != state.Cells[j].Layer {
			return state.Cells[i].Layer < state.Cells[j].Layer
		}
		return state.Cells[i].Key < state.Cells[j].Key
	})
	return json.Marshal(state)
}

// Load replaces the grid with a snapshot.
func (g *Grid) Load(data []byte) error {
	var state gridState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to decode grid snapshot: %w", err)
	}
	cells := make(map[cellKey]map[string]string, len(state.Cells))
	for _, c := range state.Cells {
		if len(c.Fields) == 0 {
			continue
		}
		cells[cellKey{key: c.Key, layer: c.Layer}] = c.Fields
	}
	props := state.Properties
	if props == nil {
		props = make(map[string]string)
	}
	g.cells = cells
	g.props = props
	return nil
}
