package collaboration

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ScopeKind says what a change targets
type ScopeKind string

const (
	ScopeCell     ScopeKind = "cell"
	ScopeProperty ScopeKind = "property"
)

// Scope addresses a cell (by key and layer) or the document's own properties.
type Scope struct {
	Kind  ScopeKind `json:"kind"`
	Key   string    `json:"key,omitempty"`
	Layer int       `json:"layer,omitempty"`
}

// CellScope addresses the cell at key on layer.
func CellScope(key string, layer int) Scope {
	return Scope{Kind: ScopeCell, Key: key, Layer: layer}
}

// PropertyScope addresses document-level properties.
func PropertyScope() Scope {
	return Scope{Kind: ScopeProperty}
}

func (s Scope) String() string {
	if s.Kind == ScopeProperty {
		return "property"
	}
	return fmt.Sprintf("cell(%s@%d)", s.Key, s.Layer)
}

// Change is a single field-level edit. An empty value means the field is
// absent.
type Change struct {
	Scope Scope  `json:"scope"`
	Field string `json:"field"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`
}

// Reverse swaps Old and New.
func (c Change) Reverse() Change {
	c.Old, c.New = c.New, c.Old
	return c
}

type fieldRef struct {
	scope Scope
	field string
}

func (c Change) ref() fieldRef {
	return fieldRef{scope: c.Scope, field: c.Field}
}

// Operation is an atomic, reversible batch of changes. Num is the global
// sequence number, 0 until the remote store accepts the operation.
type Operation struct {
	ID      uuid.UUID `json:"id"`
	Num     int64     `json:"num"`
	Author  string    `json:"author,omitempty"`
	Changes []Change  `json:"changes"`

	// origin is the history entry a pending undo or redo was derived from.
	origin *Operation
}

// NewOperation creates an empty operation authored by client.
func NewOperation(author string) *Operation {
	return &Operation{ID: uuid.New(), Author: author}
}

// Len returns the number of changes.
func (o *Operation) Len() int {
	return len(o.Changes)
}

// Add appends a change.
func (o *Operation) Add(c Change) {
	o.Changes = append(o.Changes, c)
}

// Reverse returns a new unsent operation that undoes o: the changes in
// reverse order with old and new swapped.
func (o *Operation) Reverse() *Operation {
	rev := &Operation{ID: uuid.New(), Author: o.Author, Changes: make([]Change, len(o.Changes))}
	for i, c := range o.Changes {
		rev.Changes[len(o.Changes)-1-i] = c.Reverse()
	}
	return rev
}

// Clone returns a new unsent operation with the same changes.
func (o *Operation) Clone() *Operation {
	c := &Operation{ID: uuid.New(), Author: o.Author, Changes: make([]Change, len(o.Changes))}
	copy(c.Changes, o.Changes)
	return c
}

// Apply writes every change's new value to doc in order.
func (o *Operation) Apply(doc Document) {
	for _, c := range o.Changes {
		doc.Set(c.Scope, c.Field, c.New)
	}
}

// Unapply restores every change's old value, last change first.
func (o *Operation) Unapply(doc Document) {
	for i := len(o.Changes) - 1; i >= 0; i-- {
		c := o.Changes[i]
		doc.Set(c.Scope, c.Field, c.Old)
	}
}

// CanApply reports whether o is legal against doc: walking the changes in
// order, every change's old value matches the field's value at that point.
func (o *Operation) CanApply(doc Document) bool {
	seen := make(map[fieldRef]string, len(o.Changes))
	for _, c := range o.Changes {
		cur, ok := seen[c.ref()]
		if !ok {
			cur = doc.Get(c.Scope, c.Field)
		}
		if cur != c.Old {
			return false
		}
		seen[c.ref()] = c.New
	}
	return true
}

// Touches reports whether o and other change a common field.
func (o *Operation) Touches(other *Operation) bool {
	fields := make(map[fieldRef]struct{}, len(o.Changes))
	for _, c := range o.Changes {
		fields[c.ref()] = struct{}{}
	}
	for _, c := range other.Changes {
		if _, ok := fields[c.ref()]; ok {
			return true
		}
	}
	return false
}

// Marshal encodes the operation payload stored under its number.
func (o *Operation) Marshal() ([]byte, error) {
	if o.Num <= 0 {
		return nil, fmt.Errorf("operation %s has no sequence number", o.ID)
	}
	return json.Marshal(o)
}

// UnmarshalOperation decodes a stored operation payload.
func UnmarshalOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	if op.Num <= 0 {
		return nil, fmt.Errorf("operation %s has no sequence number", op.ID)
	}
	if op.Len() == 0 {
		return nil, fmt.Errorf("operation %d is empty", op.Num)
	}
	return &op, nil
}
