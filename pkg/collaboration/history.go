package collaboration

// DefaultHistoryCapacity bounds the undo history.
const DefaultHistoryCapacity = 100

// History is the local undo/redo history. The cursor points at the last
// applied entry; entries after it can be redone. It is never transmitted.
type History struct {
	entries  []*Operation
	cursor   int
	capacity int
}

// NewHistory creates an empty history.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{cursor: -1, capacity: capacity}
}

// Push records an applied operation. The redo branch after the cursor is
// discarded first; on overflow the oldest entry is evicted and the cursor
// keeps addressing the same entry.
func (h *History) Push(op *Operation) {
	for i := h.cursor + 1; i < len(h.entries); i++ {
		h.entries[i] = nil
	}
	h.entries = append(h.entries[:h.cursor+1], op)
	h.cursor++
	if len(h.entries) > h.capacity {
		h.entries[0] = nil
		h.entries = h.entries[1:]
		h.cursor--
	}
}

// Current returns the entry at the cursor, or nil.
func (h *History) Current() *Operation {
	if h.cursor < 0 {
		return nil
	}
	return h.entries[h.cursor]
}

// Next returns the entry just past the cursor, or nil.
func (h *History) Next() *Operation {
	if h.cursor+1 >= len(h.entries) {
		return nil
	}
	return h.entries[h.cursor+1]
}

// StepBack moves the cursor before the current entry.
func (h *History) StepBack() {
	if h.cursor >= 0 {
		h.cursor--
	}
}

// StepForward moves the cursor onto the next entry.
func (h *History) StepForward() {
	if h.cursor+1 < len(h.entries) {
		h.cursor++
	}
}

// Remove deletes op from the history, keeping the cursor on the same
// logical entry. It reports whether op was present.
func (h *History) Remove(op *Operation) bool {
	for i, e := range h.entries {
		if e != op {
			continue
		}
		copy(h.entries[i:], h.entries[i+1:])
		h.entries[len(h.entries)-1] = nil
		h.entries = h.entries[:len(h.entries)-1]
		if i <= h.cursor {
			h.cursor--
		}
		return true
	}
	return false
}

// Len returns the number of entries.
func (h *History) Len() int { return len(h.entries) }

// Cursor returns the index of the last applied entry, -1 when none.
func (h *History) Cursor() int { return h.cursor }

// Capacity returns the maximum number of entries.
func (h *History) Capacity() int { return h.capacity }

// Entries returns a copy of the entries, oldest first.
func (h *History) Entries() []*Operation {
	out := make([]*Operation, len(h.entries))
	copy(out, h.entries)
	return out
}
