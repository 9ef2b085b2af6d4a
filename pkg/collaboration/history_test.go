package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(n int) *Operation {
	op := NewOperation("t")
	op.Num = int64(n)
	op.Add(Change{Scope: PropertyScope(), Field: "n", New: "x"})
	return op
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, DefaultHistoryCapacity, h.Capacity())
	assert.Equal(t, -1, h.Cursor())
	assert.Nil(t, h.Current())
	assert.Nil(t, h.Next())
	h.StepBack()
	assert.Equal(t, -1, h.Cursor())
}

func TestHistory_Capacity(t *testing.T) {
	h := NewHistory(100)
	ops := make([]*Operation, 105)
	for i := range ops {
		ops[i] = numbered(i)
		h.Push(ops[i])
		assert.LessOrEqual(t, h.Len(), 100)
	}

	assert.Equal(t, 100, h.Len())
	assert.Equal(t, 99, h.Cursor())
	assert.Same(t, ops[104], h.Current())
	assert.Same(t, ops[5], h.Entries()[0], "oldest entries are evicted")

	// With the cursor mid-history, eviction keeps it on the same entry.
	small := NewHistory(3)
	a, b, c := numbered(1), numbered(2), numbered(3)
	small.Push(a)
	small.Push(b)
	small.Push(c)
	small.StepBack()
	require.Same(t, b, small.Current())
	d := numbered(4)
	small.Push(d) // prunes c
	assert.Equal(t, []*Operation{a, b, d}, small.Entries())
	e := numbered(5)
	small.Push(e)
	assert.Equal(t, []*Operation{b, d, e}, small.Entries())
	assert.Same(t, e, small.Current())
	small.StepBack()
	assert.Same(t, d, small.Current())
}

func TestHistory_PushPrunesRedoBranch(t *testing.T) {
	h := NewHistory(10)
	a, b, c := numbered(1), numbered(2), numbered(3)
	h.Push(a)
	h.Push(b)
	h.StepBack()
	h.StepBack()
	assert.Same(t, a, h.Next())

	h.Push(c)
	assert.Equal(t, []*Operation{c}, h.Entries())
	assert.Equal(t, 0, h.Cursor())
	assert.Nil(t, h.Next())
}

func TestHistory_StepForward(t *testing.T) {
	h := NewHistory(10)
	a, b := numbered(1), numbered(2)
	h.Push(a)
	h.Push(b)
	h.StepBack()
	assert.Same(t, b, h.Next())
	h.StepForward()
	assert.Same(t, b, h.Current())
	h.StepForward()
	assert.Same(t, b, h.Current(), "no-op at the tail")
}

func TestHistory_Remove(t *testing.T) {
	h := NewHistory(10)
	a, b, c := numbered(1), numbered(2), numbered(3)
	h.Push(a)
	h.Push(b)
	h.Push(c)
	h.StepBack() // cursor on b

	assert.True(t, h.Remove(a))
	assert.Same(t, b, h.Current())
	assert.Equal(t, 0, h.Cursor())

	assert.True(t, h.Remove(c))
	assert.Same(t, b, h.Current())
	assert.Nil(t, h.Next())

	assert.True(t, h.Remove(b))
	assert.Equal(t, -1, h.Cursor())
	assert.False(t, h.Remove(b))
}

func TestPendingQueue(t *testing.T) {
	var q PendingQueue
	a, b, c := numbered(1), numbered(2), numbered(3)
	q.Push(a)
	q.Push(b)
	q.Push(a)
	q.Push(c)
	assert.Equal(t, 3, q.Len())
	assert.Same(t, a, q.Head())

	assert.True(t, q.Remove(b))
	assert.False(t, q.Remove(b))
	assert.Equal(t, []*Operation{a, c}, q.Ops())

	q.Replace(nil)
	assert.Nil(t, q.Head())
}
