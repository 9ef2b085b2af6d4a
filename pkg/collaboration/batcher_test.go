package collaboration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cellChange(key, value string) Change {
	return Change{Scope: CellScope(key, 0), Field: "value", New: value}
}

func TestBatcher(t *testing.T) {
	newBatcher := func() (*Batcher, *fakeClock, *[]*Operation) {
		clock := newFakeClock()
		var done []*Operation
		var b *Batcher
		b = NewBatcher(5*time.Second, "client", clock.Schedule, func() {
			if op := b.Finalize(); op != nil {
				done = append(done, op)
			}
		})
		return b, clock, &done
	}

	t.Run("Edits two seconds apart coalesce", func(t *testing.T) {
		b, clock, done := newBatcher()
		b.Record(cellChange("A1", "1"))
		clock.Advance(2 * time.Second)
		b.Record(cellChange("A2", "2"))
		clock.Advance(4 * time.Second)
		assert.Empty(t, *done, "timer restarted by the second edit")

		clock.Advance(time.Second)
		require.Len(t, *done, 1)
		assert.Equal(t, 2, (*done)[0].Len())
		assert.Equal(t, "client", (*done)[0].Author)
	})

	t.Run("Edit six seconds after an idle one is separate", func(t *testing.T) {
		b, clock, done := newBatcher()
		b.Record(cellChange("A1", "1"))
		clock.Advance(5 * time.Second)
		require.Len(t, *done, 1)

		clock.Advance(time.Second)
		b.Record(cellChange("A2", "2"))
		clock.Advance(5 * time.Second)
		require.Len(t, *done, 2)
		assert.Equal(t, 1, (*done)[0].Len())
		assert.Equal(t, 1, (*done)[1].Len())
		assert.NotEqual(t, (*done)[0].ID, (*done)[1].ID)
	})

	t.Run("Finalize cancels the timer", func(t *testing.T) {
		b, clock, done := newBatcher()
		b.Record(cellChange("A1", "1"))
		assert.True(t, b.Dirty())

		op := b.Finalize()
		require.NotNil(t, op)
		assert.False(t, b.Dirty())
		assert.Equal(t, 0, clock.Active())

		clock.Advance(10 * time.Second)
		assert.Empty(t, *done)
	})

	t.Run("Empty operations are discarded", func(t *testing.T) {
		b, _, _ := newBatcher()
		assert.Nil(t, b.Finalize())
	})

	t.Run("Stale timer callback is ignored", func(t *testing.T) {
		var fire func()
		fired := 0
		b := NewBatcher(time.Second, "c", func(d time.Duration, f func()) func() {
			fire = f
			return func() {}
		}, func() { fired++ })

		b.Record(cellChange("A1", "1"))
		stale := fire
		b.Record(cellChange("A1", "2"))
		stale()
		assert.Equal(t, 0, fired)
		fire()
		assert.Equal(t, 1, fired)
	})
}
