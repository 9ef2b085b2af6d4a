package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid(t *testing.T) {
	g := NewGrid()
	g.Set(CellScope("A1", 0), "value", "1")
	g.Set(CellScope("A1", 1), "value", "layered")
	g.Set(PropertyScope(), "title", "budget")

	assert.Equal(t, "1", g.Get(CellScope("A1", 0), "value"))
	assert.Equal(t, "layered", g.Get(CellScope("A1", 1), "value"))
	assert.Equal(t, "", g.Get(CellScope("Z9", 0), "value"))
	assert.Equal(t, 2, g.CellCount())

	g.Set(CellScope("A1", 1), "value", "")
	assert.Equal(t, 1, g.CellCount(), "emptied cells disappear")
	g.Set(CellScope("nope", 0), "value", "")
	assert.Equal(t, 1, g.CellCount())
}

func TestGrid_SnapshotLoad(t *testing.T) {
	a := NewGrid()
	a.Set(CellScope("B1", 2), "value", "x")
	a.Set(CellScope("A1", 0), "value", "y")
	a.Set(CellScope("A1", 0), "format", "bold")
	a.Set(PropertyScope(), "title", "t")

	data, err := a.Snapshot()
	require.NoError(t, err)

	b := NewGrid()
	b.Set(CellScope("junk", 0), "value", "gone")
	require.NoError(t, b.Load(data))
	assert.Equal(t, "", b.Get(CellScope("junk", 0), "value"))
	assert.Equal(t, "bold", b.Get(CellScope("A1", 0), "format"))
	assert.Equal(t, "t", b.Get(PropertyScope(), "title"))

	again, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))

	assert.Error(t, b.Load([]byte("{")))
}

func TestSnapshotCodec(t *testing.T) {
	codec, err := NewSnapshotCodec()
	require.NoError(t, err)
	defer codec.Close()

	g := NewGrid()
	g.Set(CellScope("A1", 0), "value", "1")
	data, err := g.Snapshot()
	require.NoError(t, err)

	enc, err := codec.Encode(SnapshotRecord{Mid: "doc", Num: 12, Data: data})
	require.NoError(t, err)

	rec, err := codec.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "doc", rec.Mid)
	assert.Equal(t, int64(12), rec.Num)
	assert.Equal(t, data, rec.Data)

	_, err = codec.Decode([]byte("plain"))
	assert.Error(t, err)
}
