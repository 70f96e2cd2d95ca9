package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree(t *testing.T) Node {
	t.Helper()
	states, err := FromRows([][]float32{{0, 0}, {1, 1}, {2, 2}, {3, 3}})
	require.NoError(t, err)
	return NewBranch(
		Entry{Key: "states", Node: Leaf{Tensor: states}},
		Entry{Key: "extra", Node: List(
			Leaf{Tensor: Vector(10, 11, 12, 13)},
			NewBranch(Entry{Key: "values", Node: Leaf{Tensor: Vector(20, 21, 22, 23)}}),
		)},
	)
}

func TestMap_PreservesStructure(t *testing.T) {
	tree := sampleTree(t)

	var seen []string
	out, err := Map(tree, func(x *Tensor) (*Tensor, error) {
		seen = append(seen, x.String())
		return x.To("cuda:0"), nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)

	var paths []string
	Leaves(out, func(path string, x *Tensor) {
		paths = append(paths, path)
		assert.Equal(t, Device("cuda:0"), x.Device())
	})
	assert.Equal(t, []string{"states", "extra.0", "extra.1.values"}, paths)

	// Input still on host
	Leaves(tree, func(_ string, x *Tensor) {
		assert.Equal(t, Host, x.Device())
	})
}

func TestIndexAndTransfer(t *testing.T) {
	tree := sampleTree(t)

	t.Run("IndexOnly", func(t *testing.T) {
		out, err := IndexAndTransfer(tree, []int{3, 1}, "")
		require.NoError(t, err)
		b := out.(*Branch)
		states, ok := b.Get("states")
		require.True(t, ok)
		assert.Equal(t, []float32{3, 3, 1, 1}, states.(Leaf).Tensor.Data())
		assert.Equal(t, Host, states.(Leaf).Tensor.Device())
		assert.Equal(t, 2, Rows(out))
	})

	t.Run("TransferOnly", func(t *testing.T) {
		out, err := IndexAndTransfer(tree, nil, Staging)
		require.NoError(t, err)
		assert.Equal(t, 4, Rows(out))
		Leaves(out, func(_ string, x *Tensor) {
			assert.Equal(t, Staging, x.Device())
		})
	})

	t.Run("Both", func(t *testing.T) {
		out, err := IndexAndTransfer(tree, []int{0}, "cuda:0")
		require.NoError(t, err)
		Leaves(out, func(_ string, x *Tensor) {
			assert.Equal(t, 1, x.Rows())
			assert.Equal(t, Device("cuda:0"), x.Device())
		})
	})

	t.Run("BadIndexNamesPath", func(t *testing.T) {
		_, err := IndexAndTransfer(tree, []int{9}, "")
		require.ErrorIs(t, err, ErrIndexOutOfRange)
		assert.Contains(t, err.Error(), "states")
	})
}

func TestRows_EmptyTree(t *testing.T) {
	assert.Equal(t, 0, Rows(NewBranch()))
	assert.Equal(t, 0, Rows(nil))
}
