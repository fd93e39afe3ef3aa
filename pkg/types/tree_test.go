package types

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree returns a tree shaped
//
//	r
//	├── a
//	│   └── b
//	│       └── c
//	└── d
func buildTree(t *testing.T) (c *Catalog, tr *EntityTree, r, a, b, cc, d uuid.UUID) {
	t.Helper()
	c = newTestCatalog(t)
	r, a, b, cc, d = c.NewEntity().ID, c.NewEntity().ID, c.NewEntity().ID, c.NewEntity().ID, c.NewEntity().ID
	tr, err := c.Tree("TREE")
	require.NoError(t, err)
	require.NoError(t, tr.SetRoot(r))
	require.NoError(t, tr.AddChild(r, a))
	require.NoError(t, tr.AddChild(a, b))
	require.NoError(t, tr.AddChild(b, cc))
	require.NoError(t, tr.AddChild(r, d))
	return c, tr, r, a, b, cc, d
}

func preorder(t *testing.T, tr *EntityTree) []uuid.UUID {
	t.Helper()
	var out []uuid.UUID
	require.NoError(t, tr.Walk(func(id uuid.UUID, _ int) error {
		out = append(out, id)
		return nil
	}))
	return out
}

func TestTreeWalkPreOrder(t *testing.T) {
	_, tr, r, a, b, c, d := buildTree(t)
	assert.Equal(t, []uuid.UUID{r, a, b, c, d}, preorder(t, tr))

	depths := map[uuid.UUID]int{}
	require.NoError(t, tr.Walk(func(id uuid.UUID, depth int) error {
		depths[id] = depth
		return nil
	}))
	assert.Equal(t, 3, depths[c])

	root, ok := tr.Root()
	require.True(t, ok)
	assert.Equal(t, r, root)
	p, err := tr.Parent(b)
	require.NoError(t, err)
	assert.Equal(t, a, p)
	p, err = tr.Parent(r)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, p)
}

func TestTreeCycleLeavesTreeUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		parent func(r, a, b, c uuid.UUID) uuid.UUID
		child  func(r, a, b, c uuid.UUID) uuid.UUID
	}{
		{"child is parent", func(r, a, b, c uuid.UUID) uuid.UUID { return b }, func(r, a, b, c uuid.UUID) uuid.UUID { return b }},
		{"child is direct parent of parent", func(r, a, b, c uuid.UUID) uuid.UUID { return b }, func(r, a, b, c uuid.UUID) uuid.UUID { return a }},
		{"child is distant ancestor", func(r, a, b, c uuid.UUID) uuid.UUID { return c }, func(r, a, b, c uuid.UUID) uuid.UUID { return a }},
		{"child is root", func(r, a, b, c uuid.UUID) uuid.UUID { return c }, func(r, a, b, c uuid.UUID) uuid.UUID { return r }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, tr, r, a, b, c, _ := buildTree(t)
			before := preorder(t, tr)

			err := tr.AddChild(tt.parent(r, a, b, c), tt.child(r, a, b, c))
			require.ErrorIs(t, err, ErrCycle)
			var ce *CycleError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "TREE", ce.Hierarchy)

			assert.Equal(t, before, preorder(t, tr))
			assert.NoError(t, tr.Validate())
		})
	}
}

func TestTreeMove(t *testing.T) {
	_, tr, r, a, b, c, d := buildTree(t)

	require.NoError(t, tr.Move(b, d))
	assert.Equal(t, []uuid.UUID{r, a, d, b, c}, preorder(t, tr))
	kids, err := tr.Children(a)
	require.NoError(t, err)
	assert.Empty(t, kids)

	assert.ErrorIs(t, tr.Move(uuid.New(), r), ErrNotFound)
	assert.ErrorIs(t, tr.AddChild(uuid.New(), a), ErrNotFound, "parent must be a node")
	assert.NoError(t, tr.Validate())
}

func TestTreeRemoveNode(t *testing.T) {
	tests := []struct {
		name  string
		check func(t *testing.T, tr *EntityTree, r, a, b, c, d uuid.UUID)
	}{
		{
			name: "cascade removes the subtree",
			check: func(t *testing.T, tr *EntityTree, r, a, b, c, d uuid.UUID) {
				require.NoError(t, tr.RemoveNode(a, CascadeDelete))
				assert.Equal(t, []uuid.UUID{r, d}, preorder(t, tr))
			},
		},
		{
			name: "reattach moves children under the root",
			check: func(t *testing.T, tr *EntityTree, r, a, b, c, d uuid.UUID) {
				require.NoError(t, tr.RemoveNode(a, ReattachToRoot))
				assert.Equal(t, []uuid.UUID{r, d, b, c}, preorder(t, tr))
				p, err := tr.Parent(b)
				require.NoError(t, err)
				assert.Equal(t, r, p)
			},
		},
		{
			name: "reattach on a root with several children fails",
			check: func(t *testing.T, tr *EntityTree, r, a, b, c, d uuid.UUID) {
				assert.ErrorIs(t, tr.RemoveNode(r, ReattachToRoot), ErrValidation)
				assert.Equal(t, 5, tr.Len())
			},
		},
		{
			name: "reattach on a root with one child promotes it",
			check: func(t *testing.T, tr *EntityTree, r, a, b, c, d uuid.UUID) {
				require.NoError(t, tr.RemoveNode(d, CascadeDelete))
				require.NoError(t, tr.RemoveNode(r, ReattachToRoot))
				root, ok := tr.Root()
				require.True(t, ok)
				assert.Equal(t, a, root)
				assert.NoError(t, tr.Validate())
			},
		},
		{
			name: "cascade on the root empties the tree",
			check: func(t *testing.T, tr *EntityTree, r, a, b, c, d uuid.UUID) {
				require.NoError(t, tr.RemoveNode(r, CascadeDelete))
				_, ok := tr.Root()
				assert.False(t, ok)
				assert.Zero(t, tr.Len())
				require.NoError(t, tr.SetRoot(d))
			},
		},
		{
			name: "policy must be explicit",
			check: func(t *testing.T, tr *EntityTree, r, a, b, c, d uuid.UUID) {
				assert.ErrorIs(t, tr.RemoveNode(a, RemovePolicy(0)), ErrValidation)
				assert.ErrorIs(t, tr.RemoveNode(uuid.New(), CascadeDelete), ErrNotFound)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, tr, r, a, b, c, d := buildTree(t)
			tt.check(t, tr, r, a, b, c, d)
		})
	}
}

func TestTreeSetRoot(t *testing.T) {
	c, tr, r, _, _, _, _ := buildTree(t)
	assert.NoError(t, tr.SetRoot(r), "same root is a no-op")
	assert.ErrorIs(t, tr.SetRoot(c.NewEntity().ID), ErrValidation)
	assert.ErrorIs(t, tr.SetRoot(uuid.New()), ErrNotFound)
}
