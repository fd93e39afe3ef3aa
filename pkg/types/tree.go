package types

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// RemovePolicy decides what happens to the children of a removed tree node.
type RemovePolicy int

const (
	// ReattachToRoot moves the children of the removed node under the root,
	// appended in their existing order. Removing the root itself promotes its
	// only child; a root with several children cannot be removed this way.
	ReattachToRoot RemovePolicy = iota + 1
	// CascadeDelete removes the whole subtree.
	CascadeDelete
)

func (p RemovePolicy) String() string {
	switch p {
	case ReattachToRoot:
		return "reattach"
	case CascadeDelete:
		return "cascade"
	default:
		return fmt.Sprintf("RemovePolicy(%d)", int(p))
	}
}

type treeNode struct {
	parent   uuid.UUID // uuid.Nil for the root
	children []uuid.UUID
}

// EntityTree is a single-rooted tree whose nodes are entity ids. An entity
// appears at most once.
type EntityTree struct {
	hierarchyBase
	root  uuid.UUID
	nodes map[uuid.UUID]*treeNode
}

func (t *EntityTree) Type() HierarchyType { return HierarchyTree }
func (t *EntityTree) Len() int            { return len(t.nodes) }

func (t *EntityTree) Contains(id uuid.UUID) bool {
	_, ok := t.nodes[id]
	return ok
}

// Root returns the root id and false when the tree is empty.
func (t *EntityTree) Root() (uuid.UUID, bool) {
	return t.root, len(t.nodes) > 0
}

// SetRoot makes id the root of an empty tree. Calling it again with the
// current root is a no-op.
func (t *EntityTree) SetRoot(id uuid.UUID) error {
	if err := t.requireEntity(id); err != nil {
		return err
	}
	if len(t.nodes) > 0 {
		if t.root == id {
			return nil
		}
		return invalidf(t.name, "tree already has root %s", t.root)
	}
	t.root = id
	t.nodes[id] = &treeNode{}
	return nil
}

// AddChild appends child under parent. A child already in the tree is moved
// together with its subtree. It fails with CycleError, leaving the tree
// unchanged, when child is parent or one of its ancestors.
func (t *EntityTree) AddChild(parent, child uuid.UUID) error {
	pn, ok := t.nodes[parent]
	if !ok {
		return &NotFoundError{Kind: "node", Key: parent.String()}
	}
	if err := t.requireEntity(child); err != nil {
		return err
	}
	if t.isAncestorOrSelf(child, parent) {
		return &CycleError{Hierarchy: t.name, Parent: parent, Child: child}
	}
	if cn, exists := t.nodes[child]; exists {
		old := t.nodes[cn.parent]
		old.children = slices.DeleteFunc(old.children, func(x uuid.UUID) bool { return x == child })
		cn.parent = parent
	} else {
		t.nodes[child] = &treeNode{parent: parent}
	}
	pn.children = append(pn.children, child)
	return nil
}

// Move re-parents an existing node. It applies the same checks as AddChild.
func (t *EntityTree) Move(child, newParent uuid.UUID) error {
	if !t.Contains(child) {
		return &NotFoundError{Kind: "node", Key: child.String()}
	}
	return t.AddChild(newParent, child)
}

// isAncestorOrSelf reports whether a is n or one of n's ancestors.
func (t *EntityTree) isAncestorOrSelf(a, n uuid.UUID) bool {
	for cur := n; ; {
		if cur == a {
			return true
		}
		node, ok := t.nodes[cur]
		if !ok || cur == t.root {
			return false
		}
		cur = node.parent
	}
}

// RemoveNode removes id according to policy, which must be given explicitly.
func (t *EntityTree) RemoveNode(id uuid.UUID, policy RemovePolicy) error {
	n, ok := t.nodes[id]
	if !ok {
		return &NotFoundError{Kind: "node", Key: id.String()}
	}
	switch policy {
	case CascadeDelete:
		t.removeSubtree(id)
		return nil
	case ReattachToRoot:
	default:
		return invalidf(t.name, "unknown remove policy %v", policy)
	}

	if id == t.root {
		switch len(n.children) {
		case 0:
			t.removeSubtree(id)
		case 1:
			next := n.children[0]
			delete(t.nodes, id)
			t.root = next
			t.nodes[next].parent = uuid.Nil
		default:
			return invalidf(t.name, "root has %d children; cannot reattach to itself", len(n.children))
		}
		return nil
	}

	root := t.nodes[t.root]
	for _, c := range n.children {
		t.nodes[c].parent = t.root
		root.children = append(root.children, c)
	}
	parent := t.nodes[n.parent]
	parent.children = slices.DeleteFunc(parent.children, func(x uuid.UUID) bool { return x == id })
	delete(t.nodes, id)
	return nil
}

func (t *EntityTree) removeSubtree(id uuid.UUID) {
	n := t.nodes[id]
	for _, c := range slices.Clone(n.children) {
		t.removeSubtree(c)
	}
	if id == t.root {
		t.root = uuid.Nil
	} else if p, ok := t.nodes[n.parent]; ok {
		p.children = slices.DeleteFunc(p.children, func(x uuid.UUID) bool { return x == id })
	}
	delete(t.nodes, id)
}

// Parent returns the parent of id; the root's parent is uuid.Nil.
func (t *EntityTree) Parent(id uuid.UUID) (uuid.UUID, error) {
	n, ok := t.nodes[id]
	if !ok {
		return uuid.Nil, &NotFoundError{Kind: "node", Key: id.String()}
	}
	return n.parent, nil
}

// Children returns a copy of id's ordered child list.
func (t *EntityTree) Children(id uuid.UUID) ([]uuid.UUID, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, &NotFoundError{Kind: "node", Key: id.String()}
	}
	return slices.Clone(n.children), nil
}

// Walk visits every node in pre-order, children in their stored order.
// Returning an error from fn stops the walk and returns that error.
func (t *EntityTree) Walk(fn func(id uuid.UUID, depth int) error) error {
	if len(t.nodes) == 0 {
		return nil
	}
	return t.walk(t.root, 0, fn)
}

func (t *EntityTree) walk(id uuid.UUID, depth int, fn func(uuid.UUID, int) error) error {
	if err := fn(id, depth); err != nil {
		return err
	}
	for _, c := range t.nodes[id].children {
		if err := t.walk(c, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that every node is reachable from the single root exactly
// once and that every node's entity exists.
func (t *EntityTree) Validate() error {
	if len(t.nodes) == 0 {
		return nil
	}
	if _, ok := t.nodes[t.root]; !ok {
		return invalidf(t.name, "root %s is not a node", t.root)
	}
	seen := make(map[uuid.UUID]bool, len(t.nodes))
	var visit func(id, parent uuid.UUID) error
	visit = func(id, parent uuid.UUID) error {
		if seen[id] {
			return &CycleError{Hierarchy: t.name, Parent: parent, Child: id}
		}
		seen[id] = true
		n, ok := t.nodes[id]
		if !ok {
			return invalidf(t.name, "child %s is not a node", id)
		}
		if n.parent != parent {
			return invalidf(t.name, "node %s has parent %s, listed under %s", id, n.parent, parent)
		}
		if err := t.requireEntity(id); err != nil {
			return fmt.Errorf("hierarchy %q: %w", t.name, err)
		}
		for _, c := range n.children {
			if err := visit(c, id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(t.root, uuid.Nil); err != nil {
		return err
	}
	if len(seen) != len(t.nodes) {
		return invalidf(t.name, "%d node(s) unreachable from the root", len(t.nodes)-len(seen))
	}
	return nil
}

func (t *EntityTree) detach(id uuid.UUID) {
	if t.Contains(id) {
		t.removeSubtree(id)
	}
}

func (t *EntityTree) clone(cat *Catalog) Content {
	nodes := make(map[uuid.UUID]*treeNode, len(t.nodes))
	for id, n := range t.nodes {
		nodes[id] = &treeNode{parent: n.parent, children: slices.Clone(n.children)}
	}
	return &EntityTree{hierarchyBase: hierarchyBase{cat: cat, name: t.name}, root: t.root, nodes: nodes}
}
