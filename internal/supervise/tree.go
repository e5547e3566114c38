package supervise

import "sync"

// Tree records the supervised process tree as an arena of nodes with
// parent links by index. The supervisor launches only the first-level
// child directly, but shutdown must be able to walk the whole subtree
// (the intelligence service owns a tool-provider grandchild) instead
// of relying on process-group semantics alone.
type Tree struct {
	mu    sync.Mutex
	nodes []treeNode
}

type treeNode struct {
	role   Role
	pid    int
	parent int // index into nodes, -1 for a root
	dead   bool
}

// NewTree creates an empty process tree.
func NewTree() *Tree {
	return &Tree{}
}

// Add records a process under the given parent role. An unknown or
// empty parent makes the node a root.
func (t *Tree) Add(role Role, pid int, parent Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parentIdx := -1
	if parent != "" {
		parentIdx = t.indexOf(parent)
	}
	t.nodes = append(t.nodes, treeNode{role: role, pid: pid, parent: parentIdx})
}

// Subtree returns the pids of role and all its live descendants,
// deepest first, so callers can signal children before parents.
func (t *Tree) Subtree(role Role) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rootIdx := t.indexOf(role)
	if rootIdx < 0 {
		return nil
	}
	var walk func(idx int) []int
	walk = func(idx int) []int {
		var pids []int
		for i, n := range t.nodes {
			if !n.dead && n.parent == idx {
				pids = append(pids, walk(i)...)
			}
		}
		if !t.nodes[idx].dead {
			pids = append(pids, t.nodes[idx].pid)
		}
		return pids
	}
	return walk(rootIdx)
}

// Remove marks role and its descendants dead.
func (t *Tree) Remove(role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rootIdx := t.indexOf(role)
	if rootIdx < 0 {
		return
	}
	var mark func(idx int)
	mark = func(idx int) {
		for i, n := range t.nodes {
			if !n.dead && n.parent == idx {
				mark(i)
			}
		}
		t.nodes[idx].dead = true
	}
	mark(rootIdx)
}

func (t *Tree) indexOf(role Role) int {
	for i, n := range t.nodes {
		if !n.dead && n.role == role {
			return i
		}
	}
	return -1
}
