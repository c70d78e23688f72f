package crdt

import (
	"sort"

	"codex/common"
)

// TreeRoot is the id of the virtual root every top-level node hangs from.
const TreeRoot = ""

// treeNode is the stored state of one document node. Parent, Pos and the
// move stamp resolve concurrent moves by last-writer-wins; the tombstone
// mirrors the text layer's intention-preserving delete.
type treeNode struct {
	ID        string             `json:"id"`
	Parent    string             `json:"parent"`
	Pos       int                `json:"pos"`
	MoveTS    int64              `json:"move_ts"`
	MoveUser  common.UserID      `json:"move_user"`
	MoveOp    common.OperationID `json:"move_op"`
	Deleted   bool               `json:"deleted,omitempty"`
	DeletedAt int64              `json:"deleted_at,omitempty"`
}

// supersededBy reports whether a placement stamped (ts, user, op) wins over
// the node's current placement.
func (n *treeNode) supersededBy(ts int64, user common.UserID, op common.OperationID) bool {
	if ts != n.MoveTS {
		return ts > n.MoveTS
	}
	if c := user.Compare(n.MoveUser); c != 0 {
		return c > 0
	}
	return op.Compare(n.MoveOp) > 0
}

// TreeStats reports node counts for GC accounting.
type TreeStats struct {
	VisibleNodes int `json:"visible_nodes"`
	Tombstones   int `json:"tombstones"`
}

// HierarchyTree is the structural layer: a parent/child hierarchy of nested
// documents. Sibling order is (pos, user, op id), so concurrent inserts at
// the same position interleave deterministically instead of colliding.
//
// Stored placements are plain per-node LWW registers and are never rewritten
// after the fact, which keeps Merge a pointwise join and therefore
// commutative, associative, and idempotent. Concurrent moves can join into a
// parent-pointer cycle; every read goes through effectiveParents, which
// detaches the greatest-stamp member of each cycle as a pure function of the
// stored state, so all replicas holding the same nodes report the same tree.
type HierarchyTree struct {
	nodes map[string]*treeNode
}

// NewHierarchyTree creates an empty tree.
func NewHierarchyTree() *HierarchyTree {
	return &HierarchyTree{nodes: make(map[string]*treeNode)}
}

// Insert places child at sibling position pos under parent. The parent must
// exist (or be TreeRoot); inserting an id that already exists fails unless
// it is the same operation being re-applied, which is a no-op.
func (t *HierarchyTree) Insert(parent string, pos int, child string, user common.UserID, opID common.OperationID, ts int64) error {
	if parent != TreeRoot {
		if _, ok := t.nodes[parent]; !ok {
			return common.ErrNodeNotFound{Node: parent}
		}
	}
	if existing, ok := t.nodes[child]; ok {
		if existing.MoveOp == opID {
			return nil
		}
		return common.ErrInvalidOperation{Message: "node already exists: " + child}
	}

	t.nodes[child] = &treeNode{
		ID:       child,
		Parent:   parent,
		Pos:      pos,
		MoveTS:   ts,
		MoveUser: user,
		MoveOp:   opID,
	}
	return nil
}

// Move reparents child under newParent at sibling position pos. It fails
// with ErrCycleDetected if newParent descends from child.
func (t *HierarchyTree) Move(child, newParent string, pos int, user common.UserID, opID common.OperationID, ts int64) error {
	node, ok := t.nodes[child]
	if !ok {
		return common.ErrNodeNotFound{Node: child}
	}
	if newParent != TreeRoot {
		if _, ok := t.nodes[newParent]; !ok {
			return common.ErrNodeNotFound{Node: newParent}
		}
	}
	if node.MoveOp == opID {
		return nil
	}
	if child == newParent || t.isAncestor(child, newParent) {
		return common.ErrCycleDetected{Node: child, NewParent: newParent}
	}

	node.Parent = newParent
	node.Pos = pos
	node.MoveTS = ts
	node.MoveUser = user
	node.MoveOp = opID
	return nil
}

// Delete tombstones node and every node currently beneath it. A child
// inserted concurrently under the subtree is not covered by the tombstone
// and survives the merge.
func (t *HierarchyTree) Delete(node string, deletedAt int64) error {
	if _, ok := t.nodes[node]; !ok {
		return common.ErrNodeNotFound{Node: node}
	}
	for _, id := range t.subtree(node) {
		n := t.nodes[id]
		if !n.Deleted {
			n.Deleted = true
			n.DeletedAt = deletedAt
		}
	}
	return nil
}

// Has returns true if node exists and is not tombstoned.
func (t *HierarchyTree) Has(node string) bool {
	n, ok := t.nodes[node]
	return ok && !n.Deleted
}

// Parent returns the effective parent of node.
func (t *HierarchyTree) Parent(node string) (string, error) {
	if _, ok := t.nodes[node]; !ok {
		return "", common.ErrNodeNotFound{Node: node}
	}
	return t.effectiveParents()[node], nil
}

// Children returns the live children of parent in sibling order.
func (t *HierarchyTree) Children(parent string) []string {
	eff := t.effectiveParents()
	var children []*treeNode
	for id, n := range t.nodes {
		if eff[id] == parent && !n.Deleted {
			children = append(children, n)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		if c := a.MoveUser.Compare(b.MoveUser); c != 0 {
			return c < 0
		}
		return a.MoveOp.Compare(b.MoveOp) < 0
	})

	result := make([]string, len(children))
	for i, n := range children {
		result[i] = n.ID
	}
	return result
}

// Nodes returns the ids of all non-tombstoned nodes, sorted. Live nodes
// whose ancestors are tombstoned are included: they are preserved, not
// deleted, and can be re-attached by a later move.
func (t *HierarchyTree) Nodes() []string {
	result := make([]string, 0, len(t.nodes))
	for id, n := range t.nodes {
		if !n.Deleted {
			result = append(result, id)
		}
	}
	sort.Strings(result)
	return result
}

// Stats returns live and tombstoned node counts.
func (t *HierarchyTree) Stats() TreeStats {
	var stats TreeStats
	for _, n := range t.nodes {
		if n.Deleted {
			stats.Tombstones++
		} else {
			stats.VisibleNodes++
		}
	}
	return stats
}

// isAncestor reports whether candidate is on node's effective ancestor
// chain. The walk is bounded by the node count so a corrupted parent chain
// cannot loop forever.
func (t *HierarchyTree) isAncestor(candidate, node string) bool {
	eff := t.effectiveParents()
	current := node
	for steps := 0; steps <= len(t.nodes); steps++ {
		parent, ok := eff[current]
		if !ok || parent == TreeRoot {
			return false
		}
		if parent == candidate {
			return true
		}
		current = parent
	}
	return false
}

// subtree returns node and every effective descendant, tombstones included.
func (t *HierarchyTree) subtree(node string) []string {
	children := make(map[string][]string, len(t.nodes))
	for id, parent := range t.effectiveParents() {
		children[parent] = append(children[parent], id)
	}

	result := []string{node}
	for i := 0; i < len(result); i++ {
		result = append(result, children[result[i]]...)
	}
	return result
}

// Merge folds another tree into this one: per node the later (ts, user, op)
// placement wins and tombstones are sticky. The stored placement is never
// rewritten, so the merge is a pointwise join; cycles that concurrent moves
// join into are resolved by every reader through effectiveParents.
func (t *HierarchyTree) Merge(other *HierarchyTree) {
	for id, otherNode := range other.nodes {
		node, ok := t.nodes[id]
		if !ok {
			cp := *otherNode
			t.nodes[id] = &cp
			continue
		}
		if node.supersededBy(otherNode.MoveTS, otherNode.MoveUser, otherNode.MoveOp) {
			node.Parent = otherNode.Parent
			node.Pos = otherNode.Pos
			node.MoveTS = otherNode.MoveTS
			node.MoveUser = otherNode.MoveUser
			node.MoveOp = otherNode.MoveOp
		}
		if otherNode.Deleted && !node.Deleted {
			node.Deleted = true
			node.DeletedAt = otherNode.DeletedAt
		} else if otherNode.Deleted && node.Deleted && otherNode.DeletedAt < node.DeletedAt {
			node.DeletedAt = otherNode.DeletedAt
		}
	}
}

// effectiveParents maps every node to the parent readers should see. It
// starts from the stored placements and, while a parent-pointer cycle
// remains, detaches the cycle member with the greatest (ts, user, op)
// placement to the root. The result depends only on the node set, never on
// the order merges happened in, so replicas holding the same nodes agree.
func (t *HierarchyTree) effectiveParents() map[string]string {
	parents := make(map[string]string, len(t.nodes))
	for id, n := range t.nodes {
		parents[id] = n.Parent
	}

	for {
		cycle := findParentCycle(parents)
		if len(cycle) == 0 {
			return parents
		}

		detach := cycle[0]
		for _, id := range cycle[1:] {
			if t.nodes[detach].supersededBy(t.nodes[id].MoveTS, t.nodes[id].MoveUser, t.nodes[id].MoveOp) {
				detach = id
			}
		}
		parents[detach] = TreeRoot
	}
}

// findParentCycle returns the ids of one cycle in the parent map, or nil.
func findParentCycle(parents map[string]string) []string {
	// ids are visited in sorted order so the reported cycle is stable.
	ids := make([]string, 0, len(parents))
	for id := range parents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cleared := make(map[string]bool, len(parents))
	for _, id := range ids {
		if cleared[id] {
			continue
		}
		seen := make(map[string]bool)
		current := id
		for {
			if cleared[current] {
				break
			}
			if seen[current] {
				// Walk the loop once more to collect its members.
				cycle := []string{current}
				for next := parents[current]; next != current; next = parents[next] {
					cycle = append(cycle, next)
				}
				return cycle
			}
			seen[current] = true
			parent, ok := parents[current]
			if !ok || parent == TreeRoot {
				break
			}
			if _, exists := parents[parent]; !exists {
				break
			}
			current = parent
		}
		for walked := range seen {
			cleared[walked] = true
		}
	}
	return nil
}

// GC physically removes tombstoned nodes deleted before cutoff. A tombstone
// is only collectible while nothing hangs beneath it, so preserved live
// descendants are never orphaned; dead chains collapse leaf-first across
// passes. Returns the number of nodes removed.
func (t *HierarchyTree) GC(cutoff int64) int {
	removed := 0
	for {
		hasChild := make(map[string]bool, len(t.nodes))
		for _, parent := range t.effectiveParents() {
			hasChild[parent] = true
		}

		freed := 0
		for id, n := range t.nodes {
			if n.Deleted && n.DeletedAt < cutoff && !hasChild[id] {
				delete(t.nodes, id)
				freed++
			}
		}
		removed += freed
		if freed == 0 {
			break
		}
	}
	return removed
}

// Cleanup releases all backing storage immediately.
func (t *HierarchyTree) Cleanup() {
	for id := range t.nodes {
		delete(t.nodes, id)
	}
}
