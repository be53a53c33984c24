package http2

// deptree implements the stream priority/dependency scheduler: an arena
// of nodes forming a weighted tree rooted at stream 0, where
// `Top()` walks down picking, at each level, the child with an active
// descendant and the lowest accumulated "point" value (the first such
// child wins a tie), charging it len*K/(weight+1) points once selected so
// heavier siblings are picked more often (a weighted round-robin, not
// strict priority). Sibling order itself is never changed.
//
// Streams that are referenced as a dependency target before they exist
// (PRIORITY naming a stream not yet opened) get a "shadow" node: present in
// the tree so descendants keep their place, but inactive until the real
// stream vivifies it.

const depRootID = 0

// depAncestryLogSize bounds the fixed-size circular log of reparenting
// events kept per node.
const depAncestryLogSize = 64

// depMaxDepthCeiling bounds the tree depth cap, which NewDependencyTree
// sets to min(maxConcurrentStreams, 256); nodes
// beyond the cap are re-parented directly under the root, bounding the
// cost of a top() walk against an adversarial client.
const depMaxDepthCeiling = 256

type depNode struct {
	id       uint32
	weight   uint32 // wire weight byte as given to Insert (0 stored as 1); Top divides by weight+1
	point    uint64
	active   bool
	isShadow bool

	parent   *depNode
	children []*depNode

	ancestry    [depAncestryLogSize]uint32
	ancestryLen int
}

func newDepNode(id uint32) *depNode {
	return &depNode{id: id, weight: 16}
}

func (n *depNode) logAncestor(parentID uint32) {
	n.ancestry[n.ancestryLen%depAncestryLogSize] = parentID
	n.ancestryLen++
}

func (n *depNode) depth() int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

func (n *depNode) detach() {
	if n.parent == nil {
		return
	}
	siblings := n.parent.children
	for i, c := range siblings {
		if c == n {
			n.parent.children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// DependencyTree tracks every stream's place in the priority tree for one
// connection. The zero value is not usable; use NewDependencyTree.
type DependencyTree struct {
	root     *depNode
	nodes    map[uint32]*depNode
	maxDepth int
}

// NewDependencyTree creates a tree whose depth cap is
// min(maxConcurrentStreams, 256).
func NewDependencyTree(maxConcurrentStreams int) *DependencyTree {
	maxDepth := maxConcurrentStreams
	if maxDepth <= 0 || maxDepth > depMaxDepthCeiling {
		maxDepth = depMaxDepthCeiling
	}

	root := newDepNode(depRootID)
	root.active = true

	return &DependencyTree{
		root:     root,
		nodes:    map[uint32]*depNode{depRootID: root},
		maxDepth: maxDepth,
	}
}

// vivify returns the node for id, creating a shadow (inactive) node parented
// at root if it doesn't exist yet.
func (t *DependencyTree) vivify(id uint32) *depNode {
	n, ok := t.nodes[id]
	if ok {
		return n
	}

	n = newDepNode(id)
	n.isShadow = true
	n.parent = t.root
	t.root.children = append(t.root.children, n)
	t.nodes[id] = n

	return n
}

// Insert places (or re-parents) stream id under dependsOn with the given
// wire weight byte (0 is stored as 1) and exclusivity, per RFC 7540
// §5.3.1. A self-dependency (id == dependsOn) is ignored. If dependsOn is
// currently a descendant of id, dependsOn is first moved under id's old
// parent, the RFC 7540 §5.3.3 rule for reprioritization.
func (t *DependencyTree) Insert(id, dependsOn uint32, weight uint8, exclusive bool) {
	if id == dependsOn {
		return
	}
	if weight == 0 {
		weight = 1
	}

	n := t.vivify(id)
	n.isShadow = false
	n.active = true
	n.weight = uint32(weight)

	parent := t.vivify(dependsOn)

	if parent.isDescendantOf(n) {
		// moving n under one of its own descendants: per RFC 7540
		// §5.3.3, first move parent to be a child of n's old parent.
		oldParent := n.parent
		parent.detach()
		parent.parent = oldParent
		if oldParent != nil {
			oldParent.children = append(oldParent.children, parent)
		}
	}

	n.detach()

	if exclusive {
		for _, sibling := range append([]*depNode(nil), parent.children...) {
			sibling.detach()
			sibling.parent = n
			n.children = append(n.children, sibling)
		}
	}

	n.parent = parent
	parent.children = append(parent.children, n)
	n.logAncestor(parent.id)

	if n.depth() > t.maxDepth {
		n.detach()
		n.parent = t.root
		t.root.children = append(t.root.children, n)
	}
}

func (n *depNode) isDescendantOf(other *depNode) bool {
	for p := n.parent; p != nil; p = p.parent {
		if p == other {
			return true
		}
	}
	return false
}

// Remove detaches id from the tree, re-parenting its children to its own
// parent (so their relative priority survives the stream's closure, per
// RFC 7540 §5.3.4).
func (t *DependencyTree) Remove(id uint32) {
	n, ok := t.nodes[id]
	if !ok || n == t.root {
		return
	}

	for _, c := range append([]*depNode(nil), n.children...) {
		c.detach()
		c.parent = n.parent
		n.parent.children = append(n.parent.children, c)
	}

	n.detach()
	delete(t.nodes, id)
}

// SetActive marks whether stream id currently has data available to send;
// inactive nodes (and shadow nodes) are skipped by Top.
func (t *DependencyTree) SetActive(id uint32, active bool) {
	if n, ok := t.nodes[id]; ok {
		n.active = active
	}
}

// depSchedulingConstant is K in the point-propagation formula:
// point += len*K/(weight+1).
const depSchedulingConstant = 256

// Top returns the stream id the scheduler should send from next, or 0 if
// no stream has anything to send. len is the number of bytes the caller is
// about to account for (e.g. the size of the frame it's about to write);
// passing 0 just selects without charging any stream.
func (t *DependencyTree) Top(length int) uint32 {
	node := t.root

	for {
		var best *depNode
		for _, c := range node.children {
			if c.isShadow || !t.hasActiveDescendant(c) {
				continue
			}
			if best == nil || c.point < best.point {
				best = c
			}
		}

		if best == nil {
			return 0
		}

		best.point += uint64(length) * depSchedulingConstant / uint64(best.weight+1)

		if best.active && !best.isShadow {
			return best.id
		}

		node = best
	}
}

func (t *DependencyTree) hasActiveDescendant(n *depNode) bool {
	if n.active && !n.isShadow {
		return true
	}
	for _, c := range n.children {
		if t.hasActiveDescendant(c) {
			return true
		}
	}
	return false
}
