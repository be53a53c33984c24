package http2

import "testing"

func TestDependencyTreeInsertBasic(t *testing.T) {
	tree := NewDependencyTree(100)

	tree.Insert(1, 0, 16, false)
	tree.Insert(3, 1, 16, false)

	n1 := tree.nodes[1]
	n3 := tree.nodes[3]

	if n1.parent != tree.root {
		t.Fatal("stream 1 should depend directly on the root")
	}
	if n3.parent != n1 {
		t.Fatal("stream 3 should depend on stream 1")
	}
}

// PRIORITY naming a stream that hasn't been opened yet creates an inactive
// shadow node so descendants keep their place.
func TestDependencyTreeShadowVivification(t *testing.T) {
	tree := NewDependencyTree(100)

	tree.Insert(5, 3, 16, false) // 3 doesn't exist yet

	shadow, ok := tree.nodes[3]
	if !ok {
		t.Fatal("expected a shadow node for stream 3")
	}
	if !shadow.isShadow {
		t.Fatal("stream 3's node should be a shadow until it opens")
	}

	n5 := tree.nodes[5]
	if n5.parent != shadow {
		t.Fatal("stream 5 should be parented to the shadow node")
	}

	// Once stream 3 actually opens, the shadow is vivified in place.
	tree.Insert(3, 0, 16, false)
	if shadow.isShadow {
		t.Fatal("node should no longer be a shadow once its stream opens")
	}
	if tree.nodes[5].parent != shadow {
		t.Fatal("stream 5 should still be parented to the now-real node")
	}
}

// RFC 7540 §5.3.3: reparenting a stream under its own descendant moves the
// descendant to the stream's old parent first, instead of creating a cycle.
func TestDependencyTreeCycleResolution(t *testing.T) {
	tree := NewDependencyTree(100)

	tree.Insert(1, 0, 16, false)
	tree.Insert(3, 1, 16, false)
	tree.Insert(5, 3, 16, false)

	// Now make 1 depend on 5, one of its own descendants.
	tree.Insert(1, 5, 16, false)

	n1 := tree.nodes[1]
	n3 := tree.nodes[3]
	n5 := tree.nodes[5]

	if n1.parent != n5 {
		t.Fatal("stream 1 should now depend on stream 5")
	}
	if n3.parent != n1 {
		t.Fatalf("stream 3 should still depend on stream 1, got parent id %d", n3.parent.id)
	}
}

func TestDependencyTreeExclusive(t *testing.T) {
	tree := NewDependencyTree(100)

	tree.Insert(1, 0, 16, false)
	tree.Insert(3, 1, 16, false)
	tree.Insert(5, 1, 16, false)

	tree.Insert(7, 1, 16, true) // exclusive: adopts 1's existing children

	n1 := tree.nodes[1]
	n7 := tree.nodes[7]

	if len(n1.children) != 1 || n1.children[0] != n7 {
		t.Fatalf("stream 1 should have exactly one child (7), got %d", len(n1.children))
	}
	if len(n7.children) != 2 {
		t.Fatalf("stream 7 should have adopted 1's two prior children, got %d", len(n7.children))
	}
}

// Depth beyond the cap gets re-parented straight to the root, bounding
// Top()'s walk against an adversarially deep dependency chain.
func TestDependencyTreeDepthCap(t *testing.T) {
	tree := NewDependencyTree(3)

	tree.Insert(1, 0, 16, false)
	tree.Insert(3, 1, 16, false)
	tree.Insert(5, 3, 16, false)
	tree.Insert(7, 5, 16, false) // depth 4, exceeds cap of 3

	n7 := tree.nodes[7]
	if n7.parent != tree.root {
		t.Fatalf("stream 7 should have been re-parented to root past the depth cap, got parent id %d", n7.parent.id)
	}
}

func TestDependencyTreeRemoveReparentsChildren(t *testing.T) {
	tree := NewDependencyTree(100)

	tree.Insert(1, 0, 16, false)
	tree.Insert(3, 1, 16, false)
	tree.Insert(5, 1, 16, false)

	tree.Remove(1)

	if _, ok := tree.nodes[1]; ok {
		t.Fatal("stream 1 should have been removed")
	}
	if tree.nodes[3].parent != tree.root {
		t.Fatal("stream 3 should have been re-parented to root")
	}
	if tree.nodes[5].parent != tree.root {
		t.Fatal("stream 5 should have been re-parented to root")
	}
}

func TestDependencyTreeTopSkipsInactive(t *testing.T) {
	tree := NewDependencyTree(100)

	tree.Insert(1, 0, 16, false)
	tree.Insert(3, 0, 16, false)

	tree.SetActive(1, false)
	tree.SetActive(3, true)

	if got := tree.Top(100); got != 3 {
		t.Fatalf("expected stream 3 (the only active one), got %d", got)
	}
}

func TestDependencyTreeTopReturnsZeroWhenIdle(t *testing.T) {
	tree := NewDependencyTree(100)

	tree.Insert(1, 0, 16, false)
	tree.SetActive(1, false)

	if got := tree.Top(100); got != 0 {
		t.Fatalf("expected 0 (no active stream), got %d", got)
	}
}
