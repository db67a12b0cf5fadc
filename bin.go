package pinmap

const (
	// treeifyThreshold is the chain length above which a bin is rebuilt
	// as a hash-ordered tree, provided the table is at least
	// minTreeBinTableLen bins long. Below that size a long chain
	// triggers a table grow instead, which spreads the keys out more
	// cheaply than a tree would.
	treeifyThreshold = 8
	// untreeifyThreshold is the size at or below which a tree bin is
	// rebuilt back into a chain during removal.
	untreeifyThreshold = 6
	minTreeBinTableLen = 64
)

type binKind uint8

const (
	binChain binKind = iota
	binTree
	binForward
)

// node is the unit of stored data. Nodes are immutable once a bin
// containing them is published; value updates install a replacement node
// through the bin slot instead of writing in place. An unlinked node is
// handed to the collector, which severs its links once no guard can
// still reach it.
type node[K comparable, V any] struct {
	hash  uintptr
	key   K
	value V
	next  *node[K, V]
}

// bin is the tagged per-slot variant: a chain of nodes, a hash-ordered
// tree, or a forwarding marker into the next table. The empty state is a
// nil slot. A bin value is never mutated after it is published; every
// mutation builds a replacement and conditionally swaps the table slot,
// so concurrent readers always see either the old or the new
// representation, never a partially built one.
type bin[K comparable, V any] struct {
	kind  binKind
	count int
	head  *node[K, V]     // binChain
	root  *treeNode[K, V] // binTree
	fwd   *table[K, V]    // binForward
}

// treeNode is a persistent AVL node ordered by hash. Keys sharing a hash
// hang off one treeNode as a short list, so no total order over K is
// required; ties are resolved by key equality during the final scan.
type treeNode[K comparable, V any] struct {
	hash   uintptr
	nodes  *node[K, V]
	left   *treeNode[K, V]
	right  *treeNode[K, V]
	height int
}

func newForwardBin[K comparable, V any](nt *table[K, V]) *bin[K, V] {
	return &bin[K, V]{kind: binForward, fwd: nt}
}

// find locates the node for key in this bin, or nil.
func (b *bin[K, V]) find(hash uintptr, key *K) *node[K, V] {
	if b == nil {
		return nil
	}
	n := b.head
	if b.kind == binTree {
		t := b.root
		for t != nil && t.hash != hash {
			if hash < t.hash {
				t = t.left
			} else {
				t = t.right
			}
		}
		if t == nil {
			return nil
		}
		n = t.nodes
	}
	for ; n != nil; n = n.next {
		if n.hash == hash && n.key == *key {
			return n
		}
	}
	return nil
}

// forEach visits every node in the bin. Returns false if fn stopped the
// walk early.
func (b *bin[K, V]) forEach(fn func(*node[K, V]) bool) bool {
	if b == nil {
		return true
	}
	if b.kind == binTree {
		return tnForEach(b.root, fn)
	}
	for n := b.head; n != nil; n = n.next {
		if !fn(n) {
			return false
		}
	}
	return true
}

func tnForEach[K comparable, V any](t *treeNode[K, V], fn func(*node[K, V]) bool) bool {
	if t == nil {
		return true
	}
	if !tnForEach(t.left, fn) {
		return false
	}
	for n := t.nodes; n != nil; n = n.next {
		if !fn(n) {
			return false
		}
	}
	return tnForEach(t.right, fn)
}

// withInsert returns the bin with n added. n is freshly allocated and
// unpublished, so its next link may still be written here. tableLen
// drives the chain-to-tree promotion decision.
func (b *bin[K, V]) withInsert(n *node[K, V], tableLen int) *bin[K, V] {
	if b == nil {
		n.next = nil
		return &bin[K, V]{kind: binChain, count: 1, head: n}
	}
	if b.kind == binTree {
		return &bin[K, V]{kind: binTree, count: b.count + 1, root: treeInsert(b.root, n)}
	}
	n.next = b.head
	if b.count+1 > treeifyThreshold && tableLen >= minTreeBinTableLen {
		return treeify(n, b.count+1)
	}
	return &bin[K, V]{kind: binChain, count: b.count + 1, head: n}
}

// withReplace returns the bin with target swapped for repl. The path to
// the target is copied; everything after it is shared, which is safe
// because published next pointers are frozen.
func (b *bin[K, V]) withReplace(target, repl *node[K, V]) *bin[K, V] {
	if b.kind == binTree {
		return &bin[K, V]{kind: binTree, count: b.count, root: treeReplace(b.root, target, repl)}
	}
	return &bin[K, V]{kind: binChain, count: b.count, head: chainReplace(b.head, target, repl)}
}

// withRemove returns the bin with target unlinked, nil when it was the
// last node. Sparse trees demote back to chains here.
func (b *bin[K, V]) withRemove(target *node[K, V]) *bin[K, V] {
	if b.count == 1 {
		return nil
	}
	if b.kind == binTree {
		root := treeRemove(b.root, target)
		if b.count-1 <= untreeifyThreshold {
			return untreeify(root, b.count-1)
		}
		return &bin[K, V]{kind: binTree, count: b.count - 1, root: root}
	}
	return &bin[K, V]{kind: binChain, count: b.count - 1, head: chainWithout(b.head, target)}
}

// chainWithout copies the prefix of the chain up to target and shares
// the suffix past it. The caller guarantees target is in the chain.
func chainWithout[K comparable, V any](head, target *node[K, V]) *node[K, V] {
	if head == target {
		return head.next
	}
	cp := *head
	nh := &cp
	p := nh
	for n := head.next; n != nil; n = n.next {
		if n == target {
			p.next = n.next
			break
		}
		c := *n
		p.next = &c
		p = &c
	}
	return nh
}

func chainReplace[K comparable, V any](head, target, repl *node[K, V]) *node[K, V] {
	repl.next = target.next
	if head == target {
		return repl
	}
	cp := *head
	nh := &cp
	p := nh
	for n := head.next; n != nil; n = n.next {
		if n == target {
			p.next = repl
			break
		}
		c := *n
		p.next = &c
		p = &c
	}
	return nh
}

// treeify rebuilds a chain as a tree bin. The chain nodes are shared
// with prior snapshots, so they are copied before their next links are
// repurposed as same-hash lists.
func treeify[K comparable, V any](head *node[K, V], count int) *bin[K, V] {
	var root *treeNode[K, V]
	for n := head; n != nil; n = n.next {
		c := *n
		root = treeInsert(root, &c)
	}
	return &bin[K, V]{kind: binTree, count: count, root: root}
}

// treeifyOwned is treeify for nodes the caller owns exclusively (fresh
// copies built during a split); it relinks them without another copy.
func treeifyOwned[K comparable, V any](head *node[K, V], count int) *bin[K, V] {
	var root *treeNode[K, V]
	for n := head; n != nil; {
		nx := n.next
		root = treeInsert(root, n)
		n = nx
	}
	return &bin[K, V]{kind: binTree, count: count, root: root}
}

func untreeify[K comparable, V any](root *treeNode[K, V], count int) *bin[K, V] {
	var head *node[K, V]
	tnForEach(root, func(n *node[K, V]) bool {
		c := *n
		c.next = head
		head = &c
		return true
	})
	return &bin[K, V]{kind: binChain, count: count, head: head}
}

// split partitions the bin's nodes by the new address bit for a doubled
// table, building the low and high replacement bins. All nodes are
// copied; the results are private to the migrator until the forwarding
// bin is published.
func (b *bin[K, V]) split(bit uintptr, newTableLen int) (lo, hi *bin[K, V], n int) {
	var loHead, hiHead *node[K, V]
	var loN, hiN int
	b.forEach(func(src *node[K, V]) bool {
		c := *src
		if spread(c.hash)&bit == 0 {
			c.next = loHead
			loHead = &c
			loN++
		} else {
			c.next = hiHead
			hiHead = &c
			hiN++
		}
		return true
	})
	return buildBin(loHead, loN, newTableLen), buildBin(hiHead, hiN, newTableLen), loN + hiN
}

// buildBin wraps a freshly built, caller-owned chain in a bin, promoting
// it to a tree when it is long enough and the table justifies it.
func buildBin[K comparable, V any](head *node[K, V], count, tableLen int) *bin[K, V] {
	if count == 0 {
		return nil
	}
	if count > treeifyThreshold && tableLen >= minTreeBinTableLen {
		return treeifyOwned(head, count)
	}
	return &bin[K, V]{kind: binChain, count: count, head: head}
}

// Persistent AVL plumbing. Mutations copy the search path and share
// every untouched subtree, preserving reader safety without locks.

func tnHeight[K comparable, V any](t *treeNode[K, V]) int {
	if t == nil {
		return 0
	}
	return t.height
}

func tnMake[K comparable, V any](hash uintptr, nodes *node[K, V], left, right *treeNode[K, V]) *treeNode[K, V] {
	return &treeNode[K, V]{
		hash:   hash,
		nodes:  nodes,
		left:   left,
		right:  right,
		height: max(tnHeight(left), tnHeight(right)) + 1,
	}
}

// tnBalance builds a treeNode and restores the AVL invariant after a
// single insert or delete on one side.
func tnBalance[K comparable, V any](hash uintptr, nodes *node[K, V], left, right *treeNode[K, V]) *treeNode[K, V] {
	if tnHeight(left)-tnHeight(right) > 1 {
		if tnHeight(left.left) >= tnHeight(left.right) {
			return tnMake(left.hash, left.nodes, left.left, tnMake(hash, nodes, left.right, right))
		}
		lr := left.right
		return tnMake(lr.hash, lr.nodes,
			tnMake(left.hash, left.nodes, left.left, lr.left),
			tnMake(hash, nodes, lr.right, right))
	}
	if tnHeight(right)-tnHeight(left) > 1 {
		if tnHeight(right.right) >= tnHeight(right.left) {
			return tnMake(right.hash, right.nodes, tnMake(hash, nodes, left, right.left), right.right)
		}
		rl := right.left
		return tnMake(rl.hash, rl.nodes,
			tnMake(hash, nodes, left, rl.left),
			tnMake(right.hash, right.nodes, rl.right, right.right))
	}
	return tnMake(hash, nodes, left, right)
}

func treeInsert[K comparable, V any](root *treeNode[K, V], n *node[K, V]) *treeNode[K, V] {
	if root == nil {
		n.next = nil
		return tnMake(n.hash, n, nil, nil)
	}
	switch {
	case n.hash < root.hash:
		return tnBalance(root.hash, root.nodes, treeInsert(root.left, n), root.right)
	case n.hash > root.hash:
		return tnBalance(root.hash, root.nodes, root.left, treeInsert(root.right, n))
	default:
		n.next = root.nodes
		return tnMake(root.hash, n, root.left, root.right)
	}
}

func treeReplace[K comparable, V any](root *treeNode[K, V], target, repl *node[K, V]) *treeNode[K, V] {
	switch {
	case target.hash < root.hash:
		return tnMake(root.hash, root.nodes, treeReplace(root.left, target, repl), root.right)
	case target.hash > root.hash:
		return tnMake(root.hash, root.nodes, root.left, treeReplace(root.right, target, repl))
	default:
		// Same height either way, no rebalance needed.
		return tnMake(root.hash, chainReplace(root.nodes, target, repl), root.left, root.right)
	}
}

func treeRemove[K comparable, V any](root *treeNode[K, V], target *node[K, V]) *treeNode[K, V] {
	switch {
	case target.hash < root.hash:
		return tnBalance(root.hash, root.nodes, treeRemove(root.left, target), root.right)
	case target.hash > root.hash:
		return tnBalance(root.hash, root.nodes, root.left, treeRemove(root.right, target))
	}
	if rest := chainWithout(root.nodes, target); rest != nil {
		return tnMake(root.hash, rest, root.left, root.right)
	}
	// Last node for this hash: drop the treeNode itself.
	if root.left == nil {
		return root.right
	}
	if root.right == nil {
		return root.left
	}
	succ := root.right
	for succ.left != nil {
		succ = succ.left
	}
	return tnBalance(succ.hash, succ.nodes, root.left, tnRemoveMin(root.right))
}

func tnRemoveMin[K comparable, V any](t *treeNode[K, V]) *treeNode[K, V] {
	if t.left == nil {
		return t.right
	}
	return tnBalance(t.hash, t.nodes, tnRemoveMin(t.left), t.right)
}
