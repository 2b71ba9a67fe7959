package memdb

// The trees below are persistent AA trees stored in an append-only arena.
// A node is addressed by its index in the arena and is never changed once
// allocated, so any root index taken earlier keeps describing the same
// tree. Index 0 is the nil sentinel with level 0.
//
// Invariants checked by checkTree:
//  1. a leaf has level 1;
//  2. a left child is exactly one level below its parent;
//  3. a right child is at the parent's level or one below, and a right
//     grandchild is strictly below the grandparent.

type entry struct {
	value   []byte
	indexes map[string]string
	// primary is the record key an index entry points to.
	primary string
}

type node struct {
	key   string
	val   *entry
	left  int32
	right int32
	level int32
}

type arena struct {
	nodes []node
}

func newArena() arena {
	return arena{nodes: make([]node, 1, 64)}
}

func (a *arena) alloc(n node) int32 {
	a.nodes = append(a.nodes, n)
	return int32(len(a.nodes) - 1)
}

func (a *arena) level(t int32) int32 {
	return a.nodes[t].level
}

func (a *arena) skew(t int32) int32 {
	if t == 0 {
		return t
	}

	n := a.nodes[t]
	if n.left == 0 || a.level(n.left) != n.level {
		return t
	}

	l := a.nodes[n.left]
	n.left = l.right
	l.right = a.alloc(n)
	return a.alloc(l)
}

func (a *arena) split(t int32) int32 {
	if t == 0 {
		return t
	}

	n := a.nodes[t]
	if n.right == 0 {
		return t
	}

	r := a.nodes[n.right]
	if r.right == 0 || n.level != r.level || r.level != a.level(r.right) {
		return t
	}

	n.right = r.left
	r.left = a.alloc(n)
	r.level++
	return a.alloc(r)
}

func (a *arena) find(t int32, key string) (*entry, bool) {
	for t != 0 {
		n := &a.nodes[t]
		switch {
		case key == n.key:
			return n.val, true
		case key < n.key:
			t = n.left
		default:
			t = n.right
		}
	}

	return nil, false
}

func (a *arena) insert(t int32, key string, val *entry) int32 {
	if t == 0 {
		return a.alloc(node{key: key, val: val, level: 1})
	}

	n := a.nodes[t]
	switch {
	case key == n.key:
		n.val = val
		return a.alloc(n)
	case key < n.key:
		n.left = a.insert(n.left, key, val)
	default:
		n.right = a.insert(n.right, key, val)
	}

	return a.split(a.skew(a.alloc(n)))
}

func (a *arena) isSingle(t int32) bool {
	if t == 0 {
		return true
	}

	n := &a.nodes[t]
	return !(n.right != 0 && a.level(n.right) == n.level)
}

// adjust restores the invariants of t after one of its subtrees lost a level.
func (a *arena) adjust(t int32) int32 {
	n := a.nodes[t]
	leftOK := a.level(n.left) == n.level-1
	rightOK := a.level(n.right) == n.level || a.level(n.right) == n.level-1
	if leftOK && rightOK {
		return t
	}

	if !rightOK {
		if a.isSingle(n.left) {
			n.level--
			return a.skew(a.alloc(n))
		}

		l := a.nodes[n.left]
		b := a.nodes[l.right]
		l.right = b.left
		n.level--
		n.left = b.right
		return a.alloc(node{
			key:   b.key,
			val:   b.val,
			level: b.level + 1,
			left:  a.alloc(l),
			right: a.alloc(n),
		})
	}

	if a.isSingle(t) {
		n.level--
		return a.split(a.alloc(n))
	}

	r := a.nodes[n.right]
	b := a.nodes[r.left]
	lvl := b.level + 1
	if a.isSingle(r.left) {
		lvl = b.level
	}

	right := a.split(a.alloc(node{
		key:   r.key,
		val:   r.val,
		level: lvl,
		left:  b.right,
		right: r.right,
	}))

	n.level = b.level
	n.right = b.left
	return a.alloc(node{
		key:   b.key,
		val:   b.val,
		level: b.level + 1,
		left:  a.alloc(n),
		right: right,
	})
}

func (a *arena) deleteLargest(t int32) (string, *entry, int32) {
	n := a.nodes[t]
	if n.right == 0 {
		return n.key, n.val, n.left
	}

	key, val, sub := a.deleteLargest(n.right)
	n.right = sub
	return key, val, a.adjust(a.alloc(n))
}

func (a *arena) delete(t int32, key string) int32 {
	if t == 0 {
		return t
	}

	n := a.nodes[t]
	switch {
	case key == n.key:
		if n.left == 0 {
			return n.right
		}

		if n.right == 0 {
			return n.left
		}

		k, v, sub := a.deleteLargest(n.left)
		return a.adjust(a.alloc(node{
			key:   k,
			val:   v,
			level: n.level,
			left:  sub,
			right: n.right,
		}))
	case key < n.key:
		n.left = a.delete(n.left, key)
	default:
		n.right = a.delete(n.right, key)
	}

	return a.adjust(a.alloc(n))
}

// bounds limits a walk. Lower and upper may each be open or closed.
type bounds struct {
	lo, hi         string
	hasLo, hasHi   bool
	loOpen, hiOpen bool
}

func (b bounds) aboveLo(key string) bool {
	if !b.hasLo {
		return true
	}

	if b.loOpen {
		return key > b.lo
	}

	return key >= b.lo
}

func (b bounds) belowHi(key string) bool {
	if !b.hasHi {
		return true
	}

	if b.hiOpen {
		return key < b.hi
	}

	return key <= b.hi
}

// walk visits the nodes of t within b in key order, or reversed.
func (a *arena) walk(t int32, b bounds, reverse bool, fn func(n *node) error) error {
	if t == 0 {
		return nil
	}

	n := &a.nodes[t]
	lowOK, highOK := b.aboveLo(n.key), b.belowHi(n.key)

	first, second := n.left, n.right
	firstOK, secondOK := lowOK, highOK
	if reverse {
		first, second = second, first
		firstOK, secondOK = secondOK, firstOK
	}

	if firstOK {
		if err := a.walk(first, b, reverse, fn); err != nil {
			return err
		}
	}

	if lowOK && highOK {
		if err := fn(n); err != nil {
			return err
		}
	}

	if secondOK {
		return a.walk(second, b, reverse, fn)
	}

	return nil
}

// copyTree copies the nodes reachable from t into dst and returns the
// new root.
func (a *arena) copyTree(dst *arena, t int32) int32 {
	if t == 0 {
		return 0
	}

	n := a.nodes[t]
	n.left = a.copyTree(dst, n.left)
	n.right = a.copyTree(dst, n.right)
	return dst.alloc(n)
}

func (a *arena) checkTree(t int32) bool {
	if t == 0 {
		return true
	}

	n := &a.nodes[t]
	if n.left == 0 && n.right == 0 && n.level != 1 {
		return false
	}

	if a.level(n.left) != n.level-1 {
		return false
	}

	if rl := a.level(n.right); rl != n.level && rl != n.level-1 {
		return false
	}

	if n.right != 0 {
		if rr := a.nodes[n.right].right; rr != 0 && a.level(rr) >= n.level {
			return false
		}
	}

	return a.checkTree(n.left) && a.checkTree(n.right)
}
