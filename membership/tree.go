// Package membership implements the consistent-hashing router: a
// height-balanced binary search tree of server fingerprints (spec.md
// §3 "Membership node", §4.5). Grounded on proxy.c's
// `struct node { addr, hash, left, right, heightdiff }` and its
// `addref`/`rmref` comments ("it better not be a duplicate!" / "it
// better be there!"), carried forward here as panics rather than
// swallowed errors — see SPEC_FULL.md's "Invariant" error class.
package membership

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anarcast/anarcast/digest"
)

// Address is a storage server's 32-bit IPv4 address, kept as the raw
// 4 bytes delivered by the inform server (spec.md §9: "the byte layout
// of address used in hashing must be the network-order representation
// as delivered by the inform server"). We hash exactly these bytes,
// unmodified, rather than re-serializing in host order.
type Address [4]byte

type node struct {
	addr   Address
	hash   digest.Digest
	left   *node
	right  *node
	height int
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func balanceFactor(n *node) int {
	return height(n.right) - height(n.left)
}

func recalc(n *node) {
	h := height(n.left)
	if r := height(n.right); r > h {
		h = r
	}
	n.height = h + 1
}

// Tree is the membership tree: ordered by digest.Sum(address bytes),
// guarded by a single-writer/multi-reader RWMutex per spec.md §5 (the
// source treats it as an unguarded process-global; this guard is the
// "correctness fix, not a semantic change" §5 calls for). A small LRU
// sits in front of Route and is invalidated on every structural change.
type Tree struct {
	mu    sync.RWMutex
	root  *node
	size  int
	cache *lru.Cache[digest.Digest, Address]
}

const routeCacheSize = 4096

// New returns an empty membership tree.
func New() *Tree {
	c, _ := lru.New[digest.Digest, Address](routeCacheSize)
	return &Tree{cache: c}
}

// Len returns the number of servers currently in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Add inserts addr, keyed by digest.Sum(addr[:]). A duplicate address
// (by hash) is a programmer/protocol invariant violation per spec.md
// §7 ("Invariant... Policy: fatal") and panics, exactly as proxy.c's
// addref aborts the process rather than silently ignoring it.
func (t *Tree) Add(addr Address) {
	h := digest.Sum(addr[:])

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	t.root, err = insert(t.root, addr, h)
	if err != nil {
		panic(err)
	}
	t.size++
	t.cache.Purge()
}

func insert(n *node, addr Address, h digest.Digest) (*node, error) {
	if n == nil {
		return &node{addr: addr, hash: h, height: 1}, nil
	}
	if h == n.hash {
		panic("membership: duplicate address hash added to tree")
	}

	var err error
	if h.Less(n.hash) {
		n.left, err = insert(n.left, addr, h)
	} else {
		n.right, err = insert(n.right, addr, h)
	}
	if err != nil {
		return n, err
	}

	recalc(n)
	return rebalance(n), nil
}

// RemoveByAddress deletes addr. Absence is an invariant violation per
// spec.md §7 ("Invariant... Policy: fatal") and panics, matching
// proxy.c's rmref.
func (t *Tree) RemoveByAddress(addr Address) {
	if !t.TryRemoveByAddress(addr) {
		panic("membership: remove of address not present in tree")
	}
}

// TryRemoveByAddress deletes addr and reports whether it was present.
// The scatter/gather engines use this instead of RemoveByAddress: a
// goroutine-per-connection re-expression of the source's single-threaded
// engine means two sessions can independently observe the same server
// failing and race to evict it, which is not a programmer error (unlike
// an unconditional remove of an address nobody ever inserted) — only the
// first eviction should succeed, and the second should just move on.
func (t *Tree) TryRemoveByAddress(addr Address) bool {
	h := digest.Sum(addr[:])

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed bool
	t.root, removed = remove(t.root, h)
	if removed {
		t.size--
		t.cache.Purge()
	}
	return removed
}

func remove(n *node, h digest.Digest) (*node, bool) {
	if n == nil {
		return nil, false
	}

	var removed bool
	switch {
	case h.Less(n.hash):
		n.left, removed = remove(n.left, h)
	case n.hash.Less(h):
		n.right, removed = remove(n.right, h)
	default:
		removed = true
		switch {
		case n.left == nil:
			return n.right, true
		case n.right == nil:
			return n.left, true
		default:
			succ := n.right
			for succ.left != nil {
				succ = succ.left
			}
			n.addr, n.hash = succ.addr, succ.hash
			n.right, _ = remove(n.right, succ.hash)
		}
	}
	if !removed {
		return n, false
	}
	recalc(n)
	return rebalance(n), true
}

func rebalance(n *node) *node {
	bf := balanceFactor(n)
	switch {
	case bf > 1:
		if balanceFactor(n.right) < 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	case bf < -1:
		if balanceFactor(n.left) > 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	default:
		return n
	}
}

func rotateLeft(n *node) *node {
	r := n.right
	n.right = r.left
	r.left = n
	recalc(n)
	recalc(r)
	return r
}

func rotateRight(n *node) *node {
	l := n.left
	n.left = l.right
	l.right = n
	recalc(n)
	recalc(l)
	return l
}

// Route returns the address whose key is the in-order successor of h —
// the smallest key >= h — wrapping to the minimum key if h exceeds every
// key in the tree (standard consistent hashing, spec.md §4.5/§9). Route
// on an empty tree is a *route-on-empty-tree* invariant violation and
// panics.
func (t *Tree) Route(h digest.Digest) Address {
	if a, ok := t.cachedRoute(h); ok {
		return a
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == nil {
		panic("membership: route on empty tree")
	}

	addr, ok := successorOrEqual(t.root, h)
	if !ok {
		addr = minimum(t.root)
	}
	t.cache.Add(h, addr)
	return addr
}

func (t *Tree) cachedRoute(h digest.Digest) (Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cache.Get(h)
}

func successorOrEqual(n *node, h digest.Digest) (Address, bool) {
	var best *node
	cur := n
	for cur != nil {
		if h.Less(cur.hash) || cur.hash == h {
			best = cur
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	if best == nil {
		return Address{}, false
	}
	return best.addr, true
}

func minimum(n *node) Address {
	for n.left != nil {
		n = n.left
	}
	return n.addr
}

// InOrder returns every address in ascending hash order, used by tests
// asserting spec.md §8's "Membership ordering" invariant.
func (t *Tree) InOrder() []Address {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Address
	var walk func(*node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		walk(n.left)
		out = append(out, n.addr)
		walk(n.right)
	}
	walk(t.root)
	return out
}

// MaxHeight reports the tree's current height, used by tests asserting
// spec.md §8's "Balance" invariant.
func (t *Tree) MaxHeight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return height(t.root)
}
