// Package trie implements the compressed radix trie: an insert-only,
// byte-keyed map used throughout the core as both a set and a K→V store
// (per-plugin option storage, the pluglib export table, flow/address
// lookups inside plugins).
//
// Callers construct a Trie with an arena.Arena, and the edge bytes of
// every node created during Index are copied into that arena. The node
// structs themselves are ordinary Go heap allocations linked by Go
// pointers, not arena offsets; Go's GC tracks their lifetime once they
// are reachable from the Trie root.
package trie

import "github.com/cznic-net/ucollect-go/internal/arena"

// node is one edge-compressed trie node. edge is the byte sequence
// consumed by following this node from its parent; children are kept
// in a simple slice with move-to-front reordering, since packet-derived
// keys (addresses, option names) are heavily locality-correlated and a
// linear scan with MTF beats a map for the small fan-outs seen here.
type node struct {
	edge     []byte
	children []*node
	active   bool
	value    interface{}
}

// Trie is a compressed radix trie over byte-slice keys. The zero value
// is not usable (it has no root node); construct one with New.
type Trie struct {
	root *node
	a    *arena.Arena
	size int
}

// New returns an empty Trie whose node edge bytes are copied into a;
// node structs are heap allocations. a may be nil, in which case no
// arena is used.
func New(a *arena.Arena) *Trie {
	return &Trie{root: &node{}, a: a}
}

func (t *Trie) newNode(edge []byte) *node {
	var stored []byte
	if t.a != nil {
		stored = t.a.Alloc(len(edge))
		copy(stored, edge)
	} else {
		stored = append([]byte(nil), edge...)
	}
	return &node{edge: stored}
}

// commonPrefixLen returns the length of the shared prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// moveToFront promotes t's i'th child to the head of the child list.
func moveToFront(children []*node, i int) {
	if i == 0 {
		return
	}
	c := children[i]
	copy(children[1:i+1], children[0:i])
	children[0] = c
}

// Index walks key by longest common prefix, splitting nodes as needed,
// and returns a pointer to the (possibly newly created) value slot for
// key. The caller writes through the returned pointer to store a value;
// an untouched slot holds a nil interface{}.
func (t *Trie) Index(key []byte) *interface{} {
	cur := t.root
	rest := key

	for {
		if len(rest) == 0 {
			if !cur.active {
				cur.active = true
				t.size++
			}
			return &cur.value
		}

		idx := -1
		for i, c := range cur.children {
			if len(c.edge) > 0 && c.edge[0] == rest[0] {
				idx = i
				break
			}
		}

		if idx == -1 {
			child := t.newNode(rest)
			cur.children = append(cur.children, child)
			idx = len(cur.children) - 1
			moveToFront(cur.children, idx)
			cur = cur.children[0]
			cur.active = true
			t.size++
			return &cur.value
		}

		child := cur.children[idx]
		plen := commonPrefixLen(child.edge, rest)

		switch {
		case plen == len(child.edge) && plen == len(rest):
			moveToFront(cur.children, idx)
			cur = cur.children[0]
			if !cur.active {
				cur.active = true
				t.size++
			}
			return &cur.value

		case plen == len(child.edge):
			// Edge fully consumed, key continues: descend.
			moveToFront(cur.children, idx)
			cur = cur.children[0]
			rest = rest[plen:]
			continue

		default:
			// Partial match: split child's edge at plen.
			tail := t.newNode(child.edge[plen:])
			tail.children = child.children
			tail.active = child.active
			tail.value = child.value

			child.edge = child.edge[:plen:plen]
			child.children = []*node{tail}
			child.active = false
			child.value = nil

			if plen == len(rest) {
				child.active = true
				t.size++
				moveToFront(cur.children, idx)
				return &cur.children[0].value
			}

			leaf := t.newNode(rest[plen:])
			leaf.active = true
			child.children = append(child.children, leaf)
			t.size++
			moveToFront(cur.children, idx)
			// child is now at front; find leaf within it (just appended, so
			// it's either position 0 or 1 depending on tail's own MTF).
			for _, c := range cur.children[0].children {
				if c == leaf {
					return &c.value
				}
			}
			return &leaf.value
		}
	}
}

// Lookup performs the same walk as Index without mutating the trie,
// returning the stored value and whether key was active.
func (t *Trie) Lookup(key []byte) (interface{}, bool) {
	cur := t.root
	rest := key

	for {
		if len(rest) == 0 {
			if cur.active {
				return cur.value, true
			}
			return nil, false
		}

		var next *node
		for _, c := range cur.children {
			if len(c.edge) > 0 && c.edge[0] == rest[0] {
				next = c
				break
			}
		}
		if next == nil {
			return nil, false
		}

		plen := commonPrefixLen(next.edge, rest)
		if plen != len(next.edge) {
			return nil, false
		}
		cur = next
		rest = rest[plen:]
	}
}

// Size returns the number of active (inserted) keys.
func (t *Trie) Size() int { return t.size }

// Entry is one (key, value) pair yielded by Walk.
type Entry struct {
	Key   []byte
	Value interface{}
}

// Walk performs a DFS over every active node, invoking cb with each
// (key, value) pair. Order is arbitrary (child order after move-to-
// front churn).
func (t *Trie) Walk(cb func(Entry)) {
	var buf []byte
	var visit func(n *node)
	visit = func(n *node) {
		buf = append(buf, n.edge...)
		if n.active {
			key := make([]byte, len(buf))
			copy(key, buf)
			cb(Entry{Key: key, Value: n.value})
		}
		for _, c := range n.children {
			visit(c)
		}
		buf = buf[:len(buf)-len(n.edge)]
	}
	visit(t.root)
}
