package statehistory

import (
	"regexp"
	"strings"
	"sync"
)

const (
	wildcardSegment = "*"
	parentSegment   = ".."
)

// attributeTree maps slash-free path segments to quarks. Quarks are assigned
// densely in creation order, so they double as indexes into full-state query
// results.
type attributeTree struct {
	mu    sync.RWMutex
	nodes []attributeNode
	roots map[string]Quark
	order []Quark
}

type attributeNode struct {
	name     string
	parent   Quark
	children map[string]Quark
	order    []Quark
}

func newAttributeTree() *attributeTree {
	return &attributeTree{roots: make(map[string]Quark)}
}

func (t *attributeTree) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *attributeTree) valid(q Quark) bool {
	return q >= 0 && q < len(t.nodes)
}

func (t *attributeTree) childrenOf(q Quark) (map[string]Quark, []Quark) {
	if q == RootQuark {
		return t.roots, t.order
	}
	n := &t.nodes[q]
	return n.children, n.order
}

// lookup resolves path relative to parent without creating anything.
func (t *attributeTree) lookup(parent Quark, path []string) (Quark, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if parent != RootQuark && !t.valid(parent) {
		return 0, false
	}
	cur := parent
	for _, seg := range path {
		children, _ := t.childrenOf(cur)
		next, ok := children[seg]
		if !ok {
			return 0, false
		}
		cur = next
	}
	return cur, cur != RootQuark || len(path) == 0
}

// add resolves path relative to parent, creating missing nodes. The second
// result counts how many nodes were created.
func (t *attributeTree) add(parent Quark, path []string) (Quark, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if parent != RootQuark && !t.valid(parent) {
		return 0, 0, false
	}
	created := 0
	cur := parent
	for _, seg := range path {
		children, _ := t.childrenOf(cur)
		if next, ok := children[seg]; ok {
			cur = next
			continue
		}
		q := t.appendNode(cur, seg)
		created++
		cur = q
	}
	return cur, created, true
}

// appendNode must be called with mu held for writing.
func (t *attributeTree) appendNode(parent Quark, name string) Quark {
	q := Quark(len(t.nodes))
	t.nodes = append(t.nodes, attributeNode{name: name, parent: parent, children: make(map[string]Quark)})
	if parent == RootQuark {
		t.roots[name] = q
		t.order = append(t.order, q)
	} else {
		p := &t.nodes[parent]
		p.children[name] = q
		p.order = append(p.order, q)
	}
	return q
}

// match expands a pattern that may contain "*" (any child) and ".." (parent)
// segments. The result keeps creation order and holds no duplicates.
func (t *attributeTree) match(pattern []string) []Quark {
	t.mu.RLock()
	defer t.mu.RUnlock()

	current := []Quark{RootQuark}
	for _, seg := range pattern {
		var next []Quark
		seen := make(map[Quark]struct{})
		push := func(q Quark) {
			if _, dup := seen[q]; dup {
				return
			}
			seen[q] = struct{}{}
			next = append(next, q)
		}
		for _, q := range current {
			switch seg {
			case wildcardSegment:
				_, order := t.childrenOf(q)
				for _, c := range order {
					push(c)
				}
			case parentSegment:
				if q != RootQuark {
					push(t.nodes[q].parent)
				}
			default:
				children, _ := t.childrenOf(q)
				if c, ok := children[seg]; ok {
					push(c)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}

	out := current[:0:0]
	for _, q := range current {
		if q != RootQuark {
			out = append(out, q)
		}
	}
	return out
}

func (t *attributeTree) subAttributes(q Quark, recursive bool, re *regexp.Regexp) ([]Quark, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if q != RootQuark && !t.valid(q) {
		return nil, false
	}
	var out []Quark
	var walk func(Quark)
	walk = func(p Quark) {
		_, order := t.childrenOf(p)
		for _, c := range order {
			if re == nil || re.MatchString(t.nodes[c].name) {
				out = append(out, c)
			}
			if recursive {
				walk(c)
			}
		}
	}
	walk(q)
	return out, true
}

func (t *attributeTree) name(q Quark) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(q) {
		return "", false
	}
	return t.nodes[q].name, true
}

func (t *attributeTree) parent(q Quark) (Quark, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(q) {
		return 0, false
	}
	return t.nodes[q].parent, true
}

func (t *attributeTree) pathSegments(q Quark) ([]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(q) {
		return nil, false
	}
	var segs []string
	for cur := q; cur != RootQuark; cur = t.nodes[cur].parent {
		segs = append(segs, t.nodes[cur].name)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return segs, true
}

func (t *attributeTree) fullPath(q Quark) (string, bool) {
	segs, ok := t.pathSegments(q)
	if !ok {
		return "", false
	}
	return strings.Join(segs, "/"), true
}
