package statehistory

// nodeIndex is a B+ tree over history-file nodes keyed by the largest
// interval end time each node holds. Leaves carry the nodes; internal keys are
// separators where child i only holds keys <= keys[i].
type nodeIndex struct {
	order int
	root  *indexNode
	size  int
}

type indexNode struct {
	keys     []Time
	values   []*nodeEntry
	children []*indexNode
	leaf     bool
}

func newNodeIndex(order int) *nodeIndex {
	if order < 3 {
		order = 3
	}
	return &nodeIndex{order: order}
}

func (t *nodeIndex) Len() int {
	return t.size
}

func (t *nodeIndex) Insert(key Time, value *nodeEntry) {
	t.size++
	if t.root == nil {
		t.root = &indexNode{leaf: true, keys: []Time{key}, values: []*nodeEntry{value}}
		return
	}

	if len(t.root.keys) == 2*t.order-1 {
		oldRoot := t.root
		t.root = &indexNode{children: []*indexNode{oldRoot}}
		t.splitChild(t.root, 0)
	}

	t.insertNonFull(t.root, key, value)
}

func (t *nodeIndex) insertNonFull(node *indexNode, key Time, value *nodeEntry) {
	i := len(node.keys) - 1
	if node.leaf {
		node.keys = append(node.keys, 0)
		node.values = append(node.values, nil)
		for i >= 0 && key < node.keys[i] {
			node.keys[i+1] = node.keys[i]
			node.values[i+1] = node.values[i]
			i--
		}
		node.keys[i+1] = key
		node.values[i+1] = value
		return
	}

	for i >= 0 && key < node.keys[i] {
		i--
	}
	i++

	if len(node.children[i].keys) == 2*t.order-1 {
		t.splitChild(node, i)
		if key > node.keys[i] {
			i++
		}
	}

	t.insertNonFull(node.children[i], key, value)
}

func (t *nodeIndex) splitChild(parent *indexNode, i int) {
	order := t.order
	child := parent.children[i]
	sibling := &indexNode{leaf: child.leaf}

	var sep Time
	if child.leaf {
		mid := order - 1
		sibling.keys = append(sibling.keys, child.keys[mid:]...)
		sibling.values = append(sibling.values, child.values[mid:]...)
		child.keys = child.keys[:mid:mid]
		child.values = child.values[:mid:mid]
		sep = child.keys[mid-1]
	} else {
		sep = child.keys[order-1]
		sibling.keys = append(sibling.keys, child.keys[order:]...)
		child.keys = child.keys[: order-1 : order-1]
		sibling.children = append(sibling.children, child.children[order:]...)
		child.children = child.children[:order:order]
	}

	parent.keys = append(parent.keys, 0)
	copy(parent.keys[i+1:], parent.keys[i:])
	parent.keys[i] = sep

	parent.children = append(parent.children, nil)
	copy(parent.children[i+2:], parent.children[i+1:])
	parent.children[i+1] = sibling
}

// AscendFrom visits, in key order, every entry whose key is >= from until
// visit returns false.
func (t *nodeIndex) AscendFrom(from Time, visit func(*nodeEntry) bool) {
	if t.root == nil {
		return
	}
	t.root.ascend(from, visit)
}

func (n *indexNode) ascend(from Time, visit func(*nodeEntry) bool) bool {
	if n.leaf {
		for i, k := range n.keys {
			if k >= from && !visit(n.values[i]) {
				return false
			}
		}
		return true
	}
	for i, child := range n.children {
		if i < len(n.keys) && n.keys[i] < from {
			continue
		}
		if !child.ascend(from, visit) {
			return false
		}
	}
	return true
}
