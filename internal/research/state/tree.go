package state

// node is an arena slot. Links are indices into tree.nodes.
type node struct {
	id         string
	parent     int
	children   []int
	explored   bool
	confidence float64
}

// tree is an append-only arena of reasoning nodes.
type tree struct {
	nodes  []node
	index  map[string]int
	cursor int
}

const noParent = -1

func newTree(rootID string) *tree {
	return &tree{
		nodes:  []node{{id: rootID, parent: noParent, confidence: 1.0}},
		index:  map[string]int{rootID: 0},
		cursor: 0,
	}
}

// attach appends a child under the cursor and moves the cursor to it.
func (t *tree) attach(id string, confidence float64) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, node{id: id, parent: t.cursor, confidence: confidence})
	t.nodes[t.cursor].children = append(t.nodes[t.cursor].children, idx)
	t.index[id] = idx
	t.cursor = idx
	return idx
}

// find walks the tree depth-first from the root.
func (t *tree) find(id string) (int, bool) {
	if len(t.nodes) == 0 {
		return 0, false
	}
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if t.nodes[i].id == id {
			return i, true
		}
		ch := t.nodes[i].children
		for j := len(ch) - 1; j >= 0; j-- {
			stack = append(stack, ch[j])
		}
	}
	return 0, false
}

// path returns the arena indices from the root to i.
func (t *tree) path(i int) []int {
	var out []int
	for i != noParent {
		out = append(out, i)
		i = t.nodes[i].parent
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func (t *tree) markExplored(i int, success bool) {
	n := &t.nodes[i]
	n.explored = true
	if success {
		n.confidence = clamp(n.confidence+nudge, minNodeConfidence, maxNodeConfidence)
	} else {
		n.confidence = clamp(n.confidence-nudge, minNodeConfidence, maxNodeConfidence)
	}
}

func (t *tree) snapshot() []NodeSnapshot {
	out := make([]NodeSnapshot, len(t.nodes))
	for i, n := range t.nodes {
		ns := NodeSnapshot{ID: n.id, Explored: n.explored, Confidence: n.confidence}
		if n.parent != noParent {
			ns.ParentID = t.nodes[n.parent].id
		}
		if len(n.children) > 0 {
			ns.Children = make([]string, len(n.children))
			for j, c := range n.children {
				ns.Children[j] = t.nodes[c].id
			}
		}
		out[i] = ns
	}
	return out
}

// treeFromSnapshot rebuilds an arena from node snapshots. Nodes must be listed parents-first.
func treeFromSnapshot(nodes []NodeSnapshot, cursorID string) (*tree, bool) {
	if len(nodes) == 0 || nodes[0].ParentID != "" {
		return nil, false
	}
	t := &tree{index: make(map[string]int, len(nodes))}
	for i, ns := range nodes {
		if _, dup := t.index[ns.ID]; dup {
			return nil, false
		}
		parent := noParent
		if i > 0 {
			p, ok := t.index[ns.ParentID]
			if !ok {
				return nil, false
			}
			parent = p
			t.nodes[p].children = append(t.nodes[p].children, i)
		}
		t.nodes = append(t.nodes, node{id: ns.ID, parent: parent, explored: ns.Explored, confidence: ns.Confidence})
		t.index[ns.ID] = i
	}
	cur, ok := t.index[cursorID]
	if !ok {
		cur = 0
	}
	t.cursor = cur
	return t, true
}
