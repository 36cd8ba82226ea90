package consensus

import "sync"

type viewKind uint8

const (
	viewLeaf viewKind = iota + 1
	viewFailed
)

// ViewInner records how a view resolved: a decided leaf (whose body lives
// in the saved-leaves map) or a known-unrecoverable failure.
type ViewInner struct {
	kind viewKind
	leaf Commitment
}

// LeafView tags a view as decided on the leaf with the given digest.
func LeafView(leaf Commitment) ViewInner {
	return ViewInner{kind: viewLeaf, leaf: leaf}
}

// FailedView tags a view as unrecoverable.
func FailedView() ViewInner {
	return ViewInner{kind: viewFailed}
}

// Leaf returns the decided leaf digest, if the view decided on one.
func (v ViewInner) Leaf() (Commitment, bool) {
	return v.leaf, v.kind == viewLeaf
}

// Failed reports whether the view is known to be unrecoverable.
func (v ViewInner) Failed() bool { return v.kind == viewFailed }

// Consensus is the replica state shared across view tasks: the per-view
// resolution map, the content-addressed leaf bodies, and the metrics
// bundle. Readers of distinct views may proceed concurrently; each view
// has a single writer.
type Consensus struct {
	mu          sync.RWMutex
	stateMap    map[View]ViewInner
	savedLeaves map[Commitment]*Leaf
	metrics     *Metrics
}

func NewConsensus(metrics *Metrics) *Consensus {
	return &Consensus{
		stateMap:    make(map[View]ViewInner),
		savedLeaves: make(map[Commitment]*Leaf),
		metrics:     metrics,
	}
}

func (c *Consensus) Metrics() *Metrics { return c.metrics }

// StateEntry returns the resolution of a view, if any.
func (c *Consensus) StateEntry(v View) (ViewInner, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.stateMap[v]
	return inner, ok
}

// SavedLeaf returns the leaf body for a digest, if present.
func (c *Consensus) SavedLeaf(d Commitment) (*Leaf, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	leaf, ok := c.savedLeaves[d]
	return leaf, ok
}

// Decide records a decided leaf for a view: the state-map entry and the
// leaf body, under one write lock.
func (c *Consensus) Decide(v View, leaf *Leaf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := leaf.Commit()
	c.stateMap[v] = LeafView(d)
	c.savedLeaves[d] = leaf
}

// MarkFailed records a view as unrecoverable. Existing leaf entries are
// not overwritten.
func (c *Consensus) MarkFailed(v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stateMap[v]; ok {
		return
	}
	c.stateMap[v] = FailedView()
}
