package predictor

import (
	"math/rand"
	"sync"
)

// optimalEntry is an OptimalIndex entry: the slot in nodes holding the
// currently-best node for some file size bucket, and the hash that node had
// when the entry was last set. If the node at that slot has since been
// displaced (its hash no longer matches), the entry is stale and Find
// reports a miss rather than returning a mismatched block size.
type optimalEntry struct {
	index int
	hash  uint64
}

// List is a deduplicated, append-only collection of nodes along with an
// OptimalIndex mapping file size to the best node observed for it. A List is
// safe for concurrent use: reads (Find, Wonder) take a read lock, Push takes
// a write lock.
type List struct {
	mu      sync.RWMutex
	nodes   []Node
	present map[Node]int
	optimal map[uint64]optimalEntry
}

// NewList creates an empty node list.
func NewList() *List {
	return &List{
		present: make(map[Node]int),
		optimal: make(map[uint64]optimalEntry),
	}
}

// Push inserts a node if it isn't already present (structural equality), and
// updates the OptimalIndex for its file size if the incoming node's rate is
// at least as good as the current best, or if the current best's stored
// hash has gone stale (meaning deduplication displaced it since the index
// was set).
func (l *List) Push(node Node) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.present[node]; exists {
		return
	}

	index := len(l.nodes)
	if entry, ok := l.optimal[node.FileSize]; ok {
		existing := l.nodes[entry.index]
		if existing.Hash() != entry.hash || node.Rate >= existing.Rate {
			l.optimal[node.FileSize] = optimalEntry{index: index, hash: node.Hash()}
		}
	} else {
		l.optimal[node.FileSize] = optimalEntry{index: index, hash: node.Hash()}
	}

	l.nodes = append(l.nodes, node)
	l.present[node] = index
}

// Find returns the block size of the best node known for fileSize, or false
// if there is no index entry, or the indexed node has gone stale.
func (l *List) Find(fileSize uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.optimal[fileSize]
	if !ok || entry.index >= len(l.nodes) {
		return 0, false
	}

	existing := l.nodes[entry.index]
	if existing.Hash() != entry.hash {
		return 0, false
	}
	return existing.BlockSize(), true
}

// seen reports whether a node with the given file size and block size has
// ever been pushed, regardless of whether it's currently the indexed best.
func (l *List) seen(fileSize, blockSize uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, n := range l.nodes {
		if n.FileSize == fileSize && n.BlockSize() == blockSize {
			return true
		}
	}
	return false
}

// Wonder proposes a neighbor of currentBest to explore: double it or halve
// it (floored at 1). If neither neighbor has been tried for this file size,
// one is chosen uniformly at random. If exactly one has been tried, the
// other is proposed. If both have been tried, exploration for this bucket is
// considered exhausted and currentBest is returned unchanged.
func (l *List) Wonder(fileSize, currentBest uint64) uint64 {
	up := currentBest * 2
	down := currentBest / 2
	if down < 1 {
		down = 1
	}

	seenUp := l.seen(fileSize, up)
	seenDown := l.seen(fileSize, down)

	switch {
	case !seenUp && !seenDown:
		if rand.Intn(2) == 0 {
			return up
		}
		return down
	case !seenUp:
		return up
	case !seenDown:
		return down
	default:
		return currentBest
	}
}

// WonderfulFind looks up the best known block size for fileSize and, with
// 50% probability, hands the result to Wonder instead of returning it
// directly. It reports false if there's no entry for fileSize at all, since
// there is nothing to explore a neighbor of.
func (l *List) WonderfulFind(fileSize uint64) (uint64, bool) {
	found, ok := l.Find(fileSize)
	if !ok {
		return 0, false
	}
	if rand.Intn(2) == 0 {
		return found, true
	}
	return l.Wonder(fileSize, found), true
}

// Snapshot returns a copy of the list's nodes in insertion order, used for
// serialization. The OptimalIndex is not captured directly; it is rebuilt by
// replaying Push in the same order on load, which reproduces it exactly.
func (l *List) Snapshot() []Node {
	l.mu.RLock()
	defer l.mu.RUnlock()

	nodes := make([]Node, len(l.nodes))
	copy(nodes, l.nodes)
	return nodes
}
