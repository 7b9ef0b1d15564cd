package ngtrie

import (
	"math"

	"github.com/fxamacker/cbor/v2"
	pdebug "github.com/lestrrat-go/pdebug"
	"github.com/lexstat/ngtrie/keycodec"
	"github.com/lexstat/ngtrie/kvstore"
	"github.com/pkg/errors"
)

// summary is the stored form of the figures a statistics pass
// collects on the way.
type summary struct {
	Nodes    int `cbor:"1,keyasint"`
	Alphabet int `cbor:"2,keyasint"`
}

func loadSummary(s Store) (summary, error) {
	var sum summary
	buf, err := s.Get(keycodec.SummaryKey())
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return sum, nil
		}
		return sum, err
	}
	if err := cbor.Unmarshal(buf, &sum); err != nil {
		return sum, errors.Wrap(err, "failed to decode summary")
	}
	return sum, nil
}

// frame is a node waiting to be visited by the statistics pass.
type frame struct {
	node   *Node
	parent float64
}

// updateStats recomputes every node entropy, the normalization table
// and the summary from the current counts, then marks the Trie clean.
//
// The tree is walked depth first with an explicit stack. Visiting a
// node scans its children once: their counts give the node's entropy,
// and the children themselves are pushed to be visited next. Entropy
// records are written in batches as the walk goes; the normalization
// table and the summary follow, then the store is compacted, and the clean marker is
// written last, so a failure anywhere leaves the Trie dirty and the next
// query starts over.
func (t *Trie) updateStats() (err error) {
	if pdebug.Enabled {
		g := pdebug.Marker("Trie.updateStats")
		defer g.End()
	}

	rootKey, _ := keycodec.Encode(nil)
	root, err := loadNode(t.store, rootKey, nil)
	if err != nil {
		return storageError("update stats", err)
	}

	var norm normalization
	var nodes int
	alphabet := make(map[string]struct{})
	b := kvstore.NewBatch()

	stack := []frame{{node: root, parent: math.NaN()}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := f.node
		depth := len(n.tokens)

		children, err := t.children(n)
		if err != nil {
			return storageError("update stats", err)
		}
		counts := make([]uint64, len(children))
		for i, c := range children {
			counts[i] = c.Count
			alphabet[c.tokens[depth]] = struct{}{}
		}
		n.updateEntropy(counts)

		if depth > 0 && !math.IsNaN(n.Entropy) && (n.Entropy != 0 || f.parent != 0) {
			if ev := n.Entropy - f.parent; !math.IsNaN(ev) {
				norm.update(depth-1, ev)
			}
		}

		if n.Exists() {
			nodes++
			if err := n.save(b); err != nil {
				return storageError("update stats", err)
			}
		}
		if b.Len() >= t.flushSize {
			if err := t.store.Write(b); err != nil {
				return storageError("update stats", err)
			}
			b.Reset()
		}

		// Push in reverse so that children pop in key order.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: children[i], parent: n.Entropy})
		}
	}

	norm.finalize()
	if err := norm.save(t.store, b); err != nil {
		return storageError("update stats", err)
	}
	buf, err := cbor.Marshal(summary{Nodes: nodes, Alphabet: len(alphabet)})
	if err != nil {
		return storageError("update stats", err)
	}
	b.Put(keycodec.SummaryKey(), buf)
	if err := t.store.Write(b); err != nil {
		return storageError("update stats", err)
	}
	if err := t.store.Compact(); err != nil {
		return storageError("compact", err)
	}

	// The marker goes in only once everything it vouches for is stored.
	b.Reset()
	b.Put(keycodec.CleanKey(), nil)
	if err := t.store.Write(b); err != nil {
		return storageError("update stats", err)
	}

	t.norm = norm
	t.dirty = false
	t.stats = Stats{
		Nodes:    nodes,
		Alphabet: len(alphabet),
		MaxDepth: norm.maxDepth(),
		Passes:   t.stats.Passes + 1,
	}
	tracer.Printf("statistics pass: %d nodes, %d symbols, %d depths", nodes, len(alphabet), t.stats.MaxDepth)
	return nil
}

// children returns the immediate children of n in key order.
func (t *Trie) children(n *Node) ([]*Node, error) {
	depth := len(n.tokens)
	if depth >= keycodec.MaxDepth {
		return nil, nil
	}
	start, end, err := keycodec.ChildRange(n.tokens)
	if err != nil {
		return nil, err
	}

	var list []*Node
	var derr error
	err = t.store.Scan(start, end, func(key, value []byte) bool {
		var last string
		last, derr = keycodec.Last(key)
		if derr != nil {
			return false
		}
		tokens := make([]string, depth+1)
		copy(tokens, n.tokens)
		tokens[depth] = last

		c := newNode(append([]byte(nil), key...), tokens)
		if derr = c.decode(value); derr != nil {
			return false
		}
		list = append(list, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return list, derr
}
