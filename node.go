package ngtrie

import (
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/lexstat/ngtrie/kvstore"
	"github.com/pkg/errors"
)

// nodeValue is the stored form of a Node. Entropy is absent until a
// statistics pass has computed it.
type nodeValue struct {
	Count   uint64   `cbor:"1,keyasint"`
	Entropy *float64 `cbor:"2,keyasint,omitempty"`
}

// Node is the record kept for one token sequence.
type Node struct {
	key     []byte
	tokens  []string
	exists  bool
	Count   uint64
	Entropy float64
}

func newNode(key []byte, tokens []string) *Node {
	return &Node{
		key:     key,
		tokens:  tokens,
		Entropy: math.NaN(),
	}
}

// loadNode reads the node stored under key. A missing key yields a
// zero count node; nothing is written.
func loadNode(s Store, key []byte, tokens []string) (*Node, error) {
	n := newNode(key, tokens)
	buf, err := s.Get(key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return n, nil
		}
		return nil, err
	}
	if err := n.decode(buf); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) decode(buf []byte) error {
	var v nodeValue
	if err := cbor.Unmarshal(buf, &v); err != nil {
		return errors.Wrapf(err, "failed to decode node %q", n.tokens)
	}
	n.exists = true
	n.Count = v.Count
	n.Entropy = math.NaN()
	if v.Entropy != nil {
		n.Entropy = *v.Entropy
	}
	return nil
}

// Tokens returns the sequence addressed by the node.
func (n *Node) Tokens() []string {
	return n.tokens
}

// Exists reports whether the node has a record in the store.
func (n *Node) Exists() bool {
	return n.exists
}

// save stages the node in b. Entropy is only written when it has been
// computed.
func (n *Node) save(b *kvstore.Batch) error {
	v := nodeValue{Count: n.Count}
	if !math.IsNaN(n.Entropy) {
		e := n.Entropy
		v.Entropy = &e
	}
	buf, err := cbor.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode node %q", n.tokens)
	}
	b.Put(n.key, buf)
	n.exists = true
	return nil
}

// updateEntropy sets Entropy to the Shannon entropy, in nats, of the
// distribution of the given child counts. Symbols of the alphabet that
// never follow this node have probability zero and add nothing to the
// sum. A node without children has no distribution and gets NaN.
func (n *Node) updateEntropy(children []uint64) {
	var total float64
	for _, c := range children {
		total += float64(c)
	}
	if total == 0 {
		n.Entropy = math.NaN()
		return
	}

	var h float64
	for _, c := range children {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log(p)
	}
	n.Entropy = h
}
