// Package ngtrie implements a persistent trie of n-gram counts stored
// in an ordered key-value store. From the counts it derives branching
// entropy statistics and scores the autonomy of a token sequence: how
// much its branching entropy variation deviates from the average for
// sequences of the same length.
//
// Counts are updated eagerly by AddNgram. Entropies and the per depth
// normalization table are recomputed by a full pass over the tree the
// first time a query needs them after the counts changed.
package ngtrie

import (
	"math"
	"os"
	"sync"

	pdebug "github.com/lestrrat-go/pdebug"
	"github.com/lexstat/ngtrie/config"
	"github.com/lexstat/ngtrie/keycodec"
	"github.com/lexstat/ngtrie/kvstore"
	"github.com/pkg/errors"
)

// Trie is a handle to an n-gram trie. All methods are safe for
// concurrent use; they are serialized by an internal lock so that only
// one statistics pass can ever run at a time.
//
// A Trie is either clean or dirty. AddNgram and Clear make it dirty;
// the statistics pass makes it clean. Only a clean Trie answers entropy,
// ev and autonomy queries, so those queries run the pass first when
// needed.
type Trie struct {
	mutex     sync.Mutex
	store     Store
	norm      normalization
	dirty     bool
	closed    bool
	flushSize int
	stats     Stats
}

// Stats describes the tree as seen by the last statistics pass.
type Stats struct {
	// Nodes is the number of node records, root included.
	Nodes int
	// Alphabet is the number of distinct tokens in the corpus.
	Alphabet int
	// MaxDepth is the deepest depth with normalization statistics.
	MaxDepth int
	// Passes counts the statistics passes run by this handle. It is
	// not persisted.
	Passes int
}

// Option configures a Trie created by New.
type Option func(*Trie)

// WithFlushSize sets how many node records the statistics pass stages
// before writing them to the store.
func WithFlushSize(n int) Option {
	return func(t *Trie) {
		if n > 0 {
			t.flushSize = n
		}
	}
}

// Open creates the store described by cfg and returns a Trie on top of
// it. The Trie owns the store and closes it on Close.
func Open(cfg *config.Config) (*Trie, error) {
	if cfg == nil {
		return nil, invalidArgument("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, pathError("open", err)
		}
	}

	db, err := kvstore.Open(cfg.StorePath(), kvstore.WithDegree(cfg.BTreeDegree), kvstore.WithSync(cfg.Sync))
	if err != nil {
		return nil, pathError("open", err)
	}
	t, err := New(db, WithFlushSize(cfg.StatsFlushSize))
	if err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// New returns a Trie on top of s. The persisted normalization table is
// loaded, and the Trie starts clean only if the store says the table is
// up to date.
func New(s Store, options ...Option) (*Trie, error) {
	if s == nil {
		return nil, invalidArgument("nil store")
	}
	t := &Trie{
		store:     s,
		flushSize: config.DefaultStatsFlushSize,
	}
	for _, o := range options {
		o(t)
	}

	clean, err := s.Has(keycodec.CleanKey())
	if err != nil {
		return nil, storageError("open", err)
	}
	if err := t.norm.load(s); err != nil {
		return nil, storageError("open", err)
	}
	sum, err := loadSummary(s)
	if err != nil {
		return nil, storageError("open", err)
	}
	t.dirty = !clean
	t.stats = Stats{
		Nodes:    sum.Nodes,
		Alphabet: sum.Alphabet,
		MaxDepth: t.norm.maxDepth(),
	}
	tracer.Printf("opened trie: dirty=%t, %d normalization slots", t.dirty, t.stats.MaxDepth)
	return t, nil
}

// Dirty reports whether the statistics are stale.
func (t *Trie) Dirty() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.dirty
}

// AddNgram adds freq occurrences of tokens. The count of every prefix
// of tokens, the root included, grows by freq in a single atomic write.
// An empty sequence is ignored.
func (t *Trie) AddNgram(tokens []string, freq int) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return ErrClosed
	}
	if freq < 1 {
		return invalidArgument("frequency %d is below 1", freq)
	}
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) > keycodec.MaxDepth {
		return invalidArgument("%d tokens exceed the maximum depth of %d", len(tokens), keycodec.MaxDepth)
	}

	b := kvstore.NewBatch()
	for i := 0; i <= len(tokens); i++ {
		prefix := tokens[:i]
		key, err := keycodec.Encode(prefix)
		if err != nil {
			return invalidArgument("%s", err)
		}
		n, err := loadNode(t.store, key, prefix)
		if err != nil {
			return storageError("add", err)
		}
		n.Count += uint64(freq)
		n.Entropy = math.NaN()
		if err := n.save(b); err != nil {
			return storageError("add", err)
		}
	}
	if !t.dirty {
		b.Delete(keycodec.CleanKey())
	}
	if err := t.store.Write(b); err != nil {
		return storageError("add", err)
	}
	t.dirty = true
	return nil
}

// QueryCount returns how many times tokens was added, directly or as
// the prefix of a longer sequence. Unknown sequences count 0.
func (t *Trie) QueryCount(tokens []string) (uint64, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	n, err := t.node(tokens)
	if err != nil || n == nil {
		return 0, err
	}
	return n.Count, nil
}

// QueryEntropy returns the branching entropy of tokens, or NaN when
// the sequence is unknown or has no continuation.
func (t *Trie) QueryEntropy(tokens []string) (float64, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err := t.ensureClean(); err != nil {
		return math.NaN(), err
	}
	return t.entropy(tokens)
}

// QueryEV returns the variation of branching entropy between tokens
// and its parent. It is NaN for the root, for a sequence with NaN
// entropy, and when both entropies are exactly zero.
func (t *Trie) QueryEV(tokens []string) (float64, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err := t.ensureClean(); err != nil {
		return math.NaN(), err
	}
	return t.ev(tokens)
}

// QueryAutonomy returns the entropy variation of tokens as a z-score
// against every sequence of the same length. It is NaN when the
// variation is NaN or when the length has no usable statistics.
func (t *Trie) QueryAutonomy(tokens []string) (float64, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err := t.ensureClean(); err != nil {
		return math.NaN(), err
	}

	ev, err := t.ev(tokens)
	if err != nil || math.IsNaN(ev) {
		return math.NaN(), err
	}
	a, ok := t.norm.entry(len(tokens) - 1)
	if !ok || a.stdev == 0 {
		return math.NaN(), nil
	}
	return (ev - a.mean) / a.stdev, nil
}

// MaxDepth returns the deepest depth for which normalization
// statistics exist, or 0 when there are none.
func (t *Trie) MaxDepth() (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err := t.ensureClean(); err != nil {
		return 0, err
	}
	return t.norm.maxDepth(), nil
}

// Normalization returns the populated normalization table entries in
// increasing depth order.
func (t *Trie) Normalization() ([]NormEntry, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err := t.ensureClean(); err != nil {
		return nil, err
	}
	return t.norm.entries(), nil
}

// Stats returns figures about the tree, running the statistics pass
// first if needed.
func (t *Trie) Stats() (Stats, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err := t.ensureClean(); err != nil {
		return Stats{}, err
	}
	return t.stats, nil
}

// Update runs the statistics pass if the Trie is dirty.
func (t *Trie) Update() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.ensureClean()
}

// Clear removes every record, trie nodes and normalization table alike,
// and leaves the Trie dirty.
func (t *Trie) Clear() (err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return ErrClosed
	}
	if pdebug.Enabled {
		g := pdebug.Marker("Trie.Clear")
		defer g.End()
	}

	b := kvstore.NewBatch()
	err = t.store.Scan(nil, nil, func(key, _ []byte) bool {
		b.Delete(key)
		return true
	})
	if err != nil {
		return storageError("clear", err)
	}
	if err := t.store.Write(b); err != nil {
		return storageError("clear", err)
	}
	t.norm.clear()
	t.dirty = true
	t.stats = Stats{Passes: t.stats.Passes}
	tracer.Printf("cleared %d records", b.Len())
	return storageError("clear", t.store.Compact())
}

// Close releases the store. Closing twice is a no-op.
func (t *Trie) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return storageError("close", t.store.Close())
}

func (t *Trie) ensureClean() error {
	if t.closed {
		return ErrClosed
	}
	if !t.dirty {
		return nil
	}
	return t.updateStats()
}

// node loads the node for tokens. It returns nil without error when
// tokens cannot address a node at all.
func (t *Trie) node(tokens []string) (*Node, error) {
	key, err := keycodec.Encode(tokens)
	if err != nil {
		return nil, nil
	}
	n, err := loadNode(t.store, key, tokens)
	if err != nil {
		return nil, storageError("query", err)
	}
	return n, nil
}

func (t *Trie) entropy(tokens []string) (float64, error) {
	n, err := t.node(tokens)
	if err != nil || n == nil || !n.Exists() {
		return math.NaN(), err
	}
	return n.Entropy, nil
}

// ev reports "no signal" as NaN when both entropies are zero, even
// though the difference itself would be a plain zero.
func (t *Trie) ev(tokens []string) (float64, error) {
	if len(tokens) == 0 {
		return math.NaN(), nil
	}
	e, err := t.entropy(tokens)
	if err != nil || math.IsNaN(e) {
		return math.NaN(), err
	}
	pe, err := t.entropy(tokens[:len(tokens)-1])
	if err != nil {
		return math.NaN(), err
	}
	if e == 0 && pe == 0 {
		return math.NaN(), nil
	}
	return e - pe, nil
}
