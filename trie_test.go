package ngtrie

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lexstat/ngtrie/config"
	"github.com/lexstat/ngtrie/keycodec"
	"github.com/lexstat/ngtrie/kvstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-12

func newTestTrie(t *testing.T, options ...Option) *Trie {
	t.Helper()
	db, err := kvstore.Open("")
	require.NoError(t, err)
	trie, err := New(db, options...)
	require.NoError(t, err)
	t.Cleanup(func() { trie.Close() })
	return trie
}

func openTestTrie(t *testing.T, dir string) *Trie {
	t.Helper()
	var cfg config.Config
	require.NoError(t, cfg.Init())
	cfg.Path = dir
	trie, err := Open(&cfg)
	require.NoError(t, err)
	return trie
}

func add(t *testing.T, trie *Trie, freq int, tokens ...string) {
	t.Helper()
	require.NoError(t, trie.AddNgram(tokens, freq), "AddNgram(%q, %d)", tokens, freq)
}

func count(t *testing.T, trie *Trie, tokens ...string) uint64 {
	t.Helper()
	c, err := trie.QueryCount(tokens)
	require.NoError(t, err)
	return c
}

func entropy(t *testing.T, trie *Trie, tokens ...string) float64 {
	t.Helper()
	e, err := trie.QueryEntropy(tokens)
	require.NoError(t, err)
	return e
}

func ev(t *testing.T, trie *Trie, tokens ...string) float64 {
	t.Helper()
	v, err := trie.QueryEV(tokens)
	require.NoError(t, err)
	return v
}

func autonomy(t *testing.T, trie *Trie, tokens ...string) float64 {
	t.Helper()
	a, err := trie.QueryAutonomy(tokens)
	require.NoError(t, err)
	return a
}

func passes(t *testing.T, trie *Trie) int {
	t.Helper()
	trie.mutex.Lock()
	defer trie.mutex.Unlock()
	return trie.stats.Passes
}

// seedSmall builds a/b (3), a/c (2) and a (1).
func seedSmall(t *testing.T, trie *Trie) {
	add(t, trie, 3, "a", "b")
	add(t, trie, 2, "a", "c")
	add(t, trie, 1, "a")
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	seedSmall(t, trie)

	require.Equal(t, uint64(6), count(t, trie), "root counts every addition")
	require.Equal(t, uint64(6), count(t, trie, "a"))
	require.Equal(t, uint64(3), count(t, trie, "a", "b"))
	require.Equal(t, uint64(2), count(t, trie, "a", "c"))
	require.Equal(t, uint64(0), count(t, trie, "a", "d"))
	require.True(t, trie.Dirty(), "counting does not clean the trie")

	expected := -(0.6*math.Log(0.6) + 0.4*math.Log(0.4))
	require.InDelta(t, expected, entropy(t, trie, "a"), epsilon)
	require.InDelta(t, 0.673, entropy(t, trie, "a"), 1e-3)
	require.False(t, trie.Dirty())

	require.Equal(t, 0.0, entropy(t, trie), "root has a single child")
	require.True(t, math.IsNaN(entropy(t, trie, "a", "b")), "leaf has no distribution")
	require.True(t, math.IsNaN(entropy(t, trie, "z")), "unknown node")

	require.InDelta(t, expected, ev(t, trie, "a"), epsilon)
	require.True(t, math.IsNaN(ev(t, trie, "a", "b")))

	// Depth 1 has a single sample, so its stdev is zero.
	require.True(t, math.IsNaN(autonomy(t, trie, "a")))

	depth, err := trie.MaxDepth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestAutonomyZScore(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	add(t, trie, 1, "x", "p")
	add(t, trie, 1, "x", "q")
	add(t, trie, 1, "y", "p")

	rootH := -(2.0/3*math.Log(2.0/3) + 1.0/3*math.Log(1.0/3))
	require.InDelta(t, rootH, entropy(t, trie), epsilon)
	require.InDelta(t, math.Ln2, entropy(t, trie, "x"), epsilon)
	require.Equal(t, 0.0, entropy(t, trie, "y"))

	require.InDelta(t, math.Ln2-rootH, ev(t, trie, "x"), epsilon)
	require.InDelta(t, -rootH, ev(t, trie, "y"), epsilon, "zero entropy under a non-zero parent is a real variation")

	require.InDelta(t, 1.0, autonomy(t, trie, "x"), 1e-9)
	require.InDelta(t, -1.0, autonomy(t, trie, "y"), 1e-9)
	require.True(t, math.IsNaN(autonomy(t, trie, "x", "p")), "leaf")

	entries, err := trie.Normalization()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Depth)
	require.Equal(t, uint64(2), entries[0].Count)
	require.InDelta(t, (math.Ln2-2*rootH)/2, entries[0].Mean, epsilon)
	require.InDelta(t, math.Ln2/2, entries[0].Stdev, epsilon)
}

func TestRootHasNoVariation(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	require.True(t, math.IsNaN(ev(t, trie)), "empty trie")
	require.True(t, math.IsNaN(autonomy(t, trie)), "empty trie")

	seedSmall(t, trie)
	add(t, trie, 4, "b", "c")
	require.True(t, math.IsNaN(ev(t, trie)))
	require.True(t, math.IsNaN(autonomy(t, trie)))
}

func TestZeroEntropyChain(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	add(t, trie, 2, "a", "b", "c")

	require.Equal(t, 0.0, entropy(t, trie, "a"))
	require.Equal(t, 0.0, entropy(t, trie, "a", "b"))
	require.True(t, math.IsNaN(ev(t, trie, "a")), "zero over zero carries no signal")
	require.True(t, math.IsNaN(ev(t, trie, "a", "b")))
	require.True(t, math.IsNaN(autonomy(t, trie, "a", "b")))

	depth, err := trie.MaxDepth()
	require.NoError(t, err)
	require.Equal(t, 0, depth, "no depth produced a sample")
}

func TestMaxDepthSkipsEmptyDepths(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	add(t, trie, 1, "a", "b", "c", "x")
	add(t, trie, 1, "a", "b", "c", "y")
	add(t, trie, 1, "z")

	entries, err := trie.Normalization()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].Depth)
	require.Equal(t, 3, entries[1].Depth, "depth 2 only holds zero over zero variations")

	depth, err := trie.MaxDepth()
	require.NoError(t, err)
	require.Equal(t, 3, depth)

	st, err := trie.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, st.MaxDepth)
}

func TestMonotonicCounts(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	seedSmall(t, trie)
	add(t, trie, 5, "a", "b", "d")

	seq := []string{"a", "b", "d", "e"}
	before := make([]uint64, len(seq)+1)
	for i := range before {
		before[i] = count(t, trie, seq[:i]...)
	}

	add(t, trie, 7, seq...)
	for i := range before {
		require.Equal(t, before[i]+7, count(t, trie, seq[:i]...), "prefix %q", seq[:i])
	}
	require.Equal(t, uint64(2), count(t, trie, "a", "c"), "siblings are untouched")
}

func TestEmptyNgramIsNoop(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	seedSmall(t, trie)
	require.NoError(t, trie.Update())
	require.False(t, trie.Dirty())

	add(t, trie, 3)
	require.False(t, trie.Dirty(), "empty sequence does not dirty the trie")
	require.Equal(t, uint64(6), count(t, trie))
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)

	for _, freq := range []int{0, -1} {
		err := trie.AddNgram([]string{"a"}, freq)
		require.True(t, errors.Is(err, ErrInvalidArgument), "freq %d: got %v", freq, err)
	}

	deep := make([]string, keycodec.MaxDepth+1)
	require.True(t, errors.Is(trie.AddNgram(deep, 1), ErrInvalidArgument))
	require.Equal(t, uint64(0), count(t, trie, deep...), "an impossible sequence counts zero")
	require.Equal(t, uint64(0), count(t, trie, "a"))

	_, err := New(nil)
	require.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = Open(nil)
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestOpenUnusablePath(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	var cfg config.Config
	require.NoError(t, cfg.Init())
	cfg.Path = filepath.Join(file, "store")
	_, err := Open(&cfg)
	require.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
	require.True(t, errors.Is(err, ErrStorageFailure), "got %v", err)
	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "open", serr.Op)

	require.False(t, errors.Is(storageError("add", errInjected), ErrInvalidArgument))
}

func TestIdempotentCleanState(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	seedSmall(t, trie)
	add(t, trie, 2, "b", "a")
	add(t, trie, 1, "b", "c")

	require.Equal(t, 0, passes(t, trie))
	first := []float64{entropy(t, trie, "a"), ev(t, trie, "b"), autonomy(t, trie, "b")}
	require.Equal(t, 1, passes(t, trie))
	second := []float64{entropy(t, trie, "a"), ev(t, trie, "b"), autonomy(t, trie, "b")}
	require.Equal(t, 1, passes(t, trie), "a clean trie is not recomputed")
	for i := range first {
		require.Equal(t, math.Float64bits(first[i]), math.Float64bits(second[i]))
	}

	add(t, trie, 1, "a", "b")
	entropy(t, trie, "a")
	require.Equal(t, 2, passes(t, trie), "adding dirties the trie again")
}

func TestEntropyBounds(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	text := "the cat sat on the mat the dog sat on the log the cat ate the rat"
	words := strings.Fields(text)
	for i := range words {
		end := min(i+3, len(words))
		add(t, trie, 1, words[i:end]...)
	}

	st, err := trie.Stats()
	require.NoError(t, err)
	require.Equal(t, 9, st.Alphabet)
	maxH := math.Log(float64(st.Alphabet))

	var checked int
	err = trie.store.Scan([]byte{0}, []byte{keycodec.MetaPrefix}, func(key, value []byte) bool {
		tokens, derr := keycodec.Decode(key)
		require.NoError(t, derr)
		n := newNode(key, tokens)
		require.NoError(t, n.decode(value))
		if math.IsNaN(n.Entropy) {
			return true
		}
		require.GreaterOrEqual(t, n.Entropy, 0.0, "%q", tokens)
		require.LessOrEqual(t, n.Entropy, maxH+epsilon, "%q", tokens)
		checked++
		return true
	})
	require.NoError(t, err)
	require.Greater(t, checked, 0)

	// "sat" is always followed by "on".
	require.Equal(t, 0.0, entropy(t, trie, "sat"))
	require.Greater(t, entropy(t, trie, "the"), 0.0)
}

func TestClear(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	seedSmall(t, trie)
	add(t, trie, 1, "x", "p")
	require.NoError(t, trie.Update())

	require.NoError(t, trie.Clear())
	require.True(t, trie.Dirty())
	require.Equal(t, uint64(0), count(t, trie, "a"))
	require.Equal(t, uint64(0), count(t, trie, "a", "b"))
	require.Equal(t, uint64(0), count(t, trie))

	depth, err := trie.MaxDepth()
	require.NoError(t, err)
	require.Equal(t, 0, depth)
	require.True(t, math.IsNaN(entropy(t, trie, "a")))

	st, err := trie.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, st.Nodes)
}

func TestPersistence(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	trie := openTestTrie(t, dir)
	add(t, trie, 1, "x", "p")
	add(t, trie, 1, "x", "q")
	add(t, trie, 1, "y", "p")
	want := autonomy(t, trie, "x")
	require.NoError(t, trie.Close())
	require.NoError(t, trie.Close(), "Close is idempotent")

	trie = openTestTrie(t, dir)
	defer trie.Close()
	require.False(t, trie.Dirty(), "clean state survives a restart")
	require.Equal(t, uint64(2), count(t, trie, "x"))
	require.Equal(t, want, autonomy(t, trie, "x"))
	require.Equal(t, 0, passes(t, trie), "persisted statistics are reused")

	depth, err := trie.MaxDepth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	st, err := trie.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{Nodes: 6, Alphabet: 4, MaxDepth: 1}, st, "figures of the last pass survive a restart")
}

func TestReopenDirty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	trie := openTestTrie(t, dir)
	add(t, trie, 1, "x", "p")
	require.NoError(t, trie.Update())
	add(t, trie, 1, "x", "q")
	require.NoError(t, trie.Close())

	trie = openTestTrie(t, dir)
	defer trie.Close()
	require.True(t, trie.Dirty(), "additions after the last pass leave the store dirty")
	require.InDelta(t, math.Ln2, entropy(t, trie, "x"), epsilon)
}

func TestConcurrentQueriesRunOnePass(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	seedSmall(t, trie)
	require.True(t, trie.Dirty())

	var wg sync.WaitGroup
	results := make([]float64, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := trie.QueryEntropy([]string{"a"})
			if err != nil {
				v = math.Inf(1)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		require.InDelta(t, 0.673, v, 1e-3)
	}
	require.Equal(t, 1, passes(t, trie), "the statistics pass ran exactly once")
	require.False(t, trie.Dirty())
}

// faultyStore fails writes or compactions on demand.
type faultyStore struct {
	*kvstore.DB
	failWrites  bool
	failCompact bool
	writes      int
}

var errInjected = errors.New("injected failure")

func (s *faultyStore) Write(b *kvstore.Batch) error {
	if s.failWrites {
		return errInjected
	}
	s.writes++
	return s.DB.Write(b)
}

func (s *faultyStore) Compact() error {
	if s.failCompact {
		return errInjected
	}
	return s.DB.Compact()
}

func TestStorageFailure(t *testing.T) {
	t.Parallel()
	db, err := kvstore.Open("")
	require.NoError(t, err)
	store := &faultyStore{DB: db}
	trie, err := New(store)
	require.NoError(t, err)
	defer trie.Close()

	seedSmall(t, trie)

	store.failWrites = true
	err = trie.AddNgram([]string{"a", "b"}, 1)
	require.True(t, errors.Is(err, ErrStorageFailure), "got %v", err)
	require.True(t, errors.Is(err, errInjected))
	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "add", serr.Op)

	store.failWrites = false
	require.Equal(t, uint64(3), count(t, trie, "a", "b"), "failed batch left no trace")
	require.Equal(t, uint64(6), count(t, trie, "a"))

	store.failCompact = true
	_, err = trie.QueryEntropy([]string{"a"})
	require.True(t, errors.Is(err, ErrStorageFailure))
	require.True(t, trie.Dirty(), "failed pass keeps the trie dirty")

	store.failCompact = false
	require.InDelta(t, 0.673, entropy(t, trie, "a"), 1e-3, "next query retries the pass")
	require.False(t, trie.Dirty())
}

func TestFlushSize(t *testing.T) {
	t.Parallel()
	db, err := kvstore.Open("")
	require.NoError(t, err)
	store := &faultyStore{DB: db}
	trie, err := New(store, WithFlushSize(2))
	require.NoError(t, err)
	defer trie.Close()

	seedSmall(t, trie)
	add(t, trie, 1, "b", "c")
	before := store.writes
	require.NoError(t, trie.Update())
	// Six nodes flushed two at a time, the normalization table, then
	// the clean marker.
	require.Equal(t, 5, store.writes-before)
}

func TestClosed(t *testing.T) {
	t.Parallel()
	trie := newTestTrie(t)
	require.NoError(t, trie.Close())
	require.NoError(t, trie.Close())

	require.True(t, errors.Is(trie.AddNgram([]string{"a"}, 1), ErrClosed))
	_, err := trie.QueryCount([]string{"a"})
	require.True(t, errors.Is(err, ErrClosed))
	_, err = trie.QueryAutonomy([]string{"a"})
	require.True(t, errors.Is(err, ErrClosed))
	require.True(t, errors.Is(trie.Clear(), ErrClosed))
}
