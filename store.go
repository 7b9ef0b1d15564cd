package ngtrie

import "github.com/lexstat/ngtrie/kvstore"

// Store is the ordered key-value store a Trie keeps its nodes in.
// *kvstore.DB satisfies it.
//
// Get must report a missing key with an error matching
// kvstore.ErrNotFound. Write must apply a batch atomically. Scan
// visits keys in [start, end) in ascending byte order; a nil end is
// unbounded.
type Store interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Write(b *kvstore.Batch) error
	Scan(start, end []byte, fn func(key, value []byte) bool) error
	Compact() error
	Close() error
}
