// Package kvstore implements a small ordered key-value store. Keys are
// kept sorted in a B-tree in memory; every mutation is appended to a
// CBOR encoded write-ahead log so that the contents survive a restart.
// Compact rewrites the log as a snapshot of the live keys.
package kvstore

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/btree"
	pdebug "github.com/lestrrat-go/pdebug"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by every operation on a closed DB.
var ErrClosed = errors.New("store is closed")

// ErrCorrupt is returned by Open when the log cannot be decoded.
var ErrCorrupt = errors.New("corrupt log")

// ErrFailed is returned by every write after the log could not be
// restored following a failed append. Reads keep working.
var ErrFailed = errors.New("store failed")

// logFile is the part of *os.File the log is written through.
type logFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// DefaultDegree is the B-tree degree used when none is configured.
const DefaultDegree = 32

// snapshotChunk bounds the number of operations per record written
// by Compact.
const snapshotChunk = 4096

type item struct {
	key   []byte
	value []byte
}

func (it *item) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(*item).key) < 0
}

// DB is an ordered key-value store. It is safe for concurrent use.
type DB struct {
	mutex  sync.RWMutex
	tree   *btree.BTree
	path   string
	file   logFile
	offset int64
	degree int
	sync   bool
	closed bool
	failed error
}

// Option configures a DB.
type Option func(*DB)

// WithDegree sets the degree of the in-memory B-tree.
func WithDegree(n int) Option {
	return func(db *DB) {
		if n > 1 {
			db.degree = n
		}
	}
}

// WithSync makes every write wait for the log to reach stable storage.
func WithSync(v bool) Option {
	return func(db *DB) {
		db.sync = v
	}
}

// Open opens the store whose log lives at path, creating it when it
// does not exist. An empty path opens a volatile store that keeps
// everything in memory.
func Open(path string, options ...Option) (db *DB, err error) {
	if pdebug.Enabled {
		g := pdebug.Marker("kvstore.Open %s", path)
		defer g.End()
	}

	db = &DB{
		path:   path,
		degree: DefaultDegree,
	}
	for _, o := range options {
		o(db)
	}
	db.tree = btree.New(db.degree)

	if path == "" {
		return db, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log %s", path)
	}
	if err := db.replay(f); err != nil {
		f.Close()
		return nil, err
	}
	db.file = f
	return db, nil
}

// replay applies every complete record of the log. A record cut short
// by a crash is dropped and the file truncated to the last good one.
func (db *DB) replay(f *os.File) error {
	dec := cbor.NewDecoder(f)
	var records int
	for {
		var rec record
		err := dec.Decode(&rec)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			if pdebug.Enabled {
				pdebug.Printf("kvstore: dropping truncated record at offset %d", dec.NumBytesRead())
			}
			break
		}
		if err != nil {
			return errors.Wrapf(ErrCorrupt, "record %d: %s", records, err)
		}
		db.apply(rec.Ops)
		records++
	}

	db.offset = int64(dec.NumBytesRead())
	if err := f.Truncate(db.offset); err != nil {
		return errors.Wrap(err, "failed to truncate log")
	}
	if _, err := f.Seek(db.offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to seek log")
	}
	if pdebug.Enabled {
		pdebug.Printf("kvstore: replayed %d records, %d keys", records, db.tree.Len())
	}
	return nil
}

func (db *DB) apply(ops []op) {
	for _, o := range ops {
		if o.Delete {
			db.tree.Delete(&item{key: o.Key})
			continue
		}
		db.tree.ReplaceOrInsert(&item{key: o.Key, value: o.Value})
	}
}

// append writes ops to the log as one record. On failure the log is
// cut back so that a half written record never precedes a later one.
func (db *DB) append(ops []op) error {
	if db.file == nil {
		return nil
	}
	buf, err := cbor.Marshal(record{Ops: ops})
	if err != nil {
		return errors.Wrap(err, "failed to encode record")
	}
	n, err := db.file.Write(buf)
	if err == nil && db.sync {
		err = db.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if rerr := db.rewind(); rerr != nil {
				db.failed = rerr
				return errors.Wrapf(ErrFailed, "%s, then %s", err, rerr)
			}
		}
		return errors.Wrap(err, "failed to append to log")
	}
	db.offset += int64(n)
	return nil
}

// rewind cuts the log back to the end of the last whole record.
func (db *DB) rewind() error {
	if err := db.file.Truncate(db.offset); err != nil {
		return errors.Wrap(err, "failed to truncate log")
	}
	if _, err := db.file.Seek(db.offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to seek log")
	}
	return nil
}

func (db *DB) write(ops []op) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if db.closed {
		return ErrClosed
	}
	if db.failed != nil {
		return errors.Wrap(ErrFailed, db.failed.Error())
	}
	if err := db.append(ops); err != nil {
		return err
	}
	db.apply(ops)
	return nil
}

// Get returns a copy of the value stored under key.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	it := db.tree.Get(&item{key: key})
	if it == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.(*item).value...), nil
}

// Has reports whether key exists.
func (db *DB) Has(key []byte) (bool, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	if db.closed {
		return false, ErrClosed
	}
	return db.tree.Has(&item{key: key}), nil
}

// Put stores value under key.
func (db *DB) Put(key, value []byte) error {
	return db.write([]op{putOp(key, value)})
}

// Delete removes key. Deleting a missing key is not an error.
func (db *DB) Delete(key []byte) error {
	return db.write([]op{deleteOp(key)})
}

// Write commits every operation of the batch atomically: either the
// whole batch is logged and applied, or none of it is.
func (db *DB) Write(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return db.write(b.ops)
}

// Scan calls fn for every key in [start, end) in ascending order until
// fn returns false. A nil end means no upper bound. The slices passed to
// fn must not be modified or retained, and fn must not call back into
// the DB.
func (db *DB) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	if db.closed {
		return ErrClosed
	}
	iter := func(it btree.Item) bool {
		x := it.(*item)
		return fn(x.key, x.value)
	}
	if end == nil {
		db.tree.AscendGreaterOrEqual(&item{key: start}, iter)
		return nil
	}
	db.tree.AscendRange(&item{key: start}, &item{key: end}, iter)
	return nil
}

// Len returns the number of live keys.
func (db *DB) Len() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.tree.Len()
}

// Compact rewrites the log so that it holds exactly one put per live
// key. The new log is written next to the old one and renamed over it.
// A successful compaction also recovers a DB that failed with
// ErrFailed, since the snapshot is taken from memory.
func (db *DB) Compact() (err error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if db.closed {
		return ErrClosed
	}
	if db.file == nil {
		return nil
	}
	if pdebug.Enabled {
		g := pdebug.Marker("kvstore.Compact %d keys, log was %d bytes", db.tree.Len(), db.offset)
		defer g.End()
	}

	tmpname := db.path + ".compact"
	tmp, err := os.OpenFile(tmpname, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to create compaction file")
	}
	size, err := db.writeSnapshot(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpname)
		return errors.Wrap(err, "failed to write compaction file")
	}
	if err := os.Rename(tmpname, db.path); err != nil {
		tmp.Close()
		os.Remove(tmpname)
		return errors.Wrap(err, "failed to replace log")
	}

	db.file.Close()
	db.file = tmp
	db.offset = size
	db.failed = nil
	return nil
}

func (db *DB) writeSnapshot(w io.Writer) (int64, error) {
	var size int64
	ops := make([]op, 0, snapshotChunk)
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		buf, err := cbor.Marshal(record{Ops: ops})
		if err != nil {
			return err
		}
		n, err := w.Write(buf)
		size += int64(n)
		ops = ops[:0]
		return err
	}
	var err error
	db.tree.Ascend(func(it btree.Item) bool {
		x := it.(*item)
		ops = append(ops, op{Key: x.key, Value: x.value})
		if len(ops) == snapshotChunk {
			err = flush()
		}
		return err == nil
	})
	if err != nil {
		return size, err
	}
	return size, flush()
}

// Close releases the log file. Closing an already closed DB is a no-op.
func (db *DB) Close() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.file == nil {
		return nil
	}
	err := db.file.Close()
	db.file = nil
	return errors.Wrap(err, "failed to close log")
}
