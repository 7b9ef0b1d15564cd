package ngtrie

import (
	"encoding/binary"
	"math"

	"github.com/lexstat/ngtrie/keycodec"
	"github.com/lexstat/ngtrie/kvstore"
	"github.com/pkg/errors"
)

const normRecordSize = 24

// NormEntry holds the distribution of entropy variations observed
// between nodes of one depth and their parents.
type NormEntry struct {
	Depth int
	Mean  float64
	Stdev float64
	Count uint64
}

type accumulator struct {
	mean  float64
	m2    float64
	stdev float64
	count uint64
}

// normalization is the per depth table of entropy variation
// statistics. Slot i describes nodes of depth i+1.
type normalization struct {
	slots []accumulator
}

func (t *normalization) clear() {
	t.slots = t.slots[:0]
}

// update adds one sample to slot using Welford's online algorithm.
func (t *normalization) update(slot int, x float64) {
	for len(t.slots) <= slot {
		t.slots = append(t.slots, accumulator{})
	}
	a := &t.slots[slot]
	a.count++
	delta := x - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (x - a.mean)
}

// finalize turns every running variance into a standard deviation.
// It must run exactly once after the last update of a pass.
func (t *normalization) finalize() {
	for i := range t.slots {
		a := &t.slots[i]
		if a.count == 0 {
			continue
		}
		a.stdev = math.Sqrt(a.m2 / float64(a.count))
	}
}

func (t *normalization) entry(slot int) (accumulator, bool) {
	if slot < 0 || slot >= len(t.slots) || t.slots[slot].count == 0 {
		return accumulator{}, false
	}
	return t.slots[slot], true
}

// maxDepth returns the deepest depth with statistics. Empty slots
// below it do not lower the result.
func (t *normalization) maxDepth() int {
	for i := len(t.slots) - 1; i >= 0; i-- {
		if t.slots[i].count > 0 {
			return i + 1
		}
	}
	return 0
}

func (t *normalization) entries() []NormEntry {
	var list []NormEntry
	for i, a := range t.slots {
		if a.count == 0 {
			continue
		}
		list = append(list, NormEntry{Depth: i + 1, Mean: a.mean, Stdev: a.stdev, Count: a.count})
	}
	return list
}

// load replaces the table with the slots persisted in s.
func (t *normalization) load(s Store) error {
	t.clear()
	start, end := keycodec.NormRange()
	var err error
	serr := s.Scan(start, end, func(key, value []byte) bool {
		var slot int
		slot, err = keycodec.NormSlot(key)
		if err != nil {
			return false
		}
		if len(value) != normRecordSize {
			err = errors.Errorf("normalization slot %d: record has %d bytes", slot, len(value))
			return false
		}
		for len(t.slots) <= slot {
			t.slots = append(t.slots, accumulator{})
		}
		t.slots[slot] = accumulator{
			mean:  math.Float64frombits(binary.BigEndian.Uint64(value[0:])),
			stdev: math.Float64frombits(binary.BigEndian.Uint64(value[8:])),
			count: binary.BigEndian.Uint64(value[16:]),
		}
		return true
	})
	if serr != nil {
		return serr
	}
	return err
}

// save stages the removal of the previously persisted slots and the
// writes of the current ones.
func (t *normalization) save(s Store, b *kvstore.Batch) error {
	start, end := keycodec.NormRange()
	var stale [][]byte
	err := s.Scan(start, end, func(key, _ []byte) bool {
		stale = append(stale, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		b.Delete(key)
	}

	for i, a := range t.slots {
		if a.count == 0 {
			continue
		}
		buf := make([]byte, normRecordSize)
		binary.BigEndian.PutUint64(buf[0:], math.Float64bits(a.mean))
		binary.BigEndian.PutUint64(buf[8:], math.Float64bits(a.stdev))
		binary.BigEndian.PutUint64(buf[16:], a.count)
		b.Put(keycodec.NormKey(i), buf)
	}
	return nil
}
