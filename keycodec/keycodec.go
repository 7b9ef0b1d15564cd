// Package keycodec maps token sequences to ordered byte keys so that
// every node of an n-gram trie lives in a single range-scannable
// key space.
//
// A node key is one depth byte followed by every token, escaped and
// terminated with 0x00:
//
//	depth | esc(t1) 0x00 | esc(t2) 0x00 | ...
//
// Since the depth byte comes first, all nodes of one depth sort
// together, and the children of a node are exactly the keys that start
// with (depth+1) followed by the node's token body.
package keycodec

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// MaxDepth is the longest token sequence that can be encoded.
	MaxDepth = 0xFD

	// MetaPrefix starts the keys holding trie bookkeeping records.
	MetaPrefix byte = 0xFE
	// NormPrefix starts the keys holding normalization table slots.
	NormPrefix byte = 0xFF
)

const (
	terminator byte = 0x00
	escape     byte = 0x01
)

// ErrTooDeep is returned when a sequence is longer than MaxDepth.
var ErrTooDeep = errors.New("token sequence exceeds maximum depth")

// ErrMalformed is returned by Decode for keys that were not produced
// by Encode.
var ErrMalformed = errors.New("malformed node key")

var (
	cleanKey   = []byte{MetaPrefix, 'c', 'l', 'e', 'a', 'n'}
	summaryKey = []byte{MetaPrefix, 's', 'u', 'm', 'm', 'a', 'r', 'y'}
)

// Encode returns the key of the node addressed by tokens. The root
// (no tokens) is the single byte 0x00.
func Encode(tokens []string) ([]byte, error) {
	if len(tokens) > MaxDepth {
		return nil, errors.Wrapf(ErrTooDeep, "depth %d", len(tokens))
	}
	return appendBody([]byte{byte(len(tokens))}, tokens), nil
}

// ChildRange returns the half-open range [start, end) that holds
// exactly the immediate children of the node addressed by tokens.
func ChildRange(tokens []string) ([]byte, []byte, error) {
	if len(tokens) >= MaxDepth {
		return nil, nil, errors.Wrapf(ErrTooDeep, "depth %d has no children", len(tokens))
	}
	start := appendBody([]byte{byte(len(tokens) + 1)}, tokens)
	return start, Successor(start), nil
}

// Decode is the inverse of Encode.
func Decode(key []byte) ([]string, error) {
	if len(key) == 0 || key[0] > MaxDepth {
		return nil, ErrMalformed
	}
	depth := int(key[0])
	tokens := make([]string, 0, depth)
	var buf bytes.Buffer
	body := key[1:]
	for i := 0; i < len(body); i++ {
		switch c := body[i]; c {
		case terminator:
			tokens = append(tokens, buf.String())
			buf.Reset()
		case escape:
			i++
			if i >= len(body) {
				return nil, ErrMalformed
			}
			switch body[i] {
			case 0x01:
				buf.WriteByte(terminator)
			case 0x02:
				buf.WriteByte(escape)
			default:
				return nil, ErrMalformed
			}
		default:
			buf.WriteByte(c)
		}
	}
	if buf.Len() > 0 || len(tokens) != depth {
		return nil, ErrMalformed
	}
	return tokens, nil
}

// Last returns the final token of a node key without decoding the
// whole sequence.
func Last(key []byte) (string, error) {
	tokens, err := Decode(key)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", nil
	}
	return tokens[len(tokens)-1], nil
}

// NormKey returns the key of a normalization table slot.
func NormKey(slot int) []byte {
	key := make([]byte, 3)
	key[0] = NormPrefix
	binary.BigEndian.PutUint16(key[1:], uint16(slot))
	return key
}

// NormSlot extracts the slot index from a key built by NormKey.
func NormSlot(key []byte) (int, error) {
	if len(key) != 3 || key[0] != NormPrefix {
		return 0, ErrMalformed
	}
	return int(binary.BigEndian.Uint16(key[1:])), nil
}

// NormRange covers every normalization table slot.
func NormRange() ([]byte, []byte) {
	return []byte{NormPrefix}, nil
}

// CleanKey is the sentinel record whose presence marks the statistics
// as up to date.
func CleanKey() []byte {
	return append([]byte(nil), cleanKey...)
}

// SummaryKey holds the tree figures computed by the last statistics
// pass.
func SummaryKey() []byte {
	return append([]byte(nil), summaryKey...)
}

// Successor returns the smallest key greater than every key that has
// prefix as a prefix. A nil result means there is no upper bound.
func Successor(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func appendBody(dst []byte, tokens []string) []byte {
	for _, t := range tokens {
		for i := 0; i < len(t); i++ {
			switch c := t[i]; c {
			case terminator:
				dst = append(dst, escape, 0x01)
			case escape:
				dst = append(dst, escape, 0x02)
			default:
				dst = append(dst, c)
			}
		}
		dst = append(dst, terminator)
	}
	return dst
}
