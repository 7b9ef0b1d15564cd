// Package corpus turns text into the token sequences fed to a trie.
// Every input line is one sentence; tokens are separated by white
// space. Each position of a sentence starts one n-gram of at most the
// configured order.
package corpus

import (
	"bufio"
	"context"
	"io"
	"strings"

	pdebug "github.com/lestrrat-go/pdebug"
	"github.com/lexstat/ngtrie/config"
	"github.com/lexstat/ngtrie/internal/util"
	"github.com/pkg/errors"
)

// DefaultMaxLineSize is the longest line, in kilobytes, that Load
// accepts unless told otherwise.
const DefaultMaxLineSize = 1024

// Adder receives n-grams. *ngtrie.Trie satisfies it.
type Adder interface {
	AddNgram(tokens []string, freq int) error
}

// Options controls how text is split into n-grams.
type Options struct {
	Order       int
	Case        config.CaseMode
	MaxLineSize int
}

// Result summarizes a Load.
type Result struct {
	Lines  int
	Tokens int
	Ngrams int
}

// Tokenize splits line into tokens, dropping terminal escape
// sequences and folding case as requested.
func Tokenize(line string, c config.CaseMode) []string {
	line = util.StripANSISequence(line)
	if c == config.CaseLower {
		line = strings.ToLower(line)
	}
	return strings.Fields(line)
}

// Windows returns, for every position of tokens, the sequence of at
// most order tokens starting there. The windows share the backing
// array of tokens.
func Windows(tokens []string, order int) [][]string {
	if order < 1 {
		return nil
	}
	list := make([][]string, 0, len(tokens))
	for i := range tokens {
		end := min(i+order, len(tokens))
		list = append(list, tokens[i:end:end])
	}
	return list
}

// Load reads in line by line and adds every window to dst. It stops
// at the first error, or when ctx is canceled.
func Load(ctx context.Context, in io.Reader, dst Adder, opts Options) (Result, error) {
	var res Result
	if opts.Order < 1 {
		return res, errors.Errorf("invalid n-gram order %d", opts.Order)
	}
	maxLineSize := opts.MaxLineSize
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	if pdebug.Enabled {
		g := pdebug.Marker("corpus.Load (order %d)", opts.Order)
		defer g.End()
		defer func() { pdebug.Printf("corpus.Load read %d lines, %d n-grams", res.Lines, res.Ngrams) }()
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		res.Lines++
		tokens := Tokenize(scanner.Text(), opts.Case)
		res.Tokens += len(tokens)
		for _, w := range Windows(tokens, opts.Order) {
			if err := dst.AddNgram(w, 1); err != nil {
				return res, errors.Wrapf(err, "line %d", res.Lines)
			}
			res.Ngrams++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, errors.Wrap(err, "failed to read input")
	}
	return res, nil
}
