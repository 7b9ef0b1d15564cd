// Package cli implements the ngtrie command: it feeds text into a
// persistent n-gram trie and prints the statistics derived from it.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	pdebug "github.com/lestrrat-go/pdebug"
	"github.com/lexstat/ngtrie"
	"github.com/lexstat/ngtrie/config"
	"github.com/lexstat/ngtrie/corpus"
	"github.com/pkg/errors"
)

const version = "v0.1.0"

// ErrNoStore is returned when neither the settings file nor the flags
// name a store directory.
var ErrNoStore = errors.New("no store directory: use --db or set Path in the settings file")

type exitError struct {
	status int
	err    error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// ExitStatus is the status the process exits with.
func (e *exitError) ExitStatus() int {
	return e.status
}

func usageError(err error) error {
	return &exitError{status: 2, err: err}
}

type command struct {
	args        string
	description string
	run         func(ctx context.Context, c *CLI, t *ngtrie.Trie, args []string) error
}

var commands = map[string]command{
	"add": {
		args:        "[FILE...]",
		description: "add the n-grams of every line of FILE (default: stdin)",
		run:         runAdd,
	},
	"count": {
		args:        "TOKEN...",
		description: "print how many times the sequence was seen",
		run:         runCount,
	},
	"entropy": {
		args:        "TOKEN...",
		description: "print the branching entropy of the sequence",
		run:         runScalar((*ngtrie.Trie).QueryEntropy),
	},
	"ev": {
		args:        "TOKEN...",
		description: "print the branching entropy variation of the sequence",
		run:         runScalar((*ngtrie.Trie).QueryEV),
	},
	"autonomy": {
		args:        "TOKEN...",
		description: "print the normalized entropy variation of the sequence",
		run:         runScalar((*ngtrie.Trie).QueryAutonomy),
	},
	"query": {
		args:        "TOKEN...",
		description: "print every statistic for each prefix of the sequence",
		run:         runQuery,
	},
	"stats": {
		description: "print tree figures and the normalization table",
		run:         runStats,
	},
	"update": {
		description: "recompute the statistics if the counts changed",
		run:         runUpdate,
	},
	"clear": {
		description: "remove everything from the store",
		run:         runClear,
	},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CLI is one invocation of the ngtrie command.
type CLI struct {
	Argv   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// locator finds the settings file when --rcfile is not given.
	locator config.Locator
	options CLIOptions
	config  config.Config
}

// New creates a CLI bound to the process arguments and standard
// streams.
func New() *CLI {
	return &CLI{
		Argv:    os.Args[1:],
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		locator: config.DefaultConfigLocator,
	}
}

// Run parses the arguments, opens the trie and executes the command.
// The returned error carries an exit status usable with
// util.GetExitStatus.
func (c *CLI) Run(ctx context.Context) (err error) {
	if pdebug.Enabled {
		g := pdebug.Marker("CLI.Run %v", c.Argv)
		defer g.End()
	}

	args, err := c.options.parse(c.Argv)
	if err != nil {
		c.Stderr.Write(c.options.help())
		return err
	}
	if c.options.OptHelp {
		c.Stdout.Write(c.options.help())
		return nil
	}
	if c.options.OptVersion {
		fmt.Fprintf(c.Stdout, "ngtrie: %s\n", version)
		return nil
	}
	if len(args) == 0 {
		c.Stderr.Write(c.options.help())
		return usageError(errors.New("no command given"))
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return usageError(errors.Errorf("unknown command %q", args[0]))
	}
	if cmd.args == "TOKEN..." && len(args) < 2 {
		return usageError(errors.Errorf("%s needs at least one token", args[0]))
	}

	if err := c.readConfig(); err != nil {
		return err
	}

	t, err := ngtrie.Open(&c.config)
	if err != nil {
		return errors.Wrap(err, "failed to open trie")
	}
	defer func() {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close trie")
		}
	}()

	return cmd.run(ctx, c, t, args[1:])
}

func (c *CLI) readConfig() error {
	if err := c.config.Init(); err != nil {
		return errors.Wrap(err, "failed to initialize config")
	}

	rcfile := c.options.OptRcfile
	if rcfile == "" && c.locator != nil {
		if file, err := config.LocateRcfile(c.locator); err == nil {
			rcfile = file
		}
	}
	if rcfile != "" {
		if err := c.config.ReadFilename(rcfile); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", rcfile)
		}
	}

	if err := c.options.apply(&c.config); err != nil {
		return usageError(errors.Wrap(err, "invalid command line arguments"))
	}
	if c.config.Path == "" {
		return usageError(ErrNoStore)
	}
	return nil
}

// tokens folds the command line arguments the same way input lines are
// folded by add.
func (c *CLI) tokens(args []string) []string {
	return corpus.Tokenize(strings.Join(args, " "), c.config.Case)
}

func runAdd(ctx context.Context, c *CLI, t *ngtrie.Trie, args []string) error {
	opts := corpus.Options{
		Order:       c.config.NgramOrder,
		Case:        c.config.Case,
		MaxLineSize: c.options.OptMaxLineSize,
	}

	var total corpus.Result
	load := func(name string, in io.Reader) error {
		res, err := corpus.Load(ctx, in, t, opts)
		total.Lines += res.Lines
		total.Tokens += res.Tokens
		total.Ngrams += res.Ngrams
		if err != nil {
			return errors.Wrapf(err, "failed to load %s", name)
		}
		return nil
	}

	if len(args) == 0 {
		if err := load("stdin", c.Stdin); err != nil {
			return err
		}
	}
	for _, name := range args {
		f, err := os.Open(name)
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", name)
		}
		err = load(name, f)
		f.Close()
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(c.Stdout, "added %d n-grams (%d lines, %d tokens)\n", total.Ngrams, total.Lines, total.Tokens)
	return nil
}

func runCount(_ context.Context, c *CLI, t *ngtrie.Trie, args []string) error {
	n, err := t.QueryCount(c.tokens(args))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout, n)
	return nil
}

func runScalar(query func(*ngtrie.Trie, []string) (float64, error)) func(context.Context, *CLI, *ngtrie.Trie, []string) error {
	return func(_ context.Context, c *CLI, t *ngtrie.Trie, args []string) error {
		v, err := query(t, c.tokens(args))
		if err != nil {
			return err
		}
		fmt.Fprintln(c.Stdout, formatFloat(v))
		return nil
	}
}

func runQuery(_ context.Context, c *CLI, t *ngtrie.Trie, args []string) error {
	tokens := c.tokens(args)
	tbl := newTable("SEQUENCE", "COUNT", "ENTROPY", "EV", "AUTONOMY")
	for i := 1; i <= len(tokens); i++ {
		prefix := tokens[:i]
		n, err := t.QueryCount(prefix)
		if err != nil {
			return err
		}
		e, err := t.QueryEntropy(prefix)
		if err != nil {
			return err
		}
		ev, err := t.QueryEV(prefix)
		if err != nil {
			return err
		}
		a, err := t.QueryAutonomy(prefix)
		if err != nil {
			return err
		}
		tbl.append(strings.Join(prefix, " "), strconv.FormatUint(n, 10), formatFloat(e), formatFloat(ev), formatFloat(a))
	}
	return tbl.write(c.Stdout)
}

func runStats(_ context.Context, c *CLI, t *ngtrie.Trie, _ []string) error {
	st, err := t.Stats()
	if err != nil {
		return err
	}
	entries, err := t.Normalization()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.Stdout, "nodes:     %d\n", st.Nodes)
	fmt.Fprintf(c.Stdout, "alphabet:  %d\n", st.Alphabet)
	fmt.Fprintf(c.Stdout, "max depth: %d\n\n", st.MaxDepth)

	tbl := newTable("DEPTH", "MEAN", "STDEV", "COUNT")
	for _, e := range entries {
		tbl.append(strconv.Itoa(e.Depth), formatFloat(e.Mean), formatFloat(e.Stdev), strconv.FormatUint(e.Count, 10))
	}
	return tbl.write(c.Stdout)
}

func runUpdate(_ context.Context, c *CLI, t *ngtrie.Trie, _ []string) error {
	if !t.Dirty() {
		fmt.Fprintln(c.Stdout, "statistics are up to date")
		return nil
	}
	if err := t.Update(); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout, "statistics updated")
	return nil
}

func runClear(_ context.Context, c *CLI, t *ngtrie.Trie, _ []string) error {
	if err := t.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout, "store cleared")
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
