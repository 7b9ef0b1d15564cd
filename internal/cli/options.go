package cli

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/jessevdk/go-flags"
	"github.com/lexstat/ngtrie/config"
	"github.com/pkg/errors"
)

// CLIOptions holds the command line flags. Flags given here override
// the values read from the settings file.
type CLIOptions struct {
	OptHelp        bool   `short:"h" long:"help" description:"show this help message and exit"`
	OptVersion     bool   `long:"version" description:"print the version and exit"`
	OptRcfile      string `long:"rcfile" description:"path to the settings file"`
	OptDB          string `long:"db" description:"directory holding the store"`
	OptSync        bool   `long:"sync" description:"wait for every write to reach the disk"`
	OptOrder       int    `short:"n" long:"order" description:"longest n-gram generated per input position"`
	OptCase        string `long:"case" description:"case folding of input text, 'preserve' or 'lower'"`
	OptMaxLineSize int    `long:"max-line-size" description:"longest accepted input line, in kilobytes"`
}

func (options *CLIOptions) parse(s []string) ([]string, error) {
	p := flags.NewParser(options, flags.PrintErrors)
	args, err := p.ParseArgs(s)
	if err != nil {
		return nil, usageError(errors.Wrap(err, "invalid command line options"))
	}

	if err := options.Validate(); err != nil {
		return nil, usageError(errors.Wrap(err, "invalid command line arguments"))
	}

	return args, nil
}

func (options CLIOptions) Validate() error {
	if options.OptOrder < 0 {
		return errors.Errorf("invalid order %d", options.OptOrder)
	}
	if options.OptMaxLineSize < 0 {
		return errors.Errorf("invalid max line size %d", options.OptMaxLineSize)
	}
	if options.OptCase != "" {
		var c config.CaseMode
		if err := c.UnmarshalFlag(options.OptCase); err != nil {
			return err
		}
	}
	return nil
}

// apply copies the flags that were given onto cfg.
func (options CLIOptions) apply(cfg *config.Config) error {
	if options.OptDB != "" {
		cfg.Path = options.OptDB
	}
	if options.OptSync {
		cfg.Sync = true
	}
	if options.OptOrder > 0 {
		cfg.NgramOrder = options.OptOrder
	}
	if options.OptCase != "" {
		if err := cfg.Case.UnmarshalFlag(options.OptCase); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func (options CLIOptions) help() []byte {
	buf := bytes.Buffer{}

	fmt.Fprintf(&buf, `
Usage: ngtrie [options] COMMAND [ARGS...]

Commands:
`)
	for _, name := range commandNames() {
		cmd := commands[name]
		fmt.Fprintf(&buf, "  %-21s %s\n", name+" "+cmd.args, cmd.description)
	}

	fmt.Fprintf(&buf, `
Options:
`)

	t := reflect.TypeOf(options)
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag

		var o string
		if s := tag.Get("short"); s != "" {
			o = fmt.Sprintf("-%s, --%s", tag.Get("short"), tag.Get("long"))
		} else {
			o = fmt.Sprintf("--%s", tag.Get("long"))
		}

		fmt.Fprintf(
			&buf,
			"  %-21s %s\n",
			o,
			tag.Get("description"),
		)
	}

	return buf.Bytes()
}
