package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/lexstat/ngtrie/internal/util"
	"github.com/lexstat/ngtrie/keycodec"
)

// CaseMode specifies how input text is case folded before it is split
// into tokens.
type CaseMode string

const (
	CasePreserve CaseMode = "preserve"
	CaseLower    CaseMode = "lower"
)

func (c *CaseMode) unmarshal(s string) error {
	switch s {
	case "", "preserve":
		*c = CasePreserve
	case "lower":
		*c = CaseLower
	default:
		return fmt.Errorf("invalid Case value %q: must be %q or %q", s, CasePreserve, CaseLower)
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler (used by JSON/YAML decoders).
func (c *CaseMode) UnmarshalText(b []byte) error {
	return c.unmarshal(string(b))
}

// UnmarshalFlag implements go-flags Unmarshaler (used by CLI flag parsing).
func (c *CaseMode) UnmarshalFlag(s string) error {
	return c.unmarshal(s)
}

// Config holds all the data that can be configured in the
// external configuration file
type Config struct {
	// Path is the directory holding the store. An empty path keeps
	// the trie in memory only.
	Path string `json:"Path" yaml:"Path"`

	// Sync makes every write wait until the log reaches stable storage.
	Sync bool `json:"Sync" yaml:"Sync"`

	BTreeDegree int `json:"BTreeDegree" yaml:"BTreeDegree"`

	// StatsFlushSize is the number of node records the statistics pass
	// stages before writing them out.
	StatsFlushSize int `json:"StatsFlushSize" yaml:"StatsFlushSize"`

	// NgramOrder is the longest n-gram generated per input position.
	NgramOrder int      `json:"NgramOrder" yaml:"NgramOrder"`
	Case       CaseMode `json:"Case" yaml:"Case"`
}

const (
	DefaultBTreeDegree    = 32
	DefaultStatsFlushSize = 4096
	DefaultNgramOrder     = 5

	// StoreFilename is the name of the log file inside Path.
	StoreFilename = "ngtrie.log"
)

var homedirFunc = util.Homedir

// Init initializes the Config with default values
func (c *Config) Init() error {
	c.BTreeDegree = DefaultBTreeDegree
	c.StatsFlushSize = DefaultStatsFlushSize
	c.NgramOrder = DefaultNgramOrder
	c.Case = CasePreserve
	return nil
}

// StorePath returns the location of the store log, or an empty string
// for an in-memory trie.
func (c *Config) StorePath() string {
	if c.Path == "" {
		return ""
	}
	return filepath.Join(c.Path, StoreFilename)
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	if c.BTreeDegree < 2 {
		return fmt.Errorf("invalid BTreeDegree %d: must be at least 2", c.BTreeDegree)
	}
	if c.StatsFlushSize < 1 {
		return fmt.Errorf("invalid StatsFlushSize %d: must be positive", c.StatsFlushSize)
	}
	if c.NgramOrder < 1 || c.NgramOrder > keycodec.MaxDepth {
		return fmt.Errorf("invalid NgramOrder %d: must be between 1 and %d", c.NgramOrder, keycodec.MaxDepth)
	}
	return nil
}

// ReadFilename reads the config from the given file, and
// does the appropriate processing, if any
func (c *Config) ReadFilename(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer f.Close()

	switch ext := filepath.Ext(filename); ext {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(c)
		if err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
	default:
		err = json.NewDecoder(f).Decode(c)
		if err != nil {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
	}

	if c.Path != "" && !filepath.IsAbs(c.Path) {
		c.Path = filepath.Join(filepath.Dir(filename), c.Path)
	}

	return c.Validate()
}

// Locator locates a config file in a given directory.
type Locator interface {
	Locate(string) (string, error)
}

// LocatorFunc is a function that implements Locator.
type LocatorFunc func(string) (string, error)

// Locate calls the underlying function.
func (f LocatorFunc) Locate(dir string) (string, error) {
	return f(dir)
}

var configFilenames = []string{"config.json", "config.yaml", "config.yml"}

// DefaultConfigLocator searches for a config file with one of the known
// filenames (config.json, config.yaml, config.yml) in the given directory.
var DefaultConfigLocator = LocatorFunc(func(dir string) (string, error) {
	for _, basename := range configFilenames {
		file := filepath.Join(dir, basename)
		if _, err := os.Stat(file); err == nil {
			return file, nil
		}
	}
	return "", fmt.Errorf("config file not found in %s", dir)
})

// LocateRcfile attempts to find the config file in various locations
func LocateRcfile(locater Locator) (string, error) {
	// http://standards.freedesktop.org/basedir-spec/basedir-spec-latest.html
	//
	// Try in this order:
	//	  $XDG_CONFIG_HOME/ngtrie/config.{json,yaml,yml}
	//    $XDG_CONFIG_DIR/ngtrie/config.{json,yaml,yml} (where XDG_CONFIG_DIR is listed in $XDG_CONFIG_DIRS)
	//	  ~/.ngtrie/config.{json,yaml,yml}

	home, uErr := homedirFunc()

	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		if file, err := locater.Locate(filepath.Join(dir, "ngtrie")); err == nil {
			return file, nil
		}
	} else if uErr == nil { // silently ignore failure for homedir()
		if file, err := locater.Locate(filepath.Join(home, ".config", "ngtrie")); err == nil {
			return file, nil
		}
	}

	if dirs := os.Getenv("XDG_CONFIG_DIRS"); dirs != "" {
		for dir := range strings.SplitSeq(dirs, fmt.Sprintf("%c", filepath.ListSeparator)) {
			if file, err := locater.Locate(filepath.Join(dir, "ngtrie")); err == nil {
				return file, nil
			}
		}
	}

	if uErr == nil { // silently ignore failure for homedir()
		if file, err := locater.Locate(filepath.Join(home, ".ngtrie")); err == nil {
			return file, nil
		}
	}

	return "", errors.New("config file not found")
}
