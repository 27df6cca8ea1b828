// Package config holds the options shared by the commands. Options are
// merged from defaults, a YAML file and INSIGHT_* environment variables;
// the commands apply their flags last.
package config

import (
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"github.com/allewwaly/insight-vmi-sub004/asteval"
	"github.com/allewwaly/insight-vmi-sub004/logging"
	"github.com/allewwaly/insight-vmi-sub004/memmap"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "INSIGHT_"

// Quirks adjust rules that depend on kernel coding conventions.
type Quirks struct {
	// SkipFuncPtrStar makes the evaluator ignore stars between the
	// parentheses of a function pointer declarator.
	SkipFuncPtrStar bool `yaml:"skip_funcptr_star"`
	// ListHeadOffsetAliases maps a list_head member to the member whose
	// offset the entries of its list use.
	ListHeadOffsetAliases map[string]string `yaml:"list_head_offset_aliases"`
}

// Options configure symbol loading, source evaluation and map building.
type Options struct {
	// MemSpecsFile is an INI file of memory specifications. If empty, the
	// defaults of Arch are used.
	MemSpecsFile string `yaml:"memspecs"`
	Arch         string `yaml:"arch"`

	// Symbols is a YAML symbol feed or an ELF file with DWARF info.
	Symbols string `yaml:"symbols"`
	// SymbolCache, if set, is read instead of Symbols when it exists and
	// written after the sources were evaluated.
	SymbolCache string   `yaml:"symbol_cache"`
	Sources     []string `yaml:"sources"`

	// Image is the memory snapshot, mapped at ImageBase.
	Image     string `yaml:"image"`
	ImageBase uint64 `yaml:"image_base"`

	Workers        int     `yaml:"workers"`
	MinProbability float64 `yaml:"min_probability"`
	MaxLinkHops    int     `yaml:"max_link_hops"`
	MaxListEntries int     `yaml:"max_list_entries"`

	LogLevel string `yaml:"log_level"`
	Quirks   Quirks `yaml:"quirks"`
}

// Default returns the built-in defaults.
func Default() Options {
	aliases := make(map[string]string, len(symbols.DefaultListHeadAliases))
	for k, v := range symbols.DefaultListHeadAliases {
		aliases[k] = v
	}
	return Options{
		Arch:           vmem.ArchX86_64.String(),
		MinProbability: 0.1,
		MaxLinkHops:    asteval.MaxLinkHops,
		LogLevel:       "info",
		Quirks:         Quirks{SkipFuncPtrStar: true, ListHeadOffsetAliases: aliases},
	}
}

// Load returns the defaults, overridden by the YAML file at path if path
// is not empty, overridden by the environment.
func Load(path string) (Options, error) {
	o := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Options{}, errors.Wrap(err, "config")
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&o); err != nil {
			return Options{}, errors.Wrapf(err, "config: decoding %s", path)
		}
	}
	o.ApplyEnv()
	return o, o.Validate()
}

// ApplyEnv overrides o with the INSIGHT_* environment variables that are
// set.
func (o *Options) ApplyEnv() {
	// env caches the environment on first use
	env.Load()
	str := func(name string, dst *string) {
		if env.Has(EnvPrefix + name) {
			*dst = env.Str(EnvPrefix + name)
		}
	}
	str("MEMSPECS", &o.MemSpecsFile)
	str("ARCH", &o.Arch)
	str("SYMBOLS", &o.Symbols)
	str("SYMBOL_CACHE", &o.SymbolCache)
	str("IMAGE", &o.Image)
	str("LOG_LEVEL", &o.LogLevel)
	if env.Has(EnvPrefix + "SOURCES") {
		o.Sources = strings.FieldsFunc(env.Str(EnvPrefix+"SOURCES"), func(r rune) bool {
			return r == ',' || r == os.PathListSeparator
		})
	}
	o.Workers = env.Int(EnvPrefix+"WORKERS", o.Workers)
	o.MaxLinkHops = env.Int(EnvPrefix+"MAX_LINK_HOPS", o.MaxLinkHops)
	o.MaxListEntries = env.Int(EnvPrefix+"MAX_LIST_ENTRIES", o.MaxListEntries)
	o.MinProbability = env.Float64(EnvPrefix+"MIN_PROBABILITY", o.MinProbability)
	if env.Has(EnvPrefix + "SKIP_FUNCPTR_STAR") {
		o.Quirks.SkipFuncPtrStar = env.Bool(EnvPrefix + "SKIP_FUNCPTR_STAR")
	}
}

// Validate checks ranges and names.
func (o *Options) Validate() error {
	if _, err := vmem.ParseArch(o.Arch); err != nil && o.MemSpecsFile == "" {
		return errors.Wrap(err, "config")
	}
	if o.MinProbability < 0 || o.MinProbability > 1 {
		return errors.Errorf("config: min_probability %g not in [0,1]", o.MinProbability)
	}
	if o.Workers < 0 {
		return errors.Errorf("config: negative worker count %d", o.Workers)
	}
	if o.MaxLinkHops < 0 {
		return errors.Errorf("config: negative max_link_hops %d", o.MaxLinkHops)
	}
	return nil
}

// Clone returns a deep copy of o.
func (o Options) Clone() Options {
	c, err := copystructure.Copy(o)
	if err != nil {
		// Options holds only plain values, maps and slices.
		panic(errors.Wrap(err, "config: copying options"))
	}
	return c.(Options)
}

// MemSpecs loads MemSpecsFile or returns the defaults for Arch.
func (o *Options) MemSpecs() (vmem.MemSpecs, error) {
	if o.MemSpecsFile != "" {
		return vmem.LoadMemSpecs(o.MemSpecsFile)
	}
	arch, err := vmem.ParseArch(o.Arch)
	if err != nil {
		return vmem.MemSpecs{}, err
	}
	return vmem.DefaultMemSpecs(arch), nil
}

// Logger builds the logger for LogLevel.
func (o *Options) Logger() (logr.Logger, error) { return logging.NewLogger(o.LogLevel) }

// FactoryOptions returns the symbol factory options for o.
func (o *Options) FactoryOptions(log logr.Logger) []symbols.FactoryOption {
	return []symbols.FactoryOption{
		symbols.WithLogger(log),
		symbols.WithListHeadAliases(o.Quirks.ListHeadOffsetAliases),
	}
}

// EvaluatorOptions returns the source evaluator options for o.
func (o *Options) EvaluatorOptions(specs vmem.MemSpecs, log logr.Logger) []asteval.Option {
	return []asteval.Option{
		asteval.WithLogger(log),
		asteval.WithMemSpecs(specs),
		asteval.WithSkipFuncPtrStar(o.Quirks.SkipFuncPtrStar),
		asteval.WithMaxLinkHops(o.MaxLinkHops),
	}
}

// BuildOptions returns the memory map build options for o.
func (o *Options) BuildOptions() memmap.BuildOptions {
	return memmap.BuildOptions{
		Workers:        o.Workers,
		MinProbability: o.MinProbability,
		MaxListEntries: o.MaxListEntries,
	}
}
