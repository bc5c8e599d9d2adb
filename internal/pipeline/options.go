package pipeline

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// ErrUnknownOption is returned for option or target names nobody maps.
var ErrUnknownOption = errors.New("unknown build option")

// Option is the user-facing name of one build option
type Option string

const (
	OptionUncompressed     Option = "uncompressed"
	OptionChunkCompression Option = "chunk-compression"
	OptionDeterministic    Option = "deterministic"
	OptionForceRebuild     Option = "force-rebuild"
	OptionAppendHash       Option = "append-hash"
	OptionStrict           Option = "strict"
	OptionDryRun           Option = "dry-run"
)

// Options is the set of user-facing options, one bit per Option in
// declaration order. It is never handed to a pipeline directly; use Flags.
type Options uint16

// Flags is the pipeline's native option bitmask.
type Flags uint32

// Native pipeline flags. Values match the host engine's bundle options so an
// external pipeline can consume them unchanged.
const (
	FlagNone             Flags = 0
	FlagUncompressed     Flags = 1 << 0
	FlagDeterministic    Flags = 1 << 4
	FlagForceRebuild     Flags = 1 << 5
	FlagAppendHash       Flags = 1 << 7
	FlagChunkCompression Flags = 1 << 8
	FlagStrict           Flags = 1 << 9
	FlagDryRun           Flags = 1 << 10
)

// optionTable is the single source of truth for option ordinals and their
// native flag. Order defines the Options bit positions.
var optionTable = []struct {
	option Option
	flag   Flags
}{
	{OptionUncompressed, FlagUncompressed},
	{OptionChunkCompression, FlagChunkCompression},
	{OptionDeterministic, FlagDeterministic},
	{OptionForceRebuild, FlagForceRebuild},
	{OptionAppendHash, FlagAppendHash},
	{OptionStrict, FlagStrict},
	{OptionDryRun, FlagDryRun},
}

func init() {
	if err := validateOptionTable(); err != nil {
		panic(err)
	}
}

// validateOptionTable checks that every option maps to exactly one distinct
// single-bit native flag.
func validateOptionTable() error {
	if len(optionTable) > 16 {
		return fmt.Errorf("option table has %d entries, Options holds 16", len(optionTable))
	}
	seenOption := make(map[Option]bool, len(optionTable))
	var seenFlags Flags
	for _, entry := range optionTable {
		if seenOption[entry.option] {
			return fmt.Errorf("option %q mapped twice", entry.option)
		}
		seenOption[entry.option] = true
		if bits.OnesCount32(uint32(entry.flag)) != 1 {
			return fmt.Errorf("option %q must map to a single flag bit, got %#x", entry.option, entry.flag)
		}
		if seenFlags&entry.flag != 0 {
			return fmt.Errorf("flag %#x mapped by more than one option", entry.flag)
		}
		seenFlags |= entry.flag
	}
	return nil
}

// ParseOptions converts option names into an Options set. Names are
// case-insensitive; duplicates are ignored.
func ParseOptions(names []string) (Options, error) {
	var opts Options
	for _, raw := range names {
		name := Option(strings.ToLower(strings.TrimSpace(raw)))
		if name == "" {
			continue
		}
		bit, ok := optionBit(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q (known: %s)", ErrUnknownOption, raw, strings.Join(KnownOptions(), ", "))
		}
		opts |= bit
	}
	if opts.Has(OptionUncompressed) && opts.Has(OptionChunkCompression) {
		return 0, fmt.Errorf("options %q and %q are mutually exclusive", OptionUncompressed, OptionChunkCompression)
	}
	return opts, nil
}

func optionBit(name Option) (Options, bool) {
	for i, entry := range optionTable {
		if entry.option == name {
			return Options(1) << i, true
		}
	}
	return 0, false
}

// Has reports whether the option is set
func (o Options) Has(name Option) bool {
	bit, ok := optionBit(name)
	return ok && o&bit != 0
}

// Flags maps the user-facing set to the pipeline's native flags.
func (o Options) Flags() Flags {
	flags := FlagNone
	for i, entry := range optionTable {
		if o&(Options(1)<<i) != 0 {
			flags |= entry.flag
		}
	}
	return flags
}

// Names returns the set option names in table order.
func (o Options) Names() []string {
	var names []string
	for i, entry := range optionTable {
		if o&(Options(1)<<i) != 0 {
			names = append(names, string(entry.option))
		}
	}
	return names
}

func (o Options) String() string {
	names := o.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Has reports whether all bits of f are set
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// KnownOptions lists every option name, sorted.
func KnownOptions() []string {
	names := make([]string, 0, len(optionTable))
	for _, entry := range optionTable {
		names = append(names, string(entry.option))
	}
	sort.Strings(names)
	return names
}
