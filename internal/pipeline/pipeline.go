// Package pipeline defines the packaging pipeline contract and its
// implementations.
//
// A pipeline receives the bundle definitions of one build and turns them
// into archives in an output directory. It reports back, per bundle, the
// addressable names it realized and the source files they came from.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/schaermu/simplebundler/internal/bundle"
)

// Target is a platform identifier handed to the pipeline
type Target string

const (
	TargetStandalone Target = "standalone"
	TargetLinux      Target = "linux"
	TargetWindows    Target = "windows"
	TargetMacOS      Target = "macos"
	TargetAndroid    Target = "android"
	TargetIOS        Target = "ios"
	TargetWebGL      Target = "webgl"
)

var knownTargets = []Target{
	TargetStandalone,
	TargetLinux,
	TargetWindows,
	TargetMacOS,
	TargetAndroid,
	TargetIOS,
	TargetWebGL,
}

// ParseTarget validates a target name (case-insensitive)
func ParseTarget(name string) (Target, error) {
	t := Target(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range knownTargets {
		if t == known {
			return t, nil
		}
	}
	names := make([]string, len(knownTargets))
	for i, known := range knownTargets {
		names[i] = string(known)
	}
	return "", fmt.Errorf("%w: target %q (known: %s)", ErrUnknownOption, name, strings.Join(names, ", "))
}

// Pipeline packages bundle definitions into archives
type Pipeline interface {
	// Build packages every bundle of req. A failure fails the whole call.
	Build(ctx context.Context, req Request) (*Result, error)
}

// Request is one packaging call
type Request struct {
	OutputDir string
	Bundles   []bundle.Definition
	Flags     Flags
	Target    Target
}

// Result echoes what the pipeline built
type Result struct {
	Bundles []BuiltBundle
}

// BuiltBundle is the realized form of one definition
type BuiltBundle struct {
	Name             string   `json:"name" yaml:"name"`
	Variant          string   `json:"variant,omitempty" yaml:"variant,omitempty"`
	AssetNames       []string `json:"asset_names" yaml:"asset_names"`
	AddressableNames []string `json:"addressable_names" yaml:"addressable_names"`
	Archive          string   `json:"archive,omitempty" yaml:"archive,omitempty"`
	Hash             string   `json:"hash,omitempty" yaml:"hash,omitempty"`
	Skipped          bool     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}
