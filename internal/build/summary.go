package build

import (
	"fmt"
	"sync"

	"github.com/schaermu/simplebundler/internal/bundle"
	"github.com/schaermu/simplebundler/internal/pipeline"
)

// Summary describes one built bundle as a list of entry pairs
type Summary struct {
	Name    string `json:"name"`
	Variant string `json:"variant,omitempty"`
	Archive string `json:"archive,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Pairs   []Pair `json:"pairs"`
}

// Pair maps a source file to its name inside the built bundle
type Pair struct {
	LocalPath       string `json:"local_path"`
	AddressablePath string `json:"addressable_path"`
}

// Summarize converts a pipeline result into summaries, pairing each realized
// addressable name with the asset name at the same index.
func Summarize(res *pipeline.Result) ([]Summary, error) {
	if res == nil {
		return nil, nil
	}

	out := make([]Summary, 0, len(res.Bundles))
	for _, b := range res.Bundles {
		if len(b.AddressableNames) != len(b.AssetNames) {
			return nil, fmt.Errorf("bundle %s: %d addressable names for %d assets",
				b.Name, len(b.AddressableNames), len(b.AssetNames))
		}

		s := Summary{
			Name:    b.Name,
			Variant: b.Variant,
			Archive: b.Archive,
			Skipped: b.Skipped,
			Pairs:   make([]Pair, len(b.AddressableNames)),
		}
		for i, name := range b.AddressableNames {
			s.Pairs[i] = Pair{LocalPath: b.AssetNames[i], AddressablePath: name}
		}
		out = append(out, s)
	}
	return out, nil
}

// Preview builds summaries straight from definitions, for plans that never
// reach a pipeline.
func Preview(defs []bundle.Definition) []Summary {
	out := make([]Summary, 0, len(defs))
	for _, def := range defs {
		s := Summary{Name: def.Name, Variant: def.Variant, Pairs: make([]Pair, len(def.Members))}
		for i, m := range def.Members {
			s.Pairs[i] = Pair{LocalPath: m.SourcePath, AddressablePath: m.AddressablePath}
		}
		out = append(out, s)
	}
	return out
}

// Cache holds the summaries of the last successful build
type Cache struct {
	mu        sync.RWMutex
	summaries []Summary
	built     bool
}

// Store replaces the cached summaries
func (c *Cache) Store(summaries []Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = summaries
	c.built = true
}

// Load returns the cached summaries and whether any build has completed.
func (c *Cache) Load() ([]Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summaries, c.built
}
