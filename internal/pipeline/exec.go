package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ExecPipeline hands the build to an external command. The request is
// written to stdin as JSON and the command must print a JSON result to
// stdout.
type ExecPipeline struct {
	argv   []string
	logger *slog.Logger
}

// execRequest is the wire form of Request
type execRequest struct {
	OutputDir string        `json:"output_dir"`
	Target    Target        `json:"target"`
	Flags     Flags         `json:"flags"`
	Bundles   []BuiltBundle `json:"bundles"`
}

// execResult is the wire form of Result
type execResult struct {
	Bundles []BuiltBundle `json:"bundles"`
}

// NewExecPipeline creates a pipeline running argv
func NewExecPipeline(argv []string, logger *slog.Logger) (*ExecPipeline, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("exec pipeline requires a command")
	}
	return &ExecPipeline{argv: argv, logger: logger}, nil
}

// Build runs the external command once for the whole request
func (p *ExecPipeline) Build(ctx context.Context, req Request) (*Result, error) {
	wire := execRequest{
		OutputDir: req.OutputDir,
		Target:    req.Target,
		Flags:     req.Flags,
		Bundles:   make([]BuiltBundle, 0, len(req.Bundles)),
	}
	for _, def := range req.Bundles {
		wire.Bundles = append(wire.Bundles, BuiltBundle{
			Name:             def.Name,
			Variant:          def.Variant,
			AssetNames:       def.SourcePaths(),
			AddressableNames: def.AddressablePaths(),
		})
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline request: %w", err)
	}

	p.logger.Info("running external pipeline", "command", p.argv[0], "bundles", len(wire.Bundles))

	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pipeline command %s failed: %w: %s", p.argv[0], err, strings.TrimSpace(stderr.String()))
	}

	var res execResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline output: %w", err)
	}
	for _, b := range res.Bundles {
		if len(b.AssetNames) != len(b.AddressableNames) {
			return nil, fmt.Errorf("pipeline returned %d asset names but %d addressable names for bundle %q",
				len(b.AssetNames), len(b.AddressableNames), b.Name)
		}
	}

	return &Result{Bundles: res.Bundles}, nil
}
