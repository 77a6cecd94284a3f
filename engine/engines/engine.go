package engines

import (
	"context"

	"github.com/tianshu-ai/tianshu/engine/task"
)

// Input describes one parse request handed to an engine. The engine owns
// OutputDir for the duration of the call and writes every artifact there.
type Input struct {
	FilePath  string
	FileName  string
	OutputDir string
	Options   task.Options
}

// Result reports where the engine left its artifacts. Markdown points at the
// primary markdown file; JSON is set when the engine produced a structured
// per-page output. Paths may be nested; the normalizer canonicalizes them.
type Result struct {
	OutputDir string
	Markdown  string
	JSON      string
}

// Engine is a single extraction backend. Implementations must be safe for
// concurrent Parse calls with distinct output directories.
type Engine interface {
	Name() string
	Supports(fileName string) bool
	Parse(ctx context.Context, in Input) (*Result, error)
}

// availability is implemented by engines whose backing tool may be absent
// from the host. Engines without it are always available.
type availability interface {
	Available() bool
}
