package processor

import (
	"context"
	"fmt"
)

// Artifact is the output file a processor produced for one category.
type Artifact struct {
	// Name is the filename the artifact should carry in result bundles.
	Name string
	// Path is its location on disk, inside the caller's working directory.
	Path string
	Size int64
}

// Error is a structured processing failure. It is attached to the batch
// report verbatim, so the message must be safe to show to callers.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Options carries per-invocation parameters into a processor.
type Options struct {
	// WorkDir is a scratch directory owned by the caller; artifacts are
	// written under it and cleaned up with it.
	WorkDir string
	// Params are operation parameters from the request (dimensions, etc.).
	Params map[string]string
}

// Processor turns a set of input files of one category into a result
// artifact. Implementations never mutate their inputs; failures come back
// as a *Error when they are safe to report, any other error is internal.
type Processor interface {
	Name() string
	Process(ctx context.Context, files []string, opts Options) (*Artifact, error)
}
