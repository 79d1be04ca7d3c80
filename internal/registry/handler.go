package registry

import (
	"context"
)

// Result is the structured output of one handler execution. Output is the
// extracted payload; Refs point at intermediate products keyed by stage
// name and are recorded on the owning job.
type Result struct {
	Output []byte
	Refs   map[string]string
}

// Handler transforms raw artifact bytes into structured output for one
// artifact type. Implementations are registered per (handler_id, version)
// and must be safe for concurrent use: the registry hands the same instance
// to every worker.
type Handler interface {
	Process(ctx context.Context, data []byte) (Result, error)
}

// StageProcessor is an optional extension for handlers whose work splits
// into named stages. Workers run the stages in order, feeding each stage
// the previous stage's output and recording a stage-complete transition
// after each one.
type StageProcessor interface {
	Handler
	Stages() []string
	ProcessStage(ctx context.Context, stage string, data []byte) (Result, error)
}

// Factory builds the handler instance for one registered version. Called at
// most once per (handler_id, version) per registry; the instance is cached.
type Factory func() (Handler, error)

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, data []byte) (Result, error)

func (f HandlerFunc) Process(ctx context.Context, data []byte) (Result, error) {
	return f(ctx, data)
}
