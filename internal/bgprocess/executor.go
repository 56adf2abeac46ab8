package bgprocess

import (
	"context"

	"github.com/mux-ai/mux/internal/runtime"
)

// SpawnOptions control where and how a background script runs.
type SpawnOptions struct {
	Dir string
	Env []string
}

// Executor spawns background processes for one workspace. It is the pluggable
// seam between the manager and a concrete execution target.
type Executor interface {
	Start(ctx context.Context, script string, opts SpawnOptions) (runtime.Handle, error)
}

// RuntimeExecutor is the standard Executor: it binds a Runtime plus the
// workspace's default working directory and environment.
type RuntimeExecutor struct {
	rt      runtime.Runtime
	workDir string
	env     []string
}

// NewRuntimeExecutor creates an executor backed by rt.
func NewRuntimeExecutor(rt runtime.Runtime, workDir string, env []string) *RuntimeExecutor {
	return &RuntimeExecutor{rt: rt, workDir: workDir, env: env}
}

// Start launches the script under the workspace defaults; explicit options
// win over the defaults.
func (e *RuntimeExecutor) Start(ctx context.Context, script string, opts SpawnOptions) (runtime.Handle, error) {
	dir := opts.Dir
	if dir == "" {
		dir = e.workDir
	}
	env := append(append([]string{}, e.env...), opts.Env...)

	return e.rt.Start(ctx, script, runtime.ExecOptions{Dir: dir, Env: env})
}
