package services

import (
	"context"
	"sync"
)

// fakeRunner records calls and answers with a canned result. If onRun is set
// it runs first, e.g. to write an output file the way ffmpeg would.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	result RunResult
	err    error
	onRun  func(command string, args []string) (RunResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{command}, args...))
	f.mu.Unlock()

	if f.onRun != nil {
		return f.onRun(command, args)
	}
	return f.result, f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
