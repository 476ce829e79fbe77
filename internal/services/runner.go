package services

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
)

// RunOptions controls how an external command is started.
type RunOptions struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// RunResult holds everything the command wrote.
type RunResult struct {
	Stdout []byte
	Stderr []byte
}

// Runner starts external binaries (ffmpeg, ffprobe). Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error)
}

// CmdRunner runs commands with os/exec. Cancelling ctx kills the process.
type CmdRunner struct{}

func (CmdRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	stdout := io.Writer(&stdoutBuf)
	if opts.Stdout != nil {
		stdout = io.MultiWriter(&stdoutBuf, opts.Stdout)
	}
	stderr := io.Writer(&stderrBuf)
	if opts.Stderr != nil {
		stderr = io.MultiWriter(&stderrBuf, opts.Stderr)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	return RunResult{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}, err
}

var _ Runner = CmdRunner{}
