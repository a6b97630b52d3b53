package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CommandRunner abstracts buffered command execution for testability.
// Used for short-lived calls: version probes, lock regeneration, pin attempts.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// Proc is a running build process whose combined output is consumed one line
// at a time. Callers drain Lines before calling Wait; Lines is closed when
// the process exits or is killed.
type Proc interface {
	Lines() <-chan string
	Wait() (exitCode int, err error)
}

// UnitRunner starts the external build process for one build unit and yields
// its combined output as a line stream plus a terminal exit status.
type UnitRunner interface {
	Start(ctx context.Context, dir string, command string) (Proc, error)
}

// ExecRunner implements CommandRunner and UnitRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// execProc wraps a started process and its line stream.
type execProc struct {
	lines    chan string
	done     chan struct{}
	exitCode int
	err      error
}

func (p *execProc) Lines() <-chan string { return p.lines }

func (p *execProc) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

// Start launches a build command with stdout and stderr merged into a single
// line stream. Cancelling the context kills the process; lines produced
// before the kill remain readable so partial output can still be classified.
func (e *ExecRunner) Start(ctx context.Context, dir string, command string) (Proc, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	p := &execProc{
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}

	go func() {
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
		close(p.lines)
	}()

	go func() {
		err := cmd.Wait()
		pw.Close() // ends the scanner, which closes the line channel

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.exitCode = -1
				p.err = fmt.Errorf("wait %q: %w", command, err)
			}
		}
		// Surface cancellation distinctly — the caller decides whether this
		// counts as an interrupt rather than a build failure.
		if ctx.Err() != nil {
			p.err = ctx.Err()
		}
		close(p.done)
	}()

	return p, nil
}
