// Package nodeops provides the operations step graphs are assembled from:
// external tool invocation, file plumbing, and report fragments. The
// imaging tools themselves stay outside the pipeline; everything here
// reaches them through the Runner interface so tests can substitute fakes.
package nodeops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Command describes one external tool invocation.
type Command struct {
	// Argv is the program and its arguments.
	Argv []string

	// Dir is the working directory, created if needed.
	Dir string

	// Env holds extra environment variables appended to the host
	// environment.
	Env map[string]string

	// LogName is the basename for the captured output log. Empty uses
	// the program name.
	LogName string
}

// CommandResult reports a finished invocation.
type CommandResult struct {
	ExitCode int
	LogPath  string
	Duration time.Duration
}

// Runner invokes external tools.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}

// ExecRunner runs tools directly on the host, capturing combined output
// to a log file in the working directory.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a host command runner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With("component", "runner")}
}

// Run executes the command, waiting for completion or cancellation. A
// non-zero exit returns an error naming the log file.
func (r *ExecRunner) Run(ctx context.Context, spec Command) (*CommandResult, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	logName := spec.LogName
	if logName == "" {
		logName = filepath.Base(spec.Argv[0])
	}
	logPath := filepath.Join(spec.Dir, logName+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for name, value := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", name, value))
	}

	start := time.Now()
	r.logger.Info("running command", "argv", spec.Argv, "dir", spec.Dir)
	err = cmd.Run()
	result := &CommandResult{
		LogPath:  logPath,
		Duration: time.Since(start),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("%s exited %d (log: %s)",
				spec.Argv[0], result.ExitCode, logPath)
		}
		return result, fmt.Errorf("run %s: %w", spec.Argv[0], err)
	}

	r.logger.Debug("command finished", "argv0", spec.Argv[0], "duration", result.Duration)
	return result, nil
}
