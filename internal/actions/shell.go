package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/dispatch/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024
)

// ShellConfig configures the shell action.
type ShellConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxOutputSize  int64         `json:"max_output_size"`
	// Shell runs command strings; defaults to /bin/sh.
	Shell string `json:"shell"`
}

// ShellAction runs a command. A command string goes through the shell; with
// args the command is executed directly. A non-zero exit is a failure unless
// allow_failure is set.
type ShellAction struct {
	cfg ShellConfig
}

// NewShellAction creates the shell action.
func NewShellAction(cfg ShellConfig) *ShellAction {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &ShellAction{cfg: cfg}
}

func (a *ShellAction) Type() string { return "shell" }

func (a *ShellAction) Description() string {
	return "Run a command capturing stdout, stderr and exit code"
}

func (a *ShellAction) Validate(spec map[string]any) error {
	if strings.TrimSpace(stringParam(spec, "command", "")) == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell: missing command")
	}
	return nil
}

func (a *ShellAction) Execute(ctx context.Context, input Input) (*Output, error) {
	spec := input.Spec
	if err := a.Validate(spec); err != nil {
		return nil, err
	}
	command := stringParam(spec, "command", "")
	args := stringSliceParam(spec, "args")

	execCtx, cancel := context.WithTimeout(ctx, durationParam(spec, "timeout", a.cfg.DefaultTimeout))
	defer cancel()

	var cmd *exec.Cmd
	if len(args) > 0 {
		cmd = exec.CommandContext(execCtx, command, args...)
	} else {
		cmd = exec.CommandContext(execCtx, a.cfg.Shell, "-c", command)
	}
	cmd.WaitDelay = time.Second
	if dir := stringParam(spec, "cwd", ""); dir != "" {
		cmd.Dir = dir
	}
	if env := stringMapParam(spec, "env"); env != nil {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin := stringParam(spec, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: a.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell: %v", runErr).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	killed := errors.Is(execCtx.Err(), context.DeadlineExceeded)

	var parsed any = stdout.String()
	if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
		var v any
		if err := json.Unmarshal(stdout.Bytes(), &v); err == nil {
			parsed = v
		}
	}
	result := map[string]any{
		"stdout":      parsed,
		"stdout_raw":  stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"killed":      killed,
	}

	if killed {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "shell: command timed out").WithDetails(result)
	}
	if exitCode != 0 && !boolParam(spec, "allow_failure", false) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell: exit code %d", exitCode).WithDetails(result)
	}
	return &Output{Data: result}, nil
}

// limitedWriter discards bytes beyond limit but reports them written so the
// child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
