package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/noxrunner/noxrunner/internal/observability"
	"github.com/noxrunner/noxrunner/internal/security"
)

const (
	// defaultMaxOutputBytes caps stdout/stderr to prevent OOM from chatty
	// commands.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultExecTimeout = 30 * time.Second
)

// Exit codes folded into results for the non-spawn failure classes.
const (
	exitFailure  = 1
	exitTimeout  = 124
	exitNotFound = 127
)

// ExecutorConfig configures the command executor.
type ExecutorConfig struct {
	// DefaultTimeout bounds executions whose request carries no timeout.
	DefaultTimeout time.Duration

	// HardenedEnv starts each command from a minimal base environment
	// instead of inheriting the host's.
	HardenedEnv bool

	// MaxOutputBytes caps each captured stream. Zero = 1 MiB.
	MaxOutputBytes int

	// Warnings receives the loud per-invocation banner. Nil = os.Stderr.
	// Distinct from the command's own stderr.
	Warnings io.Writer
}

// Executor runs validated commands as subprocesses pinned to a sanitized
// working directory inside a sandbox.
//
// Security guarantees:
//   - Only allow-listed commands are spawned
//   - The working directory is always contained in the sandbox root
//   - Arguments are a literal vector, no shell interpretation
//   - Process runs in its own process group, killed whole on timeout
//   - stdout/stderr capped to prevent OOM
type Executor struct {
	validator      *security.Validator
	defaultTimeout time.Duration
	hardenedEnv    bool
	maxOutput      int
	warnings       io.Writer
	metrics        *observability.MetricsCollector
	logger         *slog.Logger
}

// NewExecutor creates a command executor. metrics may be nil.
func NewExecutor(cfg ExecutorConfig, validator *security.Validator, metrics *observability.MetricsCollector, logger *slog.Logger) *Executor {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput == 0 {
		maxOutput = defaultMaxOutputBytes
	}
	warnings := cfg.Warnings
	if warnings == nil {
		warnings = os.Stderr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		validator:      validator,
		defaultTimeout: timeout,
		hardenedEnv:    cfg.HardenedEnv,
		maxOutput:      maxOutput,
		warnings:       warnings,
		metrics:        metrics,
		logger:         logger,
	}
}

// Run executes req inside the sandbox described by rec. Ordinary failures
// are folded into the result; Run never returns an error value. rec must
// not be nil: a nil record is a defect in the calling code and panics.
func (e *Executor) Run(ctx context.Context, req ExecRequest, rec *Record) ExecResult {
	if rec == nil {
		panic("sandbox: Run called with nil record")
	}

	// Loud warning on every invocation: commands run on the host, not in
	// an isolated container.
	printWarning(e.warnings,
		fmt.Sprintf("Executing command in LOCAL environment: %s", strings.Join(req.Command, " ")),
		"This may cause DATA LOSS or SECURITY RISKS!",
	)

	decision := e.validator.Decide(req.Command)
	if !decision.Allowed {
		if e.metrics != nil {
			e.metrics.CommandRejectionsTotal.WithLabelValues(string(decision.Reason)).Inc()
			e.metrics.ExecutionsTotal.WithLabelValues("rejected").Inc()
		}
		e.logger.Warn("command rejected by policy",
			slog.Any("command", req.Command),
			slog.String("reason", string(decision.Reason)),
		)
		name := decision.Command
		if name == "" {
			name = "empty"
		}
		return ExecResult{
			ExitCode: exitFailure,
			Stderr:   fmt.Sprintf("command not allowed: %s", name),
		}
	}

	workdir := security.Sanitize(req.Workdir, rec.RootPath, rec.WorkspaceName)
	if err := os.MkdirAll(workdir, 0750); err != nil {
		return e.finish("error", ExecResult{
			ExitCode: exitFailure,
			Stderr:   fmt.Sprintf("creating working directory: %v", err),
		})
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = workdir
	cmd.Env = e.buildEnv(rec, req.Env)

	// Process group isolation: the child runs in its own group, and the
	// whole group is killed on timeout so grandchildren die too.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: e.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: e.maxOutput}

	e.logger.Info("executing sandboxed command",
		slog.Any("command", req.Command),
		slog.String("dir", workdir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	durationMs := duration.Milliseconds()

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("sandboxed command timed out",
				slog.Any("command", req.Command),
				slog.Duration("timeout", timeout),
			)
			return e.finish("timeout", ExecResult{
				ExitCode:   exitTimeout,
				Stderr:     fmt.Sprintf("command timed out after %d seconds", int(timeout.Seconds())),
				DurationMs: durationMs,
			})
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			return e.finish("not_found", ExecResult{
				ExitCode:   exitNotFound,
				Stderr:     fmt.Sprintf("command not found: %s", req.Command[0]),
				DurationMs: durationMs,
			})
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return e.finishDuration("nonzero_exit", duration, ExecResult{
				ExitCode:   exitErr.ExitCode(),
				Stdout:     stdoutBuf.String(),
				Stderr:     stderrBuf.String(),
				DurationMs: durationMs,
			})
		}
		return e.finish("error", ExecResult{
			ExitCode:   exitFailure,
			Stderr:     fmt.Sprintf("execution error: %v", runErr),
			DurationMs: durationMs,
		})
	}

	e.logger.Info("sandboxed command completed",
		slog.Int("exit_code", 0),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return e.finishDuration("ok", duration, ExecResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		DurationMs: durationMs,
	})
}

func (e *Executor) finish(status string, res ExecResult) ExecResult {
	return e.finishDuration(status, time.Duration(res.DurationMs)*time.Millisecond, res)
}

func (e *Executor) finishDuration(status string, duration time.Duration, res ExecResult) ExecResult {
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
	return res
}

// buildEnv constructs the subprocess environment. Default mode overlays
// the caller's variables on the inherited host environment. Hardened mode
// never inherits; only a minimal safe base set plus the overrides, so
// API keys and credentials cannot leak into sandboxed commands.
func (e *Executor) buildEnv(rec *Record, extra map[string]string) []string {
	var env []string
	if e.hardenedEnv {
		workspace := filepath.Join(rec.RootPath, rec.WorkspaceName)
		env = []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"HOME=" + workspace,
			"TMPDIR=" + rec.RootPath,
			"LANG=en_US.UTF-8",
			"TERM=dumb",
		}
	} else {
		env = os.Environ()
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// printWarning writes an unmistakable ANSI banner to w. This is the side
// channel required for every non-isolated execution, separate from both
// the logger and the command's captured stderr.
func printWarning(w io.Writer, message, critical string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "\033[91m\033[1m🚨 CRITICAL WARNING\033[0m\033[91m: %s\033[0m\n", message)
	if critical != "" {
		fmt.Fprintf(w, "\033[91m\033[1m⚠️  %s ⚠️\033[0m\n", critical)
	}
	fmt.Fprintln(w)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded rather than erroring.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
