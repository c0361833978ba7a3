package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noxrunner/noxrunner/internal/config"
	"github.com/noxrunner/noxrunner/internal/sandbox"
)

var (
	runConfigPath string
	runSession    string
	runWorkdir    string
	runTimeout    int
	runEnv        []string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command inside a local sandbox",
	Long: `Run executes an allow-listed command inside the named session's sandbox.
The sandbox is created on first use and its expiry refreshed. The command's
exit code becomes the process exit code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to config file")
	runCmd.Flags().StringVar(&runSession, "session", "default", "session identifier")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", "/workspace", "working directory inside the sandbox")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "timeout in seconds (0 = config default)")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "environment override KEY=VALUE (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	code, err := executeRun(ctx, cfg, logger, args, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		// executeRun has already torn everything down; only now is it
		// safe to take the command's exit code to the process exit.
		os.Exit(code)
	}
	return nil
}

// executeRun builds the registry, runs the command, and returns its exit
// code. The store is closed and pending spans flushed before it returns,
// so it never calls os.Exit itself.
func executeRun(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) (int, error) {
	registry, cleanup, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	env := make(map[string]string, len(runEnv))
	for _, kv := range runEnv {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return 0, fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	res := registry.Exec(ctx, runSession, sandbox.ExecRequest{
		Command: args,
		Workdir: runWorkdir,
		Env:     env,
		Timeout: time.Duration(runTimeout) * time.Second,
	})

	fmt.Fprint(stdout, res.Stdout)
	fmt.Fprint(stderr, res.Stderr)
	return res.ExitCode, nil
}
