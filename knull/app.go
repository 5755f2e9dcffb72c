package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"
	"knull.dev/knull/internal/executor"
	"knull.dev/knull/internal/logging"
)

// Version of knull being run
const Version = "v0.1.0"

func newApp(ctx context.Context, options ...func(*Config)) (app *cli.App) {
	app = cli.NewApp()
	app.Name = "knull"
	app.Usage = "CI/CD build execution engine"
	app.Description = "Runs repository builds in sandboxed steps and reports their status"
	app.Version = Version
	app.Before = func(*cli.Context) error {
		logging.Configure(GlobalInstanceID)
		return nil
	}
	app.Action = cli.ActionFunc(func(*cli.Context) error {
		return run(ctx, options...)
	})
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "Serve the build API (default)",
			Action: func(*cli.Context) error {
				return run(ctx, options...)
			},
		},
		{
			Name:      "encrypt",
			Usage:     "Print the ciphertext of a credential read from stdin",
			ArgsUsage: " ",
			Action: func(c *cli.Context) error {
				return encrypt(os.Stdin, c.App.Writer, options...)
			},
		},
		{
			Name:  "executor-health",
			Usage: "Probe the configured executor backend",
			Action: func(c *cli.Context) error {
				return executorHealth(ctx, c.App.Writer, options...)
			},
		},
	}
	return
}

func run(ctx context.Context, options ...func(*Config)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, options...)
	if err != nil {
		return fmt.Errorf("failed to initialize knull: %w", err)
	}

	cfg := &Config{}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.IsTestRunAndExitEnabled() {
		slog.InfoContext(ctx, "test run requested, exiting")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), EnvShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}

	return srv.Run(ctx)
}

func encrypt(r io.Reader, w io.Writer, options ...func(*Config)) error {
	cfg := &Config{}
	for _, opt := range options {
		opt(cfg)
	}
	if EnvEncryptionKey.String() == "" && EnvSecretsManagerPath.String() == "" {
		return fmt.Errorf("encrypting requires %s or %s to be set", EnvEncryptionKey.Key, EnvSecretsManagerPath.Key)
	}
	cipher, err := cfg.NewCipher()
	if err != nil {
		return fmt.Errorf("failed to initialize credential cipher: %w", err)
	}

	plaintext, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read plaintext: %w", err)
	}
	plaintext = strings.TrimRight(plaintext, "\r\n")
	if plaintext == "" {
		return fmt.Errorf("no plaintext provided on stdin")
	}

	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, ciphertext)
	return err
}

func executorHealth(ctx context.Context, w io.Writer, options ...func(*Config)) error {
	cfg := &Config{}
	for _, opt := range options {
		opt(cfg)
	}
	ws, err := cfg.NewWorkspace()
	if err != nil {
		return err
	}
	exec, closeExec, err := cfg.NewExecutor(ws, cfg.NewAllowList())
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	defer closeExec(ctx)

	probeCtx, cancel := context.WithTimeout(ctx, executor.ProbeTimeout)
	defer cancel()
	healthy := exec.Healthy(probeCtx)
	processes := exec.RunningProcessCount(probeCtx)

	fmt.Fprintf(w, "backend=%s healthy=%t running_processes=%d\n", EnvExecutorBackend.String(), healthy, processes)
	if !healthy {
		return cli.NewExitError("executor is unhealthy", 1)
	}
	return nil
}
