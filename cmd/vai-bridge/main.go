package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	loadProfile  func(path string) (config.Profile, error)
	openStore    func(ctx context.Context, driver, dsn string) (*eventlog.SQLStore, error)
	httpClient   *http.Client
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:  config.LoadFromEnv,
		loadProfile: config.LoadProfile,
		openStore:   eventlog.Open,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func (d bridgeDeps) validate() error {
	if d.loadConfig == nil || d.loadProfile == nil {
		return errors.New("missing config dependency")
	}
	if d.openStore == nil {
		return errors.New("missing openStore dependency")
	}
	if d.signalNotify == nil || d.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	return nil
}

func newRootCmd(deps bridgeDeps, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "vai-bridge",
		Short:         "Voice bridge between browser WebRTC calls and a realtime speech model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		newServeCmd(deps, stderr),
		newConversationsCmd(deps),
		newForceStopCmd(deps),
		newMigrateCmd(deps),
	)
	return root
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadDotenv reads .env when present; a missing file is not an error.
func loadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps bridgeDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := loadDotenv(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-bridge: %v\n", err)
		return 1
	}

	root := newRootCmd(deps, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultBridgeDeps()))
}
