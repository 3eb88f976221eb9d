package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-bridge/pkg/core/audio"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/media"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-bridge/pkg/gateway/server"
)

func newServeCmd(deps bridgeDeps, logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logOut, deps)
		},
	}
}

func buildHTTPServer(cfg config.Config, gw *gatewayserver.Server, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if gw != nil {
		srv.BaseContext = gw.BaseContext
	}
	return srv
}

// buildGateway wires the event log, the session factories and the bridge
// manager behind the HTTP surface.
func buildGateway(cfg config.Config, profile config.Profile, store *eventlog.SQLStore, logger *slog.Logger) (*gatewayserver.Server, error) {
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: 1}

	model := cfg.UpstreamModel
	if profile.Model != "" {
		model = profile.Model
	}

	var (
		m           *metrics.Metrics
		hookMetrics bridge.Metrics
	)
	if cfg.MetricsEnabled {
		m = metrics.New("")
		hookMetrics = m
	}

	upstreamLogger := logger.With("component", "realtime")
	mediaLogger := logger.With("component", "media")

	mgr, err := bridge.New(bridge.Options{
		Store: store,
		Log: eventlog.New(store, eventlog.Options{
			SubscriberBuffer: cfg.SubscriberBuffer,
			Logger:           logger.With("component", "eventlog"),
		}),
		NewUpstream: func() session.Upstream {
			return realtime.New(realtime.Options{
				URL:          cfg.UpstreamURL,
				Model:        model,
				APIKey:       cfg.UpstreamAPIKey,
				Format:       format,
				PingInterval: cfg.PingInterval,
				WriteTimeout: cfg.WriteTimeout,
				Logger:       upstreamLogger,
			})
		},
		NewDownstream: func(inbound, outbound *audio.Queue) session.Downstream {
			return media.New(media.Config{
				ICEServers: cfg.ICEServers,
				Logger:     mediaLogger,
			}, inbound, outbound)
		},
		Defaults: session.Config{
			AgentName:       profile.AgentName,
			Realtime:        profile.SessionConfig(),
			Format:          format,
			InboundFrames:   cfg.InboundQueueFrames,
			OutboundFrames:  cfg.OutboundQueueFrames,
			ConnectTimeout:  cfg.ConnectTimeout,
			ToolTimeout:     cfg.ToolTimeout,
			DisconnectGrace: cfg.DisconnectGrace,
		},
		AllowedVoices: cfg.AllowedVoices,
		Metrics:       hookMetrics,
		Logger:        logger.With("component", "bridge"),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge manager: %w", err)
	}

	return gatewayserver.New(cfg, gatewayserver.Options{
		Manager: mgr,
		Store:   store,
		Metrics: m,
	}, logger), nil
}

func runServe(ctx context.Context, logOut io.Writer, deps bridgeDeps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, logOut)

	profile, err := deps.loadProfile(cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	store, err := deps.openStore(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	gw, err := buildGateway(cfg, profile, store, logger)
	if err != nil {
		return err
	}
	httpSrv := buildHTTPServer(cfg, gw, gw.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting bridge server",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"db_driver", cfg.DBDriver,
		"agent", profile.AgentName,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("live bridges did not stop before the grace period", "error", err)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("bridge server stopped")
	return nil
}
