package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

type serveOptions struct {
	config string
}

// commandServe mirrors dexidp-dex's cmd/dex commandServe: a single
// positional config-file argument, no flag overrides beyond the file
// itself (cmd/dex/serve.go).
func commandServe() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the authorization server",
		Example: "oauthd serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			opts.config = args[0]
			return runServe(opts)
		},
	}
	return cmd
}

func runServe(opts serveOptions) error {
	c, err := loadConfig(opts.config)
	if err != nil {
		return err
	}
	logger, err := newLogger(parseLevel(c.Logger.Level), c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Info("config loaded", "issuer", c.Issuer)

	a, err := buildApp(c, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	healthChecker := gosundheit.New()
	_ = healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "signer",
			CheckFunc: func(context.Context) (details interface{}, err error) {
				_ = a.signer.PublicJWKS()
				return "ok", nil
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	var gr run.Group

	httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: a.provider.Router()}
	if err := addServer(&gr, "http", httpSrv, logger); err != nil {
		return err
	}

	if c.Web.TelemetryHTTP != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		mux.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))
		telemetrySrv := &http.Server{Addr: c.Web.TelemetryHTTP, Handler: mux}
		if err := addServer(&gr, "http/telemetry", telemetrySrv, logger); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(context.Background(), interruptSignals...))

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info(fmt.Sprintf("%v, shutdown now", err))
	}
	return nil
}

// addServer registers srv's Serve/Shutdown pair with gr, the same
// listen-then-add-to-run-group shape dex's serverRunner.RunAndShutdownGracefully
// uses (cmd/dex/serve.go).
func addServer(gr *run.Group, name string, srv *http.Server, logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", name, srv.Addr, err)
	}
	gr.Add(func() error {
		logger.Info("listening", "server", name, "addr", srv.Addr)
		return srv.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "server", name, "err", err)
		}
	})
	return nil
}
