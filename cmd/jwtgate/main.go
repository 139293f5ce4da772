// Command jwtgate is a forward-authentication sidecar: a reverse proxy asks
// it, per request, whether a bearer token is acceptable, and copies the
// verified-claim headers it returns onto the upstream request.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	authgin "github.com/jwtgate/jwtgate/adapters/gin"
	"github.com/jwtgate/jwtgate/metrics"
	"github.com/jwtgate/jwtgate/validator"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listen    string
		cfgPath   string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:           "jwtgate",
		Short:         "JWT forward-authentication sidecar",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(listen, cfgPath, logLevel, logFormat)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", envOr("JWTGATE_LISTEN", ":8080"), "address and port to bind to")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", envOr("JWTGATE_CONFIG", "config.yaml"), "path to the configuration file (reloaded on change)")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("JWTGATE_LOG_LEVEL", "info"), "log level (trace..panic)")
	cmd.Flags().StringVar(&logFormat, "log-format", envOr("JWTGATE_LOG_FORMAT", "text"), "log format (text or json)")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return log, nil
}

func run(listen, cfgPath, logLevel, logFormat string) error {
	log, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store := validator.NewStore(cfgPath, validator.Options{
		Logger:  log,
		Metrics: m,
	})
	log.WithField("path", cfgPath).Info("loading configuration")
	if err := store.Load(); err != nil {
		log.WithError(err).Error("configuration is unusable")
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := store.Watch(ctx); err != nil {
			log.WithError(err).Warn("configuration watcher stopped")
		}
	}()

	router := authgin.New(store, authgin.Options{
		Logger:         log,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv := &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", listen).Info("serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
