package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"graphhost/internal/config"
	"graphhost/internal/host"
	"graphhost/internal/ingest/kafka"
	natsingest "graphhost/internal/ingest/nats"
	"graphhost/internal/ingest/rabbitmq"
	"graphhost/internal/logging"
	"graphhost/internal/metrics"
)

var (
	serveConfigPath      string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the graph host, enabled bridges and the metrics endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "graphhost.yaml", "path to config file (yaml or toml)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 5*time.Second, "time allowed for the metrics server to drain")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	var met *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		met = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	h, err := host.Listen(cfg.HostConfig(), host.WithLogger(log), host.WithMetrics(met))
	if err != nil {
		return err
	}
	log.Info().Str("addr", h.Addr()).Msg("graph host listening")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsSrv != nil {
		go func() {
			log.Info().Str("addr", metricsSrv.Addr).Str("path", cfg.Metrics.Path).Msg("metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	bridges, err := startBridges(ctx, cfg, h, log, met)
	if err != nil {
		_ = h.Stop()
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	bridges.close()
	if err := h.Stop(); err != nil {
		log.Warn().Err(err).Msg("stop graph host")
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

type runningBridges struct {
	closers []func()
}

func (b *runningBridges) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// startBridges starts every enabled bridge against h. On error the bridges
// already started are closed.
func startBridges(ctx context.Context, cfg config.Config, h *host.Host, log zerolog.Logger, met *metrics.Metrics) (*runningBridges, error) {
	b := &runningBridges{}
	fail := func(err error) (*runningBridges, error) {
		b.close()
		return nil, err
	}

	if cfg.Ingest.Kafka.Enabled {
		a, err := kafka.NewAdapter(cfg.Ingest.Kafka.Adapter(), h,
			kafka.WithLogger(log.With().Str("bridge", "kafka").Logger()), kafka.WithMetrics(met))
		if err != nil {
			return fail(fmt.Errorf("kafka bridge: %w", err))
		}
		kctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Start(kctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("kafka bridge stopped")
			}
		}()
		b.closers = append(b.closers, func() {
			a.Close()
			cancel()
			wg.Wait()
		})
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		a, err := rabbitmq.NewAdapter(cfg.Ingest.RabbitMQ.Adapter(), h,
			rabbitmq.WithLogger(log.With().Str("bridge", "rabbitmq").Logger()), rabbitmq.WithMetrics(met))
		if err != nil {
			return fail(fmt.Errorf("rabbitmq bridge: %w", err))
		}
		if err := a.Start(ctx); err != nil {
			return fail(fmt.Errorf("rabbitmq bridge: %w", err))
		}
		b.closers = append(b.closers, func() {
			if err := a.Close(); err != nil {
				log.Warn().Err(err).Msg("close rabbitmq bridge")
			}
		})
	}

	if cfg.Ingest.NATS.Enabled {
		a, err := natsingest.NewAdapter(cfg.Ingest.NATS.Adapter(), h,
			natsingest.WithLogger(log.With().Str("bridge", "nats").Logger()), natsingest.WithMetrics(met))
		if err != nil {
			return fail(fmt.Errorf("nats bridge: %w", err))
		}
		if err := a.Start(ctx); err != nil {
			return fail(fmt.Errorf("nats bridge: %w", err))
		}
		b.closers = append(b.closers, func() {
			if err := a.Close(); err != nil {
				log.Warn().Err(err).Msg("close nats bridge")
			}
		})
	}
	return b, nil
}
