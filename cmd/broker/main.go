package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/weiawesome/wes-io-canvas/internal/broker"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	"github.com/weiawesome/wes-io-canvas/internal/peerid"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
	"github.com/weiawesome/wes-io-canvas/pkg/pubsub"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:          "broker",
		Short:        "Rendezvous broker for collaborative canvas peers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	// Load configuration
	cfg, err := config.LoadBroker(configFile)
	if err != nil {
		return err
	}
	pkglog.Init(cfg.Log)
	l := pkglog.L()

	l.Info().Str("addr", cfg.Server.Addr()).Msg("starting canvas broker")

	// Initialize peer registry
	var registry broker.Registry
	switch cfg.Registry.Driver {
	case "redis":
		rr, err := broker.NewRedisRegistry(cfg.Registry.Redis)
		if err != nil {
			l.Error().Err(err).Msg("failed to initialize redis registry")
			return err
		}
		registry = rr
		l.Info().Str("address", cfg.Registry.Redis.Address).Msg("connected to redis registry")
	default:
		registry = broker.NewMemoryRegistry()
	}
	defer registry.Close()

	// Initialize node bus
	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		l.Error().Err(err).Msg("failed to initialize pubsub")
		return err
	}
	defer ps.Close()

	// Initialize Kafka producer
	var producer broker.PeerEventProducer
	if cfg.Kafka.Brokers != "" {
		cp, err := broker.NewConfluentProducer(cfg.Kafka)
		if err != nil {
			l.Error().Err(err).Msg("failed to initialize kafka producer")
			return err
		}
		defer cp.Close()
		producer = cp
		l.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("connected to kafka")
	}

	peerIDs, err := peerid.NewSet(cfg.PeerID)
	if err != nil {
		l.Error().Err(err).Msg("invalid peer id config")
		return err
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := broker.New(broker.Options{
		NodeID:    cfg.Node.ID,
		WebSocket: cfg.WebSocket,
		Registry:  registry,
		PubSub:    ps,
		Producer:  producer,
		Metrics:   broker.NewMetrics(reg),
		Gatherer:  reg,
		ICE:       cfg.ICE,
		PeerIDs:   peerIDs,
	})

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     b.Router(l),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gCtx)
	})
	g.Go(func() error {
		l.Info().Str("addr", server.Addr).Str(pkglog.FieldNode, b.NodeID()).Msg("broker listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		l.Info().Msg("shutting down broker")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("broker stopped with error")
		return err
	}
	l.Info().Msg("broker stopped")
	return nil
}
