package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ngnfs/corefs/internal/logger"
	"github.com/ngnfs/corefs/pkg/blockcache"
	"github.com/ngnfs/corefs/pkg/config"
	"github.com/ngnfs/corefs/pkg/manifest"
	"github.com/ngnfs/corefs/pkg/messaging"
	"github.com/ngnfs/corefs/pkg/metrics"
	metricsprom "github.com/ngnfs/corefs/pkg/metrics/prometheus"
	"github.com/ngnfs/corefs/pkg/pagepool"
	"github.com/ngnfs/corefs/pkg/transport/local"
	"github.com/ngnfs/corefs/pkg/transport/network"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a devd instance until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	if err != nil {
		return err
	}

	var cacheMetrics metrics.Cache
	var transportMetrics metrics.Transport
	var messagingMetrics metrics.Messaging
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		cacheMetrics = metricsprom.NewCacheMetrics()
		transportMetrics = metricsprom.NewTransportMetrics()
		messagingMetrics = metricsprom.NewMessagingMetrics()
	}
	var cache *blockcache.Cache
	endIO := func(bnr blockcache.BlockNumber, fresh *pagepool.Page, err error) {
		cache.EndIO(bnr, fresh, err)
	}

	var msg *messaging.Messaging
	var mf *manifest.Manifest
	var transport blockcache.Transport

	switch {
	case cfg.Local.Enabled:
		lt, err := local.Open(cfg.Local.DevicePath, cfg.Local.QueueDepth, local.EndIOFunc(endIO), transportMetrics)
		if err != nil {
			return fmt.Errorf("devd: open local transport: %w", err)
		}
		transport = lt

	case cfg.Network.ListenAddress != "" || len(cfg.Manifest.Servers) > 0:
		msg = messaging.New(log, messagingMetrics)
		servers := make([]manifest.Server, 0, len(cfg.Manifest.Servers))
		for _, s := range cfg.Manifest.Servers {
			servers = append(servers, manifest.Server{Index: s.Index, Address: s.Address})
		}
		mf = manifest.New(manifest.StaticSource(servers))
		if _, err := mf.Refresh(cmd.Context()); err != nil {
			return fmt.Errorf("devd: refresh manifest: %w", err)
		}

		nt, err := network.New(msg, mf, cfg.Network.QueueDepth, network.EndIOFunc(endIO), transportMetrics)
		if err != nil {
			return fmt.Errorf("devd: build network transport: %w", err)
		}
		transport = nt

	default:
		return fmt.Errorf("devd: no transport configured")
	}

	cacheCfg := blockcache.Config{
		DirtyLimit:      cfg.Cache.DirtyLimit,
		WritebackThresh: cfg.Cache.WritebackThresh,
		SetLimit:        cfg.Cache.SetLimit,
		Metrics:         cacheMetrics,
	}
	cache = blockcache.New(transport, cacheCfg, log)
	defer cache.Close()

	if cfg.Network.ListenAddress != "" {
		if msg == nil {
			msg = messaging.New(log, messagingMetrics)
		}
		if err := network.Serve(msg, cache, log); err != nil {
			return fmt.Errorf("devd: register block server handlers: %w", err)
		}
		if err := msg.Listen(cfg.Network.ListenAddress); err != nil {
			return fmt.Errorf("devd: listen: %w", err)
		}
		defer msg.Close()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		r := chi.NewRouter()
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: r}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("devd: metrics server failed", "error", err)
			}
		}()
	}

	log.Info("devd running", "local", cfg.Local.Enabled, "network_listen", cfg.Network.ListenAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	signal.Stop(sigCh)
	log.Info("devd: shutdown signal received")

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}

	return nil
}
