// streamd runs the marketfeed broadcast service: external feeds are pulled
// or pushed into a ring-buffer broadcast processor and fanned out to
// WebSocket clients with per-client demand.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/streamcore/internal/marketfeeds/config"
	"github.com/Aidin1998/streamcore/internal/marketfeeds/hub"
	"github.com/Aidin1998/streamcore/internal/marketfeeds/metrics"
	"github.com/Aidin1998/streamcore/internal/marketfeeds/sources"
	"github.com/Aidin1998/streamcore/pkg/logger"
	"github.com/Aidin1998/streamcore/pkg/models"
	"github.com/Aidin1998/streamcore/pkg/stream/processor"
	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Name: cfg.Name})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	proc, err := processor.New[models.Tick](
		processor.WithName[models.Tick](cfg.Name),
		processor.WithBufferSize[models.Tick](cfg.BufferSize),
		processor.WithWaitStrategy[models.Tick](waitStrategy(cfg.WaitStrategy)),
		processor.Shared[models.Tick](cfg.Shared),
		processor.WithAutoCancel[models.Tick](cfg.AutoCancel),
		processor.WithSignalSupplier[models.Tick](models.NewTick),
		processor.WithLogger[models.Tick](log),
	)
	if err != nil {
		log.Fatal("processor construction failed", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry, proc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Kafka.Enabled {
		src := sources.NewKafkaSource(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, log)
		defer src.Close()
		src.Subscribe(proc)
		log.Info("kafka source attached", zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.Redis.Enabled {
		src := sources.NewRedisSource(cfg.Redis.Addr, cfg.Redis.Channel, log)
		defer src.Close()
		go src.Run(ctx, proc)
		log.Info("redis source attached", zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", cfg.Redis.Channel))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.WS.Path, hub.New(proc, cfg.WS.ClientWindow, log))
	if cfg.WS.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	server := &http.Server{Addr: cfg.WS.Addr, Handler: mux}
	go func() {
		log.Info("listening", zap.String("addr", cfg.WS.Addr), zap.String("path", cfg.WS.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()
	proc.Shutdown()
	_ = server.Shutdown(context.Background())
}

func waitStrategy(name string) wait.Strategy {
	switch name {
	case "busy_spin":
		return wait.BusySpin{}
	case "yielding":
		return wait.Yielding{}
	case "parking":
		return &wait.Parking{}
	case "lite_blocking":
		return wait.NewLiteBlocking()
	default:
		return nil // processor default: phased-off with lite lock
	}
}
