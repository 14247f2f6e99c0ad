package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"companion-telemetry/internal/config"
	"companion-telemetry/internal/httpx"
	"companion-telemetry/internal/pipeline"
	"companion-telemetry/internal/sink"
	"companion-telemetry/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting telemetryd on %s (sink=%s)", cfg.ListenAddr, cfg.SinkKind)

	kv, closeKV, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeKV()

	remote, closeSink, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("build sink: %v", err)
	}
	defer closeSink()

	p := pipeline.New(context.Background(), pipeline.Options{
		KV:                kv,
		Sink:              remote,
		Settings:          cfg.Settings,
		FlushInterval:     cfg.FlushInterval,
		RetentionInterval: cfg.RetentionInterval,
	})
	defer p.Close()

	go logNotifications(p)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpx.NewHTTPMetrics("telemetryd").Handler())
	router.Use(httpx.CORSMiddleware(cfg.CORSAllowOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	registerRoutes(router, p)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("telemetryd server failed: %v", err)
		}
	}()

	graceful(server)
}

func openStore(cfg config.Config) (store.KV, func(), error) {
	if cfg.StorePath == "" || cfg.StorePath == ":memory:" {
		return store.NewMemory(), func() {}, nil
	}
	db, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

func buildSink(cfg config.Config) (sink.Sink, func(), error) {
	switch cfg.SinkKind {
	case "http":
		return sink.NewHTTP(cfg.SinkURL, cfg.SinkTimeout), func() {}, nil
	case "kafka":
		k := sink.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		return k, func() { _ = k.Close() }, nil
	case "clickhouse":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ch, err := sink.NewClickHouse(ctx, cfg.ClickHouseDSN)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { _ = ch.Close() }, nil
	default:
		return sink.Log{}, func() {}, nil
	}
}

func logNotifications(p *pipeline.Pipeline) {
	for n := range p.Notifications() {
		switch n.Kind {
		case pipeline.KindBatchFailed:
			log.Printf("batch delivery failed: %v", n.Err)
		case pipeline.KindBatchProcessed:
			log.Printf("batch processed: %d events", n.Count)
		case pipeline.KindInsightsGenerated:
			log.Printf("generated %d insights", len(n.Insights))
		}
	}
}

func graceful(server *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("shutting down telemetryd...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
