package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Kineviz/pdf-km-server/internal/api"
	"github.com/Kineviz/pdf-km-server/internal/cluster"
	"github.com/Kineviz/pdf-km-server/internal/config"
	"github.com/Kineviz/pdf-km-server/internal/dispatch"
	"github.com/Kineviz/pdf-km-server/internal/job"
	"github.com/Kineviz/pdf-km-server/internal/metrics"
	"github.com/Kineviz/pdf-km-server/internal/ollama"
	"github.com/Kineviz/pdf-km-server/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration error")
	}

	if level, err := logrus.ParseLevel(cfg.Engine.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := cluster.NewRegistry(cfg.Servers, cfg.Engine.MaxErrors)
	if err != nil {
		logrus.WithError(err).Fatal("registry setup failed")
	}

	client := ollama.NewClient()

	monitor := cluster.NewMonitor(registry, client, cfg.Engine.HealthInterval(), cfg.Engine.ProbeDeadline())
	monitor.Start(ctx)
	defer monitor.Stop()

	pool, err := ants.NewPool(cfg.Engine.Workers)
	if err != nil {
		logrus.WithError(err).Fatal("worker pool setup failed")
	}
	defer pool.Release()

	dispatcher := dispatch.New(registry, pool, client)

	var mirror job.Mirror
	if cfg.Engine.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Engine.RedisAddr})
		m := store.NewMirror(rdb)
		if err := m.Ping(ctx); err != nil {
			logrus.WithError(err).Warn("redis unreachable, job mirroring disabled")
		} else {
			logrus.WithField("addr", cfg.Engine.RedisAddr).Info("job mirroring enabled")
			mirror = m
		}
	}

	tracker := job.NewTracker(cfg.Engine.FailureTolerance, mirror)
	queue := job.NewQueue(tracker, dispatcher, cfg.Engine.MaxConcurrentJobs)
	queue.Start(ctx)
	defer queue.Stop()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.New(tracker, queue, registry, monitor).RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    cfg.Engine.ListenAddr,
		Handler: engine,
	}

	go func() {
		logrus.WithField("addr", cfg.Engine.ListenAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown incomplete")
	}
}
