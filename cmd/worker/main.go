package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"report-export-pipeline/internal/config"
	"report-export-pipeline/internal/depend"
	"report-export-pipeline/internal/executor"
	"report-export-pipeline/internal/export"
	"report-export-pipeline/internal/producer"
	"report-export-pipeline/internal/queue"
	"report-export-pipeline/internal/scheduler"
	"report-export-pipeline/internal/store"
	"report-export-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	cancels := queue.NewCancelSignal(redisClient, cfg.CancelSignalTTL)
	q := queue.New(st, cancels)

	var deps *depend.Engine
	if cfg.DependenciesEnabled {
		rules, err := depend.LoadRules(cfg.DependencyRulesPath)
		if err != nil {
			log.Fatalf("dependency rules: %v", err)
		}
		deps = depend.NewEngine(q, rules)
		log.Printf("dependency engine enabled with %d rule(s)", len(rules))
	}

	var sinks export.SinkFactory
	if cfg.ExportS3Bucket != "" {
		s3Sinks, err := export.NewS3SinkFactory(ctx, export.S3Options{
			Bucket:    cfg.ExportS3Bucket,
			Region:    cfg.ExportS3Region,
			Endpoint:  cfg.ExportS3Endpoint,
			PathStyle: cfg.ExportS3PathStyle,
		})
		if err != nil {
			log.Fatalf("init s3 sink: %v", err)
		}
		sinks = s3Sinks
	} else {
		sinks = export.LocalSinkFactory{BaseDir: cfg.ExportOutputDir}
	}

	platform := export.NewPlatformClient(cfg.DataAPIBaseURL, cfg.DataAPITimeout)
	exec := executor.New(cfg, q, platform, platform, sinks, deps, cancels)
	sched := scheduler.New(cfg, q, exec)
	batch := producer.New(cfg, q)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		if err := batch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("producer stopped: %v", err)
		}
	}()

	log.Printf("worker started, scheduler_enabled=%t interval=%s pool=%d",
		cfg.SchedulerEnabled, cfg.SchedulerInterval, cfg.WorkerPoolSize)
	if err := sched.Run(ctx); err != nil {
		log.Printf("scheduler stopped: %v", err)
	}
}
