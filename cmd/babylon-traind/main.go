package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/lalalune/babylon-train/internal/archive"
	"github.com/lalalune/babylon-train/internal/backend"
	"github.com/lalalune/babylon-train/internal/config"
	"github.com/lalalune/babylon-train/internal/converter"
	"github.com/lalalune/babylon-train/internal/events"
	"github.com/lalalune/babylon-train/internal/httpserver"
	"github.com/lalalune/babylon-train/internal/judge"
	"github.com/lalalune/babylon-train/internal/outcome"
	"github.com/lalalune/babylon-train/internal/reader"
	"github.com/lalalune/babylon-train/internal/recorder"
	"github.com/lalalune/babylon-train/internal/registry"
	"github.com/lalalune/babylon-train/internal/store"
	"github.com/lalalune/babylon-train/internal/trainer"
)

func main() {
	runLoop := flag.Bool("run-loop", true, "run the scheduled training loop")
	flag.Parse()

	logger := log.New(os.Stdout, "[babylon-train] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	st := store.NewPGStore(db)
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rec := recorder.New(st, cfg.WindowSize)
	outcomes := outcome.NewTracker(st)
	rd := reader.New(st, outcomes, reader.Config{
		MinGroupSize: cfg.MinGroupSize,
		ReuseCap:     cfg.ReuseCap,
	})
	conv := converter.New(converter.Config{
		TargetCount:    cfg.TargetGroupSize,
		MaxDropoutRate: cfg.MaxDropoutRate,
	})
	reg := registry.New(st)

	var judgeClient judge.Client = judge.NewHeuristicClient()
	if cfg.JudgeURL != "" {
		judgeClient, err = judge.NewHTTPClient(judge.HTTPClientConfig{
			BaseURL: cfg.JudgeURL,
			APIKey:  cfg.JudgeAPIKey,
		})
		if err != nil {
			log.Fatalf("judge client init: %v", err)
		}
	} else {
		logger.Printf("no judge url configured, using heuristic scoring")
	}

	backendClient, err := backend.NewHTTPClient(backend.HTTPClientConfig{
		BaseURL: cfg.BackendURL,
		Token:   cfg.BackendToken,
		Retries: 2,
	})
	if err != nil {
		log.Fatalf("backend client init: %v", err)
	}

	var emitter trainer.Emitter
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(events.ProducerConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.KafkaTopic,
			LineageID: cfg.LineageID,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		defer producer.Close()
		emitter = producer
	}

	var archiver trainer.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archiver init: %v", err)
		}
		archiver = s3Archiver
	}

	orch := trainer.New(trainer.Config{
		LineageID:         cfg.LineageID,
		BaseModel:         cfg.BaseModel,
		MinTrajectories:   cfg.MinTrajectories,
		MinScenarioGroups: cfg.MinScenarioGroups,
		MinAvgQuality:     cfg.MinAvgQuality,
		MinGroupSize:      cfg.MinGroupSize,
		ReuseCap:          cfg.ReuseCap,
		Lookback:          cfg.Lookback,
		MaxWindows:        cfg.MaxWindows,
		JudgeRetries:      cfg.JudgeRetries,
		JudgeBackoff:      cfg.JudgeBackoff,
		PollInterval:      cfg.PollInterval,
		MaxWait:           cfg.MaxWait,
		Logger:            logger,
	}, st, rd, conv, judgeClient, backendClient, reg, emitter, archiver)

	server := httpserver.New(cfg, st, rec, outcomes, reg, orch)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *runLoop {
		loop, err := trainer.NewLoop(orch, cfg.Schedule, logger)
		if err != nil {
			log.Fatalf("loop init: %v", err)
		}
		logger.Printf("training loop scheduled: %s", cfg.Schedule)
		go func() {
			if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("training loop stopped: %v", err)
			}
		}()
	}

	go func() {
		logger.Printf("listening on %s (lineage %s, base model %s)", cfg.Addr, cfg.LineageID, cfg.BaseModel)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
