package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/tdenzel/filelink/internal/config"
	"github.com/tdenzel/filelink/internal/database"
	"github.com/tdenzel/filelink/internal/queue"
	"github.com/tdenzel/filelink/internal/repository"
	"github.com/tdenzel/filelink/internal/s3storage"
	"github.com/tdenzel/filelink/internal/server"
	"github.com/tdenzel/filelink/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	signer, err := signing.New(cfg.HMACKey)
	if err != nil {
		log.Fatalf("init signer: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewFileRepository(pool)

	blobs, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	tasks := queue.NewClient(asynqClient)
	defer tasks.Close()

	srv := server.New(cfg, repo, blobs, tasks, signer)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
