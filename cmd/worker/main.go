package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"faceattend/internal/config"
	"faceattend/internal/evidence"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// Worker consumes cleanup messages and removes evidence objects that lost the
// insert race and so belong to no record.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Println("WARNING: memory queue backend shares nothing with the api process")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	var evidenceStore evidence.Store
	var err error
	switch cfg.EvidenceBackend {
	case "s3":
		evidenceStore, err = evidence.NewS3Store(ctx, cfg.EvidenceBucket)
	default:
		evidenceStore, err = evidence.NewFSStore(cfg.EvidenceDir)
	}
	if err != nil {
		log.Fatalf("evidence store init failed: %v", err)
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeEvidenceCleanup {
			continue
		}

		var loc evidence.Locator
		if err := json.Unmarshal(msg.Body, &loc); err != nil {
			log.Printf("bad cleanup message: %v", err)
			continue
		}

		if err := evidenceStore.Delete(ctx, loc); err != nil {
			log.Printf("delete evidence %s%s failed: %v", loc.BlobID, loc.Path, err)
			continue
		}
		log.Printf("orphan evidence removed (%s)", loc.Kind)
	}

	log.Println("worker stopped")
}
