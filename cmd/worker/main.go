package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/soundscribe/internal/app"
	"github.com/suPer8Hu/soundscribe/internal/config"
	"github.com/suPer8Hu/soundscribe/internal/links"
	"github.com/suPer8Hu/soundscribe/internal/pipeline"
	"github.com/suPer8Hu/soundscribe/internal/store/rabbitmq"
)

// jobRunner is the part of pipeline.Processor the worker drives.
type jobRunner interface {
	RunE(ctx context.Context, linkID int64, sourceURL string) error
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	deps := app.Build(cfg)
	defer deps.Close()

	cons, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("rabbit consumer: %v", err)
	}
	defer cons.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepStale(ctx, deps.Repo, cfg.StaleJobAge)

	// a cancelled job would be marked failed; let in-flight links finish
	jobCtx := context.WithoutCancel(ctx)

	err = cons.Run(ctx, func(_ context.Context, linkID int64) error {
		return handleJob(jobCtx, deps.Processor, linkID)
	})
	if err != nil {
		log.Fatalf("consumer: %v", err)
	}
}

// handleJob runs one link. Store errors come back as retryable so the
// message goes through the retry queue; unknown links are dead-lettered.
func handleJob(ctx context.Context, runner jobRunner, linkID int64) error {
	start := time.Now()

	// the url is read from the claimed record
	if err := runner.RunE(ctx, linkID, ""); err != nil {
		if errors.Is(err, links.ErrNotFound) {
			return rabbitmq.Permanent(err)
		}
		return err
	}

	if cost := time.Since(start); cost > 2*time.Second {
		log.Printf("job_timing link=%d total=%s", linkID, cost)
	}
	return nil
}

// sweepStale periodically fails in-flight links whose runner went away.
func sweepStale(ctx context.Context, store pipeline.RecoveryStore, age time.Duration) {
	if age <= 0 {
		return
	}
	every := age / 4
	if every < time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if n, err := pipeline.FailStale(ctx, store, age); err != nil {
			log.Printf("stale sweep: %v", err)
		} else if n > 0 {
			log.Printf("stale sweep: failed=%d age=%s", n, age)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
