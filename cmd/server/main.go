package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/soundscribe/internal/app"
	"github.com/suPer8Hu/soundscribe/internal/config"
	"github.com/suPer8Hu/soundscribe/internal/httpapi"
	"github.com/suPer8Hu/soundscribe/internal/pipeline"
	"github.com/suPer8Hu/soundscribe/internal/store/rabbitmq"
	"github.com/suPer8Hu/soundscribe/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	deps := app.Build(cfg)
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		sched pipeline.Scheduler
		pool  *worker.Pool
	)
	switch cfg.QueueBackend {
	case config.QueueLocal:
		// jobs outlive the request and the signal; Shutdown bounds them
		pool = worker.NewPool(cfg.WorkerConcurrency, func(jctx context.Context, t worker.Task) {
			deps.Processor.Run(jctx, t.LinkID, t.URL)
		})
		pool.Start(context.WithoutCancel(ctx))
		sched = pool
	case config.QueueRabbitMQ:
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		defer pub.Close()
		sched = pub
	default:
		log.Fatalf("unsupported QUEUE_BACKEND=%q", cfg.QueueBackend)
	}

	if cfg.RecoverOnStart {
		// with an external queue other workers may own in-flight links,
		// so only the stale ones are failed
		opts := pipeline.RecoverOptions{
			FailInFlight: cfg.QueueBackend == config.QueueLocal,
			StaleAfter:   cfg.StaleJobAge,
		}
		if _, _, err := pipeline.Recover(ctx, deps.Repo, sched, opts); err != nil {
			log.Printf("recover failed: %v", err)
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(deps.Repo, sched),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on %s queue=%s", cfg.HTTPAddr, cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if pool != nil {
			if perr := pool.Shutdown(sctx); perr != nil {
				log.Printf("worker pool shutdown: %v", perr)
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
