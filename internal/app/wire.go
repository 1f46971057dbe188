// Package app assembles the components shared by the server and worker binaries.
package app

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/suPer8Hu/soundscribe/internal/config"
	"github.com/suPer8Hu/soundscribe/internal/db"
	"github.com/suPer8Hu/soundscribe/internal/document"
	"github.com/suPer8Hu/soundscribe/internal/download"
	"github.com/suPer8Hu/soundscribe/internal/links"
	"github.com/suPer8Hu/soundscribe/internal/pipeline"
	"github.com/suPer8Hu/soundscribe/internal/store/redisstore"
	"github.com/suPer8Hu/soundscribe/internal/transcribe"
)

// Deps are the long-lived components both binaries need. Close releases
// whatever external connections were opened.
type Deps struct {
	Repo      *links.Repo
	Processor *pipeline.Processor

	closers []io.Closer
}

func (d *Deps) Close() {
	for _, c := range d.closers {
		_ = c.Close()
	}
}

// Build connects the database (and Redis when configured) and wires the
// processing pipeline. It exits the process on unrecoverable setup errors.
func Build(cfg config.Config) *Deps {
	d := &Deps{}

	gdb := db.Connect(cfg.DBDSN)

	var locker links.Locker
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rds.Ping(ctx)
		cancel()
		if err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		d.closers = append(d.closers, rds)
		locker = rds
		log.Printf("using redis locks addr=%s", cfg.RedisAddr)
	}
	d.Repo = links.NewRepo(gdb, locker)

	dl := download.NewSoundCloud(cfg.DownloaderBaseURL, cfg.AudioTempDir, cfg.DownloadTimeout)

	tr := transcribe.NewWhisper(transcribe.Options{
		FFmpegPath:  cfg.FFmpegPath,
		WhisperPath: cfg.WhisperPath,
		ModelPath:   cfg.WhisperModel,
		Language:    cfg.TranscriptLanguage,
		Concurrency: cfg.TranscribeConcurrency,
	})
	if err := tr.Check(); err != nil {
		// jobs will fail in the transcribe phase until the model is installed
		log.Printf("WARN transcriber not ready: %v", err)
	}

	doc := document.NewDocx(cfg.WordDir, cfg.DocumentRTL)

	d.Processor = pipeline.NewProcessor(d.Repo, dl, tr, doc)
	return d
}
