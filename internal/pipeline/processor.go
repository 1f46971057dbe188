// Package pipeline drives a submitted link from pending to a terminal state:
// download the audio, transcribe it, write the transcript document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/suPer8Hu/soundscribe/internal/links"
)

// Downloader materialises the audio behind a track URL as a local file.
// The caller owns the returned file.
type Downloader interface {
	Fetch(ctx context.Context, url string) (path string, err error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (text string, err error)
}

// DocumentWriter persists a transcript and returns the artifact path. The same
// link id always maps to the same artifact name.
type DocumentWriter interface {
	Write(ctx context.Context, text string, linkID int64) (path string, err error)
}

// Store is the part of the link repository the processor writes to.
type Store interface {
	Update(ctx context.Context, id int64, p links.Patch) (*links.Link, error)
}

type Phase string

const (
	PhaseDownload   Phase = "download"
	PhaseTranscribe Phase = "transcribe"
	PhaseDocument   Phase = "document"
)

// PhaseError is a collaborator failure tagged with the phase it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

type Processor struct {
	store       Store
	downloader  Downloader
	transcriber Transcriber
	writer      DocumentWriter

	removeFile func(name string) error
}

func NewProcessor(store Store, d Downloader, t Transcriber, w DocumentWriter) *Processor {
	return &Processor{
		store:       store,
		downloader:  d,
		transcriber: t,
		writer:      w,
		removeFile:  os.Remove,
	}
}

type phaseTimings struct {
	download, transcribe, write time.Duration
}

// Run drives one link to finished or failed. Outcomes are only observable
// through the store.
func (p *Processor) Run(ctx context.Context, linkID int64, sourceURL string) {
	if err := p.RunE(ctx, linkID, sourceURL); err != nil {
		log.Printf("job_store_error link=%d err=%v", linkID, err)
	}
}

// RunE is Run for callers that can retry. Collaborator failures end as a
// failed link and return nil; the error is non-nil only when the store could
// not record the outcome, so the link is still pending or left in flight.
// A link that is no longer pending is skipped.
func (p *Processor) RunE(ctx context.Context, linkID int64, sourceURL string) (err error) {
	start := time.Now()
	var (
		timings phaseTimings
		started bool
	)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("job_panic link=%d panic=%v", linkID, r)
			if started {
				err = p.fail(ctx, linkID, fmt.Errorf("internal error: %v", r))
			}
		}
	}()

	claimed, err := p.store.Update(ctx, linkID, links.ClaimPatch())
	if err != nil {
		if errors.Is(err, links.ErrInvalidTransition) {
			log.Printf("job_skipped link=%d err=%v", linkID, err)
			return nil
		}
		log.Printf("job_start_failed link=%d err=%v", linkID, err)
		return fmt.Errorf("claim link %d: %w", linkID, err)
	}
	started = true
	if sourceURL == "" {
		sourceURL = claimed.URL
	}

	artifact, err := p.process(ctx, linkID, sourceURL, &timings)
	if err != nil {
		log.Printf("job_failed link=%d download=%s transcribe=%s write=%s total=%s err=%v",
			linkID, timings.download, timings.transcribe, timings.write, time.Since(start), err,
		)
		return p.fail(ctx, linkID, err)
	}

	if _, err := p.store.Update(ctx, linkID, links.FinishedPatch(artifact)); err != nil {
		log.Printf("job_finish_failed link=%d err=%v", linkID, err)
		if errors.Is(err, links.ErrInvalidTransition) {
			// terminated elsewhere, e.g. by the stale sweep
			return nil
		}
		return p.fail(ctx, linkID, err)
	}

	log.Printf("job_timing link=%d download=%s transcribe=%s write=%s total=%s",
		linkID, timings.download, timings.transcribe, timings.write, time.Since(start),
	)
	return nil
}

func (p *Processor) process(ctx context.Context, linkID int64, sourceURL string, timings *phaseTimings) (string, error) {
	t0 := time.Now()
	audioPath, err := p.downloader.Fetch(ctx, sourceURL)
	timings.download = time.Since(t0)
	if err != nil {
		return "", &PhaseError{Phase: PhaseDownload, Err: err}
	}

	if _, err := p.store.Update(ctx, linkID, links.StatusPatch(links.StatusTranscribing)); err != nil {
		p.release(linkID, audioPath)
		return "", err
	}

	t1 := time.Now()
	text, err := p.transcribe(ctx, linkID, audioPath)
	timings.transcribe = time.Since(t1)
	if err != nil {
		return "", &PhaseError{Phase: PhaseTranscribe, Err: err}
	}

	t2 := time.Now()
	artifact, err := p.writer.Write(ctx, text, linkID)
	timings.write = time.Since(t2)
	if err != nil {
		return "", &PhaseError{Phase: PhaseDocument, Err: err}
	}
	if artifact == "" {
		return "", &PhaseError{Phase: PhaseDocument, Err: errors.New("document writer returned an empty path")}
	}
	return artifact, nil
}

// transcribe owns audioPath: it is removed once the attempt is over.
func (p *Processor) transcribe(ctx context.Context, linkID int64, audioPath string) (string, error) {
	defer p.release(linkID, audioPath)
	return p.transcriber.Transcribe(ctx, audioPath)
}

func (p *Processor) release(linkID int64, audioPath string) {
	if audioPath == "" {
		return
	}
	if err := p.removeFile(audioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("job_cleanup_failed link=%d path=%s err=%v", linkID, audioPath, err)
	}
}

// fail records the terminal failure even if ctx was cancelled. It returns an
// error only when the link could not be marked failed.
func (p *Processor) fail(ctx context.Context, linkID int64, cause error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.store.Update(wctx, linkID, links.FailedPatch(cause.Error())); err != nil {
		if errors.Is(err, links.ErrInvalidTransition) {
			return nil
		}
		log.Printf("job_mark_failed_failed link=%d cause=%v err=%v", linkID, cause, err)
		return fmt.Errorf("mark link %d failed: %w", linkID, errors.Join(err, cause))
	}
	return nil
}
