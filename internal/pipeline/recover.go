package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/suPer8Hu/soundscribe/internal/links"
	"github.com/suPer8Hu/soundscribe/internal/worker"
)

// Scheduler hands a task to whatever executes processor runs.
type Scheduler interface {
	Enqueue(ctx context.Context, t worker.Task) error
}

type RecoveryStore interface {
	Store
	ListByStatus(ctx context.Context, statuses ...links.Status) ([]links.Link, error)
}

const (
	interruptedReason = "interrupted: processing did not complete before the service stopped"
	staleReason       = "interrupted: no progress recorded for %s"
)

type RecoverOptions struct {
	// FailInFlight fails every downloading/transcribing link. Only safe when
	// no other process may be running them.
	FailInFlight bool
	// StaleAfter fails in-flight links whose last update is older than this.
	// Zero disables it. Ignored when FailInFlight is set.
	StaleAfter time.Duration
}

// Recover reschedules links still pending from a previous run and fails
// links a previous process left mid-pipeline, per opts.
func Recover(ctx context.Context, store RecoveryStore, sched Scheduler, opts RecoverOptions) (requeued, failed int, err error) {
	switch {
	case opts.FailInFlight:
		failed, err = failInFlight(ctx, store, time.Time{}, interruptedReason)
	case opts.StaleAfter > 0:
		failed, err = FailStale(ctx, store, opts.StaleAfter)
	}
	if err != nil {
		return 0, failed, err
	}

	pending, err := store.ListByStatus(ctx, links.StatusPending)
	if err != nil {
		return 0, failed, fmt.Errorf("list pending links: %w", err)
	}
	for _, l := range pending {
		if err := sched.Enqueue(ctx, worker.Task{LinkID: l.ID, URL: l.URL}); err != nil {
			return requeued, failed, fmt.Errorf("enqueue link %d: %w", l.ID, err)
		}
		requeued++
	}

	if requeued > 0 || failed > 0 {
		log.Printf("recover: requeued=%d failed=%d", requeued, failed)
	}
	return requeued, failed, nil
}

// FailStale fails downloading/transcribing links not updated for olderThan.
// Safe to run while other processes work the same table: a runner that is
// still alive loses its final write and the link stays failed.
func FailStale(ctx context.Context, store RecoveryStore, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	return failInFlight(ctx, store, time.Now().Add(-olderThan), fmt.Sprintf(staleReason, olderThan))
}

// failInFlight fails in-flight links last updated before cutoff; a zero
// cutoff matches all of them.
func failInFlight(ctx context.Context, store RecoveryStore, cutoff time.Time, reason string) (int, error) {
	stuck, err := store.ListByStatus(ctx, links.StatusDownloading, links.StatusTranscribing)
	if err != nil {
		return 0, fmt.Errorf("list in-flight links: %w", err)
	}
	failed := 0
	for _, l := range stuck {
		if !cutoff.IsZero() && !l.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, err := store.Update(ctx, l.ID, links.FailedPatch(reason)); err != nil {
			log.Printf("recover: mark link=%d failed: %v", l.ID, err)
			continue
		}
		failed++
	}
	return failed, nil
}
