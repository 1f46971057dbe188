package handlers

import (
	"context"

	"github.com/suPer8Hu/soundscribe/internal/links"
	"github.com/suPer8Hu/soundscribe/internal/pipeline"
)

// LinkStore is the read/create side of the link repository.
type LinkStore interface {
	Create(ctx context.Context, url string) (*links.Link, error)
	Get(ctx context.Context, id int64) (*links.Link, error)
	List(ctx context.Context) ([]links.Link, error)
}

type Handler struct {
	Links     LinkStore
	Scheduler pipeline.Scheduler
}

func NewHandler(store LinkStore, sched pipeline.Scheduler) *Handler {
	return &Handler{Links: store, Scheduler: sched}
}
