package handlers

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/soundscribe/internal/common"
	"github.com/suPer8Hu/soundscribe/internal/links"
	"github.com/suPer8Hu/soundscribe/internal/worker"
)

type createLinkReq struct {
	URL string `json:"url" binding:"required,url"`
}

type linkView struct {
	ID            int64        `json:"id"`
	URL           string       `json:"url"`
	Status        links.Status `json:"status"`
	WordFilePath  *string      `json:"word_file_path"`
	FailureReason *string      `json:"failure_reason,omitempty"`
}

func toView(l *links.Link) linkView {
	return linkView{
		ID:            l.ID,
		URL:           l.URL,
		Status:        l.Status,
		WordFilePath:  l.WordFilePath,
		FailureReason: l.FailureReason,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// CreateLink records the link and schedules processing; it never waits for it.
func (h *Handler) CreateLink(c *gin.Context) {
	var req createLinkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "url is required and must be a valid URL")
		return
	}

	ctx := c.Request.Context()
	l, err := h.Links.Create(ctx, req.URL)
	if err != nil {
		log.Printf("[CreateLink] Create failed url=%s err=%v", req.URL, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if err := h.Scheduler.Enqueue(ctx, worker.Task{LinkID: l.ID, URL: l.URL}); err != nil {
		// the link stays pending and is picked up again on the next start
		log.Printf("[CreateLink] Enqueue failed link=%d err=%v", l.ID, err)
		common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
		return
	}

	c.JSON(http.StatusOK, toView(l))
}

func (h *Handler) ListLinks(c *gin.Context) {
	all, err := h.Links.List(c.Request.Context())
	if err != nil {
		log.Printf("[ListLinks] List failed err=%v", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	out := make([]linkView, 0, len(all))
	for i := range all {
		out = append(out, toView(&all[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetLink(c *gin.Context) {
	l, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toView(l))
}

// GetLinkDocument serves the generated Word file of a finished link.
func (h *Handler) GetLinkDocument(c *gin.Context) {
	l, ok := h.lookup(c)
	if !ok {
		return
	}
	if l.Status != links.StatusFinished || l.WordFilePath == nil {
		common.Fail(c, http.StatusConflict, 40901, "document not ready (status "+string(l.Status)+")")
		return
	}
	if _, err := os.Stat(*l.WordFilePath); err != nil {
		log.Printf("[GetLinkDocument] stat failed link=%d path=%s err=%v", l.ID, *l.WordFilePath, err)
		common.Fail(c, http.StatusNotFound, 40402, "document file not found")
		return
	}
	c.FileAttachment(*l.WordFilePath, filepath.Base(*l.WordFilePath))
}

func (h *Handler) lookup(c *gin.Context) (*links.Link, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid link id")
		return nil, false
	}

	l, err := h.Links.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, links.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "link not found")
			return nil, false
		}
		log.Printf("[GetLink] Get failed link=%d err=%v", id, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return nil, false
	}
	return l, true
}
