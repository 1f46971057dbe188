package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/soundscribe/internal/common"
	"github.com/suPer8Hu/soundscribe/internal/httpapi/handlers"
	"github.com/suPer8Hu/soundscribe/internal/httpapi/middleware"
	"github.com/suPer8Hu/soundscribe/internal/pipeline"
)

func NewRouter(store handlers.LinkStore, sched pipeline.Scheduler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(store, sched)

	r.GET("/ping", h.Ping)

	g := r.Group("/soundcloud-links")
	g.POST("/", h.CreateLink)
	g.GET("/", h.ListLinks)
	g.GET("/:id", h.GetLink)
	g.GET("/:id/document", h.GetLinkDocument)
	return r
}
