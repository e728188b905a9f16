package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Info is reported by /health
type Info struct {
	Version     string
	InstanceID  string
	LockBackend string
}

// NewRouter builds the gin engine with health, metrics and the API routes
func NewRouter(h *Handler, gatherer prometheus.Gatherer, info Info) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "healthy",
			"version":      info.Version,
			"instance_id":  info.InstanceID,
			"lock_backend": info.LockBackend,
			"time":         time.Now().UTC(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	h.RegisterRoutes(r)
	return r
}
