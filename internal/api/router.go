package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log()), CORS())
	h.Register(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API route not found"})
	})
	return r
}

// Register mounts the API on r.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")
	{
		api.GET("/records", h.ListRecords)
		api.POST("/records", h.CreateRecord)
		api.GET("/records/:id", h.GetRecord)
		api.PATCH("/records/:id", h.UpdateRecord)
		api.DELETE("/records/:id", h.DeleteRecord)

		api.GET("/recipes", h.ListRecipes)
		api.GET("/recipes/:recipe/limits", h.GetLimits)
		api.PUT("/recipes/:recipe/limits/:parameter", h.PutLimit)
		api.DELETE("/recipes/:recipe/limits/:parameter", h.DeleteLimit)
		api.POST("/recipes/:recipe/limits/:parameter/compute", h.ComputeLimit)
		api.POST("/recipes/:recipe/compute", h.ComputeAllLimits)
		api.GET("/recipes/:recipe/parameters/:parameter/capability", h.Capability)
		api.GET("/recipes/:recipe/parameters/:parameter/status", h.ParameterStatus)
		api.GET("/recipes/:recipe/summary", h.Summary)

		api.POST("/ingest/:kind", h.Ingest)
		api.POST("/webhook", h.Webhook)

		api.GET("/export", h.Export)
		api.POST("/import", h.Import)

		api.GET("/sync", h.SyncStatus)
		api.POST("/sync/start", h.StartSync)
		api.POST("/sync/stop", h.StopSync)
		api.POST("/sync/run", h.RunSync)
	}
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
	}
}

// CORS allows browser clients on any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Webhook-Signature, X-Hub-Signature-256, Stripe-Signature, X-Webhook-Hash")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger logs one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
