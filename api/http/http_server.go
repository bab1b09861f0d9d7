package http

import (
	"net/http"

	cors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"RagLink/internal/modules/rag/application/service"
	"RagLink/internal/modules/rag/domain/repository"
	ragHandler "RagLink/internal/modules/rag/interface/http"
)

// NewEngine 组装路由。依赖全部显式注入，路由本身不做初始化。
func NewEngine(ingestSvc service.IngestService, querySvc service.QueryService, vs repository.VectorStore) *gin.Engine {
	ge := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	ge.Use(cors.New(corsConfig))

	ingestH := ragHandler.NewIngestHandler(ingestSvc)
	queryH := ragHandler.NewQueryHandler(querySvc)

	ge.POST("/query", queryH.Query)
	ge.POST("/ingest", ingestH.Ingest)
	ge.POST("/ingest/resume", ingestH.Resume)
	ge.GET("/ingest/status/:document_id", ingestH.Status)

	ge.GET("/healthz", func(c *gin.Context) {
		stats, err := vs.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"vectorStore": stats.Backend,
			"vectorCount": stats.VectorCount,
			"vectorDim":   stats.Dimension,
		})
	})
	return ge
}
