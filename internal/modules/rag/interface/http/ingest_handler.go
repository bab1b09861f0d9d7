package http

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ragRequest "RagLink/internal/modules/rag/application/dto/request"
	"RagLink/internal/modules/rag/application/service"
	"RagLink/pkg/back"
	"RagLink/pkg/xerr"
	"RagLink/pkg/zlog"
)

// IngestHandler 文档摄取 HTTP Handler
type IngestHandler struct {
	ingestSvc service.IngestService
}

func NewIngestHandler(ingestSvc service.IngestService) *IngestHandler {
	return &IngestHandler{ingestSvc: ingestSvc}
}

// Ingest 受理文档摄取请求
//
// 路由: POST /ingest
// 请求体: IngestReq（bucket/key 直传或事件通知 records）
// 响应体: IngestRespond（每个对象独立成败）
func (h *IngestHandler) Ingest(c *gin.Context) {
	var req ragRequest.IngestReq
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	data, err := h.ingestSvc.Ingest(c.Request.Context(), req)
	if err != nil {
		zlog.Warn("ingest rejected", zap.Error(err))
	}
	back.Result(c, data, err)
}

// Status 查询文档摄取进度
//
// 路由: GET /ingest/status/:document_id
func (h *IngestHandler) Status(c *gin.Context) {
	documentId := strings.TrimSpace(c.Param("document_id"))
	if documentId == "" {
		back.Error(c, xerr.BadRequest, "missing document_id")
		return
	}
	data, err := h.ingestSvc.Status(c.Request.Context(), documentId)
	back.Result(c, data, err)
}

// Resume 断点续摄：重排失败文档里未入库的 chunk
//
// 路由: POST /ingest/resume
// 请求体: ResumeReq
func (h *IngestHandler) Resume(c *gin.Context) {
	var req ragRequest.ResumeReq
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	data, err := h.ingestSvc.Resume(c.Request.Context(), req.DocumentId)
	if err != nil {
		zlog.Warn("resume rejected", zap.String("documentId", req.DocumentId), zap.Error(err))
	}
	back.Result(c, data, err)
}
