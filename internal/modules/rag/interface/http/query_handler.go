package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ragRequest "RagLink/internal/modules/rag/application/dto/request"
	"RagLink/internal/modules/rag/application/service"
	"RagLink/pkg/back"
	"RagLink/pkg/xerr"
	"RagLink/pkg/zlog"
)

// QueryHandler 问答查询 HTTP Handler
type QueryHandler struct {
	querySvc service.QueryService
}

func NewQueryHandler(querySvc service.QueryService) *QueryHandler {
	return &QueryHandler{querySvc: querySvc}
}

// Query 处理问答查询请求
//
// 路由: POST /query
// 请求体: QueryReq{query, top_k}
// 响应体: QueryRespond（含来源与缓存命中标识）
func (h *QueryHandler) Query(c *gin.Context) {
	var req ragRequest.QueryReq
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	data, err := h.querySvc.Query(c.Request.Context(), req)
	if err != nil {
		zlog.Warn("query failed", zap.Error(err))
	}
	back.Result(c, data, err)
}
