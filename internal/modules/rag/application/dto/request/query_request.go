package request

// QueryReq 问答查询请求
type QueryReq struct {
	Query string `json:"query" binding:"required"` // 用户问题（必填，非空）
	TopK  int    `json:"top_k"`                    // 检索 Top-K（默认 5，范围 1-50）
}
