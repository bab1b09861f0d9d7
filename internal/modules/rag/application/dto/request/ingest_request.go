package request

import (
	"net/url"
	"strings"
)

// IngestObjectRef 规范化后的待摄取对象定位
type IngestObjectRef struct {
	Bucket      string
	Key         string
	ContentType string
}

// IngestRecord 对象存储事件通知风格的单条记录（兼容 S3 事件布局）
type IngestRecord struct {
	S3 struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key         string `json:"key"`
			ContentType string `json:"contentType"`
		} `json:"object"`
	} `json:"s3"`
}

// IngestReq 摄取请求。两种形态二选一：
// 直接指定 bucket/key，或携带事件通知的 records 批量摄取。
type IngestReq struct {
	Bucket      string         `json:"bucket"`
	Key         string         `json:"key"`
	ContentType string         `json:"content_type"`
	Records     []IngestRecord `json:"records"`
}

// Objects 展开为规范化对象列表。事件通知里的 key 是 URL 编码的
// （空格被编码为 +），这里统一解码后再进入流水线。
func (r *IngestReq) Objects() []IngestObjectRef {
	out := make([]IngestObjectRef, 0, len(r.Records)+1)
	if strings.TrimSpace(r.Key) != "" {
		out = append(out, IngestObjectRef{
			Bucket:      strings.TrimSpace(r.Bucket),
			Key:         strings.TrimSpace(r.Key),
			ContentType: strings.TrimSpace(r.ContentType),
		})
	}
	for _, rec := range r.Records {
		key := rec.S3.Object.Key
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out = append(out, IngestObjectRef{
			Bucket:      strings.TrimSpace(rec.S3.Bucket.Name),
			Key:         key,
			ContentType: strings.TrimSpace(rec.S3.Object.ContentType),
		})
	}
	return out
}

// ResumeReq 断点续摄请求：只重排未入库的 chunk
type ResumeReq struct {
	DocumentId string `json:"document_id" binding:"required"`
}
