package repository

import "context"

// ObjectStore 原始文档对象读取抽象（桶 + key 定位）。
// infrastructure 提供文件系统实现，后续可替换为 S3/OSS 等对象存储。
type ObjectStore interface {
	// Fetch 读取对象内容，对象不存在应返回可被 errors.Is 识别的错误
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
	// Exists 判断对象是否存在
	Exists(ctx context.Context, bucket, key string) (bool, error)
}
