package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("object not found")

// FsObjectStore 文件系统对象存储：root/<bucket>/<key>。
// 生产环境可替换为 S3/OSS 适配器，接口不变。
type FsObjectStore struct {
	root string
}

func NewFsObjectStore(root string) (*FsObjectStore, error) {
	if root == "" {
		root = "./data/objects"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("object store root: %w", err)
	}
	return &FsObjectStore{root: root}, nil
}

// resolve 拼出对象路径并拒绝越出 root 的 key
func (s *FsObjectStore) resolve(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("empty bucket or key")
	}
	p := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	base, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("key escapes store root: %s", key)
	}
	return p, nil
}

func (s *FsObjectStore) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	p, err := s.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (s *FsObjectStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	p, err := s.resolve(bucket, key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Put 写入对象（测试与本地灌数用）
func (s *FsObjectStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	p, err := s.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
