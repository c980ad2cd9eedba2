package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"inpaint-service/app/config"

	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
)

// 命名空间，对应上传目录和结果目录
const (
	NamespaceUpload = "uploads"
	NamespaceResult = "results"
)

// ErrBlobNotFound blob 不存在
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore 按 key 存取图片数据
type BlobStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) bool
}

// UploadKey 上传文件的 key
func UploadKey(name string) string {
	return NamespaceUpload + "/" + name
}

// ResultKey 结果文件的 key
func ResultKey(name string) string {
	return NamespaceResult + "/" + name
}

// FileStore 基于 afero 的 blob 存储，结果文件带读缓存
type FileStore struct {
	roots map[string]afero.Fs
	cache *cache.Cache
}

// NewFileStore 使用本地磁盘目录创建存储
func NewFileStore(cfg config.StorageConfig) (*FileStore, error) {
	osFs := afero.NewOsFs()
	for _, dir := range []string{cfg.UploadDir, cfg.ResultDir} {
		if err := osFs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建存储目录失败 %s: %w", dir, err)
		}
	}

	return newStore(
		afero.NewBasePathFs(osFs, cfg.UploadDir),
		afero.NewBasePathFs(osFs, cfg.ResultDir),
		cfg.CacheTTL,
	), nil
}

// NewMemStore 创建内存存储，测试用
func NewMemStore() *FileStore {
	memFs := afero.NewMemMapFs()
	return newStore(
		afero.NewBasePathFs(memFs, "/"+NamespaceUpload),
		afero.NewBasePathFs(memFs, "/"+NamespaceResult),
		time.Minute,
	)
}

func newStore(uploads, results afero.Fs, ttl time.Duration) *FileStore {
	s := &FileStore{
		roots: map[string]afero.Fs{
			NamespaceUpload: uploads,
			NamespaceResult: results,
		},
	}
	if ttl > 0 {
		s.cache = cache.New(ttl, 2*ttl)
	}
	return s
}

// resolve 把 key 拆成命名空间对应的文件系统和文件名
func (s *FileStore) resolve(key string) (afero.Fs, string, error) {
	namespace, name, ok := strings.Cut(key, "/")
	if !ok || name == "" || strings.Contains(name, "..") {
		return nil, "", fmt.Errorf("无效的 blob key: %q", key)
	}
	fs, ok := s.roots[namespace]
	if !ok {
		return nil, "", fmt.Errorf("未知的命名空间: %q", namespace)
	}
	return fs, name, nil
}

func (s *FileStore) cacheable(key string) bool {
	return s.cache != nil && strings.HasPrefix(key, NamespaceResult+"/")
}

// Put 写入数据，覆盖同名文件
func (s *FileStore) Put(key string, data []byte) error {
	fs, name, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, name, data, 0644); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", key, err)
	}
	if s.cacheable(key) {
		s.cache.Delete(key)
	}
	return nil
}

// Get 读取数据，结果文件优先走缓存
func (s *FileStore) Get(key string) ([]byte, error) {
	if s.cacheable(key) {
		if data, found := s.cache.Get(key); found {
			return data.([]byte), nil
		}
	}

	fs, name, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("读取 %s 失败: %w", key, err)
	}

	if s.cacheable(key) {
		s.cache.Set(key, data, cache.DefaultExpiration)
	}
	return data, nil
}

// Delete 删除数据，不存在时不报错
func (s *FileStore) Delete(key string) error {
	if s.cacheable(key) {
		s.cache.Delete(key)
	}
	fs, name, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除 %s 失败: %w", key, err)
	}
	return nil
}

// Exists 检查 key 是否存在
func (s *FileStore) Exists(key string) bool {
	fs, name, err := s.resolve(key)
	if err != nil {
		return false
	}
	ok, err := afero.Exists(fs, name)
	return err == nil && ok
}

// Clear 清空命名空间下的所有文件，返回删除数量
func (s *FileStore) Clear(namespace string) (int, error) {
	fs, ok := s.roots[namespace]
	if !ok {
		return 0, fmt.Errorf("未知的命名空间: %q", namespace)
	}
	entries, err := afero.ReadDir(fs, "/")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if err := fs.RemoveAll(entry.Name()); err != nil {
			return removed, fmt.Errorf("清理 %s/%s 失败: %w", namespace, entry.Name(), err)
		}
		if s.cacheable(namespace + "/" + entry.Name()) {
			s.cache.Delete(namespace + "/" + entry.Name())
		}
		removed++
	}
	return removed, nil
}
