package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// indexRecord 是 log.json 中单条记录的磁盘格式。
type indexRecord struct {
	Exists      bool   `json:"exists"`
	ContentType string `json:"contentType"`
	Extension   string `json:"extension"`
	Hash        string `json:"hash"`
}

// FileBackend 将索引保存为单个 JSON 对象，每次写入都整体重写。
type FileBackend struct {
	path string
}

// NewFileBackend 使用 path 作为索引文件位置。
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path 返回索引文件路径。
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Read(ctx context.Context) (Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Mapping{}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	var records map[string]indexRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", b.path, err)
	}

	m := make(Mapping, len(records))
	for url, rec := range records {
		m[url] = Entry{
			URL:         url,
			ContentType: rec.ContentType,
			Extension:   rec.Extension,
			Hash:        rec.Hash,
		}
	}
	return m, nil
}

func (b *FileBackend) Write(ctx context.Context, m Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	records := make(map[string]indexRecord, len(m))
	for url, entry := range m {
		records[url] = indexRecord{
			Exists:      true,
			ContentType: entry.ContentType,
			Extension:   entry.Extension,
			Hash:        entry.Hash,
		}
	}

	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	dir := filepath.Dir(b.path)
	tempFile, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload.Bytes())
	if err == nil {
		// CreateTemp 默认 0600，索引需对其他进程可读。
		err = tempFile.Chmod(0o644)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return fmt.Errorf("write index: %w", err)
	}

	if err := os.Rename(tempName, b.path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// MemoryBackend 在进程内保存索引，读写时复制 Mapping。
type MemoryBackend struct {
	mu   sync.RWMutex
	data Mapping
}

// NewMemoryBackend 创建空的内存索引。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: Mapping{}}
}

func (b *MemoryBackend) Read(ctx context.Context) (Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return cloneMapping(b.data), nil
}

func (b *MemoryBackend) Write(ctx context.Context, m Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.data = cloneMapping(m)
	b.mu.Unlock()
	return nil
}

func cloneMapping(m Mapping) Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
