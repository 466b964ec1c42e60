package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// ArtifactStore 负责管理缓存正文文件。磁盘布局遵循：
//
//	<ResourcesDir>/<sha256(url)>.<ext>
//
// 目录是扁平的，文件名完全由 Entry 推导，索引中不保存正文。
type ArtifactStore interface {
	// Path 返回 Entry 对应的绝对文件路径，不检查文件是否存在。
	Path(entry Entry) string

	// Open 返回一个可流式读取的缓存正文。文件不存在时返回 ErrNotFound。
	Open(ctx context.Context, entry Entry) (*ReadResult, error)

	// Put 写入正文并覆盖同路径的旧文件。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, entry Entry, body io.Reader) (*Artifact, error)
}

// Artifact 描述磁盘上的一个缓存正文。
type Artifact struct {
	Entry     Entry
	FilePath  string
	SizeBytes int64
	ModTime   time.Time
}

// ReadResult 组合 Artifact 与正文 Reader，便于处理层直接将 Body 流式返回。
type ReadResult struct {
	Artifact Artifact
	Reader   io.ReadSeekCloser
}

// ErrNotFound 表示缓存正文不存在。
var ErrNotFound = errors.New("cache artifact not found")
