package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mapping 是 URL → Entry 的索引快照，键为请求中的原始 URL，不做任何规范化。
type Mapping map[string]Entry

// IndexBackend 是索引的持久化适配器，序列化格式由实现决定。
// Read 在存储不存在时应返回空 Mapping 与 nil。
type IndexBackend interface {
	Read(ctx context.Context) (Mapping, error)
	Write(ctx context.Context, m Mapping) error
}

// Index 以注入的 backend 为存储，每次调用 Load 都重新读取，进程内不缓存快照。
type Index struct {
	backend IndexBackend
	logger  *logrus.Logger

	// writeMu 串行化 Record 的“读取-修改-写回”，避免同进程内的并发请求互相覆盖。
	writeMu sync.Mutex
}

// NewIndex 构造索引服务。
func NewIndex(backend IndexBackend, logger *logrus.Logger) *Index {
	return &Index{backend: backend, logger: logger}
}

// Load 读取最新的索引快照。读取或解析失败时记录日志并返回空 Mapping。
func (i *Index) Load(ctx context.Context) Mapping {
	m, err := i.backend.Read(ctx)
	if err != nil {
		if i.logger != nil {
			i.logger.WithError(err).WithField("action", "index_load").Warn("index_load_failed")
		}
		return Mapping{}
	}
	if m == nil {
		return Mapping{}
	}
	return m
}

// Lookup 按 URL 精确匹配（区分大小写）。
func (i *Index) Lookup(m Mapping, url string) (Entry, bool) {
	entry, ok := m[url]
	if !ok {
		return Entry{}, false
	}
	entry.URL = url
	return entry, true
}

// Save 用 m 整体覆盖持久化存储，失败时返回错误。
func (i *Index) Save(ctx context.Context, m Mapping) error {
	return i.backend.Write(ctx, m)
}

// Record 重新加载索引，插入或替换 entry 后立即写回。
func (i *Index) Record(ctx context.Context, entry Entry) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	m := i.Load(ctx)
	m[entry.URL] = entry
	return i.Save(ctx, m)
}

// Entries 返回按 URL 排序的索引条目，用于诊断输出。
func (i *Index) Entries(ctx context.Context) []Entry {
	m := i.Load(ctx)
	result := make([]Entry, 0, len(m))
	for url, entry := range m {
		entry.URL = url
		result = append(result, entry)
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].URL < result[b].URL
	})
	return result
}
