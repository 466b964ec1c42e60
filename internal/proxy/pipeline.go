package proxy

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imgrelay/imgrelay/internal/cache"
	"github.com/imgrelay/imgrelay/internal/metrics"
)

// State 是单次请求在索引查找阶段得到的结论。
type State string

const (
	// StateHitValid 索引命中且正文文件存在。
	StateHitValid State = "hit"
	// StateHitInvalid 索引命中但正文文件缺失，按未命中处理。
	StateHitInvalid State = "stale"
	// StateMiss 索引中没有该 URL。
	StateMiss State = "miss"
)

// Resolution 是 Resolve 的结果。仅在 StateHitValid 时 Cached 非空，调用方负责关闭。
type Resolution struct {
	State  State
	Entry  cache.Entry
	Cached *cache.ReadResult
}

// Populated 是 Populate 成功时返回的数据。StoreErr/IndexErr 记录写缓存阶段的失败，
// 它们只影响后续命中率，不影响本次返回的正文。
type Populated struct {
	Entry    cache.Entry
	Body     []byte
	Artifact *cache.Artifact
	StoreErr error
	IndexErr error
}

// Pipeline 实现“查索引 → 检查正文 → 回源 → 写正文 → 写索引”的流程。
type Pipeline struct {
	index   *cache.Index
	store   cache.ArtifactStore
	fetcher ResourceFetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewPipeline 组装流程所需的依赖。
func NewPipeline(index *cache.Index, store cache.ArtifactStore, fetcher ResourceFetcher, logger *logrus.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		index:   index,
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		metrics: m,
	}
}

// Resolve 加载最新索引并判断 url 是否可以直接由磁盘正文响应。
func (p *Pipeline) Resolve(ctx context.Context, url string) Resolution {
	m := p.index.Load(ctx)
	entry, ok := p.index.Lookup(m, url)
	if !ok {
		return Resolution{State: StateMiss}
	}

	result, err := p.store.Open(ctx, entry)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"action": "artifact_open",
				"url":    url,
				"file":   p.store.Path(entry),
			}).Warn("artifact_open_failed")
		}
		return Resolution{State: StateHitInvalid, Entry: entry}
	}

	return Resolution{State: StateHitValid, Entry: entry, Cached: result}
}

// Populate 回源 url，写入正文与索引并返回新鲜的正文。回源失败时索引保持不变。
// 客户端断开不会中断回源与写缓存。
func (p *Pipeline) Populate(ctx context.Context, url string) (*Populated, error) {
	ctx = context.WithoutCancel(ctx)

	fetched, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	entry := cache.NewEntry(url, fetched.ContentType)
	out := &Populated{Entry: entry, Body: fetched.Body}

	artifact, err := p.store.Put(ctx, entry, bytes.NewReader(fetched.Body))
	if err != nil {
		out.StoreErr = err
		p.metrics.ArtifactWriteFailed()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action": "artifact_write",
			"url":    url,
			"file":   p.store.Path(entry),
		}).Error("artifact_write_failed")
		return out, nil
	}
	out.Artifact = artifact

	if err := p.index.Record(ctx, entry); err != nil {
		out.IndexErr = err
		p.metrics.IndexSaveFailed()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action": "index_save",
			"url":    url,
		}).Error("index_save_failed")
	}

	return out, nil
}

// elapsedMillis 返回自 started 起的毫秒数，用于日志字段。
func elapsedMillis(started time.Time) int64 {
	return time.Since(started).Milliseconds()
}
