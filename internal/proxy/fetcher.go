package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/imgrelay/imgrelay/internal/cache"
	"github.com/imgrelay/imgrelay/internal/config"
	"github.com/imgrelay/imgrelay/internal/metrics"
)

// Fetched 是一次成功回源的结果，正文完整读入内存。
type Fetched struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
}

// FetchError 描述回源失败（网络错误或非 2xx），Status 为 0 表示未收到响应。
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ResourceFetcher 抽象一次回源 GET，便于测试替换。
type ResourceFetcher interface {
	Fetch(ctx context.Context, url string) (*Fetched, error)
}

// Fetcher 使用共享 http.Client 发起单次 GET，不做重试。
type Fetcher struct {
	client  *http.Client
	accept  string
	metrics *metrics.Metrics
}

// NewFetcher 构造 Fetcher；accept 为空时使用默认的图片优先 Accept 头。
func NewFetcher(client *http.Client, accept string, m *metrics.Metrics) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if accept == "" {
		accept = config.DefaultAcceptHeader
	}
	return &Fetcher{client: client, accept: accept, metrics: m}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (*Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", f.accept)

	started := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.ObserveFetch(0, time.Since(started))
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	f.metrics.ObserveFetch(resp.StatusCode, time.Since(started))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			URL:    url,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("Request failed with status code %d", resp.StatusCode),
		}
	}
	if err != nil {
		return nil, &FetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = cache.DefaultContentType
	}

	return &Fetched{
		URL:         url,
		Status:      resp.StatusCode,
		ContentType: contentType,
		Body:        body,
	}, nil
}
