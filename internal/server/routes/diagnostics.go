package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/imgrelay/imgrelay/internal/cache"
	"github.com/imgrelay/imgrelay/internal/metrics"
	"github.com/imgrelay/imgrelay/internal/version"
)

// IndexLister 提供诊断所需的索引快照。
type IndexLister interface {
	Entries(ctx context.Context) []cache.Entry
}

// PathResolver 将 Entry 映射为磁盘路径。
type PathResolver interface {
	Path(entry cache.Entry) string
}

// RegisterDiagnosticRoutes 暴露 /-/healthz、/-/index 与 /-/metrics，供运维排查缓存状态。
func RegisterDiagnosticRoutes(app *fiber.App, index IndexLister, paths PathResolver, m *metrics.Metrics) {
	if app == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(m.Handler()))

	if index == nil {
		return
	}

	app.Get("/-/index", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		entries := index.Entries(ctx)
		return c.JSON(fiber.Map{
			"count":   len(entries),
			"entries": encodeEntries(entries, paths),
		})
	})
}

type entryPayload struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Extension   string `json:"extension"`
	Hash        string `json:"hash"`
	File        string `json:"file,omitempty"`
}

func encodeEntries(entries []cache.Entry, paths PathResolver) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		item := entryPayload{
			URL:         entry.URL,
			ContentType: entry.ContentType,
			Extension:   entry.ResolvedExtension(),
			Hash:        cache.Digest(entry.URL),
		}
		if paths != nil {
			item.File = paths.Path(entry)
		}
		result = append(result, item)
	}
	return result
}
