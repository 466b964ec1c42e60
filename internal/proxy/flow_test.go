package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/imgrelay/imgrelay/internal/cache"
	"github.com/imgrelay/imgrelay/internal/logging"
	"github.com/imgrelay/imgrelay/internal/metrics"
	"github.com/imgrelay/imgrelay/internal/server"
)

func TestRelayRoundTripServesCachedBytes(t *testing.T) {
	payload := []byte("RIFF\x00\x00\x00\x00WEBPVP8 binary")
	upstream := newUpstreamStub(t, "image/webp", payload)
	fx := newRelayFixture(t, fileIndexBackend)
	target := upstream.URL + "/cat.webp"

	resp := fx.post(t, target)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/webp" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if resp.ContentLength != int64(len(payload)) {
		t.Fatalf("unexpected content length: %d", resp.ContentLength)
	}
	if got := readBody(t, resp); !bytes.Equal(got, payload) {
		t.Fatalf("fresh body mismatch: %q", got)
	}
	if hit := resp.Header.Get("X-Imgrelay-Cache"); hit != "miss" {
		t.Fatalf("expected miss header, got %q", hit)
	}

	resp2 := fx.post(t, target)
	if resp2.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on hit, got %d", resp2.StatusCode)
	}
	if hit := resp2.Header.Get("X-Imgrelay-Cache"); hit != "hit" {
		t.Fatalf("expected hit header, got %q", hit)
	}
	if got := readBody(t, resp2); !bytes.Equal(got, payload) {
		t.Fatalf("cached body mismatch: %q", got)
	}
	if upstream.Hits() != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", upstream.Hits())
	}

	artifact := filepath.Join(fx.resourcesDir, cache.Digest(target)+".webp")
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	raw, err := os.ReadFile(fx.indexPath)
	if err != nil {
		t.Fatalf("index not written: %v", err)
	}
	var index map[string]map[string]any
	if err := json.Unmarshal(raw, &index); err != nil {
		t.Fatalf("index is not json: %v", err)
	}
	rec := index[target]
	if rec["exists"] != true || rec["contentType"] != "image/webp" || rec["extension"] != "webp" || rec["hash"] != cache.Digest(target) {
		t.Fatalf("unexpected index record: %v", rec)
	}
}

func TestRelayHitInfersContentTypeFromExtension(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png; charset=binary", []byte("png"))
	fx := newRelayFixture(t, fileIndexBackend)
	target := upstream.URL + "/a"

	readBody(t, fx.post(t, target))
	resp := fx.post(t, target)
	if resp.Header.Get("X-Imgrelay-Cache") != "hit" {
		t.Fatalf("expected hit")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/png") {
		t.Fatalf("expected content type inferred from .png, got %q", ct)
	}
}

func TestRelayRefetchesWhenArtifactDeleted(t *testing.T) {
	upstream := newUpstreamStub(t, "image/gif", []byte("gif-v1"))
	fx := newRelayFixture(t, fileIndexBackend)
	target := upstream.URL + "/anim.gif"

	readBody(t, fx.post(t, target))
	artifact := filepath.Join(fx.resourcesDir, cache.Digest(target)+".gif")
	if err := os.Remove(artifact); err != nil {
		t.Fatalf("remove error: %v", err)
	}

	upstream.SetBody([]byte("gif-v2"))
	resp := fx.post(t, target)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("stale entry must not fail, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Imgrelay-Cache") != "miss" {
		t.Fatalf("stale entry should be refetched")
	}
	if got := string(readBody(t, resp)); got != "gif-v2" {
		t.Fatalf("unexpected body: %q", got)
	}
	if upstream.Hits() != 2 {
		t.Fatalf("expected two upstream fetches, got %d", upstream.Hits())
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact should be rewritten: %v", err)
	}
}

func TestRelayFetchFailureReturns500(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png", nil)
	upstream.SetStatus(http.StatusBadGateway)
	fx := newRelayFixture(t, fileIndexBackend)
	target := upstream.URL + "/broken.png"

	resp := fx.post(t, target)
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body := string(readBody(t, resp))
	if body != "Error fetching the resource: Request failed with status code 502" {
		t.Fatalf("unexpected body: %q", body)
	}
	if _, err := os.Stat(fx.indexPath); !os.IsNotExist(err) {
		t.Fatalf("index must not be written on fetch failure: %v", err)
	}
}

func TestRelayNetworkFailureReturns500(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := upstream.URL + "/gone.png"
	upstream.Close()

	fx := newRelayFixture(t, fileIndexBackend)
	resp := fx.post(t, target)
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body := string(readBody(t, resp))
	if !strings.HasPrefix(body, "Error fetching the resource: ") || len(body) == len("Error fetching the resource: ") {
		t.Fatalf("body should carry the underlying message: %q", body)
	}
	if entries := fx.index.Entries(context.Background()); len(entries) != 0 {
		t.Fatalf("index must stay empty, got %d", len(entries))
	}
}

func TestRelayRejectsMissingURLBeforeFetch(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png", []byte("png"))
	fx := newRelayFixture(t, fileIndexBackend)

	req := httptest.NewRequest(http.MethodPost, "http://relay.local/", strings.NewReader(`{"link":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if got := string(readBody(t, resp)); got != server.MessageURLRequired {
		t.Fatalf("unexpected body: %q", got)
	}
	if upstream.Hits() != 0 {
		t.Fatalf("no fetch expected")
	}
	if _, err := os.Stat(fx.indexPath); !os.IsNotExist(err) {
		t.Fatalf("index must not be touched: %v", err)
	}
}

func TestRelayMissingContentTypeDefaultsToJPEG(t *testing.T) {
	upstream := newUpstreamStub(t, "", []byte("jpeg-ish"))
	fx := newRelayFixture(t, fileIndexBackend)
	target := upstream.URL + "/noext"

	resp := fx.post(t, target)
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", ct)
	}
	readBody(t, resp)
	if _, err := os.Stat(filepath.Join(fx.resourcesDir, cache.Digest(target)+".jpg")); err != nil {
		t.Fatalf("expected .jpg artifact: %v", err)
	}
}

func TestRelayCorruptIndexIsTreatedAsEmpty(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png", []byte("png"))
	fx := newRelayFixture(t, fileIndexBackend)
	if err := os.WriteFile(fx.indexPath, []byte("]]]"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	resp := fx.post(t, upstream.URL+"/x.png")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("corrupt index must not fail the request, got %d", resp.StatusCode)
	}
	readBody(t, resp)
	if entries := fx.index.Entries(context.Background()); len(entries) != 1 {
		t.Fatalf("index should be rewritten with the new entry, got %d", len(entries))
	}
}

func TestRelayIndexWriteFailureStillServesBytes(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png", []byte("png"))
	fx := newRelayFixture(t, func(dir string) cache.IndexBackend {
		return cache.NewFileBackend(filepath.Join(dir, "no-such-dir", "log.json"))
	})
	target := upstream.URL + "/y.png"

	resp := fx.post(t, target)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("index failure must not abort the response, got %d", resp.StatusCode)
	}
	if got := string(readBody(t, resp)); got != "png" {
		t.Fatalf("unexpected body: %q", got)
	}

	// 索引未保存，下一次请求会重新回源。
	readBody(t, fx.post(t, target))
	if upstream.Hits() != 2 {
		t.Fatalf("expected refetch after lost index write, got %d", upstream.Hits())
	}
}

func TestRelayConcurrentMissesConverge(t *testing.T) {
	payload := []byte("same-bytes")
	upstream := newUpstreamStub(t, "image/png", payload)
	fx := newRelayFixture(t, fileIndexBackend)
	target := upstream.URL + "/race.png"

	const workers = 2
	var wg sync.WaitGroup
	bodies := make([][]byte, workers)
	statuses := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newPostRequest(target)
			resp, err := fx.app.Test(req)
			if err != nil {
				t.Errorf("app.Test error: %v", err)
				return
			}
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
			bodies[i], _ = io.ReadAll(resp.Body)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if statuses[i] != fiber.StatusOK || !bytes.Equal(bodies[i], payload) {
			t.Fatalf("worker %d: status=%d body=%q", i, statuses[i], bodies[i])
		}
	}

	entries := fx.index.Entries(context.Background())
	if len(entries) != 1 || entries[0].URL != target {
		t.Fatalf("expected exactly one consistent entry, got %+v", entries)
	}
}

func TestRelayHitServedForAnyMethod(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png", []byte("png"))
	fx := newRelayFixture(t, memoryIndexBackend)
	target := upstream.URL + "/g.png"

	readBody(t, fx.post(t, target))

	req := httptest.NewRequest(http.MethodPut, "http://relay.local/", strings.NewReader(`{"url":"`+target+`"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK || string(readBody(t, resp)) != "png" {
		t.Fatalf("cached PUT should be served by the hook, got %d", resp.StatusCode)
	}
}

func TestRelayIgnoresUntrustedStoredExtension(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png", []byte("fresh-png"))
	fx := newRelayFixture(t, fileIndexBackend)
	target := upstream.URL + "/edited.png"

	// 被篡改的 extension 会让 <resources>/<digest>.png/../../secret 指向索引所在目录。
	secret := filepath.Join(filepath.Dir(fx.resourcesDir), "secret")
	if err := os.WriteFile(secret, []byte("do-not-serve"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	edited := map[string]map[string]any{
		target: {
			"exists":      true,
			"contentType": "image/png",
			"extension":   "png/../../secret",
			"hash":        cache.Digest(target),
		},
	}
	raw, _ := json.Marshal(edited)
	if err := os.WriteFile(fx.indexPath, raw, 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	resp := fx.post(t, target)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := string(readBody(t, resp)); got != "fresh-png" {
		t.Fatalf("served bytes outside the resources dir: %q", got)
	}
	if resp.Header.Get("X-Imgrelay-Cache") != "miss" {
		t.Fatalf("untrusted extension must not produce a hit")
	}
	if upstream.Hits() != 1 {
		t.Fatalf("expected an upstream fetch, got %d", upstream.Hits())
	}
}

func TestRelayCountsOneResultPerRequest(t *testing.T) {
	upstream := newUpstreamStub(t, "image/png", []byte("png"))
	upstream.SetStatus(http.StatusBadGateway)
	fx := newRelayFixture(t, memoryIndexBackend)
	target := upstream.URL + "/counted.png"

	readBody(t, fx.post(t, target))
	if got := requestCounts(t, fx.metrics); got[metrics.ResultFetchError] != 1 || got[metrics.ResultMiss] != 0 {
		t.Fatalf("failed miss should count only as fetch_error: %v", got)
	}

	upstream.SetStatus(http.StatusOK)
	readBody(t, fx.post(t, target))
	readBody(t, fx.post(t, target))
	if err := os.Remove(filepath.Join(fx.resourcesDir, cache.Digest(target)+".png")); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	readBody(t, fx.post(t, target))

	got := requestCounts(t, fx.metrics)
	want := map[string]float64{
		metrics.ResultFetchError: 1,
		metrics.ResultMiss:       1,
		metrics.ResultHit:        1,
		metrics.ResultInvalid:    1,
	}
	for result, count := range want {
		if got[result] != count {
			t.Fatalf("result %s: got %v want %v (all: %v)", result, got[result], count, got)
		}
	}
}

func requestCounts(t *testing.T, m *metrics.Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	counts := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "imgrelay_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" {
					counts[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return counts
}

type relayFixture struct {
	app          *fiber.App
	metrics      *metrics.Metrics
	index        *cache.Index
	indexPath    string
	resourcesDir string
}

func fileIndexBackend(dir string) cache.IndexBackend {
	return cache.NewFileBackend(filepath.Join(dir, "log.json"))
}

func memoryIndexBackend(string) cache.IndexBackend {
	return cache.NewMemoryBackend()
}

func newRelayFixture(t *testing.T, backend func(dir string) cache.IndexBackend) *relayFixture {
	t.Helper()

	dir := t.TempDir()
	resourcesDir := filepath.Join(dir, "resources")
	logger := logging.Discard()
	m := metrics.New()

	store, err := cache.NewArtifactStore(resourcesDir)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	index := cache.NewIndex(backend(dir), logger)
	fetcher := NewFetcher(&http.Client{}, "", m)
	handler := NewHandler(NewPipeline(index, store, fetcher, logger, m), logger, m)

	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Relay:   handler,
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &relayFixture{
		app:          app,
		metrics:      m,
		index:        index,
		indexPath:    filepath.Join(dir, "log.json"),
		resourcesDir: resourcesDir,
	}
}

func (fx *relayFixture) post(t *testing.T, target string) *http.Response {
	t.Helper()
	resp, err := fx.app.Test(newPostRequest(target))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func newPostRequest(target string) *http.Request {
	payload, _ := json.Marshal(map[string]string{"url": target})
	req := httptest.NewRequest(http.MethodPost, "http://relay.local/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return body
}

type upstreamStub struct {
	*httptest.Server

	mu          sync.Mutex
	contentType string
	body        []byte
	status      int
	hits        int
}

func newUpstreamStub(t *testing.T, contentType string, body []byte) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{contentType: contentType, body: body, status: http.StatusOK}
	stub.Server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.Close)
	return stub
}

func (s *upstreamStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits++
	contentType, body, status := s.contentType, s.body, s.status
	s.mu.Unlock()

	if contentType == "" {
		w.Header()["Content-Type"] = nil
	} else {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *upstreamStub) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *upstreamStub) SetBody(body []byte) {
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
}

func (s *upstreamStub) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
