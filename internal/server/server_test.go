package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sozercan/finsight/apimodels"
	"github.com/sozercan/finsight/internal/analyzer"
	"github.com/sozercan/finsight/internal/config"
	"github.com/sozercan/finsight/internal/document"
	"github.com/sozercan/finsight/internal/llm"
	"github.com/sozercan/finsight/internal/llm/llmtest"
	"github.com/sozercan/finsight/internal/session"
	"github.com/sozercan/finsight/internal/sse"
	"github.com/sozercan/finsight/internal/stages"
)

type env struct {
	ts   *httptest.Server
	fake *llmtest.Fake
	dir  string
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: time.Second,
		},
		Analysis: config.AnalysisConfig{
			Mode:              config.ModeStream,
			DependencyTimeout: 2 * time.Second,
			SessionTTL:        time.Minute,
			MaxUploadBytes:    1 << 20,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	catalog, err := stages.Default()
	require.NoError(t, err)
	dir := t.TempDir()
	docs, err := document.NewLocalStore(dir)
	require.NoError(t, err)
	fake := llmtest.New()
	a := analyzer.New(fake, catalog, docs, session.NewStore(cfg.Analysis.SessionTTL, docs), analyzer.Options{
		Parallelism:       cfg.Analysis.Parallelism,
		DependencyTimeout: cfg.Analysis.DependencyTimeout,
	})

	ts := httptest.NewServer(New(cfg, a).Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, fake: fake, dir: dir}
}

func (e *env) upload(t *testing.T, query, field, name string, content []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file here"))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.ts.URL+"/analyze"+query, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) begin(t *testing.T) apimodels.BeginResponse {
	t.Helper()
	resp := e.upload(t, "", "pdfFile", "q3.pdf", []byte("%PDF-1.4 q3"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out apimodels.BeginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *env) get(t *testing.T, path string, params url.Values) *http.Response {
	t.Helper()
	u := e.ts.URL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	resp, err := http.Get(u)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type streamResult struct {
	status     int
	text       string
	terminated bool
	failure    string
}

func (e *env) stream(t *testing.T, path string, params url.Values) streamResult {
	t.Helper()
	resp := e.get(t, path, params)
	if resp.StatusCode != http.StatusOK {
		return streamResult{status: resp.StatusCode}
	}
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	text, terminated, failure, err := sse.Collect(resp.Body)
	require.NoError(t, err)
	return streamResult{status: resp.StatusCode, text: text, terminated: terminated, failure: failure}
}

// waitStage polls the session until stage reports status.
func (e *env) waitStage(t *testing.T, id, stage string, status apimodels.StageStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(e.ts.URL + "/sessions/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snap apimodels.SessionSnapshot
		if json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return false
		}
		return snap.Stages[stage].Status == status
	}, 2*time.Second, 10*time.Millisecond)
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var out apimodels.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Error
}

func uploadsLeft(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAnalyzeWithoutDocument(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.upload(t, "", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorBody(t, resp), "no document uploaded")

	r, err := http.Post(e.ts.URL+"/analyze", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	resp = e.upload(t, "", "pdfFile", "empty.pdf", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Zero(t, e.fake.Count(""))
}

func TestAnalyzeStreamMode(t *testing.T) {
	e := newEnv(t, nil)

	out := e.begin(t)
	assert.Equal(t, "File processed successfully", out.Message)
	assert.Equal(t, "inference result", out.Inferences)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, 1, e.fake.Count(""))
	assert.Zero(t, uploadsLeft(t, e.dir))
}

func TestAnalyzeAggregateMode(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.upload(t, "?mode=aggregate", "file", "q3.pdf", []byte("%PDF-1.4 q3"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	for field, want := range map[string]string{
		"inferences":         "inference result",
		"swotAnalysis":       "swot result",
		"competitorStrategy": "strategy result",
		"competitorProfile":  "profile result",
		"keyAnalysis":        "keyAnalysis result",
		"summary":            "summary result",
	} {
		assert.Equal(t, want, out[field], field)
	}
	assert.Equal(t, 6, e.fake.Count(""))
	assert.Zero(t, uploadsLeft(t, e.dir))
}

func TestAnalyzeModeFromConfig(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Analysis.Mode = config.ModeAggregate })

	resp := e.upload(t, "", "pdfFile", "q3.pdf", []byte("%PDF-1.4 q3"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out apimodels.AnalysisResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "summary result", out.Summary)

	resp = e.upload(t, "?mode=fast", "pdfFile", "q3.pdf", []byte("%PDF-1.4 q3"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyzeUpstreamErrors(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.On(stages.Inference, llmtest.Script{Err: llm.ErrQuotaExceeded})

	resp := e.upload(t, "", "pdfFile", "q3.pdf", []byte("%PDF-1.4 q3"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Zero(t, uploadsLeft(t, e.dir))

	e.fake.On(stages.Inference, llmtest.Script{Err: errors.New("model crashed")})
	resp = e.upload(t, "", "pdfFile", "q3.pdf", []byte("%PDF-1.4 q3"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, errorBody(t, resp), "model crashed")
	assert.Zero(t, uploadsLeft(t, e.dir))
}

func TestAnalyzeTooLarge(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Analysis.MaxUploadBytes = 64 })

	resp := e.upload(t, "", "pdfFile", "big.pdf", bytes.Repeat([]byte("x"), 1024))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Zero(t, e.fake.Count(""))
}

func TestStreamRejectsMissingInferences(t *testing.T) {
	e := newEnv(t, nil)

	for _, path := range []string{"/stream-swot", "/stream-strategy", "/stream-profile", "/stream-summary"} {
		r := e.stream(t, path, url.Values{"inferences": {""}})
		assert.Equal(t, http.StatusBadRequest, r.status, path)
		r = e.stream(t, path, nil)
		assert.Equal(t, http.StatusBadRequest, r.status, path)
	}
	r := e.stream(t, "/stream-key-analysis", url.Values{"swot": {"s"}, "profile": {"p"}})
	assert.Equal(t, http.StatusBadRequest, r.status)

	assert.Zero(t, e.fake.Count(""))
}

func TestStreamAccumulatesFragments(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.On(stages.SWOT, llmtest.Script{Fragments: []string{"Str", "engths:", "..."}})

	r := e.stream(t, "/stream-swot", url.Values{"inferences": {"Revenue grew 12%"}})
	require.Equal(t, http.StatusOK, r.status)
	assert.True(t, r.terminated)
	assert.Empty(t, r.failure)
	assert.Equal(t, "Strengths:...", r.text)

	calls := e.fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt.Context, "Revenue grew 12%")
}

func TestStreamUpstreamFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.On(stages.Profile, llmtest.Script{Fragments: []string{"partial", "never"}, Err: errors.New("connection reset"), ErrAfter: 1})

	r := e.stream(t, "/stream-profile", url.Values{"inferences": {"INF"}})
	require.Equal(t, http.StatusOK, r.status)
	assert.True(t, r.terminated)
	assert.Equal(t, "partial", r.text)
	assert.Contains(t, r.failure, "profile")
	assert.Contains(t, r.failure, "connection reset")
}

func TestStreamKeyAnalysisWithTexts(t *testing.T) {
	e := newEnv(t, nil)

	r := e.stream(t, "/stream-key-analysis", url.Values{"swot": {"S"}, "strategy": {"ST"}, "profile": {"P"}})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "keyAnalysis result", r.text)
	assert.True(t, r.terminated)
}

func TestSessionFanOut(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.On(stages.SWOT, llmtest.Script{Fragments: []string{"swot ", "done"}, Delay: 10 * time.Millisecond})
	out := e.begin(t)
	params := url.Values{"session": {out.SessionID}}

	paths := []string{"/stream-swot", "/stream-strategy", "/stream-profile", "/stream-summary", "/stream-key-analysis"}
	results := make([]streamResult, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.stream(t, path, params)
		}()
	}
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, http.StatusOK, r.status, paths[i])
		assert.True(t, r.terminated, paths[i])
		assert.Empty(t, r.failure, paths[i])
	}
	assert.Equal(t, "swot done", results[0].text)
	assert.Equal(t, "keyAnalysis result", results[4].text)

	// one inference call shared by every channel
	assert.Equal(t, 1, e.fake.Count(stages.Inference))

	byName := map[string]llmtest.Call{}
	for _, c := range e.fake.Calls() {
		byName[c.Name] = c
	}
	for _, dep := range []string{stages.SWOT, stages.Strategy, stages.Profile} {
		assert.Greater(t, byName[stages.KeyAnalysis].Start, byName[dep].End)
	}
	assert.Contains(t, byName[stages.KeyAnalysis].Prompt.Context, "swot done")

	// channels settle right after their done event, so poll the snapshot
	var snap apimodels.SessionSnapshot
	assert.Eventually(t, func() bool {
		resp, err := http.Get(e.ts.URL + "/sessions/" + out.SessionID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		snap = apimodels.SessionSnapshot{}
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return false
		}
		for _, name := range []string{stages.SWOT, stages.Strategy, stages.Profile, stages.Summary, stages.KeyAnalysis} {
			if snap.Stages[name].Status != apimodels.StageDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "q3.pdf", snap.Document)
}

func TestSessionSiblingFailure(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Analysis.DependencyTimeout = 5 * time.Second })
	e.fake.On(stages.Strategy, llmtest.Script{Err: errors.New("strategy backend down")})
	out := e.begin(t)
	params := url.Values{"session": {out.SessionID}}

	paths := []string{"/stream-swot", "/stream-strategy", "/stream-profile", "/stream-summary"}
	results := make([]streamResult, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.stream(t, path, params)
		}()
	}

	start := time.Now()
	key := e.get(t, "/stream-key-analysis", params)
	wg.Wait()

	assert.Equal(t, http.StatusFailedDependency, key.StatusCode)
	assert.Contains(t, errorBody(t, key), "strategy")
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Zero(t, e.fake.Count(stages.KeyAnalysis))

	// the failure stays on its own channel
	assert.Contains(t, results[1].failure, "strategy backend down")
	for _, i := range []int{0, 2, 3} {
		assert.True(t, results[i].terminated, paths[i])
		assert.Empty(t, results[i].failure, paths[i])
	}
}

func TestSessionRetryAfterFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.On(stages.Strategy, llmtest.Script{Err: errors.New("transient blip")})
	out := e.begin(t)
	params := url.Values{"session": {out.SessionID}}

	first := e.stream(t, "/stream-strategy", params)
	assert.Contains(t, first.failure, "transient blip")
	e.waitStage(t, out.SessionID, stages.Strategy, apimodels.StageFailed)

	e.fake.On(stages.Strategy, llmtest.Script{Fragments: []string{"strategy ok"}})
	retry := e.stream(t, "/stream-strategy", params)
	require.Equal(t, http.StatusOK, retry.status)
	assert.Equal(t, "strategy ok", retry.text)
	assert.Empty(t, retry.failure)
	e.waitStage(t, out.SessionID, stages.Strategy, apimodels.StageDone)

	for _, path := range []string{"/stream-swot", "/stream-profile"} {
		r := e.stream(t, path, params)
		assert.True(t, r.terminated, path)
		assert.Empty(t, r.failure, path)
	}

	key := e.stream(t, "/stream-key-analysis", params)
	require.Equal(t, http.StatusOK, key.status)
	assert.Equal(t, "keyAnalysis result", key.text)
	assert.Equal(t, 2, e.fake.Count(stages.Strategy))
	for _, c := range e.fake.Calls() {
		if c.Name == stages.KeyAnalysis {
			assert.Contains(t, c.Prompt.Context, "strategy ok")
		}
	}
}

func TestSessionSharesRunningStage(t *testing.T) {
	e := newEnv(t, nil)
	gate := make(chan struct{})
	e.fake.On(stages.SWOT, llmtest.Script{Fragments: []string{"shared ", "swot"}, Gate: gate})
	out := e.begin(t)
	params := url.Values{"session": {out.SessionID}}

	results := make([]streamResult, 3)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.stream(t, "/stream-swot", params)
		}()
	}

	assert.Eventually(t, func() bool { return e.fake.Count(stages.SWOT) == 1 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, http.StatusOK, r.status)
		assert.Equal(t, "shared swot", r.text)
		assert.True(t, r.terminated)
		assert.Empty(t, r.failure)
	}
	assert.Equal(t, 1, e.fake.Count(stages.SWOT))
}

func TestSessionDependencyTimeout(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Analysis.DependencyTimeout = 50 * time.Millisecond })
	out := e.begin(t)

	resp := e.get(t, "/stream-key-analysis", url.Values{"session": {out.SessionID}})
	assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
	assert.Zero(t, e.fake.Count(stages.KeyAnalysis))
}

func TestUnknownSession(t *testing.T) {
	e := newEnv(t, nil)

	r := e.stream(t, "/stream-summary", url.Values{"session": {"3f6c1c52-65d6-4a35-8d2b-7f0f5e7c2a10"}})
	assert.Equal(t, http.StatusNotFound, r.status)
	resp := e.get(t, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	e := newEnv(t, nil)
	gate := make(chan struct{})
	e.fake.On(stages.SWOT, llmtest.Script{Fragments: []string{"never sent"}, Gate: gate})
	out := e.begin(t)

	ctx, cancel := context.WithCancel(t.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/stream-swot?session="+out.SessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool { return e.fake.Count(stages.SWOT) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	resp.Body.Close()

	// the upstream call observes the cancellation and ends
	assert.Eventually(t, func() bool {
		for _, c := range e.fake.Calls() {
			if c.Name == stages.SWOT && c.End > 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// nothing was recorded, so another channel can still produce the result
	r := e.get(t, "/sessions/"+out.SessionID, nil)
	var snap apimodels.SessionSnapshot
	require.NoError(t, json.NewDecoder(r.Body).Decode(&snap))
	assert.Equal(t, apimodels.StagePending, snap.Stages[stages.SWOT].Status)

	e.fake.On(stages.SWOT, llmtest.Script{Fragments: []string{"swot again"}})
	again := e.stream(t, "/stream-swot", url.Values{"session": {out.SessionID}})
	assert.Equal(t, "swot again", again.text)
	assert.True(t, again.terminated)
	assert.Equal(t, 2, e.fake.Count(stages.SWOT))
}

func TestStaticFiles(t *testing.T) {
	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>finsight</h1>"), 0o600))
	e := newEnv(t, func(c *config.Config) { c.Server.StaticDir = static })

	resp := e.get(t, "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "finsight")
}
