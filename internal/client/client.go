// Package client talks to a finsight server: it uploads documents and reads
// the per-stage event streams.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sozercan/finsight/apimodels"
	"github.com/sozercan/finsight/internal/sse"
	"github.com/sozercan/finsight/internal/stages"
)

var (
	// ErrIncomplete is returned when a stream ended without a terminal event.
	ErrIncomplete = errors.New("stream ended before completion")
	// ErrStage is returned when a stream ended with an error event.
	ErrStage = errors.New("stage failed")
)

// Endpoints maps stage names to their stream paths.
var Endpoints = map[string]string{
	stages.SWOT:        "/stream-swot",
	stages.Strategy:    "/stream-strategy",
	stages.Profile:     "/stream-profile",
	stages.Summary:     "/stream-summary",
	stages.KeyAnalysis: "/stream-key-analysis",
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Analyze uploads the file at path in aggregate mode and waits for every
// stage.
func (c *Client) Analyze(ctx context.Context, path string) (*apimodels.AnalysisResponse, error) {
	var out apimodels.AnalysisResponse
	if err := c.upload(ctx, path, "aggregate", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Begin uploads the file at path in streaming mode and returns once the
// inferences are ready.
func (c *Client) Begin(ctx context.Context, path string) (*apimodels.BeginResponse, error) {
	var out apimodels.BeginResponse
	if err := c.upload(ctx, path, "stream", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) upload(ctx context.Context, path, mode string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("pdfFile", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze?mode="+mode, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	var body apimodels.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}

// Stream reads the channel of stage to its terminal event, calling onChunk
// for every fragment when it is not nil.
func (c *Client) Stream(ctx context.Context, stage string, params url.Values, onChunk func(string)) (string, error) {
	path, ok := Endpoints[stage]
	if !ok {
		return "", fmt.Errorf("no stream for stage %s", stage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("opening %s stream: %w", stage, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for ev, err := range sse.Read(resp.Body) {
		if err != nil {
			return sb.String(), fmt.Errorf("reading %s stream: %w", stage, err)
		}
		switch ev.Name {
		case sse.EventChunk:
			sb.WriteString(ev.Data)
			if onChunk != nil {
				onChunk(ev.Data)
			}
		case sse.EventDone:
			return sb.String(), nil
		case sse.EventError:
			return sb.String(), fmt.Errorf("%w: %s", ErrStage, ev.Data)
		}
	}
	if ctx.Err() != nil {
		return sb.String(), ctx.Err()
	}
	return sb.String(), fmt.Errorf("%w: %s", ErrIncomplete, stage)
}

// Session fetches the snapshot of a streaming session.
func (c *Client) Session(ctx context.Context, id string) (*apimodels.SessionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", id, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out apimodels.SessionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
