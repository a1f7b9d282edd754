package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sozercan/finsight/apimodels"
	"github.com/sozercan/finsight/internal/analyzer"
	"github.com/sozercan/finsight/internal/config"
	"github.com/sozercan/finsight/internal/llm"
	"github.com/sozercan/finsight/internal/pipeline"
	"github.com/sozercan/finsight/internal/sse"
	"github.com/sozercan/finsight/internal/stages"
)

// multipart parts beyond this size are buffered on disk
const maxMemoryUploads = 32 << 20

// multipart fields accepted for the uploaded document, in order
var uploadFields = []string{"pdfFile", "file"}

var (
	errBadRequest   = errors.New("bad request")
	errTooLarge     = errors.New("document too large")
	errDisconnected = errors.New("client disconnected")
)

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap maps handler errors to status codes. Handlers that already started a
// response report failures themselves and return nil.
func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		if errors.Is(err, errDisconnected) || r.Context().Err() != nil {
			slog.Debug("Client went away", "path", r.URL.Path, "error", err)
			return
		}

		status, msg := http.StatusInternalServerError, analyzer.Message(err)
		switch {
		case errors.Is(err, analyzer.ErrNoDocument),
			errors.Is(err, analyzer.ErrMissingInput),
			errors.Is(err, errBadRequest):
			status, msg = http.StatusBadRequest, err.Error()
		case errors.Is(err, analyzer.ErrSessionNotFound),
			errors.Is(err, analyzer.ErrUnknownStage):
			status, msg = http.StatusNotFound, err.Error()
		case errors.Is(err, analyzer.ErrDependency):
			status = http.StatusFailedDependency
		case errors.Is(err, llm.ErrQuotaExceeded):
			status = http.StatusTooManyRequests
		case errors.Is(err, errTooLarge):
			status, msg = http.StatusRequestEntityTooLarge, err.Error()
		}

		if status >= http.StatusInternalServerError {
			slog.Error("Request failed", "path", r.URL.Path, "status", status, "error", err)
		} else {
			slog.Warn("Request rejected", "path", r.URL.Path, "status", status, "error", err)
		}
		writeJSON(w, status, apimodels.ErrorResponse{Error: msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) error {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = s.analysis.Mode
	}
	if mode != config.ModeStream && mode != config.ModeAggregate {
		return fmt.Errorf("%w: unknown mode %q", errBadRequest, mode)
	}

	if limit := s.analysis.MaxUploadBytes; limit > 0 {
		if r.ContentLength > limit {
			return fmt.Errorf("%w: limit is %d bytes", errTooLarge, limit)
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(maxMemoryUploads); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit is %d bytes", errTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("%w: %v", analyzer.ErrNoDocument, err)
	}
	defer r.MultipartForm.RemoveAll()

	var fh *multipart.FileHeader
	for _, field := range uploadFields {
		if files := r.MultipartForm.File[field]; len(files) > 0 {
			fh = files[0]
			break
		}
	}

	doc, err := s.analyzer.Ingest(r.Context(), fh)
	if err != nil {
		return err
	}

	// the primary stage routinely outlives the server write timeout
	extendWriteDeadline(w)

	var resp any
	if mode == config.ModeAggregate {
		resp, err = s.analyzer.Analyze(r.Context(), doc)
	} else {
		resp, err = s.analyzer.Begin(r.Context(), doc)
	}
	if err != nil {
		return err
	}

	slog.Debug("Analysis request completed successfully", "document", doc.Name, "mode", mode)
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func extendWriteDeadline(w http.ResponseWriter) {
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("Failed to clear write deadline", "error", err)
	}
}

// handleStream serves one stage as an event stream. Upstream texts come from
// ?session=<id> or from one query parameter per dependency.
func (s *Server) handleStream(stage string) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		ctx := r.Context()
		q := r.URL.Query()

		supplied := make(map[string]string)
		for _, name := range stages.Required {
			if v := q.Get(stages.QueryParam(name)); v != "" {
				supplied[name] = v
			}
		}

		ch, err := s.analyzer.Open(ctx, stage, q.Get("session"), supplied)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return fmt.Errorf("%w: %w", errDisconnected, err)
			}
			return err
		}

		sw, err := sse.NewWriter(w)
		if err != nil {
			s.analyzer.Abandon(ch)
			return err
		}

		start := time.Now()
		text, err := sse.Relay(ctx, sw, ch.Seq, func(err error) string {
			return analyzer.Message(&pipeline.StageError{Stage: stage, Err: err})
		})
		if errors.Is(err, sse.ErrClientGone) {
			// a later channel for the same session may still produce the result
			s.analyzer.Abandon(ch)
			slog.Debug("Stream closed by client", "stage", stage, "chars", len(text))
			return nil
		}

		s.analyzer.Settle(ch, text, err)
		if err != nil {
			slog.Error("Stage stream failed", "stage", stage, "duration", time.Since(start), "error", err)
			return nil
		}
		slog.Info("Stage stream completed", "stage", stage, "duration", time.Since(start), "chars", len(text))
		return nil
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.analyzer.Session(chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
