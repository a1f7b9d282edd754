// Package document stages uploaded documents until the primary stage has
// consumed them.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrEmpty    = errors.New("document is empty")
)

// Document is a transient upload. Key locates it in its Store.
type Document struct {
	ID         string
	Name       string
	MIMEType   string
	Size       int64
	Key        string
	UploadedAt time.Time
}

// Store holds documents for the lifetime of one request.
type Store interface {
	Save(ctx context.Context, name, mimeType string, r io.Reader) (*Document, error)
	Load(ctx context.Context, doc *Document) ([]byte, error)
	Delete(ctx context.Context, doc *Document) error
	// Sweep deletes documents older than maxAge and reports how many it removed.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Ingest saves a multipart upload into store.
func Ingest(ctx context.Context, store Store, fh *multipart.FileHeader) (*Document, error) {
	if fh.Size == 0 {
		return nil, ErrEmpty
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding upload: %w", err)
	}

	return store.Save(ctx, fh.Filename, DetectMIME(fh.Filename, fh.Header.Get("Content-Type"), head), f)
}

// DetectMIME picks a MIME type from the file extension, then the declared
// content type, then content sniffing.
func DetectMIME(name, declared string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return stripParams(t)
	}
	if declared != "" && declared != "application/octet-stream" {
		return stripParams(declared)
	}
	if len(head) > 0 {
		return stripParams(http.DetectContentType(head))
	}
	return "application/octet-stream"
}

func stripParams(t string) string {
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		if strings.HasPrefix(mt, "text/") {
			return t
		}
		return mt
	}
	return t
}

// storageKey builds a unique object name that keeps the original extension.
func storageKey(id, name string) string {
	return "upload-" + id + strings.ToLower(filepath.Ext(name))
}

func newID() string {
	return uuid.New().String()
}
