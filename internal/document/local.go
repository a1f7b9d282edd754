package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore keeps documents in a directory on disk.
type LocalStore struct {
	dir string
	now func() time.Time
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &LocalStore{dir: dir, now: time.Now}, nil
}

func (s *LocalStore) Save(ctx context.Context, name, mimeType string, r io.Reader) (*Document, error) {
	id := newID()
	key := storageKey(id, name)
	path := filepath.Join(s.dir, key)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmpty
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing upload file: %w", err)
	}

	slog.Debug("Stored upload", "name", name, "key", key, "bytes", n)
	return &Document{
		ID:         id,
		Name:       name,
		MIMEType:   mimeType,
		Size:       n,
		Key:        key,
		UploadedAt: s.now(),
	}, nil
}

func (s *LocalStore) path(doc *Document) (string, error) {
	if doc.Key == "" || doc.Key != filepath.Base(doc.Key) {
		return "", fmt.Errorf("invalid document key %q", doc.Key)
	}
	return filepath.Join(s.dir, doc.Key), nil
}

func (s *LocalStore) Load(ctx context.Context, doc *Document) ([]byte, error) {
	path, err := s.path(doc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, doc.Key)
	}
	return data, err
}

func (s *LocalStore) Delete(ctx context.Context, doc *Document) error {
	path, err := s.path(doc)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting upload file: %w", err)
	}
	return nil
}

func (s *LocalStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "upload-") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
