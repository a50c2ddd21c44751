// Package blobstore stores uploaded slide images under flat keys such as
// "WSI-2024-1847.jpg". It provides a directory-backed store used in
// production, an in-memory store for tests, and an Echo handler that serves
// stored blobs under /uploads.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidKey         = errors.New("invalid blob key")
)

// MaxFileSize is the maximum allowed blob size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// URLPrefix is the public path under which blobs are served.
const URLPrefix = "/uploads/"

// AllowedContentTypes lists slide image MIME types accepted for upload.
var AllowedContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/tiff": true,
	"image/webp": true,
	"image/bmp":  true,
	"image/gif":  true,
}

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// URL returns the public path of the blob.
func (m *BlobMetadata) URL() string { return URLPrefix + m.Key }

// BlobStore defines the contract for blob storage backends. Put replaces any
// existing blob under the same key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*BlobMetadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that could escape the storage root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, ".") ||
		strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// KeyFor builds the storage key for an upload: the owner id plus the
// extension of the original file name.
func KeyFor(owner, fileName string) string {
	return owner + strings.ToLower(filepath.Ext(fileName))
}

// NormalizeContentType resolves the effective MIME type from the declared
// type, the key's extension, and finally the content itself.
func NormalizeContentType(declared, key string, head []byte) string {
	ct, _, err := mime.ParseMediaType(declared)
	if err != nil || ct == "" || ct == "application/octet-stream" {
		ct = mime.TypeByExtension(filepath.Ext(key))
		if i := strings.Index(ct, ";"); i >= 0 {
			ct = ct[:i]
		}
	}
	if ct == "" {
		ct = http.DetectContentType(head)
		if i := strings.Index(ct, ";"); i >= 0 {
			ct = ct[:i]
		}
	}
	return ct
}

func readBlob(key, contentType string, content io.Reader) (*BlobMetadata, []byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, nil, ErrFileTooLarge
	}

	ct := NormalizeContentType(contentType, key, data)
	if !AllowedContentTypes[ct] {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, ct)
	}

	h := sha256.Sum256(data)
	return &BlobMetadata{
		Key:         key,
		ContentType: ct,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}, data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := readBlob(key, contentType, content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.blobs[key] = &storedBlob{metadata: *meta, content: data}
	s.mu.Unlock()
	return meta, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// ---------------------------------------------------------------------------
// Directory implementation
// ---------------------------------------------------------------------------

// DirBlobStore keeps each blob as a file in one directory, with its metadata
// in a ".meta.json" sidecar.
type DirBlobStore struct {
	dir string
	mu  sync.Mutex
}

// NewDirBlobStore creates dir if needed.
func NewDirBlobStore(dir string) (*DirBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &DirBlobStore{dir: dir}, nil
}

func (s *DirBlobStore) metaPath(key string) string {
	return filepath.Join(s.dir, "."+key+".meta.json")
}

func (s *DirBlobStore) Put(_ context.Context, key, contentType string, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := readBlob(key, contentType, content)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(s.dir, key), data); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.metaPath(key), metaJSON); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *DirBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, ErrBlobNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	meta := &BlobMetadata{Key: key}
	if b, err := os.ReadFile(s.metaPath(key)); err == nil {
		_ = json.Unmarshal(b, meta)
	}
	if meta.ContentType == "" {
		meta.ContentType = NormalizeContentType("", key, nil)
	}
	if meta.Size == 0 {
		if fi, err := f.Stat(); err == nil {
			meta.Size = fi.Size()
		}
	}
	return f, meta, nil
}

func (s *DirBlobStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return ErrBlobNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return err
	}
	_ = os.Remove(s.metaPath(key))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler serves stored blobs.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts GET /uploads/:filename on e.
func (h *BlobHandler) RegisterRoutes(e *echo.Echo) {
	e.GET(URLPrefix+":filename", h.handleDownload)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Get(c.Request().Context(), c.Param("filename"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, meta.Key))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
