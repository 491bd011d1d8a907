package assets

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// DirSource serves assets from a local directory.
type DirSource struct {
	fsys fs.FS
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{fsys: os.DirFS(dir)}
}

// NewFSSource creates a source over any fs.FS (e.g. an embed.FS).
func NewFSSource(fsys fs.FS) *DirSource {
	return &DirSource{fsys: fsys}
}

// Fetch reads the file at p.
func (s *DirSource) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(p) {
		return nil, fmt.Errorf("invalid asset path %q", p)
	}
	return fs.ReadFile(s.fsys, p)
}

// HTTPSource serves assets from a static HTTP host.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPSource creates a source for baseURL. A zero timeout means none.
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse asset base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported asset url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &HTTPSource{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Fetch GETs base/p.
func (s *HTTPSource) Fetch(ctx context.Context, p string) ([]byte, error) {
	ref, err := url.Parse(escapePath(p))
	if err != nil {
		return nil, fmt.Errorf("invalid asset path %q: %w", p, err)
	}
	target := s.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// MemSource serves assets from memory.
type MemSource struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemSource creates an in-memory source from path → content.
func NewMemSource(files map[string][]byte) *MemSource {
	m := &MemSource{files: make(map[string][]byte, len(files))}
	for p, data := range files {
		m.files[Clean(p)] = data
	}
	return m
}

// Put adds or replaces a file.
func (m *MemSource) Put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[Clean(p)] = data
}

// Fetch returns the stored content or fs.ErrNotExist.
func (m *MemSource) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return data, nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, path string) ([]byte, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, path string) ([]byte, error) {
	return f(ctx, path)
}
