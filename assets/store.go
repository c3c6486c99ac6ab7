package assets

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/quailyquaily/markedit/internal/pathutil"
)

const (
	KindUpload = "upload"
	KindResult = "result"

	// RoutePrefix is where the upload root is served.
	RoutePrefix = "/uploads/"
	resultsDir  = "results"
)

// Asset describes one stored file.
type Asset struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	TaskID      string    `json:"taskId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store keeps uploads and materialized results under one directory that is
// served statically at RoutePrefix.
type Store struct {
	Dir           string
	PublicBaseURL string
	Catalog       *Catalog

	log *slog.Logger
	now func() time.Time
}

type Option func(*Store)

func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

func WithCatalog(c *Catalog) Option {
	return func(s *Store) { s.Catalog = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(dir, publicBaseURL string, opts ...Option) (*Store, error) {
	dir = pathutil.ExpandHomePath(dir)
	if dir == "" {
		return nil, fmt.Errorf("missing uploads dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, resultsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	s := &Store{
		Dir:           dir,
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		log:           slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler serves the upload root.
func (s *Store) Handler() http.Handler {
	return http.StripPrefix(RoutePrefix, http.FileServer(http.Dir(s.Dir)))
}

// URL returns the public address of a file relative to the upload root. base
// overrides PublicBaseURL when non-empty; with neither the URL is root-relative.
func (s *Store) URL(base, rel string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = s.PublicBaseURL
	}
	return base + RoutePrefix + filepath.ToSlash(rel)
}

// SaveUpload streams r to "<unix-ms>_<filename>" in the upload root.
func (s *Store) SaveUpload(ctx context.Context, filename, contentType, base string, r io.Reader) (Asset, error) {
	name := sanitizeFilename(filename)
	if name == "" {
		return Asset{}, fmt.Errorf("missing filename")
	}
	now := s.now()
	stored := fmt.Sprintf("%d_%s", now.UnixMilli(), name)
	n, err := s.write(stored, r)
	if err != nil {
		return Asset{}, err
	}
	a := Asset{
		Name:        stored,
		Kind:        KindUpload,
		URL:         s.URL(base, stored),
		ContentType: contentType,
		Size:        n,
		CreatedAt:   now,
	}
	s.catalog(ctx, a)
	s.log.Info("asset_upload_saved", "name", stored, "size", n)
	return a, nil
}

// SaveResult writes a generation output as results/result_<taskID>.<ext>,
// replacing any earlier file for the same task.
func (s *Store) SaveResult(ctx context.Context, taskID, contentType string, r io.Reader) (Asset, error) {
	id := sanitizeFilename(taskID)
	if id == "" {
		return Asset{}, fmt.Errorf("missing task id")
	}
	rel := path.Join(resultsDir, "result_"+id+"."+ExtFromContentType(contentType))
	n, err := s.write(rel, r)
	if err != nil {
		return Asset{}, err
	}
	a := Asset{
		Name:        rel,
		Kind:        KindResult,
		URL:         s.URL("", rel),
		ContentType: contentType,
		Size:        n,
		TaskID:      taskID,
		CreatedAt:   s.now(),
	}
	s.catalog(ctx, a)
	return a, nil
}

// write streams into a temp file and renames it so readers never see a
// partial asset.
func (s *Store) write(rel string, r io.Reader) (int64, error) {
	dst := filepath.Join(s.Dir, filepath.FromSlash(rel))
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (s *Store) catalog(ctx context.Context, a Asset) {
	if s.Catalog == nil {
		return
	}
	if err := s.Catalog.Put(ctx, a); err != nil {
		s.log.Warn("asset_catalog_error", "name", a.Name, "error", err.Error())
	}
}

// LocalPath maps a reference to a file served by this store: a root-relative
// "/uploads/..." path, or an absolute URL on localhost, 127.0.0.1 or the
// public base host.
func (s *Store) LocalPath(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	p := ref
	if !strings.HasPrefix(ref, RoutePrefix) {
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" || !s.isLocalHost(u.Hostname()) {
			return "", false
		}
		p = u.Path
	}
	if !strings.HasPrefix(p, RoutePrefix) {
		return "", false
	}
	rel := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(p, RoutePrefix)), "/")
	if rel == "" {
		return "", false
	}
	full := filepath.Join(s.Dir, filepath.FromSlash(rel))
	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		return "", false
	}
	return full, true
}

func (s *Store) isLocalHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if s.PublicBaseURL == "" {
		return false
	}
	u, err := url.Parse(s.PublicBaseURL)
	return err == nil && u.Hostname() != "" && u.Hostname() == host
}

// InlineDataURI replaces a reference to a local file with a base64 data URI so
// the upstream can read it. Other references, and local files that cannot be
// read, are returned unchanged.
func (s *Store) InlineDataURI(ref string) string {
	full, ok := s.LocalPath(ref)
	if !ok {
		return ref
	}
	b, err := os.ReadFile(full)
	if err != nil {
		s.log.Warn("asset_inline_error", "ref", ref, "error", err.Error())
		return ref
	}
	return "data:" + mimeFromExt(full) + ";base64," + base64.StdEncoding.EncodeToString(b)
}

// List returns the newest assets first. Without a catalog it scans the upload
// root instead.
func (s *Store) List(ctx context.Context, kind string, limit int) ([]Asset, error) {
	if s.Catalog != nil {
		return s.Catalog.List(ctx, kind, limit)
	}
	return s.scan(kind, limit)
}

func (s *Store) scan(kind string, limit int) ([]Asset, error) {
	limit = clampLimit(limit)
	var out []Asset
	add := func(dir, k string) error {
		entries, err := os.ReadDir(filepath.Join(s.Dir, dir))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			rel := path.Join(dir, e.Name())
			out = append(out, Asset{
				Name:      rel,
				Kind:      k,
				URL:       s.URL("", rel),
				Size:      info.Size(),
				CreatedAt: info.ModTime(),
			})
		}
		return nil
	}
	if kind == "" || kind == KindUpload {
		if err := add("", KindUpload); err != nil {
			return nil, err
		}
	}
	if kind == "" || kind == KindResult {
		if err := add(resultsDir, KindResult); err != nil {
			return nil, err
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExtFromContentType picks the stored extension for a result.
func ExtFromContentType(ct string) string {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return "jpg"
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "webp"):
		return "webp"
	default:
		return "jpg"
	}
}

func mimeFromExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.TrimLeft(name, ".")
}
