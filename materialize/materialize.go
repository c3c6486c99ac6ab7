package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quailyquaily/markedit/assets"
	"github.com/quailyquaily/markedit/audit"
)

const (
	defaultProbeAttempts = 10
	defaultProbeDelay    = 1500 * time.Millisecond
	defaultProbeTimeout  = 15 * time.Second
	defaultFetchTimeout  = 120 * time.Second
	defaultMaxBytes      = 64 << 20
)

// Saver persists a fetched result and returns where it can be reached.
type Saver interface {
	SaveResult(ctx context.Context, taskID, contentType string, r io.Reader) (assets.Asset, error)
}

// Materializer turns an upstream result reference into a locally stored copy.
type Materializer struct {
	HTTP          *http.Client
	Store         Saver
	Audit         audit.Sink
	ProbeAttempts int
	ProbeDelay    time.Duration
	ProbeTimeout  time.Duration
	FetchTimeout  time.Duration
	MaxBytes      int64
	UserAgent     string

	log *slog.Logger
}

func New(store Saver, log *slog.Logger) *Materializer {
	if log == nil {
		log = slog.Default()
	}
	return &Materializer{
		HTTP:          &http.Client{},
		Store:         store,
		Audit:         audit.Nop{},
		ProbeAttempts: defaultProbeAttempts,
		ProbeDelay:    defaultProbeDelay,
		ProbeTimeout:  defaultProbeTimeout,
		FetchTimeout:  defaultFetchTimeout,
		MaxBytes:      defaultMaxBytes,
		UserAgent:     "markedit/1.0",
		log:           log,
	}
}

// EnsureDelivered returns a stable reference for rawRef. Failures never
// propagate: rawRef itself is returned when the asset cannot be verified or
// stored.
func (m *Materializer) EnsureDelivered(ctx context.Context, taskID, rawRef string) string {
	log := m.log.With("task_id", taskID)
	if !strings.HasPrefix(rawRef, "http://") && !strings.HasPrefix(rawRef, "https://") {
		log.Warn("materialize_skip_non_http", "ref", rawRef)
		return rawRef
	}

	accessible := m.Probe(ctx, rawRef)
	m.emit(ctx, taskID, map[string]any{"imageUrl": rawRef, "accessible": accessible})
	if !accessible {
		log.Warn("materialize_unreachable", "ref", rawRef)
		return rawRef
	}

	asset, err := m.fetchAndStore(ctx, taskID, rawRef)
	if err != nil {
		log.Warn("materialize_store_failed", "ref", rawRef, "error", err.Error())
		return rawRef
	}
	log.Info("materialize_stored", "url", asset.URL, "size", asset.Size)
	return asset.URL
}

// Probe checks that ref serves an image, retrying with a fixed delay.
func (m *Materializer) Probe(ctx context.Context, ref string) bool {
	attempts := m.ProbeAttempts
	if attempts <= 0 {
		attempts = defaultProbeAttempts
	}
	for i := 1; i <= attempts; i++ {
		ok, detail := m.probeOnce(ctx, ref)
		if ok {
			return true
		}
		m.log.Debug("materialize_probe_failed", "attempt", i, "detail", detail)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.ProbeDelay):
		}
	}
	return false
}

func (m *Materializer) probeOnce(ctx context.Context, ref string) (bool, string) {
	resp, err := m.request(ctx, http.MethodHead, ref, nil)
	ct, length := "", int64(0)
	if err == nil {
		ct, length = resp.Header.Get("Content-Type"), resp.ContentLength
		resp.Body.Close()
		if isSuccess(resp.StatusCode) && strings.HasPrefix(strings.ToLower(ct), "image") && length > 0 {
			return true, ""
		}
	}

	resp, err = m.request(ctx, http.MethodGet, ref, http.Header{"Range": []string{"bytes=0-1"}})
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64))
	if v := resp.Header.Get("Content-Type"); v != "" {
		ct = v
	}
	// -1 means the length is unknown, which chunked image responses report.
	length = resp.ContentLength
	if isSuccess(resp.StatusCode) && strings.Contains(strings.ToLower(ct), "image") && length != 0 {
		return true, ""
	}
	return false, fmt.Sprintf("status=%d type=%q length=%d", resp.StatusCode, ct, length)
}

func (m *Materializer) request(ctx context.Context, method, ref string, header http.Header) (*http.Response, error) {
	timeout := m.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, ref, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", m.UserAgent)
	resp, err := m.client().Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (m *Materializer) fetchAndStore(ctx context.Context, taskID, ref string) (assets.Asset, error) {
	if m.Store == nil {
		return assets.Asset{}, errors.New("no result store configured")
	}
	timeout := m.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ref, nil)
	if err != nil {
		return assets.Asset{}, err
	}
	req.Header.Set("User-Agent", m.UserAgent)
	resp, err := m.client().Do(req)
	if err != nil {
		return assets.Asset{}, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return assets.Asset{}, fmt.Errorf("download result: %s", resp.Status)
	}
	maxBytes := m.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if resp.ContentLength > maxBytes {
		return assets.Asset{}, fmt.Errorf("download result: %d bytes exceeds limit %d", resp.ContentLength, maxBytes)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	return m.Store.SaveResult(ctx, taskID, ct, &capReader{r: resp.Body, left: maxBytes})
}

func (m *Materializer) emit(ctx context.Context, taskID string, data map[string]any) {
	if m.Audit == nil {
		return
	}
	if err := m.Audit.Emit(ctx, audit.Record{TaskID: taskID, Kind: audit.KindResultValidation, Data: data}); err != nil {
		m.log.Warn("audit_emit_error", "error", err.Error())
	}
}

func (m *Materializer) client() *http.Client {
	if m.HTTP != nil {
		return m.HTTP
	}
	return http.DefaultClient
}

func isSuccess(code int) bool { return code >= 200 && code < 300 }

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var errTooLarge = errors.New("result exceeds size limit")

// capReader fails instead of truncating once more than left bytes are read.
type capReader struct {
	r    io.Reader
	left int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, errTooLarge
	}
	return n, err
}
