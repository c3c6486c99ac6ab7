package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quailyquaily/markedit/audit"
	"github.com/quailyquaily/markedit/imagegen"
	"github.com/quailyquaily/markedit/task"
)

type fakeGen struct {
	mu        sync.Mutex
	submits   int
	awaits    int
	lastReq   imagegen.SubmitRequest
	submitErr func(n int) error
	awaitErr  func(n int) error
	resultURL string
}

func (g *fakeGen) Submit(_ context.Context, req imagegen.SubmitRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	g.lastReq = req
	if g.submitErr != nil {
		if err := g.submitErr(g.submits); err != nil {
			return "", err
		}
	}
	return "ext-1", nil
}

func (g *fakeGen) AwaitResult(_ context.Context, id string, onPoll func(int, imagegen.PollResult)) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.awaits++
	if g.awaitErr != nil {
		if err := g.awaitErr(g.awaits); err != nil {
			return "", err
		}
	}
	if onPoll != nil {
		onPoll(1, imagegen.PollResult{Status: imagegen.StatusCompleted, RawStatus: "completed", ResultURL: g.resultURL})
	}
	return g.resultURL, nil
}

func (g *fakeGen) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits, g.awaits
}

type prefixDeliverer struct{}

func (prefixDeliverer) EnsureDelivered(_ context.Context, taskID, raw string) string {
	return "stored:" + taskID + ":" + raw
}

// cancellingDeliverer fails the task while its result is being stored.
type cancellingDeliverer struct{ store *task.Store }

func (d cancellingDeliverer) EnsureDelivered(_ context.Context, taskID, raw string) string {
	_, _ = d.store.Transition(taskID, task.StatusFailed, task.Patch{Error: "cancelled"}, task.EventFailed, "cancelled")
	return raw
}

type upperInliner struct{}

func (upperInliner) InlineDataURI(ref string) string {
	if strings.HasPrefix(ref, "/uploads/") {
		return "data:image/png;base64,INLINE"
	}
	return ref
}

type memSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *memSink) Emit(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Kind)
	}
	return out
}

func (s *memSink) find(kind string) (audit.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Kind == kind {
			return r, true
		}
	}
	return audit.Record{}, false
}

type capturingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, r.Message)
	return nil
}
func (h *capturingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *capturingHandler) WithGroup(string) slog.Handler      { return h }

func (h *capturingHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.messages {
		if m == msg {
			n++
		}
	}
	return n
}

func testPayload() task.Payload {
	return task.Payload{
		BaseImage:    "http://x/a.png",
		Prompt:       "make it bright @rect(10,10,100,200) add clouds",
		GlobalParams: task.GlobalParams{OutputResolution: "1920x1080"},
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func events(t task.Task) []string {
	out := make([]string, 0, len(t.Timeline))
	for _, e := range t.Timeline {
		out = append(out, e.Event)
	}
	return out
}

func statuses(t task.Task) []task.Status {
	var out []task.Status
	for _, e := range t.Timeline {
		if len(out) == 0 || out[len(out)-1] != e.Status {
			out = append(out, e.Status)
		}
	}
	return out
}

func TestOrchestrator_MockModeEndToEnd(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	sink := &memSink{}
	cfg := fastConfig()
	cfg.Mock = true
	gen := &fakeGen{}
	o := New(store, gen, nil, WithConfig(cfg), WithAudit(sink))

	created, err := o.Submit(testPayload())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if created.Status != task.StatusPending {
		t.Fatalf("expected PENDING on accept, got %s", created.Status)
	}
	o.Wait()

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusComplete {
		t.Fatalf("expected COMPLETE, got %s (%s)", got.Status, got.Error)
	}
	if got.Result != "https://picsum.photos/seed/"+created.ID+"/1024/576" {
		t.Fatalf("unexpected placeholder result %q", got.Result)
	}
	want := []task.Status{task.StatusPending, task.StatusProcessing, task.StatusComplete}
	if s := statuses(got); len(s) != 3 || s[0] != want[0] || s[1] != want[1] || s[2] != want[2] {
		t.Fatalf("unexpected status path %v", s)
	}
	if n, _ := gen.counts(); n != 0 {
		t.Fatalf("mock mode must not call the generator, got %d submits", n)
	}

	rec, ok := sink.find(audit.KindAIMockResponse)
	if !ok {
		t.Fatalf("expected mock response record, got %v", sink.kinds())
	}
	b, _ := json.Marshal(rec.Data)
	for _, want := range []string{"1920x1080", "Region 1: rectangle @ 10,10;110,10;110,210;10,210", "16:9", "2K"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("expected %q in mock record %s", want, b)
		}
	}
}

func TestOrchestrator_SuccessPath(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{resultURL: "https://cdn/x.png"}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := &memSink{}
	o := New(store, gen, prefixDeliverer{}, WithConfig(fastConfig()), WithInliner(upperInliner{}), WithMetrics(m), WithAudit(sink))

	p := testPayload()
	p.BaseImage = "/uploads/1_base.png"
	p.Prompt = "put @hat on him"
	p.ReferenceAssets = []task.ReferenceAsset{{ID: "hat", URL: "http://x/hat.png"}, {ID: "empty"}}
	created, err := o.Submit(p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o.Wait()

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusComplete || got.Result != "stored:"+created.ID+":https://cdn/x.png" {
		t.Fatalf("unexpected task %+v", got)
	}
	wantEvents := []string{
		task.EventSubmitReceived, task.EventProcessingStart, task.EventAPIRequestSent,
		task.EventAPITaskIDReceived, task.EventPollingComplete, task.EventComplete,
	}
	if e := events(got); strings.Join(e, ",") != strings.Join(wantEvents, ",") {
		t.Fatalf("unexpected events %v", e)
	}

	req := gen.lastReq
	if len(req.ImageURLs) != 2 || req.ImageURLs[0] != "data:image/png;base64,INLINE" || req.ImageURLs[1] != "http://x/hat.png" {
		t.Fatalf("unexpected image urls %v", req.ImageURLs)
	}
	if !strings.Contains(req.Prompt, "put Image 2 on him") || strings.Contains(req.Prompt, "Image 3") {
		t.Fatalf("unexpected prompt:\n%s", req.Prompt)
	}
	if req.Size != "16:9" || req.Resolution != "2K" {
		t.Fatalf("unexpected size/resolution %s %s", req.Size, req.Resolution)
	}

	if v := testutil.ToFloat64(m.submitted); v != 1 {
		t.Fatalf("expected 1 submitted, got %v", v)
	}
	if v := testutil.ToFloat64(m.finished.WithLabelValues("COMPLETE")); v != 1 {
		t.Fatalf("expected 1 complete, got %v", v)
	}
	kinds := strings.Join(sink.kinds(), ",")
	if kinds != "request,ai_request,ai_submit_response,ai_poll" {
		t.Fatalf("unexpected audit kinds %s", kinds)
	}
}

func TestOrchestrator_RetriesAreBounded(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{submitErr: func(int) error {
		return &imagegen.Error{Kind: imagegen.UpstreamUnavailable, Op: "submit", StatusCode: 503}
	}}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	o := New(store, gen, nil, WithConfig(fastConfig()), WithMetrics(m))

	created, _ := o.Submit(testPayload())
	o.Wait()

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusFailed || got.Error == "" || got.Result != "" {
		t.Fatalf("expected FAILED with message, got %+v", got)
	}
	submits, _ := gen.counts()
	retries := 0
	for _, e := range got.Timeline {
		if e.Event == task.EventRetryScheduled {
			retries++
		}
	}
	if retries != 3 || submits != retries+1 || got.Attempts != retries+1 {
		t.Fatalf("expected 3 retries and 4 attempts, got retries=%d submits=%d attempts=%d", retries, submits, got.Attempts)
	}
	if v := testutil.ToFloat64(m.retries); v != 3 {
		t.Fatalf("expected retry metric 3, got %v", v)
	}
	if last := got.Timeline[len(got.Timeline)-1]; last.Event != task.EventFailed || last.Status != task.StatusFailed {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestOrchestrator_RejectedIsNotRetried(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{submitErr: func(int) error {
		return &imagegen.Error{Kind: imagegen.UpstreamRejected, Op: "submit", StatusCode: 400}
	}}
	o := New(store, gen, nil, WithConfig(fastConfig()))

	created, _ := o.Submit(testPayload())
	o.Wait()

	got, _ := store.Get(created.ID)
	if submits, _ := gen.counts(); submits != 1 || got.Attempts != 1 {
		t.Fatalf("expected one attempt, got submits=%d attempts=%d", submits, got.Attempts)
	}
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, "upstream_rejected") {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestOrchestrator_PollingExhaustedRestartsFromSubmit(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{
		resultURL: "https://cdn/y.png",
		awaitErr: func(n int) error {
			if n == 1 {
				return &imagegen.Error{Kind: imagegen.PollingExhausted, Op: "poll"}
			}
			return nil
		},
	}
	o := New(store, gen, nil, WithConfig(fastConfig()))

	created, _ := o.Submit(testPayload())
	o.Wait()

	got, _ := store.Get(created.ID)
	submits, awaits := gen.counts()
	if got.Status != task.StatusComplete || submits != 2 || awaits != 2 || got.Attempts != 2 {
		t.Fatalf("unexpected outcome status=%s submits=%d awaits=%d attempts=%d", got.Status, submits, awaits, got.Attempts)
	}
}

func TestOrchestrator_RefusedCompletionIsNotCounted(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{resultURL: "https://cdn/x.png"}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	o := New(store, gen, cancellingDeliverer{store: store}, WithConfig(fastConfig()), WithMetrics(m))

	created, err := o.Submit(testPayload())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o.Wait()

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusFailed || got.Result != "" {
		t.Fatalf("unexpected task %+v", got)
	}
	if v := testutil.ToFloat64(m.finished.WithLabelValues("COMPLETE")); v != 0 {
		t.Fatalf("expected no complete count, got %v", v)
	}
	if submits, _ := gen.counts(); submits != 1 {
		t.Fatalf("refused completion must not retry, got %d submits", submits)
	}
}

func TestOrchestrator_FailoverRefusedIsNotCounted(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{submitErr: func(int) error {
		return &imagegen.Error{Kind: imagegen.UpstreamRejected, Op: "submit", StatusCode: 401}
	}}
	cfg := fastConfig()
	cfg.FailoverToMock = true
	cfg.MockBaseURL = "http://mock.local"
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	o := New(store, gen, cancellingDeliverer{store: store}, WithConfig(cfg), WithMetrics(m))

	created, _ := o.Submit(testPayload())
	o.Wait()

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("unexpected task %+v", got)
	}
	if v := testutil.ToFloat64(m.finished.WithLabelValues("COMPLETE")); v != 0 {
		t.Fatalf("expected no complete count, got %v", v)
	}
}

func TestOrchestrator_FailoverToMock(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{submitErr: func(int) error {
		return &imagegen.Error{Kind: imagegen.UpstreamRejected, Op: "submit", StatusCode: 401}
	}}
	cfg := fastConfig()
	cfg.FailoverToMock = true
	cfg.MockBaseURL = "http://mock.local"
	sink := &memSink{}
	o := New(store, gen, nil, WithConfig(cfg), WithAudit(sink))

	created, _ := o.Submit(testPayload())
	o.Wait()

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusComplete || got.Result != "http://mock.local/seed/"+created.ID+"/1024/576" {
		t.Fatalf("unexpected task %+v", got)
	}
	if last := got.Timeline[len(got.Timeline)-1]; last.Event != task.EventMockFallback {
		t.Fatalf("expected mock_fallback event, got %+v", last)
	}
	if _, ok := sink.find(audit.KindAIMockFallback); !ok {
		t.Fatalf("expected mock fallback audit record, got %v", sink.kinds())
	}
}

func TestOrchestrator_Resubmit(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	calls := 0
	gen := &fakeGen{resultURL: "https://cdn/z.png", submitErr: func(int) error {
		calls++
		if calls == 1 {
			return &imagegen.Error{Kind: imagegen.UpstreamRejected, Op: "submit"}
		}
		return nil
	}}
	o := New(store, gen, nil, WithConfig(fastConfig()))

	first, _ := o.Submit(testPayload())
	o.Wait()
	second, err := o.Resubmit(first.ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	o.Wait()

	a, _ := store.Get(first.ID)
	b, _ := store.Get(second.ID)
	if a.Status != task.StatusFailed || b.Status != task.StatusComplete || b.ResubmittedFrom != first.ID {
		t.Fatalf("unexpected tasks first=%s second=%s from=%s", a.Status, b.Status, b.ResubmittedFrom)
	}
}

func TestOrchestrator_ValidationErrorCreatesNothing(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	o := New(store, &fakeGen{}, nil)
	p := testPayload()
	p.GlobalParams.OutputResolution = ""
	if _, err := o.Submit(p); err == nil {
		t.Fatalf("expected validation error")
	}
	o.Wait()
	if st := store.Stats(); st.Total != 0 {
		t.Fatalf("expected no tasks, got %+v", st)
	}
}

func TestBuildRequest(t *testing.T) {
	p := testPayload()
	p.ReferenceAssets = []task.ReferenceAsset{{ID: "a", URL: "u"}, {ID: "b", URL: " "}}
	req := BuildRequest(p)
	if len(req.References) != 1 || req.Resolution != "1920x1080" || req.Prompt != p.Prompt {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestOrchestrator_LogsRetriesAndFailure(t *testing.T) {
	store := task.NewStore()
	defer store.Close()
	gen := &fakeGen{awaitErr: func(int) error {
		return &imagegen.Error{Kind: imagegen.UpstreamTimeout, Op: "poll"}
	}}
	h := &capturingHandler{}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	o := New(store, gen, nil, WithConfig(cfg), WithLogger(slog.New(h)))

	created, _ := o.Submit(testPayload())
	o.Wait()

	if got, _ := store.Get(created.ID); got.Status != task.StatusFailed || !strings.Contains(got.Error, "upstream_timeout") {
		t.Fatalf("unexpected task %+v", got)
	}
	if n := h.count("task_retry_scheduled"); n != 2 {
		t.Fatalf("expected 2 retry logs, got %d", n)
	}
	if n := h.count("task_failed"); n != 1 {
		t.Fatalf("expected 1 failure log, got %d", n)
	}
	if n := h.count("task_upstream_accepted"); n != 3 {
		t.Fatalf("expected 3 accepted submissions, got %d", n)
	}
}
