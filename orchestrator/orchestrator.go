package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/markedit/audit"
	"github.com/quailyquaily/markedit/imagegen"
	"github.com/quailyquaily/markedit/internal/strutil"
	"github.com/quailyquaily/markedit/prompt"
	"github.com/quailyquaily/markedit/task"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// errInternal is what callers see when processing hits a bug. The stack goes
// to the log only.
var errInternal = errors.New("internal error while preparing the request")

// errNotCompleted marks a finished attempt whose COMPLETE transition was
// refused, usually because the task already reached a terminal state.
var errNotCompleted = errors.New("task could not be marked complete")

type Config struct {
	// Mock skips the generation API and completes with a placeholder.
	Mock bool
	// FailoverToMock completes with a placeholder instead of failing.
	FailoverToMock bool
	MockBaseURL    string
	MaxRetries     int
	// RetryDelay is multiplied by the attempt number.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
	}
}

// Deliverer turns an upstream result reference into the one stored on the task.
type Deliverer interface {
	EnsureDelivered(ctx context.Context, taskID, rawRef string) string
}

// Inliner rewrites image references before they are sent upstream.
type Inliner interface {
	InlineDataURI(ref string) string
}

type Orchestrator struct {
	store   *task.Store
	gen     imagegen.Generator
	deliver Deliverer
	inline  Inliner
	audit   audit.Sink
	metrics *Metrics
	cfg     Config
	log     *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

type Option func(*Orchestrator)

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithAudit(sink audit.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.audit = sink
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithInliner(in Inliner) Option {
	return func(o *Orchestrator) { o.inline = in }
}

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithContext sets the service-lifetime context task goroutines run under.
func WithContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

func New(store *task.Store, gen imagegen.Generator, deliver Deliverer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		gen:     gen,
		deliver: deliver,
		audit:   audit.Nop{},
		cfg:     DefaultConfig(),
		log:     slog.Default(),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxRetries < 0 {
		o.cfg.MaxRetries = 0
	}
	return o
}

// Store exposes the registry for read-side callers.
func (o *Orchestrator) Store() *task.Store { return o.store }

// Submit validates and registers the payload, then starts processing in the
// background.
func (o *Orchestrator) Submit(p task.Payload) (task.Task, error) {
	t, err := o.store.Create(p)
	if err != nil {
		return task.Task{}, err
	}
	o.emit(o.ctx, t.ID, audit.KindRequest, p)
	o.start(t)
	return t, nil
}

// Resubmit starts a new task with the payload of a finished one.
func (o *Orchestrator) Resubmit(id string) (task.Task, error) {
	t, err := o.store.Resubmit(id)
	if err != nil {
		return task.Task{}, err
	}
	o.emit(o.ctx, t.ID, audit.KindRequest, map[string]any{"resubmittedFrom": id, "payload": t.Payload})
	o.start(t)
	return t, nil
}

// Wait blocks until every started task has reached a terminal status.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) start(t task.Task) {
	o.metrics.taskSubmitted()
	o.log.Info("task_submitted", "task_id", t.ID, "resubmitted_from", t.ResubmittedFrom)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(o.ctx, t.ID)
	}()
}

// Run drives one task to a terminal status. Retryable upstream failures
// restart the attempt from submission, up to MaxRetries times.
func (o *Orchestrator) Run(ctx context.Context, id string) {
	t, ok := o.store.Get(id)
	if !ok {
		return
	}
	log := o.log.With("task_id", id)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("task_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			o.fail(ctx, id, started, errInternal)
		}
	}()

	for attempt := 0; ; attempt++ {
		if _, err := o.store.Transition(id, task.StatusProcessing, task.Patch{StartAttempt: true},
			task.EventProcessingStart, fmt.Sprintf("attempt %d", attempt+1)); err != nil {
			log.Warn("task_transition_error", "error", err.Error())
			return
		}

		err := o.attempt(ctx, id, t.Payload, log)
		if err == nil {
			o.metrics.taskFinished(string(task.StatusComplete), time.Since(started))
			return
		}
		if errors.Is(err, errNotCompleted) {
			return
		}

		if retryable(err) && attempt < o.cfg.MaxRetries {
			delay := o.cfg.RetryDelay * time.Duration(attempt+1)
			log.Warn("task_retry_scheduled", "attempt", attempt+1, "delay", delay, "error", err.Error())
			o.metrics.retryScheduled()
			_, _ = o.store.Record(id, task.EventRetryScheduled, fmt.Sprintf("retry %d in %s: %s", attempt+1, delay, err.Error()))
			select {
			case <-ctx.Done():
				o.fail(ctx, id, started, fmt.Errorf("shutting down before retry: %w", err))
				return
			case <-time.After(delay):
			}
			continue
		}

		if o.cfg.FailoverToMock && !errors.Is(err, errInternal) {
			o.failover(ctx, id, started, err)
			return
		}
		o.fail(ctx, id, started, err)
		return
	}
}

// attempt runs compile, submit, poll and materialize once. A nil return means
// the task is COMPLETE.
func (o *Orchestrator) attempt(ctx context.Context, id string, p task.Payload, log *slog.Logger) error {
	compiled, err := compileSafely(p, log)
	if err != nil {
		return err
	}
	log.Debug("prompt_compiled", "regions", len(compiled.Regions), "replacements", len(compiled.Replacements),
		"prompt", strutil.Preview(compiled.Text, 512))

	w, h, err := imagegen.ParseResolution(p.GlobalParams.OutputResolution)
	if err != nil {
		return fmt.Errorf("%w: %v", errInternal, err)
	}
	size, tier := imagegen.AspectRatio(w, h), imagegen.ResolutionTier(w, h)

	if o.cfg.Mock {
		placeholder := imagegen.PlaceholderURL(o.cfg.MockBaseURL, id)
		o.emit(ctx, id, audit.KindAIMockResponse, map[string]any{
			"prompt": compiled.Text, "size": size, "resolution": tier, "url": placeholder,
		})
		return o.complete(id, o.deliverResult(ctx, id, placeholder), task.EventComplete, "mock result")
	}

	req := imagegen.SubmitRequest{
		Prompt:     compiled.Text,
		ImageURLs:  o.imageURLs(p),
		Size:       size,
		Resolution: tier,
	}
	o.emit(ctx, id, audit.KindAIRequest, map[string]any{
		"prompt":       compiled.Text,
		"size":         size,
		"resolution":   tier,
		"imageUrls":    req.ImageURLs,
		"replacements": compiled.Replacements,
	})
	_, _ = o.store.Record(id, task.EventAPIRequestSent, "sent to generation api")

	externalID, err := o.gen.Submit(ctx, req)
	if err != nil {
		return err
	}
	o.emit(ctx, id, audit.KindAISubmitResponse, map[string]any{"externalId": externalID})
	_, _ = o.store.Record(id, task.EventAPITaskIDReceived, externalID)
	log.Info("task_upstream_accepted", "external_id", externalID)

	resultURL, err := o.gen.AwaitResult(ctx, externalID, func(n int, res imagegen.PollResult) {
		o.emit(ctx, id, audit.KindAIPoll, map[string]any{
			"poll": n, "status": res.RawStatus, "url": res.ResultURL, "error": res.Error,
		})
	})
	if err != nil {
		return err
	}
	_, _ = o.store.Record(id, task.EventPollingComplete, resultURL)

	return o.complete(id, o.deliverResult(ctx, id, resultURL), task.EventComplete, "result verified and stored")
}

func (o *Orchestrator) imageURLs(p task.Payload) []string {
	urls := make([]string, 0, 1+len(p.ReferenceAssets))
	urls = append(urls, o.inlineRef(p.BaseImage))
	for _, ref := range usableReferences(p) {
		urls = append(urls, o.inlineRef(ref.URL))
	}
	return urls
}

func (o *Orchestrator) inlineRef(ref string) string {
	if o.inline == nil {
		return ref
	}
	return o.inline.InlineDataURI(ref)
}

func (o *Orchestrator) deliverResult(ctx context.Context, id, raw string) string {
	if o.deliver == nil {
		return raw
	}
	return o.deliver.EnsureDelivered(ctx, id, raw)
}

func (o *Orchestrator) complete(id, result, event, note string) error {
	if _, err := o.store.Transition(id, task.StatusComplete, task.Patch{Result: result}, event, note); err != nil {
		o.log.Warn("task_transition_error", "task_id", id, "error", err.Error())
		return fmt.Errorf("%w: %w", errNotCompleted, err)
	}
	o.log.Info("task_complete", "task_id", id, "result", result, "event", event)
	return nil
}

func (o *Orchestrator) failover(ctx context.Context, id string, started time.Time, cause error) {
	placeholder := imagegen.PlaceholderURL(o.cfg.MockBaseURL, id)
	stored := o.deliverResult(ctx, id, placeholder)
	o.emit(ctx, id, audit.KindAIMockFallback, map[string]any{
		"originalUrl": placeholder, "storedUrl": stored, "error": cause.Error(),
	})
	o.log.Warn("task_failover_to_mock", "task_id", id, "error", cause.Error())
	if err := o.complete(id, stored, task.EventMockFallback, "failed over to placeholder: "+cause.Error()); err != nil {
		return
	}
	o.metrics.taskFinished(string(task.StatusComplete), time.Since(started))
}

func (o *Orchestrator) fail(ctx context.Context, id string, started time.Time, cause error) {
	msg := cause.Error()
	if _, err := o.store.Transition(id, task.StatusFailed, task.Patch{Error: msg}, task.EventFailed, msg); err != nil {
		o.log.Warn("task_transition_error", "task_id", id, "error", err.Error())
		return
	}
	o.emit(ctx, id, audit.KindAITaskFailed, map[string]any{"error": msg, "kind": imagegen.KindOf(cause).String()})
	o.log.Error("task_failed", "task_id", id, "error", msg)
	o.metrics.taskFinished(string(task.StatusFailed), time.Since(started))
}

func (o *Orchestrator) emit(ctx context.Context, id, kind string, data any) {
	if err := o.audit.Emit(ctx, audit.Record{TaskID: id, Kind: kind, Data: data}); err != nil {
		o.log.Warn("audit_emit_error", "task_id", id, "kind", kind, "error", err.Error())
	}
}

func retryable(err error) bool {
	return imagegen.IsRetryable(err) || imagegen.IsPollingExhausted(err)
}

// BuildRequest maps a payload onto the compiler's input.
func BuildRequest(p task.Payload) prompt.Request {
	var refs []prompt.Reference
	for _, a := range usableReferences(p) {
		refs = append(refs, prompt.Reference{ID: a.ID, URL: a.URL})
	}
	return prompt.Request{
		Prompt:     p.Prompt,
		References: refs,
		Elements:   p.MaskElements,
		Resolution: p.GlobalParams.OutputResolution,
	}
}

// usableReferences drops assets without a URL so image numbering in the
// prompt matches the image_urls list.
func usableReferences(p task.Payload) []task.ReferenceAsset {
	out := make([]task.ReferenceAsset, 0, len(p.ReferenceAssets))
	for _, a := range p.ReferenceAssets {
		if strings.TrimSpace(a.URL) != "" {
			out = append(out, a)
		}
	}
	return out
}

func compileSafely(p task.Payload, log *slog.Logger) (c prompt.Compiled, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("prompt_compile_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = errInternal
		}
	}()
	return prompt.Compile(BuildRequest(p)), nil
}
