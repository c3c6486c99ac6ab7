package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultCompletedTTL = 24 * time.Hour

// Store is the in-memory task registry. Every mutation copies the entry,
// changes the copy together with its timeline and swaps it in under one lock.
type Store struct {
	mu           sync.RWMutex
	tasks        map[string]*Task
	done         chan struct{} // closed by Close()
	closeOnce    sync.Once
	completedTTL time.Duration
	evictEvery   time.Duration
	now          func() time.Time
}

type Option func(*Store)

// WithCompletedTTL sets how long finished tasks stay readable. Zero keeps them
// for the lifetime of the process.
func WithCompletedTTL(d time.Duration) Option {
	return func(s *Store) { s.completedTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		tasks:        make(map[string]*Task),
		done:         make(chan struct{}),
		completedTTL: defaultCompletedTTL,
		evictEvery:   time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.completedTTL > 0 {
		go s.evictLoop()
	}
	return s
}

// Create validates p and registers a PENDING task holding a copy of it.
func (s *Store) Create(p Payload) (Task, error) {
	if err := p.Validate(); err != nil {
		return Task{}, err
	}
	return s.create(p, "")
}

// Resubmit starts a new PENDING task from the payload of a finished one. The
// source task is left untouched.
func (s *Store) Resubmit(id string) (Task, error) {
	s.mu.RLock()
	src, ok := s.tasks[id]
	var p Payload
	var st Status
	if ok {
		p, st = src.Payload.Clone(), src.Status
	}
	s.mu.RUnlock()
	if !ok {
		return Task{}, ErrNotFound
	}
	if !st.Terminal() {
		return Task{}, ErrNotTerminal
	}
	return s.create(p, id)
}

func (s *Store) create(p Payload, from string) (Task, error) {
	select {
	case <-s.done:
		return Task{}, ErrClosed
	default:
	}

	now := s.now()
	t := &Task{
		ID:              uuid.NewString(),
		Status:          StatusPending,
		Payload:         p.Clone(),
		CreatedAt:       now,
		ResubmittedFrom: from,
	}
	note := "submission accepted"
	if from != "" {
		note = "resubmitted from " + from
	}
	t.Timeline = []Event{{TS: now, Event: EventSubmitReceived, Note: note, Status: StatusPending}}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t.clone(), nil
}

// Get returns a deep copy of the task.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || t == nil {
		return Task{}, false
	}
	return t.clone(), true
}

// Transition moves a task to status and appends the matching timeline entry.
func (s *Store) Transition(id string, status Status, patch Patch, event, note string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tasks[id]
	if !ok || old == nil {
		return Task{}, ErrNotFound
	}
	if old.Status.Terminal() {
		return Task{}, ErrTerminal
	}
	if !allowed(old.Status, status) {
		return Task{}, fmt.Errorf("illegal transition %s -> %s", old.Status, status)
	}

	now := s.now()
	next := old.clone()
	next.Status = status
	switch status {
	case StatusProcessing:
		if patch.StartAttempt {
			next.Attempts++
		}
	case StatusComplete:
		next.Result = patch.Result
		next.Error = ""
		next.FinishedAt = &now
	case StatusFailed:
		next.Error = patch.Error
		next.Result = ""
		next.FinishedAt = &now
	}
	next.Timeline = append(next.Timeline, Event{TS: now, Event: event, Note: note, Status: status})
	s.tasks[id] = &next
	return next.clone(), nil
}

// Record appends a timeline entry without changing the status.
func (s *Store) Record(id, event, note string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tasks[id]
	if !ok || old == nil {
		return Task{}, ErrNotFound
	}
	if old.Status.Terminal() {
		return Task{}, ErrTerminal
	}
	next := old.clone()
	next.Timeline = append(next.Timeline, Event{TS: s.now(), Event: event, Note: note, Status: old.Status})
	s.tasks[id] = &next
	return next.clone(), nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, t := range s.tasks {
		st.Total++
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusComplete:
			st.Complete++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Close stops eviction and refuses new tasks. Safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusComplete || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusComplete || to == StatusFailed
	default:
		return false
	}
}

func (s *Store) evictLoop() {
	ticker := time.NewTicker(s.evictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	if s.completedTTL <= 0 {
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t == nil {
			delete(s.tasks, id)
			continue
		}
		if !t.Status.Terminal() {
			continue
		}
		if t.FinishedAt != nil && now.Sub(*t.FinishedAt) > s.completedTTL {
			delete(s.tasks, id)
		}
	}
}
