package task

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/quailyquaily/markedit/imagegen"
	"github.com/quailyquaily/markedit/region"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Timeline event names.
const (
	EventSubmitReceived    = "submit_received"
	EventProcessingStart   = "processing_start"
	EventAPIRequestSent    = "api_request_sent"
	EventAPITaskIDReceived = "api_task_id_received"
	EventPollingComplete   = "polling_complete"
	EventRetryScheduled    = "retry_scheduled"
	EventComplete          = "complete"
	EventMockFallback      = "mock_fallback"
	EventFailed            = "failed"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrTerminal    = errors.New("task is already finished")
	ErrNotTerminal = errors.New("task is still running")
	ErrClosed      = errors.New("task store is closed")
)

// ValidationError reports a rejected submission. No task is created.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: require %s", strings.Join(e.Fields, ", "))
}

type ReferenceAsset struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type GlobalParams struct {
	OutputResolution string `json:"output_resolution"`
}

// Payload is the submission as accepted. The store keeps its own deep copy.
type Payload struct {
	BaseImage       string           `json:"base_image"`
	Prompt          string           `json:"prompt"`
	ReferenceAssets []ReferenceAsset `json:"reference_assets,omitempty"`
	MaskElements    []region.Element `json:"mask_elements,omitempty"`
	GlobalParams    GlobalParams     `json:"global_params"`
}

func (p Payload) Clone() Payload {
	out := p
	if p.ReferenceAssets != nil {
		out.ReferenceAssets = append([]ReferenceAsset(nil), p.ReferenceAssets...)
	}
	if p.MaskElements != nil {
		out.MaskElements = make([]region.Element, len(p.MaskElements))
		for i, el := range p.MaskElements {
			el.Coords = append([]float64(nil), el.Coords...)
			out.MaskElements[i] = el
		}
	}
	return out
}

var resolutionRe = regexp.MustCompile(`^\d+x\d+$`)

// Validate checks the fields every submission needs.
func (p Payload) Validate() error {
	var missing []string
	res := p.GlobalParams.OutputResolution
	if _, _, err := imagegen.ParseResolution(res); err != nil || !resolutionRe.MatchString(res) {
		missing = append(missing, "global_params.output_resolution")
	}
	if strings.TrimSpace(p.BaseImage) == "" {
		missing = append(missing, "base_image")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

type Event struct {
	TS     time.Time `json:"ts"`
	Event  string    `json:"event"`
	Note   string    `json:"note,omitempty"`
	Status Status    `json:"status"`
}

type Task struct {
	ID              string
	Status          Status
	Payload         Payload
	Result          string
	Error           string
	CreatedAt       time.Time
	FinishedAt      *time.Time
	Timeline        []Event
	Attempts        int
	ResubmittedFrom string
}

func (t *Task) clone() Task {
	out := *t
	out.Payload = t.Payload.Clone()
	out.Timeline = append([]Event(nil), t.Timeline...)
	if t.FinishedAt != nil {
		ft := *t.FinishedAt
		out.FinishedAt = &ft
	}
	return out
}

// Patch carries the fields a transition may set.
type Patch struct {
	Result string
	Error  string
	// StartAttempt counts a new processing attempt.
	StartAttempt bool
}

// Stats counts tasks by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
}
