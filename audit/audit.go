package audit

import (
	"context"
	"time"
)

// Kinds written by the orchestrator and the HTTP layer.
const (
	KindRequest          = "request"
	KindAIRequest        = "ai_request"
	KindAISubmitResponse = "ai_submit_response"
	KindAIPoll           = "ai_poll"
	KindResultValidation = "result_validation"
	KindAIMockResponse   = "ai_mock_response"
	KindAIMockFallback   = "ai_mock_fallback"
	KindAITaskFailed     = "ai_task_failed"
)

// Record is one line of the request log.
type Record struct {
	TS     time.Time `json:"ts"`
	TaskID string    `json:"taskId,omitempty"`
	Kind   string    `json:"kind"`
	Data   any       `json:"data,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, r Record) error
	Close() error
}

// Nop discards every record.
type Nop struct{}

func (Nop) Emit(context.Context, Record) error { return nil }
func (Nop) Close() error                       { return nil }
