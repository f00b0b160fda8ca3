// Package audit 把任务生命周期中的关键事件写入审计日志。审计是尽力而为的，
// 写入失败不影响主流程。
package audit

import (
	"log/slog"
	"time"

	"ConciergeFlow/pkg/logger"
)

// Event 是一条审计事件。Detail 中只放可序列化的标量与字符串。
type Event struct {
	Kind    string         `json:"kind"`
	TaskID  string         `json:"task_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	OrderID string         `json:"order_id,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	At      int64          `json:"at"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// 事件类型。
const (
	KindTaskCreated    = "task_created"
	KindTaskConfirmed  = "task_confirmed"
	KindTaskExecuted   = "task_executed"
	KindTaskFailed     = "task_failed"
	KindTaskCanceled   = "task_canceled"
	KindTaskPaused     = "task_paused"
	KindTaskResumed    = "task_resumed"
	KindTaskReplanned  = "task_replanned"
	KindStepFallback   = "step_fallback"
	KindRailRejected   = "rail_rejected"
	KindSettlement     = "settlement_booked"
	KindReconciliation = "reconciliation_run"
	KindHandoff        = "support_handoff"
)

// Sink 接收审计事件。
type Sink interface {
	Append(event Event)
}

// SlogSink 将事件写入独立的审计日志通道。
type SlogSink struct {
	log *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink 构造默认的审计落地。
func NewSlogSink() *SlogSink {
	return &SlogSink{log: logger.Audit()}
}

// Append 写入一条事件，缺失时间戳时补当前时间。
func (s *SlogSink) Append(event Event) {
	if event.At == 0 {
		event.At = time.Now().UnixMilli()
	}
	attrs := []any{
		slog.String("kind", event.Kind),
		slog.Int64("at", event.At),
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.StepID != "" {
		attrs = append(attrs, slog.String("step_id", event.StepID))
	}
	if event.OrderID != "" {
		attrs = append(attrs, slog.String("order_id", event.OrderID))
	}
	if event.Actor != "" {
		attrs = append(attrs, slog.String("actor", event.Actor))
	}
	if len(event.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", event.Detail))
	}
	s.log.Info("audit_event", attrs...)
}

// Discard 丢弃全部事件，测试用。
type Discard struct{}

var _ Sink = Discard{}

// Append 不做任何事。
func (Discard) Append(Event) {}

// Recorder 在内存里收集事件，测试断言用。
type Recorder struct {
	Events []Event
}

var _ Sink = (*Recorder)(nil)

// Append 追加事件。
func (r *Recorder) Append(event Event) {
	r.Events = append(r.Events, event)
}

// Has 判断是否收到过指定类型的事件。
func (r *Recorder) Has(kind string) bool {
	for _, event := range r.Events {
		if event.Kind == kind {
			return true
		}
	}
	return false
}
