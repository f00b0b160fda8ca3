// Package task 承载任务聚合、状态机、持久化与排队执行。任务是整个流水线的
// 核心载体：编译得到计划，确认后入队，执行器逐步推进并把调用日志与降级事件
// 写回任务。
package task

import (
	stdErrors "errors"

	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/protocol"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusConfirmed Status = "confirmed"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCanceled  Status = "canceled"
)

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPlanned, StatusConfirmed, StatusExecuting, StatusCompleted,
		StatusFailed, StatusPaused, StatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。终态任务不再接受任何生命周期操作，
// 重新规划除外。
func Terminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// allowedTransitions 是任务状态机的全量边集。不在此表中的迁移一律拒绝。
var allowedTransitions = map[Status][]Status{
	StatusPlanned:   {StatusConfirmed, StatusCanceled},
	StatusConfirmed: {StatusExecuting, StatusPaused, StatusCanceled},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusPaused, StatusCanceled},
	StatusPaused:    {StatusConfirmed, StatusCanceled},
	StatusFailed:    {StatusPlanned},
	StatusCompleted: {},
	StatusCanceled:  {},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FallbackEvent 记录一次步骤降级。
type FallbackEvent struct {
	StepID   string              `json:"step_id"`
	ToolType protocol.ToolType   `json:"tool_type"`
	Policy   plan.FallbackPolicy `json:"policy"`
	Code     string              `json:"code"`
	Reason   string              `json:"reason"`
	At       int64               `json:"at"`
}

// Handoff 记录任务失败后的人工接管信息。
type Handoff struct {
	TicketID  string `json:"ticket_id"`
	Status    string `json:"status"`
	ETA       string `json:"eta"`
	CreatedAt int64  `json:"created_at"`
}

// PauseState 记录暂停现场，恢复后执行器从首个未完成步骤继续。
type PauseState struct {
	StepIndex int    `json:"step_index"`
	Reason    string `json:"reason,omitempty"`
	PausedAt  int64  `json:"paused_at"`
}

// Task 是排队执行的委托任务聚合。Steps 是计划步骤的运行期副本，
// 执行器只修改副本，Plan 自编译后保持只读。
type Task struct {
	ID             string                `json:"id"`
	Intent         string                `json:"intent"`
	Category       plan.IntentCategory   `json:"category"`
	Status         Status                `json:"status"`
	Plan           *plan.Plan            `json:"plan,omitempty"`
	Steps          []plan.StepDef        `json:"steps,omitempty"`
	Constraints    plan.Constraints      `json:"constraints"`
	Memory         plan.Memory           `json:"memory,omitempty"`
	CallLog        []protocol.CallRecord `json:"call_log,omitempty"`
	FallbackEvents []FallbackEvent       `json:"fallback_events,omitempty"`
	Pause          *PauseState           `json:"pause,omitempty"`
	OrderID        string                `json:"order_id,omitempty"`
	Handoff        *Handoff              `json:"handoff,omitempty"`
	ErrorCode      string                `json:"error_code,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
	CreatedAt      int64                 `json:"created_at"`
	UpdatedAt      int64                 `json:"updated_at"`
}

// Clone 返回任务的深拷贝，内存存储对外只交出拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cloned := *t
	if t.Plan != nil {
		planCopy := *t.Plan
		planCopy.Steps = t.Plan.CloneSteps()
		cloned.Plan = &planCopy
	}
	cloned.Steps = cloneSteps(t.Steps)
	if t.Memory != nil {
		memory := make(plan.Memory, len(t.Memory))
		for key, value := range t.Memory {
			memory[key] = value
		}
		cloned.Memory = memory
	}
	cloned.CallLog = append([]protocol.CallRecord(nil), t.CallLog...)
	cloned.FallbackEvents = append([]FallbackEvent(nil), t.FallbackEvents...)
	if t.Pause != nil {
		pause := *t.Pause
		cloned.Pause = &pause
	}
	if t.Handoff != nil {
		handoff := *t.Handoff
		cloned.Handoff = &handoff
	}
	return &cloned
}

func cloneSteps(steps []plan.StepDef) []plan.StepDef {
	if steps == nil {
		return nil
	}
	cloned := make([]plan.StepDef, len(steps))
	copy(cloned, steps)
	for i := range cloned {
		if cloned[i].Evidence != nil {
			evidence := *cloned[i].Evidence
			cloned[i].Evidence = &evidence
		}
	}
	return cloned
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskTerminal 表示任务已经进入终态。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskTerminal   xerrors.Code = "TASK_TERMINAL"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:  "task already terminal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return target == CodeTaskNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrTaskTerminal) {
		return target == CodeTaskTerminal
	}
	return xerrors.CodeOf(err) == target
}
