package task

import (
	"context"

	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/protocol"
)

// StatusProbe 返回任务在存储中的当前状态。执行器在步骤之间调用它，
// 以便外部的暂停或取消请求能在步骤边界生效。
type StatusProbe func(ctx context.Context) (Status, error)

// ExecutionOutcome 是执行器交回的结算结果。Steps 与 CallLog 覆盖写回任务。
type ExecutionOutcome struct {
	Status         Status
	Steps          []plan.StepDef
	CallLog        []protocol.CallRecord
	FallbackEvents []FallbackEvent
	Order          *Order
	Pause          *PauseState
	ErrorCode      string
	LastError      string
	HandoffReason  string
}

// Executor 驱动任务计划的逐步执行。
type Executor interface {
	Execute(ctx context.Context, t *Task, probe StatusProbe) (*ExecutionOutcome, error)
}
