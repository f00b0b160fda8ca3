package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ConciergeFlow/internal/audit"
	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/pkg/logger"
)

// CreateRequest 是任务创建入参。ClientTaskID 非空时创建是幂等的，
// 已存在的任务直接返回。
type CreateRequest struct {
	ClientTaskID string           `json:"task_id,omitempty"`
	Intent       string           `json:"intent"`
	Constraints  plan.Constraints `json:"constraints"`
	Memory       plan.Memory      `json:"memory,omitempty"`
}

// Service 负责任务生命周期操作：创建、确认、入队执行、暂停、恢复、
// 取消与重新规划。
type Service struct {
	store    Store
	producer Producer
	compiler *plan.Compiler
	auditor  audit.Sink
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, compiler *plan.Compiler, auditor audit.Sink) *Service {
	if compiler == nil {
		compiler = plan.NewCompiler()
	}
	if auditor == nil {
		auditor = audit.Discard{}
	}
	return &Service{store: store, producer: producer, compiler: compiler, auditor: auditor}
}

// Create 编译计划并落库，任务停在 planned 状态等待确认。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if strings.TrimSpace(req.Intent) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务意图不能为空")
	}
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ClientTaskID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	compiled, err := s.compiler.Compile(taskID, req.Intent, req.Constraints, req.Memory)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:          taskID,
		Intent:      req.Intent,
		Category:    compiled.Category,
		Status:      StatusPlanned,
		Plan:        compiled,
		Steps:       compiled.CloneSteps(),
		Constraints: req.Constraints,
		Memory:      req.Memory,
	}
	if err := s.store.Create(ctx, t); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.auditor.Append(audit.Event{
		Kind:   audit.KindTaskCreated,
		TaskID: taskID,
		Detail: map[string]any{"category": string(t.Category), "intent": req.Intent},
	})
	logger.L().Info("任务已创建",
		slog.String("task_id", taskID),
		slog.String("category", string(t.Category)),
	)
	return s.store.Get(ctx, taskID)
}

// Confirm 把 planned 任务推进到 confirmed，表示用户接受了条款。
func (s *Service) Confirm(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.Transition(ctx, id, []Status{StatusPlanned}, func(t *Task) error {
		t.Status = StatusConfirmed
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Append(audit.Event{Kind: audit.KindTaskConfirmed, TaskID: id})
	return t, nil
}

// Execute 把 confirmed 任务投递到队列，由处理器异步执行。
func (s *Service) Execute(ctx context.Context, id string) (*Task, error) {
	if s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务队列未初始化")
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusConfirmed {
		if Terminal(t.Status) {
			return nil, ErrTaskTerminal
		}
		return nil, ErrTaskConflict
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		return nil, xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", id),
		slog.String("category", string(t.Category)),
	)
	return t, nil
}

// Pause 在 confirmed 或 executing 状态下暂停任务，执行器在步骤边界让出。
func (s *Service) Pause(ctx context.Context, id, reason string) (*Task, error) {
	t, err := s.store.Transition(ctx, id, []Status{StatusConfirmed, StatusExecuting}, func(t *Task) error {
		t.Status = StatusPaused
		t.Pause = &PauseState{
			StepIndex: firstOpenStep(t.Steps),
			Reason:    reason,
			PausedAt:  time.Now().UnixMilli(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Append(audit.Event{Kind: audit.KindTaskPaused, TaskID: id, Detail: map[string]any{"reason": reason}})
	return t, nil
}

// Resume 把 paused 任务送回 confirmed 并重新入队。已成功的步骤保持原状，
// 执行从首个未完成步骤继续。
func (s *Service) Resume(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.Transition(ctx, id, []Status{StatusPaused}, func(t *Task) error {
		t.Status = StatusConfirmed
		t.Pause = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.producer != nil {
		if err := s.producer.Publish(ctx, id); err != nil {
			return nil, xerrors.Wrap(CodeTaskPublish, err, "恢复任务重新入队失败")
		}
	}
	s.auditor.Append(audit.Event{Kind: audit.KindTaskResumed, TaskID: id})
	return t, nil
}

// Cancel 取消任务。终态任务不可取消。
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Task, error) {
	allowed := []Status{StatusPlanned, StatusConfirmed, StatusExecuting, StatusPaused}
	t, err := s.store.Transition(ctx, id, allowed, func(t *Task) error {
		t.Status = StatusCanceled
		t.LastError = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Append(audit.Event{Kind: audit.KindTaskCanceled, TaskID: id, Detail: map[string]any{"reason": reason}})
	return t, nil
}

// Replan 对 planned、paused 或 failed 任务重新编译计划。执行痕迹全部清空，
// 任务回到 planned 状态等待再次确认。
func (s *Service) Replan(ctx context.Context, id, intent string, constraints plan.Constraints, memory plan.Memory) (*Task, error) {
	allowed := []Status{StatusPlanned, StatusPaused, StatusFailed}
	t, err := s.store.Transition(ctx, id, allowed, func(t *Task) error {
		if strings.TrimSpace(intent) != "" {
			t.Intent = intent
		}
		if memory != nil {
			t.Memory = memory
		}
		t.Constraints = constraints
		compiled, compileErr := s.compiler.Compile(t.ID, t.Intent, t.Constraints, t.Memory)
		if compileErr != nil {
			return compileErr
		}
		t.Category = compiled.Category
		t.Plan = compiled
		t.Steps = compiled.CloneSteps()
		t.Status = StatusPlanned
		t.CallLog = nil
		t.FallbackEvents = nil
		t.Pause = nil
		t.OrderID = ""
		t.Handoff = nil
		t.ErrorCode = ""
		t.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Append(audit.Event{Kind: audit.KindTaskReplanned, TaskID: id})
	return t, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilSettled 在指定超时时间内轮询任务直至进入终态或暂停。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if Terminal(t.Status) || t.Status == StatusPaused {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// firstOpenStep 返回首个未完成步骤的下标，全部完成时返回步骤总数。
func firstOpenStep(steps []plan.StepDef) int {
	for i, step := range steps {
		switch step.Status {
		case plan.StepSuccess, plan.StepSkipped, plan.StepFallback:
			continue
		default:
			return i
		}
	}
	return len(steps)
}
