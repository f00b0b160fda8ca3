package task

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	"ConciergeFlow/internal/audit"
	"ConciergeFlow/internal/plan"
)

// recordProducer 记录被投递的任务 ID。
type recordProducer struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordProducer) Publish(_ context.Context, taskID string) error {
	p.mu.Lock()
	p.ids = append(p.ids, taskID)
	p.mu.Unlock()
	return nil
}

func (p *recordProducer) Close() error { return nil }

func (p *recordProducer) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func newTestService(recorder *audit.Recorder) (*Service, *MemoryStore, *recordProducer) {
	store := NewMemoryStore()
	producer := &recordProducer{}
	var sink audit.Sink = audit.Discard{}
	if recorder != nil {
		sink = recorder
	}
	return NewService(store, producer, plan.NewCompiler(), sink), store, producer
}

func dinnerRequest(clientID string) CreateRequest {
	return CreateRequest{
		ClientTaskID: clientID,
		Intent:       "find me dinner, budget low, need it soon",
		Constraints:  plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100},
	}
}

func TestServiceLifecycleCreateConfirmExecute(t *testing.T) {
	recorder := &audit.Recorder{}
	service, _, producer := newTestService(recorder)
	ctx := context.Background()

	created, err := service.Create(ctx, dinnerRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusPlanned {
		t.Fatalf("new task must be planned, got %s", created.Status)
	}
	if created.Plan == nil || len(created.Steps) != 5 {
		t.Fatalf("compiled plan missing, steps %d", len(created.Steps))
	}
	if created.Category != plan.CategoryDining {
		t.Fatalf("category: got %s", created.Category)
	}

	// 未确认的任务不能入队。
	if _, err := service.Execute(ctx, created.ID); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("execute before confirm: got %v want ErrTaskConflict", err)
	}

	confirmed, err := service.Confirm(ctx, created.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("confirm status: got %s", confirmed.Status)
	}

	if _, err := service.Execute(ctx, created.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	published := producer.published()
	if len(published) != 1 || published[0] != created.ID {
		t.Fatalf("expected task published once, got %v", published)
	}
	if !recorder.Has(audit.KindTaskCreated) || !recorder.Has(audit.KindTaskConfirmed) {
		t.Fatalf("lifecycle audit events missing: %+v", recorder.Events)
	}
}

func TestServiceCreateIdempotentByClientTaskID(t *testing.T) {
	service, _, _ := newTestService(nil)
	ctx := context.Background()

	first, err := service.Create(ctx, dinnerRequest("client-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.Confirm(ctx, first.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// 带相同客户端 ID 重放创建：返回已有任务，状态不回退。
	second, err := service.Create(ctx, dinnerRequest("client-1"))
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay must return the same task: %s vs %s", second.ID, first.ID)
	}
	if second.Status != StatusConfirmed {
		t.Fatalf("replay must not reset status, got %s", second.Status)
	}

	all, err := service.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("replayed create must not add tasks, got %d", len(all))
	}
}

func TestServiceCreateRejectsEmptyIntent(t *testing.T) {
	service, _, _ := newTestService(nil)
	if _, err := service.Create(context.Background(), CreateRequest{Intent: "   "}); err == nil {
		t.Fatalf("blank intent must be rejected")
	}
}

func TestServicePauseAndResume(t *testing.T) {
	recorder := &audit.Recorder{}
	service, _, producer := newTestService(recorder)
	ctx := context.Background()

	created, err := service.Create(ctx, dinnerRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.Confirm(ctx, created.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	paused, err := service.Pause(ctx, created.ID, "user stepped away")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != StatusPaused {
		t.Fatalf("pause status: got %s", paused.Status)
	}
	if paused.Pause == nil || paused.Pause.StepIndex != 0 {
		t.Fatalf("pause must record the first open step: %+v", paused.Pause)
	}

	resumed, err := service.Resume(ctx, created.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != StatusConfirmed {
		t.Fatalf("resume status: got %s", resumed.Status)
	}
	if resumed.Pause != nil {
		t.Fatalf("resume must clear pause state")
	}
	if published := producer.published(); len(published) != 1 {
		t.Fatalf("resume must requeue the task, published %v", published)
	}
	if !recorder.Has(audit.KindTaskPaused) || !recorder.Has(audit.KindTaskResumed) {
		t.Fatalf("pause/resume audit events missing")
	}
}

func TestServiceCancelBlocksTerminalTasks(t *testing.T) {
	service, store, _ := newTestService(nil)
	ctx := context.Background()

	created, err := service.Create(ctx, dinnerRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	canceled, err := service.Cancel(ctx, created.ID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Fatalf("cancel status: got %s", canceled.Status)
	}
	if _, err := service.Cancel(ctx, created.ID, "again"); !stdErrors.Is(err, ErrTaskTerminal) {
		t.Fatalf("cancel terminal task: got %v want ErrTaskTerminal", err)
	}
	// 终态任务也不能再确认。
	if _, err := service.Confirm(ctx, created.ID); !stdErrors.Is(err, ErrTaskTerminal) {
		t.Fatalf("confirm terminal task: got %v want ErrTaskTerminal", err)
	}
	_ = store
}

func TestServiceReplanResetsExecutionArtifacts(t *testing.T) {
	service, store, _ := newTestService(nil)
	ctx := context.Background()

	created, err := service.Create(ctx, dinnerRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 人为把任务推进到失败并留下执行痕迹。
	if _, err := store.Transition(ctx, created.ID, nil, func(t *Task) error {
		t.Status = StatusFailed
		t.ErrorCode = "SLA_BREACH"
		t.LastError = "pay step missed its deadline"
		t.OrderID = "ord-stale"
		t.Handoff = &Handoff{TicketID: "TCK-1"}
		t.FallbackEvents = []FallbackEvent{{StepID: "s1"}}
		t.Steps[0].Status = plan.StepFailed
		return nil
	}); err != nil {
		t.Fatalf("seed failed task: %v", err)
	}

	replanned, err := service.Replan(ctx, created.ID, "get me a ride from West Lake to the airport in 20 minutes", plan.Constraints{}, nil)
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if replanned.Status != StatusPlanned {
		t.Fatalf("replan status: got %s", replanned.Status)
	}
	if replanned.Category != plan.CategoryMobility {
		t.Fatalf("replan must recompile the category, got %s", replanned.Category)
	}
	if replanned.OrderID != "" || replanned.Handoff != nil || replanned.ErrorCode != "" || replanned.LastError != "" {
		t.Fatalf("replan must clear execution artifacts: %+v", replanned)
	}
	if len(replanned.FallbackEvents) != 0 || len(replanned.CallLog) != 0 {
		t.Fatalf("replan must clear call log and fallbacks")
	}
	for _, step := range replanned.Steps {
		if step.Status != plan.StepQueued {
			t.Fatalf("replanned steps must be queued, step %s is %s", step.ID, step.Status)
		}
	}

	// completed 任务不允许重新规划。
	done := newStoredTask("task-done", StatusCompleted)
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("create done: %v", err)
	}
	if _, err := service.Replan(ctx, "task-done", "", plan.Constraints{}, nil); !stdErrors.Is(err, ErrTaskTerminal) {
		t.Fatalf("replan completed task: got %v want ErrTaskTerminal", err)
	}
}
