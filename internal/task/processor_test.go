package task

import (
	"context"
	"testing"

	"ConciergeFlow/internal/audit"
	"ConciergeFlow/internal/observability/alerting"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/support"
)

// executorFunc 把函数适配成 Executor，便于在测试里编排执行结果。
type executorFunc func(ctx context.Context, t *Task, probe StatusProbe) (*ExecutionOutcome, error)

func (f executorFunc) Execute(ctx context.Context, t *Task, probe StatusProbe) (*ExecutionOutcome, error) {
	return f(ctx, t, probe)
}

type recordBooker struct {
	orders []*Order
}

func (b *recordBooker) BookOrder(_ context.Context, order *Order) error {
	b.orders = append(b.orders, order.CloneOrder())
	return nil
}

type stubIssuer struct {
	requests []support.Request
}

func (s *stubIssuer) CreateTicket(_ context.Context, req support.Request) (*support.Ticket, error) {
	s.requests = append(s.requests, req)
	return &support.Ticket{ID: "TCK-test", TaskID: req.TaskID, Status: support.TicketOpen, ETA: "15m0s", CreatedAt: 1}, nil
}

type recordDispatcher struct {
	events []alerting.Event
}

func (d *recordDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func seedConfirmedTask(t *testing.T, store Store, id string) *Task {
	t.Helper()
	compiled, err := plan.NewCompiler().Compile(id, "find me dinner, budget low, need it soon",
		plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	stored := &Task{
		ID:       id,
		Intent:   "find me dinner, budget low, need it soon",
		Category: compiled.Category,
		Status:   StatusConfirmed,
		Plan:     compiled,
		Steps:    compiled.CloneSteps(),
	}
	if err := store.Create(context.Background(), stored); err != nil {
		t.Fatalf("create: %v", err)
	}
	return stored
}

func successSteps(steps []plan.StepDef) []plan.StepDef {
	out := make([]plan.StepDef, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Status = plan.StepSuccess
	}
	return out
}

func TestProcessorCompletedBooksOrderAndSettlement(t *testing.T) {
	store := NewMemoryStore()
	orders := NewMemoryOrderStore()
	booker := &recordBooker{}
	recorder := &audit.Recorder{}
	ctx := context.Background()

	seeded := seedConfirmedTask(t, store, "task-ok")
	order := &Order{
		ID:       "ord-1",
		TaskID:   seeded.ID,
		Category: seeded.Category,
		Status:   OrderConfirmed,
		Pricing:  Pricing{Gross: 80, Markup: 9.6, Net: 70.4, Deposit: 24, Currency: "CNY"},
	}
	executor := executorFunc(func(_ context.Context, claimed *Task, _ StatusProbe) (*ExecutionOutcome, error) {
		return &ExecutionOutcome{
			Status: StatusCompleted,
			Steps:  successSteps(claimed.Steps),
			Order:  order,
		}, nil
	})

	processor := NewProcessor(executor, store, orders, nil,
		WithSettlementBooker(booker),
		WithAuditSink(recorder),
	)
	if err := processor.Handle(ctx, seeded.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	final, err := store.Get(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("task status: got %s want completed", final.Status)
	}
	if final.OrderID != "ord-1" {
		t.Fatalf("order id not written back: %q", final.OrderID)
	}
	if _, err := orders.GetOrder(ctx, "ord-1"); err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if len(booker.orders) != 1 || booker.orders[0].ID != "ord-1" {
		t.Fatalf("settlement not booked: %+v", booker.orders)
	}
	if !recorder.Has(audit.KindTaskExecuted) {
		t.Fatalf("missing task_executed audit event")
	}
}

func TestProcessorFailedOpensTicketAndAlerts(t *testing.T) {
	store := NewMemoryStore()
	issuer := &stubIssuer{}
	dispatcher := &recordDispatcher{}
	recorder := &audit.Recorder{}
	ctx := context.Background()

	seeded := seedConfirmedTask(t, store, "task-bad")
	executor := executorFunc(func(_ context.Context, claimed *Task, _ StatusProbe) (*ExecutionOutcome, error) {
		steps := make([]plan.StepDef, len(claimed.Steps))
		copy(steps, claimed.Steps)
		steps[0].Status = plan.StepFailed
		return &ExecutionOutcome{
			Status:        StatusFailed,
			Steps:         steps,
			ErrorCode:     "PROVIDER_UNAVAILABLE",
			LastError:     "provider rejected the search",
			HandoffReason: "provider rejected the search",
		}, nil
	})

	processor := NewProcessor(executor, store, NewMemoryOrderStore(), nil,
		WithSupportDesk(issuer),
		WithAlertDispatcher(dispatcher),
		WithAuditSink(recorder),
	)
	if err := processor.Handle(ctx, seeded.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	final, err := store.Get(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("task status: got %s want failed", final.Status)
	}
	if final.ErrorCode != "PROVIDER_UNAVAILABLE" {
		t.Fatalf("error code: got %q", final.ErrorCode)
	}
	if final.Handoff == nil || final.Handoff.TicketID != "TCK-test" {
		t.Fatalf("handoff not recorded: %+v", final.Handoff)
	}
	if len(issuer.requests) != 1 || issuer.requests[0].TaskID != seeded.ID {
		t.Fatalf("support ticket not requested: %+v", issuer.requests)
	}
	if len(dispatcher.events) != 1 || dispatcher.events[0].TaskID != seeded.ID {
		t.Fatalf("alert not dispatched: %+v", dispatcher.events)
	}
	if !recorder.Has(audit.KindHandoff) || !recorder.Has(audit.KindTaskFailed) {
		t.Fatalf("failure audit events missing")
	}
	// 失败路径同样要落执行痕迹。
	if final.Steps[0].Status != plan.StepFailed {
		t.Fatalf("failed step not written back, got %s", final.Steps[0].Status)
	}
}

func TestProcessorSkipsUnclaimableTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("task-planned", StatusPlanned)); err != nil {
		t.Fatalf("create: %v", err)
	}
	executor := executorFunc(func(context.Context, *Task, StatusProbe) (*ExecutionOutcome, error) {
		t.Fatalf("executor must not run for unclaimable tasks")
		return nil, nil
	})

	processor := NewProcessor(executor, store, NewMemoryOrderStore(), nil)
	// 未确认与不存在的任务都静默跳过，避免队列重投风暴。
	if err := processor.Handle(ctx, "task-planned"); err != nil {
		t.Fatalf("handle planned: %v", err)
	}
	if err := processor.Handle(ctx, "task-missing"); err != nil {
		t.Fatalf("handle missing: %v", err)
	}

	current, err := store.Get(ctx, "task-planned")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusPlanned {
		t.Fatalf("skipped task must keep its status, got %s", current.Status)
	}
}

func TestProcessorPausedSavesProgressWithoutTouchingStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seeded := seedConfirmedTask(t, store, "task-paused")

	executor := executorFunc(func(execCtx context.Context, claimed *Task, _ StatusProbe) (*ExecutionOutcome, error) {
		// 模拟用户在执行中途暂停：状态由生命周期接口改写。
		if _, err := store.Transition(execCtx, claimed.ID, nil, func(t *Task) error {
			t.Status = StatusPaused
			t.Pause = &PauseState{StepIndex: 2, Reason: "user stepped away"}
			return nil
		}); err != nil {
			return nil, err
		}
		steps := make([]plan.StepDef, len(claimed.Steps))
		copy(steps, claimed.Steps)
		steps[0].Status = plan.StepSuccess
		steps[1].Status = plan.StepSuccess
		return &ExecutionOutcome{Status: StatusPaused, Steps: steps}, nil
	})

	processor := NewProcessor(executor, store, NewMemoryOrderStore(), nil)
	if err := processor.Handle(ctx, seeded.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	final, err := store.Get(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusPaused {
		t.Fatalf("pause status overwritten: got %s", final.Status)
	}
	if final.Steps[0].Status != plan.StepSuccess || final.Steps[1].Status != plan.StepSuccess {
		t.Fatalf("settled progress must be persisted: %+v", final.Steps[:2])
	}
	if final.Steps[2].Status != plan.StepQueued {
		t.Fatalf("open steps must stay queued, got %s", final.Steps[2].Status)
	}
}
