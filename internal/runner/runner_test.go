package runner

import (
	"context"
	"testing"
	"time"

	"ConciergeFlow/internal/audit"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/protocol"
	"ConciergeFlow/internal/provider"
	"ConciergeFlow/internal/rails"
	"ConciergeFlow/internal/task"
)

func fixedClock() time.Time {
	return time.UnixMilli(1700000000000)
}

func newRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register("dining", provider.NewSimulator("sim-dining", "dining_gateway", provider.WithClock(fixedClock)))
	registry.Register("mobility", provider.NewSimulator("sim-mobility", "mobility_gateway", provider.WithClock(fixedClock)))
	return registry
}

func newExecutingTask(t *testing.T, intent string, constraints plan.Constraints) *task.Task {
	t.Helper()
	compiled, err := plan.NewCompiler().Compile("task-exec", intent, constraints, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return &task.Task{
		ID:          "task-exec",
		Intent:      intent,
		Category:    compiled.Category,
		Status:      task.StatusExecuting,
		Plan:        compiled,
		Steps:       compiled.CloneSteps(),
		Constraints: constraints,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100, PaymentRail: "rail_default"}
	tsk := newExecutingTask(t, "book dinner for 2 in Hangzhou tonight", constraints)

	r := New(newRegistry(t), rails.AllowAll{}, nil, Policy{}, WithClock(fixedClock))
	outcome, err := r.Execute(context.Background(), tsk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s: %s)", outcome.Status, outcome.ErrorCode, outcome.LastError)
	}
	for _, step := range outcome.Steps {
		if step.Status != plan.StepSuccess {
			t.Fatalf("step %s expected success, got %s", step.ID, step.Status)
		}
		if step.Evidence == nil || step.Evidence.ReceiptID == "" {
			t.Fatalf("step %s missing evidence", step.ID)
		}
	}
	if len(outcome.CallLog) != 5 {
		t.Fatalf("expected 5 call records, got %d", len(outcome.CallLog))
	}
	if outcome.Order == nil {
		t.Fatalf("completed run must produce an order")
	}
	if outcome.Order.PaymentRef == "" {
		t.Fatalf("order missing payment ref")
	}
	if outcome.Order.Pricing.Gross != tsk.Plan.Terms.Amount {
		t.Fatalf("order gross %v != terms amount %v", outcome.Order.Pricing.Gross, tsk.Plan.Terms.Amount)
	}
	if got := outcome.Order.Pricing.Markup + outcome.Order.Pricing.Net; got != outcome.Order.Pricing.Gross {
		t.Fatalf("pricing must split gross exactly, markup+net=%v gross=%v", got, outcome.Order.Pricing.Gross)
	}
}

func TestExecuteRailDisabledFailsPayBeforeProviderCall(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100, PaymentRail: "rail_blocked"}
	tsk := newExecutingTask(t, "book dinner for 2 in Hangzhou", constraints)

	checker := rails.NewStaticChecker([]string{"rail_blocked"}, nil)
	recorder := &audit.Recorder{}
	r := New(newRegistry(t), checker, nil, Policy{HandoffEnabled: true}, WithClock(fixedClock), WithAuditSink(recorder))

	outcome, err := r.Execute(context.Background(), tsk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.ErrorCode != rails.CodeRailDisabled {
		t.Fatalf("expected error code %s, got %s", rails.CodeRailDisabled, outcome.ErrorCode)
	}
	if outcome.HandoffReason == "" {
		t.Fatalf("handoff enabled policy must surface a handoff reason")
	}
	if outcome.Order != nil {
		t.Fatalf("failed run must not produce an order")
	}

	// 支付步骤失败，交付步骤不再推进。
	var payStep, deliverStep plan.StepDef
	for _, step := range outcome.Steps {
		switch step.ToolType {
		case protocol.ToolDiningPay:
			payStep = step
		case protocol.ToolDiningDeliver:
			deliverStep = step
		}
	}
	if payStep.Status != plan.StepFailed {
		t.Fatalf("pay step expected failed, got %s", payStep.Status)
	}
	if deliverStep.Status != plan.StepQueued {
		t.Fatalf("deliver step must stay queued, got %s", deliverStep.Status)
	}

	// 合规拒绝发生在任何提供方调用之前：支付记录来自合规闸门。
	last := outcome.CallLog[len(outcome.CallLog)-1]
	if last.Response.Code != rails.CodeRailDisabled {
		t.Fatalf("last call record code %q, want %s", last.Response.Code, rails.CodeRailDisabled)
	}
	if last.Response.Data.Provider != "rails" {
		t.Fatalf("compliance record provider %q, want rails", last.Response.Data.Provider)
	}
	if !recorder.Has(audit.KindRailRejected) {
		t.Fatalf("rail rejection must be audited")
	}
}

func TestExecuteForcedFallbackUnderUrgency(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 4, BaseAmount: 150, Urgent: true, PaymentRail: "rail_default"}
	tsk := newExecutingTask(t, "need dinner right away for 4", constraints)

	r := New(newRegistry(t), rails.AllowAll{}, nil, Policy{ForcedFallbackPct: 100}, WithClock(fixedClock))
	outcome, err := r.Execute(context.Background(), tsk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.LastError)
	}
	for _, step := range outcome.Steps {
		if step.ToolType == protocol.ToolDiningPay {
			if step.Status != plan.StepSuccess {
				t.Fatalf("pay step cannot fall back, got %s", step.Status)
			}
			continue
		}
		if step.Status != plan.StepFallback {
			t.Fatalf("step %s expected fallback under 100%% gate, got %s", step.ID, step.Status)
		}
	}
	if len(outcome.FallbackEvents) != 4 {
		t.Fatalf("expected 4 fallback events, got %d", len(outcome.FallbackEvents))
	}
	for _, event := range outcome.FallbackEvents {
		if event.Code != "forced_unavailable" {
			t.Fatalf("unexpected fallback code %s", event.Code)
		}
	}
	if outcome.Order == nil {
		t.Fatalf("run with resolved steps must still produce an order")
	}
}

// faultyStatusProvider 只让余位确认步骤返回提供方故障，其余步骤照常。
type faultyStatusProvider struct {
	inner *provider.Simulator
}

func (p *faultyStatusProvider) Name() string { return p.inner.Name() }

func (p *faultyStatusProvider) Invoke(ctx context.Context, in provider.Input) (provider.Result, error) {
	if in.Tool == protocol.ToolDiningStatus {
		if in.Payload == nil {
			in.Payload = map[string]any{}
		}
		in.Payload["force_error"] = "no_availability"
	}
	return p.inner.Invoke(ctx, in)
}

func TestExecuteStatusFaultFallsBackAndCompletes(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100, PaymentRail: "rail_default"}
	tsk := newExecutingTask(t, "book dinner for 2 in Hangzhou", constraints)

	registry := provider.NewRegistry()
	registry.Register("dining", &faultyStatusProvider{
		inner: provider.NewSimulator("sim-dining", "dining_gateway", provider.WithClock(fixedClock)),
	})

	r := New(registry, rails.AllowAll{}, nil, Policy{}, WithClock(fixedClock))
	outcome, err := r.Execute(context.Background(), tsk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusCompleted {
		t.Fatalf("status fault on a fallback-capable step must not sink the task, got %s", outcome.Status)
	}
	for _, step := range outcome.Steps {
		want := plan.StepSuccess
		if step.ToolType == protocol.ToolDiningStatus {
			want = plan.StepFallback
		}
		if step.Status != want {
			t.Fatalf("step %s expected %s, got %s", step.ID, want, step.Status)
		}
	}
	if len(outcome.FallbackEvents) != 1 {
		t.Fatalf("expected 1 fallback event, got %d", len(outcome.FallbackEvents))
	}
	if outcome.FallbackEvents[0].Code != "no_availability" {
		t.Fatalf("fallback event must carry the provider error code, got %s", outcome.FallbackEvents[0].Code)
	}
	if outcome.Order == nil {
		t.Fatalf("run with resolved steps must still produce an order")
	}
}

func TestExecuteSkipsStatusWhenFlexible(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100, TimeFlexible: true, PaymentRail: "rail_default"}
	tsk := newExecutingTask(t, "book dinner for 2, any time works", constraints)

	r := New(newRegistry(t), rails.AllowAll{}, nil, Policy{SkipStatusWhenFlexible: true}, WithClock(fixedClock))
	outcome, err := r.Execute(context.Background(), tsk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
	var statusStep, deliverStep plan.StepDef
	for _, step := range outcome.Steps {
		switch step.ToolType {
		case protocol.ToolDiningStatus:
			statusStep = step
		case protocol.ToolDiningDeliver:
			deliverStep = step
		}
	}
	if statusStep.Status != plan.StepSkipped {
		t.Fatalf("status step expected skipped, got %s", statusStep.Status)
	}
	if deliverStep.Status != plan.StepSuccess {
		t.Fatalf("deliver step must not be skipped, got %s", deliverStep.Status)
	}
	// 跳过的步骤不产生调用记录。
	if len(outcome.CallLog) != 4 {
		t.Fatalf("expected 4 call records, got %d", len(outcome.CallLog))
	}
}

func TestExecuteStrictSLAWithInjectedBreaches(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100, PaymentRail: "rail_default"}
	tsk := newExecutingTask(t, "book dinner for 2", constraints)

	policy := Policy{StrictSLA: true, SimulateBreaches: true, BreachPct: 100, HandoffEnabled: true}
	r := New(newRegistry(t), rails.AllowAll{}, nil, policy, WithClock(fixedClock))

	outcome, err := r.Execute(context.Background(), tsk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusFailed {
		t.Fatalf("pay breach under strict SLA must fail the task, got %s", outcome.Status)
	}
	if outcome.ErrorCode != string(protocol.CodeSLABreach) {
		t.Fatalf("expected %s, got %s", protocol.CodeSLABreach, outcome.ErrorCode)
	}
	if outcome.HandoffReason == "" {
		t.Fatalf("expected handoff reason")
	}
	// 支付之前的步骤都支持降级，应已转人工。
	fallbackCount := 0
	for _, step := range outcome.Steps {
		if step.Status == plan.StepFallback {
			fallbackCount++
		}
	}
	if fallbackCount != 3 {
		t.Fatalf("expected 3 fallback steps before pay, got %d", fallbackCount)
	}
}

func TestExecuteResumeKeepsSettledSteps(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100, PaymentRail: "rail_default"}
	tsk := newExecutingTask(t, "book dinner for 2", constraints)

	// 模拟恢复场景：前两步已经落定。
	tsk.Steps[0].Status = plan.StepSuccess
	tsk.Steps[0].Evidence = &plan.Evidence{ReceiptID: "RCP-KEEP", GeneratedAt: 1, Summary: "kept"}
	tsk.Steps[1].Status = plan.StepSkipped
	tsk.CallLog = []protocol.CallRecord{{Operation: protocol.OpQuery, ToolType: protocol.ToolDiningSearch}}

	r := New(newRegistry(t), rails.AllowAll{}, nil, Policy{}, WithClock(fixedClock))
	outcome, err := r.Execute(context.Background(), tsk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
	if outcome.Steps[0].Evidence == nil || outcome.Steps[0].Evidence.ReceiptID != "RCP-KEEP" {
		t.Fatalf("settled step evidence must be preserved")
	}
	if outcome.Steps[1].Status != plan.StepSkipped {
		t.Fatalf("settled skipped step must stay skipped")
	}
	// 原有一条记录加上剩余三步的新记录。
	if len(outcome.CallLog) != 4 {
		t.Fatalf("expected 4 call records, got %d", len(outcome.CallLog))
	}
}

func TestExecuteStopsAtPauseBoundary(t *testing.T) {
	constraints := plan.Constraints{City: "Hangzhou", GroupSize: 2, BaseAmount: 100, PaymentRail: "rail_default"}
	tsk := newExecutingTask(t, "book dinner for 2", constraints)

	calls := 0
	probe := func(context.Context) (task.Status, error) {
		calls++
		if calls >= 3 {
			return task.StatusPaused, nil
		}
		return task.StatusExecuting, nil
	}

	r := New(newRegistry(t), rails.AllowAll{}, nil, Policy{}, WithClock(fixedClock))
	outcome, err := r.Execute(context.Background(), tsk, probe)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != task.StatusPaused {
		t.Fatalf("expected paused outcome, got %s", outcome.Status)
	}
	if outcome.Order != nil {
		t.Fatalf("paused run must not produce an order")
	}
	settledCount := 0
	for _, step := range outcome.Steps {
		if step.Status == plan.StepSuccess {
			settledCount++
		}
	}
	if settledCount != 2 {
		t.Fatalf("expected 2 settled steps before pause, got %d", settledCount)
	}
}
