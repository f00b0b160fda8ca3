// Package runner 实现计划的顺序执行：每个步骤依次经过策略跳过、强制降级闸门、
// 支付合规闸门、提供方调用、协议归一化、契约覆盖、故障注入、校验与严格 SLA
// 判定。订单只在所有步骤落定之后产出一次。
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ConciergeFlow/internal/audit"
	"ConciergeFlow/internal/observability/metrics"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/protocol"
	"ConciergeFlow/internal/provider"
	"ConciergeFlow/internal/rails"
	"ConciergeFlow/internal/task"
	"ConciergeFlow/pkg/logger"
	"ConciergeFlow/pkg/stablehash"
)

// Policy 是运行期策略。所有开关都是显式传入的值，执行器本身不读配置。
type Policy struct {
	// StrictSLA 为真时，SLA 超时按提供方故障同等处理。
	StrictSLA bool
	// SimulateBreaches 开启确定性的超时注入，BreachPct 是命中百分比。
	SimulateBreaches bool
	BreachPct        uint32
	// ForcedFallbackPct 是紧急任务命中强制降级的百分比。
	ForcedFallbackPct uint32
	// HandoffEnabled 为真时，任务终态失败会请求人工接管。
	HandoffEnabled bool
	// CallTimeout 是单次工具调用的上下文超时。
	CallTimeout time.Duration
	// SkipStatusWhenFlexible 为真时，时间灵活且不紧急的任务跳过余位确认步骤。
	SkipStatusWhenFlexible bool
}

func (p Policy) callTimeout() time.Duration {
	if p.CallTimeout <= 0 {
		return 5 * time.Second
	}
	return p.CallTimeout
}

// Runner 驱动单个任务的步骤执行。实现 task.Executor。
type Runner struct {
	providers *provider.Registry
	rails     rails.Checker
	contracts *protocol.ContractRegistry
	policy    Policy
	auditor   audit.Sink
	now       func() time.Time
}

var _ task.Executor = (*Runner)(nil)

// Option 定义可选配置。
type Option func(*Runner)

// WithAuditSink 配置审计落地。
func WithAuditSink(sink audit.Sink) Option {
	return func(r *Runner) {
		if sink != nil {
			r.auditor = sink
		}
	}
}

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New 构造执行器。
func New(providers *provider.Registry, railChecker rails.Checker, contracts *protocol.ContractRegistry, policy Policy, opts ...Option) *Runner {
	r := &Runner{
		providers: providers,
		rails:     railChecker,
		contracts: contracts,
		policy:    policy,
		auditor:   audit.Discard{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute 顺序推进任务的全部步骤。恢复执行时已落定的步骤原样保留，
// 从首个未完成步骤继续。
func (r *Runner) Execute(ctx context.Context, t *task.Task, probe task.StatusProbe) (*task.ExecutionOutcome, error) {
	steps := append([]plan.StepDef(nil), t.Steps...)
	callLog := append([]protocol.CallRecord(nil), t.CallLog...)
	fallbacks := append([]task.FallbackEvent(nil), t.FallbackEvents...)

	outcome := &task.ExecutionOutcome{
		Steps:          steps,
		CallLog:        callLog,
		FallbackEvents: fallbacks,
	}

	for i := range steps {
		step := &steps[i]
		if settled(step.Status) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if probe != nil {
			current, probeErr := probe(ctx)
			if probeErr != nil {
				logger.L().Warn("读取任务状态失败，继续执行",
					slog.Any("error", probeErr), slog.String("task_id", t.ID))
			} else if current == task.StatusPaused || current == task.StatusCanceled {
				outcome.Status = current
				outcome.Steps = steps
				outcome.CallLog = callLog
				outcome.FallbackEvents = fallbacks
				return outcome, nil
			}
		}

		step.Status = plan.StepRunning

		// 策略跳过：时间灵活且不紧急时省掉余位确认。
		if r.shouldSkip(t, *step) {
			step.Status = plan.StepSkipped
			metrics.StepExecuted(string(t.Category), string(plan.StepSkipped))
			continue
		}

		// 强制降级闸门：紧急任务按确定性比例直接转人工。
		if r.forcedFallback(t, *step) {
			r.markFallback(t, step, &fallbacks, "forced_unavailable", "紧急需求下运力不足，转人工处理")
			continue
		}

		op, err := protocol.OperationOf(step.ToolType)
		if err != nil {
			return nil, err
		}

		// 支付合规闸门：先于任何提供方调用。
		if op == protocol.OpPay {
			decision := r.railDecision(t)
			if !decision.Allowed {
				record := r.complianceRecord(step.ToolType, decision)
				callLog = append(callLog, record)
				metrics.CallObserved(string(op), record.Response.LatencyMs, record.Response.SLAMet)
				r.auditor.Append(audit.Event{
					Kind:   audit.KindRailRejected,
					TaskID: t.ID,
					StepID: step.ID,
					Detail: map[string]any{"code": decision.Code, "reason": decision.Reason},
				})
				return r.failStep(t, outcome, steps, callLog, fallbacks, step, decision.Code, decision.Reason), nil
			}
		}

		record, invokeErr := r.invoke(ctx, t, *step, op)
		if invokeErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if r.handleFault(t, step, &fallbacks, "provider_error", invokeErr.Error()) {
				continue
			}
			return r.failStep(t, outcome, steps, callLog, fallbacks, step, "provider_error", invokeErr.Error()), nil
		}

		if r.contracts != nil {
			record = r.contracts.Apply(record)
		}
		record = r.maybeInjectBreach(t, *step, record)
		callLog = append(callLog, record)
		metrics.CallObserved(string(op), record.Response.LatencyMs, record.Response.SLAMet)

		if !record.Response.OK {
			if r.handleFault(t, step, &fallbacks, record.Response.Code, "提供方返回失败") {
				continue
			}
			return r.failStep(t, outcome, steps, callLog, fallbacks, step, record.Response.Code, "提供方返回失败"), nil
		}
		if validateErr := protocol.Validate(record); validateErr != nil {
			if r.handleFault(t, step, &fallbacks, string(protocol.CodeSchemaViolation), validateErr.Error()) {
				continue
			}
			return r.failStep(t, outcome, steps, callLog, fallbacks, step, string(protocol.CodeSchemaViolation), validateErr.Error()), nil
		}
		if r.policy.StrictSLA && !record.Response.SLAMet {
			reason := fmt.Sprintf("调用耗时 %dms 超出契约 %dms", record.Response.LatencyMs, record.Response.SLAMs)
			if r.handleFault(t, step, &fallbacks, string(protocol.CodeSLABreach), reason) {
				continue
			}
			return r.failStep(t, outcome, steps, callLog, fallbacks, step, string(protocol.CodeSLABreach), reason), nil
		}

		step.Status = plan.StepSuccess
		step.Evidence = r.buildEvidence(*step, record)
		metrics.StepExecuted(string(t.Category), string(plan.StepSuccess))
	}

	outcome.Status = task.StatusCompleted
	outcome.Steps = steps
	outcome.CallLog = callLog
	outcome.FallbackEvents = fallbacks
	outcome.Order = r.buildOrder(t, steps, callLog)
	return outcome, nil
}

func settled(status plan.StepStatus) bool {
	switch status {
	case plan.StepSuccess, plan.StepSkipped, plan.StepFallback:
		return true
	default:
		return false
	}
}

func (r *Runner) shouldSkip(t *task.Task, step plan.StepDef) bool {
	if !r.policy.SkipStatusWhenFlexible {
		return false
	}
	op, err := protocol.OperationOf(step.ToolType)
	if err != nil || op != protocol.OpStatus {
		return false
	}
	// 交付步骤同样归一为 Status，但不允许跳过。
	if step.ToolType == protocol.ToolDiningDeliver || step.ToolType == protocol.ToolMobilityDeliver {
		return false
	}
	return t.Constraints.TimeFlexible && !t.Constraints.Urgent
}

func (r *Runner) forcedFallback(t *task.Task, step plan.StepDef) bool {
	if r.policy.ForcedFallbackPct == 0 || !t.Constraints.Urgent {
		return false
	}
	if !protocol.SupportsFallback(step.ToolType) || step.Fallback == plan.FallbackNone {
		return false
	}
	seed := fmt.Sprintf("%s|%s|%s|availability", t.ID, step.ID, step.ToolType)
	return stablehash.Bucket(seed) < r.policy.ForcedFallbackPct
}

func (r *Runner) railDecision(t *task.Task) rails.Decision {
	if r.rails == nil {
		return rails.Decision{Allowed: true}
	}
	rail := t.Constraints.PaymentRail
	if rail == "" {
		rail = "rail_default"
	}
	return r.rails.CanUse(rail)
}

// complianceRecord 为合规拒绝合成一条调用记录，保持调用日志的形态统一。
func (r *Runner) complianceRecord(tool protocol.ToolType, decision rails.Decision) protocol.CallRecord {
	raw := protocol.RawResult{
		OK:        false,
		Status:    "rejected",
		ErrorCode: decision.Code,
		Data: map[string]any{
			"provider":  "rails",
			"source":    "compliance",
			"source_ts": r.now().UnixMilli(),
			"reason":    decision.Reason,
		},
	}
	record, err := protocol.Shape(tool, nil, raw, 0)
	if err != nil {
		// Shape 只会因未知工具类型出错，映射完整性在启动时已校验。
		panic(err)
	}
	return record
}

func (r *Runner) invoke(ctx context.Context, t *task.Task, step plan.StepDef, op protocol.Operation) (protocol.CallRecord, error) {
	payload := r.buildPayload(t, step, op)
	invoker, err := r.providers.Lookup(step.ToolType)
	if err != nil {
		return protocol.CallRecord{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.policy.callTimeout())
	defer cancel()
	result, err := invoker.Invoke(callCtx, provider.Input{
		TaskID:  t.ID,
		StepID:  step.ID,
		Tool:    step.ToolType,
		Payload: payload,
	})
	if err != nil {
		return protocol.CallRecord{}, err
	}
	return protocol.Shape(step.ToolType, payload, result.Raw, result.Latency)
}

func (r *Runner) buildPayload(t *task.Task, step plan.StepDef, op protocol.Operation) map[string]any {
	payload := map[string]any{
		"category": string(t.Category),
	}
	if t.Plan != nil {
		if slots := t.Plan.Routing.SessionSlots; len(slots) > 0 {
			for key, value := range slots {
				payload["slot_"+key] = value
			}
		}
		if op == protocol.OpPay {
			payload["amount"] = t.Plan.Terms.Amount
			payload["currency"] = t.Plan.Terms.Currency
			payload["rail"] = t.Constraints.PaymentRail
		}
	}
	return payload
}

// maybeInjectBreach 按确定性比例把调用改写成超时样本，用于演练降级路径。
func (r *Runner) maybeInjectBreach(t *task.Task, step plan.StepDef, record protocol.CallRecord) protocol.CallRecord {
	if !r.policy.SimulateBreaches || r.policy.BreachPct == 0 {
		return record
	}
	seed := fmt.Sprintf("%s|%s|breach", t.ID, step.ID)
	if stablehash.Bucket(seed) >= r.policy.BreachPct {
		return record
	}
	excess := int64(1 + stablehash.Jitter(seed+"|excess", 500))
	record.Response.LatencyMs = record.Response.SLAMs + excess
	record.Response.SLAMet = false
	return record
}

// handleFault 在工具支持降级时把步骤转人工并返回 true，否则返回 false
// 交由调用方终止任务。
func (r *Runner) handleFault(t *task.Task, step *plan.StepDef, fallbacks *[]task.FallbackEvent, code, reason string) bool {
	if !protocol.SupportsFallback(step.ToolType) || step.Fallback == plan.FallbackNone {
		return false
	}
	r.markFallback(t, step, fallbacks, code, reason)
	return true
}

func (r *Runner) markFallback(t *task.Task, step *plan.StepDef, fallbacks *[]task.FallbackEvent, code, reason string) {
	step.Status = plan.StepFallback
	*fallbacks = append(*fallbacks, task.FallbackEvent{
		StepID:   step.ID,
		ToolType: step.ToolType,
		Policy:   step.Fallback,
		Code:     code,
		Reason:   reason,
		At:       r.now().UnixMilli(),
	})
	metrics.StepExecuted(string(t.Category), string(plan.StepFallback))
	r.auditor.Append(audit.Event{
		Kind:   audit.KindStepFallback,
		TaskID: t.ID,
		StepID: step.ID,
		Detail: map[string]any{"code": code, "policy": string(step.Fallback), "reason": reason},
	})
	logger.L().Warn("步骤降级为人工通道",
		slog.String("task_id", t.ID),
		slog.String("step_id", step.ID),
		slog.String("code", code),
	)
}

// failStep 标记步骤失败并收敛执行结果，剩余步骤保持 queued 不再推进。
func (r *Runner) failStep(t *task.Task, outcome *task.ExecutionOutcome, steps []plan.StepDef, callLog []protocol.CallRecord, fallbacks []task.FallbackEvent, step *plan.StepDef, code, reason string) *task.ExecutionOutcome {
	step.Status = plan.StepFailed
	metrics.StepExecuted(string(t.Category), string(plan.StepFailed))

	outcome.Status = task.StatusFailed
	outcome.Steps = steps
	outcome.CallLog = callLog
	outcome.FallbackEvents = fallbacks
	outcome.ErrorCode = code
	outcome.LastError = reason
	if r.policy.HandoffEnabled {
		outcome.HandoffReason = fmt.Sprintf("步骤 %s 失败（%s）：%s", step.ID, code, reason)
	}
	return outcome
}

func (r *Runner) buildEvidence(step plan.StepDef, record protocol.CallRecord) *plan.Evidence {
	fields := record.Response.Data.Fields
	receipt := firstString(fields, "payment_ref", "lock_id", "ticket_ref", "voucher_code", "top_choice")
	if receipt == "" {
		receipt = fmt.Sprintf("RCP-%08X", stablehash.Sum32(step.ID+"|"+string(step.ToolType)))
	}
	return &plan.Evidence{
		ReceiptID:   receipt,
		GeneratedAt: r.now().UnixMilli(),
		Summary:     fmt.Sprintf("%s 完成，来源 %s", step.Label, record.Response.Data.Source),
	}
}

// buildOrder 在全部步骤落定后产出订单。定价来自确认条款，支付引用与
// 凭证码来自对应步骤的调用记录。
func (r *Runner) buildOrder(t *task.Task, steps []plan.StepDef, callLog []protocol.CallRecord) *task.Order {
	if t.Plan == nil {
		return nil
	}
	terms := t.Plan.Terms
	order := &task.Order{
		ID:       "ord-" + uuid.NewString(),
		TaskID:   t.ID,
		Category: t.Category,
		Status:   task.OrderConfirmed,
		Pricing: task.Pricing{
			Gross:    terms.Amount,
			Markup:   terms.Breakdown.ServiceFee,
			Net:      terms.Breakdown.MerchantFee,
			Deposit:  terms.Deposit,
			Currency: terms.Currency,
		},
		PaymentRail: t.Constraints.PaymentRail,
		CreatedAt:   r.now().UnixMilli(),
	}
	for _, record := range callLog {
		fields := record.Response.Data.Fields
		if record.Operation == protocol.OpPay && record.Response.OK {
			order.PaymentRef = firstString(fields, "payment_ref")
		}
		if voucher := firstString(fields, "voucher_code"); voucher != "" {
			order.VoucherCode = voucher
		}
	}
	return order
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
