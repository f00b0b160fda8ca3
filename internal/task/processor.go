package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"ConciergeFlow/internal/audit"
	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/observability/alerting"
	"ConciergeFlow/internal/observability/metrics"
	"ConciergeFlow/internal/support"
	"ConciergeFlow/pkg/logger"
)

// SettlementBooker 在订单产生后登记结算账目。由装配层适配到结算台账，
// 保持任务包与结算包解耦。
type SettlementBooker interface {
	BookOrder(ctx context.Context, order *Order) error
}

// Processor 从队列消费任务并交给执行器推进。执行结束后负责落库订单、
// 登记结算、必要时开人工工单并派发告警。
type Processor struct {
	executor    Executor
	store       Store
	orders      OrderStore
	consumer    Consumer
	settler     SettlementBooker
	supportDesk support.Issuer
	alerter     alerting.Dispatcher
	auditor     audit.Sink
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithSettlementBooker 配置结算登记器。
func WithSettlementBooker(settler SettlementBooker) ProcessorOption {
	return func(p *Processor) {
		p.settler = settler
	}
}

// WithSupportDesk 配置人工接管工单台。
func WithSupportDesk(issuer support.Issuer) ProcessorOption {
	return func(p *Processor) {
		p.supportDesk = issuer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithAuditSink 配置审计落地。
func WithAuditSink(sink audit.Sink) ProcessorOption {
	return func(p *Processor) {
		if sink != nil {
			p.auditor = sink
		}
	}
}

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, orders OrderStore, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		orders:      orders,
		consumer:    consumer,
		auditor:     audit.Discard{},
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直至上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条队列消息。跳过无法领取的任务而不是报错，
// 避免暂停或取消的任务在队列里反复重投。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	claimed, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskTerminal) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	probe := func(probeCtx context.Context) (Status, error) {
		current, getErr := p.store.Get(probeCtx, taskID)
		if getErr != nil {
			return "", getErr
		}
		return current.Status, nil
	}

	outcome, execErr := p.executor.Execute(ctx, claimed, probe)
	if execErr != nil {
		return p.markFailed(ctx, claimed, xerrors.CodeOf(execErr), execErr.Error(), "")
	}
	if outcome == nil {
		return p.markFailed(ctx, claimed, CodeTaskProcessing, "执行器返回了空结果", "")
	}

	switch outcome.Status {
	case StatusCompleted:
		return p.markCompleted(ctx, claimed, outcome)
	case StatusFailed:
		if err := p.markFailed(ctx, claimed, xerrors.Code(outcome.ErrorCode), outcome.LastError, outcome.HandoffReason); err != nil {
			return err
		}
		return p.saveProgress(ctx, taskID, outcome)
	case StatusPaused, StatusCanceled:
		// 状态本身已经由生命周期接口改写，这里只落执行痕迹。
		return p.saveProgress(ctx, taskID, outcome)
	default:
		return p.markFailed(ctx, claimed, CodeTaskProcessing, "执行器返回了未知状态", "")
	}
}

func (p *Processor) markCompleted(ctx context.Context, t *Task, outcome *ExecutionOutcome) error {
	if outcome.Order != nil && p.orders != nil {
		if err := p.orders.CreateOrder(ctx, outcome.Order); err != nil {
			logger.L().Error("订单落库失败", slog.Any("error", err), slog.String("task_id", t.ID))
			return p.markFailed(ctx, t, xerrors.CodeStorageFailure, err.Error(), "")
		}
		if p.settler != nil {
			if err := p.settler.BookOrder(ctx, outcome.Order); err != nil {
				// 结算登记失败不回滚订单，由对账流程兜底发现缺口。
				logger.L().Error("结算登记失败", slog.Any("error", err), slog.String("order_id", outcome.Order.ID))
			}
		}
	}

	_, err := p.store.Transition(ctx, t.ID, []Status{StatusExecuting}, func(stored *Task) error {
		stored.Status = StatusCompleted
		stored.Steps = outcome.Steps
		stored.CallLog = outcome.CallLog
		stored.FallbackEvents = outcome.FallbackEvents
		if outcome.Order != nil {
			stored.OrderID = outcome.Order.ID
		}
		stored.ErrorCode = ""
		stored.LastError = ""
		return nil
	})
	if err != nil {
		logger.L().Error("标记任务完成失败", slog.Any("error", err), slog.String("task_id", t.ID))
		return err
	}

	metrics.TaskFinished(string(StatusCompleted))
	event := audit.Event{Kind: audit.KindTaskExecuted, TaskID: t.ID}
	if outcome.Order != nil {
		event.OrderID = outcome.Order.ID
	}
	p.auditor.Append(event)
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", t.ID),
		slog.String("category", string(t.Category)),
		slog.String("order_id", event.OrderID),
	)
	return nil
}

func (p *Processor) markFailed(ctx context.Context, t *Task, code xerrors.Code, lastError, handoffReason string) error {
	if code == "" || code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}

	var handoff *Handoff
	if handoffReason != "" && p.supportDesk != nil {
		ticket, ticketErr := p.supportDesk.CreateTicket(ctx, support.Request{
			TaskID:   t.ID,
			Category: string(t.Category),
			Reason:   handoffReason,
		})
		if ticketErr != nil {
			logger.L().Error("创建人工工单失败", slog.Any("error", ticketErr), slog.String("task_id", t.ID))
		} else {
			handoff = &Handoff{
				TicketID:  ticket.ID,
				Status:    string(ticket.Status),
				ETA:       ticket.ETA,
				CreatedAt: ticket.CreatedAt,
			}
			p.auditor.Append(audit.Event{
				Kind:   audit.KindHandoff,
				TaskID: t.ID,
				Detail: map[string]any{"ticket_id": ticket.ID, "reason": handoffReason},
			})
		}
	}

	_, err := p.store.Transition(ctx, t.ID, []Status{StatusExecuting}, func(stored *Task) error {
		stored.Status = StatusFailed
		stored.ErrorCode = string(code)
		stored.LastError = lastError
		if handoff != nil {
			stored.Handoff = handoff
		}
		return nil
	})
	if err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", t.ID))
		return err
	}

	metrics.TaskFinished(string(StatusFailed))
	p.auditor.Append(audit.Event{
		Kind:   audit.KindTaskFailed,
		TaskID: t.ID,
		Detail: map[string]any{"error_code": string(code), "error": lastError},
	})
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", t.ID),
		slog.String("category", string(t.Category)),
		slog.String("error_code", string(code)),
		slog.String("error", lastError),
	)
	p.emitAlert(ctx, t, code, lastError)
	return nil
}

// saveProgress 把执行痕迹写回任务而不触碰状态。
func (p *Processor) saveProgress(ctx context.Context, taskID string, outcome *ExecutionOutcome) error {
	_, err := p.store.Transition(ctx, taskID, nil, func(stored *Task) error {
		if outcome.Steps != nil {
			stored.Steps = outcome.Steps
		}
		if outcome.CallLog != nil {
			stored.CallLog = outcome.CallLog
		}
		if outcome.FallbackEvents != nil {
			stored.FallbackEvents = outcome.FallbackEvents
		}
		return nil
	})
	if err != nil && !stdErrors.Is(err, ErrTaskNotFound) {
		logger.L().Error("写回执行痕迹失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, t *Task, code xerrors.Code, message string) {
	if p == nil || p.alerter == nil || t == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if message == "" {
		message = attrs.Message
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     t.ID,
		Category:   string(t.Category),
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", t.ID),
		)
	}
}
