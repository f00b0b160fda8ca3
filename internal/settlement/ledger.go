package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"ConciergeFlow/internal/audit"
	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/observability/metrics"
	"ConciergeFlow/pkg/logger"
	"ConciergeFlow/pkg/stablehash"
)

// ReconcileTolerance 是对账允许的金额误差。
const ReconcileTolerance = 0.01

// BookInput 是一次结算登记的入参，来自订单定价。
type BookInput struct {
	OrderID  string
	TaskID   string
	Category string
	Currency string
	Gross    float64
	Net      float64
	Markup   float64
	Refund   float64
}

// Ledger 是结算台账服务。
type Ledger struct {
	store   Store
	feeRate float64
	skewPct uint32
	auditor audit.Sink
	now     func() time.Time
}

// Option 定义可选配置。
type Option func(*Ledger)

// WithAuditSink 配置审计落地。
func WithAuditSink(sink audit.Sink) Option {
	return func(l *Ledger) {
		if sink != nil {
			l.auditor = sink
		}
	}
}

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger 构造台账服务。feeRate 是渠道手续费率，skewPct 是合成流水
// 注入偏差的订单百分比。
func NewLedger(store Store, feeRate float64, skewPct uint32, opts ...Option) *Ledger {
	if feeRate < 0 {
		feeRate = 0
	}
	l := &Ledger{
		store:   store,
		feeRate: feeRate,
		skewPct: skewPct,
		auditor: audit.Discard{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Book 幂等登记一笔结算。同一订单重复登记时重算财务字段，
// CreatedAt 保持首次登记的值。
func (l *Ledger) Book(ctx context.Context, input BookInput) (*Settlement, error) {
	if input.OrderID == "" {
		return nil, xerrors.New(CodeSettlementInvalid, "结算缺少订单 ID")
	}
	if input.Refund < 0 {
		return nil, xerrors.New(CodeSettlementInvalid, "退款金额不能为负")
	}
	if input.Refund > input.Gross {
		return nil, xerrors.New(CodeSettlementInvalid, "退款金额不能超过总额")
	}

	now := l.now().UnixMilli()
	s := &Settlement{
		OrderID:      input.OrderID,
		TaskID:       input.TaskID,
		Category:     input.Category,
		Currency:     input.Currency,
		Gross:        input.Gross,
		Net:          input.Net,
		Markup:       input.Markup,
		Refund:       input.Refund,
		SettledGross: round2(input.Gross - input.Refund),
		SettledNet:   round2(input.Net - input.Refund),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing, err := l.store.GetSettlement(ctx, input.OrderID); err == nil && existing != nil {
		s.CreatedAt = existing.CreatedAt
	} else if err != nil && xerrors.CodeOf(err) != CodeSettlementMissing {
		return nil, err
	}

	if err := l.store.UpsertSettlement(ctx, s); err != nil {
		return nil, err
	}
	l.auditor.Append(audit.Event{
		Kind:    audit.KindSettlement,
		TaskID:  input.TaskID,
		OrderID: input.OrderID,
		Detail:  map[string]any{"settled_gross": s.SettledGross, "refund": s.Refund},
	})
	return s, nil
}

// Get 返回一笔结算。
func (l *Ledger) Get(ctx context.Context, orderID string) (*Settlement, error) {
	return l.store.GetSettlement(ctx, orderID)
}

// List 返回最近的结算条目。
func (l *Ledger) List(ctx context.Context, limit int) ([]*Settlement, error) {
	return l.store.ListSettlements(ctx, limit)
}

// Runs 返回最近的对账记录。
func (l *Ledger) Runs(ctx context.Context, limit int) ([]*Run, error) {
	return l.store.ListRuns(ctx, limit)
}

// entryFor 返回订单的提供方流水，不存在时按结算额惰性合成。
// 合成时按确定性比例注入金额偏差，让对账流程有真实的不平样本。
func (l *Ledger) entryFor(ctx context.Context, s *Settlement) (*LedgerEntry, error) {
	entry, err := l.store.GetLedgerEntry(ctx, s.OrderID)
	if err == nil && entry != nil {
		return entry, nil
	}
	if err != nil && xerrors.CodeOf(err) != CodeSettlementMissing {
		return nil, err
	}

	captured := s.SettledGross
	if l.skewPct > 0 && stablehash.Bucket(s.OrderID+"|skew") < l.skewPct {
		delta := round2(math.Max(0.05, s.SettledGross*0.01))
		if stablehash.Sum32(s.OrderID+"|skew_sign")%2 == 0 {
			captured = round2(captured + delta)
		} else {
			captured = round2(captured - delta)
		}
	}
	fee := round2(captured * l.feeRate)
	entry = &LedgerEntry{
		OrderID:       s.OrderID,
		CapturedGross: captured,
		GatewayFee:    fee,
		CapturedNet:   round2(captured - fee),
		CreatedAt:     l.now().UnixMilli(),
	}
	if err := l.store.PutLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reconcile 逐单核对结算额与提供方流水。只读结算数据，不做任何修正，
// 差异以对账记录的形式交给人工处置。
func (l *Ledger) Reconcile(ctx context.Context) (*Run, error) {
	started := l.now().UnixMilli()
	settlements, err := l.store.ListSettlements(ctx, 0)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        "rec-" + uuid.NewString(),
		StartedAt: started,
		Total:     len(settlements),
	}
	for _, s := range settlements {
		entry, entryErr := l.entryFor(ctx, s)
		if entryErr != nil {
			run.Mismatches = append(run.Mismatches, Mismatch{
				OrderID:      s.OrderID,
				SettledGross: s.SettledGross,
				Missing:      true,
			})
			continue
		}
		diff := round2(s.SettledGross - entry.CapturedGross)
		if math.Abs(diff) > ReconcileTolerance {
			run.Mismatches = append(run.Mismatches, Mismatch{
				OrderID:       s.OrderID,
				SettledGross:  s.SettledGross,
				CapturedGross: entry.CapturedGross,
				Diff:          diff,
			})
			continue
		}
		run.Matched++
	}

	run.FinishedAt = l.now().UnixMilli()
	if run.Total == 0 {
		run.MatchRate = 1
	} else {
		run.MatchRate = float64(run.Matched) / float64(run.Total)
	}
	if err := l.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	metrics.ReconciliationMatchRate(run.MatchRate)
	l.auditor.Append(audit.Event{
		Kind: audit.KindReconciliation,
		Detail: map[string]any{
			"run_id":     run.ID,
			"total":      run.Total,
			"matched":    run.Matched,
			"match_rate": run.MatchRate,
		},
	})
	logger.L().Info("对账完成",
		slog.String("run_id", run.ID),
		slog.Int("total", run.Total),
		slog.Int("mismatches", len(run.Mismatches)),
		slog.String("match_rate", fmt.Sprintf("%.4f", run.MatchRate)),
	)
	return run, nil
}

// IsMissing 判断错误是否为结算缺失。
func IsMissing(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.CodeOf(err) == CodeSettlementMissing {
		return true
	}
	var typed *xerrors.Error
	return stdErrors.As(err, &typed) && typed.Code() == CodeSettlementMissing
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
