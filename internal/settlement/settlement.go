// Package settlement 维护订单的结算台账与对账流程。结算按 orderID 幂等登记，
// 财务字段变化时原地重算并保留首次登记时间；对账把平台视角的结算额与
// 提供方台账逐单核对。
package settlement

import (
	"context"

	xerrors "ConciergeFlow/internal/errors"
)

const (
	CodeSettlementInvalid xerrors.Code = "SETTLEMENT_INVALID"
	CodeSettlementMissing xerrors.Code = "SETTLEMENT_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeSettlementInvalid, xerrors.Attributes{
		Message:  "settlement rejected the input",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSettlementMissing, xerrors.Attributes{
		Message:  "settlement not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Settlement 是一笔订单的结算条目。SettledGross 与 SettledNet 扣除退款，
// 恒有 SettledGross ≤ Gross。
type Settlement struct {
	OrderID      string  `json:"order_id"`
	TaskID       string  `json:"task_id,omitempty"`
	Category     string  `json:"category,omitempty"`
	Currency     string  `json:"currency"`
	Gross        float64 `json:"gross"`
	Net          float64 `json:"net"`
	Markup       float64 `json:"markup"`
	Refund       float64 `json:"refund"`
	SettledGross float64 `json:"settled_gross"`
	SettledNet   float64 `json:"settled_net"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

// LedgerEntry 是提供方侧的资金流水。真实部署里来自渠道回传文件，
// 这里按结算额惰性合成。
type LedgerEntry struct {
	OrderID       string  `json:"order_id"`
	CapturedGross float64 `json:"captured_gross"`
	GatewayFee    float64 `json:"gateway_fee"`
	CapturedNet   float64 `json:"captured_net"`
	CreatedAt     int64   `json:"created_at"`
}

// Mismatch 描述一笔对不平的订单。
type Mismatch struct {
	OrderID       string  `json:"order_id"`
	SettledGross  float64 `json:"settled_gross"`
	CapturedGross float64 `json:"captured_gross"`
	Diff          float64 `json:"diff"`
	Missing       bool    `json:"missing"`
}

// Run 是一次对账的结果。对账只读结算台账，不修正任何数据。
type Run struct {
	ID         string     `json:"id"`
	StartedAt  int64      `json:"started_at"`
	FinishedAt int64      `json:"finished_at"`
	Total      int        `json:"total"`
	Matched    int        `json:"matched"`
	MatchRate  float64    `json:"match_rate"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Store 抽象结算台账、提供方流水与对账记录的持久化。
type Store interface {
	UpsertSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, orderID string) (*Settlement, error)
	ListSettlements(ctx context.Context, limit int) ([]*Settlement, error)
	GetLedgerEntry(ctx context.Context, orderID string) (*LedgerEntry, error)
	PutLedgerEntry(ctx context.Context, entry *LedgerEntry) error
	SaveRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	Close() error
}
