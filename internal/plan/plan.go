package plan

import (
	"ConciergeFlow/internal/protocol"
)

// IntentCategory 表示任务所属的意图类别。
type IntentCategory string

const (
	CategoryDining   IntentCategory = "dining"
	CategoryMobility IntentCategory = "mobility"
)

// IsValidCategory 检查类别是否受支持。
func IsValidCategory(category IntentCategory) bool {
	switch category {
	case CategoryDining, CategoryMobility:
		return true
	default:
		return false
	}
}

// StepStatus 表示步骤在执行周期中的状态。
type StepStatus string

const (
	StepQueued   StepStatus = "queued"
	StepRunning  StepStatus = "running"
	StepSuccess  StepStatus = "success"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
	StepFallback StepStatus = "fallback_to_human"
)

// FallbackPolicy 表示步骤失败时允许的降级路径。
type FallbackPolicy string

const (
	FallbackNone       FallbackPolicy = "none"
	FallbackSwitchLane FallbackPolicy = "switch_lane"
	FallbackHumanLane  FallbackPolicy = "fallback_to_human_lane"
	FallbackRefund     FallbackPolicy = "refund_policy"
	FallbackManualShip FallbackPolicy = "manual_delivery"
)

// Evidence 是步骤执行成功后附带的回执元数据。
type Evidence struct {
	ReceiptID   string `json:"receipt_id"`
	GeneratedAt int64  `json:"generated_at"`
	Summary     string `json:"summary"`
}

// StepDef 描述计划中的一个步骤。编译产出后步骤顺序不再变化，
// 运行期只允许修改状态与回执。
type StepDef struct {
	ID         string            `json:"id"`
	ToolType   protocol.ToolType `json:"tool_type"`
	Label      string            `json:"label"`
	Status     StepStatus        `json:"status"`
	EtaSeconds int               `json:"eta_seconds"`
	Retryable  bool              `json:"retryable"`
	Fallback   FallbackPolicy    `json:"fallback_policy"`
	Evidence   *Evidence         `json:"evidence,omitempty"`
}

// FeeBreakdown 是确认金额的加性拆分，各项之和恒等于 Amount。
type FeeBreakdown struct {
	ServiceFee  float64 `json:"service_fee"`
	MerchantFee float64 `json:"merchant_fee"`
}

// Sum 返回拆分各项之和，结果保留两位小数。
func (b FeeBreakdown) Sum() float64 {
	return round2(b.ServiceFee + b.MerchantFee)
}

// ConfirmationTerms 是呈现给用户确认的价格条款。
type ConfirmationTerms struct {
	Amount                float64      `json:"amount"`
	Currency              string       `json:"currency"`
	Deposit               float64      `json:"deposit"`
	Breakdown             FeeBreakdown `json:"breakdown"`
	ThirdPartyFee         float64      `json:"third_party_fee"`
	FxFee                 float64      `json:"fx_fee"`
	CancellationGuarantee string       `json:"cancellation_guarantee"`
}

// RoutingMeta 携带专家指派提示与会话槽位信息。
type RoutingMeta struct {
	Expert       string            `json:"expert"`
	SessionSlots map[string]string `json:"session_slots,omitempty"`
	MissingSlots []string          `json:"missing_slots,omitempty"`
}

// Plan 是一次编译的完整产物。同一输入的两次编译除 CompiledAt 外完全一致。
type Plan struct {
	TaskID     string            `json:"task_id"`
	Category   IntentCategory    `json:"category"`
	Title      string            `json:"title"`
	Reasoning  string            `json:"reasoning"`
	Steps      []StepDef         `json:"steps"`
	Terms      ConfirmationTerms `json:"terms"`
	Routing    RoutingMeta       `json:"routing"`
	CompiledAt int64             `json:"compiled_at"`
}

// CloneSteps 返回步骤的深拷贝，任务聚合在其上做运行期标注。
func (p *Plan) CloneSteps() []StepDef {
	if p == nil {
		return nil
	}
	steps := make([]StepDef, len(p.Steps))
	copy(steps, p.Steps)
	for i := range steps {
		if steps[i].Evidence != nil {
			evidence := *steps[i].Evidence
			steps[i].Evidence = &evidence
		}
	}
	return steps
}

// Constraints 是编译输入的结构化约束。未填写的字段在编译时按类别归一化。
type Constraints struct {
	Budget        string   `json:"budget,omitempty"`
	BaseAmount    float64  `json:"base_amount,omitempty"`
	DistanceKM    float64  `json:"distance_km,omitempty"`
	TimeFlexible  bool     `json:"time_flexible,omitempty"`
	Urgent        bool     `json:"urgent,omitempty"`
	Dietary       []string `json:"dietary,omitempty"`
	TransportMode string   `json:"transport_mode,omitempty"`
	PaymentRail   string   `json:"payment_rail,omitempty"`
	City          string   `json:"city,omitempty"`
	GroupSize     int      `json:"group_size,omitempty"`
	Origin        string   `json:"origin,omitempty"`
	Destination   string   `json:"destination,omitempty"`
	EtaMinutes    int      `json:"eta_minutes,omitempty"`
}

// Memory 保存上一轮会话已经确定的槽位，编译时作为槽位提取的兜底来源。
type Memory map[string]string
