package plan

import (
	"fmt"
	"strings"
	"time"

	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/protocol"
)

const CodePlanValidation xerrors.Code = "PLAN_VALIDATION_FAILED"

func init() {
	xerrors.Register(CodePlanValidation, xerrors.Attributes{
		Message:  "plan compilation rejected the input",
		Severity: xerrors.SeverityInfo,
	})
}

// Compiler 将意图文本与约束编译为可执行计划。纯函数式组件，不持有状态，
// 仅携带编译期策略（默认类别）。
type Compiler struct {
	defaultCategory IntentCategory
}

// CompilerOption 定义可选配置。
type CompilerOption func(*Compiler)

// WithDefaultCategory 指定意图无法分类时使用的兜底类别。历史行为是固定
// 落到 dining，这里保留该行为但允许部署方覆盖。
func WithDefaultCategory(category IntentCategory) CompilerOption {
	return func(c *Compiler) {
		if IsValidCategory(category) {
			c.defaultCategory = category
		}
	}
}

// NewCompiler 构造编译器。
func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{defaultCategory: CategoryDining}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// 意图分类的关键词表。命中数多者胜出，平手或零命中时落到默认类别。
var (
	diningKeywords = []string{
		"dinner", "lunch", "brunch", "restaurant", "food", "eat", "meal", "table",
		"晚餐", "午餐", "吃饭", "聚餐", "餐厅", "订位",
	}
	mobilityKeywords = []string{
		"ride", "taxi", "cab", "car", "airport", "station", "pickup", "drop", "transfer",
		"打车", "专车", "接送", "送机", "去机场", "出行",
	}
)

// Classify 通过关键词启发式判断意图类别。
func (c *Compiler) Classify(intent string) IntentCategory {
	lowered := strings.ToLower(intent)
	diningHits := countHits(lowered, diningKeywords)
	mobilityHits := countHits(lowered, mobilityKeywords)
	switch {
	case diningHits > mobilityHits:
		return CategoryDining
	case mobilityHits > diningHits:
		return CategoryMobility
	default:
		return c.defaultCategory
	}
}

func countHits(lowered string, keywords []string) int {
	hits := 0
	for _, keyword := range keywords {
		if strings.Contains(lowered, keyword) {
			hits++
		}
	}
	return hits
}

// Compile 编译计划。除 CompiledAt 时间戳外，相同输入产出完全一致。
func (c *Compiler) Compile(taskID, intent string, constraints Constraints, memory Memory) (*Plan, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, xerrors.New(CodePlanValidation, "任务 ID 不能为空")
	}
	if strings.TrimSpace(intent) == "" {
		return nil, xerrors.New(CodePlanValidation, "意图文本不能为空")
	}

	category := c.Classify(intent)
	normalized := normalizeConstraints(constraints, category)
	slots := extractSlots(intent, normalized, memory, category)
	missing := missingSlots(category, slots)
	// 文本或记忆中解析出的预算档位优先于归一化默认值参与定价。
	if budget := slots["budget"]; budget != "" {
		normalized.Budget = budget
	}
	terms := buildTerms(category, normalized)

	p := &Plan{
		TaskID:    taskID,
		Category:  category,
		Title:     titleFor(category),
		Reasoning: reasoningFor(category, slots, missing),
		Steps:     buildSteps(category),
		Terms:     terms,
		Routing: RoutingMeta{
			Expert:       expertFor(category),
			SessionSlots: slots,
			MissingSlots: missing,
		},
		CompiledAt: time.Now().UnixMilli(),
	}
	return p, nil
}

func titleFor(category IntentCategory) string {
	if category == CategoryMobility {
		return "出行安排方案"
	}
	return "晚餐预订方案"
}

func expertFor(category IntentCategory) string {
	if category == CategoryMobility {
		return "mobility_concierge"
	}
	return "dining_concierge"
}

func reasoningFor(category IntentCategory, slots map[string]string, missing []string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "类别 %s：已解析 %d 个槽位", category, len(slots))
	if len(missing) > 0 {
		fmt.Fprintf(&builder, "，待补充 %s", strings.Join(missing, "、"))
	}
	builder.WriteString("。按固定五步执行：检索、确认可用性、锁定、支付、交付凭证。")
	return builder.String()
}

// buildSteps 按类别生成固定的五步序列。步骤顺序由类别决定，运行期不得重排。
func buildSteps(category IntentCategory) []StepDef {
	if category == CategoryMobility {
		return []StepDef{
			{ID: "s1", ToolType: protocol.ToolMobilitySearch, Label: "检索可用车型", Status: StepQueued, EtaSeconds: 15, Retryable: true, Fallback: FallbackSwitchLane},
			{ID: "s2", ToolType: protocol.ToolMobilityStatus, Label: "确认司机响应", Status: StepQueued, EtaSeconds: 20, Retryable: true, Fallback: FallbackHumanLane},
			{ID: "s3", ToolType: protocol.ToolMobilityLock, Label: "锁定行程", Status: StepQueued, EtaSeconds: 25, Retryable: false, Fallback: FallbackHumanLane},
			{ID: "s4", ToolType: protocol.ToolMobilityPay, Label: "支付车费", Status: StepQueued, EtaSeconds: 30, Retryable: false, Fallback: FallbackRefund},
			{ID: "s5", ToolType: protocol.ToolMobilityDeliver, Label: "交付行程凭证", Status: StepQueued, EtaSeconds: 10, Retryable: true, Fallback: FallbackManualShip},
		}
	}
	return []StepDef{
		{ID: "s1", ToolType: protocol.ToolDiningSearch, Label: "检索候选餐厅", Status: StepQueued, EtaSeconds: 20, Retryable: true, Fallback: FallbackSwitchLane},
		{ID: "s2", ToolType: protocol.ToolDiningStatus, Label: "确认余位", Status: StepQueued, EtaSeconds: 15, Retryable: true, Fallback: FallbackHumanLane},
		{ID: "s3", ToolType: protocol.ToolDiningLock, Label: "锁定座位", Status: StepQueued, EtaSeconds: 25, Retryable: false, Fallback: FallbackHumanLane},
		{ID: "s4", ToolType: protocol.ToolDiningPay, Label: "支付订金", Status: StepQueued, EtaSeconds: 30, Retryable: false, Fallback: FallbackRefund},
		{ID: "s5", ToolType: protocol.ToolDiningDeliver, Label: "交付预订凭证", Status: StepQueued, EtaSeconds: 10, Retryable: true, Fallback: FallbackManualShip},
	}
}
