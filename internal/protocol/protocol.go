package protocol

import (
	"fmt"
	"time"

	xerrors "ConciergeFlow/internal/errors"
)

// Operation 是工具调用归一化之后的五种规范动词。
type Operation string

const (
	OpQuery  Operation = "Query"
	OpStatus Operation = "Status"
	OpBook   Operation = "Book"
	OpPay    Operation = "Pay"
	OpCancel Operation = "Cancel"
)

// ToolType 标识一次步骤绑定的具体工具。
type ToolType string

const (
	ToolDiningSearch    ToolType = "dining_search"
	ToolDiningStatus    ToolType = "dining_status"
	ToolDiningLock      ToolType = "dining_lock"
	ToolDiningPay       ToolType = "dining_pay"
	ToolDiningDeliver   ToolType = "dining_deliver"
	ToolMobilitySearch  ToolType = "mobility_search"
	ToolMobilityStatus  ToolType = "mobility_status"
	ToolMobilityLock    ToolType = "mobility_lock"
	ToolMobilityPay     ToolType = "mobility_pay"
	ToolMobilityDeliver ToolType = "mobility_deliver"
)

// AllToolTypes 列出系统支持的全部工具类型，映射完整性校验依赖该列表。
var AllToolTypes = []ToolType{
	ToolDiningSearch, ToolDiningStatus, ToolDiningLock, ToolDiningPay, ToolDiningDeliver,
	ToolMobilitySearch, ToolMobilityStatus, ToolMobilityLock, ToolMobilityPay, ToolMobilityDeliver,
}

// operationByTool 是工具到规范操作的全量映射。新增工具类型必须同时补充映射，
// 否则进程在启动阶段直接 panic，而不是运行时回退到默认值。
var operationByTool = map[ToolType]Operation{
	ToolDiningSearch:    OpQuery,
	ToolDiningStatus:    OpStatus,
	ToolDiningLock:      OpBook,
	ToolDiningPay:       OpPay,
	ToolDiningDeliver:   OpStatus,
	ToolMobilitySearch:  OpQuery,
	ToolMobilityStatus:  OpStatus,
	ToolMobilityLock:    OpBook,
	ToolMobilityPay:     OpPay,
	ToolMobilityDeliver: OpStatus,
}

// fallbackCapable 标记可以降级为人工通道的工具类型。支付类工具不允许降级，
// 它们的失败必须走显式的失败/退款路径。
var fallbackCapable = map[ToolType]bool{
	ToolDiningSearch:    true,
	ToolDiningStatus:    true,
	ToolDiningLock:      true,
	ToolDiningDeliver:   true,
	ToolMobilitySearch:  true,
	ToolMobilityStatus:  true,
	ToolMobilityLock:    true,
	ToolMobilityDeliver: true,
}

// defaultSLAMs 是每种规范操作的默认 SLA 阈值（毫秒）。
var defaultSLAMs = map[Operation]int64{
	OpQuery:  2000,
	OpStatus: 1500,
	OpBook:   2500,
	OpPay:    3000,
	OpCancel: 2500,
}

const (
	CodeSchemaViolation xerrors.Code = "SCHEMA_VIOLATION"
	CodeSLABreach       xerrors.Code = "SLA_BREACH"
)

func init() {
	// 启动即校验映射完整性，避免新工具类型悄悄落入默认分支。
	for _, tool := range AllToolTypes {
		if _, ok := operationByTool[tool]; !ok {
			panic(fmt.Sprintf("protocol: tool %q 缺少操作映射", tool))
		}
	}
	for _, op := range []Operation{OpQuery, OpStatus, OpBook, OpPay, OpCancel} {
		if _, ok := defaultSLAMs[op]; !ok {
			panic(fmt.Sprintf("protocol: 操作 %q 缺少默认 SLA", op))
		}
	}

	xerrors.Register(CodeSchemaViolation, xerrors.Attributes{
		Message:  "tool response failed schema validation",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeSLABreach, xerrors.Attributes{
		Message:  "tool call exceeded its SLA contract",
		Severity: xerrors.SeverityWarning,
	})
}

// OperationOf 返回工具类型对应的规范操作。
func OperationOf(tool ToolType) (Operation, error) {
	op, ok := operationByTool[tool]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的工具类型 %q", tool))
	}
	return op, nil
}

// SupportsFallback 判断工具类型是否允许降级为人工通道。
func SupportsFallback(tool ToolType) bool {
	return fallbackCapable[tool]
}

// DefaultSLA 返回操作的默认 SLA 阈值（毫秒）。
func DefaultSLA(op Operation) int64 {
	return defaultSLAMs[op]
}

// Request 是归一化后的调用请求。
type Request struct {
	Operation Operation      `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        int64          `json:"at"`
}

// ResponseData 承载响应中与来源相关的字段，Fields 保存操作特有的内容。
type ResponseData struct {
	Provider string         `json:"provider"`
	Source   string         `json:"source"`
	SourceTs int64          `json:"source_ts"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Response 是归一化后的调用响应。
type Response struct {
	Operation  Operation    `json:"operation"`
	OK         bool         `json:"ok"`
	Status     string       `json:"status"`
	Code       string       `json:"code"`
	LatencyMs  int64        `json:"latency_ms"`
	SLAMs      int64        `json:"sla_ms"`
	SLAMet     bool         `json:"sla_met"`
	Data       ResponseData `json:"data"`
	ContractID string       `json:"contract_id,omitempty"`
}

// CallRecord 是一次工具调用在调用日志中的规范形态。
type CallRecord struct {
	Operation Operation `json:"operation"`
	ToolType  ToolType  `json:"tool_type"`
	Request   Request   `json:"request"`
	Response  Response  `json:"response"`
}

// RawResult 是工具提供方返回的未归一化结果。
type RawResult struct {
	OK        bool
	Status    string
	ErrorCode string
	Data      map[string]any
}

// Shape 将工具调用的输入输出收敛成规范的 CallRecord。纯函数，不做任何 IO。
func Shape(tool ToolType, payload map[string]any, raw RawResult, elapsed time.Duration) (CallRecord, error) {
	op, err := OperationOf(tool)
	if err != nil {
		return CallRecord{}, err
	}

	latency := elapsed.Milliseconds()
	sla := DefaultSLA(op)

	status := raw.Status
	if status == "" {
		if raw.OK {
			status = "ok"
		} else {
			status = "error"
		}
	}
	code := raw.ErrorCode
	if code == "" {
		if raw.OK {
			code = "success"
		} else {
			code = "provider_error"
		}
	}

	data := ResponseData{Fields: make(map[string]any, len(raw.Data))}
	for key, value := range raw.Data {
		switch key {
		case "provider":
			if s, ok := value.(string); ok {
				data.Provider = s
			}
		case "source":
			if s, ok := value.(string); ok {
				data.Source = s
			}
		case "source_ts":
			data.SourceTs = toInt64(value)
		default:
			data.Fields[key] = value
		}
	}

	now := time.Now()
	return CallRecord{
		Operation: op,
		ToolType:  tool,
		Request: Request{
			Operation: op,
			Payload:   payload,
			At:        now.Add(-elapsed).UnixMilli(),
		},
		Response: Response{
			Operation: op,
			OK:        raw.OK,
			Status:    status,
			Code:      code,
			LatencyMs: latency,
			SLAMs:     sla,
			SLAMet:    latency <= sla,
			Data:      data,
		},
	}, nil
}

// Validate 校验 CallRecord 是否满足公共字段与操作特有字段的要求。
// 校验失败按提供方故障同等处理，由调用侧决定降级还是终止。
func Validate(record CallRecord) error {
	resp := record.Response
	if resp.Status == "" {
		return xerrors.New(CodeSchemaViolation, "响应缺少 status 字段")
	}
	if resp.Code == "" {
		return xerrors.New(CodeSchemaViolation, "响应缺少 code 字段")
	}
	if resp.LatencyMs < 0 {
		return xerrors.New(CodeSchemaViolation, "latency 不能为负数")
	}
	if resp.SLAMs <= 0 {
		return xerrors.New(CodeSchemaViolation, "sla_ms 必须为正数")
	}
	if resp.Data.Provider == "" {
		return xerrors.New(CodeSchemaViolation, "响应缺少 data.provider")
	}
	if resp.Data.Source == "" {
		return xerrors.New(CodeSchemaViolation, "响应缺少 data.source")
	}
	if resp.Data.SourceTs <= 0 {
		return xerrors.New(CodeSchemaViolation, "响应缺少 data.source_ts")
	}

	if !resp.OK {
		return nil
	}
	switch record.Operation {
	case OpPay:
		if stringField(resp.Data.Fields, "payment_ref") == "" {
			return xerrors.New(CodeSchemaViolation, "支付响应缺少 payment_ref")
		}
		if !numericField(resp.Data.Fields, "amount") {
			return xerrors.New(CodeSchemaViolation, "支付响应缺少数值 amount")
		}
		if stringField(resp.Data.Fields, "currency") == "" {
			return xerrors.New(CodeSchemaViolation, "支付响应缺少 currency")
		}
	case OpBook:
		if stringField(resp.Data.Fields, "lock_id") == "" && stringField(resp.Data.Fields, "ticket_ref") == "" {
			return xerrors.New(CodeSchemaViolation, "锁定响应缺少 lock_id 或 ticket_ref")
		}
	}
	return nil
}

func stringField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

func numericField(fields map[string]any, key string) bool {
	if fields == nil {
		return false
	}
	switch fields[key].(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return 0
	}
}
