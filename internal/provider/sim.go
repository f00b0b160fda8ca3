package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ConciergeFlow/internal/protocol"
	"ConciergeFlow/pkg/stablehash"
)

// 各规范操作的模拟延迟基线与抖动范围（毫秒）。
var latencyProfile = map[protocol.Operation]struct {
	base   int64
	spread uint32
}{
	protocol.OpQuery:  {base: 300, spread: 900},
	protocol.OpStatus: {base: 200, spread: 600},
	protocol.OpBook:   {base: 400, spread: 1200},
	protocol.OpPay:    {base: 600, spread: 1500},
	protocol.OpCancel: {base: 300, spread: 900},
}

// Simulator 是确定性的模拟提供方。相同的 TaskID、StepID 与工具类型
// 总是产出相同的延迟与回执字段。
type Simulator struct {
	name   string
	source string
	now    func() time.Time
}

// SimulatorOption 定义模拟提供方的可选配置。
type SimulatorOption func(*Simulator)

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSimulator 构造模拟提供方。
func NewSimulator(name, source string, opts ...SimulatorOption) *Simulator {
	s := &Simulator{name: name, source: source, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ Invoker = (*Simulator)(nil)

// Name 返回提供方名称。
func (s *Simulator) Name() string { return s.name }

// Invoke 执行一次模拟调用。延迟与字段均由输入推导，调用本身立即返回，
// 不会真实等待模拟出的延迟。
func (s *Simulator) Invoke(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	op, err := protocol.OperationOf(in.Tool)
	if err != nil {
		return Result{}, err
	}

	seed := fmt.Sprintf("%s|%s|%s", in.TaskID, in.StepID, in.Tool)
	profile := latencyProfile[op]
	latency := time.Duration(profile.base+int64(stablehash.Jitter(seed+"|latency", profile.spread))) * time.Millisecond

	if code, _ := in.Payload["force_error"].(string); code != "" {
		return Result{
			Raw: protocol.RawResult{
				OK:        false,
				Status:    "error",
				ErrorCode: code,
				Data:      s.baseData(),
			},
			Latency: latency,
		}, nil
	}

	data := s.baseData()
	for key, value := range s.actionFields(in, seed) {
		data[key] = value
	}
	return Result{
		Raw:     protocol.RawResult{OK: true, Status: "ok", Data: data},
		Latency: latency,
	}, nil
}

func (s *Simulator) baseData() map[string]any {
	return map[string]any{
		"provider":  s.name,
		"source":    s.source,
		"source_ts": s.now().UnixMilli(),
	}
}

// actionFields 按工具动作生成操作特有字段。交付动作在协议上归一为 Status，
// 字段上仍然按交付语义填充。
func (s *Simulator) actionFields(in Input, seed string) map[string]any {
	hash := stablehash.Sum32(seed)
	action := string(in.Tool)
	if idx := strings.LastIndex(action, "_"); idx >= 0 {
		action = action[idx+1:]
	}

	switch action {
	case "search":
		return map[string]any{
			"candidates": int64(3 + stablehash.Jitter(seed+"|candidates", 5)),
			"top_choice": fmt.Sprintf("%s-option-%04X", s.name, hash&0xFFFF),
		}
	case "status":
		return map[string]any{
			"availability":   "available",
			"queue_position": int64(stablehash.Jitter(seed+"|queue", 4)),
		}
	case "lock":
		return map[string]any{
			"lock_id":         fmt.Sprintf("LCK-%08X", hash),
			"hold_expires_ts": s.now().Add(15 * time.Minute).UnixMilli(),
		}
	case "pay":
		amount, _ := in.Payload["amount"].(float64)
		currency, _ := in.Payload["currency"].(string)
		if currency == "" {
			currency = "CNY"
		}
		return map[string]any{
			"payment_ref": fmt.Sprintf("PAY-%08X", hash),
			"amount":      amount,
			"currency":    currency,
		}
	case "deliver":
		return map[string]any{
			"voucher_code":     fmt.Sprintf("VCH-%08X", hash),
			"delivery_channel": "in_app",
		}
	default:
		return map[string]any{}
	}
}
