// Package provider 定义工具提供方抽象与按类别路由的注册表。内置的模拟提供方
// 产生确定性的延迟与字段，保证同一任务的两次执行产出一致的调用日志。
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/protocol"
)

const CodeProviderUnavailable xerrors.Code = "PROVIDER_UNAVAILABLE"

func init() {
	xerrors.Register(CodeProviderUnavailable, xerrors.Attributes{
		Message:   "no provider registered for the requested category",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Input 是一次工具调用的输入。TaskID 与 StepID 参与延迟与回执的确定性推导。
type Input struct {
	TaskID  string
	StepID  string
	Tool    protocol.ToolType
	Payload map[string]any
}

// Result 携带提供方的原始返回与模拟延迟。延迟由输入确定性推导，
// 不是真实的墙钟耗时。
type Result struct {
	Raw     protocol.RawResult
	Latency time.Duration
}

// Invoker 是工具提供方的统一入口。
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, in Input) (Result, error)
}

// CategoryOf 从工具类型推导提供方类别，即工具名的前缀段。
func CategoryOf(tool protocol.ToolType) string {
	parts := strings.SplitN(string(tool), "_", 2)
	return parts[0]
}

// Registry 按类别管理提供方。
type Registry struct {
	invokers map[string]Invoker
}

// NewRegistry 构造空注册表。
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register 登记某个类别的提供方，重复登记以后者为准。
func (r *Registry) Register(category string, invoker Invoker) {
	if r == nil || invoker == nil {
		return
	}
	r.invokers[category] = invoker
}

// Lookup 返回工具类型对应类别的提供方。
func (r *Registry) Lookup(tool protocol.ToolType) (Invoker, error) {
	if r == nil {
		return nil, xerrors.New(CodeProviderUnavailable, "提供方注册表未初始化")
	}
	category := CategoryOf(tool)
	invoker, ok := r.invokers[category]
	if !ok {
		return nil, xerrors.New(CodeProviderUnavailable, fmt.Sprintf("类别 %q 没有可用的提供方", category))
	}
	return invoker, nil
}

// Categories 返回已登记类别的有序列表。
func (r *Registry) Categories() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
