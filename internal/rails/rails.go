// Package rails 实现支付通道的合规闸门。支付前必须询问闸门，
// 被禁用或未认证的通道直接拒绝，不触发任何提供方调用。
package rails

import "fmt"

// 闸门拒绝时写入调用日志的合规代码。
const (
	CodeRailDisabled    = "rail_disabled"
	CodeRailUncertified = "rail_uncertified"
)

// Decision 是一次合规检查的结论。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Checker 判断支付通道当前是否可用。
type Checker interface {
	CanUse(railID string) Decision
}

// StaticChecker 基于静态名单做判断，名单来自部署配置。
type StaticChecker struct {
	disabled    map[string]bool
	uncertified map[string]bool
}

var _ Checker = (*StaticChecker)(nil)

// NewStaticChecker 构造静态闸门。
func NewStaticChecker(disabled, uncertified []string) *StaticChecker {
	c := &StaticChecker{
		disabled:    make(map[string]bool, len(disabled)),
		uncertified: make(map[string]bool, len(uncertified)),
	}
	for _, rail := range disabled {
		c.disabled[rail] = true
	}
	for _, rail := range uncertified {
		c.uncertified[rail] = true
	}
	return c
}

// CanUse 返回通道的合规结论。禁用优先于未认证。
func (c *StaticChecker) CanUse(railID string) Decision {
	if c.disabled[railID] {
		return Decision{
			Allowed: false,
			Code:    CodeRailDisabled,
			Reason:  fmt.Sprintf("支付通道 %s 已被风控禁用", railID),
		}
	}
	if c.uncertified[railID] {
		return Decision{
			Allowed: false,
			Code:    CodeRailUncertified,
			Reason:  fmt.Sprintf("支付通道 %s 未通过认证", railID),
		}
	}
	return Decision{Allowed: true}
}

// AllowAll 是放行一切通道的闸门，测试与本地演示用。
type AllowAll struct{}

var _ Checker = AllowAll{}

// CanUse 恒放行。
func (AllowAll) CanUse(string) Decision { return Decision{Allowed: true} }
