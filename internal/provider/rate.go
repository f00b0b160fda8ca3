package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited 用令牌桶限制内层提供方的调用频率，超限时阻塞等待而非拒绝。
type RateLimited struct {
	inner   Invoker
	limiter *rate.Limiter
}

// NewRateLimited 包装提供方。qps 为每秒放行的调用数，burst 为瞬时突发上限。
func NewRateLimited(inner Invoker, qps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}
}

var _ Invoker = (*RateLimited)(nil)

// Name 返回内层提供方名称。
func (r *RateLimited) Name() string { return r.inner.Name() }

// Invoke 先取令牌再调用内层提供方，上下文取消时立即返回。
func (r *RateLimited) Invoke(ctx context.Context, in Input) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	return r.inner.Invoke(ctx, in)
}
