// Package idempotency 为会产生副作用的 HTTP 端点提供重放缓存。缓存键由
// 方法、路径与客户端幂等键共同决定，同键不同请求体视为冲突而不是重放。
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Header 是客户端携带幂等键的请求头。
const Header = "X-Idempotency-Key"

// DefaultTTL 是缓存条目的默认存活时长。
const DefaultTTL = 10 * time.Minute

// Entry 是一次已完成请求的快照，重放时原样返回。
type Entry struct {
	RequestHash string          `json:"request_hash"`
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Store 保存幂等条目。Get 的三个布尔语义：命中重放、同键冲突。
type Store interface {
	Get(ctx context.Context, key, requestHash string) (entry Entry, hit bool, conflict bool, err error)
	Set(ctx context.Context, key string, entry Entry) error
}

// Key 组合缓存键。不同端点各自独立，同一个幂等键跨端点不冲突。
func Key(method, path, idempotencyKey string) string {
	return method + "|" + path + "|" + idempotencyKey
}

// Hash 计算请求体摘要，用于识别同键不同体的冲突请求。
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
