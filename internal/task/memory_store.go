package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ConciergeFlow/internal/errors"
)

// MemoryStore 在内存中维护任务状态，用于测试与单机演示。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存任务存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Create 写入新任务，重复 ID 报冲突。
func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return xerrors.New(CodeTaskValidation, "任务 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return ErrTaskConflict
	}
	now := s.now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get 返回任务拷贝。
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return stored.Clone(), nil
}

// Claim 把 confirmed 任务占为 executing。终态任务返回 ErrTaskTerminal，
// 其余状态返回 ErrTaskConflict。
func (s *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if Terminal(stored.Status) {
		return nil, ErrTaskTerminal
	}
	if stored.Status != StatusConfirmed {
		return nil, ErrTaskConflict
	}
	stored.Status = StatusExecuting
	stored.UpdatedAt = s.now().UnixMilli()
	return stored.Clone(), nil
}

// Save 全量写回任务。
func (s *MemoryStore) Save(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(CodeTaskValidation, "任务 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	t.UpdatedAt = s.now().UnixMilli()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Transition 在锁内完成状态校验与写回。
func (s *MemoryStore) Transition(_ context.Context, id string, allowed []Status, apply func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if len(allowed) > 0 && !statusIn(stored.Status, allowed) {
		if Terminal(stored.Status) {
			return nil, ErrTaskTerminal
		}
		return nil, ErrTaskConflict
	}
	working := stored.Clone()
	if err := apply(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = s.now().UnixMilli()
	s.tasks[id] = working
	return working.Clone(), nil
}

// List 返回符合过滤条件的任务拷贝。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	s.mu.RLock()
	matched := make([]*Task, 0, len(s.tasks))
	for _, stored := range s.tasks {
		if matchTask(stored, opts) {
			matched = append(matched, stored.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			return matched[i].UpdatedAt < matched[j].UpdatedAt
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats 统计符合过滤条件的任务。
func (s *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	// 统计口径忽略分页参数。
	opts.Limit = 0
	opts.Offset = 0

	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	for _, stored := range s.tasks {
		if !matchTask(stored, opts) {
			continue
		}
		stats.count(stored.Status)
		stats.observeUpdated(stored.UpdatedAt)
	}
	return stats, nil
}

// Close 清空内存。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()
	return nil
}

func statusIn(status Status, set []Status) bool {
	for _, candidate := range set {
		if candidate == status {
			return true
		}
	}
	return false
}

func matchTask(t *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !statusIn(t.Status, opts.Statuses) {
		return false
	}
	if opts.Category != "" && t.Category != opts.Category {
		return false
	}
	if opts.UpdatedGTE > 0 && t.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && t.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		query := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(t.Intent), query) &&
			!strings.Contains(strings.ToLower(t.LastError), query) &&
			!strings.Contains(strings.ToLower(t.ID), query) {
			return false
		}
	}
	return true
}

// MemoryOrderStore 在内存中维护订单。
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	now    func() time.Time
}

var _ OrderStore = (*MemoryOrderStore)(nil)

// NewMemoryOrderStore 创建内存订单存储。
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders: make(map[string]*Order),
		now:    time.Now,
	}
}

// CreateOrder 写入新订单，重复 ID 报冲突。
func (s *MemoryOrderStore) CreateOrder(_ context.Context, order *Order) error {
	if order == nil || order.ID == "" {
		return xerrors.New(CodeTaskValidation, "订单 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "订单已存在")
	}
	now := s.now().UnixMilli()
	if order.CreatedAt == 0 {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	s.orders[order.ID] = order.CloneOrder()
	return nil
}

// GetOrder 返回订单拷贝。
func (s *MemoryOrderStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.orders[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "订单不存在")
	}
	return stored.CloneOrder(), nil
}

// SaveOrder 全量写回订单。
func (s *MemoryOrderStore) SaveOrder(_ context.Context, order *Order) error {
	if order == nil || order.ID == "" {
		return xerrors.New(CodeTaskValidation, "订单 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "订单不存在")
	}
	order.UpdatedAt = s.now().UnixMilli()
	s.orders[order.ID] = order.CloneOrder()
	return nil
}

// ListOrders 按更新时间倒序返回订单。
func (s *MemoryOrderStore) ListOrders(_ context.Context, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	orders := make([]*Order, 0, len(s.orders))
	for _, order := range s.orders {
		orders = append(orders, order.CloneOrder())
	}
	s.mu.RUnlock()
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].UpdatedAt > orders[j].UpdatedAt
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}
