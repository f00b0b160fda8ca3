package settlement

import (
	"context"
	"sort"
	"sync"

	xerrors "ConciergeFlow/internal/errors"
)

// MemoryStore 在内存中维护结算台账，用于测试与单机演示。
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[string]*Settlement
	entries     map[string]*LedgerEntry
	runs        []*Run
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存结算存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[string]*Settlement),
		entries:     make(map[string]*LedgerEntry),
	}
}

// UpsertSettlement 写入或覆盖结算条目。
func (s *MemoryStore) UpsertSettlement(_ context.Context, settlement *Settlement) error {
	if settlement == nil || settlement.OrderID == "" {
		return xerrors.New(CodeSettlementInvalid, "结算缺少订单 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *settlement
	s.settlements[settlement.OrderID] = &cloned
	return nil
}

// GetSettlement 返回结算条目拷贝。
func (s *MemoryStore) GetSettlement(_ context.Context, orderID string) (*Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.settlements[orderID]
	if !ok {
		return nil, xerrors.New(CodeSettlementMissing, "结算不存在")
	}
	cloned := *stored
	return &cloned, nil
}

// ListSettlements 按订单 ID 排序返回结算条目，limit 非正值表示不限量。
func (s *MemoryStore) ListSettlements(_ context.Context, limit int) ([]*Settlement, error) {
	s.mu.RLock()
	settlements := make([]*Settlement, 0, len(s.settlements))
	for _, stored := range s.settlements {
		cloned := *stored
		settlements = append(settlements, &cloned)
	}
	s.mu.RUnlock()
	sort.Slice(settlements, func(i, j int) bool {
		return settlements[i].OrderID < settlements[j].OrderID
	})
	if limit > 0 && len(settlements) > limit {
		settlements = settlements[:limit]
	}
	return settlements, nil
}

// GetLedgerEntry 返回提供方流水拷贝。
func (s *MemoryStore) GetLedgerEntry(_ context.Context, orderID string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.entries[orderID]
	if !ok {
		return nil, xerrors.New(CodeSettlementMissing, "提供方流水不存在")
	}
	cloned := *stored
	return &cloned, nil
}

// PutLedgerEntry 写入提供方流水。
func (s *MemoryStore) PutLedgerEntry(_ context.Context, entry *LedgerEntry) error {
	if entry == nil || entry.OrderID == "" {
		return xerrors.New(CodeSettlementInvalid, "流水缺少订单 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *entry
	s.entries[entry.OrderID] = &cloned
	return nil
}

// SaveRun 追加一次对账记录。
func (s *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(CodeSettlementInvalid, "对账记录缺少 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *run
	cloned.Mismatches = append([]Mismatch(nil), run.Mismatches...)
	s.runs = append(s.runs, &cloned)
	return nil
}

// ListRuns 按时间倒序返回最近的对账记录。
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*Run, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0 && len(runs) < limit; i-- {
		cloned := *s.runs[i]
		cloned.Mismatches = append([]Mismatch(nil), s.runs[i].Mismatches...)
		runs = append(runs, &cloned)
	}
	return runs, nil
}

// Close 清空内存。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.settlements = make(map[string]*Settlement)
	s.entries = make(map[string]*LedgerEntry)
	s.runs = nil
	s.mu.Unlock()
	return nil
}
