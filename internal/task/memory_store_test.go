package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	"ConciergeFlow/internal/plan"
)

func newStoredTask(id string, status Status) *Task {
	return &Task{
		ID:       id,
		Intent:   "find me dinner, budget low",
		Category: plan.CategoryDining,
		Status:   status,
	}
}

// sequencedClock 每次调用前进一毫秒，保证排序测试里 UpdatedAt 彼此不同。
func sequencedClock() func() time.Time {
	base := time.UnixMilli(1700000000000)
	calls := 0
	return func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Millisecond)
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created := newStoredTask("task-1", StatusPlanned)
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt == 0 || created.UpdatedAt == 0 {
		t.Fatalf("create must stamp timestamps: %+v", created)
	}
	if err := store.Create(ctx, newStoredTask("task-1", StatusPlanned)); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("duplicate id: got %v want ErrTaskConflict", err)
	}
	if err := store.Create(ctx, &Task{ID: "  "}); err == nil {
		t.Fatalf("blank id must be rejected")
	}

	got, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 存储对外只交出拷贝，改写返回值不影响库内状态。
	got.Status = StatusCanceled
	again, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != StatusPlanned {
		t.Fatalf("store must hand out copies, stored status changed to %s", again.Status)
	}

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("missing task: got %v want ErrTaskNotFound", err)
	}
}

func TestMemoryStoreClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for id, status := range map[string]Status{
		"task-confirmed": StatusConfirmed,
		"task-planned":   StatusPlanned,
		"task-done":      StatusCompleted,
	} {
		if err := store.Create(ctx, newStoredTask(id, status)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	claimed, err := store.Claim(ctx, "task-confirmed")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusExecuting {
		t.Fatalf("claim must move task to executing, got %s", claimed.Status)
	}
	// 第二次领取同一任务应报冲突，保证执行独占。
	if _, err := store.Claim(ctx, "task-confirmed"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("double claim: got %v want ErrTaskConflict", err)
	}
	if _, err := store.Claim(ctx, "task-planned"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("claim planned: got %v want ErrTaskConflict", err)
	}
	if _, err := store.Claim(ctx, "task-done"); !stdErrors.Is(err, ErrTaskTerminal) {
		t.Fatalf("claim terminal: got %v want ErrTaskTerminal", err)
	}
	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("claim missing: got %v want ErrTaskNotFound", err)
	}
}

func TestMemoryStoreTransition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("task-1", StatusPlanned)); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.Transition(ctx, "task-1", []Status{StatusPlanned}, func(t *Task) error {
		t.Status = StatusConfirmed
		return nil
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != StatusConfirmed {
		t.Fatalf("transition result status: got %s", updated.Status)
	}

	if _, err := store.Transition(ctx, "task-1", []Status{StatusPlanned}, func(t *Task) error {
		t.Status = StatusCanceled
		return nil
	}); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("transition outside allowed set: got %v want ErrTaskConflict", err)
	}

	// apply 报错时不得落任何改动。
	wantErr := stdErrors.New("apply rejected")
	if _, err := store.Transition(ctx, "task-1", nil, func(t *Task) error {
		t.Status = StatusFailed
		return wantErr
	}); !stdErrors.Is(err, wantErr) {
		t.Fatalf("apply error must propagate, got %v", err)
	}
	current, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusConfirmed {
		t.Fatalf("failed apply must not persist, status %s", current.Status)
	}
}

func TestMemoryStoreListFiltersAndPagination(t *testing.T) {
	store := NewMemoryStore()
	store.now = sequencedClock()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		stored := newStoredTask(fmt.Sprintf("task-%d", i), StatusPlanned)
		if i%2 == 1 {
			stored.Status = StatusCompleted
			stored.Category = plan.CategoryMobility
			stored.Intent = "get me a ride to the airport"
		}
		if err := store.Create(ctx, stored); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	completed, err := store.List(ctx, ListOptions{Statuses: []Status{StatusCompleted}})
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed tasks, got %d", len(completed))
	}
	// 默认按更新时间倒序。
	if completed[0].UpdatedAt < completed[1].UpdatedAt {
		t.Fatalf("default order must be most recent first")
	}

	dining, err := store.List(ctx, ListOptions{Category: plan.CategoryDining})
	if err != nil {
		t.Fatalf("list dining: %v", err)
	}
	if len(dining) != 3 {
		t.Fatalf("expected 3 dining tasks, got %d", len(dining))
	}

	byQuery, err := store.List(ctx, ListOptions{Query: "airport"})
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byQuery) != 2 {
		t.Fatalf("query filter expected 2 tasks, got %d", len(byQuery))
	}

	page, err := store.List(ctx, ListOptions{Limit: 2, Offset: 4, Order: SortByUpdatedAsc})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("last page expected 1 task, got %d", len(page))
	}
	if page[0].ID != "task-4" {
		t.Fatalf("ascending order with offset 4 expected task-4, got %s", page[0].ID)
	}

	empty, err := store.List(ctx, ListOptions{Offset: 50})
	if err != nil {
		t.Fatalf("list beyond range: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("offset beyond range must return empty, got %d", len(empty))
	}
}

func TestMemoryStoreStatsIgnoresPagination(t *testing.T) {
	store := NewMemoryStore()
	store.now = sequencedClock()
	ctx := context.Background()

	statuses := []Status{StatusPlanned, StatusPlanned, StatusExecuting, StatusCompleted, StatusFailed}
	for i, status := range statuses {
		if err := store.Create(ctx, newStoredTask(fmt.Sprintf("task-%d", i), status)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	stats, err := store.Stats(ctx, ListOptions{Limit: 1, Offset: 3})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 {
		t.Fatalf("stats must ignore pagination, total %d", stats.Total)
	}
	if stats.Planned != 2 || stats.Executing != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected breakdown: %+v", stats)
	}
	if stats.OldestUpdatedAt == 0 || stats.NewestUpdatedAt < stats.OldestUpdatedAt {
		t.Fatalf("updated range not tracked: %+v", stats)
	}
}
