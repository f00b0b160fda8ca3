package task

import "context"

// Store 抽象任务状态的持久化接口。Transition 在单个事务边界内完成
// 读取、状态校验与写回，是暂停、恢复、取消等操作的统一入口。
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把 confirmed 任务占为 executing，供处理器独占执行。
	Claim(ctx context.Context, id string) (*Task, error)
	// Save 全量写回任务并刷新 UpdatedAt。
	Save(ctx context.Context, t *Task) error
	// Transition 校验当前状态落在 allowed 内后执行 apply 并写回。
	// allowed 为空表示不限制当前状态。
	Transition(ctx context.Context, id string, allowed []Status, apply func(*Task) error) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
