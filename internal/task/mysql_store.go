package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ConciergeFlow/internal/errors"
)

// MySQLStore 把任务状态落到 MySQL。任务聚合整体序列化进 doc 列，
// status、category、updated_at 冗余成独立列供过滤与排序。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于已完成迁移的连接池创建任务存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 写入新任务，主键冲突映射为 ErrTaskConflict。
func (s *MySQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return xerrors.New(CodeTaskValidation, "任务 ID 不能为空")
	}
	now := s.now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	doc, err := encodeTaskDoc(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO task_states
        (id, category, status, intent, error_code, last_error, doc, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Category), string(t.Status), t.Intent, t.ErrorCode, t.LastError, doc, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	return nil
}

// Get 按 ID 读取任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM task_states WHERE id = ?`, id).Scan(&doc)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return decodeTaskDoc(doc)
}

// Claim 在行锁内把 confirmed 任务占为 executing。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	return s.withLockedTask(ctx, id, func(t *Task) error {
		if Terminal(t.Status) {
			return ErrTaskTerminal
		}
		if t.Status != StatusConfirmed {
			return ErrTaskConflict
		}
		t.Status = StatusExecuting
		return nil
	})
}

// Save 全量写回任务并刷新 UpdatedAt。
func (s *MySQLStore) Save(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(CodeTaskValidation, "任务 ID 不能为空")
	}
	t.UpdatedAt = s.now().UnixMilli()
	doc, err := encodeTaskDoc(t)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE task_states
        SET category = ?, status = ?, intent = ?, error_code = ?, last_error = ?, doc = ?, updated_at = ?
        WHERE id = ?`,
		string(t.Category), string(t.Status), t.Intent, t.ErrorCode, t.LastError, doc, t.UpdatedAt, t.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写回任务失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写回任务失败")
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Transition 在行锁内完成状态校验、apply 与写回。
func (s *MySQLStore) Transition(ctx context.Context, id string, allowed []Status, apply func(*Task) error) (*Task, error) {
	return s.withLockedTask(ctx, id, func(t *Task) error {
		if len(allowed) > 0 && !statusIn(t.Status, allowed) {
			if Terminal(t.Status) {
				return ErrTaskTerminal
			}
			return ErrTaskConflict
		}
		return apply(t)
	})
}

// withLockedTask 以 SELECT ... FOR UPDATE 读取任务，执行 mutate 后写回。
func (s *MySQLStore) withLockedTask(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启任务事务失败")
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM task_states WHERE id = ? FOR UPDATE`, id).Scan(&doc)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定任务失败")
	}

	working, err := decodeTaskDoc(doc)
	if err != nil {
		return nil, err
	}
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = s.now().UnixMilli()

	updated, err := encodeTaskDoc(working)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE task_states
        SET category = ?, status = ?, intent = ?, error_code = ?, last_error = ?, doc = ?, updated_at = ?
        WHERE id = ?`,
		string(working.Category), string(working.Status), working.Intent, working.ErrorCode,
		working.LastError, updated, working.UpdatedAt, working.ID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写回任务失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务事务失败")
	}
	return working, nil
}

// List 按过滤条件分页返回任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	where, args := buildTaskFilter(opts)

	order := "DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT doc FROM task_states%s ORDER BY updated_at %s LIMIT ? OFFSET ?`, where, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务列表失败")
		}
		t, err := decodeTaskDoc(doc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return tasks, nil
}

// Stats 统计符合过滤条件的任务，忽略分页参数。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	where, args := buildTaskFilter(opts)

	query := fmt.Sprintf(`SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at)
        FROM task_states%s GROUP BY status`, where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		for i := 0; i < count; i++ {
			stats.count(Status(status))
		}
		stats.observeUpdated(oldest.Int64)
		stats.observeUpdated(newest.Int64)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 由调用方统一管理连接池，这里不做任何事。
func (s *MySQLStore) Close() error {
	return nil
}

func buildTaskFilter(opts ListOptions) (string, []any) {
	var clauses []string
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(opts.Category))
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		clauses = append(clauses, "(intent LIKE ? OR last_error LIKE ? OR id LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func encodeTaskDoc(t *Task) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败")
	}
	return string(data), nil
}

func decodeTaskDoc(doc string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化任务失败")
	}
	return &t, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// MySQLOrderStore 把订单落到 MySQL，结构与任务存储保持一致。
type MySQLOrderStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ OrderStore = (*MySQLOrderStore)(nil)

// NewMySQLOrderStore 创建 MySQL 订单存储。
func NewMySQLOrderStore(db *sql.DB) *MySQLOrderStore {
	return &MySQLOrderStore{db: db, now: time.Now}
}

// CreateOrder 写入新订单，重复 ID 报冲突。
func (s *MySQLOrderStore) CreateOrder(ctx context.Context, order *Order) error {
	if order == nil || order.ID == "" {
		return xerrors.New(CodeTaskValidation, "订单 ID 不能为空")
	}
	now := s.now().UnixMilli()
	if order.CreatedAt == 0 {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	doc, err := json.Marshal(order)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化订单失败")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO orders
        (id, task_id, category, status, doc, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.TaskID, string(order.Category), string(order.Status), string(doc), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "订单已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入订单失败")
	}
	return nil
}

// GetOrder 按 ID 读取订单。
func (s *MySQLOrderStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM orders WHERE id = ?`, id).Scan(&doc)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "订单不存在")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}
	var order Order
	if err := json.Unmarshal([]byte(doc), &order); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化订单失败")
	}
	return &order, nil
}

// SaveOrder 全量写回订单。
func (s *MySQLOrderStore) SaveOrder(ctx context.Context, order *Order) error {
	if order == nil || order.ID == "" {
		return xerrors.New(CodeTaskValidation, "订单 ID 不能为空")
	}
	order.UpdatedAt = s.now().UnixMilli()
	doc, err := json.Marshal(order)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化订单失败")
	}
	result, err := s.db.ExecContext(ctx, `UPDATE orders
        SET task_id = ?, category = ?, status = ?, doc = ?, updated_at = ?
        WHERE id = ?`,
		order.TaskID, string(order.Category), string(order.Status), string(doc), order.UpdatedAt, order.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写回订单失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写回订单失败")
	}
	if affected == 0 {
		return xerrors.New(xerrors.CodeNotFound, "订单不存在")
	}
	return nil
}

// ListOrders 按更新时间倒序返回订单。
func (s *MySQLOrderStore) ListOrders(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM orders ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单列表失败")
	}
	defer rows.Close()

	orders := make([]*Order, 0, limit)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单列表失败")
		}
		var order Order
		if err := json.Unmarshal([]byte(doc), &order); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化订单失败")
		}
		orders = append(orders, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单列表失败")
	}
	return orders, nil
}
