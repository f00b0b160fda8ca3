package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "ConciergeFlow/internal/errors"
)

// MySQLStore 把结算台账、提供方流水与对账记录落到 MySQL。
// 条目整体序列化进 doc 列，时间字段冗余成独立列供排序。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于已完成迁移的连接池创建结算存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// UpsertSettlement 写入或覆盖结算条目。
func (s *MySQLStore) UpsertSettlement(ctx context.Context, settlement *Settlement) error {
	if settlement == nil || settlement.OrderID == "" {
		return xerrors.New(CodeSettlementInvalid, "结算缺少订单 ID")
	}
	doc, err := json.Marshal(settlement)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化结算失败")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO settlements (order_id, doc, created_at, updated_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE doc = VALUES(doc), updated_at = VALUES(updated_at)`,
		settlement.OrderID, string(doc), settlement.CreatedAt, settlement.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算失败")
	}
	return nil
}

// GetSettlement 按订单 ID 读取结算条目。
func (s *MySQLStore) GetSettlement(ctx context.Context, orderID string) (*Settlement, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM settlements WHERE order_id = ?`, orderID).Scan(&doc)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(CodeSettlementMissing, "结算不存在")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算失败")
	}
	var settlement Settlement
	if err := json.Unmarshal([]byte(doc), &settlement); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化结算失败")
	}
	return &settlement, nil
}

// ListSettlements 按订单 ID 排序返回结算条目，limit 非正值表示不限量。
func (s *MySQLStore) ListSettlements(ctx context.Context, limit int) ([]*Settlement, error) {
	query := `SELECT doc FROM settlements ORDER BY order_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算列表失败")
	}
	defer rows.Close()

	var settlements []*Settlement
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算列表失败")
		}
		var settlement Settlement
		if err := json.Unmarshal([]byte(doc), &settlement); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化结算失败")
		}
		settlements = append(settlements, &settlement)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算列表失败")
	}
	return settlements, nil
}

// GetLedgerEntry 按订单 ID 读取提供方流水。
func (s *MySQLStore) GetLedgerEntry(ctx context.Context, orderID string) (*LedgerEntry, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM provider_ledger WHERE order_id = ?`, orderID).Scan(&doc)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(CodeSettlementMissing, "提供方流水不存在")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提供方流水失败")
	}
	var entry LedgerEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化提供方流水失败")
	}
	return &entry, nil
}

// PutLedgerEntry 写入提供方流水，同单覆盖。
func (s *MySQLStore) PutLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry == nil || entry.OrderID == "" {
		return xerrors.New(CodeSettlementInvalid, "流水缺少订单 ID")
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化提供方流水失败")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO provider_ledger (order_id, doc, created_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE doc = VALUES(doc)`,
		entry.OrderID, string(doc), entry.CreatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入提供方流水失败")
	}
	return nil
}

// SaveRun 追加一次对账记录。
func (s *MySQLStore) SaveRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(CodeSettlementInvalid, "对账记录缺少 ID")
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化对账记录失败")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO reconciliation_runs (id, doc, started_at, finished_at)
        VALUES (?, ?, ?, ?)`,
		run.ID, string(doc), run.StartedAt, run.FinishedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入对账记录失败")
	}
	return nil
}

// ListRuns 按时间倒序返回最近的对账记录。
func (s *MySQLStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM reconciliation_runs
        ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对账记录失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, limit)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析对账记录失败")
		}
		var run Run
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化对账记录失败")
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历对账记录失败")
	}
	return runs, nil
}

// Close 由调用方统一管理连接池，这里不做任何事。
func (s *MySQLStore) Close() error {
	return nil
}
