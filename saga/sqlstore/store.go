// Package sqlstore 提供基于 SQL 的 Saga 状态存储。
//
// 面向 SQLite 的语法（UPSERT 使用 ON CONFLICT），通过 database.IDatabase
// 抽象访问驱动。驱动注册由上层负责，例如：
//
//	import _ "modernc.org/sqlite"
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sagakit/saga"
	"sagakit/storage/database"
	"sagakit/storage/database/basic"
)

// DefaultTableName 默认状态表名
const DefaultTableName = "saga_states"

// Store SQL Saga 状态存储
//
// 每个实例一行，saga_id 为主键。复合字段（上下文、已完成步骤、
// 补偿日志、错误）序列化为 JSON 文本列，status 建索引供恢复查询。
type Store struct {
	db        database.IDatabase
	tableName string
}

// NewStore 创建 SQL 状态存储
//
// 参数：
//   - db: 数据库实例
//   - tableName: 表名（空值默认 "saga_states"）
//
// 返回：
//   - *Store: 存储实例
func NewStore(db database.IDatabase, tableName string) *Store {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return &Store{db: db, tableName: tableName}
}

// EnsureTable 建表和索引（不存在时）
//
// 宿主进程应在启动时调用一次。
func (s *Store) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	saga_id TEXT PRIMARY KEY,
	saga_type TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	completed_steps TEXT NOT NULL DEFAULT '[]',
	context TEXT NOT NULL DEFAULT '{}',
	error TEXT NULL,
	compensation_log TEXT NOT NULL DEFAULT '[]',
	started_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
)`, s.tableName)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create saga state table: %w", err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status)`,
		s.tableName, s.tableName)
	if _, err := s.db.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create saga status index: %w", err)
	}
	return nil
}

// Save 保存状态（整行 UPSERT）
func (s *Store) Save(ctx context.Context, state *saga.SagaState) error {
	if state == nil || state.SagaID == "" {
		return fmt.Errorf("%w: missing saga id", saga.ErrSagaInvalidState)
	}

	completedJSON, err := json.Marshal(state.CompletedSteps)
	if err != nil {
		return fmt.Errorf("serialize completed steps: %w", err)
	}
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("serialize saga context: %w", err)
	}
	compLogJSON, err := json.Marshal(state.CompensationLog)
	if err != nil {
		return fmt.Errorf("serialize compensation log: %w", err)
	}

	var errJSON *string
	if state.Error != nil {
		b, err := json.Marshal(state.Error)
		if err != nil {
			return fmt.Errorf("serialize saga error: %w", err)
		}
		str := string(b)
		errJSON = &str
	}

	query := fmt.Sprintf(`
INSERT INTO %s (saga_id, saga_type, status, current_step, completed_steps,
	context, error, compensation_log, started_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(saga_id) DO UPDATE SET
	saga_type=excluded.saga_type,
	status=excluded.status,
	current_step=excluded.current_step,
	completed_steps=excluded.completed_steps,
	context=excluded.context,
	error=excluded.error,
	compensation_log=excluded.compensation_log,
	updated_at=excluded.updated_at,
	completed_at=excluded.completed_at`, s.tableName)

	if _, err := s.db.Exec(ctx, query,
		state.SagaID,
		state.SagaType,
		string(state.Status),
		state.CurrentStep,
		string(completedJSON),
		string(contextJSON),
		errJSON,
		string(compLogJSON),
		state.StartedAt,
		state.UpdatedAt,
		state.CompletedAt,
	); err != nil {
		return fmt.Errorf("save saga state %s: %w", state.SagaID, err)
	}
	return nil
}

// Load 按 ID 加载状态
func (s *Store) Load(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	qb := basic.NewSelect().
		Select("saga_id", "saga_type", "status", "current_step", "completed_steps",
			"context", "error", "compensation_log", "started_at", "updated_at", "completed_at").
		From(s.tableName).
		Where("saga_id = ?", sagaID)
	query, args := qb.Build()

	state, err := scanState(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
		}
		return nil, fmt.Errorf("load saga state %s: %w", sagaID, err)
	}
	return state, nil
}

// FindByStatus 按状态查询（status 为空返回全部），按启动时间升序
func (s *Store) FindByStatus(ctx context.Context, status saga.SagaStatus) ([]*saga.SagaState, error) {
	qb := basic.NewSelect().
		Select("saga_id", "saga_type", "status", "current_step", "completed_steps",
			"context", "error", "compensation_log", "started_at", "updated_at", "completed_at").
		From(s.tableName).
		OrderBy("started_at", false)
	if status != "" {
		qb.Where("status = ?", string(status))
	}
	query, args := qb.Build()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find sagas by status %q: %w", status, err)
	}
	defer rows.Close()

	var result []*saga.SagaState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga state row: %w", err)
		}
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga state rows: %w", err)
	}
	return result, nil
}

// Delete 删除状态（存储维护用，编排器不调用）
func (s *Store) Delete(ctx context.Context, sagaID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE saga_id = ?`, s.tableName)
	res, err := s.db.Exec(ctx, query, sagaID)
	if err != nil {
		return fmt.Errorf("delete saga state %s: %w", sagaID, err)
	}
	if rows, errRA := res.RowsAffected(); errRA == nil && rows == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	return nil
}

// scanner 兼容 IRow 和 IRows 的 Scan
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row scanner) (*saga.SagaState, error) {
	var (
		state         saga.SagaState
		status        string
		completedJSON string
		contextJSON   string
		errJSON       sql.NullString
		compLogJSON   string
		completedAt   sql.NullTime
	)

	if err := row.Scan(
		&state.SagaID,
		&state.SagaType,
		&status,
		&state.CurrentStep,
		&completedJSON,
		&contextJSON,
		&errJSON,
		&compLogJSON,
		&state.StartedAt,
		&state.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	state.Status = saga.SagaStatus(status)
	if err := json.Unmarshal([]byte(completedJSON), &state.CompletedSteps); err != nil {
		return nil, fmt.Errorf("deserialize completed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &state.Context); err != nil {
		return nil, fmt.Errorf("deserialize saga context: %w", err)
	}
	if err := json.Unmarshal([]byte(compLogJSON), &state.CompensationLog); err != nil {
		return nil, fmt.Errorf("deserialize compensation log: %w", err)
	}
	if errJSON.Valid && errJSON.String != "" {
		var stepErr saga.StepError
		if err := json.Unmarshal([]byte(errJSON.String), &stepErr); err != nil {
			return nil, fmt.Errorf("deserialize saga error: %w", err)
		}
		state.Error = &stepErr
	}
	if completedAt.Valid {
		t := completedAt.Time
		state.CompletedAt = &t
	}
	return &state, nil
}

var _ saga.ISagaStateStore = (*Store)(nil)
