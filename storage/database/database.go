package database

import (
	"context"
	"database/sql"
)

// IDatabase 数据库访问抽象
//
// 存储实现（如 saga/sqlstore）依赖此接口而非具体驱动，
// 便于在测试中替换和在不同 SQL 方言间迁移。
type IDatabase interface {
	Query(ctx context.Context, query string, args ...interface{}) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) IRow
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Begin(ctx context.Context) (ITransaction, error)
	Ping(ctx context.Context) error
	Close() error

	// Raw 返回底层驱动对象（*sql.DB），仅特殊场景使用
	Raw() interface{}
}

// IRows 多行查询结果
type IRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
	Columns() ([]string, error)
}

// IRow 单行查询结果
type IRow interface {
	Scan(dest ...interface{}) error
	Err() error
}

// ITransaction 事务句柄
type ITransaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) IRow
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Commit() error
	Rollback() error
}

// DBConfig 数据库连接配置
type DBConfig struct {
	// Driver 驱动名（空值默认 "sqlite"）
	Driver string `json:"driver" koanf:"driver"`

	// Database DSN（sqlite 场景为文件路径或 ":memory:"）
	Database string `json:"database" koanf:"database"`

	// 连接池配置（<=0 使用驱动默认值；时间单位为秒）
	MaxOpenConns    int `json:"maxOpenConns" koanf:"max_open_conns"`
	MaxIdleConns    int `json:"maxIdleConns" koanf:"max_idle_conns"`
	ConnMaxLifetime int `json:"connMaxLifetime" koanf:"conn_max_lifetime"`
	ConnMaxIdleTime int `json:"connMaxIdleTime" koanf:"conn_max_idle_time"`
}
