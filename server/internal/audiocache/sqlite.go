package audiocache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const createAudioTableQuery = `
CREATE TABLE IF NOT EXISTS audio_cache (
    round_key  TEXT PRIMARY KEY,
    audio      BLOB NOT NULL,
    byte_size  INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);`

// SQLiteStore 是持久化的音频缓存实现：进程重启后缓存仍然有效，
// 这正是"重复访问/弱网播放不再走网络"的来源。
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore 打开（或创建）指定路径的缓存库，并确保表结构存在。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audio cache %s: %w", path, err)
	}

	if _, err := db.Exec(createAudioTableQuery); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audio cache schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get 返回该 key 缓存的音频字节；未命中返回 ErrNotFound。
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		`SELECT audio FROM audio_cache WHERE round_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read audio cache: %w", err)
	}
	return data, nil
}

// Put 写入该 key 的音频字节，已存在则整体覆盖（同 key 同字节幂等）。
func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte) error {
	query := `
      INSERT INTO audio_cache (round_key, audio, byte_size, created_at)
      VALUES (?, ?, ?, ?)
      ON CONFLICT(round_key) DO UPDATE
         SET audio      = excluded.audio,
             byte_size  = excluded.byte_size,
             created_at = excluded.created_at;`

	if _, err := s.db.ExecContext(ctx, query, key, data, len(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("write audio cache: %w", err)
	}
	return nil
}

// Has 报告该 key 是否已缓存，不取回字节本身。
func (s *SQLiteStore) Has(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM audio_cache WHERE round_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("probe audio cache: %w", err)
	}
	return n > 0, nil
}

// Close 关闭底层数据库连接。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
