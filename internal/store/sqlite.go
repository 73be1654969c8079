package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"stockdeck/internal/chart"
	"stockdeck/internal/logger"

	_ "modernc.org/sqlite"
)

// maxFetchLogRows 抓取日志的落盘上限,超出按写入顺序淘汰。
const maxFetchLogRows = 500

// SQLiteSnapshotStore 把序列快照和抓取日志写进本地 SQLite。
// 快照整体存 JSON,按上下文键覆盖;WAL 模式让巡检读不挡写。
type SQLiteSnapshotStore struct {
	mu sync.Mutex
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteSnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Infof("[store] sqlite 已打开: %s", path)
	return s, nil
}

func (s *SQLiteSnapshotStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS series_snapshots (
			context_key TEXT PRIMARY KEY,
			revision    INTEGER NOT NULL,
			row_count   INTEGER NOT NULL,
			payload     TEXT NOT NULL,
			saved_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			context_key TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			indicators  TEXT,
			duration_ms INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_created ON fetch_log(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot 按键覆盖写,先 UPDATE 再 INSERT。
func (s *SQLiteSnapshotStore) SaveSnapshot(ctx context.Context, key string, series *chart.Series) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("sqlite store 未初始化")
	}
	if key == "" {
		return fmt.Errorf("key 不能为空")
	}
	if series == nil {
		return fmt.Errorf("series 不能为空")
	}
	payload, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
        UPDATE series_snapshots
        SET revision=?, row_count=?, payload=?, saved_at=?
        WHERE context_key=?`,
		series.Revision, series.Len(), string(payload), now, key)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		_, err = db.ExecContext(ctx, `
            INSERT INTO series_snapshots (context_key, revision, row_count, payload, saved_at)
            VALUES (?, ?, ?, ?, ?)`,
			key, series.Revision, series.Len(), string(payload), now)
		return err
	}
	return nil
}

// LoadSnapshot 键不存在返回 ErrNotFound。
func (s *SQLiteSnapshotStore) LoadSnapshot(ctx context.Context, key string) (Snapshot, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return Snapshot{}, fmt.Errorf("sqlite store 未初始化")
	}
	row := db.QueryRowContext(ctx, `
        SELECT revision, payload, saved_at FROM series_snapshots WHERE context_key=?`, key)
	var revision uint64
	var payload string
	var savedAt int64
	if err := row.Scan(&revision, &payload, &savedAt); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	series := &chart.Series{}
	if err := json.Unmarshal([]byte(payload), series); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	series.Revision = revision
	return Snapshot{
		Key:      key,
		Revision: revision,
		SavedAt:  time.UnixMilli(savedAt).UTC(),
		Series:   series,
	}, nil
}

// RecordFetch 追加一条审计并淘汰最旧的超额行。
func (s *SQLiteSnapshotStore) RecordFetch(ctx context.Context, rec FetchRecord) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("sqlite store 未初始化")
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO fetch_log (context_key, endpoint, indicators, duration_ms, outcome, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.Endpoint, strings.Join(rec.Indicators, ","), rec.Duration.Milliseconds(), rec.Outcome, at.UnixMilli())
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
        DELETE FROM fetch_log WHERE id NOT IN (
            SELECT id FROM fetch_log ORDER BY id DESC LIMIT ?)`, maxFetchLogRows)
	return err
}

// RecentFetches 新的在前。
func (s *SQLiteSnapshotStore) RecentFetches(ctx context.Context, limit int) ([]FetchRecord, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("sqlite store 未初始化")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
        SELECT context_key, endpoint, indicators, duration_ms, outcome, created_at
        FROM fetch_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FetchRecord
	for rows.Next() {
		var rec FetchRecord
		var indicators sql.NullString
		var durationMS, createdAt int64
		if err := rows.Scan(&rec.Key, &rec.Endpoint, &indicators, &durationMS, &rec.Outcome, &createdAt); err != nil {
			return nil, err
		}
		if indicators.Valid && indicators.String != "" {
			rec.Indicators = strings.Split(indicators.String, ",")
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.At = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
