package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"stockdeck/internal/chart"
)

// ErrNotFound 查询的上下文没有落过快照。
var ErrNotFound = errors.New("snapshot not found")

// maxFetchRecords 内存实现保留的抓取日志条数上限。
const maxFetchRecords = 256

// Snapshot 一条落盘的序列快照,按规范化上下文键唯一。
type Snapshot struct {
	Key      string        `json:"key"`
	Revision uint64        `json:"revision"`
	SavedAt  time.Time     `json:"saved_at"`
	Series   *chart.Series `json:"series"`
}

// FetchRecord 一次上游抓取的审计记录。
type FetchRecord struct {
	Key        string        `json:"key"`
	Endpoint   string        `json:"endpoint"`
	Indicators []string      `json:"indicators,omitempty"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"`
	At         time.Time     `json:"at"`
}

// SnapshotStore 抽象:按上下文键读写序列快照,附带抓取日志。
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, s *chart.Series) error
	LoadSnapshot(ctx context.Context, key string) (Snapshot, error)
	RecordFetch(ctx context.Context, rec FetchRecord) error
	RecentFetches(ctx context.Context, limit int) ([]FetchRecord, error)
	Close() error
}

// MemorySnapshotStore 内存实现,测试和无盘部署用。
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	data    map[string]Snapshot
	fetches []FetchRecord
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{data: make(map[string]Snapshot)}
}

// SaveSnapshot 存深拷贝,调用方之后的修改不会影响已存快照。
func (s *MemorySnapshotStore) SaveSnapshot(ctx context.Context, key string, series *chart.Series) error {
	if key == "" {
		return errors.New("key 不能为空")
	}
	if series == nil {
		return errors.New("series 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = Snapshot{
		Key:      key,
		Revision: series.Revision,
		SavedAt:  time.Now().UTC(),
		Series:   series.Clone(),
	}
	return nil
}

// LoadSnapshot 返回拷贝。
func (s *MemorySnapshotStore) LoadSnapshot(ctx context.Context, key string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[key]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap.Series = snap.Series.Clone()
	return snap, nil
}

// RecordFetch 追加并裁剪到上限。
func (s *MemorySnapshotStore) RecordFetch(ctx context.Context, rec FetchRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, rec)
	if len(s.fetches) > maxFetchRecords {
		s.fetches = s.fetches[len(s.fetches)-maxFetchRecords:]
	}
	return nil
}

// RecentFetches 返回最近 limit 条,新的在前。
func (s *MemorySnapshotStore) RecentFetches(ctx context.Context, limit int) ([]FetchRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit > len(s.fetches) {
		limit = len(s.fetches)
	}
	out := make([]FetchRecord, 0, limit)
	for i := len(s.fetches) - 1; i >= len(s.fetches)-limit; i-- {
		out = append(out, s.fetches[i])
	}
	return out, nil
}

func (s *MemorySnapshotStore) Close() error { return nil }
