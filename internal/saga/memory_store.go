package saga

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sagaops/orchestrator/internal/outbox"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

// MemoryStore 内存实现，同时充当 saga.Store 与 outbox.Store。
// 用于测试与本地开发；语义与 postgres 实现一致：乐观锁、
// 实例变更与事件的原子写入。
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string][]byte
	events    []*outbox.Event
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string][]byte),
	}
}

func encodeInstance(inst *Instance) ([]byte, error) {
	return json.Marshal(inst)
}

func decodeInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Create 落库新实例
func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return sagaerrors.Newf(sagaerrors.CodeInvalidState, "saga %s already exists", inst.ID)
	}
	inst.Version = 1
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	s.instances[inst.ID] = data
	return nil
}

// Get 读取实例
func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.instances[id]
	if !ok {
		return nil, sagaerrors.ErrSagaNotFound
	}
	return decodeInstance(data)
}

// Update 乐观锁更新，events 与实例变更一起提交
func (s *MemoryStore) Update(ctx context.Context, inst *Instance, events []*outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.instances[inst.ID]
	if !ok {
		return sagaerrors.ErrSagaNotFound
	}
	current, err := decodeInstance(data)
	if err != nil {
		return err
	}
	if current.Version != inst.Version {
		return sagaerrors.ErrConcurrencyConflict
	}

	inst.Version++
	updated, err := encodeInstance(inst)
	if err != nil {
		inst.Version--
		return err
	}
	s.instances[inst.ID] = updated

	for _, ev := range events {
		copied := *ev
		s.events = append(s.events, &copied)
	}
	return nil
}

// ListResumable 非终态且更新时间早于 staleBeforeMs 的实例
func (s *MemoryStore) ListResumable(ctx context.Context, staleBeforeMs int64, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id        string
		updatedAt int64
	}
	var candidates []candidate
	for id, data := range s.instances {
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() || inst.UpdatedAtMs >= staleBeforeMs {
			continue
		}
		candidates = append(candidates, candidate{id: id, updatedAt: inst.UpdatedAtMs})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].updatedAt < candidates[j].updatedAt
	})

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, c.id)
	}
	return ids, nil
}

// CountByStatus 各状态实例数
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int64)
	for _, data := range s.instances {
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		counts[inst.Status]++
	}
	return counts, nil
}

// ListUnpublished 按创建时间升序返回未发布事件
func (s *MemoryStore) ListUnpublished(ctx context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*outbox.Event
	for _, ev := range s.events {
		if ev.Published {
			continue
		}
		copied := *ev
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs == out[j].CreatedAtMs {
			return out[i].EventID < out[j].EventID
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPublished 标记已发布
func (s *MemoryStore) MarkPublished(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.EventID == eventID {
			ev.Published = true
			ev.PublishedAtMs = time.Now().UnixMilli()
			return nil
		}
	}
	return sagaerrors.Newf(sagaerrors.CodeSagaNotFound, "outbox event %d not found", eventID)
}

// MarkFailed 发布失败计数加一
func (s *MemoryStore) MarkFailed(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.EventID == eventID {
			ev.Attempts++
			return nil
		}
	}
	return sagaerrors.Newf(sagaerrors.CodeSagaNotFound, "outbox event %d not found", eventID)
}

// DeletePublishedBefore 清理保留期之外的已发布事件
func (s *MemoryStore) DeletePublishedBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, ev := range s.events {
		if ev.Published && ev.PublishedAtMs < cutoffMs {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

// OldestUnpublishedAge 最老未发布事件滞留时长
func (s *MemoryStore) OldestUnpublishedAge(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest int64
	for _, ev := range s.events {
		if ev.Published {
			continue
		}
		if oldest == 0 || ev.CreatedAtMs < oldest {
			oldest = ev.CreatedAtMs
		}
	}
	if oldest == 0 {
		return 0, nil
	}
	return time.Since(time.UnixMilli(oldest)), nil
}
