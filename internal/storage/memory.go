package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"memoalarm/internal/alarm"
)

// Memory is a Store backed by maps. It honors the same version check as the
// sqlite store.
type Memory struct {
	mu      sync.Mutex
	alarms  map[string]alarm.Record
	byMemo  map[string]string
	memos   map[string]alarm.Memo
	history map[string][]alarm.HistoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		alarms:  map[string]alarm.Record{},
		byMemo:  map[string]string{},
		memos:   map[string]alarm.Memo{},
		history: map[string][]alarm.HistoryEntry{},
		now:     time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Create(_ context.Context, rec alarm.Record) (alarm.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.memos[rec.MemoID]; !ok {
		return alarm.Record{}, fmt.Errorf("memo %s: %w", rec.MemoID, alarm.ErrNotFound)
	}
	if _, ok := m.byMemo[rec.MemoID]; ok {
		return alarm.Record{}, fmt.Errorf("memo %s already has an alarm: %w", rec.MemoID, alarm.ErrClaimConflict)
	}
	if _, ok := m.alarms[rec.ID]; ok {
		return alarm.Record{}, fmt.Errorf("alarm %s exists: %w", rec.ID, alarm.ErrClaimConflict)
	}
	now := m.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1
	rec = cloneRecord(rec)
	m.alarms[rec.ID] = rec
	m.byMemo[rec.MemoID] = rec.ID
	return cloneRecord(rec), nil
}

func (m *Memory) Get(_ context.Context, id string) (alarm.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.alarms[id]
	if !ok {
		return alarm.Record{}, fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) GetByMemo(_ context.Context, memoID string) (alarm.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byMemo[memoID]
	if !ok {
		return alarm.Record{}, fmt.Errorf("alarm for memo %s: %w", memoID, alarm.ErrNotFound)
	}
	return cloneRecord(m.alarms[id]), nil
}

func (m *Memory) ListEnabledBefore(_ context.Context, at time.Time, limit int) ([]alarm.Record, error) {
	m.mu.Lock()
	all := make([]alarm.Record, 0, len(m.alarms))
	for _, rec := range m.alarms {
		all = append(all, cloneRecord(rec))
	}
	m.mu.Unlock()

	out := alarm.SelectDue(all, at)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ConditionalUpdate(_ context.Context, id string, expectedVersion int64, f alarm.Fields) (alarm.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.alarms[id]
	if !ok {
		return alarm.Record{}, fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return alarm.Record{}, fmt.Errorf("alarm %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, alarm.ErrClaimConflict)
	}
	next := cloneRecord(cur.Apply(f))
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.alarms[id] = next
	return cloneRecord(next), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.alarms[id]
	if !ok {
		return fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	m.deleteAlarmLocked(rec)
	return nil
}

func (m *Memory) deleteAlarmLocked(rec alarm.Record) {
	delete(m.alarms, rec.ID)
	delete(m.byMemo, rec.MemoID)
	delete(m.history, rec.ID)
}

func (m *Memory) CreateMemo(_ context.Context, memo alarm.Memo) (alarm.Memo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memos[memo.ID]; ok {
		return alarm.Memo{}, fmt.Errorf("memo %s exists: %w", memo.ID, alarm.ErrClaimConflict)
	}
	if memo.CreatedAt.IsZero() {
		memo.CreatedAt = m.now().UTC()
	}
	m.memos[memo.ID] = memo
	return memo, nil
}

func (m *Memory) GetMemo(_ context.Context, id string) (alarm.Memo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	memo, ok := m.memos[id]
	if !ok {
		return alarm.Memo{}, fmt.Errorf("memo %s: %w", id, alarm.ErrNotFound)
	}
	return memo, nil
}

func (m *Memory) ListMemos(_ context.Context, skip, limit int) ([]alarm.Memo, error) {
	m.mu.Lock()
	out := make([]alarm.Memo, 0, len(m.memos))
	for _, memo := range m.memos {
		out = append(out, memo)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	skip = max(skip, 0)
	if skip >= len(out) {
		return nil, nil
	}
	out = out[skip:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateMemo(_ context.Context, memo alarm.Memo) (alarm.Memo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.memos[memo.ID]
	if !ok {
		return alarm.Memo{}, fmt.Errorf("memo %s: %w", memo.ID, alarm.ErrNotFound)
	}
	cur.Title = memo.Title
	cur.Description = memo.Description
	cur.Recipient = memo.Recipient
	m.memos[memo.ID] = cur
	return cur, nil
}

func (m *Memory) DeleteMemo(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memos[id]; !ok {
		return fmt.Errorf("memo %s: %w", id, alarm.ErrNotFound)
	}
	delete(m.memos, id)
	if aid, ok := m.byMemo[id]; ok {
		m.deleteAlarmLocked(m.alarms[aid])
	}
	return nil
}

func (m *Memory) AppendHistory(_ context.Context, e alarm.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alarms[e.AlarmID]; !ok {
		return fmt.Errorf("alarm %s: %w", e.AlarmID, alarm.ErrNotFound)
	}
	m.history[e.AlarmID] = append(m.history[e.AlarmID], e)
	return nil
}

func (m *Memory) ListHistory(_ context.Context, alarmID string, skip, limit int) ([]alarm.HistoryEntry, error) {
	m.mu.Lock()
	src := m.history[alarmID]
	out := make([]alarm.HistoryEntry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	skip = max(skip, 0)
	if skip >= len(out) {
		return nil, nil
	}
	out = out[skip:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PruneHistory(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, entries := range m.history {
		kept := entries[:0]
		for _, e := range entries {
			if e.TriggeredAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.history, id)
			continue
		}
		m.history[id] = kept
	}
	return n, nil
}

func cloneRecord(r alarm.Record) alarm.Record {
	r.NextFireAt = cloneTime(r.NextFireAt)
	r.LastFiredAt = cloneTime(r.LastFiredAt)
	r.AnchorAt = cloneTime(r.AnchorAt)
	r.Rule.OnceAt = cloneTime(r.Rule.OnceAt)
	if r.Rule.TimeOfDay != nil {
		tod := *r.Rule.TimeOfDay
		r.Rule.TimeOfDay = &tod
	}
	if r.Claim != nil {
		c := *r.Claim
		r.Claim = &c
	}
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
