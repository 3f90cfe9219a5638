package alarm

import (
	"context"
	"time"
)

// Store persists alarm records.
//
// ConditionalUpdate is the only way to change an existing record: it writes f
// and bumps Version iff the stored Version equals expectedVersion, returning
// ErrClaimConflict otherwise and ErrNotFound if the record is gone. Create
// stores a record at Version 1; a memo holds at most one alarm, and a second
// Create for it fails with ErrClaimConflict.
type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetByMemo(ctx context.Context, memoID string) (Record, error)

	// ListEnabledBefore returns enabled records scheduled at or before at,
	// plus claimed records whose lease expired by at. limit <= 0 means no
	// limit.
	ListEnabledBefore(ctx context.Context, at time.Time, limit int) ([]Record, error)
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, f Fields) (Record, error)
	Delete(ctx context.Context, id string) error
}

// MemoStore is the slice of memo persistence the engine needs. Deleting a
// memo deletes its alarm.
type MemoStore interface {
	CreateMemo(ctx context.Context, m Memo) (Memo, error)
	GetMemo(ctx context.Context, id string) (Memo, error)
	// ListMemos returns memos oldest first. limit <= 0 means no limit.
	ListMemos(ctx context.Context, skip, limit int) ([]Memo, error)
	// UpdateMemo overwrites the title, description and recipient of m.ID.
	UpdateMemo(ctx context.Context, m Memo) (Memo, error)
	DeleteMemo(ctx context.Context, id string) error
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// ListHistory returns entries for alarmID, newest first.
	ListHistory(ctx context.Context, alarmID string, skip, limit int) ([]HistoryEntry, error)
	// PruneHistory deletes entries triggered before cutoff and reports how
	// many were removed.
	PruneHistory(ctx context.Context, cutoff time.Time) (int, error)
}
