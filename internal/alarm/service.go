package alarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	logx "memoalarm/pkg/logx"
)

// editAttempts bounds read-modify-CAS loops in the editing operations.
const editAttempts = 3

const defaultMemoPage = 100

// Service is the editing surface over the alarm store.
type Service struct {
	store   Store
	memos   MemoStore
	history HistoryStore
	clock   clock.Clock
	log     logx.Logger
}

func NewService(store Store, memos MemoStore, history HistoryStore, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, memos: memos, history: history, clock: clk, log: log}
}

// UpsertAlarm creates or replaces the alarm of memoID and recomputes its
// schedule from now.
func (s *Service) UpsertAlarm(ctx context.Context, memoID string, rule Rule, enabled bool) (Record, error) {
	memoID = strings.TrimSpace(memoID)
	if memoID == "" {
		return Record{}, fmt.Errorf("%w: memo id is required", ErrInvalidRule)
	}
	if rule.Kind == KindNone && rule.Channel == "" {
		rule.Channel = ChannelNone
	}
	if err := rule.Validate(); err != nil {
		return Record{}, err
	}
	if _, err := s.memos.GetMemo(ctx, memoID); err != nil {
		return Record{}, fmt.Errorf("memo %s: %w", memoID, err)
	}

	var lastErr error
	for attempt := 0; attempt < editAttempts; attempt++ {
		now := s.clock.Now().UTC()
		f, err := ScheduledFields(rule, enabled, now)
		if err != nil {
			return Record{}, err
		}

		cur, err := s.store.GetByMemo(ctx, memoID)
		switch {
		case errors.Is(err, ErrNotFound):
			rec := Record{ID: uuid.NewString(), MemoID: memoID, CreatedAt: now, UpdatedAt: now}.Apply(f)
			created, err := s.store.Create(ctx, rec)
			if errors.Is(err, ErrClaimConflict) {
				// another writer created it first; replace theirs
				lastErr = err
				continue
			}
			if err != nil {
				return Record{}, err
			}
			s.log.Info("alarm.created", logx.String("alarm", created.ID), logx.String("memo", memoID), logx.String("kind", string(rule.Kind)))
			return created, nil
		case err != nil:
			return Record{}, err
		}

		f.LastFiredAt = cur.LastFiredAt
		updated, err := s.store.ConditionalUpdate(ctx, cur.ID, cur.Version, f)
		if errors.Is(err, ErrClaimConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Record{}, err
		}
		s.log.Info("alarm.replaced", logx.String("alarm", updated.ID), logx.String("memo", memoID), logx.String("kind", string(rule.Kind)))
		return updated, nil
	}
	return Record{}, lastErr
}

// ToggleAlarm disables an alarm from any state, or re-enables it with a
// schedule recomputed from now.
func (s *Service) ToggleAlarm(ctx context.Context, id string, enabled bool) (Record, error) {
	var lastErr error
	for attempt := 0; attempt < editAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		if cur.Enabled == enabled {
			return cur, nil
		}

		var f Fields
		if enabled {
			f, err = EnabledFields(cur, s.clock.Now().UTC())
			if err != nil {
				return Record{}, err
			}
		} else {
			f = DisabledFields(cur)
		}

		updated, err := s.store.ConditionalUpdate(ctx, id, cur.Version, f)
		if errors.Is(err, ErrClaimConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Record{}, err
		}
		s.log.Info("alarm.toggled", logx.String("alarm", id), logx.Bool("enabled", enabled))
		return updated, nil
	}
	return Record{}, lastErr
}

func (s *Service) DeleteAlarm(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("alarm.deleted", logx.String("alarm", id))
	return nil
}

func (s *Service) GetAlarm(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

// History lists delivery outcomes for an alarm, newest first.
func (s *Service) History(ctx context.Context, alarmID string, skip, limit int) ([]HistoryEntry, error) {
	if _, err := s.store.Get(ctx, alarmID); err != nil {
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.history.ListHistory(ctx, alarmID, skip, limit)
}

// PruneHistory drops history older than retention.
func (s *Service) PruneHistory(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-retention).UTC()
	n, err := s.history.PruneHistory(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	if n > 0 {
		s.log.Info("history.pruned", logx.Int("removed", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

func (s *Service) CreateMemo(ctx context.Context, m Memo) (Memo, error) {
	m.Title = strings.TrimSpace(m.Title)
	if m.Title == "" {
		return Memo{}, fmt.Errorf("%w: memo title is required", ErrInvalidRule)
	}
	m.Recipient.Email = strings.TrimSpace(m.Recipient.Email)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now().UTC().Truncate(time.Second)
	}
	return s.memos.CreateMemo(ctx, m)
}

func (s *Service) GetMemo(ctx context.Context, id string) (Memo, error) {
	return s.memos.GetMemo(ctx, id)
}

// ListMemos pages through memos oldest first. limit <= 0 takes a page of 100.
func (s *Service) ListMemos(ctx context.Context, skip, limit int) ([]Memo, error) {
	if limit <= 0 {
		limit = defaultMemoPage
	}
	return s.memos.ListMemos(ctx, max(skip, 0), limit)
}

// UpdateMemo applies p to memo id. The alarm schedule is untouched; the next
// notification renders the new text and goes to the new recipient.
func (s *Service) UpdateMemo(ctx context.Context, id string, p MemoPatch) (Memo, error) {
	m, err := s.memos.GetMemo(ctx, id)
	if err != nil {
		return Memo{}, err
	}
	if p.Title != nil {
		m.Title = strings.TrimSpace(*p.Title)
		if m.Title == "" {
			return Memo{}, fmt.Errorf("%w: memo title is required", ErrInvalidRule)
		}
	}
	if p.Description != nil {
		m.Description = *p.Description
	}
	if p.TelegramChatID != nil {
		m.Recipient.TelegramChatID = *p.TelegramChatID
	}
	if p.Email != nil {
		m.Recipient.Email = strings.TrimSpace(*p.Email)
	}
	updated, err := s.memos.UpdateMemo(ctx, m)
	if err != nil {
		return Memo{}, err
	}
	s.log.Info("memo.updated", logx.String("memo", id))
	return updated, nil
}

// DeleteMemo removes a memo together with its alarm.
func (s *Service) DeleteMemo(ctx context.Context, id string) error {
	if err := s.memos.DeleteMemo(ctx, id); err != nil {
		return err
	}
	s.log.Info("memo.deleted", logx.String("memo", id))
	return nil
}
