package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"memoalarm/internal/alarm"
	logx "memoalarm/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const memoColumns = `id, title, description, telegram_chat_id, email, created_at`

const alarmColumns = `id, memo_id, rule, enabled, next_fire_at, last_fired_at, anchor_at,
	claim_owner, claim_occurrence, claim_until, last_error, version, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, rec alarm.Record) (alarm.Record, error) {
	rule, err := json.Marshal(rec.Rule)
	if err != nil {
		return alarm.Record{}, err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alarm.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memos WHERE id = ?`, rec.MemoID).Scan(&n); err != nil {
		return alarm.Record{}, err
	}
	if n == 0 {
		return alarm.Record{}, fmt.Errorf("memo %s: %w", rec.MemoID, alarm.ErrNotFound)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alarms WHERE memo_id = ? OR id = ?`, rec.MemoID, rec.ID).Scan(&n); err != nil {
		return alarm.Record{}, err
	}
	if n > 0 {
		return alarm.Record{}, fmt.Errorf("memo %s already has an alarm: %w", rec.MemoID, alarm.ErrClaimConflict)
	}

	var owner, claimOcc, claimUntil any
	if rec.Claim != nil {
		owner = rec.Claim.Owner
		claimOcc = rec.Claim.Occurrence.UnixMilli()
		claimUntil = rec.Claim.Until.UnixMilli()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO alarms(`+alarmColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.MemoID, string(rule), boolInt(rec.Enabled),
		nullMillis(rec.NextFireAt), nullMillis(rec.LastFiredAt), nullMillis(rec.AnchorAt),
		owner, claimOcc, claimUntil, nullStr(rec.LastError), rec.Version,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return alarm.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return alarm.Record{}, err
	}
	return s.Get(ctx, rec.ID)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (alarm.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Record{}, fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	return rec, err
}

func (s *sqliteStore) GetByMemo(ctx context.Context, memoID string) (alarm.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE memo_id = ?`, memoID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Record{}, fmt.Errorf("alarm for memo %s: %w", memoID, alarm.ErrNotFound)
	}
	return rec, err
}

func (s *sqliteStore) ListEnabledBefore(ctx context.Context, at time.Time, limit int) ([]alarm.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	ms := at.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms
		 WHERE enabled = 1
		   AND ((next_fire_at IS NOT NULL AND next_fire_at <= ?)
		     OR (next_fire_at IS NULL AND claim_until IS NOT NULL AND claim_until <= ?))
		 ORDER BY COALESCE(next_fire_at, claim_occurrence), id
		 LIMIT ?`,
		ms, ms, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, f alarm.Fields) (alarm.Record, error) {
	rule, err := json.Marshal(f.Rule)
	if err != nil {
		return alarm.Record{}, err
	}
	var owner, claimOcc, claimUntil any
	if f.Claim != nil {
		owner = f.Claim.Owner
		claimOcc = f.Claim.Occurrence.UnixMilli()
		claimUntil = f.Claim.Until.UnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms SET rule = ?, enabled = ?, next_fire_at = ?, last_fired_at = ?, anchor_at = ?,
		   claim_owner = ?, claim_occurrence = ?, claim_until = ?, last_error = ?,
		   version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(rule), boolInt(f.Enabled), nullMillis(f.NextFireAt), nullMillis(f.LastFiredAt), nullMillis(f.AnchorAt),
		owner, claimOcc, claimUntil, nullStr(f.LastError),
		time.Now().UTC().UnixMilli(), id, expectedVersion,
	)
	if err != nil {
		return alarm.Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return alarm.Record{}, err
	}
	if n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return alarm.Record{}, err
		}
		return alarm.Record{}, fmt.Errorf("alarm %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, alarm.ErrClaimConflict)
	}
	return s.Get(ctx, id)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CreateMemo(ctx context.Context, m alarm.Memo) (alarm.Memo, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var chat any
	if m.Recipient.TelegramChatID != 0 {
		chat = m.Recipient.TelegramChatID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memos(id, title, description, telegram_chat_id, email, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Title, m.Description, chat, nullStr(m.Recipient.Email), m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return alarm.Memo{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alarm.Memo{}, fmt.Errorf("memo %s exists: %w", m.ID, alarm.ErrClaimConflict)
	}
	return s.GetMemo(ctx, m.ID)
}

func (s *sqliteStore) GetMemo(ctx context.Context, id string) (alarm.Memo, error) {
	m, err := scanMemo(s.db.QueryRowContext(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Memo{}, fmt.Errorf("memo %s: %w", id, alarm.ErrNotFound)
	}
	return m, err
}

func (s *sqliteStore) ListMemos(ctx context.Context, skip, limit int) ([]alarm.Memo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoColumns+` FROM memos ORDER BY created_at, id LIMIT ? OFFSET ?`,
		limit, max(skip, 0),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.Memo
	for rows.Next() {
		m, err := scanMemo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateMemo(ctx context.Context, m alarm.Memo) (alarm.Memo, error) {
	var chat any
	if m.Recipient.TelegramChatID != 0 {
		chat = m.Recipient.TelegramChatID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memos SET title = ?, description = ?, telegram_chat_id = ?, email = ? WHERE id = ?`,
		m.Title, m.Description, chat, nullStr(m.Recipient.Email), m.ID,
	)
	if err != nil {
		return alarm.Memo{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alarm.Memo{}, fmt.Errorf("memo %s: %w", m.ID, alarm.ErrNotFound)
	}
	return s.GetMemo(ctx, m.ID)
}

func scanMemo(row rowScanner) (alarm.Memo, error) {
	var (
		m       alarm.Memo
		chat    sql.NullInt64
		email   sql.NullString
		created int64
	)
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &chat, &email, &created); err != nil {
		return alarm.Memo{}, err
	}
	m.Recipient = alarm.Recipient{TelegramChatID: chat.Int64, Email: email.String}
	m.CreatedAt = time.UnixMilli(created).UTC()
	return m, nil
}

func (s *sqliteStore) DeleteMemo(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memos WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memo %s: %w", id, alarm.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) AppendHistory(ctx context.Context, e alarm.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_history(id, alarm_id, memo_id, occurrence, triggered_at, channel, status, error, retry_count)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, e.AlarmID, e.MemoID, e.Occurrence.UnixMilli(), e.TriggeredAt.UnixMilli(),
		string(e.Channel), string(e.Status), nullStr(e.Error), e.RetryCount,
	)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("alarm %s: %w", e.AlarmID, alarm.ErrNotFound)
	}
	return err
}

func (s *sqliteStore) ListHistory(ctx context.Context, alarmID string, skip, limit int) ([]alarm.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alarm_id, memo_id, occurrence, triggered_at, channel, status, error, retry_count
		 FROM alarm_history WHERE alarm_id = ?
		 ORDER BY triggered_at DESC, rowid DESC
		 LIMIT ? OFFSET ?`,
		alarmID, limit, max(skip, 0),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.HistoryEntry
	for rows.Next() {
		var (
			e             alarm.HistoryEntry
			occ, trig     int64
			channel, stat string
			errText       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AlarmID, &e.MemoID, &occ, &trig, &channel, &stat, &errText, &e.RetryCount); err != nil {
			return nil, err
		}
		e.Occurrence = time.UnixMilli(occ).UTC()
		e.TriggeredAt = time.UnixMilli(trig).UTC()
		e.Channel = alarm.Channel(channel)
		e.Status = alarm.DeliveryStatus(stat)
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneHistory(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarm_history WHERE triggered_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (alarm.Record, error) {
	var (
		rec                  alarm.Record
		rule                 string
		enabled              int
		next, last, anchor   sql.NullInt64
		owner, lastErr       sql.NullString
		claimOcc, claimUntil sql.NullInt64
		created, updated     int64
	)
	err := row.Scan(&rec.ID, &rec.MemoID, &rule, &enabled, &next, &last, &anchor,
		&owner, &claimOcc, &claimUntil, &lastErr, &rec.Version, &created, &updated)
	if err != nil {
		return alarm.Record{}, err
	}
	if err := json.Unmarshal([]byte(rule), &rec.Rule); err != nil {
		return alarm.Record{}, fmt.Errorf("alarm %s: decode rule: %w", rec.ID, err)
	}
	rec.Enabled = enabled != 0
	rec.NextFireAt = millisPtr(next)
	rec.LastFiredAt = millisPtr(last)
	rec.AnchorAt = millisPtr(anchor)
	if owner.Valid && claimOcc.Valid && claimUntil.Valid {
		rec.Claim = &alarm.Claim{
			Owner:      owner.String,
			Occurrence: time.UnixMilli(claimOcc.Int64).UTC(),
			Until:      time.UnixMilli(claimUntil.Int64).UTC(),
		}
	}
	rec.LastError = lastErr.String
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
