package alarm_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"memoalarm/internal/alarm"
	"memoalarm/internal/storage"
	logx "memoalarm/pkg/logx"
)

func newService(t *testing.T, now string) (*alarm.Service, *storage.Memory, *clock.Mock) {
	t.Helper()
	st := storage.NewMemory()
	clk := clock.NewMock()
	ts, err := time.Parse(time.RFC3339, now)
	require.NoError(t, err)
	clk.Set(ts)
	return alarm.NewService(st, st, st, clk, logx.Nop()), st, clk
}

func TestUpsertCreatesAndReplaces(t *testing.T) {
	t.Parallel()

	svc, _, clk := newService(t, "2024-12-31T15:30:00Z")
	ctx := context.Background()
	memo, err := svc.CreateMemo(ctx, alarm.Memo{Title: "standup", Recipient: alarm.Recipient{TelegramChatID: 7}})
	require.NoError(t, err)

	weekly := alarm.Repeating(alarm.IntervalWeekly, alarm.TimeOfDay{Hour: 9}, "Asia/Seoul", alarm.ChannelTelegram)
	rec, err := svc.UpsertAlarm(ctx, memo.ID, weekly, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
	require.NotNil(t, rec.NextFireAt)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *rec.NextFireAt)
	require.Equal(t, rec.NextFireAt, rec.AnchorAt)

	clk.Add(time.Hour)
	once := alarm.OnceAt(time.Date(2025, 1, 5, 3, 0, 0, 0, time.UTC), "", alarm.ChannelEmail)
	replaced, err := svc.UpsertAlarm(ctx, memo.ID, once, true)
	require.NoError(t, err)
	require.Equal(t, rec.ID, replaced.ID)
	require.Equal(t, int64(2), replaced.Version)
	require.Equal(t, time.Date(2025, 1, 5, 3, 0, 0, 0, time.UTC), *replaced.NextFireAt)

	none, err := svc.UpsertAlarm(ctx, memo.ID, alarm.NoAlarm(), true)
	require.NoError(t, err)
	require.Nil(t, none.NextFireAt)
}

func TestUpsertRejects(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, "2025-01-01T00:00:00Z")
	ctx := context.Background()
	memo, err := svc.CreateMemo(ctx, alarm.Memo{Title: "x"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		memoID string
		rule   alarm.Rule
		want   error
	}{
		{"invalid rule", memo.ID, alarm.Rule{Kind: alarm.KindRepeat, Channel: alarm.ChannelTelegram}, alarm.ErrInvalidRule},
		{"missing memo", "nope", alarm.NoAlarm(), alarm.ErrNotFound},
		{"empty memo id", "", alarm.NoAlarm(), alarm.ErrInvalidRule},
	}
	for _, tt := range tests {
		_, err := svc.UpsertAlarm(ctx, tt.memoID, tt.rule, true)
		require.ErrorIs(t, err, tt.want, tt.name)
	}

	_, err = svc.CreateMemo(ctx, alarm.Memo{Title: "  "})
	require.ErrorIs(t, err, alarm.ErrInvalidRule)
}

func TestPastOnceIsAcceptedWithoutSchedule(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, "2025-06-01T00:00:00Z")
	ctx := context.Background()
	memo, err := svc.CreateMemo(ctx, alarm.Memo{Title: "late"})
	require.NoError(t, err)

	rec, err := svc.UpsertAlarm(ctx, memo.ID, alarm.OnceAt(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), "", alarm.ChannelTelegram), true)
	require.NoError(t, err)
	require.True(t, rec.Enabled)
	require.Nil(t, rec.NextFireAt)
}

func TestToggle(t *testing.T) {
	t.Parallel()

	svc, st, clk := newService(t, "2025-01-01T00:00:00Z")
	ctx := context.Background()
	memo, err := svc.CreateMemo(ctx, alarm.Memo{Title: "pills"})
	require.NoError(t, err)
	rec, err := svc.UpsertAlarm(ctx, memo.ID, alarm.Repeating(alarm.IntervalDaily, alarm.TimeOfDay{Hour: 8}, "UTC", alarm.ChannelTelegram), true)
	require.NoError(t, err)

	// A claimed record is disabled directly.
	f, _ := alarm.ClaimFields(rec, "node", clk.Now(), time.Minute)
	_, err = st.ConditionalUpdate(ctx, rec.ID, rec.Version, f)
	require.NoError(t, err)

	off, err := svc.ToggleAlarm(ctx, rec.ID, false)
	require.NoError(t, err)
	require.False(t, off.Enabled)
	require.Nil(t, off.NextFireAt)
	require.Nil(t, off.Claim)

	same, err := svc.ToggleAlarm(ctx, rec.ID, false)
	require.NoError(t, err)
	require.Equal(t, off.Version, same.Version)

	clk.Add(3*24*time.Hour + 9*time.Hour)
	on, err := svc.ToggleAlarm(ctx, rec.ID, true)
	require.NoError(t, err)
	require.True(t, on.Enabled)
	require.Equal(t, time.Date(2025, 1, 5, 8, 0, 0, 0, time.UTC), *on.NextFireAt)

	_, err = svc.ToggleAlarm(ctx, "missing", true)
	require.ErrorIs(t, err, alarm.ErrNotFound)
}

func TestDeleteAndHistory(t *testing.T) {
	t.Parallel()

	svc, st, _ := newService(t, "2025-01-01T00:00:00Z")
	ctx := context.Background()
	memo, err := svc.CreateMemo(ctx, alarm.Memo{Title: "rent"})
	require.NoError(t, err)
	rec, err := svc.UpsertAlarm(ctx, memo.ID, alarm.Repeating(alarm.IntervalMonthly, alarm.TimeOfDay{Hour: 10}, "UTC", alarm.ChannelEmail), true)
	require.NoError(t, err)

	for i := range 3 {
		require.NoError(t, st.AppendHistory(ctx, alarm.HistoryEntry{
			ID: memo.ID + string(rune('a'+i)), AlarmID: rec.ID, MemoID: memo.ID,
			TriggeredAt: time.Date(2025, time.Month(i+1), 1, 10, 0, 0, 0, time.UTC), Status: alarm.StatusSent,
		}))
	}
	h, err := svc.History(ctx, rec.ID, -5, 0)
	require.NoError(t, err)
	require.Len(t, h, 3)
	require.Equal(t, time.March, h[0].TriggeredAt.Month())

	require.NoError(t, svc.DeleteAlarm(ctx, rec.ID))
	_, err = svc.GetAlarm(ctx, rec.ID)
	require.ErrorIs(t, err, alarm.ErrNotFound)
	_, err = svc.History(ctx, rec.ID, 0, 10)
	require.ErrorIs(t, err, alarm.ErrNotFound)

	// memo survives its alarm; deleting the memo is separate
	_, err = svc.GetMemo(ctx, memo.ID)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteMemo(ctx, memo.ID))
}

func TestListAndUpdateMemo(t *testing.T) {
	t.Parallel()

	svc, _, clk := newService(t, "2025-01-01T00:00:00Z")
	ctx := context.Background()
	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		m, err := svc.CreateMemo(ctx, alarm.Memo{Title: title})
		require.NoError(t, err)
		ids = append(ids, m.ID)
		clk.Add(time.Minute)
	}

	page, err := svc.ListMemos(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 2, "limit 0 takes the default page")
	require.Equal(t, ids[1], page[0].ID)

	title, desc, email := "  second, renamed ", "bring keys", " b@example.com "
	m, err := svc.UpdateMemo(ctx, ids[1], alarm.MemoPatch{Title: &title, Description: &desc, Email: &email})
	require.NoError(t, err)
	require.Equal(t, "second, renamed", m.Title)
	require.Equal(t, "bring keys", m.Description)
	require.Equal(t, "b@example.com", m.Recipient.Email)

	chat := int64(99)
	m, err = svc.UpdateMemo(ctx, ids[1], alarm.MemoPatch{TelegramChatID: &chat})
	require.NoError(t, err)
	require.Equal(t, "second, renamed", m.Title, "unset fields are kept")
	require.Equal(t, int64(99), m.Recipient.TelegramChatID)

	blank := " "
	_, err = svc.UpdateMemo(ctx, ids[1], alarm.MemoPatch{Title: &blank})
	require.ErrorIs(t, err, alarm.ErrInvalidRule)
	_, err = svc.UpdateMemo(ctx, "missing", alarm.MemoPatch{Title: &title})
	require.ErrorIs(t, err, alarm.ErrNotFound)
}

func TestPruneHistory(t *testing.T) {
	t.Parallel()

	svc, st, _ := newService(t, "2025-02-01T00:00:00Z")
	ctx := context.Background()
	memo, err := svc.CreateMemo(ctx, alarm.Memo{Title: "gym"})
	require.NoError(t, err)
	rec, err := svc.UpsertAlarm(ctx, memo.ID, alarm.Repeating(alarm.IntervalDaily, alarm.TimeOfDay{Hour: 6}, "UTC", alarm.ChannelTelegram), true)
	require.NoError(t, err)
	for i, day := range []int{1, 20, 31} {
		require.NoError(t, st.AppendHistory(ctx, alarm.HistoryEntry{
			ID: string(rune('a' + i)), AlarmID: rec.ID, MemoID: memo.ID,
			TriggeredAt: time.Date(2025, 1, day, 6, 0, 0, 0, time.UTC), Status: alarm.StatusSent,
		}))
	}

	n, err := svc.PruneHistory(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n, "zero retention keeps everything")

	n, err = svc.PruneHistory(ctx, 14*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h, err := svc.History(ctx, rec.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, h, 2)
}
