package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Reminder is a scheduled, at-least-once dispatch obligation (§3 "Reminder").
type Reminder struct {
	ID         string
	UserID     string
	Message    string
	RemindAt   time.Time
	Channel    string
	MemoryID   string
	SentAt     *time.Time
	CreatedAt  time.Time
}

// ScheduleReminder inserts a reminder (tool `schedule_reminder`, §4.4, §4.10).
func (s *Store) ScheduleReminder(ctx context.Context, r Reminder) (_ Reminder, err error) {
	defer func() { recordCall(ctx, "schedule_reminder", err) }()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO reminders (id, user_id, message, remind_at, channel, memory_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
RETURNING created_at
`, r.ID, r.UserID, r.Message, r.RemindAt, nullableString(r.Channel), nullableString(r.MemoryID))
	if err := row.Scan(&r.CreatedAt); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// GetPendingReminders returns reminders due at or before `asOf` that have not
// yet been sent (tool `get_pending_reminders`, used by the dispatcher per
// §4.10). Results are ordered by remind_at so the dispatcher drains oldest
// first.
func (s *Store) GetPendingReminders(ctx context.Context, asOf time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, message, remind_at, channel, memory_id, sent_at, created_at
FROM reminders
WHERE sent_at IS NULL AND remind_at <= $1
ORDER BY remind_at ASC
LIMIT $2
`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var channel sql.NullString
		var memoryID sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Message, &r.RemindAt, &channel, &memoryID, &sentAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Channel = channel.String
		r.MemoryID = memoryID.String
		if sentAt.Valid {
			t := sentAt.Time
			r.SentAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderSent fences dispatch idempotently: the UPDATE only takes effect
// the first time, so a dispatcher that crashes after sending but before
// marking will re-send at most once per restart, never double-mark (§4.10,
// §8 invariant "at-least-once, fenced by sent_at").
func (s *Store) MarkReminderSent(ctx context.Context, id string) (_ bool, err error) {
	defer func() { recordCall(ctx, "mark_reminder_sent", err) }()
	res, err := s.DB.ExecContext(ctx, `UPDATE reminders SET sent_at = NOW() WHERE id = $1 AND sent_at IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
