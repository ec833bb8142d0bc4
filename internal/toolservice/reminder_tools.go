package toolservice

import (
	"context"
	"fmt"
	"time"

	"github.com/familyassist/orchestrator/internal/errs"
	"github.com/familyassist/orchestrator/internal/store"
)

func (s *Service) dispatchScheduleReminder(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	ids := userIDs(args)
	if len(ids) != 1 {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("schedule_reminder requires exactly one user_id"), nil)
	}
	remindAtStr, _ := args["remind_at"].(string)
	remindAt, ok := coerceTimeArg(remindAtStr)
	if !ok {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("remind_at is not a valid timestamp"), nil)
	}
	payload, _ := args["payload"].(string)
	channel, _ := args["channel"].(string)
	memoryID, _ := args["memory_id"].(string)

	r, err := s.store.ScheduleReminder(ctx, store.Reminder{
		UserID:   ids[0],
		Message:  payload,
		RemindAt: remindAt,
		Channel:  channel,
		MemoryID: memoryID,
	})
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "schedule_reminder"})
	}
	return map[string]interface{}{"id": r.ID, "remind_at": r.RemindAt}, nil
}

func (s *Service) dispatchGetPendingReminders(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	asOf := time.Now()
	if v, ok := args["before"].(string); ok {
		if t, ok := coerceTimeArg(v); ok {
			asOf = t
		}
	}
	limit := 0
	if v, ok := coerceFloatArg(args["limit"]); ok {
		limit = int(v)
	}
	reminders, err := s.store.GetPendingReminders(ctx, asOf, limit)
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "get_pending_reminders"})
	}
	if wantUser, ok := args["user_id"].(string); ok && wantUser != "" {
		filtered := make([]store.Reminder, 0, len(reminders))
		for _, r := range reminders {
			if r.UserID == wantUser {
				filtered = append(filtered, r)
			}
		}
		reminders = filtered
	}

	out := make([]map[string]interface{}, 0, len(reminders))
	for _, r := range reminders {
		out = append(out, map[string]interface{}{
			"id": r.ID, "user_id": r.UserID, "message": r.Message,
			"remind_at": r.RemindAt, "channel": r.Channel, "memory_id": r.MemoryID,
		})
	}
	return map[string]interface{}{"reminders": out}, nil
}

func (s *Service) dispatchMarkReminderSent(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("mark_reminder_sent requires id"), nil)
	}
	changed, err := s.store.MarkReminderSent(ctx, id)
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "mark_reminder_sent"})
	}
	return map[string]interface{}{"ok": true, "changed": changed}, nil
}
