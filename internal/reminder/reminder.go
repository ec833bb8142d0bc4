// Package reminder implements the Reminder Dispatcher (§4.10): a single
// background task that polls get_pending_reminders at a fixed cadence,
// hands each due reminder to an outbound channel adapter, and fences
// delivery with mark_reminder_sent so at-least-once dispatch never
// double-sends across dispatcher restarts. When run with more than one
// replica, a Redis SETNX lock per tick keeps only one replica polling.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/store"
	"github.com/familyassist/orchestrator/internal/telemetry"
)

// Notifier is the outbound channel adapter (§4.10 "external collaborator")
// that actually delivers a reminder to the user on their channel. Production
// wiring passes an HTTPNotifier; tests pass a fake.
type Notifier interface {
	Notify(ctx context.Context, r store.Reminder) error
}

// HTTPNotifier posts each due reminder as JSON to a single configured
// outbound webhook, the simplest adapter that can stand in for any
// channel-specific sender without this package knowing about channels.
type HTTPNotifier struct {
	url    string
	client *httpDoer
}

// httpDoer narrows *http.Client to the one method this package calls, so
// tests can swap in a fake without pulling in httptest.
type httpDoer struct {
	do func(ctx context.Context, url string, body []byte) error
}

// NewHTTPNotifier builds a Notifier that posts to url with timeout applied
// per call.
func NewHTTPNotifier(url string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{url: url, client: newJSONPoster(timeout)}
}

func (n *HTTPNotifier) Notify(ctx context.Context, r store.Reminder) error {
	if n.url == "" {
		return fmt.Errorf("reminder: no outbound webhook configured")
	}
	body := fmt.Appendf(nil, `{"reminder_id":%q,"user_id":%q,"channel":%q,"message":%q,"remind_at":%q}`,
		r.ID, r.UserID, r.Channel, r.Message, r.RemindAt.UTC().Format(time.RFC3339))
	return n.client.do(ctx, n.url, body)
}

// reminderStore narrows *store.Store to what the dispatcher needs, so tests
// can fake it without sqlmock.
type reminderStore interface {
	GetPendingReminders(ctx context.Context, asOf time.Time, limit int) ([]store.Reminder, error)
	MarkReminderSent(ctx context.Context, id string) (bool, error)
}

// Dispatcher runs the fixed-cadence poll loop.
type Dispatcher struct {
	store    reminderStore
	notifier Notifier
	rdb      *redis.Client
	tel      *telemetry.Telemetry
	cfg      config.ReminderConfig

	stop chan struct{}
	done chan struct{}
}

// New constructs a Dispatcher. rdb may be nil, in which case no distributed
// lock is taken and the dispatcher assumes it is the only replica.
func New(st reminderStore, notifier Notifier, rdb *redis.Client, tel *telemetry.Telemetry, cfg config.ReminderConfig) *Dispatcher {
	cfg = cfg.Normalize()
	return &Dispatcher{
		store:    st,
		notifier: notifier,
		rdb:      rdb,
		tel:      tel,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called. It blocks; call it from its
// own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for the in-flight tick to finish.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

const lockKey = "reminder:dispatch:lock"

// tick runs one poll-and-dispatch pass. Errors from an individual reminder's
// delivery or fence never abort the batch; the next poll re-discovers any
// row left with sent_at still null (§4.10, §7 "at-least-once delivery
// compensated by idempotence").
func (d *Dispatcher) tick(ctx context.Context) {
	if d.rdb != nil {
		ok, err := d.rdb.SetNX(ctx, lockKey, "1", d.cfg.LockTTL).Result()
		if err != nil || !ok {
			return
		}
		defer d.rdb.Del(ctx, lockKey)
	}

	due, err := d.store.GetPendingReminders(ctx, time.Now(), d.cfg.BatchSize)
	if err != nil {
		if d.tel != nil {
			d.tel.Logger().Printf("reminder.poll.error cause=%v", err)
		}
		return
	}

	for _, r := range due {
		d.dispatchOne(ctx, r)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, r store.Reminder) {
	fields := telemetry.Fields{Principal: r.UserID, Channel: r.Channel, Component: "reminder"}

	if err := d.notifier.Notify(ctx, r); err != nil {
		if d.tel != nil {
			d.tel.ReminderDispatched(fields, r.ID, false)
		}
		return
	}

	sent, err := d.store.MarkReminderSent(ctx, r.ID)
	if err != nil || !sent {
		// Delivered but the fence write failed or lost the race: the next
		// poll will re-discover this row and re-deliver, which mark_sent's
		// idempotence makes safe (§7).
		if d.tel != nil {
			d.tel.ReminderDispatched(fields, r.ID, false)
		}
		return
	}
	if d.tel != nil {
		d.tel.ReminderDispatched(fields, r.ID, true)
	}
}
