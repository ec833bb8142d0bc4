package reminder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []store.Reminder
	sent     map[string]bool
	getCalls int
}

func (f *fakeStore) GetPendingReminders(ctx context.Context, asOf time.Time, limit int) ([]store.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	var out []store.Reminder
	for _, r := range f.pending {
		if !f.sent[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent[id] {
		return false, nil
	}
	f.sent[id] = true
	return true, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []string
	fail      map[string]bool
}

func (f *fakeNotifier) Notify(ctx context.Context, r store.Reminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[r.ID] {
		return errFailed
	}
	f.delivered = append(f.delivered, r.ID)
	return nil
}

var errFailed = &fakeError{"delivery failed"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func TestTickDispatchesDueRemindersAndFencesDelivery(t *testing.T) {
	st := &fakeStore{
		pending: []store.Reminder{
			{ID: "r1", UserID: "user-1", Channel: "messenger", Message: "take out the trash", RemindAt: time.Now().Add(-time.Minute)},
		},
		sent: map[string]bool{},
	}
	notifier := &fakeNotifier{fail: map[string]bool{}}
	d := New(st, notifier, nil, nil, config.ReminderConfig{})

	d.tick(context.Background())

	if len(notifier.delivered) != 1 || notifier.delivered[0] != "r1" {
		t.Fatalf("expected r1 delivered once, got %+v", notifier.delivered)
	}
	if !st.sent["r1"] {
		t.Fatal("expected r1 marked sent")
	}

	// A second tick must not re-deliver: GetPendingReminders no longer
	// returns it once sent.
	d.tick(context.Background())
	if len(notifier.delivered) != 1 {
		t.Fatalf("expected no re-delivery after mark_sent, got %+v", notifier.delivered)
	}
}

func TestTickLeavesReminderUnsentWhenNotifyFails(t *testing.T) {
	st := &fakeStore{
		pending: []store.Reminder{
			{ID: "r1", UserID: "user-1", Channel: "messenger", Message: "pay rent", RemindAt: time.Now().Add(-time.Minute)},
		},
		sent: map[string]bool{},
	}
	notifier := &fakeNotifier{fail: map[string]bool{"r1": true}}
	d := New(st, notifier, nil, nil, config.ReminderConfig{})

	d.tick(context.Background())

	if st.sent["r1"] {
		t.Fatal("expected r1 to remain unsent after a failed delivery")
	}

	// The next poll must re-discover it.
	notifier.fail["r1"] = false
	d.tick(context.Background())
	if !st.sent["r1"] {
		t.Fatal("expected r1 marked sent after the retrying poll succeeds")
	}
}

func TestHTTPNotifierPostsReminderPayload(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second)
	rem := store.Reminder{ID: "r1", UserID: "user-1", Channel: "messenger", Message: "take out the trash", RemindAt: time.Now()}
	if err := n.Notify(context.Background(), rem); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotBody == "" {
		t.Fatal("expected a non-empty request body")
	}
}

func TestHTTPNotifierErrorsWithoutURL(t *testing.T) {
	n := NewHTTPNotifier("", time.Second)
	err := n.Notify(context.Background(), store.Reminder{ID: "r1"})
	if err == nil {
		t.Fatal("expected an error when no outbound webhook is configured")
	}
}
