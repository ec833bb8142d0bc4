package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// sliceValueConverter lets sqlmock round-trip []string args (e.g. the
// user_id = ANY($1) case) without requiring a real driver's array encoding.
type sliceValueConverter struct{}

func (sliceValueConverter) ConvertValue(v interface{}) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func TestStoreMemory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	m := Memory{
		ID:      "mem-1",
		UserID:  "user-1",
		Content: "Spent $42 on groceries",
		AIUnderstanding: map[string]interface{}{
			"type":   "expense",
			"amount": 42.0,
		},
		Embedding: []float32{0.1, 0.2},
	}

	now := time.Now()
	query := regexp.QuoteMeta(`
INSERT INTO memories (id, user_id, content, ai_understanding, embedding, amount, occurred_at, type, thread_id, category, person, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,$7,$8,$9,$10,$11,NOW(),NOW())
RETURNING created_at, updated_at
`)
	rows := sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now)
	mock.ExpectQuery(query).
		WithArgs("mem-1", "user-1", "Spent $42 on groceries", sqlmock.AnyArg(), "[0.1,0.2]", 42.0, nil, "expense", nil, nil, nil).
		WillReturnRows(rows)

	out, err := st.StoreMemory(context.Background(), m)
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	if out.Type != "expense" || out.Amount == nil || *out.Amount != 42.0 {
		t.Fatalf("expected physicalized amount/type, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSoftUpsertInsertsWhenNoExistingMemoryMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, ai_understanding FROM memories`).
		WithArgs("user-1", "bill-42", "expense").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`(?s)INSERT INTO memories`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	m, updated, err := st.SoftUpsert(context.Background(), Memory{
		UserID:  "user-1",
		Content: "electric bill",
		AIUnderstanding: map[string]interface{}{
			"external_id": "bill-42", "type": "expense", "amount": 80.0,
		},
	})
	if err != nil {
		t.Fatalf("SoftUpsert: %v", err)
	}
	if updated {
		t.Fatal("expected an insert, not an update")
	}
	if m.Type != "expense" || m.Amount == nil || *m.Amount != 80.0 {
		t.Fatalf("expected physicalized memory, got %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSoftUpsertUpdatesExistingMemoryUnderOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, ai_understanding FROM memories`).
		WithArgs("user-1", "bill-42", "expense").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ai_understanding"}).
			AddRow("mem-existing", []byte(`{"external_id":"bill-42","type":"expense","amount":70}`)))
	mock.ExpectExec(`(?s)UPDATE memories SET`).
		WithArgs(sqlmock.AnyArg(), 80.0, nil, "expense", nil, nil, nil, "mem-existing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m, updated, err := st.SoftUpsert(context.Background(), Memory{
		UserID:  "user-1",
		Content: "electric bill",
		AIUnderstanding: map[string]interface{}{
			"external_id": "bill-42", "type": "expense", "amount": 80.0,
		},
	})
	if err != nil {
		t.Fatalf("SoftUpsert: %v", err)
	}
	if !updated {
		t.Fatal("expected an update, not an insert")
	}
	if m.ID != "mem-existing" || m.Amount == nil || *m.Amount != 80.0 {
		t.Fatalf("expected merged existing memory, got %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchMemoriesByEmbedding(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, user_id, content, ai_understanding, amount, occurred_at, type, thread_id, category, person, embedding, created_at, updated_at
FROM memories
WHERE user_id = $1 AND (ai_understanding->>'deleted' IS DISTINCT FROM 'true')
ORDER BY embedding <=> $2::vector ASC
LIMIT $3
`)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "content", "ai_understanding", "amount", "occurred_at",
		"type", "thread_id", "category", "person", "embedding", "created_at", "updated_at",
	}).AddRow("mem-1", "user-1", "Spent $42 on groceries", []byte(`{"type":"expense"}`), 42.0, now, "expense", nil, nil, nil, "[0.1,0.2]", now, now)

	mock.ExpectQuery(query).
		WithArgs("user-1", "[0.1,0.2]", 20).
		WillReturnRows(rows)

	res, n, err := st.SearchMemories(context.Background(), []string{"user-1"}, SearchQuery{QueryEmbedding: []float32{0.1, 0.2}})
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if n != 1 || res[0].ID != "mem-1" || len(res[0].Embedding) != 2 {
		t.Fatalf("unexpected result: %+v (n=%d)", res, n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchMemoriesSharedThreadCapsLimit(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(sliceValueConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, user_id, content, ai_understanding, amount, occurred_at, type, thread_id, category, person, embedding, created_at, updated_at
FROM memories
WHERE user_id = ANY($1) AND thread_id = $2 AND (ai_understanding->>'deleted' IS DISTINCT FROM 'true')
ORDER BY occurred_at DESC NULLS LAST, created_at DESC
LIMIT $3
`)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "content", "ai_understanding", "amount", "occurred_at",
		"type", "thread_id", "category", "person", "embedding", "created_at", "updated_at",
	})
	mock.ExpectQuery(query).
		WithArgs([]string{"user-1", "user-2"}, "thread-1", 30).
		WillReturnRows(rows)

	_, _, err = st.SearchMemories(context.Background(), []string{"user-1", "user-2"}, SearchQuery{
		Filters:      Filters{ThreadID: "thread-1"},
		Limit:        200,
		SharedThread: true,
	})
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAggregateSumOverEmptyResultReturnsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`SELECT SUM(amount) FROM memories WHERE user_id = $1 AND (ai_understanding->>'deleted' IS DISTINCT FROM 'true')`)
	rows := sqlmock.NewRows([]string{"sum"}).AddRow(nil)
	mock.ExpectQuery(query).WithArgs("user-1").WillReturnRows(rows)

	res, err := st.Aggregate(context.Background(), []string{"user-1"}, AggregateQuery{Operation: "sum"})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Scalar == nil || *res.Scalar != 0 {
		t.Fatalf("expected zero scalar over empty result, got %+v", res.Scalar)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateMemoryFieldsMergesAndRephysicalizes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ai_understanding FROM memories WHERE id=$1 FOR UPDATE`)).
		WithArgs("mem-1").
		WillReturnRows(sqlmock.NewRows([]string{"ai_understanding"}).AddRow([]byte(`{"type":"expense","amount":10}`)))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE memories SET ai_understanding=$1, amount=$2, occurred_at=$3, type=$4, thread_id=$5, category=$6, person=$7, updated_at=NOW()
WHERE id=$8
`)).WithArgs(sqlmock.AnyArg(), 99.0, nil, "expense", nil, nil, nil, "mem-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.UpdateMemoryFields(context.Background(), "mem-1", map[string]interface{}{"amount": 99.0}); err != nil {
		t.Fatalf("UpdateMemoryFields: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSoftDeleteMemorySetsDeletedFlag(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ai_understanding FROM memories WHERE id=$1 FOR UPDATE`)).
		WithArgs("mem-1").
		WillReturnRows(sqlmock.NewRows([]string{"ai_understanding"}).AddRow([]byte(`{}`)))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE memories SET ai_understanding=$1, amount=$2, occurred_at=$3, type=$4, thread_id=$5, category=$6, person=$7, updated_at=NOW()
WHERE id=$8
`)).WithArgs(sqlmock.AnyArg(), nil, nil, nil, nil, nil, nil, "mem-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.SoftDeleteMemory(context.Background(), "mem-1"); err != nil {
		t.Fatalf("SoftDeleteMemory: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestScheduleAndDispatchReminder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	remindAt := now.Add(time.Hour)

	insertQuery := regexp.QuoteMeta(`
INSERT INTO reminders (id, user_id, message, remind_at, channel, memory_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
RETURNING created_at
`)
	mock.ExpectQuery(insertQuery).
		WithArgs("rem-1", "user-1", "Take out the trash", remindAt, "sms", "mem-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	if _, err := st.ScheduleReminder(context.Background(), Reminder{
		ID: "rem-1", UserID: "user-1", Message: "Take out the trash", RemindAt: remindAt, Channel: "sms", MemoryID: "mem-1",
	}); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}

	pendingQuery := regexp.QuoteMeta(`
SELECT id, user_id, message, remind_at, channel, memory_id, sent_at, created_at
FROM reminders
WHERE sent_at IS NULL AND remind_at <= $1
ORDER BY remind_at ASC
LIMIT $2
`)
	mock.ExpectQuery(pendingQuery).
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "message", "remind_at", "channel", "memory_id", "sent_at", "created_at"}).
			AddRow("rem-1", "user-1", "Take out the trash", remindAt, "sms", "mem-1", nil, now))

	pending, err := st.GetPendingReminders(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("GetPendingReminders: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "rem-1" || pending[0].MemoryID != "mem-1" {
		t.Fatalf("unexpected pending reminders: %+v", pending)
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE reminders SET sent_at = NOW() WHERE id = $1 AND sent_at IS NULL`)).
		WithArgs("rem-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := st.MarkReminderSent(context.Background(), "rem-1")
	if err != nil {
		t.Fatalf("MarkReminderSent: %v", err)
	}
	if !sent {
		t.Fatalf("expected MarkReminderSent to report true on first fence")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordExperimentOutcomePausesOnHighErrorRate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT error_count, total_count FROM experiments WHERE name = $1 FOR UPDATE`)).
		WithArgs("prompt_variant").
		WillReturnRows(sqlmock.NewRows([]string{"error_count", "total_count"}).AddRow(39, 199))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE experiments SET error_count=$1, total_count=$2, paused = paused OR $3, updated_at = NOW() WHERE name = $4
`)).WithArgs(0, 0, true, "prompt_variant").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.RecordExperimentOutcome(context.Background(), "prompt_variant", true, 200, 0.2); err != nil {
		t.Fatalf("RecordExperimentOutcome: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDerivePrincipalIDIsStable(t *testing.T) {
	a := DerivePrincipalID("sms:+15551234567")
	b := DerivePrincipalID("sms:+15551234567")
	if a != b {
		t.Fatalf("expected stable derivation, got %q vs %q", a, b)
	}
	if a == DerivePrincipalID("sms:+15557654321") {
		t.Fatalf("expected distinct keys to derive distinct ids")
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.1, -0.25, 3})
	if err != nil {
		t.Fatalf("encodeVectorLiteral: %v", err)
	}
	vec, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decodeVectorLiteral: %v", err)
	}
	if len(vec) != 3 || vec[1] != -0.25 {
		t.Fatalf("round trip mismatch: %+v", vec)
	}
}
