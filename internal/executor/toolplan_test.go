package executor

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/household"
	"github.com/familyassist/orchestrator/internal/store"
	"github.com/familyassist/orchestrator/internal/toolservice"
)

func newTestRunner(t *testing.T) (*Runner, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := &store.Store{DB: db}
	svc := toolservice.New(st, nil, "test-secret")
	return NewRunner(svc, nil, 1, 2, 10), mock
}

func TestSubstituteRefsResolvesLastStoreIDContextAndArgFromStep(t *testing.T) {
	prior := []StepResult{{Result: map[string]interface{}{"total": float64(3)}}}
	args := map[string]interface{}{
		"id":      lastStoreIDToken,
		"summary": map[string]interface{}{"use_context": "thread_summary"},
		"count":   map[string]interface{}{"arg_from_step": float64(0), "path": "total"},
	}
	out, err := substituteArgsMap(args, "mem-123", map[string]interface{}{"thread_summary": "groceries thread"}, prior)
	if err != nil {
		t.Fatalf("substituteArgsMap: %v", err)
	}
	if out["id"] != "mem-123" {
		t.Fatalf("expected $LAST_STORE_ID resolved, got %v", out["id"])
	}
	if out["summary"] != "groceries thread" {
		t.Fatalf("expected use_context resolved, got %v", out["summary"])
	}
	if out["count"] != float64(3) {
		t.Fatalf("expected arg_from_step resolved, got %v", out["count"])
	}
}

func TestSubstituteRefsFailsWhenLastStoreIDMissing(t *testing.T) {
	_, err := substituteArgsMap(map[string]interface{}{"id": lastStoreIDToken}, "", nil, nil)
	if err == nil {
		t.Fatal("expected an error when no prior store succeeded")
	}
}

func testHouseholdView() household.View {
	return household.View{
		HouseholdID: "house-1",
		MembersIndex: map[string]household.MemberEntry{
			"jack": {UserIDs: []string{"user-jack"}, DisplayName: "Jack Smith"},
			"mom":  {UserIDs: []string{"user-mom"}, DisplayName: "Mom"},
		},
	}
}

func TestResolveScopeFamilyInjectsUnionedUserIDs(t *testing.T) {
	pctx := PlanContext{
		Principal:     "user-dad",
		HouseholdCfg:  config.HouseholdConfig{FamilyDefaultPrincipal: "family_default", FamilySharedUserIDs: []string{"user-shared"}},
		HouseholdView: testHouseholdView(),
	}
	step := Step{Tool: "search", Args: map[string]interface{}{"scope": "family"}}
	out, err := resolveScope(step, pctx)
	if err != nil {
		t.Fatalf("resolveScope: %v", err)
	}
	ids, ok := out["user_id"].([]interface{})
	if !ok || len(ids) != 4 {
		t.Fatalf("expected 4 unioned user ids, got %v", out["user_id"])
	}
}

func TestResolveScopeThreadAddsThreadFilter(t *testing.T) {
	pctx := PlanContext{Principal: "user-dad", ThreadID: "thread-7"}
	step := Step{Tool: "search", Args: map[string]interface{}{"scope": "thread"}}
	out, err := resolveScope(step, pctx)
	if err != nil {
		t.Fatalf("resolveScope: %v", err)
	}
	if out["user_id"].([]interface{})[0] != "user-dad" {
		t.Fatalf("expected current principal, got %v", out["user_id"])
	}
	filters, _ := out["filters"].(map[string]interface{})
	if filters["thread_id"] != "thread-7" {
		t.Fatalf("expected thread_id filter injected, got %v", filters)
	}
}

func TestResolveScopePersonalUnresolvedReturnsError(t *testing.T) {
	pctx := PlanContext{Principal: "user-dad", HouseholdView: testHouseholdView()}
	step := Step{Tool: "search", Args: map[string]interface{}{"scope": "personal", "person": "grandpa"}}
	if _, err := resolveScope(step, pctx); err == nil {
		t.Fatal("expected scope resolution failure for an unknown person")
	}
}

func TestResolveScopeLeavesExplicitUserIDAlone(t *testing.T) {
	pctx := PlanContext{Principal: "user-dad"}
	step := Step{Tool: "search", Args: map[string]interface{}{"scope": "family", "user_id": "explicit-user"}}
	out, err := resolveScope(step, pctx)
	if err != nil {
		t.Fatalf("resolveScope: %v", err)
	}
	if out["user_id"] != "explicit-user" {
		t.Fatalf("expected explicit user_id preserved, got %v", out["user_id"])
	}
}

func TestRunPlanChainsLastStoreIDAcrossSteps(t *testing.T) {
	runner, mock := newTestRunner(t)
	now := time.Now()
	mock.ExpectQuery(`(?s)INSERT INTO memories`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT ai_understanding FROM memories WHERE id=\$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"ai_understanding"}).AddRow([]byte(`{}`)))
	mock.ExpectExec(`(?s)UPDATE memories SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	plan := Plan{Steps: []Step{
		{Tool: "store", Args: map[string]interface{}{"user_id": "user-1", "content": "bought milk"}},
		{Tool: "update_memory_fields", Args: map[string]interface{}{"id": lastStoreIDToken, "fields": map[string]interface{}{"tag": "grocery"}}},
	}}

	result, err := runner.RunPlan(context.Background(), PlanContext{TraceID: "t1", Principal: "user-1"}, plan)
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(result.Results))
	}
	if result.Results[0].Error != nil || result.Results[1].Error != nil {
		t.Fatalf("expected both steps to succeed, got %+v", result.Results)
	}
	if result.LastStoreID == "" {
		t.Fatal("expected LastStoreID to be populated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunPlanNonMandatoryStepFailureDoesNotAbortPlan(t *testing.T) {
	runner, mock := newTestRunner(t)
	now := time.Now()
	mock.ExpectQuery(`(?s)INSERT INTO memories`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	plan := Plan{Steps: []Step{
		{Tool: "update_memory_fields", Args: map[string]interface{}{"id": lastStoreIDToken, "fields": map[string]interface{}{}}, Mandatory: false},
		{Tool: "store", Args: map[string]interface{}{"user_id": "user-1", "content": "bought milk"}},
	}}

	result, err := runner.RunPlan(context.Background(), PlanContext{TraceID: "t1", Principal: "user-1"}, plan)
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if result.Results[0].Error == nil {
		t.Fatal("expected the first step to fail (missing $LAST_STORE_ID)")
	}
	if result.Results[1].Error != nil {
		t.Fatalf("expected the second step to still run, got %+v", result.Results[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestVerifyBroadensFiltersWhenInitialSearchEmpty(t *testing.T) {
	runner, mock := newTestRunner(t)
	empty := sqlmock.NewRows([]string{
		"id", "user_id", "content", "ai_understanding", "amount", "occurred_at",
		"type", "thread_id", "category", "person", "embedding", "created_at", "updated_at",
	})
	now := time.Now()
	nonEmpty := sqlmock.NewRows([]string{
		"id", "user_id", "content", "ai_understanding", "amount", "occurred_at",
		"type", "thread_id", "category", "person", "embedding", "created_at", "updated_at",
	}).AddRow("mem-1", "user-1", "groceries", []byte(`{}`), nil, now, "expense", nil, nil, nil, nil, now, now)

	mock.ExpectQuery(`(?s)SELECT.*FROM memories`).WillReturnRows(empty)
	mock.ExpectQuery(`(?s)SELECT.*FROM memories`).WillReturnRows(empty)
	mock.ExpectQuery(`(?s)SELECT.*FROM memories`).WillReturnRows(nonEmpty)

	plan := Plan{
		ExpectsResults: true,
		Steps: []Step{
			{Tool: "search", Args: map[string]interface{}{
				"user_id": "user-1",
				"filters": map[string]interface{}{"type": "expense", "date_from": "2026-01-01"},
			}},
		},
	}
	result, err := runner.RunPlan(context.Background(), PlanContext{TraceID: "t1", Principal: "user-1"}, plan)
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if len(result.Verification) != 2 {
		t.Fatalf("expected 2 verification rounds, got %d", len(result.Verification))
	}
	if searchUnderMin(result.Verification[1].Result, 1) {
		t.Fatal("expected the second verification round to find results")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunPlanRejectsPlansOverTheStepCap(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &store.Store{DB: db}
	svc := toolservice.New(st, nil, "test-secret")
	runner := NewRunner(svc, nil, 1, 2, 2)

	plan := Plan{Steps: []Step{
		{Tool: "search", Args: map[string]interface{}{"user_id": "user-1"}},
		{Tool: "search", Args: map[string]interface{}{"user_id": "user-1"}},
		{Tool: "search", Args: map[string]interface{}{"user_id": "user-1"}},
	}}

	if _, err := runner.RunPlan(context.Background(), PlanContext{TraceID: "t1", Principal: "user-1"}, plan); err == nil {
		t.Fatal("expected RunPlan to reject a plan exceeding the configured step cap")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
