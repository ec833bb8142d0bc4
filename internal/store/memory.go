package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory is the universal record (§3 "Memory").
type Memory struct {
	ID             string
	UserID         string
	Content        string
	AIUnderstanding map[string]interface{}
	Type           string
	ThreadID       string
	Category       string
	Person         string
	Amount         *float64
	OccurredAt     *time.Time
	Embedding      []float32
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Filters implements the §4.4 filter grammar shared by search and aggregate.
type Filters struct {
	Type          string
	ThreadID      string
	Category      string
	Person        string
	DateFrom      *time.Time
	DateTo        *time.Time
	AmountMin     *float64
	AmountMax     *float64
	JSONBEquals   map[string]interface{}
	IncludeDeleted bool
}

// buildWhere translates Filters plus a user_id predicate into a WHERE clause
// and its positional arguments, starting at argOffset+1.
func buildWhere(userIDs []string, f Filters, argOffset int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	n := argOffset

	n++
	if len(userIDs) == 1 {
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", n))
		args = append(args, userIDs[0])
	} else {
		clauses = append(clauses, fmt.Sprintf("user_id = ANY($%d)", n))
		args = append(args, userIDs)
	}

	if f.Type != "" {
		n++
		clauses = append(clauses, fmt.Sprintf("type = $%d", n))
		args = append(args, f.Type)
	}
	if f.ThreadID != "" {
		n++
		clauses = append(clauses, fmt.Sprintf("thread_id = $%d", n))
		args = append(args, f.ThreadID)
	}
	if f.Category != "" {
		n++
		clauses = append(clauses, fmt.Sprintf("category = $%d", n))
		args = append(args, f.Category)
	}
	if f.Person != "" {
		n++
		clauses = append(clauses, fmt.Sprintf("person = $%d", n))
		args = append(args, f.Person)
	}
	if f.DateFrom != nil {
		n++
		clauses = append(clauses, fmt.Sprintf("occurred_at >= $%d", n))
		args = append(args, *f.DateFrom)
	}
	if f.DateTo != nil {
		n++
		clauses = append(clauses, fmt.Sprintf("occurred_at <= $%d", n))
		args = append(args, *f.DateTo)
	}
	if f.AmountMin != nil {
		n++
		clauses = append(clauses, fmt.Sprintf("amount >= $%d", n))
		args = append(args, *f.AmountMin)
	}
	if f.AmountMax != nil {
		n++
		clauses = append(clauses, fmt.Sprintf("amount <= $%d", n))
		args = append(args, *f.AmountMax)
	}
	if len(f.JSONBEquals) > 0 {
		b, _ := json.Marshal(f.JSONBEquals)
		n++
		clauses = append(clauses, fmt.Sprintf("ai_understanding @> $%d::jsonb", n))
		args = append(args, string(b))
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "(ai_understanding->>'deleted' IS DISTINCT FROM 'true')")
	}
	return strings.Join(clauses, " AND "), args
}

// querier is the subset of *sql.DB/*sql.Tx that StoreMemory, SearchMemories,
// and Aggregate run against; satisfying it with a *sql.Tx instead of the
// Store's own *sql.DB is how batch_* tools share one transaction across
// their sub-operations (§5) rather than each opening its own.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// StoreMemory inserts a memory (tool `store`, §4.4). Amount/occurred_at are
// extracted from ai_understanding top level or ai_understanding.entities.*;
// coercion failures leave those physicalized columns null rather than
// aborting the insert.
func (s *Store) StoreMemory(ctx context.Context, m Memory) (_ Memory, err error) {
	defer func() { recordCall(ctx, "store_memory", err) }()
	return storeMemory(ctx, s.DB, m)
}

func storeMemory(ctx context.Context, q querier, m Memory) (Memory, error) {
	if strings.TrimSpace(m.Content) == "" {
		return Memory{}, fmt.Errorf("content must not be empty")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	physicalize(&m)

	aiBytes, err := json.Marshal(m.AIUnderstanding)
	if err != nil {
		return Memory{}, fmt.Errorf("marshal ai_understanding: %w", err)
	}

	var embeddingLiteral interface{}
	if len(m.Embedding) > 0 {
		lit, err := encodeVectorLiteral(m.Embedding)
		if err != nil {
			return Memory{}, err
		}
		embeddingLiteral = lit
	}

	row := q.QueryRowContext(ctx, `
INSERT INTO memories (id, user_id, content, ai_understanding, embedding, amount, occurred_at, type, thread_id, category, person, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,$7,$8,$9,$10,$11,NOW(),NOW())
RETURNING created_at, updated_at
`, m.ID, m.UserID, m.Content, aiBytes, embeddingLiteral, nullableFloat(m.Amount), nullableTime(m.OccurredAt),
		nullableString(m.Type), nullableString(m.ThreadID), nullableString(m.Category), nullableString(m.Person))
	if err := row.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// physicalize derives the physicalized columns (§3, §9 "Dynamic typing") from
// the open ai_understanding bag. Coercion never fails the store call; it only
// leaves the column null.
func physicalize(m *Memory) {
	u := m.AIUnderstanding
	if u == nil {
		return
	}
	entities, _ := u["entities"].(map[string]interface{})

	if m.Type == "" {
		if v, ok := u["type"].(string); ok {
			m.Type = v
		}
	}
	if m.ThreadID == "" {
		if v, ok := u["thread_id"].(string); ok {
			m.ThreadID = v
		}
	}
	if m.Category == "" {
		if v, ok := u["category"].(string); ok {
			m.Category = v
		} else if entities != nil {
			if v, ok := entities["category"].(string); ok {
				m.Category = v
			}
		}
	}
	if m.Person == "" {
		if v, ok := u["person"].(string); ok {
			m.Person = v
		} else if v, ok := u["person_key"].(string); ok {
			m.Person = v
		} else if entities != nil {
			if v, ok := entities["person"].(string); ok {
				m.Person = v
			}
		}
	}
	if m.Amount == nil {
		if v, ok := coerceNumber(u["amount"]); ok {
			m.Amount = &v
		} else if entities != nil {
			if v, ok := coerceNumber(entities["amount"]); ok {
				m.Amount = &v
			}
		}
	}
	if m.OccurredAt == nil {
		if v, ok := coerceTime(u["occurred_at"]); ok {
			m.OccurredAt = &v
		} else if entities != nil {
			if v, ok := coerceTime(entities["occurred_at"]); ok {
				m.OccurredAt = &v
			}
		}
	}
}

func coerceNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func coerceTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// SoftUpsert implements the `store` tool's soft-upsert discipline (§4.3 step
// 3, §5): when m.AIUnderstanding carries an external_id, the existence check
// against any memory sharing (external_id, type) and the resulting
// update-or-insert run under one transaction with the matching row locked
// FOR UPDATE, closing the TOCTOU window a separate search-then-write pair
// would leave open. It reports whether an existing memory was updated, as
// opposed to a new one inserted.
func (s *Store) SoftUpsert(ctx context.Context, m Memory) (_ Memory, updated bool, err error) {
	defer func() { recordCall(ctx, "soft_upsert", err) }()

	externalID, _ := m.AIUnderstanding["external_id"].(string)
	if externalID == "" {
		stored, storeErr := storeMemory(ctx, s.DB, m)
		return stored, false, storeErr
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	result, upd, softErr := softUpsertTx(ctx, tx, m)
	if softErr != nil {
		err = softErr
		return Memory{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return Memory{}, false, err
	}
	return result, upd, nil
}

// softUpsertTx is SoftUpsert's existence-check-plus-write core, run against
// an already-open transaction: the caller owns BeginTx/Commit, so the same
// logic works whether that transaction belongs to a single SoftUpsert call
// or a batch_store call sharing one transaction across several items (§5).
func softUpsertTx(ctx context.Context, tx *sql.Tx, m Memory) (Memory, bool, error) {
	externalID, _ := m.AIUnderstanding["external_id"].(string)
	typ, _ := m.AIUnderstanding["type"].(string)

	var existingID string
	var current []byte
	scanErr := tx.QueryRowContext(ctx, `
SELECT id, ai_understanding FROM memories
WHERE user_id=$1 AND ai_understanding->>'external_id'=$2 AND ($3 = '' OR ai_understanding->>'type'=$3)
  AND (ai_understanding->>'deleted' IS DISTINCT FROM 'true')
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE
`, m.UserID, externalID, typ).Scan(&existingID, &current)

	if scanErr != nil && scanErr != sql.ErrNoRows {
		return Memory{}, false, scanErr
	}

	if scanErr == sql.ErrNoRows {
		if strings.TrimSpace(m.Content) == "" {
			return Memory{}, false, fmt.Errorf("content must not be empty")
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		physicalize(&m)

		aiBytes, err := json.Marshal(m.AIUnderstanding)
		if err != nil {
			return Memory{}, false, fmt.Errorf("marshal ai_understanding: %w", err)
		}
		var embeddingLiteral interface{}
		if len(m.Embedding) > 0 {
			lit, err := encodeVectorLiteral(m.Embedding)
			if err != nil {
				return Memory{}, false, err
			}
			embeddingLiteral = lit
		}

		if err := tx.QueryRowContext(ctx, `
INSERT INTO memories (id, user_id, content, ai_understanding, embedding, amount, occurred_at, type, thread_id, category, person, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,$7,$8,$9,$10,$11,NOW(),NOW())
RETURNING created_at, updated_at
`, m.ID, m.UserID, m.Content, aiBytes, embeddingLiteral, nullableFloat(m.Amount), nullableTime(m.OccurredAt),
			nullableString(m.Type), nullableString(m.ThreadID), nullableString(m.Category), nullableString(m.Person),
		).Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
			return Memory{}, false, err
		}
		return m, false, nil
	}

	var existing map[string]interface{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &existing); err != nil {
			return Memory{}, false, err
		}
	}
	if existing == nil {
		existing = map[string]interface{}{}
	}
	for k, v := range m.AIUnderstanding {
		existing[k] = v
	}
	merged := Memory{ID: existingID, AIUnderstanding: existing}
	physicalize(&merged)

	aiBytes, err := json.Marshal(existing)
	if err != nil {
		return Memory{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE memories SET ai_understanding=$1, amount=$2, occurred_at=$3, type=$4, thread_id=$5, category=$6, person=$7, updated_at=NOW()
WHERE id=$8
`, aiBytes, nullableFloat(merged.Amount), nullableTime(merged.OccurredAt), nullableString(merged.Type),
		nullableString(merged.ThreadID), nullableString(merged.Category), nullableString(merged.Person), existingID,
	); err != nil {
		return Memory{}, false, err
	}
	return merged, true, nil
}

// UpdateMemoryFields shallow-merges fields into ai_understanding and
// refreshes the physicalized columns (tool `update_memory_fields`, §4.4).
func (s *Store) UpdateMemoryFields(ctx context.Context, id string, fields map[string]interface{}) (err error) {
	defer func() { recordCall(ctx, "update_memory_fields", err) }()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current []byte
	if err = tx.QueryRowContext(ctx, `SELECT ai_understanding FROM memories WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		return err
	}
	var u map[string]interface{}
	if len(current) > 0 {
		if err = json.Unmarshal(current, &u); err != nil {
			return err
		}
	}
	if u == nil {
		u = map[string]interface{}{}
	}
	for k, v := range fields {
		u[k] = v
	}
	merged := Memory{AIUnderstanding: u}
	physicalize(&merged)

	aiBytes, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE memories SET ai_understanding=$1, amount=$2, occurred_at=$3, type=$4, thread_id=$5, category=$6, person=$7, updated_at=NOW()
WHERE id=$8
`, aiBytes, nullableFloat(merged.Amount), nullableTime(merged.OccurredAt), nullableString(merged.Type),
		nullableString(merged.ThreadID), nullableString(merged.Category), nullableString(merged.Person), id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SoftDeleteMemory sets ai_understanding.deleted=true (tool `soft_delete`).
func (s *Store) SoftDeleteMemory(ctx context.Context, id string) error {
	return s.UpdateMemoryFields(ctx, id, map[string]interface{}{"deleted": true})
}

// SearchQuery carries the parameters of the `search` tool (§4.4).
type SearchQuery struct {
	Query          string
	QueryEmbedding []float32
	Filters        Filters
	Limit          int
	SharedThread   bool
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
	sharedThreadCap    = 30
)

func clampLimit(limit int, sharedThread bool) int {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if sharedThread && limit > sharedThreadCap {
		limit = sharedThreadCap
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	return limit
}

// SearchMemories implements the `search` tool. Ranking: vector cosine when a
// query embedding is given, else trigram similarity when a text query is
// given, else occurred_at desc.
func (s *Store) SearchMemories(ctx context.Context, userIDs []string, q SearchQuery) (_ []Memory, _ int, err error) {
	defer func() { recordCall(ctx, "search", err) }()
	return searchMemories(ctx, s.DB, userIDs, q)
}

func searchMemories(ctx context.Context, db querier, userIDs []string, q SearchQuery) ([]Memory, int, error) {
	limit := clampLimit(q.Limit, q.SharedThread)
	where, args := buildWhere(userIDs, q.Filters, 0)
	argN := len(args)

	var orderBy string
	switch {
	case len(q.QueryEmbedding) > 0:
		lit, err := encodeVectorLiteral(q.QueryEmbedding)
		if err != nil {
			return nil, 0, err
		}
		argN++
		args = append(args, lit)
		orderBy = fmt.Sprintf("embedding <=> $%d::vector ASC", argN)
	case q.Query != "":
		argN++
		args = append(args, q.Query)
		orderBy = fmt.Sprintf("similarity(content, $%d) DESC", argN)
	default:
		orderBy = "occurred_at DESC NULLS LAST, created_at DESC"
	}

	argN++
	args = append(args, limit)
	query := fmt.Sprintf(`
SELECT id, user_id, content, ai_understanding, amount, occurred_at, type, thread_id, category, person, embedding, created_at, updated_at
FROM memories
WHERE %s
ORDER BY %s
LIMIT $%d
`, where, orderBy, argN)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, len(out), rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scannable) (Memory, error) {
	var (
		m            Memory
		aiBytes      []byte
		embeddingLit sql.NullString
		amount       sql.NullFloat64
		occurredAt   sql.NullTime
		typ, thread, category, person sql.NullString
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Content, &aiBytes, &amount, &occurredAt, &typ, &thread, &category, &person, &embeddingLit, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Memory{}, err
	}
	if len(aiBytes) > 0 {
		_ = json.Unmarshal(aiBytes, &m.AIUnderstanding)
	}
	if amount.Valid {
		v := amount.Float64
		m.Amount = &v
	}
	if occurredAt.Valid {
		v := occurredAt.Time
		m.OccurredAt = &v
	}
	m.Type = typ.String
	m.ThreadID = thread.String
	m.Category = category.String
	m.Person = person.String
	if embeddingLit.Valid {
		vec, err := decodeVectorLiteral(embeddingLit.String)
		if err == nil {
			m.Embedding = vec
		}
	}
	return m, nil
}

// AggregateQuery carries the parameters of the `aggregate` tool (§4.4).
type AggregateQuery struct {
	Operation       string // sum, avg, min, max, count
	Field           string // physicalized numeric column, or a dotted numeric JSONB path; defaults to "amount"
	Filters         Filters
	GroupBy         string // day, week, month
	GroupByAIField  string
}

// AggregateResult is a scalar or grouped numeric result.
type AggregateResult struct {
	Scalar *float64
	Groups []AggregateGroup
}

type AggregateGroup struct {
	Key   string
	Value *float64
}

var aggregateOps = map[string]string{
	"sum": "SUM", "avg": "AVG", "min": "MIN", "max": "MAX", "count": "COUNT",
}

// Aggregate implements the `aggregate` tool. Over zero rows, sum/count
// return 0 and avg/min/max return null (§8 boundary behaviors).
func (s *Store) Aggregate(ctx context.Context, userIDs []string, q AggregateQuery) (_ AggregateResult, err error) {
	defer func() { recordCall(ctx, "aggregate", err) }()
	return aggregate(ctx, s.DB, userIDs, q)
}

func aggregate(ctx context.Context, db querier, userIDs []string, q AggregateQuery) (AggregateResult, error) {
	sqlOp, ok := aggregateOps[strings.ToLower(q.Operation)]
	if !ok {
		return AggregateResult{}, fmt.Errorf("unsupported aggregate operation %q", q.Operation)
	}
	field := q.Field
	if field == "" {
		field = "amount"
	}
	fieldExpr, err := numericFieldExpr(field)
	if err != nil {
		return AggregateResult{}, err
	}
	expr := fmt.Sprintf("%s(%s)", sqlOp, fieldExpr)
	if q.Operation == "count" {
		expr = "COUNT(*)"
	}

	where, args := buildWhere(userIDs, q.Filters, 0)

	if q.GroupBy == "" && q.GroupByAIField == "" {
		query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s`, expr, where)
		var v sql.NullFloat64
		if err := db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
			return AggregateResult{}, err
		}
		if !v.Valid {
			if q.Operation == "sum" || q.Operation == "count" {
				zero := 0.0
				return AggregateResult{Scalar: &zero}, nil
			}
			return AggregateResult{}, nil
		}
		val := v.Float64
		return AggregateResult{Scalar: &val}, nil
	}

	var groupExpr, groupAlias string
	if q.GroupByAIField != "" {
		groupExpr = fmt.Sprintf("ai_understanding->>'%s'", q.GroupByAIField)
		groupAlias = "grp"
	} else {
		switch q.GroupBy {
		case "day":
			groupExpr = "date_trunc('day', occurred_at)"
		case "week":
			groupExpr = "date_trunc('week', occurred_at)"
		case "month":
			groupExpr = "date_trunc('month', occurred_at)"
		default:
			return AggregateResult{}, fmt.Errorf("unsupported group_by %q", q.GroupBy)
		}
		groupAlias = "grp"
	}
	query := fmt.Sprintf(`SELECT %s AS %s, %s FROM memories WHERE %s GROUP BY %s ORDER BY %s`, groupExpr, groupAlias, expr, where, groupAlias, groupAlias)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return AggregateResult{}, err
	}
	defer rows.Close()
	var groups []AggregateGroup
	for rows.Next() {
		var key sql.NullString
		var val sql.NullFloat64
		if err := rows.Scan(&key, &val); err != nil {
			return AggregateResult{}, err
		}
		g := AggregateGroup{Key: key.String}
		if val.Valid {
			v := val.Float64
			g.Value = &v
		}
		groups = append(groups, g)
	}
	return AggregateResult{Groups: groups}, rows.Err()
}

// jsonbPathSegment matches one dot-separated component of a numeric JSONB
// path; it rejects anything but the identifier characters Postgres accepts
// bare, so a path never escapes into the surrounding SQL text.
var jsonbPathSegment = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// numericFieldExpr resolves an aggregate `field` to the SQL expression it
// sums/averages/etc over (§8: "field may be the numeric physicalized column
// or a numeric JSONB path"). "amount" maps to its physicalized column;
// "value" is accepted as an alias for it since it's the key dispatchAggregate
// itself returns scalar results under, not a column name. Anything else is
// treated as a dotted path into ai_understanding
// ("entities.calories" -> (ai_understanding->'entities'->>'calories')::numeric)
// and rejected outright if it isn't a safe identifier chain, rather than
// silently falling back to a different column.
func numericFieldExpr(field string) (string, error) {
	switch field {
	case "amount", "value":
		return "amount", nil
	}

	parts := strings.Split(field, ".")
	for _, p := range parts {
		if !jsonbPathSegment.MatchString(p) {
			return "", fmt.Errorf("unsupported aggregate field %q", field)
		}
	}

	var b strings.Builder
	b.WriteString("ai_understanding")
	for i, p := range parts {
		if i == len(parts)-1 {
			b.WriteString(fmt.Sprintf("->>'%s'", p))
		} else {
			b.WriteString(fmt.Sprintf("->'%s'", p))
		}
	}
	return fmt.Sprintf("(%s)::numeric", b.String()), nil
}
