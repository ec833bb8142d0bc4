// Package store implements the Persistent Store: the JSONB + vector-enabled
// relational backing for memories, reminders, principals, and household
// structure. All access is raw SQL over lib/pq; there is no ORM layer.
package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store wraps the shared *sql.DB handle used by every query in this package.
// All mutating operations that must be atomic per §5 (store, update,
// soft_delete, mark_reminder_sent, the soft-upsert pair) run in a single
// transaction.
type Store struct {
	DB *sql.DB
}

// principalNamespace is the fixed UUID namespace used to derive stable
// UUIDv5 principal ids from a principal key, so the same key always maps to
// the same id across processes (§3 "Principal").
var principalNamespace = uuid.MustParse("6f1f0d1a-8f2e-4a8a-9d7b-6b9a5b9c9e10")

// DerivePrincipalID returns the stable UUIDv5 id for a principal key.
func DerivePrincipalID(key string) string {
	return uuid.NewSHA1(principalNamespace, []byte(key)).String()
}

var (
	metricsOnce      sync.Once
	storeCallCounter otelmetric.Int64Counter
	metricsInitErr   error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	storeCallCounter, err = meter.Int64Counter("store_calls_total")
	if err != nil {
		metricsInitErr = err
	}
}

// recordCall increments the per-operation call counter, tagging outcome so
// dashboards can split error rate per store method (§10 observability).
func recordCall(ctx context.Context, op string, err error) {
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr != nil || storeCallCounter == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeCallCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// New opens the Store using DATABASE_URL, or a POSTGRES_* fallback DSN.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// -- Principals and channel bindings (§3 "Principal (users) and user_channels") --

// EnsurePrincipal inserts the given principal id if absent, idempotently.
func (s *Store) EnsurePrincipal(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (id, created_at) VALUES ($1, NOW()) ON CONFLICT (id) DO NOTHING`, id)
	return err
}

// BindChannel creates or updates a (channel, channel_user_id) -> user_id binding.
func (s *Store) BindChannel(ctx context.Context, userID, channel, channelUserID string, channelData []byte, isPrimary bool) error {
	if channelData == nil {
		channelData = []byte(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_channels (user_id, channel, channel_user_id, channel_data, is_primary, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (channel, channel_user_id) DO UPDATE SET
  channel_data = EXCLUDED.channel_data,
  is_primary   = EXCLUDED.is_primary;
`, userID, channel, channelUserID, channelData, isPrimary)
	return err
}

// ResolvePrincipalByChannel looks up the user_id bound to a channel identity.
func (s *Store) ResolvePrincipalByChannel(ctx context.Context, channel, channelUserID string) (string, bool, error) {
	var userID string
	err := s.DB.QueryRowContext(ctx, `SELECT user_id FROM user_channels WHERE channel=$1 AND channel_user_id=$2`, channel, channelUserID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// -- vector literal encoding, shared by memories/search and any future vector column --

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, nil
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", v, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// shortHash returns the first 16 hex characters of s's SHA-1 digest, the
// same "content hash for a cache key" idiom the rest of the corpus uses for
// dedup/cache keys.
func shortHash(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h)[:16]
}
