package store

import (
	"context"
	"database/sql"
)

// Tx wraps one open transaction with the same memory-store operations as
// Store, so that a caller running several tool calls as one logical unit —
// batch_store/batch_search/batch_aggregate (§5 "batch_* tools run their
// sub-operations in one transaction") — can do so under a single BeginTx/
// Commit instead of each sub-operation opening (and committing) its own.
type Tx struct {
	tx *sql.Tx
}

// BeginTx opens a transaction for a batch of memory-store operations. The
// caller must call Commit or Rollback exactly once.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// StoreMemory runs StoreMemory's insert against t's transaction instead of
// opening a new one.
func (t *Tx) StoreMemory(ctx context.Context, m Memory) (Memory, error) {
	return storeMemory(ctx, t.tx, m)
}

// SoftUpsert runs SoftUpsert's existence-check-plus-write against t's
// transaction instead of opening a new one, so a batch_store item's
// soft-upsert pair and its siblings all commit or roll back together.
func (t *Tx) SoftUpsert(ctx context.Context, m Memory) (Memory, bool, error) {
	externalID, _ := m.AIUnderstanding["external_id"].(string)
	if externalID == "" {
		stored, err := storeMemory(ctx, t.tx, m)
		return stored, false, err
	}
	return softUpsertTx(ctx, t.tx, m)
}

// SearchMemories runs SearchMemories against t's transaction, so a
// batch_search item sees the same snapshot as any write already committed
// earlier in the batch.
func (t *Tx) SearchMemories(ctx context.Context, userIDs []string, q SearchQuery) ([]Memory, int, error) {
	return searchMemories(ctx, t.tx, userIDs, q)
}

// Aggregate runs Aggregate against t's transaction.
func (t *Tx) Aggregate(ctx context.Context, userIDs []string, q AggregateQuery) (AggregateResult, error) {
	return aggregate(ctx, t.tx, userIDs, q)
}
