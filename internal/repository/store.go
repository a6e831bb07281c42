package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Store bundles every repository plus the Transactor over a single *gorm.DB,
// the way cmd/controller/main.go's wiring step expects to receive its
// dependencies as one value.
type Store struct {
	Agents       AgentRepository
	Tasks        TaskRepository
	Dependencies TaskDependencyRepository
	Runs         TaskRunRepository
	Assets       AssetRepository

	gdb *gorm.DB
}

// NewStore constructs a Store backed by gdb.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{
		Agents:       NewAgentRepository(gdb),
		Tasks:        NewTaskRepository(gdb),
		Dependencies: NewTaskDependencyRepository(gdb),
		Runs:         NewTaskRunRepository(gdb),
		Assets:       NewAssetRepository(gdb),
		gdb:          gdb,
	}
}

type txStoreKey struct{}

// Transaction implements Transactor. fn receives a ctx carrying a Store
// whose repositories are bound to the transaction's *gorm.DB; callers fetch
// it with StoreFromContext so every repository call inside fn participates
// in the same transaction.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := NewStore(tx)
		return fn(context.WithValue(ctx, txStoreKey{}, txStore))
	})
	if err != nil {
		return fmt.Errorf("repository: transaction: %w", err)
	}
	return nil
}

// StoreFromContext returns the transactional Store stashed by Transaction,
// or fallback if ctx carries none (i.e. the call is outside a transaction).
func StoreFromContext(ctx context.Context, fallback *Store) *Store {
	if s, ok := ctx.Value(txStoreKey{}).(*Store); ok {
		return s
	}
	return fallback
}
