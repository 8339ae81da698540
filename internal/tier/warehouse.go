package tier

import (
	"context"
	"errors"

	"platecore/internal/dataset"
	"platecore/internal/infra/persistence/postgres"
)

// TableStore is the warehouse surface the tier needs.
type TableStore interface {
	Read(ctx context.Context, table string) (*dataset.Table, error)
	Replace(ctx context.Context, table string, t *dataset.Table) error
	QualifiedName(table string) string
}

// WarehouseTier reads and replaces one table per plate and category.
type WarehouseTier struct {
	tables TableStore
}

// NewWarehouse returns a warehouse tier over tables.
func NewWarehouse(tables TableStore) *WarehouseTier { return &WarehouseTier{tables: tables} }

// Name implements Tier.
func (w *WarehouseTier) Name() Name { return Warehouse }

// Remote implements Tier.
func (w *WarehouseTier) Remote() bool { return true }

// QualifiedName returns the fully qualified table name for key.
func (w *WarehouseTier) QualifiedName(key Key) string {
	return w.tables.QualifiedName(key.TableName())
}

// Fetch reads the table for key. A missing table is a miss; every other
// failure makes the tier unavailable.
func (w *WarehouseTier) Fetch(ctx context.Context, key Key) Result {
	t, err := w.tables.Read(ctx, key.TableName())
	switch {
	case errors.Is(err, postgres.ErrTableNotFound):
		return miss(Warehouse)
	case err != nil:
		return unavailable(Warehouse, err)
	case t.Len() == 0:
		return miss(Warehouse)
	}
	return Result{Tier: Warehouse, Status: Hit, Table: t}
}

// Store replaces the table for key.
func (w *WarehouseTier) Store(ctx context.Context, key Key, t *dataset.Table) error {
	return w.tables.Replace(ctx, key.TableName(), t)
}
