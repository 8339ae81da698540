package tier

import (
	"bytes"
	"context"
	"errors"

	"platecore/internal/blob"
	"platecore/internal/dataset"
)

const schemaMetadataKey = "schema"

// LocalTier caches processed datasets as CSV files in a blob store rooted at
// the data directory. The column schema travels in the blob metadata so that
// cached tables keep their kinds; files without it are read with inference.
type LocalTier struct {
	store blob.Store
}

// NewLocal returns a local tier over store.
func NewLocal(store blob.Store) *LocalTier { return &LocalTier{store: store} }

// Name implements Tier.
func (l *LocalTier) Name() Name { return Local }

// Remote implements Tier.
func (l *LocalTier) Remote() bool { return false }

// Fetch reads the processed CSV for key.
func (l *LocalTier) Fetch(ctx context.Context, key Key) Result {
	info, rc, err := l.store.Get(ctx, key.LocalKey())
	if errors.Is(err, blob.ErrNotFound) {
		return miss(Local)
	}
	if err != nil {
		return unavailable(Local, err)
	}
	defer func() { _ = rc.Close() }()

	var schema []dataset.Column
	if s, ok := info.Metadata[schemaMetadataKey]; ok {
		if schema, err = dataset.ParseSchema(s); err != nil {
			return unavailable(Local, err)
		}
	}
	t, err := dataset.ReadCSV(rc, schema)
	if err != nil {
		return unavailable(Local, err)
	}
	if t.Len() == 0 {
		return miss(Local)
	}
	return Result{Tier: Local, Status: Hit, Table: t}
}

// Store replaces the processed CSV for key. A failed write keeps the
// previous file.
func (l *LocalTier) Store(ctx context.Context, key Key, t *dataset.Table) error {
	var buf bytes.Buffer
	if err := dataset.WriteCSV(&buf, t); err != nil {
		return err
	}
	_, err := l.store.Put(ctx, key.LocalKey(), &buf, blob.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{schemaMetadataKey: t.Schema()},
		Overwrite:   true,
	})
	return err
}
