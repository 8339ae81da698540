package tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"platecore/internal/blob"
	"platecore/internal/dataset"
	"platecore/internal/infra/blob/memory"
	"platecore/internal/infra/persistence/postgres"
	"platecore/pkg/domain"
)

var testKey = Key{Plate: "24277", Category: domain.CategoryPictures}

func sampleTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl := dataset.New(
		dataset.Column{Name: "image_id", Kind: dataset.KindInt64},
		dataset.Column{Name: "well", Kind: dataset.KindString},
		dataset.Column{Name: "photo_number", Kind: dataset.KindFloat64},
		dataset.Column{Name: "dose", Kind: dataset.KindFloat32},
	)
	require.NoError(t, tbl.Append(dataset.Int64(1), dataset.String("B02"), dataset.Float64(1), dataset.Float32(1.5)))
	require.NoError(t, tbl.Append(dataset.Int64(2), dataset.String("0"), dataset.NaN(), dataset.String("None")))
	return tbl
}

type fakeTables struct {
	mu       sync.Mutex
	tables   map[string]*dataset.Table
	readErr  error
	writeErr error
	delay    time.Duration
	reads    int
	writes   int
}

func newFakeTables() *fakeTables { return &fakeTables{tables: map[string]*dataset.Table{}} }

func (f *fakeTables) Read(ctx context.Context, table string) (*dataset.Table, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("%s: %w", table, postgres.ErrTableNotFound)
	}
	return t.Clone(), nil
}

func (f *fakeTables) Replace(_ context.Context, table string, t *dataset.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.tables[table] = t.Clone()
	return nil
}

func (f *fakeTables) QualifiedName(table string) string { return "proj.cellpaint." + table }

type countingObserver struct {
	mu      sync.Mutex
	lookups []string
}

func (c *countingObserver) TierLookup(tier Name, status Status, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups = append(c.lookups, string(tier)+":"+string(status))
}

func TestKeyNaming(t *testing.T) {
	require.Equal(t, "24277_pictures", testKey.TableName())
	require.Equal(t, "24277/processed/24277_pictures.csv", testKey.LocalKey())
	require.Equal(t, "24277/raw/24277.sqlite", ArchiveKey("24277"))
}

func TestLocalTierRoundTripKeepsKinds(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(blob.NewMemory())
	res := local.Fetch(ctx, testKey)
	require.Equal(t, Miss, res.Status)
	require.ErrorIs(t, res.Err, ErrMiss)

	tbl := sampleTable(t)
	require.NoError(t, local.Store(ctx, testKey, tbl))
	require.NoError(t, local.Store(ctx, testKey, tbl), "second store overwrites")

	res = local.Fetch(ctx, testKey)
	require.Equal(t, Hit, res.Status)
	require.True(t, tbl.Equal(res.Table), "got %#v", res.Table.Rows)
}

func TestLocalTierRoundTripKeepsEmptyStrings(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(blob.NewMemory())
	tbl := dataset.New(
		dataset.Column{Name: "well", Kind: dataset.KindString},
		dataset.Column{Name: "smiles", Kind: dataset.KindString},
	)
	require.NoError(t, tbl.Append(dataset.String("B02"), dataset.String("")))
	require.NoError(t, local.Store(ctx, testKey, tbl))

	res := local.Fetch(ctx, testKey)
	require.Equal(t, Hit, res.Status)
	require.True(t, tbl.Equal(res.Table), "fetched %#v", res.Table.Rows)
}

func TestLocalTierFailedStoreKeepsPreviousFile(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	local := NewLocal(store)
	first := sampleTable(t)
	require.NoError(t, local.Store(ctx, testKey, first))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	second := dataset.New(dataset.Column{Name: "well", Kind: dataset.KindString})
	require.NoError(t, second.Append(dataset.String("C03")))
	require.ErrorIs(t, local.Store(cancelled, testKey, second), context.Canceled)

	res := local.Fetch(ctx, testKey)
	require.Equal(t, Hit, res.Status)
	require.True(t, first.Equal(res.Table), "got %#v", res.Table.Rows)

	require.NoError(t, local.Store(ctx, testKey, second))
	res = local.Fetch(ctx, testKey)
	require.Equal(t, Hit, res.Status)
	require.True(t, second.Equal(res.Table))
}

func TestLocalTierReadsForeignCSV(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := blob.NewFilesystem(root)
	require.NoError(t, err)
	path := filepath.Join(root, "24277", "processed", "24277_pictures.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("well,cell_count\nB02,40\n"), 0o644))

	res := NewLocal(store).Fetch(ctx, testKey)
	require.Equal(t, Hit, res.Status)
	v, ok := res.Table.Get(0, "cell_count")
	require.True(t, ok)
	n, _ := v.Int()
	require.Equal(t, int64(40), n)
}

func TestLocalTierHeaderOnlyIsMiss(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	_, err := store.Put(ctx, testKey.LocalKey(), bytes.NewReader([]byte("well\n")), blob.PutOptions{})
	require.NoError(t, err)
	require.Equal(t, Miss, NewLocal(store).Fetch(ctx, testKey).Status)
}

func TestWarehouseTierClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	tables := newFakeTables()
	wh := NewWarehouse(tables)
	require.Equal(t, "proj.cellpaint.24277_pictures", wh.QualifiedName(testKey))
	require.Equal(t, Miss, wh.Fetch(ctx, testKey).Status)

	tables.readErr = errors.New("permission denied")
	res := wh.Fetch(ctx, testKey)
	require.Equal(t, Unavailable, res.Status)
	require.ErrorContains(t, res.Err, "permission denied")

	tables.readErr = nil
	require.NoError(t, wh.Store(ctx, testKey, sampleTable(t)))
	require.Equal(t, Hit, wh.Fetch(ctx, testKey).Status)
}

func TestChainWritesThroughOnRemoteHit(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(blob.NewMemory())
	tables := newFakeTables()
	tables.tables[testKey.TableName()] = sampleTable(t)
	obs := &countingObserver{}
	chain := NewChain(nil, time.Second, obs, local, NewWarehouse(tables))

	res := chain.Fetch(ctx, testKey)
	require.Equal(t, Hit, res.Status)
	require.Equal(t, Warehouse, res.Tier)
	require.Equal(t, []string{"local:miss", "warehouse:hit"}, obs.lookups)

	res = chain.Fetch(ctx, testKey)
	require.Equal(t, Local, res.Tier, "write-through populated the local tier")
	require.Equal(t, 1, tables.reads)
}

func TestChainTimeoutIsUnavailable(t *testing.T) {
	ctx := context.Background()
	tables := newFakeTables()
	tables.tables[testKey.TableName()] = sampleTable(t)
	tables.delay = time.Second
	chain := NewChain(nil, 10*time.Millisecond, nil, NewLocal(blob.NewMemory()), NewWarehouse(tables))

	res := chain.Fetch(ctx, testKey)
	require.Equal(t, Miss, res.Status)
	require.False(t, res.Found())
}

func TestChainStoreStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	tables := newFakeTables()
	chain := NewChain(nil, 0, nil, failingTier{}, NewWarehouse(tables))
	err := chain.Store(ctx, testKey, sampleTable(t))
	require.Error(t, err)
	require.Equal(t, 0, tables.writes, "warehouse must not be written after a local failure")

	chain = NewChain(nil, 0, nil, NewLocal(blob.NewMemory()), NewWarehouse(tables))
	require.NoError(t, chain.Store(ctx, testKey, sampleTable(t)))
	require.Equal(t, 1, tables.writes)
	require.Len(t, chain.Tiers(), 2)
}

type failingTier struct{}

func (failingTier) Name() Name                        { return Local }
func (failingTier) Remote() bool                      { return false }
func (failingTier) Fetch(context.Context, Key) Result { return miss(Local) }

func (failingTier) Store(context.Context, Key, *dataset.Table) error {
	return errors.New("disk full")
}

func TestObjectFetcherDownloadsOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	key := ArchiveKey("24277")
	payload := bytes.Repeat([]byte("x"), 4096)
	_, err := store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{})
	require.NoError(t, err)

	var progress bytes.Buffer
	obs := &countingObserver{}
	f := NewObjectFetcher(store, nil, time.Second, obs).WithProgress(&progress)
	dest := filepath.Join(t.TempDir(), "24277", "raw", "24277.sqlite")

	res := f.FetchFile(ctx, key, dest)
	require.Equal(t, Hit, res.Status)
	require.Equal(t, ObjectStore, res.Tier)
	require.Equal(t, int64(len(payload)), res.Bytes)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	res = f.FetchFile(ctx, key, dest)
	require.Equal(t, Local, res.Tier)
	require.Equal(t, 1, store.Downloads(key))
	require.Equal(t, []string{"object_store:hit"}, obs.lookups)
}

func TestObjectFetcherMissAndUnavailable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := NewObjectFetcher(memory.New(), nil, 0, nil)
	res := f.FetchFile(ctx, "absent.csv", filepath.Join(dir, "absent.csv"))
	require.Equal(t, Miss, res.Status)
	_, err := os.Stat(filepath.Join(dir, "absent.csv"))
	require.True(t, os.IsNotExist(err))

	res = NewObjectFetcher(nil, nil, 0, nil).FetchFile(ctx, "k", filepath.Join(dir, "k"))
	require.Equal(t, Unavailable, res.Status)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	res = f.FetchFile(cancelled, "absent.csv", filepath.Join(dir, "absent.csv"))
	require.Equal(t, Unavailable, res.Status)
}

func TestListPlates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, k := range []string{"24278/raw/24278.sqlite", "24277/raw/24277.sqlite", "24277/raw/mean_well_profiles.csv", "chemical_annotations.csv", "x/raw/y.sqlite"} {
		_, err := store.Put(ctx, k, bytes.NewReader(nil), blob.PutOptions{})
		require.NoError(t, err)
	}
	plates, err := NewObjectFetcher(store, nil, 0, nil).ListPlates(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Plate{"24277", "24278"}, plates)
}
