package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platecore/internal/annotation"
	"platecore/internal/blob"
	"platecore/internal/claim"
	"platecore/internal/dataset"
	"platecore/internal/decompose"
	"platecore/internal/infra/blob/memory"
	"platecore/internal/infra/persistence/postgres"
	"platecore/internal/tier"
	"platecore/pkg/domain"
)

const testPlate = domain.Plate("24277")

var cellFeatureColumns = []string{
	"Cells_AreaShape_Area", "Cells_AreaShape_Compactness", "Cells_AreaShape_Eccentricity",
	"Cells_AreaShape_EulerNumber", "Cells_AreaShape_Extent", "Cells_AreaShape_FormFactor",
	"Cells_AreaShape_MaxFeretDiameter", "Cells_AreaShape_MinFeretDiameter", "Cells_AreaShape_MeanRadius",
	"Cells_AreaShape_MedianRadius", "Cells_AreaShape_Orientation", "Cells_AreaShape_Perimeter",
	"Cells_AreaShape_Solidity", "Cells_AreaShape_Zernike_0_0", "Cells_Children_Cytoplasm_Count",
	"Cells_Granularity_10_RNA",
}

const wellsCSV = `Metadata_Well,Metadata_ASSAY_WELL_ROLE,Metadata_broad_sample,Metadata_mmoles_per_liter
B02,treated,BRD-1,5
C03,mock,,0
`

const chemicalsCSV = `BROAD_ID,CPD_NAME,CPD_NAME_TYPE,SOURCE_NAME,CPD_SMILES
BRD-1,aspirin,primary,Broad,CC(=O)O
`

// writeArchive creates a plate database at path. Image 2 has agreeing
// channel paths in well B02; image 1 disagrees on the well.
func writeArchive(t *testing.T, path string, withImages bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	db, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	db.MustExec(`CREATE TABLE Image (TableNumber INTEGER, Image_URL_OrigAGP TEXT, Image_URL_OrigDNA TEXT,
		Image_URL_OrigER TEXT, Image_URL_OrigMito TEXT, Image_URL_OrigRNA TEXT, Image_Count_Cells INTEGER)`)
	cols := "TableNumber INTEGER"
	for _, c := range cellFeatureColumns {
		cols += ", " + c + " REAL"
	}
	db.MustExec(`CREATE TABLE Cells (` + cols + `)`)
	if !withImages {
		return
	}
	ref := func(well string, w int) string {
		return fmt.Sprintf("file:/scans/24277/cdp2_%s_s%d_w%d.tif", well, 1, w)
	}
	db.MustExec(`INSERT INTO Image VALUES (1, ?, ?, ?, ?, ?, 7)`,
		ref("C03", 1), ref("C03", 2), ref("C04", 3), ref("C03", 4), ref("C03", 5))
	db.MustExec(`INSERT INTO Image VALUES (2, ?, ?, ?, ?, ?, 12)`,
		ref("B02", 1), ref("B02", 2), ref("B02", 3), ref("B02", 4), ref("B02", 5))
	insert := `INSERT INTO Cells (TableNumber, Cells_AreaShape_Area, Cells_AreaShape_EulerNumber) VALUES (?, ?, ?)`
	db.MustExec(insert, 1, 100.0, 1)
	db.MustExec(insert, 1, 300.0, 1)
	db.MustExec(insert, 2, 50.0, 0)
}

type fakeWarehouse struct {
	mu         sync.Mutex
	tables     map[string]*dataset.Table
	readErr    error
	replaceErr error
	reads      int
	replaces   int
}

func (f *fakeWarehouse) Read(_ context.Context, table string) (*dataset.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	t, ok := f.tables[table]
	if !ok {
		return nil, postgres.ErrTableNotFound
	}
	return t.Clone(), nil
}

func (f *fakeWarehouse) Replace(_ context.Context, table string, t *dataset.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces++
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.tables[table] = t.Clone()
	return nil
}

func (f *fakeWarehouse) QualifiedName(table string) string { return "proj.cellpaint." + table }

func (f *fakeWarehouse) counts() (reads, replaces int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.replaces
}

type fixture struct {
	root    string
	objects *memory.Store
	wh      *fakeWarehouse
	reg     *prometheus.Registry
	metrics *Metrics
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root:    t.TempDir(),
		objects: memory.New(),
		wh:      &fakeWarehouse{tables: map[string]*dataset.Table{}},
		reg:     prometheus.NewRegistry(),
	}
	f.metrics = NewMetrics(f.reg)
	local, err := blob.NewFilesystem(f.root)
	require.NoError(t, err)
	fetcher := tier.NewObjectFetcher(f.objects, nil, time.Minute, f.metrics)
	chain := tier.NewChain(nil, time.Second, f.metrics, tier.NewLocal(local), tier.NewWarehouse(f.wh))
	f.svc = NewService(Deps{
		Chain:       chain,
		Fetcher:     fetcher,
		Annotations: annotation.NewLoader(fetcher, f.root, nil),
		Claimer:     claim.NewLocal(),
		References:  decompose.References{Root: f.root, Bucket: "plates"},
		Root:        f.root,
		Metrics:     f.metrics,
	})
	return f
}

func put(t *testing.T, store blob.Store, key string, body []byte) {
	t.Helper()
	_, err := store.Put(context.Background(), key, bytes.NewReader(body), blob.PutOptions{})
	require.NoError(t, err)
}

// seed uploads the plate's archive and annotations to the object store.
func (f *fixture) seed(t *testing.T, plate domain.Plate, withImages bool) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.sqlite")
	writeArchive(t, path, withImages)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	put(t, f.objects, tier.ArchiveKey(plate), body)
	put(t, f.objects, annotation.WellKey(plate), []byte(wellsCSV))
	if _, err := f.objects.Head(context.Background(), annotation.ChemicalKey); errors.Is(err, blob.ErrNotFound) {
		put(t, f.objects, annotation.ChemicalKey, []byte(chemicalsCSV))
	}
}

func (f *fixture) localPath(key tier.Key) string {
	return filepath.Join(f.root, filepath.FromSlash(key.LocalKey()))
}

func rowWhere(t *testing.T, tbl *dataset.Table, col, want string) int {
	t.Helper()
	for i := 0; i < tbl.Len(); i++ {
		if v, _ := tbl.Get(i, col); v.Text() == want {
			return i
		}
	}
	t.Fatalf("no row with %s=%s", col, want)
	return -1
}

func text(t *testing.T, tbl *dataset.Table, row int, col string) string {
	t.Helper()
	v, ok := tbl.Get(row, col)
	require.True(t, ok, "column %s", col)
	return v.Text()
}

func TestResolveFallsBackToArchiveAndPersistsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, testPlate, true)
	f.wh.readErr = errors.New("permission denied")

	req := Request{Plate: testPlate, Category: domain.CategoryPictures}
	out, err := f.svc.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tier.Archive, out.Source)
	assert.True(t, out.Persisted)
	require.Equal(t, 2, out.Table.Len())

	assert.Equal(t, 1, f.objects.Downloads(tier.ArchiveKey(testPlate)))
	reads, replaces := f.wh.counts()
	assert.Equal(t, 1, reads)
	assert.Equal(t, 1, replaces)
	assert.FileExists(t, f.localPath(req.Key()))

	b02 := rowWhere(t, out.Table, domain.ColWell, "B02")
	assert.Equal(t, "aspirin", text(t, out.Table, b02, domain.ColName))
	assert.Equal(t, "12", text(t, out.Table, b02, domain.ColCellCount))
	assert.Equal(t,
		filepath.ToSlash(f.root)+"/24277/raw/pictures/24277-Ph_golgi/cdp2_B02_s1_w1.tif",
		text(t, out.Table, b02, domain.ChannelGolgi.Column()))
	sentinel := rowWhere(t, out.Table, domain.ColWell, domain.WellSentinel)
	assert.Equal(t, domain.NullFill, text(t, out.Table, sentinel, domain.ColRole))
	assert.Equal(t, domain.NullFill, text(t, out.Table, sentinel, domain.ColName))

	again, err := f.svc.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tier.Local, again.Source)
	assert.False(t, again.Persisted)
	assert.True(t, out.Table.Unified().Equal(again.Table), "cached table differs from the built one")
	assert.Equal(t, 1, f.objects.Downloads(tier.ArchiveKey(testPlate)))
	reads, replaces = f.wh.counts()
	assert.Equal(t, 1, reads)
	assert.Equal(t, 1, replaces)
}

func TestResolveWarehouseHitWritesThroughWithoutDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, testPlate, true)
	req := Request{Plate: testPlate, Category: domain.CategoryPictures}
	stored := dataset.New(dataset.Column{Name: domain.ColWell, Kind: dataset.KindString})
	require.NoError(t, stored.Append(dataset.String("B02")))
	f.wh.tables[req.Key().TableName()] = stored

	out, err := f.svc.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tier.Warehouse, out.Source)
	assert.Equal(t, 0, f.objects.Downloads(tier.ArchiveKey(testPlate)))
	assert.FileExists(t, f.localPath(req.Key()))
	_, replaces := f.wh.counts()
	assert.Zero(t, replaces)
}

func TestResolveUsesLocalArchiveWithoutDownload(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testPlate, true)
	writeArchive(t, filepath.Join(f.root, filepath.FromSlash(tier.ArchiveKey(testPlate))), true)

	out, err := f.svc.Resolve(context.Background(), Request{Plate: testPlate, Category: domain.CategoryPictures})
	require.NoError(t, err)
	assert.Equal(t, tier.Archive, out.Source)
	assert.Equal(t, 0, f.objects.Downloads(tier.ArchiveKey(testPlate)))
}

func TestResolveSmallUsesBucketReferencesAndMeanArea(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testPlate, true)

	out, err := f.svc.Resolve(context.Background(), Request{Plate: testPlate, Category: domain.CategorySmall})
	require.NoError(t, err)
	require.Equal(t, 2, out.Table.Len())
	assert.Equal(t, -1, out.Table.Index(domain.ColImageID))
	assert.Equal(t, -1, out.Table.Index(domain.ColName))
	assert.Equal(t, -1, out.Table.Index(domain.ColDrugID))

	b02 := rowWhere(t, out.Table, domain.ColWell, "B02")
	assert.Equal(t, string(testPlate), text(t, out.Table, b02, domain.ColPlate))
	assert.Equal(t, "s3://plates/24277/raw/pictures/24277-Mito/cdp2_B02_s1_w4.tif", text(t, out.Table, b02, domain.ChannelMito.Column()))
	area, ok := out.Table.Get(b02, domain.ColMeanArea)
	require.True(t, ok)
	got, _ := area.Float()
	assert.InDelta(t, 50.0, got, 1e-6)

	sentinel := rowWhere(t, out.Table, domain.ColWell, domain.WellSentinel)
	area, _ = out.Table.Get(sentinel, domain.ColMeanArea)
	got, _ = area.Float()
	assert.InDelta(t, 200.0, got, 1e-6)
}

func TestResolveCellsCleansFeatures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testPlate, true)

	out, err := f.svc.Resolve(context.Background(), Request{Plate: testPlate, Category: domain.CategoryCells})
	require.NoError(t, err)
	require.Equal(t, 3, out.Table.Len())
	for i := 0; i < out.Table.Len(); i++ {
		for _, v := range out.Table.Rows[i] {
			assert.False(t, v.IsNull())
		}
	}
	v, ok := out.Table.Get(0, "CellsAreaShapeCompactness")
	require.True(t, ok)
	assert.Equal(t, dataset.KindFloat32, v.Kind())
	assert.Equal(t, "0", v.Text())
}

func TestResolveEmptyDatasetPersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testPlate, false)
	req := Request{Plate: testPlate, Category: domain.CategoryPictures}

	_, err := f.svc.Resolve(context.Background(), req)
	require.ErrorIs(t, err, ErrEmptyDataset)
	_, replaces := f.wh.counts()
	assert.Zero(t, replaces)
	assert.NoFileExists(t, f.localPath(req.Key()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.resolutions.WithLabelValues("pictures", "none", OutcomeEmpty)))
}

func TestResolveMissingArchiveIsFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resolve(context.Background(), Request{Plate: "00000", Category: domain.CategoryPictures})
	require.ErrorIs(t, err, ErrNoArchive)
	assert.True(t, Error.Has(err))
	_, replaces := f.wh.counts()
	assert.Zero(t, replaces)
}

func TestResolveCorruptArchiveIsFatal(t *testing.T) {
	f := newFixture(t)
	put(t, f.objects, tier.ArchiveKey(testPlate), []byte("not a database"))
	put(t, f.objects, annotation.WellKey(testPlate), []byte(wellsCSV))

	_, err := f.svc.Resolve(context.Background(), Request{Plate: testPlate, Category: domain.CategoryPictures})
	require.Error(t, err)
	assert.True(t, Error.Has(err))
	assert.NoFileExists(t, f.localPath(tier.Key{Plate: testPlate, Category: domain.CategoryPictures}))
}

func TestResolveWarehouseWriteFailureKeepsLocalAndTable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testPlate, true)
	f.wh.replaceErr = errors.New("quota exceeded")
	req := Request{Plate: testPlate, Category: domain.CategoryPictures}

	out, err := f.svc.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.False(t, out.Persisted)
	assert.Equal(t, 2, out.Table.Len())
	assert.FileExists(t, f.localPath(req.Key()))
}

func TestResolveRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resolve(context.Background(), Request{Category: domain.CategoryPictures})
	require.Error(t, err)
	_, err = f.svc.Resolve(context.Background(), Request{Plate: testPlate, Category: "thumbnails"})
	require.Error(t, err)
}

func TestRunBatchContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	plates := []domain.Plate{"24277", "24278", "99999"}
	f.seed(t, "24277", true)
	f.seed(t, "24278", true)

	report := f.svc.RunBatch(context.Background(), plates, domain.CategorySmall, 2)
	assert.False(t, report.OK())
	require.Len(t, report.Resolved, 2)
	assert.Equal(t, domain.Plate("24277"), report.Resolved[0].Plate)
	assert.Equal(t, domain.Plate("24278"), report.Resolved[1].Plate)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed["99999"], ErrNoArchive)
	_, replaces := f.wh.counts()
	assert.Equal(t, 2, replaces)
}

func TestRunBatchCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := f.svc.RunBatch(ctx, []domain.Plate{"1", "2"}, domain.CategoryPictures, 1)
	assert.Empty(t, report.Resolved)
	assert.Len(t, report.Failed, 2)
}

func TestMetricsCountLookups(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testPlate, true)
	req := Request{Plate: testPlate, Category: domain.CategoryPictures}
	_, err := f.svc.Resolve(context.Background(), req)
	require.NoError(t, err)
	_, err = f.svc.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.tierLookups.WithLabelValues("local", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.tierLookups.WithLabelValues("local", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.resolutions.WithLabelValues("pictures", "archive", OutcomeBuilt)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.resolutions.WithLabelValues("pictures", "local", OutcomeCached)))

	var nilMetrics *Metrics
	nilMetrics.TierLookup(tier.Local, tier.Hit, time.Millisecond)
	nilMetrics.Resolution(domain.CategoryPictures, tier.Local, OutcomeCached, time.Millisecond)
}

func TestCacheWriterRespectsClaim(t *testing.T) {
	f := newFixture(t)
	claimer := claim.NewLocal()
	release, err := claimer.Claim(context.Background(), testPlate)
	require.NoError(t, err)
	defer func() { _ = release(context.Background()) }()

	writer := NewCacheWriter(f.svc.chain, claimer, nil)
	tbl := dataset.New(dataset.Column{Name: domain.ColWell, Kind: dataset.KindString})
	require.NoError(t, tbl.Append(dataset.String("B02")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = writer.Write(ctx, tier.Key{Plate: testPlate, Category: domain.CategoryPictures}, tbl)
	require.ErrorIs(t, err, claim.ErrNotAcquired)
	_, replaces := f.wh.counts()
	assert.Zero(t, replaces)

	require.ErrorIs(t, writer.Write(context.Background(), tier.Key{Plate: testPlate}, dataset.New()), ErrEmptyDataset)
}

func TestProfiles(t *testing.T) {
	for _, c := range domain.Categories {
		p, err := ProfileFor(c)
		require.NoError(t, err)
		assert.Equal(t, c, p.Category)
	}
	small, _ := ProfileFor(domain.CategorySmall)
	assert.Equal(t, decompose.ReferenceBucket, small.References)
	assert.False(t, small.Chemicals)
	pictures, _ := ProfileFor(domain.CategoryPictures)
	assert.True(t, pictures.Chemicals)
	assert.Equal(t, CellsNone, pictures.Cells)
	_, err := ProfileFor("thumbnails")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "thumbnails"))
}
