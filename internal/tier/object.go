package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	progressbar "github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"

	"platecore/internal/blob"
	"platecore/pkg/domain"
)

// FileResult is the outcome of resolving a raw file to a local path.
type FileResult struct {
	Tier   Name // Local when the file was already present, ObjectStore when downloaded
	Status Status
	Path   string
	Bytes  int64
	Err    error
}

// ObjectFetcher materializes object-store keys as local files.
type ObjectFetcher struct {
	store    blob.Store
	timeout  time.Duration
	progress io.Writer
	log      *zap.Logger
	obs      Observer
}

// NewObjectFetcher returns a fetcher over store. A zero timeout leaves
// downloads unbounded.
func NewObjectFetcher(store blob.Store, log *zap.Logger, timeout time.Duration, obs Observer) *ObjectFetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &ObjectFetcher{store: store, timeout: timeout, log: log, obs: obs}
}

// WithProgress renders a byte progress bar to w for every download.
func (f *ObjectFetcher) WithProgress(w io.Writer) *ObjectFetcher {
	f.progress = w
	return f
}

// FetchFile ensures dest exists locally. An existing file is returned as a
// local hit without touching the object store; otherwise key is streamed to
// a temp file beside dest and renamed into place.
func (f *ObjectFetcher) FetchFile(ctx context.Context, key, dest string) FileResult {
	if st, err := os.Stat(dest); err == nil && !st.IsDir() {
		return FileResult{Tier: Local, Status: Hit, Path: dest, Bytes: st.Size()}
	}
	start := time.Now()
	res := f.download(ctx, key, dest)
	f.obs.TierLookup(ObjectStore, res.Status, time.Since(start))

	fields := []zap.Field{zap.String("key", key), zap.String("tier", string(ObjectStore)), zap.String("status", string(res.Status))}
	switch res.Status {
	case Hit:
		f.log.Info("downloaded", append(fields, zap.String("path", dest), zap.Int64("bytes", res.Bytes))...)
	case Unavailable:
		f.log.Warn("object store unavailable", append(fields, zap.Error(res.Err))...)
	default:
		f.log.Info("object not found", fields...)
	}
	return res
}

func (f *ObjectFetcher) download(ctx context.Context, key, dest string) FileResult {
	if f.store == nil {
		return FileResult{Tier: ObjectStore, Status: Unavailable, Err: errors.New("no object store configured")}
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	fail := func(err error) FileResult {
		if errors.Is(err, blob.ErrNotFound) {
			return FileResult{Tier: ObjectStore, Status: Miss, Err: ErrMiss}
		}
		return FileResult{Tier: ObjectStore, Status: Unavailable, Err: err}
	}

	info, rc, err := f.store.Get(ctx, key)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = rc.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fail(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	var w io.Writer = tmp
	if f.progress != nil {
		bar := progressbar.New64(info.Size).SetWriter(f.progress)
		bar.Set(progressbar.Bytes, true)
		bar.Start()
		defer bar.Finish()
		w = bar.NewProxyWriter(w)
	}
	n, err := io.Copy(w, contextReader{ctx: ctx, r: rc})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && info.Size > 0 && n != info.Size {
		err = fmt.Errorf("short download of %s: %d of %d bytes", key, n, info.Size)
	}
	if err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fail(err)
	}
	return FileResult{Tier: ObjectStore, Status: Hit, Path: dest, Bytes: n}
}

// ListPlates returns every plate that has an archival database in the
// object store, i.e. a key of the form "{plate}/raw/{plate}.sqlite".
func (f *ObjectFetcher) ListPlates(ctx context.Context) ([]domain.Plate, error) {
	if f.store == nil {
		return nil, errors.New("no object store configured")
	}
	infos, err := f.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var plates []domain.Plate
	for _, info := range infos {
		parts := strings.Split(info.Key, "/")
		if len(parts) == 3 && parts[1] == "raw" && parts[2] == parts[0]+".sqlite" {
			plates = append(plates, domain.Plate(parts[0]))
		}
	}
	sort.Slice(plates, func(i, j int) bool { return plates[i] < plates[j] })
	return plates, nil
}

// ArchiveKey is the object key of a plate's archival database.
func ArchiveKey(plate domain.Plate) string {
	return fmt.Sprintf("%s/raw/%s.sqlite", plate, plate)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
