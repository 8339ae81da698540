// Package config loads the runtime settings of the resolution engine from
// PLATECORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zeebo/errs"

	"platecore/pkg/domain"
)

// Error is the class of configuration errors.
var Error = errs.Class("config")

// Environment variable names.
//
//	PLATECORE_PROJECT:          warehouse project id (required)
//	PLATECORE_DATASET:          warehouse dataset / schema (required)
//	PLATECORE_BUCKET:           object store bucket holding archives and annotations (required)
//	PLATECORE_PLATE:            plate id, or a comma separated list for batch runs
//	PLATECORE_ALL_PLATES:       resolve every plate found in the object store
//	PLATECORE_ROOT:             local working root (required)
//	PLATECORE_CATEGORY:         pictures|small|cells (default pictures)
//	PLATECORE_OBJECT_DRIVER:    s3|fs|memory (default s3)
//	PLATECORE_OBJECT_ROOT:      directory standing in for the bucket when driver=fs
//	PLATECORE_S3_REGION:        default us-east-1
//	PLATECORE_S3_ENDPOINT:      custom endpoint (MinIO, localstack)
//	PLATECORE_S3_PATH_STYLE:    force path-style addressing
//	PLATECORE_WAREHOUSE_DSN:    postgres DSN; the warehouse tier is disabled when empty
//	PLATECORE_REDIS_ADDR:       redis address for cross-process claims; in-process when empty
//	PLATECORE_CLAIM_TTL:        claim lease (default 1m)
//	PLATECORE_TIER_TIMEOUT:     bound on each remote table lookup (default 30s)
//	PLATECORE_DOWNLOAD_TIMEOUT: bound on each object download (default 15m)
//	PLATECORE_WORKERS:          plates resolved in parallel (default 1)
//	PLATECORE_LOG_LEVEL:        debug|info|warn|error (default info)
//	PLATECORE_LOG_FORMAT:       json|console (default json)
//	PLATECORE_METRICS_ADDR:     listen address for /metrics; disabled when empty
//	PLATECORE_PROGRESS:         show download progress bars (default false)
const (
	EnvProject         = "PLATECORE_PROJECT"
	EnvDataset         = "PLATECORE_DATASET"
	EnvBucket          = "PLATECORE_BUCKET"
	EnvPlate           = "PLATECORE_PLATE"
	EnvAllPlates       = "PLATECORE_ALL_PLATES"
	EnvRoot            = "PLATECORE_ROOT"
	EnvCategory        = "PLATECORE_CATEGORY"
	EnvObjectDriver    = "PLATECORE_OBJECT_DRIVER"
	EnvObjectRoot      = "PLATECORE_OBJECT_ROOT"
	EnvS3Region        = "PLATECORE_S3_REGION"
	EnvS3Endpoint      = "PLATECORE_S3_ENDPOINT"
	EnvS3PathStyle     = "PLATECORE_S3_PATH_STYLE"
	EnvWarehouseDSN    = "PLATECORE_WAREHOUSE_DSN"
	EnvRedisAddr       = "PLATECORE_REDIS_ADDR"
	EnvClaimTTL        = "PLATECORE_CLAIM_TTL"
	EnvTierTimeout     = "PLATECORE_TIER_TIMEOUT"
	EnvDownloadTimeout = "PLATECORE_DOWNLOAD_TIMEOUT"
	EnvWorkers         = "PLATECORE_WORKERS"
	EnvLogLevel        = "PLATECORE_LOG_LEVEL"
	EnvLogFormat       = "PLATECORE_LOG_FORMAT"
	EnvMetricsAddr     = "PLATECORE_METRICS_ADDR"
	EnvProgress        = "PLATECORE_PROGRESS"
)

// Config carries every setting of a run. Zero durations and worker counts
// are replaced by defaults in Load.
type Config struct {
	ProjectID string
	Dataset   string
	Bucket    string
	Plate     string
	AllPlates bool
	Root      string
	Category  domain.Category

	ObjectDriver string
	ObjectRoot   string
	S3Region     string
	S3Endpoint   string
	S3PathStyle  bool

	WarehouseDSN string
	RedisAddr    string
	ClaimTTL     time.Duration

	TierTimeout     time.Duration
	DownloadTimeout time.Duration
	Workers         int

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	Progress    bool
}

// Defaults.
const (
	DefaultTierTimeout     = 30 * time.Second
	DefaultDownloadTimeout = 15 * time.Minute
	DefaultClaimTTL        = time.Minute
	DefaultWorkers         = 1
	DefaultS3Region        = "us-east-1"
)

// Default returns a Config with every optional setting at its default.
func Default() Config {
	return Config{
		Category:        domain.CategoryPictures,
		ObjectDriver:    "s3",
		S3Region:        DefaultS3Region,
		ClaimTTL:        DefaultClaimTTL,
		TierTimeout:     DefaultTierTimeout,
		DownloadTimeout: DefaultDownloadTimeout,
		Workers:         DefaultWorkers,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads the optional dotenv files (variables already set in the
// process win) and then the environment. Missing dotenv files are ignored.
func Load(dotenv ...string) (Config, error) {
	for _, path := range dotenv {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, Error.New("load %s: %w", path, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var group errs.Group

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			group.Add(fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	flag := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			group.Add(fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = b
	}

	str(EnvProject, &cfg.ProjectID)
	str(EnvDataset, &cfg.Dataset)
	str(EnvBucket, &cfg.Bucket)
	str(EnvPlate, &cfg.Plate)
	flag(EnvAllPlates, &cfg.AllPlates)
	str(EnvRoot, &cfg.Root)
	str(EnvObjectDriver, &cfg.ObjectDriver)
	str(EnvObjectRoot, &cfg.ObjectRoot)
	str(EnvS3Region, &cfg.S3Region)
	str(EnvS3Endpoint, &cfg.S3Endpoint)
	flag(EnvS3PathStyle, &cfg.S3PathStyle)
	str(EnvWarehouseDSN, &cfg.WarehouseDSN)
	str(EnvRedisAddr, &cfg.RedisAddr)
	dur(EnvClaimTTL, &cfg.ClaimTTL)
	dur(EnvTierTimeout, &cfg.TierTimeout)
	dur(EnvDownloadTimeout, &cfg.DownloadTimeout)
	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvLogFormat, &cfg.LogFormat)
	str(EnvMetricsAddr, &cfg.MetricsAddr)
	flag(EnvProgress, &cfg.Progress)

	if v, ok := lookup(EnvCategory); ok && strings.TrimSpace(v) != "" {
		c, err := domain.ParseCategory(v)
		if err != nil {
			group.Add(fmt.Errorf("%s: %w", EnvCategory, err))
		} else {
			cfg.Category = c
		}
	}
	if v, ok := lookup(EnvWorkers); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			group.Add(fmt.Errorf("%s: %w", EnvWorkers, err))
		} else {
			cfg.Workers = n
		}
	}

	if err := group.Err(); err != nil {
		return Config{}, Error.Wrap(err)
	}
	return cfg, nil
}

// Plates splits the Plate setting into plate ids, dropping blanks and
// duplicates while keeping order.
func (c Config) Plates() []domain.Plate {
	var out []domain.Plate
	seen := map[string]bool{}
	for _, p := range strings.Split(c.Plate, ",") {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, domain.Plate(p))
	}
	return out
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var group errs.Group
	required := []struct{ name, value string }{
		{EnvProject, c.ProjectID},
		{EnvDataset, c.Dataset},
		{EnvBucket, c.Bucket},
		{EnvRoot, c.Root},
	}
	for _, r := range required {
		if r.value == "" {
			group.Add(fmt.Errorf("%s is required", r.name))
		}
	}
	if !c.AllPlates && len(c.Plates()) == 0 {
		group.Add(fmt.Errorf("%s is required", EnvPlate))
	}
	if !c.Category.Valid() {
		group.Add(fmt.Errorf("unknown category %q", c.Category))
	}
	switch c.ObjectDriver {
	case "s3", "memory":
	case "fs":
		if c.ObjectRoot == "" {
			group.Add(fmt.Errorf("%s is required when %s=fs", EnvObjectRoot, EnvObjectDriver))
		}
	default:
		group.Add(fmt.Errorf("unknown object driver %q", c.ObjectDriver))
	}
	if c.Workers < 1 {
		group.Add(fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{{EnvTierTimeout, c.TierTimeout}, {EnvDownloadTimeout, c.DownloadTimeout}, {EnvClaimTTL, c.ClaimTTL}} {
		if d.v <= 0 {
			group.Add(fmt.Errorf("%s must be positive", d.name))
		}
	}
	if err := group.Err(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
