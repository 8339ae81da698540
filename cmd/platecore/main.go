// Command platecore resolves per-plate datasets from the cache tiers,
// rebuilding them from the raw plate archive when no tier holds them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"platecore/internal/config"
	"platecore/internal/core"
	"platecore/internal/dataset"
	"platecore/internal/logging"
	"platecore/pkg/domain"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(&cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "platecore",
		Short:        "Resolve plate datasets from cache tiers and raw archives",
		SilenceUsage: true,
	}
	category := string(cfg.Category)
	bindFlags(root.PersistentFlags(), cfg, &category)

	var printCSV bool
	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve one plate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyCategory(cfg, category); err != nil {
				return err
			}
			return cmdResolve(cmd, *cfg, printCSV)
		},
	}
	resolveCmd.Flags().BoolVar(&printCSV, "csv", false, "write the resolved table to stdout as CSV")

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Resolve many plates in parallel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyCategory(cfg, category); err != nil {
				return err
			}
			return cmdBatch(cmd, *cfg)
		},
	}
	batchCmd.Flags().IntVar(&cfg.Workers, "workers", cfg.Workers, "plates resolved in parallel")
	batchCmd.Flags().BoolVar(&cfg.AllPlates, "all", cfg.AllPlates, "resolve every plate found in the object store")

	root.AddCommand(resolveCmd, batchCmd)
	return root
}

// bindFlags registers the shared flags. Defaults come from the environment,
// so a flag only overrides its variable when given.
func bindFlags(fs *pflag.FlagSet, cfg *config.Config, category *string) {
	fs.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "warehouse project id")
	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "warehouse dataset")
	fs.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "object store bucket")
	fs.StringVar(&cfg.Plate, "plate", cfg.Plate, "plate id")
	fs.StringVar(&cfg.Plate, "plates", cfg.Plate, "comma separated plate ids")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "local data root")
	fs.StringVar(category, "category", *category, "pictures|small|cells")
	fs.StringVar(&cfg.ObjectDriver, "object-driver", cfg.ObjectDriver, "s3|fs|memory")
	fs.StringVar(&cfg.ObjectRoot, "object-root", cfg.ObjectRoot, "bucket directory when object-driver=fs")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "custom S3 endpoint")
	fs.BoolVar(&cfg.S3PathStyle, "s3-path-style", cfg.S3PathStyle, "use path-style S3 addressing")
	fs.StringVar(&cfg.WarehouseDSN, "warehouse-dsn", cfg.WarehouseDSN, "postgres DSN of the warehouse")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for cross-process plate claims")
	fs.DurationVar(&cfg.ClaimTTL, "claim-ttl", cfg.ClaimTTL, "plate claim lease")
	fs.DurationVar(&cfg.TierTimeout, "tier-timeout", cfg.TierTimeout, "bound on each remote table lookup")
	fs.DurationVar(&cfg.DownloadTimeout, "download-timeout", cfg.DownloadTimeout, "bound on each object download")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json|console")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /metrics on this address")
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "show download progress")
}

func applyCategory(cfg *config.Config, name string) error {
	c, err := domain.ParseCategory(name)
	if err != nil {
		return err
	}
	cfg.Category = c
	return nil
}

// session is the state shared by every command run.
type session struct {
	log     *zap.Logger
	runtime *core.Runtime
	server  *http.Server
}

func openSession(ctx context.Context, cfg config.Config) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	s := &session{log: log}

	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		s.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	s.runtime, err = core.Open(ctx, cfg, log, registerer)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.runtime != nil {
		if err := s.runtime.Close(); err != nil {
			s.log.Warn("close runtime", zap.Error(err))
		}
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	_ = s.log.Sync()
}

func cmdResolve(cmd *cobra.Command, cfg config.Config, printCSV bool) error {
	plates := cfg.Plates()
	if len(plates) != 1 {
		return fmt.Errorf("resolve takes exactly one plate, got %d", len(plates))
	}
	s, err := openSession(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.close()

	out, err := s.runtime.Service.Resolve(cmd.Context(), core.Request{Plate: plates[0], Category: cfg.Category})
	if err != nil {
		return err
	}
	if printCSV {
		return dataset.WriteCSV(cmd.OutOrStdout(), out.Table)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d rows\n", out.Plate, out.Category, out.Source, out.Table.Len())
	return err
}

func cmdBatch(cmd *cobra.Command, cfg config.Config) error {
	s, err := openSession(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.close()

	plates := cfg.Plates()
	if cfg.AllPlates {
		if plates, err = s.runtime.Fetcher.ListPlates(cmd.Context()); err != nil {
			return err
		}
	}
	report := s.runtime.Service.RunBatch(cmd.Context(), plates, cfg.Category, cfg.Workers)
	w := cmd.OutOrStdout()
	for _, out := range report.Resolved {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d rows\n", out.Plate, out.Category, out.Source, out.Table.Len())
	}
	if report.OK() {
		return nil
	}
	failed := make([]string, 0, len(report.Failed))
	for _, p := range plates {
		if err, ok := report.Failed[p]; ok {
			fmt.Fprintf(w, "%s\t%s\tfailed\t%v\n", p, cfg.Category, err)
			failed = append(failed, p.String())
		}
	}
	return fmt.Errorf("%d of %d plates failed: %s", len(failed), len(plates), strings.Join(failed, ","))
}
