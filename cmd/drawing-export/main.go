// Command drawing-export exports released drawings of a company as PDF files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/drawing-exporter/internal/config"
	"github.com/Sternrassler/drawing-exporter/pkg/apiclient"
	"github.com/Sternrassler/drawing-exporter/pkg/cursor"
	"github.com/Sternrassler/drawing-exporter/pkg/exporter"
	"github.com/Sternrassler/drawing-exporter/pkg/logging"
	"github.com/Sternrassler/drawing-exporter/pkg/metrics"
	"github.com/Sternrassler/drawing-exporter/pkg/mirror"
	"github.com/Sternrassler/drawing-exporter/pkg/ratelimit"
	"github.com/Sternrassler/drawing-exporter/pkg/translation"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

// flags are the command line overrides of the environment configuration.
type flags struct {
	stack        string
	credentials  string
	dir          string
	stateBackend string
	stateFile    string
	redisURL     string
	logLevel     string
	logPretty    bool
	logFile      string
	metricsAddr  string
	schedule     string
	maxPages     int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:           "drawing-export",
		Short:         "Export released drawings as PDF files",
		Long:          "Walks the company revision feed since the last run and exports every released drawing as <partNumber>_<revision>.pdf",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, f)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.stack, "stack", "s", "", "credential profile in the credentials file (default cad)")
	pf.StringVar(&f.credentials, "credentials", "", "credentials file (default ./credentials.json)")
	pf.StringVarP(&f.dir, "dir", "d", "", "export directory (default ./pdfoutput/<stack>)")
	pf.StringVar(&f.stateBackend, "state-backend", "", "cursor backend: file or redis")
	pf.StringVar(&f.stateFile, "state-file", "", "cursor file (default <dir>/lastexport.json)")
	pf.StringVar(&f.redisURL, "redis-url", "", "redis URL for the cursor and shared rate limits")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&f.logPretty, "log-pretty", false, "human readable console logs")
	pf.StringVar(&f.logFile, "log-file", "", "rolling log file receiving every level")

	exportFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
		cmd.Flags().StringVar(&f.schedule, "schedule", "", "cron expression; run repeatedly instead of once")
		cmd.Flags().IntVar(&f.maxPages, "max-pages", 0, "stop after this many feed pages (0 = all)")
	}
	exportFlags(rootCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export new drawings since the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, f)
		},
	}
	exportFlags(exportCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted cursor and the bad revisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, f)
		},
	}

	forgetCmd := &cobra.Command{
		Use:   "forget <revisionId>",
		Short: "Remove a revision from the bad list so the next run retries it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForget(cmd, f, args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "drawing-export version %s\n", version)
		},
	}

	rootCmd.AddCommand(exportCmd, statusCmd, forgetCmd, versionCmd)
	return rootCmd
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}

	return config.FromEnv(func(c *config.Config) {
		if changed("stack") {
			c.Stack = f.stack
		}
		if changed("credentials") {
			c.CredentialsFile = f.credentials
		}
		if changed("dir") {
			c.ExportDir = f.dir
		}
		if changed("state-backend") {
			c.StateBackend = f.stateBackend
		}
		if changed("state-file") {
			c.StateFile = f.stateFile
		}
		if changed("redis-url") {
			c.RedisURL = f.redisURL
		}
		if changed("log-level") {
			c.Log.Level = f.logLevel
		}
		if changed("log-pretty") {
			c.Log.Pretty = f.logPretty
		}
		if changed("log-file") {
			c.Log.File = f.logFile
		}
		if changed("metrics-addr") {
			c.MetricsAddr = f.metricsAddr
		}
		if changed("schedule") {
			c.Schedule = f.schedule
		}
		if changed("max-pages") {
			c.MaxPages = f.maxPages
		}
	})
}

func setupLogging(cfg *config.Config) zerolog.Logger {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	logCfg.File = cfg.Log.File
	logging.Setup(logCfg)
	return logging.NewLogger("cli")
}

// connectRedis returns nil when no Redis URL is configured.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func openStore(cfg *config.Config, rdb *redis.Client) cursor.Store {
	if cfg.StateBackend == config.BackendRedis {
		return cursor.NewRedisStore(rdb, cfg.Stack)
	}
	return cursor.NewFileStore(cfg.StateFile)
}

func runExport(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials(cfg.CredentialsFile, cfg.Stack)
	if err != nil {
		return err
	}

	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	exp, err := buildExporter(ctx, cfg, creds, rdb)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if cfg.MetricsAddr != "" {
		server = newMetricsServer(cfg.MetricsAddr)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if server != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()
		}
		if cfg.Schedule != "" {
			return runScheduled(gctx, logger, cfg.Schedule, exp, out)
		}
		return runOnce(gctx, exp, out)
	})

	return g.Wait()
}

func buildExporter(ctx context.Context, cfg *config.Config, creds config.Credentials, rdb *redis.Client) (*exporter.Exporter, error) {
	tracker := ratelimit.NewTracker(rdb, cfg.Stack+":"+creds.CompanyID, logging.NewLogger("ratelimit"))

	apiCfg := apiclient.DefaultConfig(creds.URL, creds.AccessKey, creds.SecretKey, creds.CompanyID)
	apiCfg.RequestTimeout = cfg.RequestTimeout
	apiCfg.MaxRetries = cfg.MaxRetries
	apiCfg.RateLimiter = tracker

	api, err := apiclient.New(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create api client: %w", err)
	}

	if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	poller := translation.NewPoller(api, translation.Config{
		ExportDir:    cfg.ExportDir,
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.TranslationTimeout,
	})

	opts := []exporter.Option{exporter.WithMaxPages(cfg.MaxPages)}
	if cfg.Mirror.Enabled() {
		s3Client, err := mirror.NewS3Client(ctx, mirrorConfig(cfg.Mirror))
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		opts = append(opts, exporter.WithMirror(mirror.New(s3Client, cfg.Mirror.Bucket, cfg.Mirror.Prefix)))
	}

	return exporter.New(api, poller, openStore(cfg, rdb), opts...), nil
}

func mirrorConfig(m config.MirrorConfig) mirror.Config {
	return mirror.Config{
		Bucket:          m.Bucket,
		Prefix:          m.Prefix,
		Region:          m.Region,
		Endpoint:        m.Endpoint,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
	}
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func runOnce(ctx context.Context, exp *exporter.Exporter, out io.Writer) error {
	summary, err := exp.Run(ctx)
	printSummary(out, summary, err)
	return err
}

// runScheduled runs the export on every cron tick until ctx is done. A tick
// that fires while a run is still active is skipped.
func runScheduled(ctx context.Context, logger zerolog.Logger, schedule string, exp *exporter.Exporter, out io.Writer) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		summary, err := exp.Run(ctx)
		printSummary(out, summary, err)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Str("run_id", summary.RunID).Msg("Scheduled export failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	logger.Info().Str("schedule", schedule).Msg("Export scheduled")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func printSummary(w io.Writer, s exporter.Summary, runErr error) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	cyan.Fprintf(w, "\nExport run %s\n", s.RunID)
	fmt.Fprintf(w, "  • Pages:            %d\n", s.Pages)
	fmt.Fprintf(w, "  • Exported:         %d\n", s.Exported)
	fmt.Fprintf(w, "  • Already exported: %d\n", s.AlreadyExported)
	fmt.Fprintf(w, "  • Not drawings:     %d\n", s.NotDrawing)
	fmt.Fprintf(w, "  • Previously bad:   %d\n", s.PreviouslyBad)
	fmt.Fprintf(w, "  • Marked bad:       %d\n", s.MarkedBad)
	if s.MirrorFailures > 0 {
		fmt.Fprintf(w, "  • Mirror failures:  %d\n", s.MirrorFailures)
	}
	fmt.Fprintf(w, "  • Watermark:        %s (offset %d)\n", s.Cursor.Date, s.Cursor.Offset)

	switch {
	case runErr != nil:
		red.Fprintf(w, "✗ %v\n", runErr)
	case s.Exhausted:
		green.Fprintln(w, "✓ Feed exhausted")
	default:
		green.Fprintln(w, "✓ Stopped at page limit")
	}
}

func runStatus(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	cur, err := openStore(cfg, rdb).Load(ctx)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), cfg.Stack, cur)
	return nil
}

func printStatus(w io.Writer, stack string, cur cursor.Cursor) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Fprintf(w, "Stack %s\n", stack)
	fmt.Fprintf(w, "  • Watermark:   %s\n", cur.Date)
	fmt.Fprintf(w, "  • Offset:      %d\n", cur.Offset)
	if cur.PartNumber != "" {
		fmt.Fprintf(w, "  • Last export: %s rev %s\n", cur.PartNumber, cur.Revision)
	}
	fmt.Fprintf(w, "  • Bad:         %d\n", len(cur.BadRevisions))

	ids := make([]string, 0, len(cur.BadRevisions))
	for id := range cur.BadRevisions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		bad := cur.BadRevisions[id]
		yellow.Fprintf(w, "    %s %s_%s: %s\n", id, bad.PartNumber, bad.Revision, bad.Failure)
	}
}

func runForget(cmd *cobra.Command, f *flags, id string) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	store := openStore(cfg, rdb)
	cur, err := store.Load(ctx)
	if err != nil {
		return err
	}

	next, ok := cur.Forget(id)
	if !ok {
		return fmt.Errorf("revision %s is not in the bad list", id)
	}
	if err := store.Save(ctx, next); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Forgot %s\n", id)
	return nil
}
