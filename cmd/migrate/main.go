package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"course-anchor/internal/checkpoint"
	"course-anchor/internal/config"
	"course-anchor/internal/contentstore"
	"course-anchor/internal/domain"
	"course-anchor/internal/httpx"
	"course-anchor/internal/ledger"
	"course-anchor/internal/migrate"
	"course-anchor/internal/observability/logger"
	"course-anchor/internal/observability/metrics"
	"course-anchor/internal/observability/tracing"
	"course-anchor/internal/report"
	"course-anchor/internal/sftpclient"
	"course-anchor/internal/signerlock"
	"course-anchor/internal/source"
)

// Exit codes.
const (
	exitOK      = 0
	exitFatal   = 1
	exitStartup = 2
	exitFailed  = 3
)

const fromDateLayout = "2006-01-02"

// exitError carries the process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func startupErr(err error) error { return &exitError{code: exitStartup, err: err} }

type flags struct {
	network      string
	batchSize    int
	dryRun       bool
	fromDate     string
	courses      string
	maxRetries   int
	delay        time.Duration
	workers      int
	checkpoint   string
	reportDir    string
	uploadReport bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(config.Load(), stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "error:", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// flag parsing and usage errors
	return exitStartup
}

func newRootCmd(cfg config.Config, stdout io.Writer) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Anchor course completion certificates on the ledger",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, f, stdout)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.network, "network", cfg.Network, "ledger network: testnet, pubnet or futurenet")
	fl.IntVar(&f.batchSize, "batch-size", cfg.BatchSize, "records per checkpointed batch")
	fl.BoolVar(&f.dryRun, "dry-run", false, "package and hash records without publishing or anchoring")
	fl.StringVar(&f.fromDate, "from-date", "", "only records completed on or after this date (YYYY-MM-DD)")
	fl.StringVar(&f.courses, "courses", "", "comma-separated course ids to migrate")
	fl.IntVar(&f.maxRetries, "max-retries", cfg.MaxRetries, "anchor retries after a confirmation timeout")
	fl.DurationVar(&f.delay, "delay", cfg.InterRecordDelay, "wait after each anchored record")
	fl.IntVar(&f.workers, "workers", cfg.Workers, "parallel package/publish workers")
	fl.StringVar(&f.checkpoint, "checkpoint", cfg.CheckpointPath, "checkpoint file")
	fl.StringVar(&f.reportDir, "report-dir", cfg.ReportDir, "directory for run reports")
	fl.BoolVar(&f.uploadReport, "upload-report", false, "upload the compressed report over SFTP")
	return cmd
}

func run(ctx context.Context, cfg config.Config, f flags, stdout io.Writer) error {
	startedAt := time.Now().UTC()
	runID := ulid.Make().String()

	// 1. Validar flags y configuración
	network, err := ledger.ParseNetwork(f.network)
	if err != nil {
		return startupErr(err)
	}
	fromDate, err := parseFromDate(f.fromDate)
	if err != nil {
		return startupErr(err)
	}
	courses := parseCourses(f.courses)

	cfg.Network = string(network)
	cfg.BatchSize = f.batchSize
	cfg.MaxRetries = f.maxRetries
	cfg.InterRecordDelay = f.delay
	cfg.Workers = f.workers
	cfg.CheckpointPath = f.checkpoint
	cfg.ReportDir = f.reportDir
	if err := cfg.Validate(f.dryRun); err != nil {
		return startupErr(fmt.Errorf("invalid configuration: %w", err))
	}
	if f.uploadReport && !cfg.SFTPConfigured() {
		return startupErr(errors.New("--upload-report needs SFTP_HOST / SFTP_USER / SFTP_PASS"))
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return startupErr(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("run_id", runID))

	endpoint, insecure := otlpTarget(cfg.OTLPEndpoint)
	tracer, shutdownTracing, err := tracing.Setup(ctx, endpoint, insecure)
	if err != nil {
		return startupErr(err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("trace flush failed", zap.Error(err))
		}
	}()
	met := metrics.New()

	// 2. Inicializar y autenticar colaboradores
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	initStart := time.Now()
	c, err := initCollaborators(ctx, cfg, network, f.dryRun, log)
	if err != nil {
		return startupErr(err)
	}
	defer c.close(log)
	go watchSignerLock(ctx, c.lockLost, cancelRun, log)
	log.Info("collaborators ready",
		zap.Bool("dry_run", f.dryRun),
		zap.String("network", string(network)),
		zap.Duration("took", time.Since(initStart)))

	// 3. Migrar
	store := checkpoint.NewFileStore(cfg.CheckpointPath, log)
	var appender checkpoint.Appender = store
	if f.dryRun {
		appender = checkpoint.Discard{}
	}

	orch := migrate.New(migrate.Deps{
		RunID:      runID,
		Source:     c.reader,
		Transport:  c.transport,
		Signer:     c.signer,
		History:    store,
		Checkpoint: appender,
		Metrics:    met,
		Tracer:     tracer,
		Log:        log,
	})
	outcome, runErr := orch.Run(ctx, migrate.Options{
		BatchSize:        cfg.BatchSize,
		FromDate:         fromDate,
		CourseIDs:        courses,
		MaxRetries:       cfg.MaxRetries,
		InterRecordDelay: cfg.InterRecordDelay,
		Workers:          cfg.Workers,
		AnchorBackoff:    cfg.AnchorBackoff,
		// a single attempt polls for up to ConfirmTimeout
		AnchorTimeout: cfg.ConfirmTimeout + cfg.PublishTimeout,
	})

	// 4. El reporte se escribe siempre, también tras un error fatal
	rep := report.Finalize(outcome.Results, report.RunConfig{
		RunID:            runID,
		Network:          string(network),
		DryRun:           f.dryRun,
		BatchSize:        cfg.BatchSize,
		FromDate:         fromDate,
		CourseIDs:        courses,
		MaxRetries:       cfg.MaxRetries,
		InterRecordDelay: cfg.InterRecordDelay.String(),
		Workers:          cfg.Workers,
		ContentStore:     contentStoreName(cfg, f.dryRun),
		StartedAt:        startedAt,
	})
	rep.AlreadyAnchored = outcome.AlreadyAnchored
	if runErr != nil {
		rep.FatalError = runErr.Error()
	}

	paths, writeErr := report.Writer{Dir: cfg.ReportDir, Log: log}.Write(rep)
	if writeErr != nil {
		log.Error("report write failed", zap.Error(writeErr))
	} else {
		log.Info("report written", zap.String("json", paths.JSON), zap.String("csv", paths.CSV))
		if f.uploadReport {
			name, err := report.Archive(ctx, sftpConfig(cfg), paths.JSON)
			if err != nil {
				log.Error("report upload failed", zap.Error(err))
			} else {
				log.Info("report uploaded", zap.String("remote", name))
			}
		}
	}

	if cfg.MetricsTextfile != "" {
		if err := met.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Warn("metrics textfile", zap.Error(err))
		}
	}

	printSummary(stdout, rep, paths, outcome.Cancelled)

	code, err := exitStatus(rep, outcome, runErr, writeErr)
	if err != nil {
		return &exitError{code: code, err: err}
	}
	return nil
}

// exitStatus maps the run's end state to an exit code.
func exitStatus(rep report.MigrationReport, outcome migrate.Outcome, runErr, writeErr error) (int, error) {
	switch {
	case runErr != nil && errors.Is(runErr, domain.ErrPermissionDenied):
		return exitStartup, runErr
	case runErr != nil:
		return exitFatal, runErr
	case writeErr != nil:
		return exitFatal, writeErr
	case outcome.Cancelled:
		return exitFatal, errors.New("run interrupted; rerun to resume from the checkpoint")
	case rep.HasFailures():
		return exitFailed, fmt.Errorf("%d record(s) failed", rep.Totals[domain.StatusFailed])
	}
	return exitOK, nil
}

type collaborators struct {
	reader    *source.Reader
	transport migrate.Transport
	signer    *ledger.Signer
	// lockLost is nil when the signer is not locked
	lockLost  <-chan struct{}
	closers   []func() error
}

func (c *collaborators) close(log *zap.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}
}

// initCollaborators opens and checks everything the run talks to. Dry runs
// only need the source store.
func initCollaborators(ctx context.Context, cfg config.Config, network ledger.Network, dryRun bool, log *zap.Logger) (_ *collaborators, err error) {
	c := &collaborators{}
	defer func() {
		if err != nil {
			c.close(log)
		}
	}()

	// 1. Source store
	db, err := source.Open(cfg.DBType, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		c.closers = append(c.closers, sqlDB.Close)
	}
	c.reader = source.NewReader(db, cfg.DBPageSize, log)
	if err := c.reader.Ping(ctx); err != nil {
		return nil, err
	}

	if dryRun {
		c.transport = migrate.NewDryRun()
		log.Info("dry run: nothing will be published, anchored or checkpointed")
		return c, nil
	}

	// 2. Content store
	var publisher contentstore.Publisher
	switch cfg.ContentStore {
	case config.StoreGCS:
		g, err := contentstore.NewGCS(ctx, contentstore.GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsJSON: cfg.GCSCredentials,
			MaxAttempts:     httpx.DefaultRetryConfig().MaxAttempts,
			Timeout:         cfg.PublishTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, g.Close)
		publisher = g
	default:
		publisher = contentstore.NewIPFS(cfg.IPFSAPIURL, cfg.IPFSToken,
			httpx.NewClient(cfg.PublishTimeout, httpx.DefaultRetryConfig(), log), log)
	}
	if err := publisher.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}

	// 3. Ledger
	signer, err := ledger.NewSigner(cfg.SignerSecret, network)
	if err != nil {
		return nil, err
	}
	c.signer = signer

	gw := ledger.NewGateway(cfg.LedgerGatewayURL, cfg.LedgerGatewayToken,
		httpx.NewClient(30*time.Second, httpx.DefaultRetryConfig(), log))

	var resolver ledger.AddressResolver = gw
	if cfg.AddressResolver == config.ResolverFile {
		dir, err := ledger.LoadDirectory(cfg.AddressDirectory)
		if err != nil {
			return nil, err
		}
		log.Info("address directory loaded", zap.String("path", cfg.AddressDirectory), zap.Int("subjects", dir.Len()))
		resolver = dir
	}

	writer := ledger.NewWriter(gw, resolver, ledger.WriterOptions{
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.ConfirmPollInterval,
	}, log)

	ok, err := writer.HasAnchorCapability(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: signer %s cannot anchor on %s", domain.ErrPermissionDenied, signer.Address(), network)
	}

	// 4. Lock del signer, antes de leer la secuencia
	if cfg.RedisAddr != "" {
		locker := signerlock.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.SignerLockTTL, log)
		c.closers = append(c.closers, locker.Close)
		if err := locker.Ping(ctx); err != nil {
			return nil, err
		}
		h, err := locker.Acquire(ctx, signer.Address())
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { return h.Release(context.Background()) })
		c.lockLost = h.Lost()
	} else {
		log.Warn("REDIS_ADDR not set; signer is not locked against other processes")
	}

	if err := writer.SyncSequence(ctx, signer); err != nil {
		return nil, err
	}

	c.transport = migrate.NewLive(publisher, writer)
	return c, nil
}

// watchSignerLock stops the run when another process takes the signer over.
// The orchestrator then halts between records.
func watchSignerLock(ctx context.Context, lost <-chan struct{}, cancel context.CancelFunc, log *zap.Logger) {
	select {
	case <-lost:
		log.Error("signer lock lost, stopping the run")
		cancel()
	case <-ctx.Done():
	}
}

func parseFromDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(fromDateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("--from-date must be YYYY-MM-DD: %w", err)
	}
	return &t, nil
}

// parseCourses splits a comma-separated list, dropping blanks and duplicates.
func parseCourses(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// otlpTarget accepts host:port or a URL; plain http and bare host:port
// disable TLS.
func otlpTarget(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), false
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), true
	}
	return endpoint, true
}

func contentStoreName(cfg config.Config, dryRun bool) string {
	if dryRun {
		return "hash-only"
	}
	return cfg.ContentStore
}

func sftpConfig(cfg config.Config) sftpclient.Config {
	return sftpclient.Config{
		Host:                  cfg.SFTPHost,
		Port:                  cfg.SFTPPort,
		User:                  cfg.SFTPUser,
		Pass:                  cfg.SFTPPass,
		RemoteDir:             cfg.SFTPDir,
		KnownHostsPath:        cfg.SFTPKnownHosts,
		InsecureIgnoreHostKey: cfg.SFTPInsecureIgnoreHostKey,
	}
}

func printSummary(w io.Writer, rep report.MigrationReport, paths report.Paths, cancelled bool) {
	mode := "live"
	if rep.Config.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "Run %s (%s, %s)\n", rep.RunID, rep.Config.Network, mode)
	fmt.Fprintf(w, "  success: %d  failed: %d  skipped: %d  already anchored: %d\n",
		rep.Totals[domain.StatusSuccess], rep.Totals[domain.StatusFailed], rep.Totals[domain.StatusSkipped], rep.AlreadyAnchored)
	fmt.Fprintf(w, "  cost: %s XLM\n", rep.CostTotal.StringFixed(7))
	for _, r := range rep.Results {
		if r.Status == domain.StatusFailed {
			fmt.Fprintf(w, "  FAILED %s [%s] %s\n", r.SourceID, r.ErrorKind, r.Error)
		}
	}
	if cancelled {
		fmt.Fprintln(w, "  interrupted: rerun to continue from the checkpoint")
	}
	if rep.FatalError != "" {
		fmt.Fprintf(w, "  fatal: %s\n", rep.FatalError)
	}
	if paths.JSON != "" {
		fmt.Fprintf(w, "  report: %s\n", paths.JSON)
	}
	fmt.Fprintf(w, "Finished in %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
}
