package migrate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"course-anchor/internal/checkpoint"
	"course-anchor/internal/clock"
	"course-anchor/internal/concurrency"
	"course-anchor/internal/domain"
	"course-anchor/internal/ledger"
	"course-anchor/internal/mappers"
	"course-anchor/internal/observability/metrics"
	"course-anchor/internal/source"
)

// RecordSource is implemented by source.Reader.
type RecordSource interface {
	FetchEligible(ctx context.Context, f source.Filter) iter.Seq2[domain.SourceRecord, error]
}

// History returns what earlier runs recorded. Implemented by checkpoint.FileStore.
type History interface {
	Load(ctx context.Context) (checkpoint.State, error)
}

type Options struct {
	BatchSize        int
	FromDate         *time.Time
	CourseIDs        []string
	MaxRetries       int
	InterRecordDelay time.Duration
	Workers          int
	// AnchorBackoff is the wait before the first anchor retry; it doubles up
	// to AnchorBackoffMax.
	AnchorBackoff    time.Duration
	AnchorBackoffMax time.Duration
	// AnchorTimeout bounds one anchor attempt including confirmation polling.
	AnchorTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Workers <= 0 {
		o.Workers = concurrency.DefaultOptions().MaxWorkers
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.AnchorBackoff <= 0 {
		o.AnchorBackoff = 2 * time.Second
	}
	if o.AnchorBackoffMax < o.AnchorBackoff {
		o.AnchorBackoffMax = max(time.Minute, o.AnchorBackoff)
	}
	if o.AnchorTimeout <= 0 {
		o.AnchorTimeout = 5 * time.Minute
	}
	return o
}

// Outcome is what a run did, in anchoring order.
type Outcome struct {
	RunID   string
	Results []domain.MigrationResult
	// AlreadyAnchored counts eligible records skipped because the
	// checkpoint already holds a success for them.
	AlreadyAnchored int
	Batches         int
	Cancelled       bool
}

type Deps struct {
	RunID      string
	Source     RecordSource
	Package    func(domain.SourceRecord) (domain.MetadataPackage, error)
	Transport  Transport
	Signer     *ledger.Signer
	History    History
	Checkpoint checkpoint.Appender
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Log        *zap.Logger
}

// Orchestrator drives records through package, publish and anchor in
// batches. Package and publish run on a worker pool; anchoring is serial and
// follows completion-date order.
type Orchestrator struct {
	runID      string
	source     RecordSource
	pack       func(domain.SourceRecord) (domain.MetadataPackage, error)
	transport  Transport
	signer     *ledger.Signer
	history    History
	checkpoint checkpoint.Appender
	clock      clock.Clock
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	log        *zap.Logger
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		runID:      d.RunID,
		source:     d.Source,
		pack:       d.Package,
		transport:  d.Transport,
		signer:     d.Signer,
		history:    d.History,
		checkpoint: d.Checkpoint,
		clock:      d.Clock,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		log:        d.Log,
	}
	if o.pack == nil {
		o.pack = mappers.BuildPackage
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("migrate")
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("migrate").With(zap.String("run_id", o.runID))
	return o
}

type item struct {
	rec domain.SourceRecord
	// readErr is set when the source could not decode the record.
	readErr error
}

// prepared is a record after package and publish. result is set when the
// record already reached a terminal state.
type prepared struct {
	state  *recordState
	hash   domain.ContentHash
	result *domain.MigrationResult
}

// Run migrates every eligible record not already anchored. Per-record
// failures end up in the outcome; the returned error is fatal and means the
// run stopped early. Results gathered before a fatal error are still in the
// outcome.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Outcome, error) {
	opts = opts.withDefaults()
	out := Outcome{RunID: o.runID}

	ctx, span := o.tracer.Start(ctx, "migrate.run", trace.WithAttributes(attribute.String("run_id", o.runID)))
	defer span.End()

	hist, err := o.history.Load(ctx)
	if err != nil {
		return out, err
	}
	done := hist.SucceededIDs()
	o.log.Info("checkpoint loaded",
		zap.Int("batches", hist.Batches),
		zap.Int("results", len(hist.Results)),
		zap.Int("anchored", len(done)))

	// the read side is not interrupted; cancellation is checked between batches
	filter := source.Filter{FromDate: opts.FromDate, CourseIDs: opts.CourseIDs}
	next, stop := iter.Pull2(o.source.FetchEligible(context.WithoutCancel(ctx), filter))
	defer stop()

	for batchNo := 1; ; batchNo++ {
		if ctx.Err() != nil {
			out.Cancelled = true
			break
		}

		items, already, err := o.fillBatch(next, done, opts.BatchSize)
		out.AlreadyAnchored += already
		if err != nil {
			o.log.Error("source failed, aborting", zap.Int("batch", batchNo), zap.Error(err))
			return out, err
		}
		if len(items) == 0 {
			break
		}

		results, cancelled := o.runBatch(ctx, batchNo, items, opts)
		if len(results) > 0 {
			out.Results = append(out.Results, results...)
			if err := o.checkpoint.Append(context.WithoutCancel(ctx), o.runID, batchNo, results); err != nil {
				o.log.Error("checkpoint write failed, aborting", zap.Int("batch", batchNo), zap.Error(err))
				return out, fmt.Errorf("checkpoint batch %d: %w", batchNo, err)
			}
			out.Batches++
		}
		if cancelled {
			out.Cancelled = true
			break
		}
		if len(items) < opts.BatchSize {
			break
		}
	}

	if out.Cancelled {
		o.log.Warn("run cancelled", zap.Int("results", len(out.Results)))
	}
	return out, nil
}

func (o *Orchestrator) fillBatch(next func() (domain.SourceRecord, error, bool), done map[string]bool, size int) ([]item, int, error) {
	var (
		items   []item
		already int
	)
	for len(items) < size {
		rec, err, ok := next()
		if !ok {
			break
		}
		if err != nil && !errors.Is(err, domain.ErrInvalidRecord) {
			return nil, already, err
		}
		if done[rec.ID] {
			already++
			o.log.Debug("already anchored", zap.String("source_id", rec.ID))
			continue
		}
		items = append(items, item{rec: rec, readErr: err})
	}
	return items, already, nil
}

// runBatch returns the batch's results and whether it stopped on cancellation.
func (o *Orchestrator) runBatch(ctx context.Context, batchNo int, items []item, opts Options) ([]domain.MigrationResult, bool) {
	ctx, span := o.tracer.Start(ctx, "migrate.batch", trace.WithAttributes(
		attribute.Int("batch", batchNo),
		attribute.Int("records", len(items))))
	defer span.End()

	slices.SortStableFunc(items, func(a, b item) int {
		return a.rec.CompletionDate.Compare(b.rec.CompletionDate)
	})

	log := o.log.With(zap.Int("batch", batchNo))
	log.Info("batch started", zap.Int("records", len(items)))

	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()

	results := make([]domain.MigrationResult, 0, len(items))
	for res := range concurrency.Ordered(poolCtx, items, concurrency.ParallelOptions{MaxWorkers: opts.Workers}, o.prepare) {
		if ctx.Err() != nil {
			log.Warn("cancellation requested, stopping between records", zap.Int("completed", len(results)))
			return results, true
		}

		rec := items[res.Index].rec
		var r domain.MigrationResult
		switch {
		case res.Err != nil:
			r = o.finish(rec, newRecordState(rec.ID), "", res.Err, 0)
		case res.Value.result != nil:
			r = *res.Value.result
		default:
			r = o.anchor(ctx, rec, res.Value, opts, log)
		}

		o.report(log, r)
		results = append(results, r)

		if r.Succeeded() && opts.InterRecordDelay > 0 {
			if err := o.clock.Sleep(ctx, opts.InterRecordDelay); err != nil {
				log.Warn("cancellation requested, stopping between records", zap.Int("completed", len(results)))
				return results, true
			}
		}
	}

	log.Info("batch finished", zap.Int("records", len(results)))
	return results, false
}

// prepare packages and publishes one record. It runs on the worker pool.
func (o *Orchestrator) prepare(ctx context.Context, _ int, it item) (prepared, error) {
	st := newRecordState(it.rec.ID)
	p := prepared{state: st}

	if it.readErr != nil {
		o.transition(st, domain.StageSkipped)
		p.result = ptr(o.finish(it.rec, st, "", it.readErr, 0))
		return p, nil
	}

	o.transition(st, domain.StagePackaging)
	start := time.Now()
	pkg, err := o.pack(it.rec)
	o.observe(domain.StagePackaging, time.Since(start))
	if err != nil {
		next := domain.StageFailed
		if errors.Is(err, domain.ErrInvalidRecord) {
			next = domain.StageSkipped
		}
		o.transition(st, next)
		p.result = ptr(o.finish(it.rec, st, "", err, 0))
		return p, nil
	}

	o.transition(st, domain.StagePublishing)
	ctx, span := o.tracer.Start(ctx, "migrate.publish", trace.WithAttributes(attribute.String("source_id", it.rec.ID)))
	start = time.Now()
	hash, err := o.transport.Publish(ctx, pkg)
	o.observe(domain.StagePublishing, time.Since(start))
	span.End()
	if err != nil {
		o.transition(st, domain.StageFailed)
		p.result = ptr(o.finish(it.rec, st, "", err, 0))
		return p, nil
	}

	p.hash = hash
	return p, nil
}

// anchor drives one record to a terminal state. Attempts run on a context
// detached from cancellation so a submitted transaction is always followed
// to confirmation, rejection or timeout.
func (o *Orchestrator) anchor(ctx context.Context, rec domain.SourceRecord, p prepared, opts Options, log *zap.Logger) domain.MigrationResult {
	st := p.state
	o.transition(st, domain.StageAnchoring)

	ctx, span := o.tracer.Start(ctx, "migrate.anchor", trace.WithAttributes(attribute.String("source_id", rec.ID)))
	defer span.End()
	detached := context.WithoutCancel(ctx)

	retries := 0
	for {
		attemptCtx, cancel := context.WithTimeout(detached, opts.AnchorTimeout)
		start := time.Now()
		receipt, err := o.transport.Anchor(attemptCtx, o.signer, rec, p.hash)
		o.observe(domain.StageAnchoring, time.Since(start))
		cancel()

		switch {
		case err == nil:
			o.transition(st, domain.StageSucceeded)
			r := o.finish(rec, st, p.hash, nil, retries)
			r.Receipt = &receipt
			return r

		case errors.Is(err, domain.ErrDryRun):
			o.transition(st, domain.StageSkipped)
			r := o.finish(rec, st, p.hash, nil, retries)
			r.DryRun = true
			return r

		case errors.Is(err, domain.ErrAnchorTimeout) && retries < opts.MaxRetries:
			delay := anchorBackoff(opts, retries+1)
			log.Warn("anchor not confirmed, retrying",
				zap.String("source_id", rec.ID),
				zap.String("tx_ref", txRefOf(err)),
				zap.Int("retry", retries+1),
				zap.Duration("backoff", delay))
			if serr := o.clock.Sleep(ctx, delay); serr != nil {
				// cancelled before the retry was attempted
				o.transition(st, domain.StageFailed)
				r := o.finish(rec, st, p.hash, err, retries)
				r.PendingTxRef = txRefOf(err)
				return r
			}
			retries++
			o.countRetry()

		default:
			o.transition(st, domain.StageFailed)
			r := o.finish(rec, st, p.hash, err, retries)
			if errors.Is(err, domain.ErrAnchorTimeout) {
				r.PendingTxRef = txRefOf(err)
			}
			return r
		}
	}
}

func (o *Orchestrator) finish(rec domain.SourceRecord, st *recordState, hash domain.ContentHash, err error, retries int) domain.MigrationResult {
	r := domain.MigrationResult{
		SourceID:       rec.ID,
		CompletionDate: rec.CompletionDate,
		Status:         statusOf(st.stage),
		ContentHash:    hash,
		Retries:        retries,
	}
	if err != nil {
		r.Error = err.Error()
		r.ErrorKind = domain.KindName(domain.KindOf(err))
	}
	return r
}

func (o *Orchestrator) transition(st *recordState, next domain.Stage) {
	if err := st.advance(next); err != nil {
		o.log.DPanic("state machine violation", zap.Error(err))
	}
}

// report logs and counts a terminal result.
func (o *Orchestrator) report(log *zap.Logger, r domain.MigrationResult) {
	if o.metrics != nil {
		o.metrics.RecordOutcome(string(r.Status))
	}

	fields := []zap.Field{
		zap.String("source_id", r.SourceID),
		zap.String("status", string(r.Status)),
		zap.Int("retries", r.Retries),
	}
	if r.ContentHash != "" {
		fields = append(fields, zap.String("cid", r.ContentHash.String()))
	}
	if r.Receipt != nil {
		fields = append(fields, zap.String("tx_ref", r.Receipt.TransactionRef), zap.String("ledger_record_id", r.Receipt.LedgerRecordID))
	}
	if r.PendingTxRef != "" {
		fields = append(fields, zap.String("pending_tx_ref", r.PendingTxRef))
	}
	if r.Error != "" {
		fields = append(fields, zap.String("error_kind", r.ErrorKind), zap.String("error", r.Error))
	}

	switch r.Status {
	case domain.StatusFailed:
		log.Warn("record failed", fields...)
	case domain.StatusSkipped:
		log.Info("record skipped", append(fields, zap.Bool("dry_run", r.DryRun))...)
	default:
		log.Info("record anchored", fields...)
	}
}

func (o *Orchestrator) observe(stage domain.Stage, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveStage(string(stage), d)
	}
}

func (o *Orchestrator) countRetry() {
	if o.metrics != nil {
		o.metrics.AddAnchorRetry()
	}
}

func anchorBackoff(opts Options, retry int) time.Duration {
	d := opts.AnchorBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= opts.AnchorBackoffMax {
			return opts.AnchorBackoffMax
		}
	}
	return min(d, opts.AnchorBackoffMax)
}

func txRefOf(err error) string {
	var se *domain.StageError
	if errors.As(err, &se) {
		return se.TxRef
	}
	return ""
}

func ptr[T any](v T) *T { return &v }
