package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coinsync/internal/source"
	"coinsync/pkg/storage/postgres"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is the synchronous rejection for a source whose run is
// still in flight. The attempt is neither queued nor silently dropped.
var ErrAlreadyRunning = errors.New("run already in progress for source")

// ErrUnknownSource rejects triggers for a source the runner was not
// configured with.
var ErrUnknownSource = errors.New("unknown source")

// StatusRejected is the run-all placeholder for a source whose run was
// rejected by the mutual-exclusion gate. It is never persisted.
const StatusRejected = "rejected"

// Store is the durable state the runner drives.
type Store interface {
	InsertRawRecords(ctx context.Context, records []postgres.RawRecord) error
	UpsertNormalizedAssets(ctx context.Context, assets []postgres.NormalizedAsset) error
	GetCheckpoint(ctx context.Context, src string) (postgres.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, src string, cursor, ranAt time.Time) error
	CreateRun(ctx context.Context, run postgres.RunRecord) error
	FinalizeRun(ctx context.Context, run postgres.RunRecord) error
}

// Result is the outcome of one run as reported to the trigger caller.
type Result struct {
	RunID              uuid.UUID `json:"run_id"`
	Source             string    `json:"source"`
	Status             string    `json:"status"`
	RecordsFetched     int       `json:"records_fetched"`
	RecordsWritten     int       `json:"records_written"`
	RecordsQuarantined int       `json:"records_quarantined"`
	ErrorDetail        string    `json:"error_detail,omitempty"`
}

// Runner executes ETL runs: fetch, persist raw, normalize, upsert, advance
// checkpoint, record the outcome. One lock per source guarantees at most
// one in-flight run per source; runs for different sources may overlap.
type Runner struct {
	store      Store
	normalizer *Normalizer
	sources    map[string]source.Source
	locks      map[string]*sync.Mutex
	alerter    *Alerter
	logger     *zap.Logger
	now        func() time.Time
}

func NewRunner(store Store, normalizer *Normalizer, sources []source.Source, alerter *Alerter, logger *zap.Logger) *Runner {
	r := &Runner{
		store:      store,
		normalizer: normalizer,
		sources:    make(map[string]source.Source, len(sources)),
		locks:      make(map[string]*sync.Mutex, len(sources)),
		alerter:    alerter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, s := range sources {
		r.sources[s.Name()] = s
		r.locks[s.Name()] = &sync.Mutex{}
	}
	return r
}

// Sources lists the configured source names in run-all order.
func (r *Runner) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for _, name := range source.All {
		if _, ok := r.sources[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// RunOnce executes one synchronous run for a source. It returns
// ErrAlreadyRunning when a run for the same source is in flight; run
// failures are reported through the Result, not the error.
func (r *Runner) RunOnce(ctx context.Context, src string) (Result, error) {
	adapter, ok := r.sources[src]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}

	mu := r.locks[src]
	if !mu.TryLock() {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, src)
	}
	defer mu.Unlock()

	return r.execute(ctx, adapter), nil
}

// RunAll executes every configured source sequentially and independently:
// one source's failure never prevents the next from running. A source
// rejected by its lock is reported with StatusRejected.
func (r *Runner) RunAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(r.sources))
	for _, src := range r.Sources() {
		res, err := r.RunOnce(ctx, src)
		if errors.Is(err, ErrAlreadyRunning) {
			results = append(results, Result{Source: src, Status: StatusRejected, ErrorDetail: err.Error()})
			continue
		}
		if err != nil {
			results = append(results, Result{Source: src, Status: postgres.RunStatusFailed, ErrorDetail: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results
}

// RunInBackground starts a run asynchronously and returns once the lock is
// held. Completion is observable only through the RunRecord and Checkpoint
// tables; the handle is deliberately discarded.
func (r *Runner) RunInBackground(src string) error {
	adapter, ok := r.sources[src]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}

	mu := r.locks[src]
	if !mu.TryLock() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, src)
	}

	go func() {
		defer mu.Unlock()
		res := r.execute(context.Background(), adapter)
		r.logger.Info("background run finished",
			zap.String("source", src),
			zap.String("status", res.Status),
			zap.Int("written", res.RecordsWritten))
	}()
	return nil
}

// execute is the running state of the machine. Caller holds the source lock.
func (r *Runner) execute(ctx context.Context, adapter source.Source) Result {
	src := adapter.Name()
	runID := uuid.New()
	startedAt := r.now()

	res := Result{RunID: runID, Source: src}

	if err := r.store.CreateRun(ctx, postgres.RunRecord{
		RunID:     runID,
		Source:    src,
		Status:    postgres.RunStatusRunning,
		StartedAt: startedAt,
	}); err != nil {
		r.logger.Error("failed to open run record", zap.String("source", src), zap.Error(err))
		res.Status = postgres.RunStatusFailed
		res.ErrorDetail = err.Error()
		return res
	}

	checkpoint, err := r.store.GetCheckpoint(ctx, src)
	if err != nil {
		return r.fail(ctx, res, fmt.Errorf("read checkpoint: %w", err))
	}

	records, err := adapter.Fetch(ctx, checkpoint.LastSourceUpdatedAt)
	if err != nil {
		// Transport failure: nothing persisted, checkpoint untouched,
		// eligible for retry on the next tick.
		return r.fail(ctx, res, fmt.Errorf("fetch: %w", err))
	}

	records = source.FilterSince(records, checkpoint.LastSourceUpdatedAt)
	res.RecordsFetched = len(records)

	fetchedAt := r.now()
	rawRows := make([]postgres.RawRecord, 0, len(records))
	for _, rec := range records {
		rawRows = append(rawRows, postgres.RawRecord{
			ID:              uuid.New(),
			Source:          src,
			ExternalID:      rec.ExternalID,
			Payload:         string(rec.Payload),
			SourceUpdatedAt: rec.SourceUpdatedAt.UTC(),
			FetchedAt:       fetchedAt,
		})
	}
	if err := r.store.InsertRawRecords(ctx, rawRows); err != nil {
		return r.fail(ctx, res, fmt.Errorf("persist raw records: %w", err))
	}

	assets := make([]postgres.NormalizedAsset, 0, len(records))
	for _, rec := range records {
		asset, err := r.normalizer.Normalize(ctx, src, rec)
		if errors.Is(err, ErrQuarantined) {
			res.RecordsQuarantined++
			r.logger.Warn("record quarantined",
				zap.String("source", src),
				zap.String("external_id", rec.ExternalID),
				zap.Error(err))
			continue
		}
		if err != nil {
			return r.fail(ctx, res, fmt.Errorf("normalize: %w", err))
		}
		assets = append(assets, asset)
	}

	assets = dedupeLatest(assets)
	if err := r.store.UpsertNormalizedAssets(ctx, assets); err != nil {
		return r.fail(ctx, res, fmt.Errorf("upsert normalized assets: %w", err))
	}
	res.RecordsWritten = len(assets)

	// Advance the cursor only over records that were durably written.
	cursor := checkpoint.LastSourceUpdatedAt
	for _, asset := range assets {
		if asset.SourceUpdatedAt.After(cursor) {
			cursor = asset.SourceUpdatedAt
		}
	}
	if err := r.store.AdvanceCheckpoint(ctx, src, cursor, r.now()); err != nil {
		return r.fail(ctx, res, fmt.Errorf("advance checkpoint: %w", err))
	}

	res.Status = postgres.RunStatusSuccess
	if res.RecordsQuarantined > 0 {
		res.Status = postgres.RunStatusPartial
	}
	r.finalize(ctx, res, "")

	r.logger.Info("run finished",
		zap.String("source", src),
		zap.String("status", res.Status),
		zap.Int("fetched", res.RecordsFetched),
		zap.Int("written", res.RecordsWritten),
		zap.Int("quarantined", res.RecordsQuarantined))
	return res
}

func (r *Runner) fail(ctx context.Context, res Result, err error) Result {
	res.Status = postgres.RunStatusFailed
	res.ErrorDetail = err.Error()
	r.logger.Error("run failed",
		zap.String("source", res.Source),
		zap.String("run_id", res.RunID.String()),
		zap.Error(err))
	r.finalize(ctx, res, err.Error())
	if r.alerter != nil {
		r.alerter.NotifyFailure(ctx, res)
	}
	return res
}

func (r *Runner) finalize(ctx context.Context, res Result, errDetail string) {
	finishedAt := r.now()
	run := postgres.RunRecord{
		RunID:              res.RunID,
		Source:             res.Source,
		Status:             res.Status,
		FinishedAt:         &finishedAt,
		RecordsFetched:     res.RecordsFetched,
		RecordsWritten:     res.RecordsWritten,
		RecordsQuarantined: res.RecordsQuarantined,
	}
	if errDetail != "" {
		run.ErrorDetail = &errDetail
	}
	if err := r.store.FinalizeRun(ctx, run); err != nil {
		r.logger.Error("failed to finalize run record",
			zap.String("run_id", res.RunID.String()),
			zap.Error(err))
	}
}
