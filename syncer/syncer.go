// Package syncer is the engine's front door: it plans an object's batches,
// persists them, runs them on the worker pool through the object's bulk
// protocol adapter and writes rows and bookkeeping back to storage.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/sfsync/sfsync/bulk"
	"github.com/sfsync/sfsync/executor"
	"github.com/sfsync/sfsync/internal/quota"
	"github.com/sfsync/sfsync/model"
	"github.com/sfsync/sfsync/soql"
	"github.com/sfsync/sfsync/storage"
)

// Store is the slice of the storage layer the syncer drives.
type Store interface {
	EnsureMetadataTables(ctx context.Context) error
	EnsureObjectTable(ctx context.Context, obj *model.ObjectDescriptor) error
	UpsertObject(ctx context.Context, obj *model.ObjectDescriptor) error
	UpdateLastSyncDate(ctx context.Context, api string, at time.Time) error
	StampFirstSync(ctx context.Context, api string, at time.Time, pullNum int64) error
	SaveBatches(ctx context.Context, batches []model.Batch) error
	UpdateBatch(ctx context.Context, b model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	AddHistory(ctx context.Context, h model.BatchHistory) error
	PendingBatches(ctx context.Context, api string) ([]model.Batch, error)
	UpsertRows(ctx context.Context, obj *model.ObjectDescriptor, batch model.Batch, rows []model.Row) (storage.UpsertResult, error)
}

// Planner plans the batches covering one sync window.
type Planner interface {
	Plan(ctx context.Context, obj *model.ObjectDescriptor, syncType model.SyncType, since, until time.Time) ([]model.Batch, error)
}

type Syncer struct {
	store        Store
	planner      Planner
	executor     *executor.Executor
	governor     *quota.Governor
	drivers      map[model.ProtocolVersion]bulk.Driver
	historyStart time.Time
	pollInterval time.Duration
	jobTimeout   time.Duration
	log          logger.Logger
	stats        stats.Stats
	now          func() time.Time
}

type Option func(*Syncer)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	store Store,
	pln Planner,
	exec *executor.Executor,
	governor *quota.Governor,
	drivers map[model.ProtocolVersion]bulk.Driver,
	opts ...Option,
) *Syncer {
	log = log.Child("syncer")
	historyStart, err := time.Parse(time.RFC3339, conf.GetString("Syncer.historyStart", "2000-01-01T00:00:00Z"))
	if err != nil {
		historyStart = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
		log.Warnn("invalid Syncer.historyStart, using default", logger.NewErrorField(err))
	}
	s := &Syncer{
		store:        store,
		planner:      pln,
		executor:     exec,
		governor:     governor,
		drivers:      drivers,
		historyStart: historyStart,
		pollInterval: conf.GetDuration("Syncer.pollInterval", 1, time.Second),
		jobTimeout:   conf.GetDuration("Syncer.jobTimeout", 2, time.Hour),
		log:          log,
		stats:        statsFactory,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncObject plans and runs one full or incremental sync round for obj. The
// sync type follows the object's watermark: no watermark means a full
// historical load, otherwise the round catches up from the watermark to now.
// The watermark only advances when every batch of the round succeeded, so a
// partial failure is retried from the same point next round.
func (s *Syncer) SyncObject(ctx context.Context, obj *model.ObjectDescriptor) (executor.Summary, error) {
	if err := s.store.EnsureMetadataTables(ctx); err != nil {
		return executor.Summary{}, err
	}
	if err := s.store.EnsureObjectTable(ctx, obj); err != nil {
		return executor.Summary{}, err
	}
	if err := s.store.UpsertObject(ctx, obj); err != nil {
		return executor.Summary{}, err
	}

	syncType := model.SyncTypeIncremental
	since := s.historyStart
	if obj.LastSyncDate == nil {
		syncType = model.SyncTypeFull
	} else {
		since = *obj.LastSyncDate
	}
	until := s.now().UTC()

	batches, err := s.planner.Plan(ctx, obj, syncType, since, until)
	if err != nil {
		return executor.Summary{}, fmt.Errorf("planning %s: %w", obj.API, err)
	}
	if err := s.store.SaveBatches(ctx, batches); err != nil {
		return executor.Summary{}, fmt.Errorf("saving plan of %s: %w", obj.API, err)
	}
	s.log.Infon("starting sync round",
		logger.NewStringField("object", obj.API),
		logger.NewStringField("syncType", string(syncType)),
		logger.NewIntField("batches", int64(len(batches))))

	summary := s.executor.Execute(ctx, batches, s.runBatch(obj))

	if summary.Failed == 0 {
		if err := s.store.UpdateLastSyncDate(ctx, obj.API, until); err != nil {
			return summary, err
		}
		obj.LastSyncDate = &until
	}
	return summary, nil
}

// runBatch executes one batch end to end: create the remote job, submit the
// range query, wait it out, stream result pages into storage, then write the
// batch outcome and an immutable history record. Failures are recorded on
// the batch and returned; the executor keeps them from touching siblings.
func (s *Syncer) runBatch(obj *model.ObjectDescriptor) executor.RunFunc {
	return func(ctx context.Context, batch model.Batch) error {
		started := s.now().UTC()
		history := model.BatchHistory{
			ID:        uuid.New().String(),
			BatchID:   batch.ID,
			StartedAt: started,
		}
		err := s.pullBatch(ctx, obj, batch, &history)
		history.Duration = s.now().UTC().Sub(started)
		history.Success = err == nil

		now := s.now().UTC()
		batch.LastSyncTime = &now
		batch.RowsPulled += history.RowsPulled
		batch.RowsPersisted += history.RowsInserted + history.RowsUpdated
		if err != nil {
			history.ErrorMessage = err.Error()
			batch.Status = model.BatchStatusFailed
			batch.FailReason = err.Error()
		} else {
			batch.Status = model.BatchStatusSuccess
			if batch.FirstSyncTime == nil {
				batch.FirstSyncTime = &started
			}
		}

		if updErr := s.store.UpdateBatch(ctx, batch); updErr != nil {
			s.log.Warnn("recording batch outcome failed",
				logger.NewStringField("batchId", batch.ID),
				logger.NewErrorField(updErr))
		}
		if histErr := s.store.AddHistory(ctx, history); histErr != nil {
			s.log.Warnn("recording batch history failed",
				logger.NewStringField("batchId", batch.ID),
				logger.NewErrorField(histErr))
		}
		if err == nil {
			if stampErr := s.store.StampFirstSync(ctx, obj.API, started, batch.PullNum); stampErr != nil {
				s.log.Warnn("stamping first sync failed",
					logger.NewStringField("object", obj.API),
					logger.NewErrorField(stampErr))
			}
		}
		return err
	}
}

func (s *Syncer) pullBatch(ctx context.Context, obj *model.ObjectDescriptor, batch model.Batch, history *model.BatchHistory) error {
	driver, ok := s.drivers[obj.Protocol]
	if !ok {
		driver, ok = s.drivers[model.ProtocolV2]
		if !ok {
			return fmt.Errorf("no bulk driver for protocol %q", obj.Protocol)
		}
	}

	job, err := driver.CreateJob(ctx, bulk.JobSpec{Object: obj.API, Operation: "query"})
	if err != nil {
		return err
	}
	query := soql.Query(obj.API, obj.FieldNames(), batch.DateField, batch.SyncStart, batch.SyncEnd)
	if err := driver.Submit(ctx, job, query); err != nil {
		return err
	}
	if err := driver.AwaitCompletion(ctx, job, s.pollInterval, s.jobTimeout); err != nil {
		return err
	}
	return driver.FetchResults(ctx, job, func(rows []model.Row) error {
		history.RowsPulled += int64(len(rows))
		res, err := s.store.UpsertRows(ctx, obj, batch, rows)
		if err != nil {
			return err
		}
		history.RowsInserted += res.Inserted
		history.RowsUpdated += res.Updated
		return nil
	})
}

// QuotaStatus exposes the governor's view for one API class.
func (s *Syncer) QuotaStatus(class quota.Class) quota.Status {
	return s.governor.GetStatus(class)
}

// GetBatch returns one batch with its accumulated counters.
func (s *Syncer) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// BatchStatistics summarizes an object's outstanding work.
type BatchStatistics struct {
	Object        string
	Pending       int
	ProjectedRows int64
	OldestPending *time.Time
	NewestPending *time.Time
}

// GetBatchStatistics reports the pending backlog of one object.
func (s *Syncer) GetBatchStatistics(ctx context.Context, api string) (BatchStatistics, error) {
	pending, err := s.store.PendingBatches(ctx, api)
	if err != nil {
		return BatchStatistics{}, err
	}
	bs := BatchStatistics{
		Object:  api,
		Pending: len(pending),
		ProjectedRows: lo.SumBy(pending, func(b model.Batch) int64 {
			return b.ProjectedCount
		}),
	}
	if len(pending) > 0 {
		bs.OldestPending = &pending[0].SyncStart
		bs.NewestPending = &pending[len(pending)-1].SyncEnd
	}
	return bs, nil
}
