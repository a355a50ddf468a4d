package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/sfsync/sfsync/bulk"
	"github.com/sfsync/sfsync/executor"
	"github.com/sfsync/sfsync/internal/quota"
	"github.com/sfsync/sfsync/model"
	"github.com/sfsync/sfsync/storage"
)

type fakeStore struct {
	mu            sync.Mutex
	savedBatches  []model.Batch
	updatedBatch  map[string]model.Batch
	history       []model.BatchHistory
	upserted      int64
	watermark     *time.Time
	firstStamped  []int64
	pending       []model.Batch
	upsertRowsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{updatedBatch: map[string]model.Batch{}}
}

func (f *fakeStore) EnsureMetadataTables(context.Context) error { return nil }

func (f *fakeStore) EnsureObjectTable(context.Context, *model.ObjectDescriptor) error { return nil }

func (f *fakeStore) UpsertObject(context.Context, *model.ObjectDescriptor) error { return nil }

func (f *fakeStore) UpdateLastSyncDate(_ context.Context, _ string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermark = &at
	return nil
}

func (f *fakeStore) StampFirstSync(_ context.Context, _ string, _ time.Time, pullNum int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstStamped = append(f.firstStamped, pullNum)
	return nil
}

func (f *fakeStore) SaveBatches(_ context.Context, batches []model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedBatches = append(f.savedBatches, batches...)
	return nil
}

func (f *fakeStore) UpdateBatch(_ context.Context, b model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedBatch[b.ID] = b
	return nil
}

func (f *fakeStore) GetBatch(_ context.Context, id string) (*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.updatedBatch[id]; ok {
		return &b, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) AddHistory(_ context.Context, h model.BatchHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, h)
	return nil
}

func (f *fakeStore) PendingBatches(context.Context, string) ([]model.Batch, error) {
	return f.pending, nil
}

func (f *fakeStore) UpsertRows(_ context.Context, _ *model.ObjectDescriptor, _ model.Batch, rows []model.Row) (storage.UpsertResult, error) {
	if f.upsertRowsErr != nil {
		return storage.UpsertResult{}, f.upsertRowsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted += int64(len(rows))
	return storage.UpsertResult{Inserted: int64(len(rows))}, nil
}

type fakePlanner struct {
	gotSyncType model.SyncType
	gotSince    time.Time
	gotUntil    time.Time
	batches     []model.Batch
	err         error
}

func (p *fakePlanner) Plan(_ context.Context, _ *model.ObjectDescriptor, syncType model.SyncType, since, until time.Time) ([]model.Batch, error) {
	p.gotSyncType = syncType
	p.gotSince = since
	p.gotUntil = until
	return p.batches, p.err
}

type fakeDriver struct {
	mu        sync.Mutex
	queries   []string
	pages     [][]model.Row
	createErr error
	awaitErr  error
}

func (d *fakeDriver) CreateJob(_ context.Context, spec bulk.JobSpec) (*bulk.Job, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	return &bulk.Job{ID: "job-1", Object: spec.Object, Operation: spec.Operation, State: bulk.JobStateOpen}, nil
}

func (d *fakeDriver) Submit(_ context.Context, job *bulk.Job, payload string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, payload)
	job.State = bulk.JobStateUploadComplete
	return nil
}

func (d *fakeDriver) AwaitCompletion(_ context.Context, job *bulk.Job, _, _ time.Duration) error {
	if d.awaitErr != nil {
		job.State = bulk.JobStateFailed
		return d.awaitErr
	}
	job.State = bulk.JobStateComplete
	return nil
}

func (d *fakeDriver) FetchResults(_ context.Context, _ *bulk.Job, fn bulk.PageFunc) error {
	for _, page := range d.pages {
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func testObject() *model.ObjectDescriptor {
	return &model.ObjectDescriptor{
		API:      "Account",
		Label:    "Account",
		Protocol: model.ProtocolV2,
		Fields: []model.Field{
			{Name: "Id", Type: "id"},
			{Name: "Name", Type: "string"},
			{Name: "SystemModstamp", Type: "datetime"},
		},
	}
}

func plannedBatches(n int) []model.Batch {
	batches := make([]model.Batch, n)
	for i := range batches {
		batches[i] = model.Batch{
			ID:        fmt.Sprintf("b-%d", i),
			API:       "Account",
			DateField: "SystemModstamp",
			SyncStart: time.Date(2024, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC),
			SyncEnd:   time.Date(2024, time.Month(i+2), 1, 0, 0, 0, 0, time.UTC),
			PullNum:   int64(i),
			Status:    model.BatchStatusPending,
		}
	}
	return batches
}

func newSyncer(t *testing.T, store Store, pln Planner, driver bulk.Driver) *Syncer {
	t.Helper()
	conf := config.New()
	conf.Set("Executor.maxWorkers", 2)
	exec := executor.New(conf, logger.NOP, stats.NOP)
	governor := quota.New(conf, logger.NOP, stats.NOP)
	fixed := time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)
	return New(conf, logger.NOP, stats.NOP, store, pln, exec, governor,
		map[model.ProtocolVersion]bulk.Driver{model.ProtocolV2: driver},
		WithClock(func() time.Time { return fixed }))
}

func TestSyncObjectFullLoad(t *testing.T) {
	store := newFakeStore()
	pln := &fakePlanner{batches: plannedBatches(3)}
	driver := &fakeDriver{pages: [][]model.Row{
		{{"Id": "001", "Name": "alpha"}},
		{{"Id": "002", "Name": "beta"}},
	}}
	s := newSyncer(t, store, pln, driver)

	obj := testObject()
	summary, err := s.SyncObject(context.Background(), obj)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Succeeded)
	require.Zero(t, summary.Failed)

	require.Equal(t, model.SyncTypeFull, pln.gotSyncType, "no watermark means full load")
	require.Equal(t, time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC), pln.gotSince)
	require.Equal(t, time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC), pln.gotUntil)

	require.Len(t, store.savedBatches, 3)
	require.EqualValues(t, 6, store.upserted, "two pages per batch")
	require.NotNil(t, store.watermark)
	require.Equal(t, pln.gotUntil, *store.watermark)
	require.NotNil(t, obj.LastSyncDate)

	for _, b := range store.updatedBatch {
		require.Equal(t, model.BatchStatusSuccess, b.Status)
		require.EqualValues(t, 2, b.RowsPulled)
		require.EqualValues(t, 2, b.RowsPersisted)
		require.NotNil(t, b.FirstSyncTime)
		require.NotNil(t, b.LastSyncTime)
	}
	require.Len(t, store.history, 3)
	for _, h := range store.history {
		require.True(t, h.Success)
		require.EqualValues(t, 2, h.RowsPulled)
		require.EqualValues(t, 2, h.RowsInserted)
	}
	require.Len(t, store.firstStamped, 3, "every successful batch attempts the stamp, the store keeps it write-once")
}

func TestSyncObjectIncremental(t *testing.T) {
	store := newFakeStore()
	watermark := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	pln := &fakePlanner{batches: plannedBatches(1)}
	s := newSyncer(t, store, pln, &fakeDriver{})

	obj := testObject()
	obj.LastSyncDate = &watermark
	_, err := s.SyncObject(context.Background(), obj)
	require.NoError(t, err)
	require.Equal(t, model.SyncTypeIncremental, pln.gotSyncType)
	require.Equal(t, watermark, pln.gotSince)
}

func TestSyncObjectFailureKeepsWatermark(t *testing.T) {
	store := newFakeStore()
	pln := &fakePlanner{batches: plannedBatches(2)}
	driver := &fakeDriver{awaitErr: &bulk.JobError{JobID: "job-1", State: bulk.JobStateFailed, Message: "QUERY_TIMEOUT"}}
	s := newSyncer(t, store, pln, driver)

	obj := testObject()
	summary, err := s.SyncObject(context.Background(), obj)
	require.NoError(t, err, "batch failures live in the summary, not the round error")
	require.Equal(t, 2, summary.Failed)

	require.Nil(t, store.watermark, "a failed round must not advance the watermark")
	require.Nil(t, obj.LastSyncDate)
	require.Empty(t, store.firstStamped)
	for _, b := range store.updatedBatch {
		require.Equal(t, model.BatchStatusFailed, b.Status)
		require.Contains(t, b.FailReason, "QUERY_TIMEOUT")
	}
	for _, h := range store.history {
		require.False(t, h.Success)
		require.Contains(t, h.ErrorMessage, "QUERY_TIMEOUT")
	}
}

func TestSyncObjectStorageFailureFailsBatch(t *testing.T) {
	store := newFakeStore()
	store.upsertRowsErr = errors.New("pq: deadlock detected")
	pln := &fakePlanner{batches: plannedBatches(1)}
	driver := &fakeDriver{pages: [][]model.Row{{{"Id": "001"}}}}
	s := newSyncer(t, store, pln, driver)

	summary, err := s.SyncObject(context.Background(), testObject())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Nil(t, store.watermark)
}

func TestSyncObjectQueryShape(t *testing.T) {
	store := newFakeStore()
	pln := &fakePlanner{batches: plannedBatches(1)}
	driver := &fakeDriver{}
	s := newSyncer(t, store, pln, driver)

	_, err := s.SyncObject(context.Background(), testObject())
	require.NoError(t, err)
	require.Len(t, driver.queries, 1)
	require.Contains(t, driver.queries[0], "SELECT Id, Name, SystemModstamp FROM Account")
	require.Contains(t, driver.queries[0], "SystemModstamp >= 2024-01-01T00:00:00.000Z")
	require.Contains(t, driver.queries[0], "SystemModstamp < 2024-02-01T00:00:00.000Z")
	require.Contains(t, driver.queries[0], "ORDER BY Id")
}

func TestSyncObjectUnknownProtocolFallsBack(t *testing.T) {
	store := newFakeStore()
	pln := &fakePlanner{batches: plannedBatches(1)}
	driver := &fakeDriver{}
	s := newSyncer(t, store, pln, driver)

	obj := testObject()
	obj.Protocol = ""
	summary, err := s.SyncObject(context.Background(), obj)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
}

func TestGetBatchStatistics(t *testing.T) {
	store := newFakeStore()
	store.pending = plannedBatches(3)
	store.pending[0].ProjectedCount = 100
	store.pending[1].ProjectedCount = 200
	store.pending[2].ProjectedCount = 300
	s := newSyncer(t, store, &fakePlanner{}, &fakeDriver{})

	bs, err := s.GetBatchStatistics(context.Background(), "Account")
	require.NoError(t, err)
	require.Equal(t, 3, bs.Pending)
	require.EqualValues(t, 600, bs.ProjectedRows)
	require.Equal(t, store.pending[0].SyncStart, *bs.OldestPending)
	require.Equal(t, store.pending[2].SyncEnd, *bs.NewestPending)
}

func TestGetBatch(t *testing.T) {
	store := newFakeStore()
	b := plannedBatches(1)[0]
	b.Status = model.BatchStatusSuccess
	store.updatedBatch[b.ID] = b
	s := newSyncer(t, store, &fakePlanner{}, &fakeDriver{})

	got, err := s.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusSuccess, got.Status)

	_, err = s.GetBatch(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQuotaStatus(t *testing.T) {
	s := newSyncer(t, newFakeStore(), &fakePlanner{}, &fakeDriver{})
	status := s.QuotaStatus(quota.ClassBulkV2)
	require.Positive(t, status.DailyRemaining)
	require.False(t, status.Blocked)
}
