package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/sfsync/sfsync/model"
)

type fakeProber struct {
	countFn func(object, dateField string, start, end time.Time) (int64, error)
	probes  int
}

func (p *fakeProber) Count(_ context.Context, object, dateField string, start, end time.Time) (int64, error) {
	p.probes++
	return p.countFn(object, dateField, start, end)
}

func testObject() *model.ObjectDescriptor {
	return &model.ObjectDescriptor{
		API:   "Account",
		Label: "Account",
		Fields: []model.Field{
			{Name: "Id", Type: "id"},
			{Name: "Name", Type: "string"},
			{Name: "CreatedDate", Type: "datetime"},
			{Name: "SystemModstamp", Type: "datetime"},
		},
	}
}

func newPlanner(t *testing.T, prober CountProber, overrides map[string]any) *Planner {
	t.Helper()
	conf := config.New()
	for k, v := range overrides {
		conf.Set(k, v)
	}
	return New(conf, logger.NOP, stats.NOP, prober)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPlanSubThresholdMonths(t *testing.T) {
	prober := &fakeProber{countFn: func(_, dateField string, start, _ time.Time) (int64, error) {
		require.Equal(t, "SystemModstamp", dateField)
		return 10000 + int64(start.Month()), nil
	}}
	p := newPlanner(t, prober, nil)

	since, until := day(2024, time.January, 1), day(2024, time.April, 1)
	batches, err := p.Plan(context.Background(), testObject(), model.SyncTypeIncremental, since, until)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	for i, b := range batches {
		require.Equal(t, "Account", b.API)
		require.Equal(t, model.SyncTypeIncremental, b.SyncType)
		require.Equal(t, model.BatchStatusPending, b.Status)
		require.EqualValues(t, i, b.PullNum)
		require.NotEmpty(t, b.ID)
	}
	require.Equal(t, since, batches[0].SyncStart)
	require.Equal(t, until, batches[2].SyncEnd)
	require.EqualValues(t, 10001, batches[0].ProjectedCount)
}

func TestPlanSplitsOversizedRanges(t *testing.T) {
	// January probes over the threshold, its weeks probe over too, so it
	// lands as day batches. February fits in one batch.
	prober := &fakeProber{countFn: func(_, _ string, start, end time.Time) (int64, error) {
		if start.Month() == time.February {
			return 400, nil
		}
		days := int64(end.Sub(start).Hours() / 24)
		return days * 600000, nil
	}}
	p := newPlanner(t, prober, map[string]any{"Planner.batchSizeThreshold": 1000000})

	since, until := day(2024, time.January, 1), day(2024, time.March, 1)
	batches, err := p.Plan(context.Background(), testObject(), model.SyncTypeIncremental, since, until)
	require.NoError(t, err)

	// 31 day batches for January plus one for February.
	require.Len(t, batches, 32)
	for i := 0; i < 31; i++ {
		require.Equal(t, day(2024, time.January, 1+i), batches[i].SyncStart)
		require.Equal(t, 24*time.Hour, batches[i].SyncEnd.Sub(batches[i].SyncStart))
		require.EqualValues(t, 600000, batches[i].ProjectedCount, "oversized days are still emitted")
	}
	require.Equal(t, day(2024, time.February, 1), batches[31].SyncStart)
	require.Equal(t, until, batches[31].SyncEnd)
}

func TestPlanCoverageInvariants(t *testing.T) {
	prober := &fakeProber{countFn: func(_, _ string, start, end time.Time) (int64, error) {
		if start.Year() == 2023 {
			return 0, nil
		}
		return int64(end.Sub(start).Hours()) * 1000, nil
	}}
	p := newPlanner(t, prober, map[string]any{
		"Planner.initialGranularity": "YEAR",
		"Planner.batchSizeThreshold": 500000,
	})

	since := day(2022, time.March, 15)
	until := day(2024, time.August, 3)
	batches, err := p.Plan(context.Background(), testObject(), model.SyncTypeIncremental, since, until)
	require.NoError(t, err)
	require.NotEmpty(t, batches)

	require.Equal(t, since, batches[0].SyncStart)
	require.Equal(t, until, batches[len(batches)-1].SyncEnd)
	for i := 1; i < len(batches); i++ {
		require.Equal(t, batches[i-1].SyncEnd, batches[i].SyncStart,
			"batches must tile the range with no gap or overlap")
	}
	for i, b := range batches {
		require.True(t, b.SyncStart.Before(b.SyncEnd))
		require.EqualValues(t, i, b.PullNum)
	}
}

func TestPlanCoversEmptyRanges(t *testing.T) {
	prober := &fakeProber{countFn: func(_, _ string, start, _ time.Time) (int64, error) {
		if start.Month() == time.February {
			return 0, nil
		}
		return 5000, nil
	}}
	p := newPlanner(t, prober, nil)

	since, until := day(2024, time.January, 1), day(2024, time.April, 1)
	batches, err := p.Plan(context.Background(), testObject(), model.SyncTypeIncremental, since, until)
	require.NoError(t, err)

	// A month probing zero still gets a batch: rows created there between
	// probe and execution would otherwise vanish behind the watermark.
	require.Len(t, batches, 3)
	require.Equal(t, day(2024, time.February, 1), batches[1].SyncStart)
	require.Equal(t, day(2024, time.March, 1), batches[1].SyncEnd)
	require.EqualValues(t, 0, batches[1].ProjectedCount)

	require.Equal(t, since, batches[0].SyncStart)
	require.Equal(t, until, batches[2].SyncEnd)
	for i := 1; i < len(batches); i++ {
		require.Equal(t, batches[i-1].SyncEnd, batches[i].SyncStart,
			"batches must tile the range with no gap or overlap")
	}
}

func TestPlanFailsOpenOnProbeError(t *testing.T) {
	probeErr := errors.New("REQUEST_LIMIT_EXCEEDED")
	prober := &fakeProber{countFn: func(_, _ string, start, _ time.Time) (int64, error) {
		if start.Month() == time.February {
			return 0, probeErr
		}
		return 5000, nil
	}}
	p := newPlanner(t, prober, nil)

	batches, err := p.Plan(context.Background(), testObject(), model.SyncTypeIncremental,
		day(2024, time.January, 1), day(2024, time.April, 1))
	require.NoError(t, err)
	require.Len(t, batches, 3, "the unprobeable range is planned, not dropped")
	require.Equal(t, day(2024, time.February, 1), batches[1].SyncStart)
	require.EqualValues(t, 0, batches[1].ProjectedCount)
}

func TestPlanStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prober := &fakeProber{countFn: func(_, _ string, _, _ time.Time) (int64, error) {
		cancel()
		return 0, ctx.Err()
	}}
	p := newPlanner(t, prober, nil)

	_, err := p.Plan(ctx, testObject(), model.SyncTypeIncremental,
		day(2024, time.January, 1), day(2024, time.April, 1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPlanMarkerFieldSelection(t *testing.T) {
	t.Run("no usable field", func(t *testing.T) {
		p := newPlanner(t, &fakeProber{}, nil)
		obj := &model.ObjectDescriptor{API: "CollaborationGroupRecord", Fields: []model.Field{{Name: "Id"}}}
		_, err := p.Plan(context.Background(), obj, model.SyncTypeIncremental,
			day(2024, time.January, 1), day(2024, time.February, 1))
		require.ErrorIs(t, err, ErrNoMarkerField)
	})

	t.Run("full load uses creation marker", func(t *testing.T) {
		prober := &fakeProber{countFn: func(_, dateField string, _, _ time.Time) (int64, error) {
			require.Equal(t, "CreatedDate", dateField)
			return 100, nil
		}}
		p := newPlanner(t, prober, nil)
		batches, err := p.Plan(context.Background(), testObject(), model.SyncTypeFull,
			day(2024, time.January, 1), day(2024, time.February, 1))
		require.NoError(t, err)
		require.Len(t, batches, 1)
		require.Equal(t, "CreatedDate", batches[0].DateField)
	})

	t.Run("incremental prefers system modstamp", func(t *testing.T) {
		prober := &fakeProber{countFn: func(_, dateField string, _, _ time.Time) (int64, error) {
			require.Equal(t, "SystemModstamp", dateField)
			return 100, nil
		}}
		p := newPlanner(t, prober, nil)
		_, err := p.Plan(context.Background(), testObject(), model.SyncTypeIncremental,
			day(2024, time.January, 1), day(2024, time.February, 1))
		require.NoError(t, err)
	})
}

func TestPlanEmptyWindow(t *testing.T) {
	p := newPlanner(t, &fakeProber{}, nil)
	at := day(2024, time.January, 1)
	batches, err := p.Plan(context.Background(), testObject(), model.SyncTypeIncremental, at, at)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestParseGranularity(t *testing.T) {
	g, ok := parseGranularity("week")
	require.True(t, ok)
	require.Equal(t, GranularityWeek, g)

	g, ok = parseGranularity("fortnight")
	require.False(t, ok)
	require.Equal(t, GranularityMonth, g, "unknown values fall back to monthly planning")
}
