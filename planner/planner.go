// Package planner turns one object sync request into a list of time-bounded
// batches, each projected to stay under the configured row threshold. Ranges
// that probe too large are split along the calendar: a year into months, a
// month into weeks, a week into days. Days are never split further; an
// oversized day is emitted as-is and left to the bulk protocol to chew
// through.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/sfsync/sfsync/model"
)

// Granularity is one rung of the calendar split ladder.
type Granularity string

const (
	GranularityYear  Granularity = "YEAR"
	GranularityMonth Granularity = "MONTH"
	GranularityWeek  Granularity = "WEEK"
	GranularityDay   Granularity = "DAY"
)

// finer returns the next smaller granularity and whether one exists.
func (g Granularity) finer() (Granularity, bool) {
	switch g {
	case GranularityYear:
		return GranularityMonth, true
	case GranularityMonth:
		return GranularityWeek, true
	case GranularityWeek:
		return GranularityDay, true
	default:
		return g, false
	}
}

// step returns the calendar point one unit after t.
func (g Granularity) step(t time.Time) time.Time {
	switch g {
	case GranularityYear:
		return t.AddDate(1, 0, 0)
	case GranularityMonth:
		return t.AddDate(0, 1, 0)
	case GranularityWeek:
		return t.AddDate(0, 0, 7)
	default:
		return t.AddDate(0, 0, 1)
	}
}

func parseGranularity(s string) (Granularity, bool) {
	g := Granularity(strings.ToUpper(s))
	switch g {
	case GranularityYear, GranularityMonth, GranularityWeek, GranularityDay:
		return g, true
	}
	return GranularityMonth, false
}

// ErrNoMarkerField means the object exposes no date field the planner could
// filter on, so time-bounded batching is impossible.
var ErrNoMarkerField = errors.New("planner: object has no usable date marker field")

// CountProber answers how many rows of object have dateField in [start, end).
type CountProber interface {
	Count(ctx context.Context, object, dateField string, start, end time.Time) (int64, error)
}

type Planner struct {
	prober    CountProber
	threshold int64
	initial   Granularity
	log       logger.Logger
	stats     stats.Stats
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, prober CountProber) *Planner {
	log = log.Child("planner")
	configured := conf.GetString("Planner.initialGranularity", string(GranularityMonth))
	initial, ok := parseGranularity(configured)
	if !ok {
		log.Warnn("unknown Planner.initialGranularity, using MONTH",
			logger.NewStringField("value", configured))
	}
	return &Planner{
		prober:    prober,
		threshold: conf.GetInt64("Planner.batchSizeThreshold", 500000),
		initial:   initial,
		log:       log,
		stats:     statsFactory,
	}
}

// Plan covers [since, until) with non-overlapping batches in ascending time
// order. Sub-threshold ranges become one batch each, ranges probing zero
// included: every slice of the window gets a batch, so rows created between
// probe and execution still land in a planned range. When a count probe
// fails the range is planned anyway with a zero projection.
func (p *Planner) Plan(ctx context.Context, obj *model.ObjectDescriptor, syncType model.SyncType, since, until time.Time) ([]model.Batch, error) {
	if !since.Before(until) {
		return nil, nil
	}
	dateField, err := p.markerField(obj, syncType)
	if err != nil {
		return nil, err
	}
	var batches []model.Batch
	emit := func(start, end time.Time, count int64) {
		batches = append(batches, model.Batch{
			ID:             uuid.New().String(),
			API:            obj.API,
			Label:          obj.Label,
			SyncType:       syncType,
			DateField:      dateField,
			SyncStart:      start,
			SyncEnd:        end,
			ProjectedCount: count,
			Status:         model.BatchStatusPending,
		})
	}
	if err := p.split(ctx, obj, dateField, since, until, p.initial, emit); err != nil {
		return nil, err
	}
	for i := range batches {
		batches[i].PullNum = int64(i)
	}
	p.log.Debugn("planned object sync",
		logger.NewStringField("object", obj.API),
		logger.NewStringField("syncType", string(syncType)),
		logger.NewIntField("batches", int64(len(batches))))
	return batches, nil
}

func (p *Planner) markerField(obj *model.ObjectDescriptor, syncType model.SyncType) (string, error) {
	var field string
	if syncType == model.SyncTypeIncremental {
		field = obj.UpdateMarkerField()
	} else {
		field = obj.FullLoadField()
	}
	if field == "" {
		return "", fmt.Errorf("%w: %s", ErrNoMarkerField, obj.API)
	}
	return field, nil
}

func (p *Planner) split(ctx context.Context, obj *model.ObjectDescriptor, dateField string, start, end time.Time, g Granularity, emit func(time.Time, time.Time, int64)) error {
	for cur := start; cur.Before(end); {
		next := g.step(cur)
		if next.After(end) {
			next = end
		}
		count, err := p.prober.Count(ctx, obj.API, dateField, cur, next)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warnn("count probe failed, planning range without projection",
				logger.NewStringField("object", obj.API),
				logger.NewStringField("rangeStart", cur.Format(time.RFC3339)),
				logger.NewStringField("rangeEnd", next.Format(time.RFC3339)),
				logger.NewErrorField(err))
			p.count("planner_probe_failures", obj.API)
			emit(cur, next, 0)
		case count >= p.threshold:
			if finer, ok := g.finer(); ok {
				if err := p.split(ctx, obj, dateField, cur, next, finer, emit); err != nil {
					return err
				}
			} else {
				p.log.Warnn("day range exceeds batch threshold, emitting oversized batch",
					logger.NewStringField("object", obj.API),
					logger.NewStringField("day", cur.Format(time.DateOnly)),
					logger.NewIntField("rows", count))
				p.count("planner_oversized_batches", obj.API)
				emit(cur, next, count)
			}
		default:
			emit(cur, next, count)
		}
		cur = next
	}
	return nil
}

func (p *Planner) count(name, object string) {
	if p.stats == nil {
		return
	}
	p.stats.NewTaggedStat(name, stats.CountType, stats.Tags{"object": object}).Increment()
}
