package deltat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/basekick-labs/deltat/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Get reconstructs the composite point states of every entity whose samples
// fall in [start, end]. A zero start or end leaves that side unbounded.
// The result is ordered by time and is nil when nothing matched.
func (s *Store) Get(ctx context.Context, start, end time.Time) ([]models.PointSample, error) {
	return s.query(ctx, "", start, end)
}

// GetEntity is Get restricted to one entity (case-insensitive).
func (s *Store) GetEntity(ctx context.Context, entityID string, start, end time.Time) ([]models.PointSample, error) {
	return s.query(ctx, entityID, start, end)
}

func (s *Store) query(ctx context.Context, entityID string, start, end time.Time) ([]models.PointSample, error) {
	m := metrics.Get()
	m.IncQueryRequests()
	startTime := time.Now()

	states, err := s.reconstruct(ctx, entityID, start, end)
	if err != nil {
		m.IncQueryErrors()
		return nil, err
	}

	m.IncQueryRows(int64(len(states)))
	m.RecordQueryLatency(time.Since(startTime).Microseconds())
	return states, nil
}

func (s *Store) reconstruct(ctx context.Context, entityID string, start, end time.Time) ([]models.PointSample, error) {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	bases, err := s.bases.FindAll(ctx, BaseFilter{EntityID: entityID})
	if err != nil {
		return nil, fmt.Errorf("find base records: %w", err)
	}
	if len(bases) == 0 {
		return nil, nil
	}

	decoded := make([][]models.PointSample, len(bases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.queryWorkers)
	for i, base := range bases {
		i, base := i, base
		g.Go(func() error {
			samples, err := s.decodeBase(gctx, base, start, end)
			if err != nil {
				return err
			}
			decoded[i] = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return coalesce(decoded), nil
}

// decodeBase decodes the windows of one base record that cover [start, end]
// and returns a copy of the template per sample in range.
func (s *Store) decodeBase(ctx context.Context, base *BaseRecord, start, end time.Time) ([]models.PointSample, error) {
	from, to := int64(math.MinInt64), int64(math.MaxInt64)
	if !start.IsZero() {
		from, _ = Locate(base.Start, start)
	}
	if !end.IsZero() {
		to, _ = Locate(base.Start, end)
	}

	windows, err := s.windows.FindRange(ctx, base.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("find windows of base %s: %w", base.ID, err)
	}

	var out []models.PointSample
	for _, w := range windows {
		w.Decode(base.Start, func(ts time.Time) {
			if !start.IsZero() && ts.Before(start) {
				return
			}
			if !end.IsZero() && ts.After(end) {
				return
			}
			sample := base.Template
			sample.SetEffectiveTime(ts)
			out = append(out, sample)
		})
	}
	return out, nil
}

// coalesce merges decoded samples into composite point states, one per sample.
// Each entity is folded separately: its first sample seeds the state and every
// later one replaces only its own slot in a copy of the previous state.
func coalesce(decoded [][]models.PointSample) []models.PointSample {
	byEntity := make(map[string][]models.PointSample)
	var order []string
	for _, samples := range decoded {
		for _, sample := range samples {
			key := models.EntityKey(sample.EntityID)
			if _, ok := byEntity[key]; !ok {
				order = append(order, key)
			}
			byEntity[key] = append(byEntity[key], sample)
		}
	}
	if len(order) == 0 {
		return nil
	}

	var out []models.PointSample
	for _, key := range order {
		series := byEntity[key]
		sortByTime(series)

		state := series[0]
		out = append(out, state)
		for i := 1; i < len(series); i++ {
			next := state
			next.Priority = series[i].Priority
			next.SetEffective(series[i].EffectiveValue(), series[i].EffectiveTime())
			out = append(out, next)
			state = next
		}
	}

	if len(order) > 1 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EffectiveTime().Before(out[j].EffectiveTime())
		})
	}
	return out
}

// sortByTime orders samples by effective time, breaking ties by priority.
func sortByTime(series []models.PointSample) {
	sort.SliceStable(series, func(i, j int) bool {
		ti, tj := series[i].EffectiveTime(), series[j].EffectiveTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return series[i].Priority < series[j].Priority
	})
}
