package deltat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/basekick-labs/deltat/pkg/models"
)

// DefaultMaxResampleSteps caps the steps one resampling query may produce.
const DefaultMaxResampleSteps = 1_000_000

// resampleCheckEvery is how many steps pass between context checks.
const resampleCheckEvery = 1024

// GetInterval resamples the states of [start, end] at fixed steps
// start, start+interval, ... up to and including end.
//
// At each step the last state at or before the step is carried forward, or,
// when the first state at or after the step exists and both are numeric and
// non-null, the two are linearly interpolated and the result is flagged
// FlagInterpolated. Steps with no earlier state are skipped.
//
// A range holding more than the configured number of steps is rejected with
// ErrInvalidRange. Resampling stops with ctx's error once ctx is done.
func (s *Store) GetInterval(ctx context.Context, start, end time.Time, interval time.Duration) ([]models.PointSample, error) {
	return s.resampleQuery(ctx, "", start, end, interval)
}

// GetEntityInterval is GetInterval restricted to one entity.
func (s *Store) GetEntityInterval(ctx context.Context, entityID string, start, end time.Time, interval time.Duration) ([]models.PointSample, error) {
	return s.resampleQuery(ctx, entityID, start, end, interval)
}

func (s *Store) resampleQuery(ctx context.Context, entityID string, start, end time.Time, interval time.Duration) ([]models.PointSample, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("%w: resampling needs both start and end", ErrInvalidRange)
	}
	if steps := int64(end.Sub(start)/interval) + 1; steps > s.maxSteps {
		return nil, fmt.Errorf("%w: %d steps of %s exceed the limit of %d", ErrInvalidRange, steps, interval, s.maxSteps)
	}

	states, err := s.query(ctx, entityID, start, end)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}

	// Resample each entity on its own, then interleave by time.
	byEntity := make(map[string][]models.PointSample)
	var order []string
	for _, st := range states {
		key := models.EntityKey(st.EntityID)
		if _, ok := byEntity[key]; !ok {
			order = append(order, key)
		}
		byEntity[key] = append(byEntity[key], st)
	}

	var out []models.PointSample
	for _, key := range order {
		series, err := Resample(ctx, byEntity[key], start, end, interval)
		if err != nil {
			return nil, err
		}
		out = append(out, series...)
	}
	if len(order) > 1 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EffectiveTime().Before(out[j].EffectiveTime())
		})
	}
	return out, nil
}

// Resample walks a time-ordered series of one entity at fixed steps.
// interval must be positive. ctx is checked every resampleCheckEvery steps.
func Resample(ctx context.Context, series []models.PointSample, start, end time.Time, interval time.Duration) ([]models.PointSample, error) {
	if interval <= 0 || len(series) == 0 {
		return nil, nil
	}

	var out []models.PointSample
	step := 0
	for t := start; !t.After(end); t = t.Add(interval) {
		if step%resampleCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("resample: %w", err)
			}
		}
		step++

		// last state with time <= t
		bi := sort.Search(len(series), func(i int) bool {
			return series[i].EffectiveTime().After(t)
		}) - 1
		if bi < 0 {
			continue
		}
		before := series[bi]

		// first state with time >= t
		ai := sort.Search(len(series), func(i int) bool {
			return !series[i].EffectiveTime().Before(t)
		})
		if ai >= len(series) {
			out = append(out, before)
			continue
		}
		after := series[ai]

		if !before.IsNumeric() || before.IsNull() || !after.IsNumeric() || after.IsNull() {
			out = append(out, before)
			continue
		}

		bt, at := before.EffectiveTime(), after.EffectiveTime()
		if bt.Equal(at) {
			out = append(out, before)
			continue
		}

		out = append(out, interpolate(before, after, t))
	}
	return out, nil
}

// interpolate returns a copy of before whose effective slot holds the linear
// interpolation between before and after at t.
func interpolate(before, after models.PointSample, t time.Time) models.PointSample {
	bv, _ := before.NumericValue()
	av, _ := after.NumericValue()
	bms := before.EffectiveTime().UnixMilli()
	ams := after.EffectiveTime().UnixMilli()

	frac := float64(t.UnixMilli()-bms) / float64(ams-bms)
	value := bv*(1-frac) + av*frac
	tsMS := bms + int64(math.Round(frac*float64(ams-bms)))

	out := before
	out.SetEffective(strconv.FormatFloat(value, 'f', -1, 64), time.UnixMilli(tsMS).UTC())
	out.Flags = out.Flags.Enable(models.FlagInterpolated)
	return out
}
