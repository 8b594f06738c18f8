package deltat

import (
	"context"
	"testing"
	"time"

	"github.com/basekick-labs/deltat/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flushed(t *testing.T, samples ...models.PointSample) *testStore {
	t.Helper()
	s := newTestStore(t, 0)
	for _, sm := range samples {
		s.Insert(sm)
	}
	require.NoError(t, s.FlushAll(context.Background()))
	return s
}

func TestGet_CoalescesPriorities(t *testing.T) {
	s := flushed(t,
		sample("ahu-1", 1, "10", t0),
		sample("ahu-1", 2, "auto", t0.Add(time.Second)),
		sample("ahu-1", 1, "11", t0.Add(2*time.Second)),
	)

	states, err := s.Get(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, states, 3)

	assert.Equal(t, "10", states[0].Values[0])
	assert.Equal(t, "", states[0].Values[1])
	assert.Equal(t, 1, states[0].Priority)

	assert.Equal(t, "10", states[1].Values[0])
	assert.Equal(t, "auto", states[1].Values[1])
	assert.Equal(t, 2, states[1].Priority)
	assert.Equal(t, "auto", states[1].EffectiveValue())
	assert.Equal(t, t0.Add(time.Second), states[1].EffectiveTime())

	assert.Equal(t, "11", states[2].Values[0])
	assert.Equal(t, "auto", states[2].Values[1])
	assert.Equal(t, 1, states[2].Priority)
	assert.Equal(t, t0.Add(2*time.Second), states[2].EffectiveTime())
}

func TestGet_StatesAreIndependentCopies(t *testing.T) {
	s := flushed(t,
		sample("ahu-1", 1, "10", t0),
		sample("ahu-1", 1, "11", t0.Add(time.Second)),
	)

	states, err := s.Get(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, states, 2)

	states[1].Values[0] = "changed"
	assert.Equal(t, "10", states[0].Values[0])

	again, err := s.Get(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "11", again[1].Values[0])
}

func TestGet_Range(t *testing.T) {
	s := flushed(t,
		sample("e", 1, "a", t0),
		sample("e", 1, "b", t0.Add(time.Second)),
		sample("e", 1, "c", t0.Add(2*time.Second)),
		sample("e", 1, "d", t0.Add(30*24*time.Hour)),
	)
	ctx := context.Background()

	tests := []struct {
		name       string
		start, end time.Time
		want       []string
	}{
		{"unbounded", time.Time{}, time.Time{}, []string{"a", "b", "c", "d"}},
		{"inclusive single instant", t0.Add(time.Second), t0.Add(time.Second), []string{"b"}},
		{"inclusive bounds", t0, t0.Add(2 * time.Second), []string{"a", "b", "c"}},
		{"open start", time.Time{}, t0.Add(time.Second), []string{"a", "b"}},
		{"open end", t0.Add(2 * time.Second), time.Time{}, []string{"c", "d"}},
		{"later window only", t0.Add(29 * 24 * time.Hour), t0.Add(31 * 24 * time.Hour), []string{"d"}},
		{"before everything", t0.Add(-time.Hour), t0.Add(-time.Minute), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states, err := s.Get(ctx, tt.start, tt.end)
			require.NoError(t, err)

			var got []string
			for _, st := range states {
				got = append(got, st.EffectiveValue())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGet_RangeSeedsFromFirstSampleInRange(t *testing.T) {
	s := flushed(t,
		sample("e", 1, "10", t0),
		sample("e", 2, "manual", t0.Add(time.Second)),
		sample("e", 1, "12", t0.Add(2*time.Second)),
	)

	states, err := s.Get(context.Background(), t0.Add(2*time.Second), time.Time{})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "12", states[0].Values[0])
	assert.Equal(t, "", states[0].Values[1])
}

func TestGet_InvalidRange(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Get(context.Background(), t0.Add(time.Second), t0)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestGet_Empty(t *testing.T) {
	s := newTestStore(t, 0)
	states, err := s.Get(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, states)
}

func TestGet_InterleavesEntities(t *testing.T) {
	s := flushed(t,
		sample("a", 1, "a1", t0),
		sample("b", 1, "b1", t0.Add(time.Second)),
		sample("a", 1, "a2", t0.Add(2*time.Second)),
		sample("b", 3, "b2", t0.Add(3*time.Second)),
	)

	states, err := s.Get(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, states, 4)

	var got []string
	for _, st := range states {
		got = append(got, st.EntityID+"="+st.EffectiveValue())
	}
	assert.Equal(t, []string{"a=a1", "b=b1", "a=a2", "b=b2"}, got)

	// b's second state keeps its first slot from the earlier b sample only
	assert.Equal(t, "b1", states[3].Values[0])
	assert.Equal(t, "b2", states[3].Values[2])
}

func TestGetEntity(t *testing.T) {
	s := flushed(t,
		sample("Chiller-1", 1, "on", t0),
		sample("chiller-2", 1, "off", t0),
		sample("chiller-1", 1, "off", t0.Add(time.Minute)),
	)

	states, err := s.GetEntity(context.Background(), "CHILLER-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "on", states[0].EffectiveValue())
	assert.Equal(t, "off", states[1].EffectiveValue())

	states, err = s.GetEntity(context.Background(), "missing", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, states)
}

func TestCoalesce_TiesOrderedByPriority(t *testing.T) {
	decoded := [][]models.PointSample{
		{sample("e", 5, "low", t0)},
		{sample("e", 2, "high", t0)},
	}

	states := coalesce(decoded)
	require.Len(t, states, 2)
	assert.Equal(t, 2, states[0].Priority)
	assert.Equal(t, 5, states[1].Priority)
	assert.Equal(t, "high", states[1].Values[1])
	assert.Equal(t, "low", states[1].Values[4])
}
