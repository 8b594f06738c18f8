package deltat

import (
	"context"
	"fmt"

	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/basekick-labs/deltat/pkg/models"
)

// resolveBase returns the base record matching the sample's identity, creating
// it when none exists. A nil record with a nil error means the insert produced
// no id and the sample is to be dropped; table errors are returned.
func (s *Store) resolveBase(ctx context.Context, sample *models.PointSample) (*BaseRecord, error) {
	candidates, err := s.bases.FindAll(ctx, BaseFilter{
		EntityID: sample.EntityID,
		Priority: sample.Priority,
		Value:    sample.EffectiveValue(),
	})
	if err != nil {
		return nil, fmt.Errorf("find base records for %q: %w", sample.EntityID, err)
	}

	for _, c := range candidates {
		if c.Template.SameIdentity(sample) {
			return c, nil
		}
	}

	start := sample.EffectiveTime()
	if start.IsZero() {
		start = s.now()
	}

	rec := &BaseRecord{
		Start:    start.UTC(),
		Template: *sample,
	}

	id, err := s.bases.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert base record for %q: %w", sample.EntityID, err)
	}
	if id == "" {
		s.logger.Debug().
			Str("entity_id", sample.EntityID).
			Int("priority", sample.Priority).
			Msg("Base record not created, dropping sample")
		return nil, nil
	}
	rec.ID = id
	metrics.Get().IncBaseRecordsCreated()

	return rec, nil
}
