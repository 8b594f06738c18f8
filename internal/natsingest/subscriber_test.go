package natsingest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/deltat/internal/ingest"
	"github.com/basekick-labs/deltat/pkg/models"
)

type sliceSink []models.PointSample

func (s *sliceSink) Insert(sample models.PointSample) { *s = append(*s, sample) }

func newTestSubscriber(t *testing.T, sink Sink) *Subscriber {
	t.Helper()
	s, err := NewSubscriber(Config{URL: "nats://localhost:4222", Subject: "deltat.values"},
		sink, ingest.NewDecoder(0, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNewSubscriber_Validation(t *testing.T) {
	dec := ingest.NewDecoder(0, zerolog.Nop())

	_, err := NewSubscriber(Config{Subject: "x"}, &sliceSink{}, dec, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewSubscriber(Config{URL: "nats://x:4222"}, &sliceSink{}, dec, zerolog.Nop())
	assert.Error(t, err)

	s, err := NewSubscriber(Config{URL: "nats://x:4222", Subject: "x"}, &sliceSink{}, dec, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "deltat-ingest", s.cfg.Name)
}

func TestSubscriber_Handle(t *testing.T) {
	sink := &sliceSink{}
	s := newTestSubscriber(t, sink)

	n, err := s.handle("deltat.values", []byte(`{"entity_id":"tank-3","priority":4,"value":"null"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, *sink, 1)
	assert.True(t, (*sink)[0].IsNull())

	_, err = s.handle("deltat.values", []byte(`not a payload`))
	assert.Error(t, err)

	stats := s.Stats()
	assert.Equal(t, int64(2), stats["messages_received"])
	assert.Equal(t, int64(1), stats["messages_failed"])
	assert.Equal(t, int64(1), stats["samples_queued"])
}

func TestEncodeReply(t *testing.T) {
	var ok reply
	require.NoError(t, json.Unmarshal(encodeReply(3, nil), &ok))
	assert.Equal(t, reply{Queued: 3}, ok)

	var failed reply
	require.NoError(t, json.Unmarshal(encodeReply(0, errors.New("bad payload")), &failed))
	assert.Equal(t, "bad payload", failed.Error)
}

func TestSubscriber_CloseWithoutStart(t *testing.T) {
	s := newTestSubscriber(t, &sliceSink{})
	assert.NoError(t, s.Close())
}
