package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/deltat/pkg/models"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxPayloadSize caps decompressed payloads
const DefaultMaxPayloadSize = 100 * 1024 * 1024

// Decoder turns JSON or MessagePack payloads (optionally gzip compressed)
// into point samples. Safe for concurrent use.
type Decoder struct {
	maxSize int64
	now     func() time.Time
	logger  zerolog.Logger

	totalDecoded atomic.Int64
	totalErrors  atomic.Int64
}

// NewDecoder creates a decoder. maxSize <= 0 selects DefaultMaxPayloadSize.
func NewDecoder(maxSize int64, logger zerolog.Logger) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}
	return &Decoder{
		maxSize: maxSize,
		now:     time.Now,
		logger:  logger.With().Str("component", "sample-decoder").Logger(),
	}
}

// IsGzip reports whether data starts with the gzip magic bytes
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Decode decodes a single sample object or an array of them.
// Invalid items fail the whole payload.
func (d *Decoder) Decode(data []byte) ([]models.PointSample, error) {
	samples, err := d.decode(data)
	if err != nil {
		d.totalErrors.Add(1)
		d.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Payload rejected")
		return nil, err
	}
	d.totalDecoded.Add(int64(len(samples)))
	return samples, nil
}

func (d *Decoder) decode(data []byte) ([]models.PointSample, error) {
	if IsGzip(data) {
		var err error
		if data, err = d.gunzip(data); err != nil {
			return nil, err
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	// Decode to interface{} first so map and array payloads share one path
	var raw interface{}
	if isJSON(data) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal json: %w", err)
		}
		raw = normalizeJSON(raw)
	} else if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal msgpack: %w", err)
	}

	var items []interface{}
	switch payload := raw.(type) {
	case map[string]interface{}:
		items = []interface{}{payload}
	case []interface{}:
		items = payload
	default:
		return nil, fmt.Errorf("unsupported payload type: %T", raw)
	}

	now := d.now()
	samples := make([]models.PointSample, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("item %d: expected object, got %T", i, item)
		}
		p, err := payloadFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		s, err := p.ToSample(now)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (d *Decoder) gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if int64(len(out)) > d.maxSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", d.maxSize)
	}
	return out, nil
}

// Stats returns decoder counters
func (d *Decoder) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_decoded": d.totalDecoded.Load(),
		"total_errors":  d.totalErrors.Load(),
	}
}

func isJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// normalizeJSON converts json.Number leaves to int64 or float64
func normalizeJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]interface{}:
		for k, e := range x {
			x[k] = normalizeJSON(e)
		}
		return x
	case []interface{}:
		for i, e := range x {
			x[i] = normalizeJSON(e)
		}
		return x
	default:
		return v
	}
}

func payloadFromMap(m map[string]interface{}) (*SamplePayload, error) {
	p := &SamplePayload{}

	for key, v := range m {
		switch key {
		case "entity_id", "entity", "id":
			p.EntityID = stringify(v)
		case "priority", "p":
			n, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("priority: not an integer")
			}
			p.Priority = int(n)
		case "value", "v":
			p.Value = v
		case "timestamp", "t":
			n, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("timestamp: not an integer")
			}
			p.Timestamp = n
		case "values":
			arr, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("values: expected array")
			}
			p.Values = arr
		case "timestamps":
			arr, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("timestamps: expected array")
			}
			p.Timestamps = make([]int64, len(arr))
			for i, e := range arr {
				if e == nil {
					continue
				}
				n, ok := toInt64(e)
				if !ok {
					return nil, fmt.Errorf("timestamps[%d]: not an integer", i)
				}
				p.Timestamps[i] = n
			}
		case "name":
			p.Name = stringify(v)
		case "description":
			p.Description = stringify(v)
		case "unit":
			p.Unit = stringify(v)
		case "strict_data_type":
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("strict_data_type: expected boolean")
			}
			p.StrictDataType = b
		case "flags":
			n, ok := toInt64(v)
			if !ok || n < 0 {
				return nil, fmt.Errorf("flags: expected non-negative integer")
			}
			p.Flags = uint32(n)
		}
	}

	return p, nil
}
