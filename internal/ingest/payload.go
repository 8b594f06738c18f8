package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basekick-labs/deltat/pkg/models"
)

var (
	// ErrMissingEntity is returned for a payload without entity_id.
	ErrMissingEntity = errors.New("entity_id is required")
	// ErrPriority is returned for a priority outside 1..16.
	ErrPriority = fmt.Errorf("priority must be between 1 and %d", models.SlotCount)
	// ErrTooManySlots is returned when values or timestamps exceed the slot count.
	ErrTooManySlots = fmt.Errorf("at most %d slots are allowed", models.SlotCount)
)

// SamplePayload is the wire form of a point sample.
//
// The short form sets value (and optionally timestamp, unix ms) for the slot
// selected by priority. The long form carries the full values/timestamps
// arrays; value and timestamp, when present, still override the effective slot.
type SamplePayload struct {
	EntityID       string
	Priority       int
	Value          interface{}
	Timestamp      int64
	Values         []interface{}
	Timestamps     []int64
	Name           string
	Description    string
	Unit           string
	StrictDataType bool
	Flags          uint32
}

// ToSample validates the payload and builds the sample. An effective
// timestamp of zero is stamped with now.
func (p *SamplePayload) ToSample(now time.Time) (models.PointSample, error) {
	var s models.PointSample

	if p.EntityID == "" {
		return s, ErrMissingEntity
	}
	if p.Priority < 1 || p.Priority > models.SlotCount {
		return s, fmt.Errorf("%w: got %d", ErrPriority, p.Priority)
	}
	if len(p.Values) > models.SlotCount || len(p.Timestamps) > models.SlotCount {
		return s, ErrTooManySlots
	}

	s.EntityID = p.EntityID
	s.Priority = p.Priority
	s.Name = p.Name
	s.Description = p.Description
	s.Unit = p.Unit
	s.StrictDataType = p.StrictDataType
	s.Flags = models.Flags(p.Flags)

	for i, v := range p.Values {
		s.Values[i] = stringify(v)
	}
	for i, ms := range p.Timestamps {
		if ms != 0 {
			s.Timestamps[i] = time.UnixMilli(ms).UTC()
		}
	}

	slot := p.Priority - 1
	if p.Value != nil {
		s.Values[slot] = stringify(p.Value)
	}
	if p.Timestamp != 0 {
		s.Timestamps[slot] = time.UnixMilli(p.Timestamp).UTC()
	}
	if s.Timestamps[slot].IsZero() {
		s.Timestamps[slot] = now.UTC()
	}

	return s, nil
}

// stringify renders a decoded scalar in the string form values are stored in.
func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return sanitize(x)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// sanitize replaces invalid UTF-8 so base records stay queryable by entity
func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

// toInt64 converts a decoded number to int64
func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float32:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
