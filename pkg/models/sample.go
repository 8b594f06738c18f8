package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// SlotCount is the number of priority slots carried by every point sample.
const SlotCount = 16

// Flags is a bitset of named sample qualities.
type Flags uint32

const (
	// FlagInterpolated marks a state synthesized by linear interpolation.
	FlagInterpolated Flags = 1 << iota
	// FlagEstimated marks a value produced by an estimator upstream.
	FlagEstimated
	// FlagQuestionable marks a value whose source reported degraded quality.
	FlagQuestionable
	// FlagOverridden marks a value forced by an operator.
	FlagOverridden
	// FlagOffline marks a value read while the source was unreachable.
	FlagOffline
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagInterpolated, "interpolated"},
	{FlagEstimated, "estimated"},
	{FlagQuestionable, "questionable"},
	{FlagOverridden, "overridden"},
	{FlagOffline, "offline"},
}

// Has reports whether every bit of flag is set.
func (f Flags) Has(flag Flags) bool {
	return flag != 0 && f&flag == flag
}

// Enable returns f with flag set.
func (f Flags) Enable(flag Flags) Flags {
	return f | flag
}

// Disable returns f with flag cleared.
func (f Flags) Disable(flag Flags) Flags {
	return f &^ flag
}

// String renders the set flags as a comma separated list of names.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	rest := f
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
			rest = rest.Disable(fn.flag)
		}
	}
	if rest != 0 {
		names = append(names, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(names, ",")
}

// PointSample is one observation of a multi-slot point.
// Values and Timestamps are arrays so that assigning a sample copies it.
type PointSample struct {
	EntityID       string               `json:"entity_id" msgpack:"entity_id"`
	Values         [SlotCount]string    `json:"values" msgpack:"values"`
	Timestamps     [SlotCount]time.Time `json:"timestamps" msgpack:"timestamps"`
	Priority       int                  `json:"priority" msgpack:"priority"`
	Name           string               `json:"name,omitempty" msgpack:"name"`
	Description    string               `json:"description,omitempty" msgpack:"description"`
	Unit           string               `json:"unit,omitempty" msgpack:"unit"`
	StrictDataType bool                 `json:"strict_data_type" msgpack:"strict_data_type"`
	Flags          Flags                `json:"flags" msgpack:"flags"`
}

// ValidPriority reports whether Priority addresses one of the slots.
func (s *PointSample) ValidPriority() bool {
	return s.Priority >= 1 && s.Priority <= SlotCount
}

// EffectiveValue returns the value held in the slot selected by Priority.
func (s *PointSample) EffectiveValue() string {
	if !s.ValidPriority() {
		return ""
	}
	return s.Values[s.Priority-1]
}

// EffectiveTime returns the timestamp held in the slot selected by Priority.
func (s *PointSample) EffectiveTime() time.Time {
	if !s.ValidPriority() {
		return time.Time{}
	}
	return s.Timestamps[s.Priority-1]
}

// SetEffective overwrites the value and timestamp of the slot selected by Priority.
func (s *PointSample) SetEffective(value string, ts time.Time) {
	if !s.ValidPriority() {
		return
	}
	s.Values[s.Priority-1] = value
	s.Timestamps[s.Priority-1] = ts
}

// SetEffectiveTime overwrites only the timestamp of the effective slot.
func (s *PointSample) SetEffectiveTime(ts time.Time) {
	if !s.ValidPriority() {
		return
	}
	s.Timestamps[s.Priority-1] = ts
}

// NumericValue parses the effective value as a float.
func (s *PointSample) NumericValue() (float64, bool) {
	v := strings.TrimSpace(s.EffectiveValue())
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// IsNumeric reports whether the effective value parses as a number.
func (s *PointSample) IsNumeric() bool {
	_, ok := s.NumericValue()
	return ok
}

// IsNull reports whether the effective value is empty or the literal null.
func (s *PointSample) IsNull() bool {
	v := strings.TrimSpace(s.EffectiveValue())
	return v == "" || strings.EqualFold(v, "null")
}

// SameIdentity reports whether two samples collapse onto the same base record:
// entity and name compare case-insensitively, everything else exactly,
// and timestamps are ignored.
func (s *PointSample) SameIdentity(o *PointSample) bool {
	return strings.EqualFold(s.EntityID, o.EntityID) &&
		s.Values == o.Values &&
		s.Flags == o.Flags &&
		strings.EqualFold(s.Name, o.Name) &&
		s.Description == o.Description &&
		s.Unit == o.Unit &&
		s.StrictDataType == o.StrictDataType &&
		s.Priority == o.Priority
}

// EntityKey is the normalized form of an entity id used for lookups and grouping.
func EntityKey(entityID string) string {
	return strings.ToLower(entityID)
}
