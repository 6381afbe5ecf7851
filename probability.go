package occmap

import "math"

// Occupancy is stored as a clamped log-odds value. A voxel that has never
// been observed holds SentinelValue (+Inf), matching the clear value of the
// occupancy layer.

// OccupancyType classifies a voxel's occupancy value.
type OccupancyType int

const (
	// OccupancyNull marks a lookup that resolved no voxel at all.
	OccupancyNull OccupancyType = iota
	// OccupancyUncertain marks a voxel holding the unobserved sentinel.
	OccupancyUncertain
	OccupancyFree
	OccupancyOccupied
)

func (t OccupancyType) String() string {
	switch t {
	case OccupancyNull:
		return "null"
	case OccupancyUncertain:
		return "uncertain"
	case OccupancyFree:
		return "free"
	case OccupancyOccupied:
		return "occupied"
	}
	return "invalid"
}

// SentinelValue is the reserved occupancy magnitude for "never observed".
func SentinelValue() float32 {
	return float32(math.Inf(1))
}

// ProbabilityToValue converts a probability to its log-odds value.
func ProbabilityToValue(probability float32) float32 {
	return float32(math.Log(float64(probability) / (1.0 - float64(probability))))
}

// ValueToProbability converts a log-odds value back to a probability.
func ValueToProbability(value float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(value))))
}

func (m *OccupancyMap) HitValue() float32        { return m.hitValue }
func (m *OccupancyMap) HitProbability() float32  { return m.hitProb }
func (m *OccupancyMap) MissValue() float32       { return m.missValue }
func (m *OccupancyMap) MissProbability() float32 { return m.missProb }
func (m *OccupancyMap) MinVoxelValue() float32   { return m.minValue }
func (m *OccupancyMap) MaxVoxelValue() float32   { return m.maxValue }
func (m *OccupancyMap) SaturateAtMinValue() bool { return m.saturateMin }
func (m *OccupancyMap) SaturateAtMaxValue() bool { return m.saturateMax }

func (m *OccupancyMap) SetHitProbability(probability float32) {
	m.hitProb = probability
	m.hitValue = ProbabilityToValue(probability)
}

func (m *OccupancyMap) SetHitValue(value float32) {
	m.hitValue = value
	m.hitProb = ValueToProbability(value)
}

func (m *OccupancyMap) SetMissProbability(probability float32) {
	m.missProb = probability
	m.missValue = ProbabilityToValue(probability)
}

func (m *OccupancyMap) SetMissValue(value float32) {
	m.missValue = value
	m.missProb = ValueToProbability(value)
}

func (m *OccupancyMap) OccupancyThresholdValue() float32       { return m.threshValue }
func (m *OccupancyMap) OccupancyThresholdProbability() float32 { return m.threshProb }

func (m *OccupancyMap) SetOccupancyThresholdProbability(probability float32) {
	m.threshProb = probability
	m.threshValue = ProbabilityToValue(probability)
}

func (m *OccupancyMap) SetMinVoxelValue(value float32)  { m.minValue = value }
func (m *OccupancyMap) SetMaxVoxelValue(value float32)  { m.maxValue = value }
func (m *OccupancyMap) SetSaturateAtMinValue(sat bool)  { m.saturateMin = sat }
func (m *OccupancyMap) SetSaturateAtMaxValue(sat bool)  { m.saturateMax = sat }
func (m *OccupancyMap) SubVoxelWeighting() float64      { return m.subVoxelWeight }
func (m *OccupancyMap) SetSubVoxelWeighting(w float64)  { m.subVoxelWeight = w }

// OccupancyTypeOf classifies a value against the map's threshold.
func (m *OccupancyMap) OccupancyTypeOf(v Voxel) OccupancyType {
	if v.IsNull() {
		return OccupancyNull
	}
	value := v.Value()
	if value == SentinelValue() {
		return OccupancyUncertain
	}
	if value < m.threshValue {
		return OccupancyFree
	}
	return OccupancyOccupied
}

// IsOccupied reports whether a value is observed and at or above threshold.
func (m *OccupancyMap) IsOccupied(value float32) bool {
	return value != SentinelValue() && value >= m.threshValue
}

// hitUpdate applies one hit to a stored value. A sentinel value updates as if
// from zero log-odds: first observation yields exactly hitValue.
func (m *OccupancyMap) hitUpdate(value float32) float32 {
	if value != SentinelValue() && !m.saturateMax && value >= m.maxValue {
		return value
	}
	return m.clampValue(value, m.hitValue)
}

// missUpdate applies one miss to a stored value.
func (m *OccupancyMap) missUpdate(value float32) float32 {
	if value != SentinelValue() && !m.saturateMin && value <= m.minValue {
		return value
	}
	return m.clampValue(value, m.missValue)
}

func (m *OccupancyMap) clampValue(value, adjust float32) float32 {
	if value == SentinelValue() {
		value = 0
	}
	value += adjust
	if value < m.minValue {
		value = m.minValue
	} else if value > m.maxValue {
		value = m.maxValue
	}
	return value
}
