package occmap

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Packed incident normal: 15 bits each for the X and Y components (offset
// encoded), bit 31 for the sign of Z, bit 30 unused. Z magnitude is
// reconstructed from the unit-length constraint.

const (
	normalQuant = 16383.0
	normalMask  = 0x7fff
	normalShiftY = 15
	normalSignZ  = uint32(1) << 31
)

func encodeNormalAxis(v float64) uint32 {
	if v < -1 {
		v = -1
	} else if v > 1 {
		v = 1
	}
	return uint32(int32(v*normalQuant)+normalQuant) & normalMask
}

func decodeNormalAxis(bits uint32) float64 {
	return (float64(int32(bits&normalMask)) - normalQuant) / normalQuant
}

// EncodeNormal packs a unit vector into 32 bits.
func EncodeNormal(n r3.Vec) uint32 {
	packed := encodeNormalAxis(n.X) | encodeNormalAxis(n.Y)<<normalShiftY
	if n.Z < 0 {
		packed |= normalSignZ
	}
	return packed
}

// DecodeNormal unpacks a normal encoded by EncodeNormal. The result is unit
// length; X and Y carry quantisation error of at most one grid step.
func DecodeNormal(packed uint32) r3.Vec {
	n := r3.Vec{
		X: decodeNormalAxis(packed),
		Y: decodeNormalAxis(packed >> normalShiftY),
	}
	zz := 1.0 - (n.X*n.X + n.Y*n.Y)
	if zz > 0 {
		n.Z = math.Sqrt(zz)
	}
	if packed&normalSignZ != 0 {
		n.Z = -n.Z
	}
	return r3.Unit(n)
}

// updateIncidentNormal folds one incident ray direction into the packed
// progressive mean normal, weighting the new sample 1/(count+1).
func updateIncidentNormal(packed uint32, incident r3.Vec, count uint32) uint32 {
	incident = r3.Unit(incident)
	if count == 0 {
		return EncodeNormal(incident)
	}
	w := 1.0 / float64(count+1)
	n := DecodeNormal(packed)
	n = r3.Add(n, r3.Scale(w, r3.Sub(incident, n)))
	return EncodeNormal(r3.Unit(n))
}
