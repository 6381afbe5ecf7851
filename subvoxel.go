package occmap

import "gonum.org/v1/gonum/spatial/r3"

// Packed sub-voxel mean position: a weighted mean offset from the voxel
// centre, stored in 10 bits per axis. Bit 31 flags that a position has been
// recorded; an all-zero pattern means "no position".

const (
	subVoxelBits = 10
	subVoxelMax  = (1 << subVoxelBits) - 1
	subVoxelUsed = uint32(1) << 31
)

// subVoxelQuantise maps an offset in [-0.5, 0.5] (of a voxel) to the
// quantisation grid.
func subVoxelQuantise(offset float64) uint32 {
	q := int((offset + 0.5) * subVoxelMax)
	if q < 0 {
		q = 0
	} else if q > subVoxelMax {
		q = subVoxelMax
	}
	return uint32(q)
}

func subVoxelDequantise(q uint32) float64 {
	return float64(q&subVoxelMax)/subVoxelMax - 0.5
}

// SubVoxelPack encodes a voxel-relative offset (components in [-0.5, 0.5]).
func SubVoxelPack(offset r3.Vec) uint32 {
	return subVoxelUsed |
		subVoxelQuantise(offset.X) |
		subVoxelQuantise(offset.Y)<<subVoxelBits |
		subVoxelQuantise(offset.Z)<<(2*subVoxelBits)
}

// SubVoxelUnpack decodes a packed offset. The second return is false when no
// position has ever been recorded.
func SubVoxelUnpack(pattern uint32) (r3.Vec, bool) {
	if pattern&subVoxelUsed == 0 {
		return r3.Vec{}, false
	}
	return r3.Vec{
		X: subVoxelDequantise(pattern),
		Y: subVoxelDequantise(pattern >> subVoxelBits),
		Z: subVoxelDequantise(pattern >> (2 * subVoxelBits)),
	}, true
}

// subVoxelUpdate folds a new sample offset into the packed mean with an
// exponential moving average of the configured weight. The first sample
// lands exactly (weight 1).
func subVoxelUpdate(pattern uint32, offset r3.Vec, resolution, weighting float64) uint32 {
	// Normalise the world-space offset to voxel units.
	offset = r3.Scale(1.0/resolution, offset)
	old, ok := SubVoxelUnpack(pattern)
	if !ok {
		return SubVoxelPack(offset)
	}
	mixed := r3.Add(r3.Scale(1.0-weighting, old), r3.Scale(weighting, offset))
	return SubVoxelPack(mixed)
}
