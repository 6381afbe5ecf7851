package gpumap

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// TrajectoryPoint is one timestamped sensor pose.
type TrajectoryPoint struct {
	Time        float64
	Translation r3.Vec
	Rotation    r3.Rotation
}

// interpolatePose resolves the sensor pose at time t by linear translation
// interpolation and normalised quaternion lerp between the bracketing
// trajectory points. Times outside the trajectory clamp to its ends.
func interpolatePose(trajectory []TrajectoryPoint, t float64) (r3.Vec, r3.Rotation) {
	if t <= trajectory[0].Time {
		return trajectory[0].Translation, trajectory[0].Rotation
	}
	last := trajectory[len(trajectory)-1]
	if t >= last.Time {
		return last.Translation, last.Rotation
	}
	hi := sort.Search(len(trajectory), func(i int) bool { return trajectory[i].Time > t })
	a, b := trajectory[hi-1], trajectory[hi]
	span := b.Time - a.Time
	if span <= 0 {
		return a.Translation, a.Rotation
	}
	f := (t - a.Time) / span
	translation := r3.Add(a.Translation, r3.Scale(f, r3.Sub(b.Translation, a.Translation)))
	return translation, nlerp(a.Rotation, b.Rotation, f)
}

func nlerp(a, b r3.Rotation, f float64) r3.Rotation {
	qa, qb := quat.Number(a), quat.Number(b)
	// Take the short arc.
	if qa.Real*qb.Real+qa.Imag*qb.Imag+qa.Jmag*qb.Jmag+qa.Kmag*qb.Kmag < 0 {
		qb = quat.Scale(-1, qb)
	}
	mixed := quat.Add(quat.Scale(1-f, qa), quat.Scale(f, qb))
	norm := math.Sqrt(mixed.Real*mixed.Real + mixed.Imag*mixed.Imag + mixed.Jmag*mixed.Jmag + mixed.Kmag*mixed.Kmag)
	if norm == 0 {
		return a
	}
	return r3.Rotation(quat.Scale(1/norm, mixed))
}

// IntegrateLocalRays transforms sensor-local sample points through a
// time-sorted trajectory and integrates the resulting rays: each ray runs
// from the interpolated sensor position to the transformed sample.
func (g *GpuMap) IntegrateLocalRays(trajectory []TrajectoryPoint, sampleTimes []float64,
	localSamples []r3.Vec, endPointsAsOccupied bool) (int, error) {

	if len(trajectory) == 0 {
		return 0, errors.New("empty trajectory")
	}
	if len(sampleTimes) != len(localSamples) {
		return 0, errors.Errorf("sample count mismatch: %d times, %d samples", len(sampleTimes), len(localSamples))
	}

	rays := make([]r3.Vec, 0, 2*len(localSamples))
	for i, local := range localSamples {
		translation, rotation := interpolatePose(trajectory, sampleTimes[i])
		sample := r3.Add(translation, rotation.Rotate(local))
		rays = append(rays, translation, sample)
	}
	return g.IntegrateRays(rays, endPointsAsOccupied)
}
