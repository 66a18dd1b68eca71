package kernel

import (
	"math"
)

// RayOffsets is the voxel walk for every kernel direction on a grid with a
// given spacing. Directions are indexed by azimuth theta (0..NumAzimuth-1)
// and zenith bin phi; each walk records NumRadialSteps voxel crossings.
//
// Offsets follow the grid axes: dk along x (beam depth), di along y and
// dj along z.
type RayOffsets struct {
	// Spacing is the voxel spacing in cm the walk was built for (x, y, z)
	Spacing [3]float64

	// step lengths in cm, [theta][phi][step]
	length [][][]float64

	// cumulative voxel offsets, [theta][phi][step]
	di, dj, dk [][][]int
}

// Offset returns the voxel offset (dx, dy, dz) reached at step of direction (theta, phi)
func (r *RayOffsets) Offset(theta, phi, step int) (dx, dy, dz int) {
	return r.dk[theta][phi][step], r.di[theta][phi][step], r.dj[theta][phi][step]
}

// StepLength returns the geometric path length in cm of step of direction (theta, phi)
func (r *RayOffsets) StepLength(theta, phi, step int) float64 {
	return r.length[theta][phi][step]
}

// BuildRayOffsets returns the ray walk for voxel spacing spacingCm (x, y, z
// in cm). The result is cached and only rebuilt when the spacing changes.
// Safe for concurrent use.
func (k *Kernel) BuildRayOffsets(spacingCm [3]float64) *RayOffsets {
	k.raysMu.Lock()
	defer k.raysMu.Unlock()

	if k.rays != nil && sameSpacing(k.rays.Spacing, spacingCm) {
		return k.rays
	}
	k.rays = buildRayOffsets(k.angles, spacingCm)
	return k.rays
}

func buildRayOffsets(angles []float64, sp [3]float64) *RayOffsets {
	numPhi := len(angles)
	r := &RayOffsets{
		Spacing: sp,
		length:  make([][][]float64, NumAzimuth),
		di:      make([][][]int, NumAzimuth),
		dj:      make([][][]int, NumAzimuth),
		dk:      make([][][]int, NumAzimuth),
	}

	angInc := 2 * math.Pi / NumAzimuth
	for t := 0; t < NumAzimuth; t++ {
		r.length[t] = make([][]float64, numPhi)
		r.di[t] = make([][]int, numPhi)
		r.dj[t] = make([][]int, numPhi)
		r.dk[t] = make([][]int, numPhi)

		sthet := math.Sin(float64(t+1) * angInc)
		cthet := math.Cos(float64(t+1) * angInc)
		for phi := 0; phi < numPhi; phi++ {
			sphi := math.Sin(angles[phi])
			cphi := math.Cos(angles[phi])

			// direction cosines in voxels per cm
			ci := sphi * cthet / sp[1]
			cj := sphi * sthet / sp[2]
			ck := cphi / sp[0]

			// crossings of the planes normal to y, z and x respectively
			ri, iI, jI, kI := planeCrossings(NumRadialSteps, ci, cj, ck)
			rj, jJ, iJ, kJ := planeCrossings(NumRadialSteps, cj, ci, ck)
			rk, kK, jK, iK := planeCrossings(NumRadialSteps, ck, cj, ci)

			length := make([]float64, NumRadialSteps)
			di := make([]int, NumRadialSteps)
			dj := make([]int, NumRadialSteps)
			dk := make([]int, NumRadialSteps)

			a, b, c := 0, 0, 0
			last := 0.0
			for n := 0; n < NumRadialSteps; n++ {
				switch {
				case ri[a] <= rj[b] && ri[a] <= rk[c]:
					length[n] = ri[a] - last
					di[n], dj[n], dk[n] = iI[a], jI[a], kI[a]
					last = ri[a]
					a++
				case rj[b] <= ri[a] && rj[b] <= rk[c]:
					length[n] = rj[b] - last
					di[n], dj[n], dk[n] = iJ[b], jJ[b], kJ[b]
					last = rj[b]
					b++
				default:
					length[n] = rk[c] - last
					di[n], dj[n], dk[n] = iK[c], jK[c], kK[c]
					last = rk[c]
					c++
				}
			}
			r.length[t][phi] = length
			r.di[t][phi] = di
			r.dj[t][phi] = dj
			r.dk[t][phi] = dk
		}
	}
	return r
}

// planeCrossings lists, for the first steps planes normal to the principal
// direction f1, the distance from the origin to the crossing and the voxel
// reached along each of the three directions. A near-zero principal cosine
// never crosses and reports an effectively infinite distance.
func planeCrossings(steps int, f1, f2, f3 float64) (r []float64, d1, d2, d3 []int) {
	r = make([]float64, steps+1)
	d1 = make([]int, steps+1)
	d2 = make([]int, steps+1)
	d3 = make([]int, steps+1)
	for n := 0; n < steps; n++ {
		d := float64(n+1) - 0.5
		if math.Abs(f1) >= 1e-4 {
			r[n] = math.Abs(d / f1)
		} else {
			r[n] = 1e5
		}
		// 0.99 keeps the principal offset off the voxel boundary
		d1[n] = nint(0.99 * r[n] * f1)
		d2[n] = nint(r[n] * f2)
		d3[n] = nint(r[n] * f3)
	}
	// sentinel so an exhausted list never wins the merge
	r[steps] = math.Inf(1)
	return r, d1, d2, d3
}

func nint(v float64) int {
	return int(math.Floor(v + 0.5))
}

func sameSpacing(a, b [3]float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}
