package cell

import (
	"math"
)

// Tolerances bounds the agreement required between a candidate cell and a
// reference. Lengths are fractional (e.g. 0.05 for 5%), angles absolute in
// radians.
type Tolerances struct {
	A, B, C          float64
	Alpha, Beta, Gam float64
}

// DefaultTolerances matches the conventional 5% / 1.5 degree defaults.
func DefaultTolerances() Tolerances {
	d := 1.5 * math.Pi / 180
	return Tolerances{A: 0.05, B: 0.05, C: 0.05, Alpha: d, Beta: d, Gam: d}
}

// Valid reports whether every tolerance is positive.
func (t Tolerances) Valid() bool {
	return t.A > 0 && t.B > 0 && t.C > 0 &&
		t.Alpha > 0 && t.Beta > 0 && t.Gam > 0
}

func withinFraction(ref, val, frac float64) bool {
	return math.Abs(ref-val) <= frac*ref
}

// CompareParameters reports whether the real-space parameters of cl match
// those of ref within tol, ignoring orientation. Centering must agree.
func (cl *Cell) CompareParameters(ref *Cell, tol Tolerances) bool {
	if cl.Centering != ref.Centering {
		return false
	}

	a1, b1, c1, al1, be1, ga1 := cl.Parameters()
	a2, b2, c2, al2, be2, ga2 := ref.Parameters()

	if !withinFraction(a2, a1, tol.A) {
		return false
	}
	if !withinFraction(b2, b1, tol.B) {
		return false
	}
	if !withinFraction(c2, c1, tol.C) {
		return false
	}
	if math.Abs(al1-al2) > tol.Alpha {
		return false
	}
	if math.Abs(be1-be2) > tol.Beta {
		return false
	}
	if math.Abs(ga1-ga2) > tol.Gam {
		return false
	}
	return true
}

// candidate is one trial axis vector built from an integer combination of
// the cell's real-space axes.
type candidate struct {
	vec        Vec3
	na, nb, nc int
	fom        float64
}

func sameVector(a, b candidate) bool {
	return a.na == b.na && a.nb == b.nb && a.nc == b.nc
}

// Weight of length error against angle error in the combined figure of merit.
const lengthWeight = 4.0

// Match searches axis permutations and, when combine is set, integer linear
// combinations of the candidate cell's axes for a basis matching the
// reference cell's lengths and angles within tol. Combination coefficients
// are drawn from {-1, 0, 1, 2}. The combination with the smallest combined
// figure of merit wins; nil is returned when nothing qualifies.
func (cl *Cell) Match(ref *Cell, tol Tolerances, combine bool) *Cell {
	refLen := [3]float64{ref.A.Norm(), ref.B.Norm(), ref.C.Norm()}
	refAng := [3]float64{
		AngleBetween(ref.B, ref.C),
		AngleBetween(ref.A, ref.C),
		AngleBetween(ref.A, ref.B),
	}
	lenTol := [3]float64{tol.A, tol.B, tol.C}
	angTol := [3]float64{tol.Alpha, tol.Beta, tol.Gam}

	var coeffs []int
	if combine {
		coeffs = []int{-1, 0, 1, 2}
	} else {
		coeffs = []int{0, 1, -1}
	}

	// Gather candidate vectors for each target axis by length agreement
	var cand [3][]candidate
	for _, na := range coeffs {
		for _, nb := range coeffs {
			for _, nc := range coeffs {
				if na == 0 && nb == 0 && nc == 0 {
					continue
				}
				if !combine {
					// Plain permutation search: one axis at a time,
					// possibly negated
					n := abs(na) + abs(nb) + abs(nc)
					if n != 1 {
						continue
					}
				}
				v := cl.A.Scale(float64(na)).
					Add(cl.B.Scale(float64(nb))).
					Add(cl.C.Scale(float64(nc)))
				vlen := v.Norm()
				for i := 0; i < 3; i++ {
					if !withinFraction(refLen[i], vlen, lenTol[i]) {
						continue
					}
					cand[i] = append(cand[i], candidate{
						vec: v,
						na:  na, nb: nb, nc: nc,
						fom: math.Abs(refLen[i]-vlen) / refLen[i],
					})
				}
			}
		}
	}

	best := math.Inf(1)
	var bestCell *Cell

	for _, ca := range cand[0] {
		for _, cb := range cand[1] {
			if sameVector(ca, cb) {
				continue
			}
			// Angle between axes a and b must be gamma
			ang := AngleBetween(ca.vec, cb.vec)
			if math.Abs(ang-refAng[2]) > angTol[2] {
				continue
			}
			fom1 := math.Abs(ang - refAng[2])

			for _, cc := range cand[2] {
				if sameVector(cb, cc) || sameVector(ca, cc) {
					continue
				}
				ang = AngleBetween(ca.vec, cc.vec)
				if math.Abs(ang-refAng[1]) > angTol[1] {
					continue
				}
				fom2 := fom1 + math.Abs(ang-refAng[1])

				ang = AngleBetween(cb.vec, cc.vec)
				if math.Abs(ang-refAng[0]) > angTol[0] {
					continue
				}

				if ca.vec.Cross(cb.vec).Dot(cc.vec) <= 0 {
					continue
				}

				fom := fom2 + math.Abs(ang-refAng[0])
				fom += lengthWeight * (ca.fom + cb.fom + cc.fom)
				if fom < best {
					best = fom
					out := NewFromDirectAxes(ca.vec, cb.vec, cc.vec)
					out.Lattice = ref.Lattice
					out.Centering = ref.Centering
					out.UniqueAxis = ref.UniqueAxis
					bestCell = out
				}
			}
		}
	}

	return bestCell
}

// MatchFOM returns the combined length and angle error figure of merit of cl against
// ref, used to rank rival candidates from the same indexer backend.
func (cl *Cell) MatchFOM(ref *Cell) float64 {
	a1, b1, c1, al1, be1, ga1 := cl.Parameters()
	a2, b2, c2, al2, be2, ga2 := ref.Parameters()
	return math.Abs(a1-a2)/a2 + math.Abs(b1-b2)/b2 + math.Abs(c1-c2)/c2 +
		math.Abs(al1-al2) + math.Abs(be1-be2) + math.Abs(ga1-ga2)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
