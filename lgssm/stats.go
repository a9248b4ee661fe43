package lgssm

import (
	"fmt"

	"github.com/calebweinreb/dynamax/dist"
	"gonum.org/v1/gonum/mat"
)

// SufficientStats reduces a latent trajectory (T x StateDim), the emissions
// (T x EmissionDim) and the inputs (T x InputDim, or nil) to the statistics of
// the three conjugate updates.  With z_t = [x_t, u_t]:
//
//	initial:  (x_0, x_0 x_0ᵀ, 1)
//	dynamics: Σ z_t z_tᵀ, Σ z_t x_{t+1}ᵀ, Σ x_{t+1} x_{t+1}ᵀ over t < T-1, count T-1
//	emission: Σ z_t z_tᵀ, Σ z_t y_tᵀ, Σ y_t y_tᵀ over all t, count T
func SufficientStats(states, emissions, inputs *mat.Dense) (dist.NIWStats, dist.MNIWStats, dist.MNIWStats, error) {

	var (
		init     dist.NIWStats
		dyn, ems dist.MNIWStats
	)

	nt, n := states.Dims()
	if r, _ := emissions.Dims(); r != nt {
		return init, dyn, ems, fmt.Errorf("%w: %d states and %d emissions", ErrDimension, nt, r)
	}
	if inputs != nil {
		if r, _ := inputs.Dims(); r != nt {
			return init, dyn, ems, fmt.Errorf("%w: %d states and %d inputs", ErrDimension, nt, r)
		}
	}
	if nt < 2 {
		return init, dyn, ems, fmt.Errorf("%w: need at least 2 time points, have %d", ErrDimension, nt)
	}

	x0 := mat.NewVecDense(n, append([]float64(nil), states.RawRowView(0)...))
	x0x0 := mat.NewSymDense(n, nil)
	x0x0.SymOuterK(1, x0)
	init = dist.NIWStats{SumX: x0.RawVector().Data, SumXXT: x0x0, N: 1}

	z := hstack(states, inputs)
	_, nz := z.Dims()

	// zp[t] = z[t] and xn[t] = x[t+1] for t = 0...T-2
	zp := z.Slice(0, nt-1, 0, nz)
	xn := states.Slice(1, nt, 0, n)
	dyn = moments(zp, xn, float64(nt-1))
	ems = moments(z, emissions, float64(nt))

	return init, dyn, ems, nil
}

// moments returns Σ z zᵀ, Σ z yᵀ and Σ y yᵀ over the rows of z and y.
func moments(z, y mat.Matrix, count float64) dist.MNIWStats {

	var zz, yy mat.SymDense
	zz.SymOuterK(1, z.T())
	yy.SymOuterK(1, y.T())

	var zy mat.Dense
	zy.Mul(z.T(), y)

	return dist.MNIWStats{SumXXT: &zz, SumXYT: &zy, SumYYT: &yy, N: count}
}
