// Package lgssm implements a linear Gaussian state space model
//
//	x_0     ~ N(m, S)
//	x_{t+1} = F x_t + B u_t + N(0, Q)
//	y_t     = H x_t + D u_t + N(0, R)
//
// with Kalman filtering, joint posterior sampling of the latent trajectory,
// and a blocked Gibbs sampler over conjugate NIW and MNIW priors.
package lgssm

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrDimension is returned when matrices or data have incompatible sizes.
var ErrDimension = errors.New("lgssm: dimension mismatch")

// Params holds the parameters of an LGSSM.  The input weights are nil when
// the model has no inputs.
type Params struct {
	InitialMean       []float64
	InitialCovariance *mat.SymDense

	DynamicsMatrix       *mat.Dense
	DynamicsInputWeights *mat.Dense
	DynamicsCovariance   *mat.SymDense

	EmissionMatrix       *mat.Dense
	EmissionInputWeights *mat.Dense
	EmissionCovariance   *mat.SymDense
}

// Dims returns the state, emission and input dimensions.
func (p Params) Dims() (state, emission, input int) {
	state = len(p.InitialMean)
	if p.EmissionMatrix != nil {
		emission, _ = p.EmissionMatrix.Dims()
	}
	if p.DynamicsInputWeights != nil {
		_, input = p.DynamicsInputWeights.Dims()
	}
	return state, emission, input
}

// Validate checks that every matrix is present and that the sizes agree.
func (p Params) Validate() error {

	n, d, m := p.Dims()
	if n == 0 {
		return fmt.Errorf("%w: empty initial mean", ErrDimension)
	}
	if p.EmissionMatrix == nil {
		return fmt.Errorf("%w: missing emission matrix", ErrDimension)
	}

	check := func(name string, a mat.Matrix, r, c int) error {
		if a == nil {
			return fmt.Errorf("%w: missing %s", ErrDimension, name)
		}
		if ar, ac := a.Dims(); ar != r || ac != c {
			return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrDimension, name, ar, ac, r, c)
		}
		return nil
	}

	for _, c := range []struct {
		name string
		a    mat.Matrix
		r, c int
	}{
		{"initial covariance", nilSym(p.InitialCovariance), n, n},
		{"dynamics matrix", nilDense(p.DynamicsMatrix), n, n},
		{"dynamics covariance", nilSym(p.DynamicsCovariance), n, n},
		{"emission matrix", nilDense(p.EmissionMatrix), d, n},
		{"emission covariance", nilSym(p.EmissionCovariance), d, d},
	} {
		if err := check(c.name, c.a, c.r, c.c); err != nil {
			return err
		}
	}

	if m > 0 {
		if err := check("dynamics input weights", nilDense(p.DynamicsInputWeights), n, m); err != nil {
			return err
		}
		if err := check("emission input weights", nilDense(p.EmissionInputWeights), d, m); err != nil {
			return err
		}
	} else if p.EmissionInputWeights != nil {
		return fmt.Errorf("%w: emission input weights without dynamics input weights", ErrDimension)
	}

	return nil
}

// nilSym and nilDense keep a nil pointer from becoming a non-nil interface.
func nilSym(a *mat.SymDense) mat.Matrix {
	if a == nil {
		return nil
	}
	return a
}

func nilDense(a *mat.Dense) mat.Matrix {
	if a == nil {
		return nil
	}
	return a
}

// checkData verifies the emissions (T x D) and inputs (T x M, or nil).
func (p Params) checkData(emissions, inputs *mat.Dense) (int, error) {

	_, d, m := p.Dims()
	if emissions == nil {
		return 0, fmt.Errorf("%w: no emissions", ErrDimension)
	}
	nt, ed := emissions.Dims()
	if ed != d {
		return 0, fmt.Errorf("%w: emissions have dimension %d, want %d", ErrDimension, ed, d)
	}
	if m == 0 {
		if inputs != nil {
			return 0, fmt.Errorf("%w: inputs given to a model without input weights", ErrDimension)
		}
		return nt, nil
	}
	if inputs == nil {
		return 0, fmt.Errorf("%w: model has input weights but no inputs were given", ErrDimension)
	}
	if r, c := inputs.Dims(); r != nt || c != m {
		return 0, fmt.Errorf("%w: inputs are %dx%d, want %dx%d", ErrDimension, r, c, nt, m)
	}

	return nt, nil
}

// hstack returns [a | b], or a copy of a when b is nil.
func hstack(a, b *mat.Dense) *mat.Dense {
	if b == nil {
		return mat.DenseCopyOf(a)
	}
	var c mat.Dense
	c.Augment(a, b)
	return &c
}

// hsplit splits the first n columns of a from the rest.  The second part is
// nil when a has exactly n columns.
func hsplit(a *mat.Dense, n int) (*mat.Dense, *mat.Dense) {
	r, c := a.Dims()
	left := mat.DenseCopyOf(a.Slice(0, r, 0, n))
	if c == n {
		return left, nil
	}
	return left, mat.DenseCopyOf(a.Slice(0, r, n, c))
}
