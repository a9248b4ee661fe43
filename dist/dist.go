// Package dist implements the conjugate prior families used to sample the
// parameters of linear-Gaussian models: the inverse-Wishart, the
// normal-inverse-Wishart (NIW) and the matrix-normal-inverse-Wishart (MNIW),
// together with their closed-form posterior updates.
package dist

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimension is returned when the shapes of the arguments do not agree.
	ErrDimension = errors.New("dist: dimension mismatch")

	// ErrNotPositiveDefinite is returned when a matrix that must be a
	// covariance or precision cannot be factorized.
	ErrNotPositiveDefinite = errors.New("dist: matrix is not positive definite")

	// ErrDegreesOfFreedom is returned when df <= dim-1.
	ErrDegreesOfFreedom = errors.New("dist: degrees of freedom too small")
)

// Number of times the diagonal jitter is increased before giving up.
const maxJitterTries = 10

// Symmetrize returns (a + aᵀ)/2.  It panics if a is not square.
func Symmetrize(a mat.Matrix) *mat.SymDense {
	r, c := a.Dims()
	if r != c {
		panic(ErrDimension)
	}
	s := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}

// Identity returns the n×n identity as a symmetric matrix.
func Identity(n int) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, 1)
	}
	return s
}

// ScaledSym returns f*a.
func ScaledSym(f float64, a mat.Symmetric) *mat.SymDense {
	n := a.SymmetricDim()
	s := mat.NewSymDense(n, nil)
	s.ScaleSym(f, a)
	return s
}

// Cholesky factorizes a.  If a is numerically indefinite, a growing multiple
// of the identity is added to the diagonal until the factorization succeeds.
func Cholesky(a mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		return &chol, nil
	}

	n := a.SymmetricDim()
	var scale float64
	for i := 0; i < n; i++ {
		v := a.At(i, i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite diagonal", ErrNotPositiveDefinite)
		}
		scale = math.Max(scale, math.Abs(v))
	}
	if scale == 0 {
		scale = 1
	}

	b := mat.NewSymDense(n, nil)
	jitter := 1e-10 * scale
	for k := 0; k < maxJitterTries; k++ {
		b.CopySym(a)
		for i := 0; i < n; i++ {
			b.SetSym(i, i, b.At(i, i)+jitter)
		}
		if chol.Factorize(b) {
			return &chol, nil
		}
		jitter *= 10
	}

	return nil, ErrNotPositiveDefinite
}

// inverse returns the inverse of the matrix factorized by chol.
// Ill-conditioning is not treated as an error.
func inverse(chol *mat.Cholesky) *mat.SymDense {
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			panic(err)
		}
	}
	return &inv
}

// traceSolve returns tr(A⁻¹ B) where chol is the factorization of A.
func traceSolve(chol *mat.Cholesky, b mat.Matrix) float64 {
	var x mat.Dense
	_ = chol.SolveTo(&x, b)
	return mat.Trace(&x)
}

func checkSquare(name string, a mat.Symmetric, n int) error {
	if a == nil {
		return fmt.Errorf("%w: %s is nil", ErrDimension, name)
	}
	if a.SymmetricDim() != n {
		return fmt.Errorf("%w: %s is %d×%d, want %d×%d", ErrDimension, name,
			a.SymmetricDim(), a.SymmetricDim(), n, n)
	}
	return nil
}
