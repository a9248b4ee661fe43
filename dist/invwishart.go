package dist

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distmat"
)

// InverseWishart is the inverse-Wishart distribution over p×p covariance
// matrices with Df degrees of freedom and scale matrix Scale.
type InverseWishart struct {
	Df    float64
	Scale *mat.SymDense
}

// Dim returns the order of the matrices in the support.
func (iw InverseWishart) Dim() int {
	return iw.Scale.SymmetricDim()
}

// Validate checks that Df > p-1 and that Scale is positive definite.
func (iw InverseWishart) Validate() error {
	if iw.Scale == nil {
		return fmt.Errorf("%w: inverse-Wishart scale is nil", ErrDimension)
	}
	if p := iw.Dim(); iw.Df <= float64(p-1) {
		return fmt.Errorf("%w: df=%g, dim=%d", ErrDegreesOfFreedom, iw.Df, p)
	}
	if _, err := Cholesky(iw.Scale); err != nil {
		return fmt.Errorf("inverse-Wishart scale: %w", err)
	}
	return nil
}

// LogProb returns the log density at sigma,
//
//	ν/2 log|Ψ| - νp/2 log 2 - log Γ_p(ν/2) - (ν+p+1)/2 log|Σ| - tr(Ψ Σ⁻¹)/2.
//
// It returns -Inf if sigma is not positive definite.
func (iw InverseWishart) LogProb(sigma mat.Symmetric) float64 {
	p := iw.Dim()
	if sigma.SymmetricDim() != p {
		panic(ErrDimension)
	}

	var cs mat.Cholesky
	if !cs.Factorize(sigma) {
		return math.Inf(-1)
	}
	cp, err := Cholesky(iw.Scale)
	if err != nil {
		return math.NaN()
	}

	nu := iw.Df
	fp := float64(p)
	lp := 0.5*nu*cp.LogDet() - 0.5*nu*fp*math.Ln2 - mathext.MvLgamma(0.5*nu, p)
	lp -= 0.5 * (nu + fp + 1) * cs.LogDet()
	lp -= 0.5 * traceSolve(&cs, iw.Scale)

	return lp
}

// Mode returns Ψ/(ν+p+1).
func (iw InverseWishart) Mode() *mat.SymDense {
	p := float64(iw.Dim())
	return ScaledSym(1/(iw.Df+p+1), iw.Scale)
}

// Sample draws a covariance matrix.  A draw W from Wishart(Ψ⁻¹, ν) is
// generated and W⁻¹ is returned.
func (iw InverseWishart) Sample(src rand.Source) (*mat.SymDense, error) {
	if err := iw.Validate(); err != nil {
		return nil, err
	}

	cp, err := Cholesky(iw.Scale)
	if err != nil {
		return nil, err
	}
	w, ok := distmat.NewWishart(inverse(cp), iw.Df, src)
	if !ok {
		return nil, fmt.Errorf("inverse-Wishart: %w", ErrNotPositiveDefinite)
	}

	var cw mat.Cholesky
	w.RandCholTo(&cw)

	return inverse(&cw), nil
}
