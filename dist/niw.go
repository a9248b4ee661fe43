package dist

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// NIW is the normal-inverse-Wishart distribution
//
//	Σ ~ IW(Df, Scale),  μ | Σ ~ N(Loc, Σ/MeanConcentration).
type NIW struct {
	Loc               []float64
	MeanConcentration float64
	Df                float64
	Scale             *mat.SymDense
}

// NIWStats are the sufficient statistics of a set of vectors for the NIW
// posterior update: Σx, Σxxᵀ and the number of vectors.
type NIWStats struct {
	SumX   []float64
	SumXXT *mat.SymDense
	N      float64
}

// Dim returns the dimension of the mean vector.
func (d NIW) Dim() int {
	return len(d.Loc)
}

func (d NIW) iw() InverseWishart {
	return InverseWishart{Df: d.Df, Scale: d.Scale}
}

// Validate checks the shapes and the domain of the hyperparameters.
func (d NIW) Validate() error {
	if err := checkSquare("NIW scale", d.Scale, d.Dim()); err != nil {
		return err
	}
	if !(d.MeanConcentration > 0) {
		return fmt.Errorf("dist: NIW mean concentration must be positive, got %g", d.MeanConcentration)
	}
	return d.iw().Validate()
}

// LogProb returns log IW(Σ | ν, Ψ) + log N(μ | Loc, Σ/κ).
func (d NIW) LogProb(sigma mat.Symmetric, mu []float64) float64 {
	if len(mu) != d.Dim() {
		panic(ErrDimension)
	}
	lp := d.iw().LogProb(sigma)
	if math.IsInf(lp, -1) {
		return lp
	}

	var chol mat.Cholesky
	if !chol.Factorize(sigma) {
		return math.Inf(-1)
	}
	chol.Scale(1/d.MeanConcentration, &chol)

	return lp + distmv.NormalLogProb(mu, d.Loc, &chol)
}

// Mode returns the joint mode, Σ = Ψ/(ν+p+2) and μ = Loc.
func (d NIW) Mode() (*mat.SymDense, []float64) {
	p := float64(d.Dim())
	mu := append([]float64(nil), d.Loc...)
	return ScaledSym(1/(d.Df+p+2), d.Scale), mu
}

// Sample draws (Σ, μ).
func (d NIW) Sample(src rand.Source) (*mat.SymDense, []float64, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}

	sigma, err := d.iw().Sample(src)
	if err != nil {
		return nil, nil, err
	}

	chol, err := Cholesky(sigma)
	if err != nil {
		return nil, nil, fmt.Errorf("NIW covariance draw: %w", err)
	}
	chol.Scale(1/d.MeanConcentration, chol)
	mu := distmv.NormalRand(nil, d.Loc, chol, src)

	return sigma, mu, nil
}

// NIWPosteriorUpdate combines an NIW prior with sufficient statistics:
//
//	κ' = κ + N
//	μ' = (κ μ₀ + Σx) / κ'
//	ν' = ν + N
//	Ψ' = Ψ + Σxxᵀ + κ μ₀μ₀ᵀ - κ' μ'μ'ᵀ
func NIWPosteriorUpdate(prior NIW, stats NIWStats) (NIW, error) {
	p := prior.Dim()
	if len(stats.SumX) != p {
		return NIW{}, fmt.Errorf("%w: NIW stats have dimension %d, prior has %d", ErrDimension, len(stats.SumX), p)
	}
	if err := checkSquare("NIW stats SumXXT", stats.SumXXT, p); err != nil {
		return NIW{}, err
	}

	kappa := prior.MeanConcentration + stats.N
	loc := make([]float64, p)
	for i := range loc {
		loc[i] = (prior.MeanConcentration*prior.Loc[i] + stats.SumX[i]) / kappa
	}

	scale := mat.NewSymDense(p, nil)
	scale.AddSym(prior.Scale, stats.SumXXT)
	scale.SymRankOne(scale, prior.MeanConcentration, mat.NewVecDense(p, append([]float64(nil), prior.Loc...)))
	scale.SymRankOne(scale, -kappa, mat.NewVecDense(p, append([]float64(nil), loc...)))

	return NIW{
		Loc:               loc,
		MeanConcentration: kappa,
		Df:                prior.Df + stats.N,
		Scale:             scale,
	}, nil
}
