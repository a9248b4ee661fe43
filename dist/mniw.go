package dist

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

const logTwoPi = 1.8378770664093454835606594728112352797227949472755668

// MNIW is the matrix-normal-inverse-Wishart distribution over a covariance
// Σ (out×out) and a coefficient matrix W (out×in),
//
//	Σ ~ IW(Df, Scale),  W | Σ ~ MN(Loc, Σ, ColPrecision⁻¹),
//
// where Σ is the row covariance and ColPrecision⁻¹ the column covariance.
type MNIW struct {
	Loc          *mat.Dense
	ColPrecision *mat.SymDense
	Df           float64
	Scale        *mat.SymDense
}

// MNIWStats are the sufficient statistics of paired vectors (x_t, y_t) for
// the MNIW posterior update.  SumXYT is in×out.
type MNIWStats struct {
	SumXXT *mat.SymDense
	SumXYT *mat.Dense
	SumYYT *mat.SymDense
	N      float64
}

// Dims returns the output and input dimensions of the coefficient matrix.
func (d MNIW) Dims() (out, in int) {
	return d.Loc.Dims()
}

func (d MNIW) iw() InverseWishart {
	return InverseWishart{Df: d.Df, Scale: d.Scale}
}

// Validate checks the shapes and the domain of the hyperparameters.
func (d MNIW) Validate() error {
	if d.Loc == nil {
		return fmt.Errorf("%w: MNIW loc is nil", ErrDimension)
	}
	out, in := d.Dims()
	if err := checkSquare("MNIW column precision", d.ColPrecision, in); err != nil {
		return err
	}
	if err := checkSquare("MNIW scale", d.Scale, out); err != nil {
		return err
	}
	if _, err := Cholesky(d.ColPrecision); err != nil {
		return fmt.Errorf("MNIW column precision: %w", err)
	}
	return d.iw().Validate()
}

// LogProb returns log IW(Σ | ν, Ψ) + log MN(W | M, Σ, V⁻¹).
func (d MNIW) LogProb(sigma mat.Symmetric, w mat.Matrix) float64 {
	out, in := d.Dims()
	if r, c := w.Dims(); r != out || c != in {
		panic(ErrDimension)
	}

	lp := d.iw().LogProb(sigma)
	if math.IsInf(lp, -1) {
		return lp
	}

	var cs mat.Cholesky
	if !cs.Factorize(sigma) {
		return math.Inf(-1)
	}
	cv, err := Cholesky(d.ColPrecision)
	if err != nil {
		return math.NaN()
	}

	// E = W - M, quadratic term tr(V Eᵀ Σ⁻¹ E).
	var e, sie, q mat.Dense
	e.Sub(w, d.Loc)
	_ = cs.SolveTo(&sie, &e)
	q.Product(d.ColPrecision, e.T(), &sie)

	fo, fi := float64(out), float64(in)
	lp += -0.5*fo*fi*logTwoPi - 0.5*fi*cs.LogDet() + 0.5*fo*cv.LogDet() - 0.5*mat.Trace(&q)

	return lp
}

// Mode returns the joint mode, Σ = Ψ/(ν+out+in+1) and W = Loc.
func (d MNIW) Mode() (*mat.SymDense, *mat.Dense) {
	out, in := d.Dims()
	return ScaledSym(1/(d.Df+float64(out+in)+1), d.Scale), mat.DenseCopyOf(d.Loc)
}

// Sample draws (Σ, W).
func (d MNIW) Sample(src rand.Source) (*mat.SymDense, *mat.Dense, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}

	sigma, err := d.iw().Sample(src)
	if err != nil {
		return nil, nil, err
	}

	w, err := sampleMatrixNormal(src, d.Loc, sigma, d.ColPrecision)
	if err != nil {
		return nil, nil, err
	}

	return sigma, w, nil
}

// sampleMatrixNormal draws W = M + L_row Z L_colᵀ where L_row L_rowᵀ = rowCov,
// L_col L_colᵀ = colPrec⁻¹ and Z has independent standard normal entries.
func sampleMatrixNormal(src rand.Source, loc *mat.Dense, rowCov, colPrec mat.Symmetric) (*mat.Dense, error) {
	out, in := loc.Dims()

	crow, err := Cholesky(rowCov)
	if err != nil {
		return nil, fmt.Errorf("matrix-normal row covariance: %w", err)
	}
	cprec, err := Cholesky(colPrec)
	if err != nil {
		return nil, fmt.Errorf("matrix-normal column precision: %w", err)
	}
	ccol, err := Cholesky(inverse(cprec))
	if err != nil {
		return nil, fmt.Errorf("matrix-normal column covariance: %w", err)
	}

	var lrow, lcol mat.TriDense
	crow.LTo(&lrow)
	ccol.LTo(&lcol)

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	z := mat.NewDense(out, in, nil)
	for i := 0; i < out; i++ {
		for j := 0; j < in; j++ {
			z.Set(i, j, norm.Rand())
		}
	}

	w := mat.NewDense(out, in, nil)
	w.Product(&lrow, z, lcol.T())
	w.Add(w, loc)

	return w, nil
}

// MNIWPosteriorUpdate combines an MNIW prior with sufficient statistics:
//
//	V' = V + Σxxᵀ
//	M' = (M V + Σyxᵀ) V'⁻¹
//	ν' = ν + N
//	Ψ' = Ψ + Σyyᵀ + M V Mᵀ - M' V' M'ᵀ
func MNIWPosteriorUpdate(prior MNIW, stats MNIWStats) (MNIW, error) {
	out, in := prior.Dims()
	if err := checkSquare("MNIW stats SumXXT", stats.SumXXT, in); err != nil {
		return MNIW{}, err
	}
	if err := checkSquare("MNIW stats SumYYT", stats.SumYYT, out); err != nil {
		return MNIW{}, err
	}
	if r, c := stats.SumXYT.Dims(); r != in || c != out {
		return MNIW{}, fmt.Errorf("%w: MNIW stats SumXYT is %d×%d, want %d×%d", ErrDimension, r, c, in, out)
	}

	prec := mat.NewSymDense(in, nil)
	prec.AddSym(prior.ColPrecision, stats.SumXXT)

	// mv = M V, rhs = M V + Σyxᵀ
	var mv, rhs mat.Dense
	mv.Mul(prior.Loc, prior.ColPrecision)
	rhs.Add(&mv, stats.SumXYT.T())

	cprec, err := Cholesky(prec)
	if err != nil {
		return MNIW{}, fmt.Errorf("MNIW posterior precision: %w", err)
	}
	var loct mat.Dense
	_ = cprec.SolveTo(&loct, rhs.T())
	loc := mat.DenseCopyOf(loct.T())

	var mvm, post mat.Dense
	mvm.Mul(&mv, prior.Loc.T())
	post.Mul(&rhs, loc.T())

	var scale mat.Dense
	scale.Add(prior.Scale, stats.SumYYT)
	scale.Add(&scale, &mvm)
	scale.Sub(&scale, &post)

	return MNIW{
		Loc:          loc,
		ColPrecision: prec,
		Df:           prior.Df + stats.N,
		Scale:        Symmetrize(&scale),
	}, nil
}
