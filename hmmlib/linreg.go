package hmmlib

import (
	"errors"
	"fmt"
	"math"

	"github.com/calebweinreb/dynamax/dist"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// SuffStats holds the expected sufficient statistics of the emission
// model, accumulated separately for each state.  Arrays are flat, with the
// state index outermost.
type SuffStats struct {

	// Σ_t w_tk, length NState
	SumW []float64

	// Σ_t w_tk x_t, NState x CovDim
	SumX []float64

	// Σ_t w_tk y_t, NState x EmDim
	SumY []float64

	// Σ_t w_tk x_t x_tᵀ, NState x CovDim x CovDim
	SumXXT []float64

	// Σ_t w_tk x_t y_tᵀ, NState x CovDim x EmDim
	SumXYT []float64

	// Σ_t w_tk y_t y_tᵀ, NState x EmDim x EmDim
	SumYYT []float64
}

// ZeroSuffStats returns empty statistics sized for the model.
func (hmm *HMM) ZeroSuffStats() *SuffStats {

	k, m, d := hmm.NState, hmm.CovDim, hmm.EmDim

	return &SuffStats{
		SumW:   make([]float64, k),
		SumX:   make([]float64, k*m),
		SumY:   make([]float64, k*d),
		SumXXT: make([]float64, k*m*m),
		SumXYT: make([]float64, k*m*d),
		SumYYT: make([]float64, k*d*d),
	}
}

// Accumulate adds the statistics of one particle.  The expected state
// probabilities are T x NState, the covariates T x CovDim and the emissions
// T x EmDim, all flattened by time.
func (hmm *HMM) Accumulate(ss *SuffStats, expected, covariates, emissions []float64) {

	k, m, d := hmm.NState, hmm.CovDim, hmm.EmDim
	nt := len(emissions) / d

	for t := 0; t < nt; t++ {
		x := covariates[t*m : (t+1)*m]
		y := emissions[t*d : (t+1)*d]
		for st := 0; st < k; st++ {
			w := expected[t*k+st]
			if w == 0 {
				continue
			}
			ss.SumW[st] += w
			floats.AddScaled(ss.SumX[st*m:(st+1)*m], w, x)
			floats.AddScaled(ss.SumY[st*d:(st+1)*d], w, y)
			addOuter(ss.SumXXT[st*m*m:(st+1)*m*m], w, x, x)
			addOuter(ss.SumXYT[st*m*d:(st+1)*m*d], w, x, y)
			addOuter(ss.SumYYT[st*d*d:(st+1)*d*d], w, y, y)
		}
	}
}

// Add merges other into ss.
func (ss *SuffStats) Add(other *SuffStats) {
	floats.Add(ss.SumW, other.SumW)
	floats.Add(ss.SumX, other.SumX)
	floats.Add(ss.SumY, other.SumY)
	floats.Add(ss.SumXXT, other.SumXXT)
	floats.Add(ss.SumXYT, other.SumXYT)
	floats.Add(ss.SumYYT, other.SumYYT)
}

// addOuter adds w a bᵀ to the row-major matrix dst.
func addOuter(dst []float64, w float64, a, b []float64) {
	nb := len(b)
	for i, ai := range a {
		floats.AddScaled(dst[i*nb:(i+1)*nb], w*ai, b)
	}
}

// MStepEmissions sets the regression weights, biases and covariances to
// their weighted least squares values given the statistics.  The weights and
// bias of state k solve
//
//	[Sxx  Sx] [W_kᵀ]   [Sxy]
//	[Sxᵀ  Sw] [b_kᵀ] = [Sy ]
//
// and the covariance is (Syy - [W_k b_k] [Sxy; Sy]) / Sw.  States with no
// weight keep their current parameters.
func (hmm *HMM) MStepEmissions(ss *SuffStats) {

	k, m, d := hmm.NState, hmm.CovDim, hmm.EmDim
	n1 := m + 1

	for st := 0; st < k; st++ {

		sw := ss.SumW[st]
		if sw < minStateWeight {
			hmm.msglogger.Printf("State %d has no weight, emission parameters not updated", st)
			continue
		}

		gram := mat.NewDense(n1, n1, nil)
		target := mat.NewDense(n1, d, nil)
		sxx := ss.SumXXT[st*m*m : (st+1)*m*m]
		sxy := ss.SumXYT[st*m*d : (st+1)*m*d]
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				gram.Set(i, j, sxx[i*m+j])
			}
			sx := ss.SumX[st*m+i]
			gram.Set(i, m, sx)
			gram.Set(m, i, sx)
			for j := 0; j < d; j++ {
				target.Set(i, j, sxy[i*d+j])
			}
		}
		gram.Set(m, m, sw)
		for j := 0; j < d; j++ {
			target.Set(m, j, ss.SumY[st*d+j])
		}

		// sol is [W_k b_k]ᵀ
		var sol mat.Dense
		if err := sol.Solve(gram, target); err != nil {
			var c mat.Condition
			if !errors.As(err, &c) || math.IsInf(float64(c), 1) {
				hmm.msglogger.Printf("State %d has a singular design, emission parameters not updated", st)
				continue
			}
			hmm.msglogger.Printf("State %d design is ill-conditioned: %v", st, err)
		}

		for i := 0; i < d; i++ {
			for j := 0; j < m; j++ {
				hmm.Weights[(st*d+i)*m+j] = sol.At(j, i)
			}
			hmm.Biases[st*d+i] = sol.At(m, i)
		}

		var fit mat.Dense
		fit.Mul(sol.T(), target)
		syy := ss.SumYYT[st*d*d : (st+1)*d*d]
		cov := hmm.Covs[st*d*d : (st+1)*d*d]
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				cov[i*d+j] = (syy[i*d+j] - fit.At(i, j)) / sw
			}
		}
		symmetrize(cov, d)
	}
}

// symmetrize replaces the d x d matrix x with (x + xᵀ)/2.
func symmetrize(x []float64, d int) {
	for i := 0; i < d; i++ {
		for j := i + 1; j < d; j++ {
			v := 0.5 * (x[i*d+j] + x[j*d+i])
			x[i*d+j] = v
			x[j*d+i] = v
		}
	}
}

// predict writes W_k x + b_k into mean.
func (hmm *HMM) predict(st int, x, mean []float64) {

	m, d := hmm.CovDim, hmm.EmDim
	copy(mean, hmm.Biases[st*d:(st+1)*d])
	for i := 0; i < d; i++ {
		if m > 0 {
			mean[i] += floats.Dot(hmm.Weights[(st*d+i)*m:(st*d+i+1)*m], x)
		}
	}
}

// covChol returns the Cholesky factor of the covariance of state st.
func (hmm *HMM) covChol(st int) (*mat.Cholesky, error) {

	d := hmm.EmDim
	cov := mat.NewSymDense(d, append([]float64(nil), hmm.Covs[st*d*d:(st+1)*d*d]...))
	chol, err := dist.Cholesky(cov)
	if err != nil {
		return nil, fmt.Errorf("hmmlib: covariance of state %d: %w", st, err)
	}

	return chol, nil
}

// emissionChols factors the covariance of every state.
func (hmm *HMM) emissionChols() ([]*mat.Cholesky, error) {

	chols := make([]*mat.Cholesky, hmm.NState)
	for st := range chols {
		var err error
		if chols[st], err = hmm.covChol(st); err != nil {
			return nil, err
		}
	}

	return chols, nil
}

// EmissionLogProb returns log N(y; W_k x + b_k, Σ_k).
func (hmm *HMM) EmissionLogProb(st int, x, y []float64) (float64, error) {

	if err := hmm.checkParams(); err != nil {
		return 0, err
	}
	if len(x) != hmm.CovDim || len(y) != hmm.EmDim {
		return 0, fmt.Errorf("%w: covariates of length %d and emission of length %d",
			ErrData, len(x), len(y))
	}

	chol, err := hmm.covChol(st)
	if err != nil {
		return 0, err
	}
	mean := make([]float64, hmm.EmDim)
	hmm.predict(st, x, mean)

	return distmv.NormalLogProb(y, mean, chol), nil
}

// logObsProbs fills a T x NState table of emission log densities for one
// particle.
func (hmm *HMM) logObsProbs(chols []*mat.Cholesky, covariates, emissions []float64) []float64 {

	k, m, d := hmm.NState, hmm.CovDim, hmm.EmDim
	nt := len(emissions) / d
	lo := make([]float64, nt*k)
	mean := make([]float64, d)

	for t := 0; t < nt; t++ {
		x := covariates[t*m : (t+1)*m]
		y := emissions[t*d : (t+1)*d]
		for st := 0; st < k; st++ {
			hmm.predict(st, x, mean)
			lo[t*k+st] = distmv.NormalLogProb(y, mean, chols[st])
		}
	}

	return lo
}
