// Package hmmsim generates synthetic data from linear-regression HMMs and
// from linear Gaussian state space models.
package hmmsim

import (
	"fmt"
	"math/rand/v2"

	"github.com/calebweinreb/dynamax/dist"
	"github.com/calebweinreb/dynamax/hmmlib"
	"github.com/calebweinreb/dynamax/lgssm"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomCovariates returns ntime x dim standard normal values, flattened by
// time.
func RandomCovariates(src rand.Source, ntime, dim int) []float64 {

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	x := make([]float64, ntime*dim)
	for i := range x {
		x[i] = norm.Rand()
	}

	return x
}

// Generate a discrete random variable from the given probability vector,
// which must sum to 1.
func genDiscrete(rng *rand.Rand, pr []float64) int {

	u := rng.Float64()
	p := 0.0
	for j := range pr {
		p += pr[j]
		if u < p {
			return j
		}
	}

	// Rounding can leave u just above the total
	return len(pr) - 1
}

// GenStates generates a random state sequence of length ntime.
func GenStates(src rand.Source, hmm *hmmlib.HMM, ntime int) ([]int, error) {

	if ntime < 1 {
		return nil, fmt.Errorf("hmmsim: need at least one time point, got %d", ntime)
	}

	rng := rand.New(src)
	state := make([]int, ntime)

	// Set the initial state
	state[0] = genDiscrete(rng, hmm.Init)

	// Set the rest of the states
	for t := 1; t < ntime; t++ {
		st := state[t-1]
		row := hmm.Trans[st*hmm.NState : (st+1)*hmm.NState]
		state[t] = genDiscrete(rng, row)
	}

	return state, nil
}

// GenObs generates emissions (ntime x EmDim, flattened by time) given a
// state sequence and the covariates (ntime x CovDim).
func GenObs(src rand.Source, hmm *hmmlib.HMM, state []int, covariates []float64) ([]float64, error) {

	m, d := hmm.CovDim, hmm.EmDim
	ntime := len(state)
	if len(covariates) != ntime*m {
		return nil, fmt.Errorf("hmmsim: %d covariate values for %d time points of dimension %d",
			len(covariates), ntime, m)
	}

	chols := make([]*mat.Cholesky, hmm.NState)
	for st := range chols {
		cov := mat.NewSymDense(d, append([]float64(nil), hmm.Covs[st*d*d:(st+1)*d*d]...))
		var err error
		if chols[st], err = dist.Cholesky(cov); err != nil {
			return nil, fmt.Errorf("hmmsim: covariance of state %d: %w", st, err)
		}
	}

	obs := make([]float64, ntime*d)
	mean := make([]float64, d)
	for t, st := range state {
		x := covariates[t*m : (t+1)*m]
		copy(mean, hmm.Biases[st*d:(st+1)*d])
		for i := 0; i < d && m > 0; i++ {
			mean[i] += floats.Dot(hmm.Weights[(st*d+i)*m:(st*d+i+1)*m], x)
		}
		distmv.NormalRand(obs[t*d:(t+1)*d], mean, chols[st], src)
	}

	return obs, nil
}

// SampleHMM generates a state sequence and the emissions for one particle.
func SampleHMM(src rand.Source, hmm *hmmlib.HMM, ntime int, covariates []float64) ([]int, []float64, error) {

	state, err := GenStates(src, hmm, ntime)
	if err != nil {
		return nil, nil, err
	}
	obs, err := GenObs(src, hmm, state, covariates)
	if err != nil {
		return nil, nil, err
	}

	return state, obs, nil
}

// SampleLGSSM generates a latent trajectory (ntime x StateDim) and emissions
// (ntime x EmissionDim).  The inputs are ntime x InputDim, or nil.
func SampleLGSSM(src rand.Source, params lgssm.Params, ntime int, inputs *mat.Dense) (*mat.Dense, *mat.Dense, error) {

	if ntime < 1 {
		return nil, nil, fmt.Errorf("hmmsim: need at least one time point, got %d", ntime)
	}
	if err := params.Validate(); err != nil {
		return nil, nil, err
	}
	n, d, m := params.Dims()
	if m > 0 {
		if inputs == nil {
			return nil, nil, fmt.Errorf("hmmsim: model has %d inputs but none were given", m)
		}
		if r, c := inputs.Dims(); r < ntime || c != m {
			return nil, nil, fmt.Errorf("hmmsim: inputs are %dx%d, want %dx%d", r, c, ntime, m)
		}
	}

	chol := func(name string, a mat.Symmetric) (*mat.Cholesky, error) {
		c, err := dist.Cholesky(a)
		if err != nil {
			return nil, fmt.Errorf("hmmsim: %s: %w", name, err)
		}
		return c, nil
	}
	c0, err := chol("initial covariance", params.InitialCovariance)
	if err != nil {
		return nil, nil, err
	}
	cq, err := chol("dynamics covariance", params.DynamicsCovariance)
	if err != nil {
		return nil, nil, err
	}
	cr, err := chol("emission covariance", params.EmissionCovariance)
	if err != nil {
		return nil, nil, err
	}

	states := mat.NewDense(ntime, n, nil)
	emissions := mat.NewDense(ntime, d, nil)

	distmv.NormalRand(states.RawRowView(0), params.InitialMean, c0, src)
	mx := mat.NewVecDense(n, nil)
	my := mat.NewVecDense(d, nil)
	for t := 0; t < ntime; t++ {

		x := states.RowView(t)
		my.MulVec(params.EmissionMatrix, x)
		if params.EmissionInputWeights != nil {
			var du mat.VecDense
			du.MulVec(params.EmissionInputWeights, inputs.RowView(t))
			my.AddVec(my, &du)
		}
		distmv.NormalRand(emissions.RawRowView(t), my.RawVector().Data, cr, src)

		if t == ntime-1 {
			break
		}
		mx.MulVec(params.DynamicsMatrix, x)
		if params.DynamicsInputWeights != nil {
			var bu mat.VecDense
			bu.MulVec(params.DynamicsInputWeights, inputs.RowView(t))
			mx.AddVec(mx, &bu)
		}
		distmv.NormalRand(states.RawRowView(t+1), mx.RawVector().Data, cq, src)
	}

	return states, emissions, nil
}
