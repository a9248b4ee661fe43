package hmmlib

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/calebweinreb/dynamax/param"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initialize sets any parameters that have not already been assigned.  The
// initial distribution and the rows of the transition matrix are drawn from
// their Dirichlet priors.  With InitPrior the weights are small normal draws,
// the biases are standard normal draws and the covariances are identity
// matrices.  With InitKMeans the emissions of all particles are clustered
// into NState groups, the biases are the cluster centres, the weights are
// zero and the covariances are identity matrices.
func (hmm *HMM) Initialize(method InitMethod, src rand.Source, data Data) error {

	k, m, d := hmm.NState, hmm.CovDim, hmm.EmDim

	if hmm.Init == nil {
		dir := distmv.NewDirichlet(fill(k, hmm.InitConcentration), src)
		hmm.Init = dir.Rand(nil)
	}

	if hmm.Trans == nil {
		dir := distmv.NewDirichlet(fill(k, hmm.TransConcentration), src)
		hmm.Trans = make([]float64, k*k)
		for st := 0; st < k; st++ {
			dir.Rand(hmm.Trans[st*k : (st+1)*k])
		}
	}

	weights := make([]float64, k*d*m)
	var biases []float64
	switch method {
	case InitPrior:
		norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
		for i := range weights {
			weights[i] = 0.01 * norm.Rand()
		}
		biases = make([]float64, k*d)
		for i := range biases {
			biases[i] = norm.Rand()
		}
	case InitKMeans:
		if data.NParticle() == 0 {
			return errors.New("hmmlib: k-means initialization requires emissions")
		}
		if err := hmm.checkData(data); err != nil {
			return err
		}
		var pts []float64
		for _, y := range data.Emissions {
			pts = append(pts, y...)
		}
		var err error
		biases, err = kmeans(src, pts, d, k)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("hmmlib: invalid initialization method %d", method)
	}

	covs := make([]float64, k*d*d)
	for st := 0; st < k; st++ {
		for i := 0; i < d; i++ {
			covs[st*d*d+i*d+i] = 1
		}
	}

	// Only use the values above if the caller hasn't set their own
	if hmm.Weights == nil && m > 0 {
		hmm.Weights = weights
	}
	if hmm.Biases == nil {
		hmm.Biases = biases
	}
	if hmm.Covs == nil {
		hmm.Covs = covs
	}

	hmm.msglogger.Printf("%d states\n", k)
	hmm.msglogger.Printf("%d covariates\n", m)
	hmm.msglogger.Printf("%d emission dimensions\n", d)

	return hmm.checkParams()
}

// LogPrior returns the log density of the Dirichlet priors at the initial
// distribution and at each row of the transition matrix.  The emission
// parameters have a flat prior.
func (hmm *HMM) LogPrior() float64 {

	k := hmm.NState
	lp := distmv.NewDirichlet(fill(k, hmm.InitConcentration), nil).LogProb(hmm.Init)

	dir := distmv.NewDirichlet(fill(k, hmm.TransConcentration), nil)
	for st := 0; st < k; st++ {
		lp += dir.LogProb(hmm.Trans[st*k : (st+1)*k])
	}

	return lp
}

const (
	parInit    = "initial.probs"
	parTrans   = "transitions.transition_matrix"
	parWeights = "emissions.weights"
	parBiases  = "emissions.biases"
	parCovs    = "emissions.covs"
)

// Params returns a copy of the parameters with their properties.  The
// probability vectors are constrained to the simplex and the covariances to
// the positive definite matrices.
func (hmm *HMM) Params() param.Set {

	k, d := hmm.NState, hmm.EmDim
	cp := func(x []float64) []float64 {
		return append([]float64{}, x...)
	}

	return param.Set{
		{Name: parInit, Value: cp(hmm.Init), Props: param.NewProperties(param.SoftmaxCentered{})},
		{Name: parTrans, Value: cp(hmm.Trans), Props: param.NewProperties(param.Batch{Bijector: param.SoftmaxCentered{}, N: k})},
		{Name: parWeights, Value: cp(hmm.Weights), Props: param.NewProperties(nil)},
		{Name: parBiases, Value: cp(hmm.Biases), Props: param.NewProperties(nil)},
		{Name: parCovs, Value: cp(hmm.Covs), Props: param.NewProperties(
			param.Batch{Bijector: param.Invert{Bijector: param.PSDToReal{Dim: d}}, N: k})},
	}
}

// SetParams copies parameter values from s, which must hold every leaf
// returned by Params.
func (hmm *HMM) SetParams(s param.Set) error {

	for _, c := range []struct {
		name string
		dst  *[]float64
	}{
		{parInit, &hmm.Init},
		{parTrans, &hmm.Trans},
		{parWeights, &hmm.Weights},
		{parBiases, &hmm.Biases},
		{parCovs, &hmm.Covs},
	} {
		l, ok := s.Get(c.name)
		if !ok {
			return fmt.Errorf("hmmlib: parameter %q is missing", c.name)
		}
		*c.dst = append([]float64{}, l.Value...)
	}

	return hmm.checkParams()
}
