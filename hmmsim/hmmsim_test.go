package hmmsim

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/calebweinreb/dynamax/hmmlib"
	"github.com/calebweinreb/dynamax/lgssm"
	"github.com/calebweinreb/dynamax/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestSampleHMM(t *testing.T) {

	hmm := hmmlib.New(2, 1, 1, hmmlib.WithLoggers(logging.Discard()))
	hmm.Init = []float64{1, 0}
	hmm.Trans = []float64{0.8, 0.2, 0.4, 0.6}
	hmm.Weights = []float64{0, 0}
	hmm.Biases = []float64{-5, 5}
	hmm.Covs = []float64{0.01, 0.01}

	src := rand.NewPCG(1, 2)
	ntime := 5000
	cov := RandomCovariates(src, ntime, 1)
	state, obs, err := SampleHMM(src, hmm, ntime, cov)
	require.NoError(t, err)
	require.Len(t, state, ntime)
	require.Len(t, obs, ntime)
	assert.Equal(t, 0, state[0])

	// The stationary distribution is (2/3, 1/3)
	var n1 float64
	for i, st := range state {
		require.True(t, st == 0 || st == 1)
		n1 += float64(st)
		assert.InDelta(t, hmm.Biases[st], obs[i], 0.5)
	}
	assert.InDelta(t, 1.0/3, n1/float64(ntime), 0.05)

	_, err = GenObs(src, hmm, state, cov[:10])
	assert.Error(t, err)

	_, _, err = SampleHMM(src, hmm, 0, nil)
	assert.Error(t, err)
}

func TestRandomCovariates(t *testing.T) {
	x := RandomCovariates(rand.NewPCG(3, 4), 2000, 2)
	require.Len(t, x, 4000)
	assert.InDelta(t, 0, floats.Sum(x)/4000, 0.1)
}

func TestSampleLGSSM(t *testing.T) {

	params := lgssm.Params{
		InitialMean:          []float64{0, 0},
		InitialCovariance:    mat.NewSymDense(2, []float64{1, 0, 0, 1}),
		DynamicsMatrix:       mat.NewDense(2, 2, []float64{0.9, 0, 0, 0.5}),
		DynamicsInputWeights: mat.NewDense(2, 1, []float64{1, 0}),
		DynamicsCovariance:   mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1}),
		EmissionMatrix:       mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1}),
		EmissionInputWeights: mat.NewDense(3, 1, []float64{0, 0, 0}),
		EmissionCovariance:   mat.NewSymDense(3, []float64{0.01, 0, 0, 0, 0.01, 0, 0, 0, 0.01}),
	}

	ntime := 50
	inputs := mat.NewDense(ntime, 1, nil)
	states, emissions, err := SampleLGSSM(rand.NewPCG(5, 6), params, ntime, inputs)
	require.NoError(t, err)

	r, c := states.Dims()
	assert.Equal(t, []int{ntime, 2}, []int{r, c})
	r, c = emissions.Dims()
	assert.Equal(t, []int{ntime, 3}, []int{r, c})

	// The third emission is the sum of the states up to small noise
	for i := 0; i < ntime; i++ {
		s := states.At(i, 0) + states.At(i, 1)
		assert.InDelta(t, s, emissions.At(i, 2), 0.6)
		assert.False(t, math.IsNaN(emissions.At(i, 0)))
	}

	_, _, err = SampleLGSSM(rand.NewPCG(5, 6), params, ntime, nil)
	assert.Error(t, err)

	_, _, err = SampleLGSSM(rand.NewPCG(5, 6), params, ntime, mat.NewDense(ntime, 2, nil))
	assert.Error(t, err)

	_, _, err = SampleLGSSM(rand.NewPCG(5, 6), params, 0, inputs)
	assert.Error(t, err)
}
