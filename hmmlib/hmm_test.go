package hmmlib

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/calebweinreb/dynamax/logging"
	"github.com/calebweinreb/dynamax/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func newTestHMM(k, m, d int) *HMM {
	return New(k, m, d, WithLoggers(logging.Discard()))
}

// smallModel is a two-state model with one covariate and scalar emissions.
func smallModel() (*HMM, Data) {

	hmm := newTestHMM(2, 1, 1)
	hmm.Init = []float64{0.6, 0.4}
	hmm.Trans = []float64{0.7, 0.3, 0.2, 0.8}
	hmm.Weights = []float64{0.5, -1}
	hmm.Biases = []float64{0, 1}
	hmm.Covs = []float64{1, 0.5}

	data := Data{
		Emissions:  [][]float64{{0.1, 0.5, -1.2}},
		Covariates: [][]float64{{0.3, -1, 2}},
	}

	return hmm, data
}

// enumerate returns the joint probability of every state path of length 3.
func enumerate(hmm *HMM, data Data) map[[3]int]float64 {

	x := data.Covariates[0]
	y := data.Emissions[0]
	obs := func(st, t int) float64 {
		mu := hmm.Weights[st]*x[t] + hmm.Biases[st]
		return distuv.Normal{Mu: mu, Sigma: math.Sqrt(hmm.Covs[st])}.Prob(y[t])
	}

	paths := make(map[[3]int]float64)
	for a := 0; a < 2; a++ {
		for b := 0; b < 2; b++ {
			for c := 0; c < 2; c++ {
				p := hmm.Init[a] * obs(a, 0)
				p *= hmm.Trans[a*2+b] * obs(b, 1)
				p *= hmm.Trans[b*2+c] * obs(c, 2)
				paths[[3]int{a, b, c}] = p
			}
		}
	}

	return paths
}

func TestForwardBackwardMatchesEnumeration(t *testing.T) {

	hmm, data := smallModel()
	paths := enumerate(hmm, data)

	var total float64
	marg := make([]float64, 6)
	trans := make([]float64, 4)
	for z, p := range paths {
		total += p
		for i := 0; i < 3; i++ {
			marg[i*2+z[i]] += p
		}
		for i := 0; i < 2; i++ {
			trans[z[i]*2+z[i+1]] += p
		}
	}

	post, err := hmm.ForwardBackward(context.Background(), data)
	require.NoError(t, err)

	assert.InDelta(t, math.Log(total), post.LogLike(), 1e-10)
	for i := range marg {
		assert.InDelta(t, marg[i]/total, post.ExpectedStates[0][i], 1e-10)
	}
	for i := range trans {
		assert.InDelta(t, trans[i]/total, post.TransCounts[i], 1e-10)
	}
	assert.InDelta(t, post.ExpectedStates[0][0], post.InitCounts[0], 1e-12)
}

func TestViterbiMatchesEnumeration(t *testing.T) {

	hmm, data := smallModel()
	paths := enumerate(hmm, data)

	var best [3]int
	bp := -1.0
	for z, p := range paths {
		if p > bp {
			best, bp = z, p
		}
	}

	states, err := hmm.MostLikelyStates(data)
	require.NoError(t, err)
	assert.Equal(t, best[:], states[0])
}

func TestEmissionLogProb(t *testing.T) {

	hmm, _ := smallModel()
	lp, err := hmm.EmissionLogProb(1, []float64{2}, []float64{0.5})
	require.NoError(t, err)

	want := distuv.Normal{Mu: -1, Sigma: math.Sqrt(0.5)}.LogProb(0.5)
	assert.InDelta(t, want, lp, 1e-12)

	_, err = hmm.EmissionLogProb(1, []float64{2, 3}, []float64{0.5})
	assert.ErrorIs(t, err, ErrData)
}

// regressionData generates n points y = W x + b + noise for a 2x2 W.
func regressionData(rng *rand.Rand, n int, w, b []float64, sd float64) ([]float64, []float64) {

	x := make([]float64, 2*n)
	y := make([]float64, 2*n)
	for t := 0; t < n; t++ {
		x[2*t] = rng.NormFloat64()
		x[2*t+1] = rng.NormFloat64()
		for i := 0; i < 2; i++ {
			y[2*t+i] = w[2*i]*x[2*t] + w[2*i+1]*x[2*t+1] + b[i] + sd*rng.NormFloat64()
		}
	}

	return x, y
}

// leastSquares fits y on [x, 1] directly by QR and returns the coefficients
// (3 x 2) and the ML residual covariance.
func leastSquares(x, y []float64) (*mat.Dense, *mat.Dense) {

	n := len(x) / 2
	design := mat.NewDense(n, 3, nil)
	for t := 0; t < n; t++ {
		design.Set(t, 0, x[2*t])
		design.Set(t, 1, x[2*t+1])
		design.Set(t, 2, 1)
	}
	target := mat.NewDense(n, 2, append([]float64(nil), y...))

	var coef mat.Dense
	if err := coef.Solve(design, target); err != nil {
		panic(err)
	}

	var fit, resid, cov mat.Dense
	fit.Mul(design, &coef)
	resid.Sub(target, &fit)
	cov.Mul(resid.T(), &resid)
	cov.Scale(1/float64(n), &cov)

	return &coef, &cov
}

func TestMStepHardAssignments(t *testing.T) {

	rng := rand.New(rand.NewPCG(1, 2))
	w0, b0 := []float64{1, -0.5, 0.3, 2}, []float64{0.5, -1}
	w1, b1 := []float64{-2, 0, 1, 1}, []float64{3, 0}
	x0, y0 := regressionData(rng, 60, w0, b0, 0.3)
	x1, y1 := regressionData(rng, 40, w1, b1, 0.2)

	hmm := newTestHMM(2, 2, 2)
	hmm.Weights = make([]float64, 8)
	hmm.Biases = make([]float64, 4)
	hmm.Covs = make([]float64, 8)

	ss := hmm.ZeroSuffStats()
	hard := func(st, n int) []float64 {
		e := make([]float64, 2*n)
		for i := 0; i < n; i++ {
			e[2*i+st] = 1
		}
		return e
	}
	hmm.Accumulate(ss, hard(0, 60), x0, y0)
	hmm.Accumulate(ss, hard(1, 40), x1, y1)
	assert.Equal(t, []float64{60, 40}, ss.SumW)

	hmm.MStepEmissions(ss)

	for st, xy := range [][2][]float64{{x0, y0}, {x1, y1}} {
		coef, cov := leastSquares(xy[0], xy[1])
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				assert.InDelta(t, coef.At(j, i), hmm.Weights[(st*2+i)*2+j], 1e-9)
				assert.InDelta(t, cov.At(i, j), hmm.Covs[st*4+i*2+j], 1e-9)
			}
			assert.InDelta(t, coef.At(2, i), hmm.Biases[st*2+i], 1e-9)
		}
	}
}

func TestMStepCovarianceSymmetricPSD(t *testing.T) {

	rng := rand.New(rand.NewPCG(3, 4))
	x, y := regressionData(rng, 30, []float64{1, 1, 1, 1}, []float64{0, 0}, 1)

	hmm := newTestHMM(3, 2, 2)
	require.NoError(t, hmm.Initialize(InitPrior, rand.NewPCG(5, 6), Data{}))

	expected := make([]float64, 3*30)
	for i := 0; i < 30; i++ {
		w := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
		s := w[0] + w[1] + w[2]
		for st := 0; st < 3; st++ {
			expected[i*3+st] = w[st] / s
		}
	}

	ss := hmm.ZeroSuffStats()
	hmm.Accumulate(ss, expected, x, y)
	hmm.MStepEmissions(ss)

	for st := 0; st < 3; st++ {
		c := hmm.Covs[st*4 : (st+1)*4]
		assert.Equal(t, c[1], c[2])
		var eig mat.EigenSym
		require.True(t, eig.Factorize(mat.NewSymDense(2, append([]float64(nil), c...)), false))
		for _, v := range eig.Values(nil) {
			assert.GreaterOrEqual(t, v, -1e-12)
		}
	}
}

func TestMStepKeepsEmptyState(t *testing.T) {

	rng := rand.New(rand.NewPCG(7, 8))
	x, y := regressionData(rng, 20, []float64{1, 0, 0, 1}, []float64{1, 1}, 0.5)

	hmm := newTestHMM(2, 2, 2)
	require.NoError(t, hmm.Initialize(InitPrior, rand.NewPCG(1, 1), Data{}))
	before := append([]float64(nil), hmm.Covs[4:]...)
	biases := append([]float64(nil), hmm.Biases[2:]...)

	expected := make([]float64, 2*20)
	for i := 0; i < 20; i++ {
		expected[2*i] = 1
	}
	ss := hmm.ZeroSuffStats()
	hmm.Accumulate(ss, expected, x, y)
	hmm.MStepEmissions(ss)

	assert.Equal(t, before, hmm.Covs[4:])
	assert.Equal(t, biases, hmm.Biases[2:])
	assert.NotEqual(t, []float64{1, 0, 0, 1}, hmm.Covs[:4])
}

func TestSuffStatsAdd(t *testing.T) {

	rng := rand.New(rand.NewPCG(9, 10))
	x, y := regressionData(rng, 10, []float64{1, 2, 3, 4}, []float64{0, 1}, 1)
	expected := make([]float64, 2*10)
	for i := range expected {
		expected[i] = rng.Float64()
	}

	hmm := newTestHMM(2, 2, 2)
	all := hmm.ZeroSuffStats()
	hmm.Accumulate(all, expected, x, y)

	a, b := hmm.ZeroSuffStats(), hmm.ZeroSuffStats()
	hmm.Accumulate(a, expected[:8], x[:8], y[:8])
	hmm.Accumulate(b, expected[8:], x[8:], y[8:])
	a.Add(b)

	assert.InDeltaSlice(t, all.SumW, a.SumW, 1e-12)
	assert.InDeltaSlice(t, all.SumXXT, a.SumXXT, 1e-12)
	assert.InDeltaSlice(t, all.SumXYT, a.SumXYT, 1e-12)
	assert.InDeltaSlice(t, all.SumYYT, a.SumYYT, 1e-12)
}

func TestMStepInitTrans(t *testing.T) {

	hmm := newTestHMM(2, 0, 1)
	hmm.Init = make([]float64, 2)
	hmm.Trans = make([]float64, 4)

	hmm.MStepInit([]float64{3, 1})
	assert.InDeltaSlice(t, []float64{3.1 / 4.2, 1.1 / 4.2}, hmm.Init, 1e-12)

	hmm.MStepTrans([]float64{0, 0, 9, 1})
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 9.1 / 10.2, 1.1 / 10.2}, hmm.Trans, 1e-12)
}

func TestLogPrior(t *testing.T) {

	hmm, _ := smallModel()

	// Dirichlet(1.1, 1.1) has normalizer Γ(2.2)/Γ(1.1)².
	lg := func(x float64) float64 {
		v, _ := math.Lgamma(x)
		return v
	}
	lnorm := lg(2.2) - 2*lg(1.1)
	dir := func(p []float64) float64 {
		return lnorm + 0.1*(math.Log(p[0])+math.Log(p[1]))
	}
	want := dir(hmm.Init) + dir(hmm.Trans[:2]) + dir(hmm.Trans[2:])
	assert.InDelta(t, want, hmm.LogPrior(), 1e-10)
}

func TestInitializeKeepsManualParams(t *testing.T) {

	hmm := newTestHMM(2, 1, 2)
	hmm.Biases = []float64{1, 2, 3, 4}
	require.NoError(t, hmm.Initialize(InitPrior, rand.NewPCG(1, 2), Data{}))

	assert.Equal(t, []float64{1, 2, 3, 4}, hmm.Biases)
	assert.Len(t, hmm.Weights, 4)
	assert.Equal(t, []float64{1, 0, 0, 1, 1, 0, 0, 1}, hmm.Covs)
	assert.InDelta(t, 1, hmm.Init[0]+hmm.Init[1], 1e-12)
	assert.InDelta(t, 1, hmm.Trans[2]+hmm.Trans[3], 1e-12)
}

func TestInitializeKMeans(t *testing.T) {

	rng := rand.New(rand.NewPCG(11, 12))
	var y []float64
	for i := 0; i < 100; i++ {
		c := -5.0
		if i%2 == 1 {
			c = 5
		}
		y = append(y, c+0.1*rng.NormFloat64(), 2*c+0.1*rng.NormFloat64())
	}

	hmm := newTestHMM(2, 0, 2)
	require.NoError(t, hmm.Initialize(InitKMeans, rand.NewPCG(1, 2), Data{Emissions: [][]float64{y}}))

	b := hmm.Biases
	if b[0] > b[2] {
		b = []float64{b[2], b[3], b[0], b[1]}
	}
	assert.InDeltaSlice(t, []float64{-5, -10, 5, 10}, b, 0.1)
	assert.Empty(t, hmm.Weights)

	err := newTestHMM(2, 0, 2).Initialize(InitKMeans, rand.NewPCG(1, 2), Data{})
	assert.Error(t, err)
}

func TestParamsRoundTrip(t *testing.T) {

	hmm := newTestHMM(3, 2, 2)
	require.NoError(t, hmm.Initialize(InitPrior, rand.NewPCG(13, 14), Data{}))
	hmm.Covs[1], hmm.Covs[2] = 0.3, 0.3

	params := hmm.Params()
	back := param.FromUnconstrained(param.ToUnconstrained(params), params)

	other := newTestHMM(3, 2, 2)
	require.NoError(t, other.SetParams(back))
	assert.InDeltaSlice(t, hmm.Init, other.Init, 1e-10)
	assert.InDeltaSlice(t, hmm.Trans, other.Trans, 1e-10)
	assert.InDeltaSlice(t, hmm.Weights, other.Weights, 1e-12)
	assert.InDeltaSlice(t, hmm.Covs, other.Covs, 1e-10)
	assert.False(t, math.IsNaN(param.LogDetJacConstrain(param.ToUnconstrained(params))))
}

func TestCheckData(t *testing.T) {

	hmm, data := smallModel()
	require.NoError(t, hmm.checkData(data))

	bad := Data{Emissions: [][]float64{{1, 2}}, Covariates: [][]float64{{1}}}
	assert.ErrorIs(t, hmm.checkData(bad), ErrData)
	assert.ErrorIs(t, hmm.checkData(Data{}), ErrData)

	empty := newTestHMM(2, 1, 1)
	_, err := empty.ForwardBackward(context.Background(), data)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestParseInitMethod(t *testing.T) {

	m, err := ParseInitMethod("kmeans")
	require.NoError(t, err)
	assert.Equal(t, InitKMeans, m)

	_, err = ParseInitMethod("spectral")
	assert.Error(t, err)
}

func TestSetLoggerClose(t *testing.T) {

	prefix := filepath.Join(t.TempDir(), "run")
	hmm := newTestHMM(1, 0, 1)
	hmm.SetLogger(prefix).Print("first")
	hmm.parlogger.Print("params")

	// Replacing the loggers closes the files opened by SetLogger
	hmm.SetLoggers(logging.Discard())
	assert.Nil(t, hmm.owned)
	require.NoError(t, hmm.Close())

	b, err := os.ReadFile(prefix + "_msg.log")
	require.NoError(t, err)
	assert.Contains(t, string(b), "first")
	b, err = os.ReadFile(prefix + "_par.log")
	require.NoError(t, err)
	assert.Equal(t, "params\n", string(b))

	hmm.SetLogger(prefix)
	require.NotNil(t, hmm.owned)
	require.NoError(t, hmm.Close())
	assert.Nil(t, hmm.owned)
}
