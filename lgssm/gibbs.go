package lgssm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"

	"github.com/calebweinreb/dynamax/dist"
	"github.com/calebweinreb/dynamax/logging"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Priors are the conjugate priors of the blocked Gibbs sampler: NIW on
// (S, m), MNIW on (Q, [F | B]) and MNIW on (R, [H | D]).  A nil member is
// replaced by its default.
type Priors struct {
	Initial  *dist.NIW
	Dynamics *dist.MNIW
	Emission *dist.MNIW
}

// DefaultPriors returns data-driven priors for the emissions (T x
// EmissionDim).  The uniform draws in the input-weight locations use src.
func DefaultPriors(src rand.Source, emissions *mat.Dense, stateDim, inputDim int) (Priors, error) {
	return Priors{}.WithDefaults(src, emissions, stateDim, inputDim)
}

// WithDefaults fills in every nil prior.  With s the mean over emission
// dimensions of the standard deviation of the emissions:
//
//	initial:  NIW(loc = mean(y_0) 1, κ = 1, ν = StateDim, Ψ = 5 s I)
//	dynamics: MNIW(loc = [1/StateDim | 0.1 U(0,1)], V = I, ν = StateDim, Ψ = I)
//	emission: MNIW(loc = [1/StateDim | 0.1 U(0,1)], V = I, ν = EmissionDim, Ψ = I)
func (p Priors) WithDefaults(src rand.Source, emissions *mat.Dense, stateDim, inputDim int) (Priors, error) {

	if emissions == nil {
		return p, fmt.Errorf("%w: no emissions", ErrDimension)
	}
	if stateDim < 1 || inputDim < 0 {
		return p, fmt.Errorf("%w: state dimension %d, input dimension %d", ErrDimension, stateDim, inputDim)
	}

	nt, d := emissions.Dims()
	n, m := stateDim, inputDim

	if p.Initial == nil {
		var scale float64
		col := make([]float64, nt)
		for j := 0; j < d; j++ {
			mat.Col(col, j, emissions)
			scale += stat.PopStdDev(col, nil)
		}
		scale /= float64(d)

		loc := make([]float64, n)
		y0 := stat.Mean(emissions.RawRowView(0), nil)
		for i := range loc {
			loc[i] = y0
		}
		p.Initial = &dist.NIW{
			Loc:               loc,
			MeanConcentration: 1,
			Df:                float64(n),
			Scale:             dist.ScaledSym(5*scale, dist.Identity(n)),
		}
	}

	unif := distuv.Uniform{Min: 0, Max: 1, Src: src}
	defaultLoc := func(rows int) *mat.Dense {
		loc := mat.NewDense(rows, n+m, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < n; j++ {
				loc.Set(i, j, 1/float64(n))
			}
			for j := n; j < n+m; j++ {
				loc.Set(i, j, 0.1*unif.Rand())
			}
		}
		return loc
	}

	if p.Dynamics == nil {
		p.Dynamics = &dist.MNIW{
			Loc:          defaultLoc(n),
			ColPrecision: dist.Identity(n + m),
			Df:           float64(n),
			Scale:        dist.Identity(n),
		}
	}

	if p.Emission == nil {
		p.Emission = &dist.MNIW{
			Loc:          defaultLoc(d),
			ColPrecision: dist.Identity(n + m),
			Df:           float64(d),
			Scale:        dist.Identity(d),
		}
	}

	return p, p.Validate(n, d, m)
}

// Validate checks that all priors are present, valid and sized for the
// given state, emission and input dimensions.
func (p Priors) Validate(stateDim, emissionDim, inputDim int) error {

	if p.Initial == nil || p.Dynamics == nil || p.Emission == nil {
		return errors.New("lgssm: missing prior")
	}
	if err := p.Initial.Validate(); err != nil {
		return fmt.Errorf("lgssm: initial prior: %w", err)
	}
	if err := p.Dynamics.Validate(); err != nil {
		return fmt.Errorf("lgssm: dynamics prior: %w", err)
	}
	if err := p.Emission.Validate(); err != nil {
		return fmt.Errorf("lgssm: emission prior: %w", err)
	}

	nz := stateDim + inputDim
	if p.Initial.Dim() != stateDim {
		return fmt.Errorf("%w: initial prior has dimension %d, want %d", ErrDimension, p.Initial.Dim(), stateDim)
	}
	if r, c := p.Dynamics.Dims(); r != stateDim || c != nz {
		return fmt.Errorf("%w: dynamics prior is %dx%d, want %dx%d", ErrDimension, r, c, stateDim, nz)
	}
	if r, c := p.Emission.Dims(); r != emissionDim || c != nz {
		return fmt.Errorf("%w: emission prior is %dx%d, want %dx%d", ErrDimension, r, c, emissionDim, nz)
	}

	return nil
}

// ModeParams returns the parameters at the mode of each prior.
func ModeParams(priors Priors) Params {

	n := priors.Initial.Dim()
	S, m := priors.Initial.Mode()
	Q, FB := priors.Dynamics.Mode()
	R, HD := priors.Emission.Mode()
	F, B := hsplit(FB, n)
	H, D := hsplit(HD, n)

	return Params{
		InitialMean:          m,
		InitialCovariance:    S,
		DynamicsMatrix:       F,
		DynamicsInputWeights: B,
		DynamicsCovariance:   Q,
		EmissionMatrix:       H,
		EmissionInputWeights: D,
		EmissionCovariance:   R,
	}
}

// LogPrior returns the log density of the parameters under the priors.
func LogPrior(priors Priors, params Params) float64 {
	lp := priors.Initial.LogProb(params.InitialCovariance, params.InitialMean)
	lp += priors.Dynamics.LogProb(params.DynamicsCovariance,
		hstack(params.DynamicsMatrix, params.DynamicsInputWeights))
	lp += priors.Emission.LogProb(params.EmissionCovariance,
		hstack(params.EmissionMatrix, params.EmissionInputWeights))
	return lp
}

// SampleParams draws parameters from the conjugate posteriors formed by the
// priors and the sufficient statistics.  The input weights are split off the
// drawn coefficient matrices.
func SampleParams(src rand.Source, priors Priors, init dist.NIWStats, dyn, ems dist.MNIWStats) (Params, error) {

	n := priors.Initial.Dim()

	initPost, err := dist.NIWPosteriorUpdate(*priors.Initial, init)
	if err != nil {
		return Params{}, fmt.Errorf("lgssm: initial posterior: %w", err)
	}
	S, m, err := initPost.Sample(src)
	if err != nil {
		return Params{}, fmt.Errorf("lgssm: initial sample: %w", err)
	}

	dynPost, err := dist.MNIWPosteriorUpdate(*priors.Dynamics, dyn)
	if err != nil {
		return Params{}, fmt.Errorf("lgssm: dynamics posterior: %w", err)
	}
	Q, FB, err := dynPost.Sample(src)
	if err != nil {
		return Params{}, fmt.Errorf("lgssm: dynamics sample: %w", err)
	}
	F, B := hsplit(FB, n)

	emsPost, err := dist.MNIWPosteriorUpdate(*priors.Emission, ems)
	if err != nil {
		return Params{}, fmt.Errorf("lgssm: emission posterior: %w", err)
	}
	R, HD, err := emsPost.Sample(src)
	if err != nil {
		return Params{}, fmt.Errorf("lgssm: emission sample: %w", err)
	}
	H, D := hsplit(HD, n)

	return Params{
		InitialMean:          m,
		InitialCovariance:    S,
		DynamicsMatrix:       F,
		DynamicsInputWeights: B,
		DynamicsCovariance:   Q,
		EmissionMatrix:       H,
		EmissionInputWeights: D,
		EmissionCovariance:   R,
	}, nil
}

// Sampler is a blocked Gibbs sampler for the parameters of an LGSSM.
type Sampler struct {

	// Dimension of the latent state
	StateDim int

	// Number of sweeps
	SampleSize int

	// Priors, with nil members set to their defaults
	Priors Priors

	// Master seed; each sweep draws from its own derived stream
	Seed uint64

	// Show a progress bar on standard error
	Progress bool

	// Write log messages here, standard error when nil
	Logger *log.Logger
}

// Result holds the parameter samples and, for each sweep, the log prior of
// the parameters the sweep started from plus the marginal log-likelihood of
// the emissions under them.
type Result struct {
	Samples  []Params
	LogProbs []float64
}

const (
	priorStream = 0
	chainStream = 1 << 32
)

// deriveSeed mixes a parent seed and a stream identifier into a new seed,
// using the SplitMix64 finalizer.
func deriveSeed(parent, stream uint64) uint64 {
	x := parent ^ (stream + 0x9e3779b97f4a7c15)
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func (s *Sampler) logger() *log.Logger {
	if s.Logger == nil {
		return logging.New(logging.Config{}).Msg
	}
	return s.Logger
}

func inputDim(inputs *mat.Dense) int {
	if inputs == nil {
		return 0
	}
	_, m := inputs.Dims()
	return m
}

// resolvePriors fills in the default priors from the master seed.
func (s *Sampler) resolvePriors(emissions, inputs *mat.Dense) (Priors, error) {
	src := rand.NewPCG(deriveSeed(s.Seed, priorStream), 0)
	return s.Priors.WithDefaults(src, emissions, s.StateDim, inputDim(inputs))
}

// Run draws SampleSize parameter samples.  The first sweep starts from the
// mode of the priors.
func (s *Sampler) Run(ctx context.Context, emissions, inputs *mat.Dense) (*Result, error) {

	if s.SampleSize < 1 {
		return nil, fmt.Errorf("lgssm: sample size must be positive, got %d", s.SampleSize)
	}

	priors, err := s.resolvePriors(emissions, inputs)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, priors, emissions, inputs)
}

func (s *Sampler) run(ctx context.Context, priors Priors, emissions, inputs *mat.Dense) (*Result, error) {

	logger := s.logger()

	params := ModeParams(priors)
	nt, err := params.checkData(emissions, inputs)
	if err != nil {
		return nil, err
	}
	logger.Printf("Gibbs sampling: %d time points, state dimension %d, %d sweeps\n",
		nt, s.StateDim, s.SampleSize)

	bar := logging.NewBar(s.Progress, s.SampleSize, "Gibbs")
	defer func() { _ = bar.Finish() }()

	res := &Result{
		Samples:  make([]Params, 0, s.SampleSize),
		LogProbs: make([]float64, 0, s.SampleSize),
	}

	for i := 0; i < s.SampleSize; i++ {

		if err := ctx.Err(); err != nil {
			return res, err
		}

		next, lp, err := sweep(deriveSeed(s.Seed, uint64(i)+1), priors, params, emissions, inputs)
		if err != nil {
			return res, fmt.Errorf("lgssm: sweep %d: %w", i, err)
		}
		if math.IsNaN(lp) || math.IsInf(lp, 0) {
			logger.Printf("Sweep %d: log probability is not finite\n", i)
		}

		res.Samples = append(res.Samples, next)
		res.LogProbs = append(res.LogProbs, lp)
		params = next
		_ = bar.Add(1)
	}

	logger.Printf("Gibbs sampling finished, final lp=%f\n", res.LogProbs[len(res.LogProbs)-1])

	return res, nil
}

// sweep performs one iteration of the blocked Gibbs sampler.  It returns the
// new parameters and the log prior of the current parameters plus the
// marginal log-likelihood under them.
func sweep(seed uint64, priors Priors, params Params, emissions, inputs *mat.Dense) (Params, float64, error) {

	lprior := LogPrior(priors, params)

	ll, states, err := PosteriorSample(rand.NewPCG(seed, 0), params, emissions, inputs)
	if err != nil {
		return Params{}, 0, err
	}

	init, dyn, ems, err := SufficientStats(states, emissions, inputs)
	if err != nil {
		return Params{}, 0, err
	}

	next, err := SampleParams(rand.NewPCG(seed, 1), priors, init, dyn, ems)
	if err != nil {
		return Params{}, 0, err
	}

	return next, lprior + ll, nil
}

// RunChains runs n independent chains concurrently.  All chains share the
// same priors and use seeds derived from the master seed.
func (s *Sampler) RunChains(ctx context.Context, n int, emissions, inputs *mat.Dense) ([]*Result, error) {

	if n < 1 {
		return nil, fmt.Errorf("lgssm: number of chains must be positive, got %d", n)
	}
	if s.SampleSize < 1 {
		return nil, fmt.Errorf("lgssm: sample size must be positive, got %d", s.SampleSize)
	}

	priors, err := s.resolvePriors(emissions, inputs)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, n)
	logger := s.logger()

	g, ctx := errgroup.WithContext(ctx)
	for c := 0; c < n; c++ {
		chain := *s
		chain.Seed = deriveSeed(s.Seed, chainStream+uint64(c))
		chain.Progress = false
		chain.Logger = logger
		g.Go(func() error {
			res, err := chain.run(ctx, priors, emissions, inputs)
			if err != nil {
				return fmt.Errorf("lgssm: chain %d: %w", c, err)
			}
			results[c] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
