package hmmlib

import (
	"context"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Posterior holds the result of the E-step for a batch of particles.
type Posterior struct {

	// Smoothed state probabilities, T x NState per particle
	ExpectedStates [][]float64

	// Expected number of transitions from each state to each other
	// state, summed over particles, NState x NState
	TransCounts []float64

	// Expected initial state counts summed over particles
	InitCounts []float64

	// The marginal log-likelihood of each particle
	LLF []float64
}

// LogLike returns the marginal log-likelihood of all particles.
func (post *Posterior) LogLike() float64 {
	return floats.Sum(post.LLF)
}

// ForwardBackward calculates the smoothed state probabilities and the
// expected transition counts for every particle.  The particles are
// processed concurrently.
func (hmm *HMM) ForwardBackward(ctx context.Context, data Data) (*Posterior, error) {

	if err := hmm.checkParams(); err != nil {
		return nil, err
	}
	if err := hmm.checkData(data); err != nil {
		return nil, err
	}

	chols, err := hmm.emissionChols()
	if err != nil {
		return nil, err
	}

	np := data.NParticle()
	post := &Posterior{
		ExpectedStates: make([][]float64, np),
		TransCounts:    make([]float64, hmm.NState*hmm.NState),
		InitCounts:     make([]float64, hmm.NState),
		LLF:            make([]float64, np),
	}

	var mut sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for p := 0; p < np; p++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			hmm.smoothParticle(p, chols, data, post, &mut)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return post, nil
}

// smoothParticle runs the forward and backward recursions for particle p and
// adds its expected counts into post.
func (hmm *HMM) smoothParticle(p int, chols []*mat.Cholesky, data Data, post *Posterior, mut *sync.Mutex) {

	k := hmm.NState
	nt := hmm.ntime(data, p)

	// Due to concurrency, each particle needs its own workspace
	lo := hmm.logObsProbs(chols, data.covariates(p), data.Emissions[p])
	fprob := make([]float64, nt*k)
	bprob := make([]float64, nt*k)

	llf := hmm.forwardParticle(lo, fprob)
	hmm.backwardParticle(lo, bprob)

	gamma := make([]float64, nt*k)
	floats.MulTo(gamma, fprob, bprob)
	for t := 0; t < nt; t++ {
		normalizeSum(gamma[t*k:(t+1)*k], 0)
	}

	jointsum := hmm.transParticle(lo, fprob, bprob)

	post.ExpectedStates[p] = gamma
	post.LLF[p] = llf

	mut.Lock()
	floats.Add(post.TransCounts, jointsum)
	floats.Add(post.InitCounts, gamma[0:k])
	mut.Unlock()
}

// forwardParticle calculates the filtered state probabilities for one
// particle, given its table of emission log densities.  Each time point is
// normalized to sum to 1, and the log-likelihood is returned.
func (hmm *HMM) forwardParticle(lo, fprob []float64) float64 {

	k := hmm.NState
	nt := len(lo) / k

	var llf float64
	for t := 0; t < nt; t++ {

		cur := fprob[t*k : (t+1)*k]
		obs := lo[t*k : (t+1)*k]

		// This shift does not change the result due to scale invariance
		mx := floats.Max(obs)

		if t == 0 {
			for st := 0; st < k; st++ {
				cur[st] = hmm.Init[st] * math.Exp(obs[st]-mx)
			}
		} else {
			// Transition is from state st2 at time t-1 to state st1
			// at time t.
			prev := fprob[(t-1)*k : t*k]
			for st1 := 0; st1 < k; st1++ {
				var s float64
				for st2 := 0; st2 < k; st2++ {
					s += prev[st2] * hmm.Trans[st2*k+st1]
				}
				cur[st1] = s * math.Exp(obs[st1]-mx)
			}
		}

		llf += mx + math.Log(floats.Sum(cur))
		normalizeSum(cur, 0)
	}

	return llf
}

// backwardParticle calculates the backward probabilities for one particle,
// scaled to have a maximum of 1 at each time point.
func (hmm *HMM) backwardParticle(lo, bprob []float64) {

	k := hmm.NState
	nt := len(lo) / k
	lby := make([]float64, k)

	for st := 0; st < k; st++ {
		bprob[(nt-1)*k+st] = 1
	}

	for t := nt - 2; t >= 0; t-- {

		obs := lo[(t+1)*k : (t+2)*k]
		next := bprob[(t+1)*k : (t+2)*k]
		mx := floats.Max(obs)
		for st := 0; st < k; st++ {
			lby[st] = math.Exp(obs[st]-mx) * next[st]
		}

		// From st1 at t to st2 at t+1.
		cur := bprob[t*k : (t+1)*k]
		for st1 := 0; st1 < k; st1++ {
			cur[st1] = floats.Dot(hmm.Trans[st1*k:(st1+1)*k], lby)
		}

		normalizeMax(cur, 1)
	}
}

// transParticle returns the expected transition counts for one particle.
func (hmm *HMM) transParticle(lo, fprob, bprob []float64) []float64 {

	k := hmm.NState
	nt := len(lo) / k
	joint := make([]float64, k*k)
	jointsum := make([]float64, k*k)
	lcp := make([]float64, k)

	for t := 0; t < nt-1; t++ {

		obs := lo[(t+1)*k : (t+2)*k]
		mx := floats.Max(obs)
		for st := 0; st < k; st++ {
			lcp[st] = math.Exp(obs[st]-mx) * bprob[(t+1)*k+st]
		}

		for st1 := 0; st1 < k; st1++ {
			fp := fprob[t*k+st1]
			for st2 := 0; st2 < k; st2++ {
				joint[st1*k+st2] = fp * hmm.Trans[st1*k+st2] * lcp[st2]
			}
		}
		normalizeSum(joint, 0)

		floats.Add(jointsum, joint)
	}

	return jointsum
}

// CollectStats accumulates the emission sufficient statistics over all
// particles, weighting each time point by its smoothed state probabilities.
func (hmm *HMM) CollectStats(ctx context.Context, data Data, post *Posterior) (*SuffStats, error) {

	total := hmm.ZeroSuffStats()

	var mut sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for p := 0; p < data.NParticle(); p++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ss := hmm.ZeroSuffStats()
			hmm.Accumulate(ss, post.ExpectedStates[p], data.covariates(p), data.Emissions[p])
			mut.Lock()
			total.Add(ss)
			mut.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return total, nil
}
