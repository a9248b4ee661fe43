package hmmlib

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MostLikelyStates uses the Viterbi algorithm to predict the sequence of
// states for each particle.  The algorithm is run separately for each
// particle.
func (hmm *HMM) MostLikelyStates(data Data) ([][]int, error) {

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

	pstate := make([][]int, data.NParticle())
	for p := range pstate {
		pstate[p] = hmm.reconstructParticle(p, chols, data)
	}

	return pstate, nil
}

// reconstructParticle uses the Viterbi algorithm to predict the sequence of
// states for one particle.
func (hmm *HMM) reconstructParticle(p int, chols []*mat.Cholesky, data Data) []int {

	nt := hmm.ntime(data, p)
	lpr := make([]float64, nt*hmm.NState)
	lpt := make([]int, nt*hmm.NState)

	lo := hmm.logObsProbs(chols, data.covariates(p), data.Emissions[p])
	hmm.reconstructionProbs(lo, lpr, lpt)

	return hmm.traceback(lpr, lpt)
}

func (hmm *HMM) reconstructionProbs(lo, lpr []float64, lpt []int) {

	k := hmm.NState
	nt := len(lo) / k
	wk := make([]float64, k)

	// Beginning from initial conditions
	for st := 0; st < k; st++ {
		lpr[st] = lo[st] + math.Log(hmm.Init[st])
	}

	// Construct the table of conditional probabilities
	for t := 1; t < nt; t++ {

		j0 := (t - 1) * k
		j1 := t * k

		// From st1 to st2
		for st2 := 0; st2 < k; st2++ {
			for st1 := 0; st1 < k; st1++ {
				wk[st1] = lpr[j0+st1] + math.Log(hmm.Trans[st1*k+st2])
			}

			// The best previous state
			jj := argmax(wk)
			lpt[j1+st2] = jj
			lpr[j1+st2] = wk[jj] + lo[j1+st2]
		}
	}
}

func (hmm *HMM) traceback(lpr []float64, lpt []int) []int {

	k := hmm.NState
	nt := len(lpr) / k
	y := make([]int, nt)

	a := (nt - 1) * k
	y[nt-1] = argmax(lpr[a : a+k])
	for t := nt - 2; t >= 0; t-- {
		y[t] = lpt[(t+1)*k+y[t+1]]
	}

	return y
}
