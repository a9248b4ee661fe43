package hmmlib

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/calebweinreb/dynamax/logging"
)

// FitOptions controls the EM iterations.
type FitOptions struct {

	// Maximum number of EM iterations
	MaxIter int

	// Stop when the log joint probability improves by less than this
	Tolerance float64

	// Show a progress bar on standard error
	Progress bool
}

// DefaultFitOptions returns the options used when none are given.
func DefaultFitOptions() FitOptions {
	return FitOptions{MaxIter: 50, Tolerance: 1e-8}
}

// Fit uses the EM algorithm to estimate the parameters of the HMM.  The
// parameters must have been set or initialized.  The log joint probability
// log p(data) + log p(params) at the start of each iteration is returned.
func (hmm *HMM) Fit(ctx context.Context, data Data, opts FitOptions) ([]float64, error) {

	if opts.MaxIter < 1 {
		return nil, fmt.Errorf("hmmlib: MaxIter must be positive, got %d", opts.MaxIter)
	}
	if err := hmm.checkParams(); err != nil {
		return nil, err
	}
	if err := hmm.checkData(data); err != nil {
		return nil, err
	}

	lps := make([]float64, 0, opts.MaxIter)

	hmm.msglogger.Printf("Estimating model parameters...\n")
	bar := logging.NewBar(opts.Progress, opts.MaxIter, "EM")
	defer func() { _ = bar.Finish() }()

	var lp float64
	for i := 0; i < opts.MaxIter; i++ {

		hmm.msglogger.Printf("Beginning ForwardBackward...")
		post, err := hmm.ForwardBackward(ctx, data)
		if err != nil {
			return lps, fmt.Errorf("hmmlib: iteration %d: %w", i, err)
		}
		lpnew := post.LogLike() + hmm.LogPrior()
		lps = append(lps, lpnew)

		hmm.msglogger.Printf("Beginning CollectStats...")
		ss, err := hmm.CollectStats(ctx, data, post)
		if err != nil {
			return lps, fmt.Errorf("hmmlib: iteration %d: %w", i, err)
		}

		hmm.msglogger.Printf("Beginning M-step...")
		hmm.MStepInit(post.InitCounts)
		hmm.MStepTrans(post.TransCounts)
		hmm.MStepEmissions(ss)
		_ = bar.Add(1)

		if i > 0 {
			if lpnew < lp {
				hmm.msglogger.Printf("Log probability decreased by %f\n", lp-lpnew)
			} else if lpnew-lp < opts.Tolerance {
				// converged
				hmm.msglogger.Printf("Converged after %d iterations, lp=%f\n", i+1, lpnew)
				break
			}
		}

		lp = lpnew
		hmm.msglogger.Printf("lp=%f\n", lp)
	}

	return lps, nil
}

// MStepInit sets the initial distribution to its posterior mode given the
// expected initial state counts.
func (hmm *HMM) MStepInit(counts []float64) {
	mapDirichlet(hmm.Init, counts, hmm.InitConcentration)
}

// MStepTrans sets each row of the transition matrix to its posterior mode
// given the expected transition counts.
func (hmm *HMM) MStepTrans(counts []float64) {

	k := hmm.NState
	for st := 0; st < k; st++ {
		mapDirichlet(hmm.Trans[st*k:(st+1)*k], counts[st*k:(st+1)*k], hmm.TransConcentration)
	}
}

// mapDirichlet writes the mode of Dirichlet(counts + alpha) into dst, which
// is proportional to counts + alpha - 1.
func mapDirichlet(dst, counts []float64, alpha float64) {

	for i, c := range counts {
		v := c + alpha - 1
		if v < 0 {
			v = 0
		}
		dst[i] = v
	}
	normalizeSum(dst, 1/float64(len(dst)))
}

// WriteSummary writes the model parameters to the parameter log.
// The optional row labels are used if provided.
func (hmm *HMM) WriteSummary(labels []string, title string) {

	k, m, d := hmm.NState, hmm.CovDim, hmm.EmDim

	hmm.parlogger.Print(title)
	hmm.parlogger.Printf("\n")

	hmm.parlogger.Printf("Initial states distribution:\n")
	hmm.writeMatrix(hmm.Init, 0, k, 1, labels)
	hmm.parlogger.Printf("\n")

	hmm.parlogger.Printf("Transition matrix:\n")
	hmm.writeMatrix(hmm.Trans, 0, k, k, labels)
	hmm.parlogger.Printf("\n")

	hmm.parlogger.Printf("Biases:\n")
	hmm.writeMatrix(hmm.Biases, 0, k, d, labels)
	hmm.parlogger.Printf("\n")

	for st := 0; st < k; st++ {
		if m > 0 {
			hmm.parlogger.Printf("Weights, state %d:\n", st)
			hmm.writeMatrix(hmm.Weights, st*d*m, d, m, nil)
			hmm.parlogger.Printf("\n")
		}

		hmm.parlogger.Printf("Covariance, state %d:\n", st)
		hmm.writeMatrix(hmm.Covs, st*d*d, d, d, nil)
		hmm.parlogger.Printf("\n")
	}
}

// writeMatrix writes a matrix in text format to the logger
func (hmm *HMM) writeMatrix(x []float64, off, nrow, ncol int, labels []string) {

	var buf bytes.Buffer

	for i := 0; i < nrow; i++ {

		buf.Reset()

		if labels != nil {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%-20s", labels[i]))
		}
		for j := 0; j < ncol; j++ {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%12.4f ", x[off+i*ncol+j]))
		}

		hmm.parlogger.Print(buf.String())
	}
}
