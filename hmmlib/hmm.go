package hmmlib

import (
	"errors"
	"fmt"
	"log"

	"github.com/calebweinreb/dynamax/logging"
)

const (
	// Default Dirichlet concentration for the initial distribution and for
	// each row of the transition matrix.
	defaultConcentration = 1.1

	// States whose expected count falls below this value are not updated
	// in the M-step.
	minStateWeight = 1e-10
)

var (
	// ErrData is returned when the data do not match the model dimensions.
	ErrData = errors.New("hmmlib: data do not match model dimensions")

	// ErrNotInitialized is returned when parameters are used before they
	// have been set.
	ErrNotInitialized = errors.New("hmmlib: parameters are not initialized")
)

// InitMethod selects how unspecified parameters are initialized.
type InitMethod uint8

const (
	InitPrior InitMethod = iota
	InitKMeans
)

// ParseInitMethod converts "prior" or "kmeans" to an InitMethod.
func ParseInitMethod(s string) (InitMethod, error) {
	switch s {
	case "prior":
		return InitPrior, nil
	case "kmeans":
		return InitKMeans, nil
	default:
		return 0, fmt.Errorf("hmmlib: invalid initialization method %q", s)
	}
}

// HMM is a hidden Markov model whose emissions follow a state-specific
// linear regression on observed covariates:
//
//	y_t | x_t, z_t=k ~ N(W_k x_t + b_k, Σ_k)
//
// The same model law is shared by a collection of particles (independent
// sequences).  All parameter arrays are stored flat in row-major order.
type HMM struct {

	// Number of states
	NState int

	// Dimension of the covariates
	CovDim int

	// Dimension of the emissions
	EmDim int

	// Dirichlet concentration for the initial distribution
	InitConcentration float64

	// Dirichlet concentration for each row of the transition matrix
	TransConcentration float64

	// The initial probability distribution
	Init []float64

	// The transition probability matrix, NState x NState
	Trans []float64

	// Regression weights, NState x EmDim x CovDim
	Weights []float64

	// Regression intercepts, NState x EmDim
	Biases []float64

	// Emission covariances, NState x EmDim x EmDim
	Covs []float64

	// Write log messages here
	msglogger *log.Logger
	parlogger *log.Logger

	// Loggers opened by SetLogger, closed by Close
	owned *logging.Loggers
}

// Option configures an HMM in New.
type Option func(*HMM)

// WithConcentrations sets the Dirichlet concentrations of the priors on the
// initial distribution and on the rows of the transition matrix.
func WithConcentrations(init, trans float64) Option {
	return func(hmm *HMM) {
		hmm.InitConcentration = init
		hmm.TransConcentration = trans
	}
}

// WithLoggers directs messages and parameter reports to l.
func WithLoggers(l *logging.Loggers) Option {
	return func(hmm *HMM) {
		hmm.SetLoggers(l)
	}
}

// New returns an HMM value with the given size parameters.  The parameters
// must be set, or Initialize called, before fitting.
func New(nState, covDim, emDim int, opts ...Option) *HMM {

	if nState < 1 || covDim < 0 || emDim < 1 {
		panic(fmt.Sprintf("hmmlib: invalid model size %d states, %d covariates, %d emissions",
			nState, covDim, emDim))
	}

	hmm := &HMM{
		NState:             nState,
		CovDim:             covDim,
		EmDim:              emDim,
		InitConcentration:  defaultConcentration,
		TransConcentration: defaultConcentration,
	}

	l := logging.New(logging.Config{})
	hmm.msglogger = l.Msg
	hmm.parlogger = l.Par

	for _, opt := range opts {
		opt(hmm)
	}

	return hmm
}

// SetLogger writes messages and parameter reports to the files
// <logname>_msg.log and <logname>_par.log.  The message logger is returned
// so the calling program can also use it.  The files stay open until Close.
func (hmm *HMM) SetLogger(logname string) *log.Logger {

	l := logging.New(logging.Config{Prefix: logname})
	hmm.SetLoggers(l)
	hmm.owned = l

	return hmm.msglogger
}

// SetLoggers directs messages and parameter reports to l.  The caller
// remains responsible for closing l.
func (hmm *HMM) SetLoggers(l *logging.Loggers) {
	if hmm.owned != nil {
		if err := hmm.owned.Close(); err != nil {
			l.Msg.Printf("closing previous log files: %v\n", err)
		}
		hmm.owned = nil
	}
	hmm.msglogger = l.Msg
	hmm.parlogger = l.Par
}

// Close closes the log files opened by SetLogger.
func (hmm *HMM) Close() error {
	if hmm.owned == nil {
		return nil
	}
	err := hmm.owned.Close()
	hmm.owned = nil
	return err
}

// Data is a batch of particles.  Each particle has its own number of time
// points T, with emissions stored as T x EmDim and covariates as T x CovDim,
// both flattened by time.
type Data struct {
	Emissions  [][]float64
	Covariates [][]float64
}

// NParticle returns the number of particles.
func (d Data) NParticle() int {
	return len(d.Emissions)
}

func (hmm *HMM) ntime(d Data, p int) int {
	return len(d.Emissions[p]) / hmm.EmDim
}

// covariates returns the covariates of particle p, which may be nil when
// the model has no covariates.
func (d Data) covariates(p int) []float64 {
	if d.Covariates == nil {
		return nil
	}
	return d.Covariates[p]
}

// checkData verifies that the data dimensions are compatible with the model.
func (hmm *HMM) checkData(d Data) error {

	if d.NParticle() == 0 {
		return fmt.Errorf("%w: no particles", ErrData)
	}
	if hmm.CovDim > 0 && len(d.Covariates) != d.NParticle() {
		return fmt.Errorf("%w: %d covariate sequences for %d particles",
			ErrData, len(d.Covariates), d.NParticle())
	}

	for p, y := range d.Emissions {
		if len(y) == 0 || len(y)%hmm.EmDim != 0 {
			return fmt.Errorf("%w: particle %d has %d emission values for dimension %d",
				ErrData, p, len(y), hmm.EmDim)
		}
		nt := len(y) / hmm.EmDim
		if n := len(d.covariates(p)); n != nt*hmm.CovDim {
			return fmt.Errorf("%w: particle %d has %d covariate values, want %d",
				ErrData, p, n, nt*hmm.CovDim)
		}
	}

	return nil
}

// checkParams verifies that every parameter array has been set with the
// right size.
func (hmm *HMM) checkParams() error {

	k, m, d := hmm.NState, hmm.CovDim, hmm.EmDim
	for _, c := range []struct {
		name string
		x    []float64
		n    int
	}{
		{"initial distribution", hmm.Init, k},
		{"transition matrix", hmm.Trans, k * k},
		{"weights", hmm.Weights, k * d * m},
		{"biases", hmm.Biases, k * d},
		{"covariances", hmm.Covs, k * d * d},
	} {
		if c.x == nil && c.n > 0 {
			return fmt.Errorf("%w: %s", ErrNotInitialized, c.name)
		}
		if len(c.x) != c.n {
			return fmt.Errorf("hmmlib: %s has length %d, want %d", c.name, len(c.x), c.n)
		}
	}

	return nil
}
