package lgssm

import (
	"fmt"
	"math/rand/v2"

	"github.com/calebweinreb/dynamax/dist"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// FilterResult holds the output of the Kalman filter.
type FilterResult struct {

	// Marginal log-likelihood log p(y_{0:T-1})
	LogLike float64

	// Filtered moments of x_t given y_{0:t}, T x StateDim means
	FilteredMeans       *mat.Dense
	FilteredCovariances []*mat.SymDense

	// Predicted moments of x_t given y_{0:t-1}
	PredictedMeans       *mat.Dense
	PredictedCovariances []*mat.SymDense
}

// Filter runs the Kalman filter over the emissions (T x EmissionDim).
// Inputs are T x InputDim, or nil for a model without inputs.
func Filter(params Params, emissions, inputs *mat.Dense) (*FilterResult, error) {

	if err := params.Validate(); err != nil {
		return nil, err
	}
	nt, err := params.checkData(emissions, inputs)
	if err != nil {
		return nil, err
	}

	n, d, _ := params.Dims()
	res := &FilterResult{
		FilteredMeans:        mat.NewDense(nt, n, nil),
		FilteredCovariances:  make([]*mat.SymDense, nt),
		PredictedMeans:       mat.NewDense(nt, n, nil),
		PredictedCovariances: make([]*mat.SymDense, nt),
	}

	m := mat.NewVecDense(n, append([]float64(nil), params.InitialMean...))
	P := dist.ScaledSym(1, params.InitialCovariance)

	H := params.EmissionMatrix
	yhat := mat.NewVecDense(d, nil)
	resid := mat.NewVecDense(d, nil)
	var HP, S, Kt, KHP mat.Dense

	for t := 0; t < nt; t++ {

		res.PredictedMeans.SetRow(t, m.RawVector().Data)
		res.PredictedCovariances[t] = P

		// Measurement update
		y := emissions.RawRowView(t)
		yhat.MulVec(H, m)
		if params.EmissionInputWeights != nil {
			var du mat.VecDense
			du.MulVec(params.EmissionInputWeights, inputs.RowView(t))
			yhat.AddVec(yhat, &du)
		}

		HP.Mul(H, P)
		S.Mul(&HP, H.T())
		Ssym := dist.Symmetrize(&S)
		Ssym.AddSym(Ssym, params.EmissionCovariance)
		cholS, err := dist.Cholesky(Ssym)
		if err != nil {
			return nil, fmt.Errorf("lgssm: innovation covariance at time %d: %w", t, err)
		}
		res.LogLike += distmv.NormalLogProb(y, yhat.RawVector().Data, cholS)

		// Kᵀ = S⁻¹ H P
		if err := cholS.SolveTo(&Kt, &HP); err != nil {
			return nil, fmt.Errorf("lgssm: gain at time %d: %w", t, err)
		}
		resid.SubVec(mat.NewVecDense(d, y), yhat)
		mf := mat.NewVecDense(n, nil)
		mf.MulVec(Kt.T(), resid)
		mf.AddVec(mf, m)

		// P - K S Kᵀ = P - (HP)ᵀ S⁻¹ HP
		KHP.Mul(Kt.T(), &HP)
		var Pf mat.Dense
		Pf.Sub(P, &KHP)
		Pfs := dist.Symmetrize(&Pf)

		res.FilteredMeans.SetRow(t, mf.RawVector().Data)
		res.FilteredCovariances[t] = Pfs

		// Time update
		m, P = predict(params, mf, Pfs, inputs, t)
	}

	return res, nil
}

// predict returns the moments of x_{t+1} given the filtered moments at t.
func predict(params Params, mf *mat.VecDense, Pf mat.Symmetric, inputs *mat.Dense, t int) (*mat.VecDense, *mat.SymDense) {

	F := params.DynamicsMatrix
	n, _ := F.Dims()

	m := mat.NewVecDense(n, nil)
	m.MulVec(F, mf)
	if params.DynamicsInputWeights != nil {
		var bu mat.VecDense
		bu.MulVec(params.DynamicsInputWeights, inputs.RowView(t))
		m.AddVec(m, &bu)
	}

	var P mat.Dense
	P.Product(F, Pf, F.T())
	Ps := dist.Symmetrize(&P)
	Ps.AddSym(Ps, params.DynamicsCovariance)

	return m, Ps
}

// smoothingGain returns Jᵀ = P(t+1|t)⁻¹ F P(t|t) and F P(t|t).
func smoothingGain(params Params, res *FilterResult, t int) (*mat.Dense, *mat.Dense, error) {

	var FP, Jt mat.Dense
	FP.Mul(params.DynamicsMatrix, res.FilteredCovariances[t])
	chol, err := dist.Cholesky(res.PredictedCovariances[t+1])
	if err != nil {
		return nil, nil, fmt.Errorf("lgssm: predicted covariance at time %d: %w", t+1, err)
	}
	if err := chol.SolveTo(&Jt, &FP); err != nil {
		return nil, nil, fmt.Errorf("lgssm: smoothing gain at time %d: %w", t, err)
	}

	return &Jt, &FP, nil
}

// PosteriorSample draws a latent trajectory (T x StateDim) jointly from
// p(x_{0:T-1} | y_{0:T-1}) by forward filtering and backward sampling.  The
// marginal log-likelihood of the emissions is also returned.
func PosteriorSample(src rand.Source, params Params, emissions, inputs *mat.Dense) (float64, *mat.Dense, error) {

	res, err := Filter(params, emissions, inputs)
	if err != nil {
		return 0, nil, err
	}

	nt, n := res.FilteredMeans.Dims()
	states := mat.NewDense(nt, n, nil)

	chol, err := dist.Cholesky(res.FilteredCovariances[nt-1])
	if err != nil {
		return 0, nil, fmt.Errorf("lgssm: filtered covariance at time %d: %w", nt-1, err)
	}
	distmv.NormalRand(states.RawRowView(nt-1), res.FilteredMeans.RawRowView(nt-1), chol, src)

	diff := mat.NewVecDense(n, nil)
	for t := nt - 2; t >= 0; t-- {

		Jt, FP, err := smoothingGain(params, res, t)
		if err != nil {
			return 0, nil, err
		}

		// mean = m(t|t) + J (x_{t+1} - m(t+1|t))
		diff.SubVec(states.RowView(t+1), res.PredictedMeans.RowView(t+1))
		mean := mat.NewVecDense(n, nil)
		mean.MulVec(Jt.T(), diff)
		mean.AddVec(mean, res.FilteredMeans.RowView(t))

		// cov = P(t|t) - J F P(t|t)
		var JFP, cov mat.Dense
		JFP.Mul(FP.T(), Jt)
		cov.Sub(res.FilteredCovariances[t], &JFP)
		chol, err := dist.Cholesky(dist.Symmetrize(&cov))
		if err != nil {
			return 0, nil, fmt.Errorf("lgssm: conditional covariance at time %d: %w", t, err)
		}

		distmv.NormalRand(states.RawRowView(t), mean.RawVector().Data, chol, src)
	}

	return res.LogLike, states, nil
}

// SmoothResult holds the Rauch-Tung-Striebel smoothed moments.
type SmoothResult struct {
	LogLike             float64
	SmoothedMeans       *mat.Dense
	SmoothedCovariances []*mat.SymDense
}

// Smooth computes the moments of x_t given all emissions with a
// Rauch-Tung-Striebel backward pass over the Kalman filter output.
func Smooth(params Params, emissions, inputs *mat.Dense) (*SmoothResult, error) {

	res, err := Filter(params, emissions, inputs)
	if err != nil {
		return nil, err
	}

	nt, n := res.FilteredMeans.Dims()
	out := &SmoothResult{
		LogLike:             res.LogLike,
		SmoothedMeans:       mat.NewDense(nt, n, nil),
		SmoothedCovariances: make([]*mat.SymDense, nt),
	}
	out.SmoothedMeans.SetRow(nt-1, res.FilteredMeans.RawRowView(nt-1))
	out.SmoothedCovariances[nt-1] = res.FilteredCovariances[nt-1]

	x := mat.NewVecDense(n, nil)
	for t := nt - 2; t >= 0; t-- {

		Jt, _, err := smoothingGain(params, res, t)
		if err != nil {
			return nil, err
		}

		x.SubVec(out.SmoothedMeans.RowView(t+1), res.PredictedMeans.RowView(t+1))
		mean := mat.NewVecDense(n, nil)
		mean.MulVec(Jt.T(), x)
		mean.AddVec(mean, res.FilteredMeans.RowView(t))
		out.SmoothedMeans.SetRow(t, mean.RawVector().Data)

		var D, P mat.Dense
		D.Sub(out.SmoothedCovariances[t+1], res.PredictedCovariances[t+1])
		P.Product(Jt.T(), &D, Jt)
		P.Add(res.FilteredCovariances[t], &P)
		out.SmoothedCovariances[t] = dist.Symmetrize(&P)
	}

	return out, nil
}
