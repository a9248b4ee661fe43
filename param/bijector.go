package param

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Bijector is a smooth invertible map between an unconstrained space and a
// constrained one.  Values are flattened row-major.
type Bijector interface {

	// Forward maps an unconstrained value to the constrained space.
	Forward(x []float64) []float64

	// Inverse maps a constrained value to the unconstrained space.
	Inverse(y []float64) []float64

	// ForwardLogDetJacobian returns log|det ∂Forward(x)/∂x|.
	ForwardLogDetJacobian(x []float64) float64
}

// Identity leaves values unchanged.
type Identity struct{}

func (Identity) Forward(x []float64) []float64 { return clone(x) }

func (Identity) Inverse(y []float64) []float64 { return clone(y) }

func (Identity) ForwardLogDetJacobian(x []float64) float64 { return 0 }

// Exp maps the real line onto the positive reals, elementwise.
type Exp struct{}

func (Exp) Forward(x []float64) []float64 {
	y := clone(x)
	for i := range y {
		y[i] = math.Exp(y[i])
	}
	return y
}

func (Exp) Inverse(y []float64) []float64 {
	x := clone(y)
	for i := range x {
		x[i] = math.Log(x[i])
	}
	return x
}

func (Exp) ForwardLogDetJacobian(x []float64) float64 {
	return floats.Sum(x)
}

// SoftmaxCentered maps R^(K-1) onto the probability simplex in R^K by
// appending a zero and applying the softmax.
type SoftmaxCentered struct{}

func (SoftmaxCentered) Forward(x []float64) []float64 {
	z := append(clone(x), 0)
	lse := floats.LogSumExp(z)
	for i := range z {
		z[i] = math.Exp(z[i] - lse)
	}
	return z
}

func (SoftmaxCentered) Inverse(y []float64) []float64 {
	k := len(y)
	x := make([]float64, k-1)
	last := math.Log(y[k-1])
	for i := range x {
		x[i] = math.Log(y[i]) - last
	}
	return x
}

// ForwardLogDetJacobian is taken with respect to the first K-1 simplex
// coordinates, which gives the sum of the log probabilities.
func (b SoftmaxCentered) ForwardLogDetJacobian(x []float64) float64 {
	z := append(clone(x), 0)
	lse := floats.LogSumExp(z)
	return floats.Sum(z) - float64(len(z))*lse
}

// PSDToReal maps a Dim×Dim positive definite matrix to R^(Dim(Dim+1)/2).
// The lower Cholesky factor is taken, its diagonal is log transformed, and
// the lower triangle is read out row by row.
type PSDToReal struct {
	Dim int
}

// UnconstrainedSize returns Dim(Dim+1)/2.
func (b PSDToReal) UnconstrainedSize() int {
	return b.Dim * (b.Dim + 1) / 2
}

func (b PSDToReal) Forward(y []float64) []float64 {
	d := b.Dim
	if len(y) != d*d {
		panic("param: PSDToReal input has the wrong size")
	}
	sym := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			sym.SetSym(i, j, 0.5*(y[i*d+j]+y[j*d+i]))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		panic("param: PSDToReal input is not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)

	x := make([]float64, 0, b.UnconstrainedSize())
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			v := l.At(i, j)
			if i == j {
				v = math.Log(v)
			}
			x = append(x, v)
		}
	}
	return x
}

func (b PSDToReal) Inverse(x []float64) []float64 {
	d := b.Dim
	if len(x) != b.UnconstrainedSize() {
		panic("param: PSDToReal unconstrained input has the wrong size")
	}
	l := mat.NewTriDense(d, mat.Lower, nil)
	k := 0
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			v := x[k]
			if i == j {
				v = math.Exp(v)
			}
			l.SetTri(i, j, v)
			k++
		}
	}
	var y mat.Dense
	y.Mul(l, l.T())
	return y.RawMatrix().Data
}

// ForwardLogDetJacobian is the negative of the log-det-Jacobian of Inverse
// evaluated at Forward(y).
func (b PSDToReal) ForwardLogDetJacobian(y []float64) float64 {
	return -b.inverseLogDetJacobian(b.Forward(y))
}

// inverseLogDetJacobian of x -> L Lᵀ with L_ii = exp(x_ii) is
// d log 2 + Σ_i (d+2-i) log L_ii, for i = 1..d.
func (b PSDToReal) inverseLogDetJacobian(x []float64) float64 {
	d := b.Dim
	ldj := float64(d) * math.Ln2
	k := 0
	for i := 0; i < d; i++ {
		k += i
		ldj += float64(d+1-i) * x[k]
		k++
	}
	return ldj
}

// Invert swaps the forward and inverse directions of a bijector.
type Invert struct {
	Bijector Bijector
}

func (b Invert) Forward(x []float64) []float64 { return b.Bijector.Inverse(x) }

func (b Invert) Inverse(y []float64) []float64 { return b.Bijector.Forward(y) }

func (b Invert) ForwardLogDetJacobian(x []float64) float64 {
	if p, ok := b.Bijector.(PSDToReal); ok {
		return p.inverseLogDetJacobian(x)
	}
	return -b.Bijector.ForwardLogDetJacobian(b.Bijector.Inverse(x))
}

func clone(x []float64) []float64 {
	return append([]float64(nil), x...)
}

// Batch applies a bijector independently to N equal-sized blocks of the
// input, such as the rows of a transition matrix or the covariance of each
// state.
type Batch struct {
	Bijector Bijector
	N        int
}

func (b Batch) apply(x []float64, f func([]float64) []float64) []float64 {
	if b.N <= 0 || len(x)%b.N != 0 {
		panic("param: Batch input is not divisible into blocks")
	}
	m := len(x) / b.N
	var y []float64
	for i := 0; i < b.N; i++ {
		y = append(y, f(x[i*m:(i+1)*m])...)
	}
	return y
}

func (b Batch) Forward(x []float64) []float64 { return b.apply(x, b.Bijector.Forward) }

func (b Batch) Inverse(y []float64) []float64 { return b.apply(y, b.Bijector.Inverse) }

func (b Batch) ForwardLogDetJacobian(x []float64) float64 {
	if b.N <= 0 || len(x)%b.N != 0 {
		panic("param: Batch input is not divisible into blocks")
	}
	m := len(x) / b.N
	var ldj float64
	for i := 0; i < b.N; i++ {
		ldj += b.Bijector.ForwardLogDetJacobian(x[i*m : (i+1)*m])
	}
	return ldj
}
