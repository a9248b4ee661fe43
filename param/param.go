// Package param holds model parameters together with their properties: whether
// they are fit by the optimizer and the bijector that maps an unconstrained
// value onto the parameter's support.
package param

import "fmt"

// Properties describes how a parameter is treated during fitting.
type Properties struct {
	Trainable bool

	// Constrainer maps unconstrained values onto the support.  A nil
	// Constrainer behaves like Identity.
	Constrainer Bijector
}

// NewProperties returns trainable properties using the given constrainer.
func NewProperties(b Bijector) Properties {
	return Properties{Trainable: true, Constrainer: b}
}

func (p Properties) bijector() Bijector {
	if p.Constrainer == nil {
		return Identity{}
	}
	return p.Constrainer
}

// Leaf is a single named parameter array, flattened row-major.
type Leaf struct {
	Name  string
	Value []float64
	Props Properties
}

// Set is an ordered collection of parameter leaves.
type Set []Leaf

// Get returns the leaf with the given name.
func (s Set) Get(name string) (Leaf, bool) {
	for _, l := range s {
		if l.Name == name {
			return l, true
		}
	}
	return Leaf{}, false
}

// Replace returns a copy of s in which the value of the named leaf is v.
func (s Set) Replace(name string, v []float64) (Set, error) {
	out := s.clone()
	for i := range out {
		if out[i].Name == name {
			out[i].Value = clone(v)
			return out, nil
		}
	}
	return nil, fmt.Errorf("param: no leaf named %q", name)
}

func (s Set) clone() Set {
	out := make(Set, len(s))
	for i, l := range s {
		out[i] = Leaf{Name: l.Name, Value: clone(l.Value), Props: l.Props}
	}
	return out
}

// ToUnconstrained maps every leaf through the inverse of its constrainer.
func ToUnconstrained(params Set) Set {
	out := params.clone()
	for i := range out {
		out[i].Value = out[i].Props.bijector().Inverse(params[i].Value)
	}
	return out
}

// FromUnconstrained maps every leaf through its constrainer.  Leaves that are
// not trainable keep the value held in fixed, when fixed has a leaf of the
// same name.
func FromUnconstrained(unc Set, fixed Set) Set {
	out := unc.clone()
	for i := range out {
		if !out[i].Props.Trainable {
			if l, ok := fixed.Get(out[i].Name); ok {
				out[i].Value = clone(l.Value)
				continue
			}
		}
		out[i].Value = out[i].Props.bijector().Forward(unc[i].Value)
	}
	return out
}

// LogDetJacConstrain returns the log-det-Jacobian of the map from unconstrained
// to constrained values, evaluated at the unconstrained values unc (as
// returned by ToUnconstrained) and summed over the trainable leaves.
func LogDetJacConstrain(unc Set) float64 {
	var ldj float64
	for _, l := range unc {
		if !l.Props.Trainable {
			continue
		}
		ldj += l.Props.bijector().ForwardLogDetJacobian(l.Value)
	}
	return ldj
}

// Vector concatenates the values of the trainable leaves.
func (s Set) Vector() []float64 {
	var v []float64
	for _, l := range s {
		if l.Props.Trainable {
			v = append(v, l.Value...)
		}
	}
	return v
}

// SetVector returns a copy of s whose trainable leaves are filled from v, in
// the order produced by Vector.
func (s Set) SetVector(v []float64) (Set, error) {
	out := s.clone()
	k := 0
	for i := range out {
		if !out[i].Props.Trainable {
			continue
		}
		n := len(out[i].Value)
		if k+n > len(v) {
			return nil, fmt.Errorf("param: vector of length %d is too short", len(v))
		}
		copy(out[i].Value, v[k:k+n])
		k += n
	}
	if k != len(v) {
		return nil, fmt.Errorf("param: vector has length %d, want %d", len(v), k)
	}
	return out, nil
}
