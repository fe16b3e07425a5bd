package eval

import "fmt"

// #region result

// ResultKind discriminates the two shapes an accuracy result can take.
type ResultKind int

const (
	// KindScalar is a single accuracy for an unconditioned subtask.
	KindScalar ResultKind = iota
	// KindConditioned maps condition names to accuracies.
	KindConditioned
)

// Result is a tagged variant: either one scalar accuracy or a map from
// condition name to accuracy. Consumers branch on Kind explicitly.
type Result struct {
	kind       ResultKind
	scalar     float64
	conditions map[string]float64
}

// NewScalar wraps a single accuracy.
func NewScalar(v float64) Result {
	return Result{kind: KindScalar, scalar: v}
}

// NewConditioned wraps per-condition accuracies.
func NewConditioned(conds map[string]float64) Result {
	return Result{kind: KindConditioned, conditions: conds}
}

// Kind returns the variant tag.
func (r Result) Kind() ResultKind { return r.kind }

// Scalar returns the accuracy of a scalar result.
func (r Result) Scalar() (float64, bool) {
	return r.scalar, r.kind == KindScalar
}

// Conditions returns the per-condition accuracies of a conditioned result.
func (r Result) Conditions() (map[string]float64, bool) {
	return r.conditions, r.kind == KindConditioned
}

func (r Result) String() string {
	if r.kind == KindScalar {
		return fmt.Sprintf("%.4f", r.scalar)
	}
	return fmt.Sprintf("%v", r.conditions)
}

// #endregion result

// #region results

// Results maps a subtask name to its result.
type Results map[string]Result

// #endregion results
