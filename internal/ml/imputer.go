package ml

import (
	"fmt"
	"math"
	"slices"

	"txn-enricher/internal/features"
)

// Imputation strategies, named as in the training toolkit.
const (
	StrategyMean         = "mean"
	StrategyMedian       = "median"
	StrategyMostFrequent = "most_frequent"
	StrategyConstant     = "constant"
)

type imputerSpec struct {
	Strategy     string    `json:"strategy" yaml:"strategy"`
	FeatureNames []string  `json:"feature_names" yaml:"feature_names"`
	Statistics   []float64 `json:"statistics" yaml:"statistics"`
	FillValue    *float64  `json:"fill_value" yaml:"fill_value"`
}

// Imputer fills missing feature values with per-column values fitted at
// training time. It is read-only after construction.
type Imputer struct {
	strategy string
	columns  []string
	fill     []float64
}

// NewImputer builds an imputer for columns. For the statistic strategies
// values holds one fitted value per column; for StrategyConstant it holds at
// most one fill value, defaulting to 0.
func NewImputer(strategy string, columns []string, values []float64) (*Imputer, error) {
	spec := imputerSpec{Strategy: strategy, FeatureNames: columns, Statistics: values}
	if strategy == StrategyConstant {
		if len(values) > 1 {
			return nil, fmt.Errorf("constant imputer takes one fill value, got %d", len(values))
		}
		if len(values) == 1 {
			spec.FillValue = &values[0]
		}
		spec.Statistics = nil
	}
	return newImputer(spec)
}

func newImputer(spec imputerSpec) (*Imputer, error) {
	if len(spec.FeatureNames) == 0 {
		return nil, fmt.Errorf("imputer has no feature_names")
	}

	im := &Imputer{strategy: spec.Strategy, columns: slices.Clone(spec.FeatureNames)}
	switch spec.Strategy {
	case StrategyMean, StrategyMedian, StrategyMostFrequent:
		if len(spec.Statistics) != len(spec.FeatureNames) {
			return nil, fmt.Errorf("imputer has %d statistics for %d features",
				len(spec.Statistics), len(spec.FeatureNames))
		}
		im.fill = slices.Clone(spec.Statistics)
	case StrategyConstant:
		v := 0.0
		if spec.FillValue != nil {
			v = *spec.FillValue
		}
		im.fill = make([]float64, len(spec.FeatureNames))
		for i := range im.fill {
			im.fill[i] = v
		}
	default:
		return nil, fmt.Errorf("unsupported imputer strategy %q", spec.Strategy)
	}

	for i, v := range im.fill {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("imputer value for %s is not finite", im.columns[i])
		}
	}
	return im, nil
}

// Strategy returns the fitted strategy name.
func (im *Imputer) Strategy() string { return im.strategy }

// Columns returns the fitted column order.
func (im *Imputer) Columns() []string { return slices.Clone(im.columns) }

// FillValue returns the substitute for the named column.
func (im *Imputer) FillValue(column string) (float64, bool) {
	i := slices.Index(im.columns, column)
	if i < 0 {
		return 0, false
	}
	return im.fill[i], true
}

// Transform returns a copy of t with every missing value replaced. The
// table's columns must equal the fitted columns, in order.
func (im *Imputer) Transform(t *features.Table) (*features.Table, error) {
	got := t.Columns()
	if !slices.Equal(got, im.columns) {
		return nil, &ImputationError{Expected: im.Columns(), Got: got}
	}
	return t.Map(func(col int, v float64) float64 {
		if features.IsMissing(v) {
			return im.fill[col]
		}
		return v
	}), nil
}
