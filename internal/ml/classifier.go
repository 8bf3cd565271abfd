// Package ml loads the pre-trained spontaneity model bundle and runs its
// imputer and classifier over feature tables.
//
// A bundle is a JSON (or YAML) document with three members: the classifier,
// the fitted imputer, and the ordered feature-name list both were trained
// on. Supported classifiers are logistic regression, a single decision tree
// and a random forest, all exported with the array layout of the training
// toolkit.
package ml

import (
	"fmt"
	"math"
	"slices"

	"txn-enricher/internal/features"
)

// Model types accepted in a bundle.
const (
	ModelLogisticRegression = "logistic_regression"
	ModelDecisionTree       = "decision_tree"
	ModelRandomForest       = "random_forest"
)

// positiveClass is the class value meaning "spontaneous".
const positiveClass = 1.0

// Classifier scores imputed feature tables. Implementations are read-only
// after loading and safe for concurrent use.
type Classifier interface {
	// Predict returns one label per row, in row order. The table must be
	// fully imputed and exactly NumFeatures wide.
	Predict(t *features.Table) ([]bool, error)

	// NumFeatures is the input width the classifier was fitted on.
	NumFeatures() int

	// Kind names the model type.
	Kind() string
}

type modelSpec struct {
	Type      string     `json:"type" yaml:"type"`
	NFeatures int        `json:"n_features" yaml:"n_features"`
	Classes   []float64  `json:"classes" yaml:"classes"`
	Coef      []float64  `json:"coef" yaml:"coef"`
	Intercept float64    `json:"intercept" yaml:"intercept"`
	Tree      *treeSpec  `json:"tree" yaml:"tree"`
	Trees     []treeSpec `json:"trees" yaml:"trees"`
}

type treeSpec struct {
	ChildrenLeft  []int       `json:"children_left" yaml:"children_left"`
	ChildrenRight []int       `json:"children_right" yaml:"children_right"`
	Feature       []int       `json:"feature" yaml:"feature"`
	Threshold     []float64   `json:"threshold" yaml:"threshold"`
	Value         [][]float64 `json:"value" yaml:"value"`
}

func newClassifier(spec modelSpec) (Classifier, error) {
	if spec.NFeatures <= 0 {
		return nil, fmt.Errorf("model n_features must be positive, got %d", spec.NFeatures)
	}

	classes := spec.Classes
	if len(classes) == 0 {
		classes = []float64{0, positiveClass}
	}

	switch spec.Type {
	case ModelLogisticRegression:
		if len(spec.Coef) != spec.NFeatures {
			return nil, fmt.Errorf("logistic regression has %d coefficients for %d features",
				len(spec.Coef), spec.NFeatures)
		}
		if !allFinite(spec.Coef) || !allFinite([]float64{spec.Intercept}) {
			return nil, fmt.Errorf("logistic regression has non-finite coefficients")
		}
		return &LogisticRegression{coef: spec.Coef, intercept: spec.Intercept}, nil

	case ModelDecisionTree:
		if spec.Tree == nil {
			return nil, fmt.Errorf("decision tree has no tree")
		}
		tr, err := newTree(*spec.Tree, spec.NFeatures, len(classes))
		if err != nil {
			return nil, err
		}
		return &DecisionTree{tree: tr, classes: classes, width: spec.NFeatures}, nil

	case ModelRandomForest:
		if len(spec.Trees) == 0 {
			return nil, fmt.Errorf("random forest has no trees")
		}
		forest := &RandomForest{classes: classes, width: spec.NFeatures}
		for i, ts := range spec.Trees {
			tr, err := newTree(ts, spec.NFeatures, len(classes))
			if err != nil {
				return nil, fmt.Errorf("tree %d: %w", i, err)
			}
			forest.trees = append(forest.trees, tr)
		}
		return forest, nil

	case "":
		return nil, fmt.Errorf("model type is missing")
	default:
		return nil, fmt.Errorf("unsupported model type %q", spec.Type)
	}
}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// checkInput rejects tables the classifier cannot score.
func checkInput(t *features.Table, width int) error {
	if t.Width() != width {
		return &InferenceError{Row: -1, Reason: fmt.Sprintf("expected %d features, got %d", width, t.Width())}
	}
	for i := 0; i < t.Len(); i++ {
		for j, v := range t.Row(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &InferenceError{Row: i, Reason: fmt.Sprintf("feature %s is not finite", t.Columns()[j])}
			}
		}
	}
	return nil
}

// LogisticRegression labels a row spontaneous when its decision value
// coef·x + intercept is positive.
type LogisticRegression struct {
	coef      []float64
	intercept float64
}

func (m *LogisticRegression) Kind() string     { return ModelLogisticRegression }
func (m *LogisticRegression) NumFeatures() int { return len(m.coef) }

// NewLogisticRegression builds a logistic regression over len(coef) features.
func NewLogisticRegression(coef []float64, intercept float64) (*LogisticRegression, error) {
	clf, err := newClassifier(modelSpec{
		Type:      ModelLogisticRegression,
		NFeatures: len(coef),
		Coef:      slices.Clone(coef),
		Intercept: intercept,
	})
	if err != nil {
		return nil, err
	}
	return clf.(*LogisticRegression), nil
}

// Decision returns the raw decision value for one row.
func (m *LogisticRegression) Decision(x []float64) float64 {
	z := m.intercept
	for i, c := range m.coef {
		z += c * x[i]
	}
	return z
}

func (m *LogisticRegression) Predict(t *features.Table) ([]bool, error) {
	if err := checkInput(t, len(m.coef)); err != nil {
		return nil, err
	}
	out := make([]bool, t.Len())
	for i := range out {
		out[i] = m.Decision(t.Row(i)) > 0
	}
	return out, nil
}

// tree is one fitted decision tree in array form. Node 0 is the root and a
// left child index of -1 marks a leaf.
type tree struct {
	left      []int
	right     []int
	feature   []int
	threshold []float64
	proba     [][]float64
}

func newTree(spec treeSpec, width, nClasses int) (*tree, error) {
	n := len(spec.ChildrenLeft)
	if n == 0 {
		return nil, fmt.Errorf("tree has no nodes")
	}
	if len(spec.ChildrenRight) != n || len(spec.Feature) != n || len(spec.Threshold) != n || len(spec.Value) != n {
		return nil, fmt.Errorf("tree arrays have inconsistent lengths")
	}

	tr := &tree{
		left:      spec.ChildrenLeft,
		right:     spec.ChildrenRight,
		feature:   spec.Feature,
		threshold: spec.Threshold,
		proba:     make([][]float64, n),
	}
	for node := 0; node < n; node++ {
		l, r := tr.left[node], tr.right[node]
		if l == -1 {
			if r != -1 {
				return nil, fmt.Errorf("node %d has a right child but no left child", node)
			}
			p, err := normalize(spec.Value[node], nClasses)
			if err != nil {
				return nil, fmt.Errorf("leaf %d: %w", node, err)
			}
			tr.proba[node] = p
			continue
		}
		// children always come after their parent, so traversal terminates
		if l <= node || l >= n || r <= node || r >= n {
			return nil, fmt.Errorf("node %d has out-of-range children", node)
		}
		if f := tr.feature[node]; f < 0 || f >= width {
			return nil, fmt.Errorf("node %d splits on feature %d of %d", node, f, width)
		}
		if math.IsNaN(tr.threshold[node]) {
			return nil, fmt.Errorf("node %d has a NaN threshold", node)
		}
	}
	return tr, nil
}

func normalize(counts []float64, nClasses int) ([]float64, error) {
	if len(counts) != nClasses {
		return nil, fmt.Errorf("value has %d entries for %d classes", len(counts), nClasses)
	}
	sum := 0.0
	for _, c := range counts {
		if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("value has invalid entry %v", c)
		}
		sum += c
	}
	if sum == 0 {
		return nil, fmt.Errorf("value sums to zero")
	}
	p := make([]float64, nClasses)
	for i, c := range counts {
		p[i] = c / sum
	}
	return p, nil
}

func (tr *tree) leaf(x []float64) []float64 {
	node := 0
	for tr.left[node] != -1 {
		if x[tr.feature[node]] <= tr.threshold[node] {
			node = tr.left[node]
		} else {
			node = tr.right[node]
		}
	}
	return tr.proba[node]
}

func argmaxLabel(p []float64, classes []float64) bool {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return classes[best] == positiveClass
}

// DecisionTree labels each row with the majority class of its leaf.
type DecisionTree struct {
	tree    *tree
	classes []float64
	width   int
}

func (m *DecisionTree) Kind() string     { return ModelDecisionTree }
func (m *DecisionTree) NumFeatures() int { return m.width }

func (m *DecisionTree) Predict(t *features.Table) ([]bool, error) {
	if err := checkInput(t, m.width); err != nil {
		return nil, err
	}
	out := make([]bool, t.Len())
	for i := range out {
		out[i] = argmaxLabel(m.tree.leaf(t.Row(i)), m.classes)
	}
	return out, nil
}

// RandomForest averages the leaf class probabilities of its trees and
// labels each row with the most probable class.
type RandomForest struct {
	trees   []*tree
	classes []float64
	width   int
}

func (m *RandomForest) Kind() string     { return ModelRandomForest }
func (m *RandomForest) NumFeatures() int { return m.width }

// Proba returns the averaged class probabilities for one row.
func (m *RandomForest) Proba(x []float64) []float64 {
	p := make([]float64, len(m.classes))
	for _, tr := range m.trees {
		for k, v := range tr.leaf(x) {
			p[k] += v
		}
	}
	for k := range p {
		p[k] /= float64(len(m.trees))
	}
	return p
}

func (m *RandomForest) Predict(t *features.Table) ([]bool, error) {
	if err := checkInput(t, m.width); err != nil {
		return nil, err
	}
	out := make([]bool, t.Len())
	for i := range out {
		out[i] = argmaxLabel(m.Proba(t.Row(i)), m.classes)
	}
	return out, nil
}
