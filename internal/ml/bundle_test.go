package ml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const logisticBundleJSON = `{
  "metadata": {"version": "2025.09", "trained_at": "2025-09-01T00:00:00Z"},
  "features": ["amount_normalized", "is_high_risk_merchant"],
  "imputer": {
    "strategy": "median",
    "feature_names": ["amount_normalized", "is_high_risk_merchant"],
    "statistics": [0.01, 0]
  },
  "model": {
    "type": "logistic_regression",
    "n_features": 2,
    "coef": [10, 2],
    "intercept": -1
  }
}`

const forestBundleYAML = `
metadata:
  version: rf-1
features: [amount_normalized, is_high_risk_merchant]
imputer:
  strategy: constant
  feature_names: [amount_normalized, is_high_risk_merchant]
  fill_value: 0
model:
  type: random_forest
  n_features: 2
  classes: [0, 1]
  trees:
    - children_left: [1, -1, -1]
      children_right: [2, -1, -1]
      feature: [1, -2, -2]
      threshold: [0.5, -2, -2]
      value: [[11, 9], [9, 1], [2, 8]]
    - children_left: [1, -1, -1]
      children_right: [2, -1, -1]
      feature: [0, -2, -2]
      threshold: [0.01, -2, -2]
      value: [[10, 10], [10, 0], [0, 10]]
`

func TestParseBundle_JSON(t *testing.T) {
	b, err := ParseBundle([]byte(logisticBundleJSON), FormatJSON, "inline")
	require.NoError(t, err)

	assert.Equal(t, []string{"amount_normalized", "is_high_risk_merchant"}, b.Features())
	assert.Equal(t, ModelLogisticRegression, b.Classifier().Kind())
	assert.Equal(t, StrategyMedian, b.Imputer().Strategy())
	assert.Equal(t, "2025.09", b.Metadata().Version)
	assert.Equal(t, "inline", b.Source())
	require.NotNil(t, b.Metadata().TrainedAt)
	assert.Equal(t, 2025, b.Metadata().TrainedAt.Year())
}

func TestParseBundle_YAML(t *testing.T) {
	b, err := ParseBundle([]byte(forestBundleYAML), FormatYAML, "inline")
	require.NoError(t, err)

	assert.Equal(t, ModelRandomForest, b.Classifier().Kind())
	assert.Equal(t, StrategyConstant, b.Imputer().Strategy())
	fill, ok := b.Imputer().FillValue("amount_normalized")
	assert.True(t, ok)
	assert.Equal(t, 0.0, fill)
}

func TestParseBundle_FeaturesReturnsCopy(t *testing.T) {
	b, err := ParseBundle([]byte(logisticBundleJSON), FormatJSON, "inline")
	require.NoError(t, err)

	f := b.Features()
	f[0] = "mutated"
	assert.Equal(t, "amount_normalized", b.Features()[0])
}

func TestParseBundle_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not json", `{"features":`},
		{"missing model", `{"features":["a"],"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]}}`},
		{"missing imputer", `{"features":["a"],"model":{"type":"logistic_regression","n_features":1,"coef":[1]}}`},
		{"missing features", `{"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]},"model":{"type":"logistic_regression","n_features":1,"coef":[1]}}`},
		{"duplicate feature", `{"features":["a","a"],"imputer":{"strategy":"mean","feature_names":["a","a"],"statistics":[1,1]},"model":{"type":"logistic_regression","n_features":2,"coef":[1,1]}}`},
		{"imputer columns differ", `{"features":["a","b"],"imputer":{"strategy":"mean","feature_names":["b","a"],"statistics":[1,1]},"model":{"type":"logistic_regression","n_features":2,"coef":[1,1]}}`},
		{"statistics length", `{"features":["a","b"],"imputer":{"strategy":"mean","feature_names":["a","b"],"statistics":[1]},"model":{"type":"logistic_regression","n_features":2,"coef":[1,1]}}`},
		{"unknown strategy", `{"features":["a"],"imputer":{"strategy":"knn","feature_names":["a"],"statistics":[1]},"model":{"type":"logistic_regression","n_features":1,"coef":[1]}}`},
		{"model width", `{"features":["a","b"],"imputer":{"strategy":"mean","feature_names":["a","b"],"statistics":[1,1]},"model":{"type":"logistic_regression","n_features":3,"coef":[1,1,1]}}`},
		{"coef length", `{"features":["a"],"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]},"model":{"type":"logistic_regression","n_features":1,"coef":[1,2]}}`},
		{"unknown model", `{"features":["a"],"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]},"model":{"type":"xgboost","n_features":1}}`},
		{"tree without nodes", `{"features":["a"],"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]},"model":{"type":"decision_tree","n_features":1,"tree":{}}}`},
		{"tree child loops back", `{"features":["a"],"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]},"model":{"type":"decision_tree","n_features":1,"tree":{"children_left":[0],"children_right":[0],"feature":[0],"threshold":[1],"value":[[1,1]]}}}`},
		{"tree feature out of range", `{"features":["a"],"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]},"model":{"type":"decision_tree","n_features":1,"tree":{"children_left":[1,-1,-1],"children_right":[2,-1,-1],"feature":[3,-2,-2],"threshold":[1,-2,-2],"value":[[1,1],[1,0],[0,1]]}}}`},
		{"leaf value width", `{"features":["a"],"imputer":{"strategy":"mean","feature_names":["a"],"statistics":[1]},"model":{"type":"decision_tree","n_features":1,"tree":{"children_left":[-1],"children_right":[-1],"feature":[-2],"threshold":[-2],"value":[[1,1,1]]}}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := ParseBundle([]byte(tc.data), FormatJSON, "inline")
			require.Error(t, err)
			assert.Nil(t, b)

			var lerr *BundleLoadError
			assert.True(t, errors.As(err, &lerr))
			assert.Equal(t, "inline", lerr.Source)
		})
	}
}

func TestLoadBundleFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "bundle.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(logisticBundleJSON), 0o600))
	b, err := LoadBundleFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, jsonPath, b.Source())

	yamlPath := filepath.Join(dir, "bundle.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(forestBundleYAML), 0o600))
	b, err = LoadBundleFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, ModelRandomForest, b.Classifier().Kind())

	_, err = LoadBundleFile(filepath.Join(dir, "missing.json"))
	var lerr *BundleLoadError
	require.True(t, errors.As(err, &lerr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNewBundle(t *testing.T) {
	cols := []string{"x", "y"}
	im, err := NewImputer(StrategyMean, cols, []float64{1, 2})
	require.NoError(t, err)
	clf, err := NewLogisticRegression([]float64{1, 1}, 0)
	require.NoError(t, err)

	b, err := NewBundle(cols, im, clf, Metadata{Version: "test"})
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Source())

	narrow, err := NewLogisticRegression([]float64{1}, 0)
	require.NoError(t, err)
	_, err = NewBundle(cols, im, narrow, Metadata{})
	var lerr *BundleLoadError
	assert.True(t, errors.As(err, &lerr))

	_, err = NewBundle(cols, nil, clf, Metadata{})
	assert.Error(t, err)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatForPath("models/b.YAML"))
	assert.Equal(t, FormatYAML, FormatForPath("b.yml"))
	assert.Equal(t, FormatJSON, FormatForPath("b.json"))
	assert.Equal(t, FormatJSON, FormatForPath("bundle"))
}
