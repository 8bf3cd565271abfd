package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Bundle encodings.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Metadata describes how the bundle was produced. Every field is optional.
type Metadata struct {
	Version         string     `json:"version" yaml:"version"`
	TrainedAt       *time.Time `json:"trained_at,omitempty" yaml:"trained_at,omitempty"`
	TrainingSamples int        `json:"training_samples,omitempty" yaml:"training_samples,omitempty"`
	F1Score         float64    `json:"f1_score,omitempty" yaml:"f1_score,omitempty"`
	AUCScore        float64    `json:"auc_score,omitempty" yaml:"auc_score,omitempty"`
}

type bundleFile struct {
	Metadata Metadata     `json:"metadata" yaml:"metadata"`
	Features []string     `json:"features" yaml:"features"`
	Imputer  *imputerSpec `json:"imputer" yaml:"imputer"`
	Model    *modelSpec   `json:"model" yaml:"model"`
}

// Bundle is the loaded model artifact: classifier, fitted imputer and the
// feature schema both expect. It is immutable and safe to share.
type Bundle struct {
	source     string
	loadedAt   time.Time
	meta       Metadata
	features   []string
	imputer    *Imputer
	classifier Classifier
}

// LoadBundleFile reads a bundle from path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func LoadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &BundleLoadError{Source: path, Err: err}
	}
	return ParseBundle(data, FormatForPath(path), path)
}

// FormatForPath picks the bundle encoding from a file name.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ParseBundle decodes and validates a bundle. source only labels errors and
// log lines.
func ParseBundle(data []byte, format, source string) (*Bundle, error) {
	var bf bundleFile
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&bf); err != nil {
			return nil, &BundleLoadError{Source: source, Err: fmt.Errorf("decode: %w", err)}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &bf); err != nil {
			return nil, &BundleLoadError{Source: source, Err: fmt.Errorf("decode: %w", err)}
		}
	default:
		return nil, &BundleLoadError{Source: source, Err: fmt.Errorf("unknown bundle format %q", format)}
	}

	b, err := build(bf)
	if err != nil {
		return nil, &BundleLoadError{Source: source, Err: err}
	}
	b.source = source

	log.Info().
		Str("source", source).
		Str("model", b.classifier.Kind()).
		Str("imputer", b.imputer.Strategy()).
		Int("features", len(b.features)).
		Str("version", b.meta.Version).
		Msg("Model bundle loaded")
	return b, nil
}

func build(bf bundleFile) (*Bundle, error) {
	var missing []string
	if bf.Model == nil {
		missing = append(missing, "model")
	}
	if bf.Imputer == nil {
		missing = append(missing, "imputer")
	}
	if len(bf.Features) == 0 {
		missing = append(missing, "features")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("bundle is missing %s", strings.Join(missing, ", "))
	}

	im, err := newImputer(*bf.Imputer)
	if err != nil {
		return nil, fmt.Errorf("imputer: %w", err)
	}
	clf, err := newClassifier(*bf.Model)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	return assemble(bf.Features, im, clf, bf.Metadata)
}

// NewBundle assembles a bundle from already-built parts, applying the same
// consistency checks as ParseBundle.
func NewBundle(features []string, im *Imputer, clf Classifier, meta Metadata) (*Bundle, error) {
	if im == nil || clf == nil {
		return nil, &BundleLoadError{Source: "memory", Err: errors.New("imputer and classifier are required")}
	}
	b, err := assemble(features, im, clf, meta)
	if err != nil {
		return nil, &BundleLoadError{Source: "memory", Err: err}
	}
	b.source = "memory"
	return b, nil
}

func assemble(features []string, im *Imputer, clf Classifier, meta Metadata) (*Bundle, error) {
	if len(features) == 0 {
		return nil, errors.New("bundle is missing features")
	}
	seen := make(map[string]struct{}, len(features))
	for _, f := range features {
		if f == "" {
			return nil, errors.New("feature names must be non-empty")
		}
		if _, dup := seen[f]; dup {
			return nil, fmt.Errorf("duplicate feature %q", f)
		}
		seen[f] = struct{}{}
	}

	if !slices.Equal(im.columns, features) {
		return nil, fmt.Errorf("imputer columns [%s] differ from features [%s]",
			strings.Join(im.columns, ","), strings.Join(features, ","))
	}
	if clf.NumFeatures() != len(features) {
		return nil, fmt.Errorf("model expects %d features, bundle lists %d", clf.NumFeatures(), len(features))
	}

	return &Bundle{
		loadedAt:   time.Now(),
		meta:       meta,
		features:   slices.Clone(features),
		imputer:    im,
		classifier: clf,
	}, nil
}

// Features returns the ordered feature schema.
func (b *Bundle) Features() []string { return slices.Clone(b.features) }

func (b *Bundle) Imputer() *Imputer      { return b.imputer }
func (b *Bundle) Classifier() Classifier { return b.classifier }
func (b *Bundle) Metadata() Metadata     { return b.meta }
func (b *Bundle) Source() string         { return b.source }
func (b *Bundle) LoadedAt() time.Time    { return b.loadedAt }

// Age is the time since training when known, otherwise since loading.
func (b *Bundle) Age(now time.Time) time.Duration {
	if b.meta.TrainedAt != nil {
		return now.Sub(*b.meta.TrainedAt)
	}
	return now.Sub(b.loadedAt)
}
