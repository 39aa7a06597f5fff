package detection

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Selector maps a task type label to a detection model. It holds no mutable
// state once built.
type Selector struct {
	overrides map[string]Model
}

func NewSelector(overrides map[string]Model) Selector {
	m := make(map[string]Model, len(overrides))
	for label, model := range overrides {
		m[foldLabel(label)] = model
	}
	return Selector{overrides: m}
}

var maturityWords = []string{"maduracion", "madurez", "maduro", "maturity"}

// Select picks the maturity model for maturity checks and the disease/
// deficiency model for everything else.
func (s Selector) Select(typeLabel string) Model {
	key := foldLabel(typeLabel)
	if m, ok := s.overrides[key]; ok {
		return m
	}
	for _, w := range maturityWords {
		if strings.Contains(key, w) {
			return ModelMaturity
		}
	}
	return ModelDisease
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

func foldLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = accentFolder.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

type labelsFile struct {
	Labels map[string]string `yaml:"labels"`
}

// LoadSelector reads label overrides from a YAML file:
//
//	labels:
//	  "Chequeo de Salud": disease
//	  "Conteo de cerezas": maturity
func LoadSelector(path string) (Selector, error) {
	if strings.TrimSpace(path) == "" {
		return NewSelector(nil), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Selector{}, fmt.Errorf("detection: read labels: %w", err)
	}
	var f labelsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Selector{}, fmt.Errorf("detection: parse labels %s: %w", path, err)
	}
	overrides := make(map[string]Model, len(f.Labels))
	for label, name := range f.Labels {
		m, err := ParseModel(name)
		if err != nil {
			return Selector{}, fmt.Errorf("detection: label %q: %w", label, err)
		}
		overrides[label] = m
	}
	return NewSelector(overrides), nil
}
