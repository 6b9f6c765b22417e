// Package labels resolves model output classes to display labels and folds
// raw labels into canonical category names.
package labels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/text/cases"
)

// Resolve produces the ordered label list for a model with outputDim classes.
// Priority, first match wins: an explicit mapping file of matching length,
// a fallback list of matching length, synthesized class_<i> placeholders.
//
// A mapping file of the wrong length is reported through the returned note
// and skipped; it is never truncated or padded.
func Resolve(mappingPath string, outputDim int, fallback []string) ([]string, string, error) {
	if outputDim <= 0 {
		return nil, "", fmt.Errorf("model output dimension must be positive, got %d", outputDim)
	}

	if mappingPath != "" {
		if data, err := os.ReadFile(mappingPath); err == nil {
			var names []string
			if err := json.Unmarshal(data, &names); err != nil {
				return nil, "", fmt.Errorf("invalid label mapping %s: %w", mappingPath, err)
			}
			if len(names) == outputDim {
				return names, fmt.Sprintf("label mapping from %s", mappingPath), nil
			}
			note := fmt.Sprintf("label mapping length mismatch: %d labels vs %d outputs, falling back",
				len(names), outputDim)
			labels, fbNote, err := Resolve("", outputDim, fallback)
			return labels, note + "; " + fbNote, err
		} else if !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("cannot read label mapping %s: %w", mappingPath, err)
		}
	}

	if len(fallback) == outputDim {
		return fallback, "fallback labels from config", nil
	}

	names := make([]string, outputDim)
	for i := range names {
		names[i] = fmt.Sprintf("class_%d", i)
	}
	return names, "synthesized class_<i> placeholder labels", nil
}

// Validate checks a label mapping file against a model output dimension.
func Validate(mappingPath string, outputDim int) error {
	data, err := os.ReadFile(mappingPath)
	if err != nil {
		return fmt.Errorf("cannot read label mapping %s: %w", mappingPath, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("label mapping %s must be a JSON array of strings: %w", mappingPath, err)
	}
	if len(names) != outputDim {
		return fmt.Errorf("label mapping length mismatch: %d labels vs %d outputs", len(names), outputDim)
	}
	return nil
}

// WriteStub writes a placeholder label mapping for the user to fill in.
func WriteStub(path string, outputDim int, existing []string) error {
	names := existing
	if len(names) != outputDim {
		names = make([]string, outputDim)
		for i := range names {
			names[i] = fmt.Sprintf("<class_%d_name_here>", i)
		}
	}
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Mapping folds raw model labels into canonical category names. Unmapped
// labels map to themselves.
type Mapping struct {
	exact  map[string]string
	folded map[string]string
}

var folder = cases.Fold()

// NewMapping builds a Mapping from a raw-to-canonical table.
func NewMapping(table map[string]string) *Mapping {
	m := &Mapping{
		exact:  make(map[string]string, len(table)),
		folded: make(map[string]string, len(table)),
	}
	for raw, canonical := range table {
		m.exact[raw] = canonical
		m.folded[folder.String(raw)] = canonical
	}
	return m
}

// Canonical returns the canonical name for raw. Lookup is exact first, then
// case-folded (mapping files and model label files rarely agree on casing),
// then identity.
func (m *Mapping) Canonical(raw string) string {
	if m == nil {
		return raw
	}
	if c, ok := m.exact[raw]; ok {
		return c
	}
	if c, ok := m.folded[folder.String(raw)]; ok {
		return c
	}
	return raw
}

// Len reports the number of mapped raw labels.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exact)
}

// LoadCanonical reads a canonical mapping file: either a flat JSON object or
// one wrapped under a model_class_to_canonical key. A missing file yields an
// empty mapping (identity for everything).
func LoadCanonical(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMapping(nil), nil
		}
		return nil, fmt.Errorf("cannot read canonical mapping %s: %w", path, err)
	}

	var wrapped struct {
		Table map[string]string `json:"model_class_to_canonical"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Table != nil {
		return NewMapping(wrapped.Table), nil
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("invalid canonical mapping %s: %w", path, err)
	}
	return NewMapping(flat), nil
}
