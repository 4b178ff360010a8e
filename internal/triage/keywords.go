package triage

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywordsYAML []byte

// Keywords holds the keyword tables used by the Classifier and UrgencyDetector.
// It is built once at startup and never mutated afterwards; accessors return copies.
type Keywords struct {
	categories map[Category][]string
	urgency    map[Urgency][]string
}

type keywordsFile struct {
	Categories map[string][]string `yaml:"categories"`
	Urgency    map[string][]string `yaml:"urgency"`
}

// DefaultKeywords returns the built-in keyword tables.
func DefaultKeywords() *Keywords {
	k, err := ParseKeywords(defaultKeywordsYAML)
	if err != nil {
		// the embedded file is covered by tests
		panic(fmt.Sprintf("triage: embedded keywords invalid: %v", err))
	}
	return k
}

// LoadKeywords reads keyword tables from a YAML file. An empty path returns the defaults.
func LoadKeywords(path string) (*Keywords, error) {
	if path == "" {
		return DefaultKeywords(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read keywords file: %w", err)
	}
	k, err := ParseKeywords(data)
	if err != nil {
		return nil, fmt.Errorf("keywords file %s: %w", path, err)
	}
	return k, nil
}

// ParseKeywords decodes and validates YAML keyword tables. Every keyword-backed
// category and the critical, high and medium urgency levels need a non-empty list.
func ParseKeywords(data []byte) (*Keywords, error) {
	var f keywordsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	k := &Keywords{
		categories: make(map[Category][]string, len(Categories)),
		urgency:    make(map[Urgency][]string, 3),
	}

	var errs []error
	for name, words := range f.Categories {
		c := Category(name)
		if !slices.Contains(Categories, c) {
			errs = append(errs, fmt.Errorf("unknown category %q", name))
			continue
		}
		k.categories[c] = normalize(words)
	}
	for _, c := range Categories {
		if len(k.categories[c]) == 0 {
			errs = append(errs, fmt.Errorf("category %q has no keywords", c))
		}
	}

	for name, words := range f.Urgency {
		u := Urgency(name)
		switch u {
		case UrgencyCritical, UrgencyHigh, UrgencyMedium:
			k.urgency[u] = normalize(words)
		case UrgencyLow:
			errs = append(errs, errors.New("urgency \"low\" is the baseline and takes no keywords"))
		default:
			errs = append(errs, fmt.Errorf("unknown urgency %q", name))
		}
	}
	for _, u := range []Urgency{UrgencyCritical, UrgencyHigh, UrgencyMedium} {
		if len(k.urgency[u]) == 0 {
			errs = append(errs, fmt.Errorf("urgency %q has no keywords", u))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return k, nil
}

// CategoryKeywords returns a copy of the keyword list for c.
func (k *Keywords) CategoryKeywords(c Category) []string {
	return slices.Clone(k.categories[c])
}

// UrgencyKeywords returns a copy of the keyword list for u. Low has none.
func (k *Keywords) UrgencyKeywords(u Urgency) []string {
	return slices.Clone(k.urgency[u])
}

func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || slices.Contains(out, w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// countMatches counts how many keywords occur as substrings of lowered.
func countMatches(lowered string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			n++
		}
	}
	return n
}
