package triage

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"
)

// DefaultSimilarityThreshold is the cosine similarity at or above which a
// prior grievance counts as a duplicate.
const DefaultSimilarityThreshold = 0.75

// ErrEmptyVocabulary is reported when no document yields a usable term.
var ErrEmptyVocabulary = errors.New("empty vocabulary; texts contain only stop words or single characters")

// DuplicateResult is the outcome of a duplicate check. Match is nil when no
// prior is similar enough. Err is set when vectorization failed and the check
// degraded to "no match"; callers log it and carry on.
type DuplicateResult struct {
	Match *Match
	Err   error
}

// DuplicateDetector finds the most similar prior grievance using
// TF-IDF vectors and cosine similarity.
type DuplicateDetector struct {
	threshold float64
}

// NewDuplicateDetector creates a detector with the given threshold.
// A threshold outside (0,1] falls back to DefaultSimilarityThreshold.
func NewDuplicateDetector(threshold float64) *DuplicateDetector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	return &DuplicateDetector{threshold: threshold}
}

// Threshold returns the configured similarity threshold.
func (d *DuplicateDetector) Threshold() float64 { return d.threshold }

// Detect compares text against priors and reports the nearest prior whose
// similarity reaches the threshold. Ties go to the earliest prior in the slice.
func (d *DuplicateDetector) Detect(text string, priors []Prior) DuplicateResult {
	if len(priors) == 0 {
		return DuplicateResult{}
	}

	docs := make([]string, 0, len(priors)+1)
	docs = append(docs, text)
	for _, p := range priors {
		docs = append(docs, p.Text)
	}

	vectors, err := tfidf(docs)
	if err != nil {
		return DuplicateResult{Err: fmt.Errorf("vectorize: %w", err)}
	}

	bestIdx := -1
	bestSim := -1.0
	for i := 1; i < len(vectors); i++ {
		sim := cosine(vectors[0], vectors[i])
		if sim > bestSim {
			bestIdx, bestSim = i-1, sim
		}
	}

	// rounding can push identical vectors a hair over 1
	bestSim = clamp01(bestSim)
	if bestIdx < 0 || bestSim < d.threshold {
		return DuplicateResult{}
	}

	p := priors[bestIdx]
	return DuplicateResult{Match: &Match{
		GrievanceID: p.ID,
		Similarity:  bestSim,
		Text:        p.Text,
		Status:      p.Status,
	}}
}

// tfidf builds l2-normalised TF-IDF vectors for docs over a sorted vocabulary.
// idf uses the smoothed form ln((1+n)/(1+df)) + 1.
func tfidf(docs []string) ([][]float64, error) {
	counts := make([]map[string]int, len(docs))
	df := make(map[string]int)
	for i, doc := range docs {
		counts[i] = make(map[string]int)
		for _, tok := range tokenize(doc) {
			if counts[i][tok] == 0 {
				df[tok]++
			}
			counts[i][tok]++
		}
	}
	if len(df) == 0 {
		return nil, ErrEmptyVocabulary
	}

	vocab := make([]string, 0, len(df))
	for term := range df {
		vocab = append(vocab, term)
	}
	slices.Sort(vocab)

	n := float64(len(docs))
	idf := make([]float64, len(vocab))
	for j, term := range vocab {
		idf[j] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}

	vectors := make([][]float64, len(docs))
	for i := range docs {
		v := make([]float64, len(vocab))
		var norm float64
		for j, term := range vocab {
			w := float64(counts[i][term]) * idf[j]
			v[j] = w
			norm += w * w
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for j := range v {
				v[j] /= norm
			}
		}
		vectors[i] = v
	}
	return vectors, nil
}

// cosine assumes both vectors are l2-normalised or zero.
func cosine(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

// tokenize lower-cases s and splits it into runs of letters and digits,
// dropping single-character tokens and English stop words.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
