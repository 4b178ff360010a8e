package triage

import "strings"

const (
	// FallbackConfidence is reported when no category keyword matches.
	FallbackConfidence = 0.3

	// DefaultUrgencyConfidence is reported when no urgency keyword matches.
	DefaultUrgencyConfidence = 0.5

	// urgencySaturation is the number of urgency hits that yields full confidence.
	urgencySaturation = 3.0
)

// Classifier maps grievance text to a category using keyword counts.
type Classifier struct {
	keywords *Keywords
}

// NewClassifier creates a Classifier backed by the given keyword tables.
func NewClassifier(k *Keywords) *Classifier {
	if k == nil {
		k = DefaultKeywords()
	}
	return &Classifier{keywords: k}
}

// Classify returns the best matching category and its confidence.
// The category with the most keyword hits wins, ties go to the first
// declared category. With no hits it returns CategoryOther at FallbackConfidence.
func (c *Classifier) Classify(text string) (Category, float64) {
	lowered := strings.ToLower(text)

	best := CategoryOther
	bestCount := 0
	for _, cat := range Categories {
		n := countMatches(lowered, c.keywords.categories[cat])
		if n > bestCount {
			best, bestCount = cat, n
		}
	}
	if bestCount == 0 {
		return CategoryOther, FallbackConfidence
	}

	size := len(c.keywords.categories[best])
	return best, clamp01(float64(bestCount) / float64(size))
}

// UrgencyDetector maps grievance text to an urgency level.
type UrgencyDetector struct {
	keywords *Keywords
}

// NewUrgencyDetector creates an UrgencyDetector backed by the given keyword tables.
func NewUrgencyDetector(k *Keywords) *UrgencyDetector {
	if k == nil {
		k = DefaultKeywords()
	}
	return &UrgencyDetector{keywords: k}
}

// DetectUrgency returns the urgency level with the most keyword hits.
// Low carries a baseline score of 1 so it wins when nothing else matches.
// Ties are resolved critical, high, medium, low in that order.
func (d *UrgencyDetector) DetectUrgency(text string) (Urgency, float64) {
	lowered := strings.ToLower(text)

	best := UrgencyLow
	bestScore := -1
	matched := 0
	for _, u := range Urgencies {
		score := 1
		if u != UrgencyLow {
			score = countMatches(lowered, d.keywords.urgency[u])
			matched += score
		}
		if score > bestScore {
			best, bestScore = u, score
		}
	}

	if matched == 0 {
		return UrgencyLow, DefaultUrgencyConfidence
	}
	return best, min(float64(bestScore)/urgencySaturation, 1.0)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
