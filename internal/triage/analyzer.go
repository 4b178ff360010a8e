package triage

// Analyzer runs the full triage pipeline over one submission.
type Analyzer struct {
	classifier *Classifier
	urgency    *UrgencyDetector
	duplicates *DuplicateDetector
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithKeywords replaces the built-in keyword tables.
func WithKeywords(k *Keywords) AnalyzerOption {
	return func(a *Analyzer) {
		a.classifier = NewClassifier(k)
		a.urgency = NewUrgencyDetector(k)
	}
}

// WithSimilarityThreshold sets the duplicate similarity threshold.
func WithSimilarityThreshold(threshold float64) AnalyzerOption {
	return func(a *Analyzer) {
		a.duplicates = NewDuplicateDetector(threshold)
	}
}

// NewAnalyzer creates an Analyzer with default keywords and threshold.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	k := DefaultKeywords()
	a := &Analyzer{
		classifier: NewClassifier(k),
		urgency:    NewUrgencyDetector(k),
		duplicates: NewDuplicateDetector(DefaultSimilarityThreshold),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies text, detects its urgency, looks for a duplicate among
// priors and scores the result. The second return value carries a duplicate
// detection failure, in which case the analysis treats the text as unique.
func (a *Analyzer) Analyze(text string, priors []Prior) (Analysis, error) {
	cat, catConf := a.classifier.Classify(text)
	urg, urgConf := a.urgency.DetectUrgency(text)
	dup := a.duplicates.Detect(text, priors)

	conf := (catConf + urgConf) / 2
	return Analysis{
		Category:           cat,
		CategoryConfidence: catConf,
		Urgency:            urg,
		UrgencyConfidence:  urgConf,
		Confidence:         conf,
		Duplicate:          dup.Match,
		Priority:           Score(urg, dup.Match != nil, conf),
	}, dup.Err
}
