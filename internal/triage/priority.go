package triage

// duplicatePenalty scales down the priority of suspected duplicates.
const duplicatePenalty = 0.5

// urgencyBase returns the base priority for an urgency level.
func urgencyBase(u Urgency) float64 {
	switch u {
	case UrgencyCritical:
		return 1.0
	case UrgencyHigh:
		return 0.75
	case UrgencyMedium:
		return 0.5
	case UrgencyLow:
		return 0.25
	}
	return 0
}

// Score combines urgency, duplication and confidence into a priority in [0,1].
func Score(u Urgency, isDuplicate bool, confidence float64) float64 {
	score := urgencyBase(u)
	if isDuplicate {
		score *= duplicatePenalty
	}
	score *= confidence
	return clamp01(score)
}
