package triage

import "fmt"

// Category is the subject-matter classification of a grievance.
type Category string

const (
	CategoryWaterSupply     Category = "water_supply"
	CategoryRoadMaintenance Category = "road_maintenance"
	CategoryElectricity     Category = "electricity"
	CategoryWasteManagement Category = "waste_management"
	CategoryPublicHealth    Category = "public_health"
	CategoryEducation       Category = "education"
	CategoryPolice          Category = "police"
	CategoryMunicipal       Category = "municipal"
	CategoryTransport       Category = "transport"
	CategoryEnvironment     Category = "environment"

	// CategoryOther is the fallback when no keyword matches.
	CategoryOther Category = "other"
)

// Categories lists every keyword-backed category in declaration order.
// Classifier ties are broken by this order, first wins.
var Categories = []Category{
	CategoryWaterSupply,
	CategoryRoadMaintenance,
	CategoryElectricity,
	CategoryWasteManagement,
	CategoryPublicHealth,
	CategoryEducation,
	CategoryPolice,
	CategoryMunicipal,
	CategoryTransport,
	CategoryEnvironment,
}

// Valid reports whether c is a known category, including the fallback.
func (c Category) Valid() bool {
	switch c {
	case CategoryWaterSupply, CategoryRoadMaintenance, CategoryElectricity,
		CategoryWasteManagement, CategoryPublicHealth, CategoryEducation,
		CategoryPolice, CategoryMunicipal, CategoryTransport, CategoryEnvironment,
		CategoryOther:
		return true
	}
	return false
}

// ParseCategory converts a wire value to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Urgency is the detected severity of a grievance.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Urgencies lists levels from most to least severe. Urgency ties are
// broken by this order.
var Urgencies = []Urgency{UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow}

// Valid reports whether u is a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow:
		return true
	}
	return false
}

// ParseUrgency converts a wire value to an Urgency.
func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(s)
	if !u.Valid() {
		return "", fmt.Errorf("unknown urgency %q", s)
	}
	return u, nil
}

// Prior is an existing grievance considered during duplicate detection.
type Prior struct {
	ID     string
	Text   string
	Status string
}

// Match describes the nearest prior grievance above the similarity threshold.
type Match struct {
	GrievanceID string  `json:"grievance_id"`
	Similarity  float64 `json:"similarity"`
	Text        string  `json:"text"`
	Status      string  `json:"status"`
}

// Analysis is the combined output of the triage pipeline for one text.
type Analysis struct {
	Category           Category `json:"category"`
	CategoryConfidence float64  `json:"category_confidence"`
	Urgency            Urgency  `json:"urgency"`
	UrgencyConfidence  float64  `json:"urgency_confidence"`
	Confidence         float64  `json:"confidence"`
	Duplicate          *Match   `json:"duplicate,omitempty"`
	Priority           float64  `json:"priority"`
}

// IsDuplicate reports whether the analysis found a duplicate match.
func (a *Analysis) IsDuplicate() bool { return a.Duplicate != nil }
