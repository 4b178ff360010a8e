package routing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/grievd/internal/triage"
)

// Department is an organisational unit that receives grievances.
type Department struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Code               string   `json:"code" yaml:"code"`
	Categories         []string `json:"categories,omitempty" yaml:"categories"`
	MaxCapacity        int      `json:"max_capacity" yaml:"max_capacity"`
	CurrentLoad        int      `json:"current_load" yaml:"current_load"`
	AvgResolutionHours float64  `json:"avg_resolution_hours" yaml:"avg_resolution_hours"`
}

// HasCapacity reports whether the department can take another grievance.
func (d *Department) HasCapacity() bool {
	return d.CurrentLoad < d.MaxCapacity
}

// Validate checks the department's static attributes.
func (d *Department) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Code == "" {
		errs = append(errs, errors.New("code is required"))
	}
	if d.MaxCapacity < 1 {
		errs = append(errs, fmt.Errorf("max_capacity must be >= 1, got %d", d.MaxCapacity))
	}
	if d.CurrentLoad < 0 {
		errs = append(errs, fmt.Errorf("current_load must be >= 0, got %d", d.CurrentLoad))
	}
	if d.AvgResolutionHours < 0 {
		errs = append(errs, fmt.Errorf("avg_resolution_hours must be >= 0, got %v", d.AvgResolutionHours))
	}
	if len(errs) > 0 {
		return fmt.Errorf("department %q: %w", d.ID, errors.Join(errs...))
	}
	return nil
}

var categoryCodes = map[triage.Category]string{
	triage.CategoryWaterSupply:     "water",
	triage.CategoryRoadMaintenance: "public_works",
	triage.CategoryElectricity:     "power",
	triage.CategoryWasteManagement: "sanitation",
	triage.CategoryPublicHealth:    "health",
	triage.CategoryEducation:       "education",
	triage.CategoryPolice:          "police",
	triage.CategoryMunicipal:       "municipal",
	triage.CategoryTransport:       "transport",
	triage.CategoryEnvironment:     "environment",
	triage.CategoryOther:           "general",
}

// CodeFor returns the department code responsible for a category.
// Unknown categories map to the general department.
func CodeFor(c triage.Category) string {
	if code, ok := categoryCodes[c]; ok {
		return code
	}
	return categoryCodes[triage.CategoryOther]
}

//go:embed departments.yaml
var defaultDepartmentsYAML []byte

// DefaultDepartments returns the built-in department set, one per category code.
func DefaultDepartments() []Department {
	deps, err := ParseDepartments(defaultDepartmentsYAML)
	if err != nil {
		panic(fmt.Sprintf("routing: embedded departments invalid: %v", err))
	}
	return deps
}

type departmentsFile struct {
	Departments []Department `yaml:"departments"`
}

// LoadDepartments reads a YAML department seed file.
func LoadDepartments(path string) ([]Department, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read departments file: %w", err)
	}
	return ParseDepartments(data)
}

// ParseDepartments decodes and validates a department seed document.
func ParseDepartments(data []byte) ([]Department, error) {
	var f departmentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Departments))
	var errs []error
	for i := range f.Departments {
		d := &f.Departments[i]
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Errorf("department %q: duplicate id", d.ID))
			continue
		}
		seen[d.ID] = struct{}{}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f.Departments, nil
}
