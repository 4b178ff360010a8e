package routing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/grievd/internal/triage"
)

const seedYAML = `departments:
  - id: dept-water
    name: Water Board
    code: water
    categories: [water_supply]
    max_capacity: 50
    avg_resolution_hours: 48
  - id: dept-general
    name: General Administration
    code: general
    max_capacity: 100
    avg_resolution_hours: 96
`

func TestParseDepartments(t *testing.T) {
	t.Parallel()

	deps, err := ParseDepartments([]byte(seedYAML))
	if err != nil {
		t.Fatalf("ParseDepartments: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("len = %d, want 2", len(deps))
	}
	if deps[0].ID != "dept-water" || deps[0].MaxCapacity != 50 || deps[0].AvgResolutionHours != 48 {
		t.Errorf("deps[0] = %+v", deps[0])
	}
	if len(deps[0].Categories) != 1 || deps[0].Categories[0] != "water_supply" {
		t.Errorf("Categories = %v", deps[0].Categories)
	}
}

func TestParseDepartments_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "departments: [", "decode yaml"},
		{"missing id", "departments:\n  - name: X\n    code: x\n    max_capacity: 1\n", "id is required"},
		{"zero capacity", "departments:\n  - id: a\n    name: A\n    code: a\n", "max_capacity must be >= 1"},
		{"negative load", "departments:\n  - id: a\n    name: A\n    code: a\n    max_capacity: 1\n    current_load: -1\n", "current_load must be >= 0"},
		{"duplicate id", "departments:\n  - {id: a, name: A, code: a, max_capacity: 1}\n  - {id: a, name: B, code: b, max_capacity: 1}\n", "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseDepartments([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDepartments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "departments.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	deps, err := LoadDepartments(path)
	if err != nil {
		t.Fatalf("LoadDepartments: %v", err)
	}
	if len(deps) != 2 {
		t.Errorf("len = %d, want 2", len(deps))
	}

	if _, err := LoadDepartments(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDepartment_HasCapacity(t *testing.T) {
	t.Parallel()

	d := Department{MaxCapacity: 2, CurrentLoad: 1}
	if !d.HasCapacity() {
		t.Error("1/2 should have capacity")
	}
	d.CurrentLoad = 2
	if d.HasCapacity() {
		t.Error("2/2 should be full")
	}
}

func TestDefaultDepartments(t *testing.T) {
	t.Parallel()

	deps := DefaultDepartments()
	codes := make(map[string]bool, len(deps))
	for _, d := range deps {
		codes[d.Code] = true
	}
	for _, c := range triage.Categories {
		if !codes[CodeFor(c)] {
			t.Errorf("no default department for %s (code %s)", c, CodeFor(c))
		}
	}
}
