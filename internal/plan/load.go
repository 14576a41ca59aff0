package plan

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// maxPlanFileSize bounds plan documents to keep parsing cheap.
const maxPlanFileSize = 1024 * 1024 // 1MB

// Parse decodes a YAML plan document.
//
// A missing plan id is filled with a generated UUID; per-phase effort
// estimates are summed into TotalHours when the document omits it.
func Parse(data []byte) (*TaskPlan, error) {
	var p TaskPlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.TotalHours == 0 {
		for i := range p.Phases {
			p.TotalHours += p.Phases[i].EstimatedHours
		}
	}
	return &p, nil
}

// Load reads and parses a YAML plan file.
func Load(path string) (*TaskPlan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat plan file: %w", err)
	}
	if info.Size() > maxPlanFileSize {
		return nil, fmt.Errorf("plan file %s exceeds %d bytes", path, maxPlanFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	return Parse(data)
}
