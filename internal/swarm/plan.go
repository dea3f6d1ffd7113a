package swarm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ecrain/phalanx/pkg/models"
)

// planFile is the on-disk YAML shape for a swarm run.
type planFile struct {
	// Name labels the run in logs.
	Name string `yaml:"name"`
	// Tasks is the flat task list.
	Tasks []models.SwarmTask `yaml:"tasks"`
}

// LoadPlan reads a swarm plan from a YAML file and validates it: every
// task needs a title, titles are unique, and dependencies refer to titles
// present in the plan.
func LoadPlan(path string) ([]models.SwarmTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var plan planFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s: no tasks", path)
	}

	titles := make(map[string]bool, len(plan.Tasks))
	for i, t := range plan.Tasks {
		if t.Title == "" {
			return nil, fmt.Errorf("plan %s: task %d has no title", path, i)
		}
		if titles[t.Title] {
			return nil, fmt.Errorf("plan %s: duplicate task title %q", path, t.Title)
		}
		titles[t.Title] = true
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if !titles[dep] {
				return nil, fmt.Errorf("plan %s: task %q depends on unknown task %q", path, t.Title, dep)
			}
		}
	}

	return plan.Tasks, nil
}
