// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

func LoadRegistry(path string) (*ActivityRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg ActivityRegistry
	err = json.Unmarshal(data, &reg)
	return &reg, err
}

// Find returns the activity registered for taskType.
func (r *ActivityRegistry) Find(taskType string) (Activity, bool) {
	for _, a := range r.Activities {
		if a.TaskType == taskType {
			return a, true
		}
	}
	return Activity{}, false
}

// Add registers a, rejecting duplicate task types. Activities stay sorted by ID.
func (r *ActivityRegistry) Add(a Activity) error {
	if a.TaskType == "" {
		return fmt.Errorf("activity %q has no task type", a.ID)
	}
	if _, exists := r.Find(a.TaskType); exists {
		return fmt.Errorf("task type %q already registered", a.TaskType)
	}
	r.Activities = append(r.Activities, a)
	sort.Slice(r.Activities, func(i, j int) bool { return r.Activities[i].ID < r.Activities[j].ID })
	return nil
}

// Write encodes the registry as indented JSON.
func (r *ActivityRegistry) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
