// pkg/registry/schema.go
package registry

// ActivityRegistry is the catalog of job types a modeler can place in a
// process. It is generated from the loaded model, so the feature schema in
// each InputSchema always matches what the workers accept.
type ActivityRegistry struct {
	Version      string     `json:"version"`
	LastUpdated  string     `json:"lastUpdated"`
	ModelName    string     `json:"modelName"`
	ModelVersion string     `json:"modelVersion"`
	Activities   []Activity `json:"activities"`
}

type Activity struct {
	ID           string                 `json:"id"`
	DisplayName  string                 `json:"displayName"`
	Description  string                 `json:"description"`
	Category     string                 `json:"category"`
	Version      string                 `json:"version"`
	TaskType     string                 `json:"taskType"`
	InputSchema  map[string]interface{} `json:"inputSchema"`
	OutputSchema map[string]interface{} `json:"outputSchema"`
	ErrorCodes   []string               `json:"errorCodes"`
	Timeout      string                 `json:"timeout"`
	Retries      int                    `json:"retries"`
	Tags         []string               `json:"tags"`
}
