package riskmodel

// FeatureType distinguishes numeric inputs from categorical ones.
type FeatureType string

const (
	Numeric     FeatureType = "numeric"
	Categorical FeatureType = "categorical"
)

// Aggregation modes for combining tree outputs.
const (
	AggregateMean = "mean"
	AggregateSum  = "sum"
)

// Feature is one entry of the ordered model schema.
type Feature struct {
	Name       string      `json:"name"`
	Type       FeatureType `json:"type"`
	Categories []string    `json:"categories,omitempty"`
}

// Artifact is the serialized form of a trained tree ensemble.
type Artifact struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Aggregation string          `json:"aggregation,omitempty"`
	BaseScore   float64         `json:"base_score"`
	Features    []Feature       `json:"features"`
	Trees       []TreeSpec      `json:"trees"`
	Reference   []FeatureVector `json:"reference"`
}

// TreeSpec lists a tree's nodes; index 0 is the root.
type TreeSpec struct {
	Nodes []NodeSpec `json:"nodes"`
}

// NodeSpec is either a leaf (Leaf set) or a split on Feature. Numeric splits
// go left when value < Threshold, categorical splits when value == Category.
type NodeSpec struct {
	Feature   string   `json:"feature,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Category  *string  `json:"category,omitempty"`
	Left      int      `json:"left,omitempty"`
	Right     int      `json:"right,omitempty"`
	Leaf      *float64 `json:"leaf,omitempty"`
}
