// Package riskmodel loads the trained risk model artifact and evaluates it.
// A Handle is immutable after Load and safe for concurrent use.
package riskmodel

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"risk-gateway/internal/common/errors"
)

// FeatureVector maps feature names to numbers or strings.
type FeatureVector map[string]any

// Row is a FeatureVector encoded in schema order. Categorical values are
// stored as their dictionary code; unknown categories encode as -1.
type Row []float64

const unknownCategory = -1

type node struct {
	feature   int // -1 for leaves
	threshold float64
	category  bool
	left      int32
	right     int32
	value     float64
}

type tree []node

// Handle is a loaded, read-only model.
type Handle struct {
	name        string
	version     string
	features    []Feature
	index       map[string]int
	dicts       []map[string]float64
	trees       []tree
	aggregation string
	baseScore   float64
	reference   []FeatureVector
	baseline    float64
}

// LoadFile reads and compiles the artifact at path.
func LoadFile(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewModelLoadError(fmt.Errorf("open artifact: %w", err))
	}
	defer f.Close()
	return Load(f)
}

// Load decodes an artifact from r and compiles it.
func Load(r io.Reader) (*Handle, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var a Artifact
	if err := dec.Decode(&a); err != nil {
		return nil, errors.NewModelLoadError(fmt.Errorf("decode artifact: %w", err))
	}
	return Build(a)
}

// Build compiles an in-memory artifact. Every structural problem is reported
// as MODEL_LOAD_ERROR.
func Build(a Artifact) (*Handle, error) {
	h := &Handle{
		name:        a.Name,
		version:     a.Version,
		aggregation: a.Aggregation,
		baseScore:   a.BaseScore,
	}
	if h.aggregation == "" {
		h.aggregation = AggregateMean
	}
	if h.aggregation != AggregateMean && h.aggregation != AggregateSum {
		return nil, loadErr("unsupported aggregation %q", a.Aggregation)
	}
	if math.IsNaN(a.BaseScore) || math.IsInf(a.BaseScore, 0) {
		return nil, loadErr("base_score must be finite")
	}

	if err := h.compileSchema(a.Features); err != nil {
		return nil, err
	}
	if err := h.compileTrees(a.Trees); err != nil {
		return nil, err
	}
	if err := h.compileReference(a.Reference); err != nil {
		return nil, err
	}
	return h, nil
}

func loadErr(format string, args ...any) error {
	return errors.NewModelLoadError(fmt.Errorf(format, args...))
}

func (h *Handle) compileSchema(features []Feature) error {
	if len(features) == 0 {
		return loadErr("artifact declares no features")
	}
	h.features = make([]Feature, len(features))
	h.index = make(map[string]int, len(features))
	h.dicts = make([]map[string]float64, len(features))

	for i, f := range features {
		if f.Name == "" {
			return loadErr("feature %d has no name", i)
		}
		if _, dup := h.index[f.Name]; dup {
			return loadErr("duplicate feature %q", f.Name)
		}
		switch f.Type {
		case Numeric:
			if len(f.Categories) > 0 {
				return loadErr("numeric feature %q declares categories", f.Name)
			}
		case Categorical:
			h.dicts[i] = make(map[string]float64, len(f.Categories))
			for _, c := range f.Categories {
				if _, dup := h.dicts[i][c]; dup {
					return loadErr("feature %q repeats category %q", f.Name, c)
				}
				h.dicts[i][c] = float64(len(h.dicts[i]))
			}
		default:
			return loadErr("feature %q has unsupported type %q", f.Name, f.Type)
		}
		h.index[f.Name] = i
		h.features[i] = Feature{
			Name:       f.Name,
			Type:       f.Type,
			Categories: append([]string(nil), f.Categories...),
		}
	}
	return nil
}

func (h *Handle) compileTrees(specs []TreeSpec) error {
	if len(specs) == 0 {
		return loadErr("artifact contains no trees")
	}
	h.trees = make([]tree, len(specs))
	for t, spec := range specs {
		if len(spec.Nodes) == 0 {
			return loadErr("tree %d has no nodes", t)
		}
		compiled := make(tree, len(spec.Nodes))
		for i, n := range spec.Nodes {
			cn, err := h.compileNode(n, i, len(spec.Nodes))
			if err != nil {
				return loadErr("tree %d node %d: %v", t, i, err)
			}
			compiled[i] = cn
		}
		h.trees[t] = compiled
	}
	return nil
}

func (h *Handle) compileNode(n NodeSpec, i, count int) (node, error) {
	if n.Leaf != nil {
		if n.Feature != "" {
			return node{}, fmt.Errorf("leaf must not name a feature")
		}
		if math.IsNaN(*n.Leaf) || math.IsInf(*n.Leaf, 0) {
			return node{}, fmt.Errorf("leaf value must be finite")
		}
		return node{feature: -1, value: *n.Leaf}, nil
	}

	idx, ok := h.index[n.Feature]
	if !ok {
		return node{}, fmt.Errorf("unknown feature %q", n.Feature)
	}
	// Children after their parent keeps every tree acyclic.
	if n.Left <= i || n.Left >= count || n.Right <= i || n.Right >= count {
		return node{}, fmt.Errorf("children (%d, %d) out of range", n.Left, n.Right)
	}

	out := node{feature: idx, left: int32(n.Left), right: int32(n.Right)}
	switch h.features[idx].Type {
	case Numeric:
		if n.Threshold == nil || n.Category != nil {
			return node{}, fmt.Errorf("numeric split on %q needs a threshold", n.Feature)
		}
		out.threshold = *n.Threshold
	case Categorical:
		if n.Category == nil || n.Threshold != nil {
			return node{}, fmt.Errorf("categorical split on %q needs a category", n.Feature)
		}
		dict := h.dicts[idx]
		code, known := dict[*n.Category]
		if !known {
			code = float64(len(dict))
			dict[*n.Category] = code
		}
		out.category = true
		out.threshold = code
	}
	return out, nil
}

func (h *Handle) compileReference(vectors []FeatureVector) error {
	if len(vectors) == 0 {
		return loadErr("artifact has no reference set")
	}
	h.reference = make([]FeatureVector, len(vectors))
	sum := 0.0
	for i, v := range vectors {
		row, err := h.Encode(v)
		if err != nil {
			return loadErr("reference row %d: %v", i, err)
		}
		h.reference[i] = copyVector(v)
		sum += h.PredictRow(row)
	}
	h.baseline = sum / float64(len(vectors))
	return nil
}

// Predict evaluates the model. The vector's keys must equal the schema.
func (h *Handle) Predict(vector FeatureVector) (float64, error) {
	row, err := h.Encode(vector)
	if err != nil {
		return 0, err
	}
	return h.PredictRow(row), nil
}

// Baseline is the mean prediction over the artifact's reference set.
func (h *Handle) Baseline() float64 {
	return h.baseline
}

// CheckKeys returns the schema features absent from vector and the keys of
// vector that are not in the schema, both sorted.
func (h *Handle) CheckKeys(vector FeatureVector) (missing, unexpected []string) {
	for _, f := range h.features {
		if _, ok := vector[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	for k := range vector {
		if _, ok := h.index[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}

// Encode validates vector against the schema and returns it in schema order.
func (h *Handle) Encode(vector FeatureVector) (Row, error) {
	missing, unexpected := h.CheckKeys(vector)
	if len(missing) > 0 || len(unexpected) > 0 {
		return nil, errors.NewSchemaMismatchError(missing, unexpected, describeKeys(missing, unexpected))
	}

	row := make(Row, len(h.features))
	var invalid []string
	for i, f := range h.features {
		raw := vector[f.Name]
		switch f.Type {
		case Numeric:
			x, ok := toFloat(raw)
			if !ok {
				invalid = append(invalid, fmt.Sprintf("%s: expected a finite number", f.Name))
				continue
			}
			row[i] = x
		case Categorical:
			s, ok := raw.(string)
			if !ok {
				invalid = append(invalid, fmt.Sprintf("%s: expected a string", f.Name))
				continue
			}
			code, known := h.dicts[i][s]
			if !known {
				code = unknownCategory
			}
			row[i] = code
		}
	}
	if len(invalid) > 0 {
		return nil, errors.NewSchemaMismatchError(nil, nil, strings.Join(invalid, "; ")).
			WithMetadata(map[string]interface{}{"errors": invalid})
	}
	return row, nil
}

// PredictRow evaluates an encoded row. It performs no validation.
func (h *Handle) PredictRow(row Row) float64 {
	sum := 0.0
	for _, t := range h.trees {
		sum += t.eval(row)
	}
	if h.aggregation == AggregateMean {
		sum /= float64(len(h.trees))
	}
	return h.baseScore + sum
}

func (t tree) eval(row Row) float64 {
	i := int32(0)
	for {
		n := &t[i]
		if n.feature < 0 {
			return n.value
		}
		x := row[n.feature]
		var goLeft bool
		if n.category {
			goLeft = x == n.threshold
		} else {
			goLeft = x < n.threshold
		}
		if goLeft {
			i = n.left
		} else {
			i = n.right
		}
	}
}

// Schema returns a copy of the ordered feature schema.
func (h *Handle) Schema() []Feature {
	out := make([]Feature, len(h.features))
	for i, f := range h.features {
		out[i] = Feature{Name: f.Name, Type: f.Type, Categories: append([]string(nil), f.Categories...)}
	}
	return out
}

// FeatureNames returns the schema feature names in order.
func (h *Handle) FeatureNames() []string {
	out := make([]string, len(h.features))
	for i, f := range h.features {
		out[i] = f.Name
	}
	return out
}

func (h *Handle) NumFeatures() int { return len(h.features) }
func (h *Handle) Name() string     { return h.name }
func (h *Handle) Version() string  { return h.version }

// Reference returns a deep copy of the artifact's reference set.
func (h *Handle) Reference() []FeatureVector {
	out := make([]FeatureVector, len(h.reference))
	for i, v := range h.reference {
		out[i] = copyVector(v)
	}
	return out
}

func copyVector(v FeatureVector) FeatureVector {
	out := make(FeatureVector, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

func describeKeys(missing, unexpected []string) string {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(unexpected, ", "))
	}
	return strings.Join(parts, " | ")
}

// NumericValue reports v as a finite float64. JSON numbers that overflow
// float64 are rejected.
func NumericValue(v any) (float64, bool) {
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	var x float64
	switch n := v.(type) {
	case float64:
		x = n
	case float32:
		x = float64(n)
	case int:
		x = float64(n)
	case int32:
		x = float64(n)
	case int64:
		x = float64(n)
	case uint:
		x = float64(n)
	case uint32:
		x = float64(n)
	case uint64:
		x = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		x = f
	default:
		return 0, false
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	return x, true
}
