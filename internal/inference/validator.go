package inference

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/riskmodel"
)

// Validator checks a feature vector against a JSON Schema derived from the
// model's feature schema.
type Validator struct {
	features []riskmodel.Feature
	known    map[string]struct{}
	schema   *gojsonschema.Schema
}

// NewValidator compiles the schema once.
func NewValidator(features []riskmodel.Feature) (*Validator, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("feature schema is empty")
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(BuildJSONSchema(features)))
	if err != nil {
		return nil, fmt.Errorf("compile feature schema: %w", err)
	}
	known := make(map[string]struct{}, len(features))
	for _, f := range features {
		known[f.Name] = struct{}{}
	}
	return &Validator{features: features, known: known, schema: compiled}, nil
}

// BuildJSONSchema returns the draft-07 schema for the feature list.
func BuildJSONSchema(features []riskmodel.Feature) map[string]interface{} {
	properties := make(map[string]interface{}, len(features))
	required := make([]interface{}, 0, len(features))
	for _, f := range features {
		prop := map[string]interface{}{}
		switch f.Type {
		case riskmodel.Numeric:
			prop["type"] = "number"
		case riskmodel.Categorical:
			prop["type"] = "string"
			if len(f.Categories) > 0 {
				enum := make([]interface{}, len(f.Categories))
				for i, c := range f.Categories {
					enum[i] = c
				}
				prop["enum"] = enum
			}
		}
		properties[f.Name] = prop
		required = append(required, f.Name)
	}
	return map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate returns nil or a VALIDATION_FAILED error that lists every missing
// key, every unexpected key and every type or category problem.
func (v *Validator) Validate(vector riskmodel.FeatureVector) error {
	if vector == nil {
		return errors.NewValidationFailedError(v.names(), nil, []string{"features: must be an object"})
	}

	var missing, unexpected []string
	for _, f := range v.features {
		if _, ok := vector[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	for k := range vector {
		if _, ok := v.known[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	result, err := v.schema.Validate(gojsonschema.NewGoLoader(map[string]any(vector)))
	if err != nil {
		return errors.NewValidationFailedError(missing, unexpected, []string{"features: " + err.Error()})
	}

	var problems []string
	flagged := map[string]bool{}
	if !result.Valid() {
		for _, desc := range result.Errors() {
			switch desc.Type() {
			case "required", "additional_property_not_allowed":
				continue
			}
			flagged[desc.Field()] = true
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
	}
	// The schema accepts any number literal, including ones beyond float64.
	for _, f := range v.features {
		raw, ok := vector[f.Name]
		if !ok || f.Type != riskmodel.Numeric || flagged[f.Name] {
			continue
		}
		if _, ok := riskmodel.NumericValue(raw); !ok {
			problems = append(problems, f.Name+": must be a finite number")
		}
	}
	sort.Strings(problems)

	if len(missing) == 0 && len(unexpected) == 0 && len(problems) == 0 {
		return nil
	}
	return errors.NewValidationFailedError(missing, unexpected, problems)
}

func (v *Validator) names() []string {
	out := make([]string, len(v.features))
	for i, f := range v.features {
		out[i] = f.Name
	}
	sort.Strings(out)
	return out
}
