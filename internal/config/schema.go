package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/story-memory/internal/model"
)

// LoadSchema reads an attribute schema from a YAML file laid out as
// kind -> attribute -> {mutability, type, ref_kind}. Entries override the
// built-in defaults attribute by attribute. An empty path yields the defaults.
func LoadSchema(path string) (model.Schema, error) {
	schema := model.DefaultSchema()
	if path == "" {
		return schema, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes YAML schema overrides on top of the defaults.
func ParseSchema(data []byte) (model.Schema, error) {
	var overrides model.Schema
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, &model.ValidationError{Field: "schema", Reason: err.Error()}
	}
	schema := model.DefaultSchema()
	for kind, attrs := range overrides {
		if schema[kind] == nil {
			schema[kind] = make(map[string]model.AttributeSpec, len(attrs))
		}
		for name, spec := range attrs {
			schema[kind][name] = spec
		}
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}
