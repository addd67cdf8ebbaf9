package config

import (
	"encoding/json"
	"sync"

	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/schema"
	"github.com/invopop/jsonschema"
)

// GenerateSchema generates the JSON Schema for ptyhost.yml.
// Extensions are excluded; unknown top-level keys are accepted at load time.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
		// Use YAML field names for property names
		FieldNameTag: "yaml",
	}

	schema := r.Reflect(&Config{})
	schema.Title = "ptyhost Configuration"
	schema.Description = "Schema for ptyhost.yml properties."

	return json.MarshalIndent(schema, "", "  ")
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidateSchema validates cfg against the generated schema.
func ValidateSchema(cfg *Config) error {
	validatorOnce.Do(func() {
		var data []byte
		data, validatorErr = GenerateSchema()
		if validatorErr == nil {
			validator, validatorErr = schema.NewValidator("ptyhost.json", data)
		}
	})
	if validatorErr != nil {
		return errors.Wrap(validatorErr, errors.ErrCodeInternal, "failed to build config schema")
	}

	if err := validator.Validate(cfg); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "schema validation failed")
	}
	return nil
}
