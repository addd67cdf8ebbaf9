// Command schema-generator writes the JSON schemas for ptyhost.yml and its
// logging section.
package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/logging"
	"github.com/invopop/jsonschema"
	"github.com/spf13/pflag"
)

func main() {
	outDir := pflag.StringP("out", "o", "schema/definitions", "Output directory")
	pflag.Parse()

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Error creating schema directory: %v", err)
	}

	configSchema, err := config.GenerateSchema()
	if err != nil {
		log.Fatalf("Error generating config schema: %v", err)
	}
	write(filepath.Join(*outDir, "ptyhost.schema.json"), configSchema)

	loggingSchema, err := generateLoggingSchema()
	if err != nil {
		log.Fatalf("Error generating logging schema: %v", err)
	}
	write(filepath.Join(*outDir, "logging.schema.json"), loggingSchema)
}

// generateLoggingSchema documents the `logging` extension section, which
// the config schema leaves open.
func generateLoggingSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}

	s := r.Reflect(&logging.Config{})
	s.Title = "ptyhost Logging Configuration"
	s.Description = "Schema for the 'logging' section of ptyhost.yml."
	s.Required = nil

	return json.MarshalIndent(s, "", "  ")
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Fatalf("Error writing %s: %v", path, err)
	}
	log.Printf("Wrote %s", path)
}
