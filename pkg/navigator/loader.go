package navigator

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	routineSchemaOnce sync.Once
	routineSchema     *jsonschema.Schema
	routineSchemaErr  error
)

func compiledRoutineSchema() (*jsonschema.Schema, error) {
	routineSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("routine.json", strings.NewReader(RoutineSchema)); err != nil {
			routineSchemaErr = err
			return
		}
		routineSchema, routineSchemaErr = c.Compile("routine.json")
	})
	return routineSchema, routineSchemaErr
}

// ValidateRoutine checks a YAML or JSON routine document against
// RoutineSchema
func ValidateRoutine(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types only.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("routine is not representable as JSON: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}

	schema, err := compiledRoutineSchema()
	if err != nil {
		return fmt.Errorf("compile routine schema: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("routine does not match schema: %w", err)
	}
	return nil
}

// LoadRoutine parses a YAML or JSON routine document
func LoadRoutine(data []byte) (*RoutineConfig, error) {
	if err := ValidateRoutine(data); err != nil {
		return nil, err
	}
	var cfg RoutineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse routine: %w", err)
	}
	return &cfg, nil
}

// LoadRoutineFile reads and parses a routine file
func LoadRoutineFile(path string) (*RoutineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routine file: %w", err)
	}
	return LoadRoutine(data)
}
