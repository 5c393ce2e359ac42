package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "field-simulator/config.schema.json"

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["field", "barn", "tractor", "learning", "run"],
  "properties": {
    "field": {
      "type": "object",
      "required": ["rows", "cols", "row_spacing", "col_spacing", "infected_fraction"],
      "properties": {
        "rows": {"type": "integer", "minimum": 1},
        "cols": {"type": "integer", "minimum": 1},
        "row_spacing": {"type": "number", "exclusiveMinimum": 0},
        "col_spacing": {"type": "number", "exclusiveMinimum": 0},
        "infected_fraction": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "barn": {
      "type": "object",
      "required": ["position", "radius"],
      "properties": {
        "radius": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "tractor": {
      "type": "object",
      "required": ["starts", "fuel_max", "herbicide_max"],
      "properties": {
        "starts": {"type": "array", "minItems": 1},
        "herbicide_count": {"type": "integer", "minimum": 0},
        "fuel_max": {"type": "number", "exclusiveMinimum": 0},
        "herbicide_max": {"type": "number", "exclusiveMinimum": 0},
        "refill_fuel_threshold": {"type": "number", "minimum": 0},
        "work_duration": {"type": "number", "exclusiveMinimum": 0},
        "work_fuel_cost": {"type": "number", "minimum": 0},
        "stopping_distance": {"type": "number", "exclusiveMinimum": 0},
        "move_speed": {"type": "number", "exclusiveMinimum": 0},
        "turn_speed_deg": {"type": "number", "exclusiveMinimum": 0},
        "fuel_per_unit": {"type": "number", "minimum": 0}
      }
    },
    "learning": {
      "type": "object",
      "properties": {
        "alpha": {"type": "number", "minimum": 0, "maximum": 1},
        "gamma": {"type": "number", "minimum": 0, "maximum": 1},
        "epsilon": {"type": "number", "minimum": 0, "maximum": 1},
        "decision_interval": {"type": "number", "exclusiveMinimum": 0},
        "time_penalty": {"type": "number", "minimum": 0},
        "target_mode": {"enum": ["role", "reference"]}
      }
    },
    "run": {
      "type": "object",
      "properties": {
        "tick_seconds": {"type": "number", "exclusiveMinimum": 0},
        "max_ticks": {"type": "integer", "minimum": 0},
        "sample_every_seconds": {"type": "number", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString(schemaURL, schemaJSON)
	})
	return schema, schemaErr
}

// Validate 先做 JSON Schema 校验, 再做跨字段检查。
func Validate(cfg Config) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Tractor.HerbicideCount > len(cfg.Tractor.Starts) {
		return fmt.Errorf("invalid config: herbicide_count %d exceeds %d spawn points",
			cfg.Tractor.HerbicideCount, len(cfg.Tractor.Starts))
	}
	if cfg.Tractor.RefillFuelThreshold >= cfg.Tractor.FuelMax {
		return errors.New("invalid config: refill_fuel_threshold must be below fuel_max")
	}
	return nil
}
