package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/beacon/pkg/telemetry"
	"github.com/xeipuuv/gojsonschema"
)

const eventsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"definitions": {
		"event": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"type": "string", "minLength": 1},
				"timestamp": {"type": "string", "format": "date-time"},
				"pageViewId": {"type": "string"},
				"payload": {}
			}
		}
	},
	"oneOf": [
		{"$ref": "#/definitions/event"},
		{
			"type": "array",
			"minItems": 1,
			"maxItems": 500,
			"items": {"$ref": "#/definitions/event"}
		}
	]
}`

const routeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"fullPath": {"type": "string"},
		"timestamp": {"type": "string", "format": "date-time"}
	}
}`

// validator holds the compiled request schemas.
type validator struct {
	events *gojsonschema.Schema
	route  *gojsonschema.Schema
}

func newValidator() (*validator, error) {
	events, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(eventsSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile events schema: %w", err)
	}
	route, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(routeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile route schema: %w", err)
	}
	return &validator{events: events, route: route}, nil
}

func validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// decodeEvents validates data and decodes one event or an array of them.
func (v *validator) decodeEvents(data []byte) ([]telemetry.Event, error) {
	if err := validate(v.events, data); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []telemetry.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("failed to parse events: %w", err)
		}
		return events, nil
	}

	var ev telemetry.Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return []telemetry.Event{ev}, nil
}

// decodeRoute validates and decodes a route change.
func (v *validator) decodeRoute(data []byte) (telemetry.RouteChange, error) {
	if err := validate(v.route, data); err != nil {
		return telemetry.RouteChange{}, err
	}
	var rc telemetry.RouteChange
	if err := json.Unmarshal(data, &rc); err != nil {
		return telemetry.RouteChange{}, fmt.Errorf("failed to parse route change: %w", err)
	}
	return rc, nil
}
