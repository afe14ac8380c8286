package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"formsync/internal/record"
	"formsync/internal/supervisor"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getPathArg accepts a location as an array of segments or a
// comma-separated string.
func getPathArg(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []interface{}:
		var out []string
		for _, seg := range v {
			if s := strings.TrimSpace(fmt.Sprintf("%v", seg)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return record.ParseLocation(v)
	}
	return nil
}

func scopeArgs(args map[string]interface{}) supervisor.Scope {
	return supervisor.Scope{
		Program:      getStringArg(args, "program"),
		LocationPath: getPathArg(args, "location"),
		Period:       getStringArg(args, "period"),
	}
}

// recordArg reads the record from "record" (object or JSON text) or from the
// file named by "path".
func recordArg(args map[string]interface{}) (record.Record, error) {
	switch v := args["record"].(type) {
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return record.Record{}, fmt.Errorf("encode record: %w", err)
		}
		return record.Parse(raw)
	case string:
		if strings.TrimSpace(v) != "" {
			return record.Parse([]byte(v))
		}
	}
	if path := getStringArg(args, "path"); path != "" {
		return record.Load(path)
	}
	return record.Record{}, fmt.Errorf("record or path is required")
}

var scopeProperties = map[string]interface{}{
	"program": map[string]interface{}{
		"type":        "string",
		"description": "Form/program the record belongs to. Defaults to the record metadata, then target.default_program.",
	},
	"location": map[string]interface{}{
		"description": "Location path from the root, as an array or comma-separated string (e.g. \"Kenya, Nairobi, Kibera Clinic\").",
		"oneOf": []interface{}{
			map[string]interface{}{"type": "string"},
			map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
	},
	"period": map[string]interface{}{
		"type":        "string",
		"description": "Reporting period value or label (e.g. 202603). Defaults to the record metadata.",
	},
}

var recordProperties = map[string]interface{}{
	"record": map[string]interface{}{
		"description": "The record document: {\"metadata\": {...}, <groups>...}, as an object or JSON text.",
	},
	"path": map[string]interface{}{
		"type":        "string",
		"description": "Path of a record JSON file, used when record is absent.",
	},
}

func withProperties(sets ...map[string]interface{}) map[string]interface{} {
	props := map[string]interface{}{}
	for _, set := range sets {
		for k, v := range set {
			props[k] = v
		}
	}
	return props
}

// argString reads a resource template variable, which arrives as a string
// or a one-element slice.
func argString(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprint(value)
	}
}
