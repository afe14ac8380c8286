// Package record parses incoming facility reports and projects them onto a
// flat sourceKey -> value map.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Metadata identifies where a record is to be entered.
type Metadata struct {
	Program      string   `json:"program,omitempty"`
	LocationPath []string `json:"location_path,omitempty"`
	Period       string   `json:"period,omitempty"`
}

// Record is a parsed report ready for mapping.
type Record struct {
	Metadata Metadata
	// Fields holds the flattened data values keyed by source key.
	Fields map[string]string
	// Skipped lists keys dropped as metadata or non-data.
	Skipped []string
}

// Keys returns the source keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// nonDataKeys are descriptive or extraction bookkeeping keys that never map
// to a form field.
var nonDataKeys = map[string]bool{
	"province_name":        true,
	"health_facility_name": true,
	"month":                true,
	"year":                 true,
	"zone":                 true,
	"type":                 true,
	"raw_text":             true,
	"extraction_method":    true,
	"note":                 true,
	"error":                true,
}

// IsNonData reports whether key is excluded from mapping.
func IsNonData(key string) bool {
	return nonDataKeys[strings.ToLower(key)]
}

// Load reads and parses a record file.
func Load(path string) (Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a record document. The "metadata" object is optional; every
// other top-level key is data, with nested objects flattened using "_".
func Parse(raw []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if len(doc) == 0 {
		return Record{}, errors.New("record is empty")
	}

	rec := Record{Fields: map[string]string{}}
	if meta, ok := doc["metadata"]; ok {
		m, ok := meta.(map[string]interface{})
		if !ok {
			return Record{}, errors.New("metadata must be an object")
		}
		rec.Metadata = parseMetadata(m)
		delete(doc, "metadata")
	}

	flatten("", doc, rec.Fields, &rec.Skipped)
	sort.Strings(rec.Skipped)
	return rec, nil
}

func parseMetadata(m map[string]interface{}) Metadata {
	var md Metadata
	if v, ok := m["program"].(string); ok {
		md.Program = strings.TrimSpace(v)
	}
	if v, ok := m["period"]; ok {
		md.Period = scalar(v)
	}
	switch v := m["location_path"].(type) {
	case []interface{}:
		for _, seg := range v {
			if s := strings.TrimSpace(scalar(seg)); s != "" {
				md.LocationPath = append(md.LocationPath, s)
			}
		}
	case string:
		md.LocationPath = ParseLocation(v)
	}
	if len(md.LocationPath) == 0 {
		if v, ok := m["location"].(string); ok {
			md.LocationPath = ParseLocation(v)
		}
	}
	return md
}

// ParseLocation splits a comma-separated location path.
func ParseLocation(s string) []string {
	var out []string
	for _, seg := range strings.Split(s, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Flatten projects a nested document onto "_"-joined keys. Non-data keys at
// any depth, nulls and empty strings are dropped.
func Flatten(doc map[string]interface{}) map[string]string {
	out := map[string]string{}
	var skipped []string
	flatten("", doc, out, &skipped)
	return out
}

func flatten(prefix string, doc map[string]interface{}, out map[string]string, skipped *[]string) {
	for k, v := range doc {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if IsNonData(k) {
			*skipped = append(*skipped, key)
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out, skipped)
		case nil:
			continue
		case []interface{}:
			// arrays carry no positional meaning on the form
			*skipped = append(*skipped, key)
		default:
			s := scalar(val)
			if s == "" {
				continue
			}
			out[key] = s
		}
	}
}

func scalar(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return FormatNumber(val.String())
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// FormatNumber renders a numeric literal without a trailing ".0".
func FormatNumber(s string) string {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
