package structcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ValueKind is the input shape of a form field.
type ValueKind string

const (
	ValueText    ValueKind = "text"
	ValueEnum    ValueKind = "enum"
	ValueDate    ValueKind = "date"
	ValueBoolean ValueKind = "boolean"
)

// FormFieldDescriptor describes one input-capable element of the remote form.
type FormFieldDescriptor struct {
	FieldKey        string    `json:"fieldKey"`
	TabID           string    `json:"tabId"`
	Position        int       `json:"position"`
	ElementSelector string    `json:"elementSelector"`
	Label           string    `json:"label"`
	ValueKind       ValueKind `json:"valueKind"`
	OptionValues    []string  `json:"optionValues,omitempty"`
	DiscoveredAt    time.Time `json:"discoveredAt"`
}

// FieldKey derives the stable key for a field from its tab, position and label.
func FieldKey(tabID string, position int, label string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x1f%d\x1f%s", tabID, position, label)))
	return hex.EncodeToString(sum[:])[:16]
}

// FormFingerprint summarizes the shape of the form without its contents.
type FormFingerprint struct {
	TabsFound         int            `json:"tabsFound"`
	FieldCountsPerTab map[string]int `json:"fieldCountsPerTab"`
	TotalFields       int            `json:"totalFields"`
	Hash              string         `json:"hash,omitempty"`
}

// FingerprintOf computes the fingerprint of a field inventory.
func FingerprintOf(fields []FormFieldDescriptor) FormFingerprint {
	fp := FormFingerprint{FieldCountsPerTab: map[string]int{}}
	h := sha256.New()
	for _, f := range fields {
		fp.FieldCountsPerTab[f.TabID]++
		fp.TotalFields++
		h.Write([]byte(f.FieldKey))
	}
	fp.TabsFound = len(fp.FieldCountsPerTab)
	fp.Hash = hex.EncodeToString(h.Sum(nil))[:16]
	return fp
}

// Drift compares a cached fingerprint against a live one. It reports drift
// when the tab count changes, the total moves by more than 10%, or any tab
// moves by more than max(5, 15%).
func (f FormFingerprint) Drift(live FormFingerprint) (bool, string) {
	if f.TabsFound != live.TabsFound {
		return true, fmt.Sprintf("tab count changed: %d -> %d", f.TabsFound, live.TabsFound)
	}
	if f.TotalFields > 0 {
		delta := abs(live.TotalFields - f.TotalFields)
		if float64(delta)/float64(f.TotalFields) > 0.10 {
			return true, fmt.Sprintf("total fields changed: %d -> %d", f.TotalFields, live.TotalFields)
		}
	}
	for tab, cached := range f.FieldCountsPerTab {
		now, ok := live.FieldCountsPerTab[tab]
		if !ok {
			return true, fmt.Sprintf("tab %s disappeared", tab)
		}
		limit := 0.15 * float64(cached)
		if limit < 5 {
			limit = 5
		}
		if float64(abs(now-cached)) > limit {
			return true, fmt.Sprintf("tab %s fields changed: %d -> %d", tab, cached, now)
		}
	}
	return false, ""
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// FieldInventory is the payload of a fields cache entry.
type FieldInventory struct {
	Program     string                `json:"program"`
	Fields      []FormFieldDescriptor `json:"fields"`
	Fingerprint FormFingerprint       `json:"fingerprint"`
}

// Lookup returns the descriptor with the given key.
func (inv FieldInventory) Lookup(key string) (FormFieldDescriptor, bool) {
	for _, f := range inv.Fields {
		if f.FieldKey == key {
			return f, true
		}
	}
	return FormFieldDescriptor{}, false
}

// Tabs returns tab IDs in first-seen order.
func (inv FieldInventory) Tabs() []string {
	seen := map[string]bool{}
	var tabs []string
	for _, f := range inv.Fields {
		if !seen[f.TabID] {
			seen[f.TabID] = true
			tabs = append(tabs, f.TabID)
		}
	}
	return tabs
}

// LocationNode is one organizational unit in the remote location tree.
type LocationNode struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	ParentID     string    `json:"parentId,omitempty"`
	PathSegments []string  `json:"pathSegments"`
	Level        int       `json:"level"`
	Selectable   bool      `json:"selectable"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// Hierarchy is the payload of a locations cache entry.
type Hierarchy struct {
	Nodes []LocationNode `json:"nodes"`
}

// Children returns the direct children of parentID in stored order.
// An empty parentID yields the roots.
func (h Hierarchy) Children(parentID string) []LocationNode {
	var out []LocationNode
	for _, n := range h.Nodes {
		if n.ParentID == parentID {
			out = append(out, n)
		}
	}
	return out
}

// Walk matches path segments one at a time from the roots. It returns the
// nodes matched so far and the index of the first segment that did not match,
// or -1 when the whole path resolved.
func (h Hierarchy) Walk(path []string) ([]LocationNode, int) {
	var matched []LocationNode
	parent := ""
	for i, seg := range path {
		want := normalizeSegment(seg)
		var hit *LocationNode
		for _, n := range h.Children(parent) {
			if normalizeSegment(n.DisplayName) == want {
				n := n
				hit = &n
				break
			}
		}
		if hit == nil {
			return matched, i
		}
		matched = append(matched, *hit)
		parent = hit.ID
	}
	return matched, -1
}

// HasChildren reports whether any node lists id as its parent.
func (h Hierarchy) HasChildren(id string) bool {
	for _, n := range h.Nodes {
		if n.ParentID == id {
			return true
		}
	}
	return false
}

func normalizeSegment(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
