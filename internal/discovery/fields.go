package discovery

import (
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"formsync/internal/structcache"
)

// Tab is one page of the data-entry form.
type Tab struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	// Scope is the selector whose subtree holds the tab's inputs.
	Scope string `json:"scope"`
	// ClickSelector activates the tab; empty for single-page forms.
	ClickSelector string `json:"clickSelector,omitempty"`
}

// parseTabs reads tab anchors (href="#PageN") from the tab navigation markup.
func parseTabs(raw string) ([]Tab, error) {
	doc, err := parseFragment(raw)
	if err != nil {
		return nil, err
	}
	var tabs []Tab
	seen := map[string]bool{}
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.A {
			return true
		}
		href := attrOr(n, "href")
		if !strings.HasPrefix(href, "#") || len(href) < 2 {
			return true
		}
		id := href[1:]
		if seen[id] {
			return true
		}
		seen[id] = true
		tabs = append(tabs, Tab{
			ID:            id,
			Label:         collectText(n),
			Scope:         idSelector(id),
			ClickSelector: TabSelector(id),
		})
		return true
	})
	return tabs, nil
}

// TabSelector returns the anchor that activates tabID, or "" for a
// single-page form.
func TabSelector(tabID string) string {
	if tabID == "" || tabID == SinglePage {
		return ""
	}
	return `a[href="#` + tabID + `"]`
}

// Choice is one option of a select element.
type Choice struct {
	Value string
	Text  string
}

// ParseChoices lists the options of the first select in raw, skipping
// placeholders with an empty value.
func ParseChoices(raw string) ([]Choice, error) {
	doc, err := parseFragment(raw)
	if err != nil {
		return nil, err
	}
	var out []Choice
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.Option {
			return true
		}
		text := collectText(n)
		value, ok := attr(n, "value")
		if !ok {
			value = text
		}
		if value != "" {
			out = append(out, Choice{Value: value, Text: text})
		}
		return false
	})
	return out, nil
}

// inputCapable reports whether n is a data-entry element.
func inputCapable(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Select, atom.Textarea:
		return true
	case atom.Input:
		switch strings.ToLower(attrOr(n, "type")) {
		case "hidden", "submit", "button", "reset", "image", "file":
			return false
		}
		return true
	}
	return false
}

// countInputs counts input-capable elements in a tab's markup.
func countInputs(raw string) (int, error) {
	doc, err := parseFragment(raw)
	if err != nil {
		return 0, err
	}
	n := 0
	walk(doc, func(node *html.Node) bool {
		if inputCapable(node) {
			n++
		}
		return true
	})
	return n, nil
}

// extractFields turns a tab's markup into descriptors. Position counts every
// input-capable element so keys stay stable even when one is unaddressable.
func extractFields(raw string, tab Tab, now time.Time) ([]structcache.FormFieldDescriptor, error) {
	doc, err := parseFragment(raw)
	if err != nil {
		return nil, err
	}
	return fieldsIn(doc, tab, now), nil
}

func fieldsIn(doc *html.Node, tab Tab, now time.Time) []structcache.FormFieldDescriptor {
	labelsFor := map[string]string{}
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom == atom.Label {
			if target := attrOr(n, "for"); target != "" {
				labelsFor[target] = collectText(n)
			}
		}
		return true
	})

	var out []structcache.FormFieldDescriptor
	position := 0
	walk(doc, func(n *html.Node) bool {
		if !inputCapable(n) {
			return true
		}
		pos := position
		position++

		selector := elementSelector(n, tab)
		if selector == "" {
			return false
		}
		label := fieldLabel(n, labelsFor)
		if label == "" {
			return false
		}
		kind, options := valueKind(n)
		out = append(out, structcache.FormFieldDescriptor{
			FieldKey:        structcache.FieldKey(tab.ID, pos, label),
			TabID:           tab.ID,
			Position:        pos,
			ElementSelector: selector,
			Label:           label,
			ValueKind:       kind,
			OptionValues:    options,
			DiscoveredAt:    now,
		})
		return false
	})
	return out
}

func elementSelector(n *html.Node, tab Tab) string {
	if id := attrOr(n, "id"); id != "" {
		return idSelector(id)
	}
	if name := attrOr(n, "name"); name != "" {
		return tab.Scope + ` [name="` + strings.ReplaceAll(name, `"`, `\"`) + `"]`
	}
	return ""
}

// fieldLabel prefers the "<data element>||<option combo>" convention built
// from the spans sharing the input's table cell.
func fieldLabel(n *html.Node, labelsFor map[string]string) string {
	if td := ancestor(n, atom.Td); td != nil {
		var de, oc string
		walk(td, func(s *html.Node) bool {
			if s.DataAtom != atom.Span {
				return true
			}
			id := attrOr(s, "id")
			text := collectText(s)
			switch {
			case text == "":
			case de == "" && strings.Contains(id, "-dataelement"):
				de = text
			case oc == "" && strings.Contains(id, "-optioncombo"):
				oc = text
			}
			return true
		})
		if de != "" || oc != "" {
			return de + "||" + oc
		}
	}
	if id := attrOr(n, "id"); id != "" {
		if l := labelsFor[id]; l != "" {
			return l
		}
	}
	for _, name := range []string{"aria-label", "title", "name", "id"} {
		if v := strings.TrimSpace(attrOr(n, name)); v != "" {
			return v
		}
	}
	return ""
}

func valueKind(n *html.Node) (structcache.ValueKind, []string) {
	switch n.DataAtom {
	case atom.Select:
		var opts []string
		walk(n, func(o *html.Node) bool {
			if o.DataAtom == atom.Option {
				if v, ok := attr(o, "value"); ok && v == "" {
					return false
				}
				if text := collectText(o); text != "" {
					opts = append(opts, text)
				}
				return false
			}
			return true
		})
		return structcache.ValueEnum, opts
	case atom.Textarea:
		return structcache.ValueText, nil
	}
	switch strings.ToLower(attrOr(n, "type")) {
	case "checkbox", "radio":
		return structcache.ValueBoolean, nil
	case "date", "datetime-local", "month":
		return structcache.ValueDate, nil
	}
	if hasClass(n, "date") || hasClass(n, "datefield") {
		return structcache.ValueDate, nil
	}
	return structcache.ValueText, nil
}

// findID returns the first element under root with the given id.
func findID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if attrOr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}
