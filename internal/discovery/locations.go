package discovery

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"formsync/internal/structcache"
)

const orgUnitPrefix = "orgUnit"

// ToggleSelector is the expand control of a tree node.
func ToggleSelector(nodeID string) string {
	return NodeSelector(nodeID) + " > span.toggle"
}

// LinkSelector is the anchor that selects a tree node.
func LinkSelector(nodeID string) string {
	return NodeSelector(nodeID) + " > a"
}

// NodeSelector is the list item of a tree node.
func NodeSelector(nodeID string) string {
	return idSelector(orgUnitPrefix + nodeID)
}

// Expanded reports whether the markup of node nodeID already shows child
// units.
func Expanded(raw, nodeID string) (bool, error) {
	nodes, err := parseTree(raw)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.parentID == nodeID {
			return true, nil
		}
	}
	return false, nil
}

// treeNode is a parsed li[id^=orgUnit] element.
type treeNode struct {
	id        string
	name      string
	parentID  string
	level     int
	hasToggle bool
	marked    bool
	children  int
}

// parseTree extracts every org unit node in the markup in document order.
func parseTree(raw string) ([]treeNode, error) {
	doc, err := parseFragment(raw)
	if err != nil {
		return nil, err
	}

	var nodes []treeNode
	index := map[*html.Node]int{}
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.Li {
			return true
		}
		rawID := attrOr(n, "id")
		if !strings.HasPrefix(rawID, orgUnitPrefix) || len(rawID) == len(orgUnitPrefix) {
			return true
		}

		tn := treeNode{id: strings.TrimPrefix(rawID, orgUnitPrefix)}
		if a := firstChildElement(n, atom.A); a != nil {
			tn.name = collectText(a)
		}
		if tn.name == "" {
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Span && hasClass(c, "toggle") {
				tn.hasToggle = true
			}
		}
		tn.marked = hasClass(n, "leaf") || hasClass(n, "selectable") || attrOr(n, "selectable") == "true"

		depth := 0
		for p := n.Parent; p != nil; p = p.Parent {
			if i, ok := index[p]; ok {
				if tn.parentID == "" {
					tn.parentID = nodes[i].id
					nodes[i].children++
				}
				depth++
			}
		}
		tn.level = depth + 1
		if lv, err := strconv.Atoi(attrOr(n, "level")); err == nil && lv > 0 {
			tn.level = lv
		}

		index[n] = len(nodes)
		nodes = append(nodes, tn)
		return true
	})
	return nodes, nil
}

// buildHierarchy converts parsed nodes to cached LocationNodes. Selectable
// means the node has no child list after expansion, or the target marks it.
// Sibling name collisions keep the first node so every path stays unique.
func buildHierarchy(nodes []treeNode, expanded map[string]bool, now time.Time) (structcache.Hierarchy, []string) {
	byID := map[string]treeNode{}
	for _, n := range nodes {
		byID[n.id] = n
	}

	var (
		h          structcache.Hierarchy
		dropped    []string
		siblingKey = map[string]bool{}
		kept       = map[string]bool{}
	)
	for _, n := range nodes {
		if _, dup := kept[n.id]; dup {
			continue
		}
		if n.parentID != "" && !kept[n.parentID] {
			dropped = append(dropped, n.id)
			continue
		}
		key := n.parentID + "\x1f" + strings.ToLower(n.name)
		if siblingKey[key] {
			dropped = append(dropped, n.id)
			continue
		}
		siblingKey[key] = true
		kept[n.id] = true

		var path []string
		for cur := n; ; {
			path = append([]string{cur.name}, path...)
			if cur.parentID == "" {
				break
			}
			cur = byID[cur.parentID]
		}

		leaf := n.children == 0 && (!n.hasToggle || expanded[n.id])
		h.Nodes = append(h.Nodes, structcache.LocationNode{
			ID:           n.id,
			DisplayName:  n.name,
			ParentID:     n.parentID,
			PathSegments: path,
			Level:        n.level,
			Selectable:   n.marked || leaf,
			DiscoveredAt: now,
		})
	}
	return h, dropped
}
