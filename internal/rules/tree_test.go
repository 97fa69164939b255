package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/homesense/event-resolver/internal/models"
)

func TestDefaultTreeShape(t *testing.T) {
	tree, err := Default()
	if err != nil {
		t.Fatalf("default tree: %v", err)
	}

	roots := tree.Roots()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	if roots[0].Name != "EVENT_Garage_Opened" || roots[1].Name != "EVENT_Front_Opened" {
		t.Fatalf("unexpected root order: %s, %s", roots[0].Name, roots[1].Name)
	}
	if roots[0].Criteria.UnitNum != 8 || roots[0].Criteria.EventCodeType != "O" || roots[0].Criteria.EventCode != "O" {
		t.Fatalf("unexpected garage criteria: %+v", roots[0].Criteria)
	}
	if roots[0].Confidence != models.ConfidenceCertain {
		t.Fatalf("expected Certain confidence, got %s", roots[0].Confidence)
	}
	if tree.Len() != 9 {
		t.Fatalf("expected 9 rules, got %d", tree.Len())
	}
}

func TestResolveByPath(t *testing.T) {
	tree, err := Default()
	if err != nil {
		t.Fatalf("default tree: %v", err)
	}

	node, children, err := tree.Resolve("EVENT_Garage_Opened.EVENT_Garage_Closed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if node.Name != "EVENT_Garage_Closed" || node.Depth != 1 {
		t.Fatalf("unexpected node: %+v", node)
	}
	if len(children) != 2 || children[0].Name != "EVENT_No_Presence" || children[1].Name != "EVENT_Presence" {
		t.Fatalf("unexpected children: %v", names(children))
	}

	noPresence := children[0].Criteria
	if !noPresence.Negate || !noPresence.RequirePresence || noPresence.WindowSeconds != 180 || noPresence.BeforeAnchor {
		t.Fatalf("unexpected criteria flags: %+v", noPresence)
	}
	if node.Criteria.WindowSeconds != DefaultWindowSeconds {
		t.Fatalf("expected default window, got %d", node.Criteria.WindowSeconds)
	}
	if children[1].Path != "EVENT_Garage_Opened.EVENT_Garage_Closed.EVENT_Presence" || !children[1].IsLeaf() {
		t.Fatalf("unexpected leaf: %+v", children[1])
	}
}

func TestResolveUnknownPath(t *testing.T) {
	tree, err := Default()
	if err != nil {
		t.Fatalf("default tree: %v", err)
	}
	_, _, err = tree.Resolve("EVENT_Garage_Opened.EVENT_Removed")
	if !errors.Is(err, ErrUnknownPath) {
		t.Fatalf("expected ErrUnknownPath, got %v", err)
	}
}

func TestWalkVisitsDepthFirst(t *testing.T) {
	tree, err := Parse([]byte(`
EVENT_A:
  resolution: a
  confidence: Low
  criteria: {unitNum: 1, eventCodeType: O, eventCode: O}
  EVENT_A1:
    resolution: a1
    confidence: Medium
    criteria: {unitNum: 1, eventCodeType: O, eventCode: C}
EVENT_B:
  resolution: b
  confidence: Low
  criteria: {unitNum: 2, eventCodeType: O, eventCode: O}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var visited []string
	tree.Walk(func(n *Node) bool {
		visited = append(visited, n.Path)
		return true
	})
	want := "EVENT_A,EVENT_A.EVENT_A1,EVENT_B"
	if got := strings.Join(visited, ","); got != want {
		t.Fatalf("walk order = %s, want %s", got, want)
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	tree, err := Parse([]byte(`{"EVENT_Door": {"resolution": "Door", "confidence": "certain",
		"criteria": {"unitNum": 6, "eventCodeType": "O", "eventCode": "O", "windowSeconds": 30, "beforeAnchor": true}}}`))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	root := tree.Roots()[0]
	if root.Confidence != models.ConfidenceCertain || !root.Criteria.BeforeAnchor || root.Criteria.WindowSeconds != 30 {
		t.Fatalf("unexpected node: %+v", root)
	}
	if !root.IsRoot() || !root.IsLeaf() {
		t.Fatalf("expected a root leaf")
	}
}

func TestParseRejectsMalformedDefinitions(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not a mapping":  `- EVENT_A`,
		"bad prefix":     "RULE_A:\n  resolution: a\n  confidence: Low\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O}\n",
		"bad confidence": "EVENT_A:\n  resolution: a\n  confidence: Sure\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O}\n",
		"no criteria":    "EVENT_A:\n  resolution: a\n  confidence: Low\n",
		"no unit":        "EVENT_A:\n  resolution: a\n  confidence: Low\n  criteria: {eventCodeType: O, eventCode: O}\n",
		"no resolution":  "EVENT_A:\n  confidence: Low\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O}\n",
		"unknown key":    "EVENT_A:\n  resolution: a\n  confidence: Low\n  colour: red\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O}\n",
		"unknown crit":   "EVENT_A:\n  resolution: a\n  confidence: Low\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O, within: 3}\n",
		"negative win":   "EVENT_A:\n  resolution: a\n  confidence: Low\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O, windowSeconds: -1}\n",
		"dotted name":    "EVENT_A.B:\n  resolution: a\n  confidence: Low\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O}\n",
		"duplicate name": "EVENT_A:\n  resolution: a\n  confidence: Low\n  criteria: {unitNum: 1, eventCodeType: O, eventCode: O}\n  EVENT_A:\n    resolution: b\n    confidence: Low\n    criteria: {unitNum: 1, eventCodeType: O, eventCode: C}\n",
	}
	for name, definition := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(definition)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("EVENT_Motion:\n  resolution: Motion\n  confidence: Low\n  criteria: {unitNum: 3, eventCodeType: M, eventCode: D}\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	tree, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tree.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", tree.Len())
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing rule file")
	}
}

func TestLoadEmptyPathUsesDefault(t *testing.T) {
	tree, err := Load("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if len(tree.Roots()) != 2 || tree.Roots()[0].Name != "EVENT_Garage_Opened" {
		t.Fatalf("unexpected default roots: %v", names(tree.Roots()))
	}
}

func names(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}
