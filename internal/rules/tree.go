package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/homesense/event-resolver/internal/models"
)

const (
	// RulePrefix marks a mapping key as an inference rule.
	RulePrefix = "EVENT_"
	// DefaultWindowSeconds applies when a criteria omits its window.
	DefaultWindowSeconds int64 = 900

	pathSeparator = "."
)

// ErrUnknownPath reports a tree path that does not exist in the loaded rule set.
var ErrUnknownPath = errors.New("rule path not found")

// Criteria is the matchable condition attached to one rule.
type Criteria struct {
	UnitNum         int
	EventCodeType   string
	EventCode       string
	WindowSeconds   int64
	Negate          bool
	BeforeAnchor    bool
	RequirePresence bool
}

// Node is one inference rule. Nodes are owned by a Tree and must not be mutated.
type Node struct {
	ID             int
	Parent         int
	Name           string
	Path           string
	ResolutionText string
	Confidence     models.Confidence
	Explanation    string
	Criteria       Criteria
	Depth          int

	children []int
}

// IsRoot reports whether the node is a top-level rule.
func (n *Node) IsRoot() bool { return n.Parent < 0 }

// IsLeaf reports whether the node has no refinements.
func (n *Node) IsLeaf() bool { return len(n.children) == 0 }

// Tree is an immutable rule hierarchy stored as a flat arena of nodes.
// It is safe for concurrent reads.
type Tree struct {
	nodes  []Node
	roots  []int
	byPath map[string]int
}

// Len returns the number of rules in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Roots returns the top-level rules in declaration order.
func (t *Tree) Roots() []*Node {
	return t.collect(t.roots)
}

// Children returns the ordered refinements of n.
func (t *Tree) Children(n *Node) []*Node {
	if n == nil {
		return nil
	}
	return t.collect(n.children)
}

// Resolve returns the node stored at path together with its direct children.
func (t *Tree) Resolve(path string) (*Node, []*Node, error) {
	id, ok := t.byPath[path]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}
	node := &t.nodes[id]
	return node, t.Children(node), nil
}

// Walk visits every rule depth-first in declaration order until fn returns false.
func (t *Tree) Walk(fn func(*Node) bool) {
	var visit func(ids []int) bool
	visit = func(ids []int) bool {
		for _, id := range ids {
			node := &t.nodes[id]
			if !fn(node) {
				return false
			}
			if !visit(node.children) {
				return false
			}
		}
		return true
	}
	visit(t.roots)
}

func (t *Tree) collect(ids []int) []*Node {
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, &t.nodes[id])
	}
	return out
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + pathSeparator + name
}

func validName(name string) bool {
	return strings.HasPrefix(name, RulePrefix) && len(name) > len(RulePrefix) && !strings.Contains(name, pathSeparator)
}
