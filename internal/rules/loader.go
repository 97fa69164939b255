package rules

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/homesense/event-resolver/internal/models"
)

//go:embed default.yaml
var defaultDefinition []byte

var criteriaKeys = map[string]struct{}{
	"unitNum":         {},
	"eventCodeType":   {},
	"eventCode":       {},
	"windowSeconds":   {},
	"negate":          {},
	"beforeAnchor":    {},
	"requirePresence": {},
}

type criteriaDoc struct {
	UnitNum         *int   `yaml:"unitNum"`
	EventCodeType   string `yaml:"eventCodeType"`
	EventCode       string `yaml:"eventCode"`
	WindowSeconds   *int64 `yaml:"windowSeconds"`
	Negate          bool   `yaml:"negate"`
	BeforeAnchor    bool   `yaml:"beforeAnchor"`
	RequirePresence bool   `yaml:"requirePresence"`
}

// Load reads a rule definition from path, or the embedded default tree when path is empty.
func Load(path string) (*Tree, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	tree, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	return tree, nil
}

// Default parses the embedded rule definition.
func Default() (*Tree, error) {
	return Parse(defaultDefinition)
}

// Parse builds a Tree from a YAML (or JSON) rule definition.
func Parse(data []byte) (*Tree, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("rule definition is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: rule definition must be a mapping", root.Line)
	}

	b := &builder{
		tree:  &Tree{byPath: make(map[string]int)},
		names: make(map[string]struct{}),
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		id, err := b.add(key, value, -1, "", 0)
		if err != nil {
			return nil, err
		}
		b.tree.roots = append(b.tree.roots, id)
	}
	if len(b.tree.roots) == 0 {
		return nil, fmt.Errorf("rule definition has no rules")
	}
	return b.tree, nil
}

type builder struct {
	tree  *Tree
	names map[string]struct{}
}

func (b *builder) add(key, value *yaml.Node, parent int, parentPath string, depth int) (int, error) {
	name := key.Value
	if !validName(name) {
		return 0, fmt.Errorf("line %d: %q is not a rule name (want %s prefix, no %q)", key.Line, name, RulePrefix, pathSeparator)
	}
	if _, dup := b.names[name]; dup {
		return 0, fmt.Errorf("line %d: duplicate rule name %q", key.Line, name)
	}
	b.names[name] = struct{}{}
	if value.Kind != yaml.MappingNode {
		return 0, fmt.Errorf("line %d: rule %s must be a mapping", value.Line, name)
	}

	id := len(b.tree.nodes)
	node := Node{
		ID:     id,
		Parent: parent,
		Name:   name,
		Path:   joinPath(parentPath, name),
		Depth:  depth,
	}

	var (
		children    [][2]*yaml.Node
		hasCriteria bool
	)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		switch {
		case k.Value == "resolution":
			node.ResolutionText = strings.TrimSpace(v.Value)
		case k.Value == "confidence":
			confidence, err := models.ParseConfidence(v.Value)
			if err != nil {
				return 0, fmt.Errorf("line %d: rule %s: %w", v.Line, name, err)
			}
			node.Confidence = confidence
		case k.Value == "explanation":
			node.Explanation = strings.TrimSpace(v.Value)
		case k.Value == "criteria":
			criteria, err := decodeCriteria(v)
			if err != nil {
				return 0, fmt.Errorf("rule %s: %w", name, err)
			}
			node.Criteria = criteria
			hasCriteria = true
		case strings.HasPrefix(k.Value, RulePrefix):
			children = append(children, [2]*yaml.Node{k, v})
		default:
			return 0, fmt.Errorf("line %d: rule %s: unknown key %q", k.Line, name, k.Value)
		}
	}

	if node.ResolutionText == "" {
		return 0, fmt.Errorf("line %d: rule %s: resolution is required", key.Line, name)
	}
	if node.Confidence == "" {
		return 0, fmt.Errorf("line %d: rule %s: confidence is required", key.Line, name)
	}
	if !hasCriteria {
		return 0, fmt.Errorf("line %d: rule %s: criteria is required", key.Line, name)
	}

	b.tree.nodes = append(b.tree.nodes, node)
	b.tree.byPath[node.Path] = id

	for _, child := range children {
		childID, err := b.add(child[0], child[1], id, node.Path, depth+1)
		if err != nil {
			return 0, err
		}
		b.tree.nodes[id].children = append(b.tree.nodes[id].children, childID)
	}
	return id, nil
}

func decodeCriteria(value *yaml.Node) (Criteria, error) {
	if value.Kind != yaml.MappingNode {
		return Criteria{}, fmt.Errorf("line %d: criteria must be a mapping", value.Line)
	}
	for i := 0; i < len(value.Content); i += 2 {
		k := value.Content[i]
		if _, ok := criteriaKeys[k.Value]; !ok {
			return Criteria{}, fmt.Errorf("line %d: unknown criteria key %q", k.Line, k.Value)
		}
	}

	var doc criteriaDoc
	if err := value.Decode(&doc); err != nil {
		return Criteria{}, fmt.Errorf("line %d: decode criteria: %w", value.Line, err)
	}
	if doc.UnitNum == nil {
		return Criteria{}, fmt.Errorf("line %d: criteria unitNum is required", value.Line)
	}
	if doc.EventCodeType == "" || doc.EventCode == "" {
		return Criteria{}, fmt.Errorf("line %d: criteria eventCodeType and eventCode are required", value.Line)
	}

	window := DefaultWindowSeconds
	if doc.WindowSeconds != nil {
		if *doc.WindowSeconds < 0 {
			return Criteria{}, fmt.Errorf("line %d: criteria windowSeconds must not be negative", value.Line)
		}
		window = *doc.WindowSeconds
	}

	return Criteria{
		UnitNum:         *doc.UnitNum,
		EventCodeType:   doc.EventCodeType,
		EventCode:       doc.EventCode,
		WindowSeconds:   window,
		Negate:          doc.Negate,
		BeforeAnchor:    doc.BeforeAnchor,
		RequirePresence: doc.RequirePresence,
	}, nil
}
