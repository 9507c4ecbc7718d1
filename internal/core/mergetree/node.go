package mergetree

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Node Kinds
// =============================================================================

// Kind identifies the variant of a Node.
type Kind int

const (
	KindScalar Kind = iota + 1
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// =============================================================================
// Node
// =============================================================================

// Node is one element of a configuration tree. Exactly one of the variant
// fields is populated, selected by Kind:
//
//   - KindScalar: Value (and Tag, preserving the YAML type for round-trips)
//   - KindSequence: Items
//   - KindMapping: Keys (declaration order) and Children
//
// Source position is retained so merge and validation errors can point at
// the offending file and line.
type Node struct {
	Kind Kind

	// Scalar
	Value string
	Tag   string // !!str, !!int, !!bool, ...

	// Sequence
	Items []*Node

	// Mapping. Keys preserves declaration order; Children is keyed lookup.
	Keys     []string
	Children map[string]*Node

	// Source position, when parsed from a file.
	File string
	Line int
}

// Scalar returns a new scalar node with the default string tag.
func Scalar(value string) *Node {
	return &Node{Kind: KindScalar, Value: value, Tag: "!!str"}
}

// Sequence returns a new sequence node over the given items.
func Sequence(items ...*Node) *Node {
	return &Node{Kind: KindSequence, Items: items}
}

// Mapping returns a new empty mapping node.
func Mapping() *Node {
	return &Node{Kind: KindMapping, Children: map[string]*Node{}}
}

// Set adds or replaces a child under a mapping node, preserving key order.
func (n *Node) Set(key string, child *Node) *Node {
	if n.Kind != KindMapping {
		panic("mergetree: Set on non-mapping node")
	}
	if _, exists := n.Children[key]; !exists {
		n.Keys = append(n.Keys, key)
	}
	n.Children[key] = child
	return n
}

// Get returns the child under a mapping key, or nil.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != KindMapping {
		return nil
	}
	return n.Children[key]
}

// Lookup walks a path of mapping keys, returning nil if any step is absent
// or not a mapping.
func (n *Node) Lookup(path ...string) *Node {
	cur := n
	for _, key := range path {
		cur = cur.Get(key)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Delete removes a child from a mapping node, preserving the order of the
// remaining keys. Deleting an absent key is a no-op.
func (n *Node) Delete(key string) *Node {
	if n.Kind != KindMapping {
		panic("mergetree: Delete on non-mapping node")
	}
	if _, exists := n.Children[key]; !exists {
		return n
	}
	delete(n.Children, key)
	for i, k := range n.Keys {
		if k == key {
			n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
			break
		}
	}
	return n
}

// Append adds an item to a sequence node.
func (n *Node) Append(item *Node) *Node {
	if n.Kind != KindSequence {
		panic("mergetree: Append on non-sequence node")
	}
	n.Items = append(n.Items, item)
	return n
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Kind:  n.Kind,
		Value: n.Value,
		Tag:   n.Tag,
		File:  n.File,
		Line:  n.Line,
	}
	if n.Items != nil {
		out.Items = make([]*Node, len(n.Items))
		for i, item := range n.Items {
			out.Items[i] = item.Clone()
		}
	}
	if n.Children != nil {
		out.Keys = append([]string(nil), n.Keys...)
		out.Children = make(map[string]*Node, len(n.Children))
		for key, child := range n.Children {
			out.Children[key] = child.Clone()
		}
	}
	return out
}

// Equal reports structural equality, ignoring source positions. Mapping key
// order is not significant for equality.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Kind != other.Kind {
		return false
	}
	switch n.Kind {
	case KindScalar:
		return n.Value == other.Value && n.Tag == other.Tag
	case KindSequence:
		if len(n.Items) != len(other.Items) {
			return false
		}
		for i := range n.Items {
			if !n.Items[i].Equal(other.Items[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(n.Children) != len(other.Children) {
			return false
		}
		for key, child := range n.Children {
			if !child.Equal(other.Children[key]) {
				return false
			}
		}
		return true
	}
	return false
}

// SortedKeys returns the mapping keys in lexical order. Used where a stable
// order independent of declaration is needed.
func (n *Node) SortedKeys() []string {
	keys := append([]string(nil), n.Keys...)
	sort.Strings(keys)
	return keys
}

// =============================================================================
// YAML Conversion
// =============================================================================

// FromYAML parses a YAML document into a Node tree. The file name is
// recorded on every node for error reporting.
func FromYAML(content []byte, file string) (*Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, &ParseError{File: file, Message: err.Error(), Err: ErrMalformedConfig}
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, &ParseError{File: file, Message: "empty document", Err: ErrMalformedConfig}
	}
	return fromYAMLNode(doc.Content[0], file)
}

func fromYAMLNode(yn *yaml.Node, file string) (*Node, error) {
	// Resolve aliases up front so merged trees are self-contained.
	if yn.Kind == yaml.AliasNode {
		return fromYAMLNode(yn.Alias, file)
	}
	switch yn.Kind {
	case yaml.ScalarNode:
		return &Node{
			Kind:  KindScalar,
			Value: yn.Value,
			Tag:   yn.Tag,
			File:  file,
			Line:  yn.Line,
		}, nil
	case yaml.SequenceNode:
		node := &Node{Kind: KindSequence, File: file, Line: yn.Line}
		for _, item := range yn.Content {
			child, err := fromYAMLNode(item, file)
			if err != nil {
				return nil, err
			}
			node.Items = append(node.Items, child)
		}
		return node, nil
	case yaml.MappingNode:
		node := &Node{
			Kind:     KindMapping,
			Children: map[string]*Node{},
			File:     file,
			Line:     yn.Line,
		}
		for i := 0; i+1 < len(yn.Content); i += 2 {
			keyNode := yn.Content[i]
			if keyNode.Kind != yaml.ScalarNode {
				return nil, &ParseError{
					File:    file,
					Message: fmt.Sprintf("line %d: non-scalar mapping key", keyNode.Line),
					Err:     ErrMalformedConfig,
				}
			}
			child, err := fromYAMLNode(yn.Content[i+1], file)
			if err != nil {
				return nil, err
			}
			node.Set(keyNode.Value, child)
		}
		return node, nil
	default:
		return nil, &ParseError{
			File:    file,
			Message: fmt.Sprintf("line %d: unsupported YAML node", yn.Line),
			Err:     ErrMalformedConfig,
		}
	}
}

// ToYAMLNode converts the tree back into a yaml.Node for encoding.
func (n *Node) ToYAMLNode() *yaml.Node {
	switch n.Kind {
	case KindScalar:
		tag := n.Tag
		if tag == "" {
			tag = "!!str"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: n.Value}
	case KindSequence:
		yn := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range n.Items {
			yn.Content = append(yn.Content, item.ToYAMLNode())
		}
		return yn
	case KindMapping:
		yn := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, key := range n.Keys {
			yn.Content = append(yn.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
				n.Children[key].ToYAMLNode())
		}
		return yn
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
}

// MarshalYAML encodes the tree as a YAML document. Output is deterministic:
// identical trees produce byte-identical documents.
func (n *Node) MarshalYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(n.ToYAMLNode()); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
