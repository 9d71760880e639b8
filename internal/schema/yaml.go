package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// YAML schema file format:
//
//	entities:
//	  User:
//	    id: id
//	    relationships:
//	      profile: Profile
//	      posts: [Post]
//
// A relationship value is either a bare type name (single reference) or a
// one-element sequence of a type name (many-valued reference).

type yamlFile struct {
	Entities map[string]yamlEntity `yaml:"entities"`
}

type yamlEntity struct {
	ID            string               `yaml:"id"`
	Relationships map[string]yaml.Node `yaml:"relationships"`
}

// LoadYAML parses a YAML schema document into definitions.
// Definitions are returned in sorted name order for determinism.
func LoadYAML(data []byte) ([]Definition, error) {
	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("schema yaml declares no entities")
	}

	names := make([]string, 0, len(file.Entities))
	for name := range file.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		ent := file.Entities[name]
		def := Definition{
			Name:          name,
			IDAttribute:   ent.ID,
			Relationships: make(map[string]Relationship, len(ent.Relationships)),
		}
		for field, node := range ent.Relationships {
			rel, err := parseRelationshipNode(&node)
			if err != nil {
				return nil, fmt.Errorf("entity %q field %q: %w", name, field, err)
			}
			def.Relationships[field] = rel
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadYAMLFile reads and parses a YAML schema file.
func LoadYAMLFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return LoadYAML(data)
}

// parseRelationshipNode decodes a relationship value: a scalar type name,
// or a one-element sequence marking a many-valued relationship.
func parseRelationshipNode(node *yaml.Node) (Relationship, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var target string
		if err := node.Decode(&target); err != nil {
			return Relationship{}, err
		}
		if target == "" {
			return Relationship{}, fmt.Errorf("empty relationship target")
		}
		return Relationship{Entity: target}, nil

	case yaml.SequenceNode:
		if len(node.Content) != 1 {
			return Relationship{}, fmt.Errorf("many-valued relationship must name exactly one type, got %d", len(node.Content))
		}
		var target string
		if err := node.Content[0].Decode(&target); err != nil {
			return Relationship{}, err
		}
		if target == "" {
			return Relationship{}, fmt.Errorf("empty relationship target")
		}
		return Relationship{Entity: target, IsMany: true}, nil

	default:
		return Relationship{}, fmt.Errorf("relationship must be a type name or [TypeName]")
	}
}
