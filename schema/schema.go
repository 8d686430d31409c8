// Package schema loads declarative keys configurations from YAML.
//
// A definition names the table and describes each key attribute with a
// pattern such as "USER#{id}": literal text with entity field names in
// braces. Patterns compile into key definitions that fail with a clear
// error when a referenced field is missing, exactly like hand-written
// builder functions.
//
// Example:
//
//	table: app-data
//	partition:
//	  attribute: pk
//	  pattern: "USER#{id}"
//	sort:
//	  attribute: sk
//	  pattern: "EMAIL#{email}"
//	indexes:
//	  byEmail:
//	    name: gsi1
//	    partition: {attribute: gsi1pk, pattern: "EMAIL#{email}"}
//	    sort: {attribute: gsi1sk, pattern: "{id}"}
package schema

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ryanrawlingswang/betterddb/keys"
)

// Definition is the YAML shape of one entity type's keys configuration.
type Definition struct {
	Table     string               `yaml:"table"`
	Partition KeySpec              `yaml:"partition"`
	Sort      *KeySpec             `yaml:"sort,omitempty"`
	Indexes   map[string]IndexSpec `yaml:"indexes,omitempty"`
}

// KeySpec describes one key attribute and its derivation pattern.
type KeySpec struct {
	Attribute string `yaml:"attribute"`
	Pattern   string `yaml:"pattern"`
}

// IndexSpec describes one secondary index.
type IndexSpec struct {
	Name      string   `yaml:"name"`
	Partition KeySpec  `yaml:"partition"`
	Sort      *KeySpec `yaml:"sort,omitempty"`
}

// Load reads and parses a definition.
func Load(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	if def.Table == "" {
		return nil, fmt.Errorf("schema is missing a table name")
	}
	return &def, nil
}

// KeysConfig compiles the definition into a validated keys configuration.
func (d *Definition) KeysConfig() (keys.Config, error) {
	cfg := keys.Config{}

	pk, err := compileKeySpec(d.Partition)
	if err != nil {
		return keys.Config{}, fmt.Errorf("partition key: %w", err)
	}
	cfg.Partition = pk

	if d.Sort != nil {
		sk, err := compileKeySpec(*d.Sort)
		if err != nil {
			return keys.Config{}, fmt.Errorf("sort key: %w", err)
		}
		cfg.Sort = &sk
	}

	if len(d.Indexes) > 0 {
		cfg.Indexes = make(map[string]keys.IndexConfig, len(d.Indexes))
		for name, spec := range d.Indexes {
			idxPK, err := compileKeySpec(spec.Partition)
			if err != nil {
				return keys.Config{}, fmt.Errorf("index %q partition key: %w", name, err)
			}
			idx := keys.IndexConfig{Name: spec.Name, Partition: idxPK}
			if spec.Sort != nil {
				idxSK, err := compileKeySpec(*spec.Sort)
				if err != nil {
					return keys.Config{}, fmt.Errorf("index %q sort key: %w", name, err)
				}
				idx.Sort = &idxSK
			}
			cfg.Indexes[name] = idx
		}
	}

	if err := cfg.Validate(); err != nil {
		return keys.Config{}, err
	}
	return cfg, nil
}

func compileKeySpec(spec KeySpec) (keys.KeyConfig, error) {
	if spec.Attribute == "" {
		return keys.KeyConfig{}, fmt.Errorf("missing attribute name")
	}
	def, err := CompilePattern(spec.Pattern)
	if err != nil {
		return keys.KeyConfig{}, err
	}
	return keys.KeyConfig{AttributeName: spec.Attribute, Definition: def}, nil
}

// CompilePattern turns a pattern like "USER#{id}" into a key definition.
// A pattern that is exactly one field reference compiles to a plain field
// reference; anything else becomes a builder over the referenced fields.
func CompilePattern(pattern string) (keys.KeyDef, error) {
	if pattern == "" {
		return keys.KeyDef{}, fmt.Errorf("empty pattern")
	}
	segments, fields, err := splitPattern(pattern)
	if err != nil {
		return keys.KeyDef{}, err
	}
	if len(fields) == 1 && len(segments) == 2 && segments[0] == "" && segments[1] == "" {
		return keys.FieldRef(fields[0]), nil
	}
	return keys.Computed(func(item keys.Item) (string, error) {
		var sb strings.Builder
		for i, field := range fields {
			sb.WriteString(segments[i])
			v, err := keys.FieldString(item, field)
			if err != nil {
				return "", err
			}
			sb.WriteString(v)
		}
		sb.WriteString(segments[len(segments)-1])
		return sb.String(), nil
	}), nil
}

// splitPattern decomposes a pattern into literal segments and field names,
// with len(segments) == len(fields)+1.
func splitPattern(pattern string) (segments, fields []string, err error) {
	rest := pattern
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, nil, fmt.Errorf("pattern %q: unmatched '}'", pattern)
			}
			segments = append(segments, rest)
			return segments, fields, nil
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			return nil, nil, fmt.Errorf("pattern %q: unmatched '{'", pattern)
		}
		field := rest[open+1 : open+close]
		if field == "" {
			return nil, nil, fmt.Errorf("pattern %q: empty field reference", pattern)
		}
		segments = append(segments, rest[:open])
		fields = append(fields, field)
		rest = rest[open+close+1:]
	}
}
