// Package keys defines how storage-level key and index attributes are
// derived from entity data.
//
// A KeyDef is either a reference to an entity field, whose value is used
// verbatim, or a builder function computing the key from several fields
// (for example "USER#<id>"). A Config aggregates the table's partition key,
// an optional sort key, and any number of secondary indexes; evaluating it
// against an item yields the concrete key attribute map.
package keys

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is a raw DynamoDB attribute map.
type Item = map[string]types.AttributeValue

// BuilderFunc computes a key string from an item. It must be deterministic,
// must only read fields present in the item, and should return a
// ComputationError when a required field is missing.
type BuilderFunc func(item Item) (string, error)

// KeyDef is a tagged variant over the two ways a key value can be derived:
// a field reference or a computed builder. The zero value is invalid.
type KeyDef struct {
	field   string
	builder BuilderFunc
}

// FieldRef derives the key from a single entity field, used verbatim.
func FieldRef(name string) KeyDef {
	return KeyDef{field: name}
}

// Computed derives the key by calling build against the item.
func Computed(build BuilderFunc) KeyDef {
	return KeyDef{builder: build}
}

// Fmt derives the key by formatting the named fields into format.
// Only %s verbs should be used since key parts are coerced to strings.
// A missing field is an error, not an empty string: silently formatting
// a partial key would corrupt the derived identity.
func Fmt(format string, fields ...string) KeyDef {
	return Computed(func(item Item) (string, error) {
		vals := make([]any, len(fields))
		for i, f := range fields {
			s, err := FieldString(item, f)
			if err != nil {
				return "", err
			}
			vals[i] = s
		}
		return fmt.Sprintf(format, vals...), nil
	})
}

// IsZero reports whether the definition is unset.
func (d KeyDef) IsZero() bool {
	return d.field == "" && d.builder == nil
}

// Eval resolves the key value for item. This is the single dispatch point
// over the two definition variants.
func (d KeyDef) Eval(item Item) (string, error) {
	switch {
	case d.builder != nil:
		return d.builder(item)
	case d.field != "":
		return FieldString(item, d.field)
	default:
		return "", errors.New("empty key definition")
	}
}

// FieldString extracts a scalar field from the item as a string.
// Only string, number and binary fields can feed key derivation.
func FieldString(item Item, field string) (string, error) {
	v, ok := item[field]
	if !ok {
		return "", &ComputationError{Field: field, Err: errors.New("field missing from entity")}
	}
	switch attr := v.(type) {
	case *types.AttributeValueMemberS:
		return attr.Value, nil
	case *types.AttributeValueMemberN:
		return attr.Value, nil
	case *types.AttributeValueMemberB:
		return string(attr.Value), nil
	default:
		return "", &ComputationError{Field: field, Err: fmt.Errorf("field type %T cannot be used in a key", v)}
	}
}

// ComputationError reports that a key could not be derived, typically
// because a builder dereferenced a field absent from the supplied entity.
type ComputationError struct {
	// Field is the entity field that could not be read.
	Field string
	// Attribute is the storage attribute being computed, when known.
	Attribute string
	Err       error
}

func (e *ComputationError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("computing key attribute %q from field %q: %v", e.Attribute, e.Field, e.Err)
	}
	return fmt.Sprintf("computing key from field %q: %v", e.Field, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// KeyConfig binds a storage attribute name to its derivation.
type KeyConfig struct {
	AttributeName string
	Definition    KeyDef
}

// IndexConfig describes a secondary index: its DynamoDB index name and the
// derivations for its partition and optional sort attribute.
type IndexConfig struct {
	Name      string
	Partition KeyConfig
	Sort      *KeyConfig
}

// Config is the complete keys configuration for one entity type. It is
// immutable after construction and safe to share across concurrent
// operations.
type Config struct {
	Partition KeyConfig
	Sort      *KeyConfig
	Indexes   map[string]IndexConfig
}

// Validate checks the configuration for internal consistency. Index
// attributes may intentionally be shared between indexes, but never with
// the table's own key attributes.
func (c Config) Validate() error {
	if c.Partition.AttributeName == "" || c.Partition.Definition.IsZero() {
		return errors.New("partition key config is incomplete")
	}
	if c.Sort != nil && (c.Sort.AttributeName == "" || c.Sort.Definition.IsZero()) {
		return errors.New("sort key config is incomplete")
	}
	if c.Sort != nil && c.Sort.AttributeName == c.Partition.AttributeName {
		return fmt.Errorf("sort key attribute %q collides with partition key", c.Sort.AttributeName)
	}
	reserved := map[string]bool{c.Partition.AttributeName: true}
	if c.Sort != nil {
		reserved[c.Sort.AttributeName] = true
	}
	for name, idx := range c.Indexes {
		if idx.Name == "" {
			return fmt.Errorf("index %q has no index name", name)
		}
		if idx.Partition.AttributeName == "" || idx.Partition.Definition.IsZero() {
			return fmt.Errorf("index %q partition key config is incomplete", name)
		}
		if reserved[idx.Partition.AttributeName] {
			return fmt.Errorf("index %q attribute %q collides with a table key attribute", name, idx.Partition.AttributeName)
		}
		if idx.Sort != nil {
			if idx.Sort.AttributeName == "" || idx.Sort.Definition.IsZero() {
				return fmt.Errorf("index %q sort key config is incomplete", name)
			}
			if reserved[idx.Sort.AttributeName] {
				return fmt.Errorf("index %q attribute %q collides with a table key attribute", name, idx.Sort.AttributeName)
			}
			if idx.Sort.AttributeName == idx.Partition.AttributeName {
				return fmt.Errorf("index %q sort attribute %q collides with its partition attribute", name, idx.Sort.AttributeName)
			}
		}
	}
	return nil
}

// ComputeKey resolves the primary (and sort, if configured) key attributes
// for the given, possibly partial, item.
func (c Config) ComputeKey(item Item) (Item, error) {
	key := make(Item, 2)
	if err := evalInto(key, c.Partition, item); err != nil {
		return nil, err
	}
	if c.Sort != nil {
		if err := evalInto(key, *c.Sort, item); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// ComputeIndexAttributes resolves the key attributes of every configured
// secondary index against the given item, returned as one flat map.
func (c Config) ComputeIndexAttributes(item Item) (Item, error) {
	attrs := make(Item, 2*len(c.Indexes))
	for _, name := range c.indexNames() {
		idx := c.Indexes[name]
		if err := evalInto(attrs, idx.Partition, item); err != nil {
			return nil, err
		}
		if idx.Sort != nil {
			if err := evalInto(attrs, *idx.Sort, item); err != nil {
				return nil, err
			}
		}
	}
	return attrs, nil
}

func evalInto(dst Item, kc KeyConfig, item Item) error {
	v, err := kc.Definition.Eval(item)
	if err != nil {
		var ce *ComputationError
		if errors.As(err, &ce) && ce.Attribute == "" {
			ce.Attribute = kc.AttributeName
		}
		return err
	}
	dst[kc.AttributeName] = &types.AttributeValueMemberS{Value: v}
	return nil
}

// KeyAttributeNames returns the table's own key attribute names,
// partition first.
func (c Config) KeyAttributeNames() []string {
	names := []string{c.Partition.AttributeName}
	if c.Sort != nil {
		names = append(names, c.Sort.AttributeName)
	}
	return names
}

// IndexAttributeNames returns every secondary-index attribute name, sorted.
func (c Config) IndexAttributeNames() []string {
	var names []string
	for _, idx := range c.Indexes {
		names = append(names, idx.Partition.AttributeName)
		if idx.Sort != nil {
			names = append(names, idx.Sort.AttributeName)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (c Config) indexNames() []string {
	names := make([]string, 0, len(c.Indexes))
	for name := range c.Indexes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ChangedAttribute records one key or index attribute whose value differs
// between two computed attribute maps. Old is nil when the attribute is
// newly present, New is nil when it disappeared.
type ChangedAttribute struct {
	Name string
	Old  types.AttributeValue
	New  types.AttributeValue
}

// DiffKeyAttributes compares two computed attribute maps and returns the
// attributes whose values differ, sorted by attribute name. An empty result
// means the stored attributes are already consistent.
func DiffKeyAttributes(old, new Item) []ChangedAttribute {
	names := make([]string, 0, len(old)+len(new))
	for name := range old {
		names = append(names, name)
	}
	for name := range new {
		if _, ok := old[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var changed []ChangedAttribute
	for _, name := range names {
		ov, nv := old[name], new[name]
		if ov != nil && nv != nil && Equal(ov, nv) {
			continue
		}
		if ov == nil && nv == nil {
			continue
		}
		changed = append(changed, ChangedAttribute{Name: name, Old: ov, New: nv})
	}
	return changed
}

// Equal compares two scalar key attribute values. Only the key-capable
// kinds (string, number, binary) compare equal; anything else is treated
// as different.
func Equal(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		if bv, ok := b.(*types.AttributeValueMemberS); ok {
			return av.Value == bv.Value
		}
	case *types.AttributeValueMemberN:
		if bv, ok := b.(*types.AttributeValueMemberN); ok {
			return av.Value == bv.Value
		}
	case *types.AttributeValueMemberB:
		if bv, ok := b.(*types.AttributeValueMemberB); ok {
			return string(av.Value) == string(bv.Value)
		}
	}
	return false
}
